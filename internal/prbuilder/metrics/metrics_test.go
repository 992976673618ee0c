package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/nugget/ci-orchestrator/internal/broker"
)

type fakeEmitter struct {
	mu    sync.Mutex
	paths []string
	names []string
	vals  []float64
}

func (f *fakeEmitter) Emit(path, name string, value float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
	f.names = append(f.names, name)
	f.vals = append(f.vals, value)
	return nil
}

func (f *fakeEmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.names)
}

func TestPath_Formatting(t *testing.T) {
	got := Path("build", "AliPhysics", "host1", 2, "alice-ci")
	want := "build.AliPhysics_Nodes/host1-2-alice-ci"
	if got != want {
		t.Errorf("Path = %q, want %q", got, want)
	}

	gotNoCI := Path("build", "AliPhysics", "host1", 0, "")
	wantNoCI := "build.AliPhysics_Nodes/host1-0"
	if gotNoCI != wantNoCI {
		t.Errorf("Path (no CI) = %q, want %q", gotNoCI, wantNoCI)
	}
}

func TestCollector_ForwardsToEmitter(t *testing.T) {
	parent := broker.New()
	endpoint := parent.CreatePair("metrics")
	emitter := &fakeEmitter{}
	c := New(endpoint, emitter, "build", "AliPhysics", 0, "", nil)

	c.Intake <- Record{Name: "pr_build_time", Value: 12.5}

	deadline := time.Now().Add(time.Second)
	for emitter.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if emitter.count() != 1 {
		t.Fatalf("emitter recorded %d calls, want 1", emitter.count())
	}
}

func TestCollector_ShutdownDrainsAndCloses(t *testing.T) {
	parent := broker.New()
	endpoint := parent.CreatePair("metrics")
	emitter := &fakeEmitter{}
	c := New(endpoint, emitter, "build", "AliPhysics", 0, "", nil)

	c.Intake <- Record{Name: "a", Value: 1}
	c.Intake <- Record{Name: "b", Value: 2}

	reply := parent.FetchChild("metrics", broker.NewEnvelope("shutdown", nil), time.Second)
	if reply.ExitCode != 0 {
		t.Fatalf("shutdown reply = %+v, want exitcode 0", reply)
	}

	if !c.Join(time.Second) {
		t.Fatal("collector should exit shortly after shutdown")
	}
	if emitter.count() != 2 {
		t.Errorf("emitter recorded %d calls, want 2 (both drained on shutdown)", emitter.count())
	}
}
