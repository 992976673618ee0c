package worker

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nugget/ci-orchestrator/internal/broker"
)

func TestBase_StartJoin(t *testing.T) {
	b := New("leaf", broker.New(), nil)

	started := make(chan struct{})
	b.Start(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("run never started")
	}

	if !b.IsAlive() {
		t.Fatal("worker should be alive while ctx is not done")
	}
	if b.Join(20 * time.Millisecond) {
		t.Fatal("Join should time out while worker is still running")
	}

	b.Terminate()
	if !b.Join(time.Second) {
		t.Fatal("Join should succeed shortly after Terminate")
	}
	if b.IsAlive() {
		t.Fatal("worker should not be alive after its run returns")
	}
}

func TestBase_PanicRecovered(t *testing.T) {
	b := New("panicker", broker.New(), nil)
	b.Start(func(ctx context.Context) {
		panic("boom")
	})

	if !b.Join(time.Second) {
		t.Fatal("Join should complete even though run panicked")
	}
	if b.IsAlive() {
		t.Fatal("worker should appear dead after a panic, not crash the test process")
	}
}

// fakeChild is a minimal Worker with no run loop. The shutdown /
// list_processes tests below use real child Bases rather than
// fakeChild.
type fakeChild struct {
	name  string
	alive bool
}

func (f *fakeChild) Name() string                    { return f.name }
func (f *fakeChild) Start(run RunFunc)               {}
func (f *fakeChild) Join(timeout time.Duration) bool { f.alive = false; return true }
func (f *fakeChild) Terminate()                      { f.alive = false }
func (f *fakeChild) IsAlive() bool                    { return f.alive }

func TestBase_ShutdownCascadesToChildren(t *testing.T) {
	parentBroker := New("parent", broker.New(), nil)

	childEndpoint := parentBroker.Broker().CreatePair("fetcher")
	childBroker := New("fetcher", broker.NewChild(childEndpoint), nil)
	childBroker.Start(func(ctx context.Context) {
		for {
			if !childBroker.HandleParentMessage(50 * time.Millisecond) {
				select {
				case <-ctx.Done():
					return
				default:
				}
			}
			if childBroker.HasShutdown() {
				return
			}
		}
	})
	parentBroker.AddChild("fetcher", childBroker)

	reply := parentBroker.safeInvoke(parentBroker.handleShutdown, nil)
	if reply.ExitCode != 0 {
		t.Fatalf("handleShutdown reply = %+v, want exitcode 0", reply)
	}

	if !childBroker.Join(time.Second) {
		t.Fatal("child should have exited once it received shutdown")
	}
	if !childBroker.HasShutdown() {
		t.Fatal("child's own shutdown flag should be set")
	}
}

func TestBase_ListProcessesRecurses(t *testing.T) {
	parentBroker := New("parent", broker.New(), nil)

	childEndpoint := parentBroker.Broker().CreatePair("metrics")
	childBroker := New("metrics", broker.NewChild(childEndpoint), nil)
	childBroker.Start(func(ctx context.Context) {
		for {
			if childBroker.HandleParentMessage(50 * time.Millisecond) {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	})
	defer childBroker.Terminate()
	parentBroker.AddChild("metrics", childBroker)

	reply := parentBroker.safeInvoke(parentBroker.handleListProcesses, nil)
	if reply.ExitCode != 0 {
		t.Fatalf("handleListProcesses reply = %+v, want exitcode 0", reply)
	}

	children, ok := reply.Args["child_processes"].([]any)
	if !ok || len(children) != 1 {
		t.Fatalf("child_processes = %#v, want one entry", reply.Args["child_processes"])
	}
	entry := children[0].(map[string]any)
	if entry["name"] != "metrics" {
		t.Errorf("child entry name = %v, want metrics", entry["name"])
	}
	if entry["alive"] != true {
		t.Errorf("child entry alive = %v, want true", entry["alive"])
	}
}

func TestBase_ListProcessesReportsOwnPidWhenBackedByProcess(t *testing.T) {
	b := New("stage", broker.New(), nil)
	b.SetProcessStats(func() (int, bool) { return os.Getpid(), true })

	reply := b.safeInvoke(b.handleListProcesses, nil)
	if reply.ExitCode != 0 {
		t.Fatalf("handleListProcesses reply = %+v, want exitcode 0", reply)
	}

	pid, ok := reply.Args["pid"].(int)
	if !ok || pid != os.Getpid() {
		t.Errorf("pid = %#v, want %d", reply.Args["pid"], os.Getpid())
	}
	if _, ok := reply.Args["cpu%"]; !ok {
		t.Error("cpu% missing from report for a worker backed by a real process")
	}
	if _, ok := reply.Args["mem"]; !ok {
		t.Error("mem missing from report for a worker backed by a real process")
	}
}

func TestBase_ListProcessesOmitsPidForGoroutineOnlyWorker(t *testing.T) {
	b := New("leaf", broker.New(), nil)

	reply := b.safeInvoke(b.handleListProcesses, nil)
	if _, ok := reply.Args["pid"]; ok {
		t.Errorf("pid = %v, want absent for a worker with no SetProcessStats call", reply.Args["pid"])
	}
}

func TestBase_UnknownVerbIgnored(t *testing.T) {
	b := New("leaf", broker.New(), nil)
	// dispatch directly; must not panic for an unregistered verb.
	b.dispatch(broker.NewEnvelope("no_such_verb", nil))
}

func TestBase_HandlerPanicRecovered(t *testing.T) {
	parentBroker := broker.New()
	childEndpoint := parentBroker.CreatePair("child")

	b := New("child", broker.NewChild(childEndpoint), nil)
	b.Handle("explode", func(args map[string]any) broker.Envelope {
		panic("handler exploded")
	})

	go b.HandleParentMessage(time.Second)

	reply := parentBroker.FetchChild("child", broker.NewEnvelope("explode", nil), time.Second)
	if reply.ExitCode != 1 || reply.Content != "handler panicked" {
		t.Errorf("reply = %+v, want recovered-panic failure", reply)
	}
}
