package supervisor

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/nugget/ci-orchestrator/internal/broker"
	"github.com/nugget/ci-orchestrator/internal/worker"
)

// newFakeTask builds and starts a minimal worker used to exercise the
// supervisor's cycle and operator RPCs without a real PR builder.
func newFakeTask(endpoint broker.ChannelPair, logger *slog.Logger) worker.Worker {
	b := worker.New("fake", broker.NewChild(endpoint), logger)
	b.Handle("kill_proc", func(args map[string]any) broker.Envelope {
		return broker.OK(map[string]any{"killed": args["pid"]})
	})
	b.Start(func(ctx context.Context) {
		for {
			b.HandleParentMessage(20 * time.Millisecond)
			if b.HasShutdown() {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	})
	return b
}

func newTestSupervisor() *Supervisor {
	return New([]TaskDescriptor{
		{Name: "fake", Doc: "a fake task for tests", New: newFakeTask},
	}, nil)
}

func TestSupervisor_AvailableTasks(t *testing.T) {
	s := newTestSupervisor()
	reply := s.handleAvailableTasks(nil)
	tasks, ok := reply.Args["tasks"].([]map[string]any)
	if !ok || len(tasks) != 1 || tasks[0]["name"] != "fake" {
		t.Fatalf("available_tasks reply = %+v", reply)
	}
}

func TestSupervisor_CurrentTaskAfterCycleStarts(t *testing.T) {
	s := newTestSupervisor()
	s.Run()
	defer s.Terminate()

	waitForCurrentTask(t, s, "fake")

	reply := s.handleCurrentTask(nil)
	if reply.Args["name"] != "fake" {
		t.Fatalf("current_task reply = %+v, want name=fake", reply)
	}
}

func TestSupervisor_CurrentTaskShutdownStopsChild(t *testing.T) {
	s := newTestSupervisor()
	s.Run()
	defer s.Terminate()

	waitForCurrentTask(t, s, "fake")

	reply := s.handleCurrentTaskShutdown(nil)
	if reply.ExitCode != 0 {
		t.Fatalf("current_task_shutdown reply = %+v, want exitcode 0", reply)
	}
}

func TestSupervisor_CurrentTaskKillProcProxies(t *testing.T) {
	s := newTestSupervisor()
	s.Run()
	defer s.Terminate()

	waitForCurrentTask(t, s, "fake")

	reply := s.handleCurrentTaskKillProc(map[string]any{"pid": 42, "name": "alibuild"})
	if reply.ExitCode != 0 || reply.Args["killed"] != 42 {
		t.Fatalf("current_task_kill_proc reply = %+v, want killed=42", reply)
	}
}

func TestSupervisor_NoCurrentTaskBeforeStart(t *testing.T) {
	s := newTestSupervisor()
	reply := s.handleCurrentTaskProcesses(nil)
	if reply.ExitCode != 1 {
		t.Fatalf("current_task_processes before Run = %+v, want failure", reply)
	}
}

func waitForCurrentTask(t *testing.T, s *Supervisor, want string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		name := s.currentName
		s.mu.Unlock()
		if name == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("current task never became %q", want)
}
