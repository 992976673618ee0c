// Package supervisor implements the root task of spec.md §4.3: it owns
// the top-level task cycle (currently just the PR builder), restarts
// it on a timer, and exposes the operator-visible verbs that let an
// external caller inspect or steer whichever task is currently
// running.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/ci-orchestrator/internal/broker"
	"github.com/nugget/ci-orchestrator/internal/worker"
)

// livenessPollInterval and maxLivenessPolls implement spec.md §4.3's
// "every 10 seconds polls liveness; after 20 such polls (≈200s) sends
// shutdown to force rotation to the next entry."
const (
	livenessPollInterval = 10 * time.Second
	maxLivenessPolls      = 20
)

// TaskDescriptor names one entry in the supervisor's cycle: a
// human-readable doc string for available_tasks, and a factory that
// builds and starts the child worker given the channel endpoint the
// supervisor's broker has already created for it. New must return a
// worker that is already running (its own Start already called) —
// each task type owns its own run loop shape, which the supervisor
// does not need to know about.
type TaskDescriptor struct {
	Name string
	Doc  string
	New  func(endpoint broker.ChannelPair, logger *slog.Logger) worker.Worker
}

// Supervisor is the root worker: it has no parent, cycles its task
// list forever, and answers operator RPCs about whichever task is
// currently active.
type Supervisor struct {
	*worker.Base

	tasks []TaskDescriptor

	mu           sync.Mutex
	currentIndex int
	currentName  string
}

// New constructs the root supervisor with the given task cycle. tasks
// must be non-empty; in the current deployment it has exactly one
// entry, the PR builder (spec.md §4.3), but the cycle is written
// generically so a second top-level task can be added without
// changing this package.
func New(tasks []TaskDescriptor, logger *slog.Logger) *Supervisor {
	s := &Supervisor{
		Base:  worker.New("supervisor", broker.New(), logger),
		tasks: tasks,
	}
	s.Handle("available_tasks", s.handleAvailableTasks)
	s.Handle("current_task", s.handleCurrentTask)
	s.Handle("current_task_processes", s.handleCurrentTaskProcesses)
	s.Handle("current_task_shutdown", s.handleCurrentTaskShutdown)
	s.Handle("current_task_kill_proc", s.handleCurrentTaskKillProc)
	return s
}

// Run starts the supervisor's task cycle. Callers typically follow
// this with a blocking worker.Base.Join or by servicing an operator
// transport (see internal/httpapi) until a shutdown verb arrives.
func (s *Supervisor) Run() {
	s.Start(s.runLoop)
}

func (s *Supervisor) runLoop(ctx context.Context) {
	idx := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task := s.tasks[idx%len(s.tasks)]
		s.runOneCycle(ctx, task)
		idx++

		if s.HasShutdown() {
			return
		}
	}
}

// runOneCycle spawns task, waits for it to exit on its own, to be
// shut down by an operator RPC, or to hit the liveness-poll budget —
// whichever comes first — and ensures it is gone before returning.
func (s *Supervisor) runOneCycle(ctx context.Context, task TaskDescriptor) {
	childName := task.Name
	endpoint := s.Broker().CreatePair(childName)
	child := task.New(endpoint, s.Logger())

	s.mu.Lock()
	s.currentName = childName
	s.mu.Unlock()

	s.AddChild(childName, child)

	polls := 0
	for child.IsAlive() && polls < maxLivenessPolls {
		if s.HandleParentMessage(livenessPollInterval) {
			// An operator verb (e.g. current_task_shutdown) may have
			// just stopped the child; loop condition re-checks
			// IsAlive before counting another poll.
			continue
		}
		select {
		case <-ctx.Done():
			s.forceStopCurrent()
			return
		default:
		}
		polls++
	}

	if child.IsAlive() {
		s.forceStopCurrent()
	} else {
		s.RemoveChild(childName)
	}
}

// forceStopCurrent sends shutdown to the active task and, if it
// hasn't exited shortly after, terminates it outright.
func (s *Supervisor) forceStopCurrent() {
	s.mu.Lock()
	name := s.currentName
	s.mu.Unlock()
	if name == "" {
		return
	}

	if err := s.Broker().SendChild(name, broker.NewEnvelope("shutdown", nil)); err != nil {
		s.Logger().Warn("force rotate: child already gone", "task", name, "error", err)
	}

	for _, w := range s.Children() {
		if w.Name() != name {
			continue
		}
		if !w.Join(5 * time.Second) {
			w.Terminate()
			w.Join(time.Second)
		}
	}
	s.RemoveChild(name)
}

// AvailableTasks, CurrentTask, CurrentTaskProcesses,
// CurrentTaskShutdown, and CurrentTaskKillProc expose the supervisor's
// operator verbs directly, for the HTTP control surface to call
// in-process: the supervisor is the root worker and has no parent to
// dispatch these through, so the normal broker verb-dispatch path
// never fires for it (see worker.Base.Shutdown for the same reasoning
// applied to the universal shutdown verb).
func (s *Supervisor) AvailableTasks() broker.Envelope { return s.handleAvailableTasks(nil) }
func (s *Supervisor) CurrentTask() broker.Envelope    { return s.handleCurrentTask(nil) }
func (s *Supervisor) CurrentTaskProcesses() broker.Envelope {
	return s.handleCurrentTaskProcesses(nil)
}
func (s *Supervisor) CurrentTaskShutdown() broker.Envelope {
	return s.handleCurrentTaskShutdown(nil)
}
func (s *Supervisor) CurrentTaskKillProc(args map[string]any) broker.Envelope {
	return s.handleCurrentTaskKillProc(args)
}

func (s *Supervisor) handleAvailableTasks(_ map[string]any) broker.Envelope {
	list := make([]map[string]any, 0, len(s.tasks))
	for _, t := range s.tasks {
		list = append(list, map[string]any{"name": t.Name, "doc": t.Doc})
	}
	return broker.OK(map[string]any{"tasks": list})
}

func (s *Supervisor) handleCurrentTask(_ map[string]any) broker.Envelope {
	s.mu.Lock()
	name := s.currentName
	s.mu.Unlock()
	return broker.OK(map[string]any{"name": name})
}

func (s *Supervisor) handleCurrentTaskProcesses(_ map[string]any) broker.Envelope {
	s.mu.Lock()
	name := s.currentName
	s.mu.Unlock()
	if name == "" {
		return broker.Failed("no current task")
	}
	return s.Broker().FetchChild(name, broker.NewEnvelope("list_processes", nil), 2*time.Second)
}

func (s *Supervisor) handleCurrentTaskShutdown(_ map[string]any) broker.Envelope {
	s.mu.Lock()
	name := s.currentName
	s.mu.Unlock()
	if name == "" {
		return broker.Failed("no current task")
	}
	return s.Broker().FetchChild(name, broker.NewEnvelope("shutdown", nil), 10*time.Second)
}

func (s *Supervisor) handleCurrentTaskKillProc(args map[string]any) broker.Envelope {
	s.mu.Lock()
	name := s.currentName
	s.mu.Unlock()
	if name == "" {
		return broker.Failed("no current task")
	}
	return s.Broker().FetchChild(name, broker.NewEnvelope("kill_proc", args), 10*time.Second)
}
