// Package worker implements the worker base of spec.md §4.2: lifecycle
// (start/join/terminate), parent-message dispatch by verb name, and
// child bookkeeping shared by every worker in the tree (supervisor,
// PR-builder parent, fetcher, handler, metrics collector, sleep task).
//
// Every worker runs a single top-level Run in its own goroutine — the
// "isolation domain" of spec.md §2 rendered as a panic-recovered
// goroutine rather than an OS process (see SPEC_FULL.md §2). A crash
// inside Run is recovered at the goroutine boundary and surfaces only
// as that worker's doneCh closing, which the parent notices on its
// next liveness check — it never unwinds into the parent.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/ci-orchestrator/internal/broker"
)

// Worker is the lifecycle surface every worker exposes to its parent.
// A parent holds this interface for each of its children; it never
// holds the concrete type, so Base's default shutdown/list_processes
// handling can treat every child uniformly regardless of kind.
type Worker interface {
	Name() string
	Start(run RunFunc)
	Join(timeout time.Duration) bool
	Terminate()
	IsAlive() bool
}

// RunFunc is a worker's main loop. It should periodically call the
// owning Base's HandleParentMessage to remain responsive to shutdown
// and other verbs, and should return promptly when ctx is done
// (Terminate cancels ctx).
type RunFunc func(ctx context.Context)

// HandlerFunc handles one parent-dispatched verb. args are the
// envelope's Args; the returned envelope is delivered back to the
// parent only if the originating envelope requested a reply
// (broker.Envelope.WantsReply, set by FetchChild).
type HandlerFunc func(args map[string]any) broker.Envelope

// Base implements the Worker interface and the universal shutdown /
// list_processes verbs (spec.md §4.2). Concrete workers embed *Base
// and register additional verbs with Handle.
type Base struct {
	name      string
	createdAt time.Time

	logger *slog.Logger
	broker *broker.Broker

	mu               sync.Mutex
	startedAt        time.Time
	started          bool
	shutdown         bool
	shutdownChildren bool
	children         map[string]Worker
	childOrder       []string

	handlers map[string]HandlerFunc

	processStats func() (pid int, ok bool)

	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
}

// New constructs a worker base named name, talking to its parent (if
// any) through br. br has no parent bound for the root/supervisor
// worker (see broker.New).
func New(name string, br *broker.Broker, logger *slog.Logger) *Base {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Base{
		name:      name,
		createdAt: time.Now(),
		logger:    logger.With("worker", name),
		broker:    br,
		children:  make(map[string]Worker),
		handlers:  make(map[string]HandlerFunc),
		doneCh:    make(chan struct{}),
	}
	b.handlers["shutdown"] = b.handleShutdown
	b.handlers["list_processes"] = b.handleListProcesses
	close(b.doneCh) // not alive until Start is called
	return b
}

// Name returns the worker's name, used as its key in the parent's
// broker and child map.
func (b *Base) Name() string { return b.name }

// Broker returns this worker's broker, for constructing children.
func (b *Base) Broker() *broker.Broker { return b.broker }

// Logger returns this worker's logger, pre-annotated with its name.
func (b *Base) Logger() *slog.Logger { return b.logger }

// SetProcessStats registers the function list_processes uses to
// report this worker's own pid (spec.md §4.2's {pid, cpu%, mem, ...}
// reply). Most workers are goroutines inside the orchestrator's own
// process and leave this unset; internal/execwrap's Task is the one
// worker backed by a real OS subprocess and calls this with its own
// pid lookup.
func (b *Base) SetProcessStats(f func() (pid int, ok bool)) {
	b.processStats = f
}

// Handle registers a verb handler. Registering over "shutdown" or
// "list_processes" is allowed (a concrete worker may want to extend
// the default behavior) but unusual; most workers only add new verbs.
func (b *Base) Handle(verb string, fn HandlerFunc) {
	b.handlers[verb] = fn
}

// AddChild registers a child worker under name for the default
// shutdown/list_processes handling and for WaitForChildTasks. Callers
// must have already created the child's channel pair via
// b.Broker().CreatePair(name) and constructed the child with that
// endpoint before calling AddChild.
func (b *Base) AddChild(name string, w Worker) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.children[name]; !exists {
		b.childOrder = append(b.childOrder, name)
	}
	b.children[name] = w
}

// RemoveChild drops a child from bookkeeping (it does not stop it;
// callers join or terminate first). Removal is by identity (map
// delete by key), not by list index — spec.md §9 flags the original's
// index-based removal as a likely bug; this implementation removes by
// name, the correct identity.
func (b *Base) RemoveChild(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.children, name)
	for i, n := range b.childOrder {
		if n == name {
			b.childOrder = append(b.childOrder[:i], b.childOrder[i+1:]...)
			break
		}
	}
	b.broker.RemovePair(name)
}

// Children returns the currently registered children in registration
// order.
func (b *Base) Children() []Worker {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Worker, 0, len(b.childOrder))
	for _, n := range b.childOrder {
		if w, ok := b.children[n]; ok {
			out = append(out, w)
		}
	}
	return out
}

// IsShuttingDown reports whether this worker has begun its shutdown
// verb handling (forwarded shutdown to children, waiting for them).
func (b *Base) IsShuttingDown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shutdownChildren
}

// HasShutdown reports whether this worker has fully completed
// shutdown (own shutdown flag set).
func (b *Base) HasShutdown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shutdown
}

// Start spawns run in its own goroutine — this worker's isolation
// domain. A panic inside run is recovered; the worker simply appears
// dead to its parent rather than crashing the process.
func (b *Base) Start(run RunFunc) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.startedAt = time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	b.ctx = ctx
	b.cancel = cancel
	b.doneCh = make(chan struct{})
	b.mu.Unlock()

	go func() {
		defer close(b.doneCh)
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("worker panicked", "panic", r)
			}
		}()
		run(ctx)
	}()
}

// Join waits up to timeout for the worker to exit. Returns true if it
// exited within timeout, false otherwise. timeout <= 0 waits
// indefinitely.
func (b *Base) Join(timeout time.Duration) bool {
	if timeout <= 0 {
		<-b.doneCh
		return true
	}
	select {
	case <-b.doneCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Terminate forces the worker's context to cancel immediately. Unlike
// the graceful shutdown verb, Terminate does not wait for children or
// for the worker's own cleanup; it is reserved for killing an
// in-flight interruptible sleep, reaping a stage subprocess that
// exceeded its timeout, or last-resort cleanup after the graceful path
// already waited (spec.md §5).
func (b *Base) Terminate() {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// IsAlive reports whether the worker's Run goroutine has not yet
// returned.
func (b *Base) IsAlive() bool {
	select {
	case <-b.doneCh:
		return false
	default:
		return true
	}
}

// Context returns the worker's cancellation context, valid after
// Start. Run implementations should select on ctx.Done() in every
// blocking wait so Terminate takes effect promptly.
func (b *Base) Context() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ctx
}
