package worker

import (
	"time"

	"github.com/nugget/ci-orchestrator/internal/broker"
	"github.com/nugget/ci-orchestrator/internal/procstat"
)

// defaultChildWait is how long the shutdown handler waits for children
// to exit after forwarding shutdown, matching spec.md §4.2's
// wait_for_child_tasks(children, check_every=5s) cadence.
const defaultChildWait = 5 * time.Second

// Shutdown runs the same graceful-shutdown logic as the "shutdown"
// verb, callable directly rather than through a parent dispatch. The
// root worker has no parent to receive a shutdown envelope from, so
// anything driving it from outside the broker tree (e.g. the HTTP
// control surface's supervisor wrapper) uses this instead.
func (b *Base) Shutdown() broker.Envelope {
	return b.handleShutdown(nil)
}

// handleShutdown is the universal "shutdown" verb (spec.md §4.2):
// forward shutdown to every child, wait for them all to exit, then
// mark this worker shut down. It never errors; a child that refuses
// to exit simply leaves WaitForChildTasks blocking until the caller's
// own timeout gives up on this worker.
func (b *Base) handleShutdown(_ map[string]any) broker.Envelope {
	b.mu.Lock()
	b.shutdownChildren = true
	children := make([]string, len(b.childOrder))
	copy(children, b.childOrder)
	b.mu.Unlock()

	for _, name := range children {
		if err := b.broker.SendChild(name, broker.NewEnvelope("shutdown", nil)); err != nil {
			b.logger.Warn("shutdown: child already gone", "child", name, "error", err)
		}
	}

	b.WaitForChildTasks(defaultChildWait)

	b.mu.Lock()
	b.shutdown = true
	b.mu.Unlock()

	return broker.OK(nil)
}

// handleListProcesses is the universal "list_processes" verb (spec.md
// §4.2): report this worker's identity and recurse into every child,
// fetching its reply within listProcessesTimeout so one stuck child
// cannot hang the whole tree's report.
const listProcessesTimeout = 2 * time.Second

func (b *Base) handleListProcesses(_ map[string]any) broker.Envelope {
	b.mu.Lock()
	children := make([]string, len(b.childOrder))
	copy(children, b.childOrder)
	b.mu.Unlock()

	childReports := make([]any, 0, len(children))
	for _, name := range children {
		reply := b.broker.FetchChild(name, broker.NewEnvelope("list_processes", nil), listProcessesTimeout)
		childReports = append(childReports, map[string]any{
			"name":  name,
			"alive": reply.ExitCode == 0,
			"reply": reply.Args,
		})
	}

	report := map[string]any{
		"name":            b.name,
		"child_processes": childReports,
	}
	b.reportOwnProcessStats(report)

	return broker.OK(report)
}

// reportOwnProcessStats adds pid/cpu%/mem to report when this worker
// is backed by a real OS subprocess (SetProcessStats was called).
// Most workers have nothing to add here and report is left as-is;
// spec.md §4.2 only promises these fields, not that every worker node
// is a real process, and goroutine-only workers have no pid to give.
func (b *Base) reportOwnProcessStats(report map[string]any) {
	if b.processStats == nil {
		return
	}
	pid, ok := b.processStats()
	if !ok {
		return
	}
	report["pid"] = pid

	cpuPercent, memBytes, err := procstat.Stats(pid)
	if err != nil {
		b.logger.Warn("list_processes: read process stats failed", "pid", pid, "error", err)
		return
	}
	report["cpu%"] = cpuPercent
	report["mem"] = memBytes
}

// HandleParentMessage waits up to timeout for one message from the
// parent and dispatches it by verb to a registered handler. Unknown
// verbs are logged and ignored. A handler panic is recovered so a
// malformed request cannot kill the worker (spec.md §4.2). The
// handler's reply is sent back to the parent only if the received
// envelope requested one (WantsReply, set by FetchChild). Returns
// false if no message arrived within timeout.
func (b *Base) HandleParentMessage(timeout time.Duration) bool {
	recvCh := b.broker.RecvParent()
	if recvCh == nil {
		// Root worker: nothing to wait on. Sleep out the timeout so
		// callers using this purely for pacing still get it.
		if timeout > 0 {
			time.Sleep(timeout)
		}
		return false
	}

	var msg broker.Envelope
	if timeout <= 0 {
		msg = <-recvCh
	} else {
		select {
		case msg = <-recvCh:
		case <-time.After(timeout):
			return false
		}
	}

	b.dispatch(msg)
	return true
}

func (b *Base) dispatch(msg broker.Envelope) {
	handler, ok := b.handlers[msg.Message]
	if !ok {
		b.logger.Warn("unknown verb from parent", "verb", msg.Message)
		return
	}

	reply := b.safeInvoke(handler, msg.Args)
	if msg.WantsReply {
		reply.ID = msg.ID
		b.broker.SendParent(reply)
	}
}

func (b *Base) safeInvoke(handler HandlerFunc, args map[string]any) (reply broker.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("verb handler panicked", "panic", r)
			reply = broker.Failed("handler panicked")
		}
	}()
	return handler(args)
}

// WaitForChildTasks blocks until every currently registered child has
// exited, polling liveness every checkEvery. While waiting it keeps
// servicing parent messages via HandleParentMessage, so a worker
// mid-shutdown remains responsive to e.g. a repeated shutdown or a
// list_processes probe (spec.md §4.2).
func (b *Base) WaitForChildTasks(checkEvery time.Duration) {
	for {
		if !b.anyChildAlive() {
			return
		}
		b.HandleParentMessage(checkEvery)
	}
}

func (b *Base) anyChildAlive() bool {
	b.mu.Lock()
	children := make([]Worker, 0, len(b.children))
	for _, w := range b.children {
		children = append(children, w)
	}
	b.mu.Unlock()

	for _, w := range children {
		if w.IsAlive() {
			return true
		}
	}
	return false
}
