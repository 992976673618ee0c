// Package prbuilder implements the PR-builder parent of spec.md §4.6:
// it owns a fetcher, a metrics collector, and at most one handler; on
// every 5s tick it restarts a dead fetcher, drains the fetcher's
// results channel into its priority heap, and decides whether to
// idle, continue the in-flight build, launch a new one, or preempt a
// lower-priority build for a higher-priority arrival. Grounded on the
// original implementation's PRBuilder (py-ci/src/pull_request_builder.py),
// reworked as a worker whose tick body is the same shape as the
// supervisor's task cycle, one level down.
package prbuilder

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/ci-orchestrator/internal/broker"
	"github.com/nugget/ci-orchestrator/internal/ghhost"
	"github.com/nugget/ci-orchestrator/internal/prbuilder/fetch"
	"github.com/nugget/ci-orchestrator/internal/prbuilder/handle"
	"github.com/nugget/ci-orchestrator/internal/prbuilder/metrics"
	"github.com/nugget/ci-orchestrator/internal/prbuilder/sleeptask"
	"github.com/nugget/ci-orchestrator/internal/prmodel"
	"github.com/nugget/ci-orchestrator/internal/worker"
)

// tickInterval is the cadence of spec.md §4.6's tick.
const tickInterval = 5 * time.Second

// drainBudget bounds how long one tick spends draining the fetcher's
// results channel, per spec.md §4.6 step 3's "bounded wait up to 10s
// in one attempt".
const drainBudget = 10 * time.Second

// MetricsParams configures the metrics collector this parent owns.
type MetricsParams struct {
	Category    string
	Subcategory string
	WorkerIndex int
	CIName      string
}

// Params configures one Builder instance.
type Params struct {
	Fetch   fetch.Params
	Handle  handle.Params
	Metrics MetricsParams
}

// Builder is the PR-builder parent worker.
type Builder struct {
	*worker.Base

	client  *ghhost.Client
	params  Params
	emitter metrics.Emitter

	fetcher *fetch.Fetcher
	metrics *metrics.Collector

	requests *prmodel.PriorityQueue

	currentPriority int
	currentPR       prmodel.PullRequest
	hasCurrent      bool
	handler         *handle.Handler

	shutdownRequested bool
}

// New constructs and starts the PR-builder parent, matching
// supervisor.TaskDescriptor.New's shape so it can be registered
// directly as the supervisor's single top-level task.
func New(client *ghhost.Client, params Params, emitter metrics.Emitter) func(endpoint broker.ChannelPair, logger *slog.Logger) worker.Worker {
	return func(endpoint broker.ChannelPair, logger *slog.Logger) worker.Worker {
		b := &Builder{
			Base:     worker.New("prbuilder", broker.NewChild(endpoint), logger),
			client:   client,
			params:   params,
			emitter:  emitter,
			requests: prmodel.NewPriorityQueue(),
		}
		b.Handle("shutdown", b.handleShutdownVerb)
		b.Handle("kill_proc", b.handleKillProcVerb)
		b.Start(b.run)
		return b
	}
}

func (b *Builder) handleShutdownVerb(_ map[string]any) broker.Envelope {
	b.shutdownRequested = true
	return broker.OK(nil)
}

// handleKillProcVerb forwards the HTTP control surface's kill request
// to the in-flight handler, the only child that ever owns a live
// subprocess pid.
func (b *Builder) handleKillProcVerb(args map[string]any) broker.Envelope {
	if b.handler == nil || !b.handler.IsAlive() {
		return broker.Failed("no subprocess running")
	}
	return b.Broker().FetchChild("handler", broker.NewEnvelope("kill_proc", args), 5*time.Second)
}

func (b *Builder) run(ctx context.Context) {
	b.spawnMetrics()
	b.spawnFetcher()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if b.shutdownRequested {
			b.shutdownCurrent()
			return
		}

		b.HandleParentMessage(tickInterval)
		if b.shutdownRequested {
			b.shutdownCurrent()
			return
		}

		b.maybeRestartFetcher()
		b.drainResults(ctx)
		b.decide(endpointFactory(b))
	}
}

func (b *Builder) spawnMetrics() {
	endpoint := b.Broker().CreatePair("metrics")
	b.metrics = metrics.New(endpoint, b.emitter, b.params.Metrics.Category, b.params.Metrics.Subcategory, b.params.Metrics.WorkerIndex, b.params.Metrics.CIName, b.Logger())
	b.AddChild("metrics", b.metrics)
}

func (b *Builder) spawnFetcher() {
	endpoint := b.Broker().CreatePair("fetcher")
	b.fetcher = fetch.New(endpoint, b.client, b.params.Fetch, b.metrics.Intake, sleeptask.New, b.Logger())
	b.AddChild("fetcher", b.fetcher)
}

// maybeRestartFetcher implements spec.md §4.6 step 2: a dead fetcher
// is replaced unless this parent is itself shutting down, in which
// case leaving it dead is correct (no more work should be started).
func (b *Builder) maybeRestartFetcher() {
	if b.shutdownRequested {
		return
	}
	if b.fetcher != nil && b.fetcher.IsAlive() {
		return
	}
	b.Logger().Warn("fetcher died, restarting")
	b.RemoveChild("fetcher")
	b.spawnFetcher()
}

// drainResults implements spec.md §4.6 step 3: non-blockingly drain
// the fetcher's results channel into the priority heap, bounded so a
// burst of emissions cannot starve the rest of the tick.
func (b *Builder) drainResults(ctx context.Context) {
	deadline := time.NewTimer(drainBudget)
	defer deadline.Stop()

	for {
		select {
		case r, ok := <-b.fetcher.Results:
			if !ok {
				return
			}
			b.requests.Push(r)
		case <-deadline.C:
			return
		case <-ctx.Done():
			return
		default:
			return
		}
	}
}

// tickAction is the outcome of spec.md §4.6 step 4's decision table.
type tickAction int

const (
	actionIdle tickAction = iota
	actionContinue
	actionLaunch
	actionPreemptThenLaunch
)

// nextAction implements the decision table itself as a pure function
// of the three inputs it depends on, independent of channels, heaps,
// or worker lifecycles, so its six rows can be exercised directly in
// tests. hasCurrent/handlerAlive together are the table's "current" /
// "handler alive?" columns (a dead handler has already been reaped by
// the time decide calls this, so handlerAlive is always true when
// hasCurrent is true here).
func nextAction(hasCurrent, present bool, currentPriority, peekPriority int) tickAction {
	if !hasCurrent {
		if !present {
			return actionIdle
		}
		return actionLaunch
	}
	if !present {
		return actionContinue
	}
	if peekPriority < currentPriority {
		return actionPreemptThenLaunch
	}
	return actionContinue
}

// decide implements spec.md §4.6 step 4. A handler that has finished
// on its own (not preempted) clears the "current" slot before the
// table is consulted, so a finished build with an empty heap
// correctly idles rather than leaving a stale current pinned forever.
func (b *Builder) decide(newHandlerEndpoint func() broker.ChannelPair) {
	if b.hasCurrent && (b.handler == nil || !b.handler.IsAlive()) {
		b.RemoveChild("handler")
		b.handler = nil
		b.hasCurrent = false
	}

	peek, present := b.requests.Peek()

	switch nextAction(b.hasCurrent, present, b.currentPriority, peek.Priority) {
	case actionIdle, actionContinue:
		return
	case actionPreemptThenLaunch:
		b.preempt()
		b.launch(newHandlerEndpoint)
	case actionLaunch:
		b.launch(newHandlerEndpoint)
	}
}

// launch implements spec.md §4.6 step 5.
func (b *Builder) launch(newHandlerEndpoint func() broker.ChannelPair) {
	pr, ok := b.requests.Pop()
	if !ok {
		return
	}

	b.Logger().Info("launching handler", "number", pr.Request.Number, "sha", pr.Request.SHA, "priority", pr.Priority)

	endpoint := newHandlerEndpoint()
	b.handler = handle.New(endpoint, pr.Request, pr.Priority, b.client, b.params.Handle, b.metrics.Intake, b.Logger())
	b.AddChild("handler", b.handler)

	b.currentPriority = pr.Priority
	b.currentPR = pr.Request
	b.hasCurrent = true
}

// preempt implements spec.md §4.6 step 6: stop the in-flight handler
// and restore its request to the heap at its original priority before
// the next pop, so a future tick reconsiders it fairly rather than
// losing it.
func (b *Builder) preempt() {
	if b.handler != nil {
		b.Logger().Info("preempting in-flight build", "number", b.currentPR.Number, "priority", b.currentPriority)
		if err := b.Broker().SendChild("handler", broker.NewEnvelope("shutdown", nil)); err != nil {
			b.Logger().Warn("preempt: handler already gone", "error", err)
		}
		b.waitForHandler()
	}
	b.RemoveChild("handler")
	b.handler = nil

	b.requests.Push(prmodel.PrioritisedRequest{Priority: b.currentPriority, Request: b.currentPR})
	b.hasCurrent = false
}

const handlerShutdownWait = 30 * time.Second

func (b *Builder) waitForHandler() {
	if b.handler == nil {
		return
	}
	if !b.handler.Join(handlerShutdownWait) {
		b.handler.Terminate()
		b.handler.Join(2 * time.Second)
	}
}

// shutdownCurrent stops the in-flight handler (if any) without
// restoring it to the heap; the parent itself is exiting, so there is
// no future tick to reconsider it.
func (b *Builder) shutdownCurrent() {
	if b.handler != nil {
		if err := b.Broker().SendChild("handler", broker.NewEnvelope("shutdown", nil)); err != nil {
			b.Logger().Warn("shutdown: handler already gone", "error", err)
		}
		b.waitForHandler()
	}
	b.WaitForChildTasks(2 * time.Second)
}

// endpointFactory returns a closure creating a fresh channel pair for
// a newly-launched handler, named uniformly so AddChild/RemoveChild
// always agree on the handler's slot.
func endpointFactory(b *Builder) func() broker.ChannelPair {
	return func() broker.ChannelPair {
		return b.Broker().CreatePair("handler")
	}
}
