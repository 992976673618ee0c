// Package handle implements the PR handler of spec.md §4.7: the
// single-shot merge -> diagnose -> build pipeline for one request,
// its status reporting, and its issue-reporter escalation for
// oversize diffs and build failures. Grounded on the original
// implementation's PRHandler (py-ci/src/handlers/pull_request.py),
// reworked as a worker whose external-command stages run in a child
// execwrap.Task instead of blocking the handler's own goroutine.
package handle

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/ci-orchestrator/internal/broker"
	"github.com/nugget/ci-orchestrator/internal/execwrap"
	"github.com/nugget/ci-orchestrator/internal/ghhost"
	"github.com/nugget/ci-orchestrator/internal/prbuilder/metrics"
	"github.com/nugget/ci-orchestrator/internal/prmodel"
	"github.com/nugget/ci-orchestrator/internal/worker"
)

// Timeouts bounds the diagnose and build subprocess stages, and the
// git fetch within merge prep (spec.md §6's ALIDOCTOR_PROCESS_TIMEOUT,
// ALIBUILD_PROCESS_TIMEOUT, GIT_PULL_TIMEOUT).
type Timeouts struct {
	Diagnose time.Duration
	Build    time.Duration
	GitPull  time.Duration
}

// Params configures one Handler instance. Repo/Branch identify both
// the pull-request target and the "dependency-manifest repository"
// spec.md §4.7 step 1 reads the current commit of: this system
// watches exactly one repository (spec.md §1's "one target repository
// per instance"), so they are the same repo.
type Params struct {
	Repo         string
	Branch       string
	CheckoutDir  string
	PRRefspec    string
	CheckName    string
	Package      string

	MaxMergeDiffSize int64

	Build    BuildParams
	Timeouts Timeouts
}

// Handler runs the pipeline of spec.md §4.7 for exactly one
// prioritised request, then exits; it is never reused for a second
// request (spec.md §3: "at most one handler worker is active per
// PR-builder parent at any time", and a handler's death is terminal
// for its request — see SPEC_FULL.md / spec.md §7).
type Handler struct {
	*worker.Base

	pr       prmodel.PullRequest
	priority int

	client  *ghhost.Client
	params  Params
	metrics chan<- metrics.Record

	status *StatusReporter
	issues *IssueReporter
	git    GitRunner

	execFactory func(endpoint broker.ChannelPair, name string, args []string, dir string, env []string, logger *slog.Logger) *execwrap.Task

	startedAt         time.Time
	statusSHA         string
	upstreamSHA       string
	currentStage      *execwrap.Task
	shutdownRequested bool
}

// New constructs and starts a Handler for one prioritised request.
func New(endpoint broker.ChannelPair, pr prmodel.PullRequest, priority int, client *ghhost.Client, params Params, metricsIntake chan<- metrics.Record, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		Base:        worker.New("handler", broker.NewChild(endpoint), logger),
		pr:          pr,
		priority:    priority,
		client:      client,
		params:      params,
		metrics:     metricsIntake,
		status:      NewStatusReporter(client, metricsIntake, logger),
		issues:      NewIssueReporter(client, params.Repo, logger),
		git:         execGitRunner{},
		execFactory: execwrap.New,
	}
	h.Handle("shutdown", h.handleShutdownVerb)
	h.Handle("kill_proc", h.handleKillProc)
	h.Start(h.run)
	return h
}

// handleShutdownVerb only raises the flag runStage and the merge
// loop poll for; it does not forward to children itself (there are
// none at steady state — a "stage" child exists only transiently
// during diagnose/build, and runStage tears that down on noticing the
// flag). Mirrors fetch.Fetcher's shutdown handling.
func (h *Handler) handleShutdownVerb(_ map[string]any) broker.Envelope {
	h.shutdownRequested = true
	return broker.OK(nil)
}

// handleKillProc implements the HTTP control surface's
// `/tasks/current/procs/<pid:int>/kill` route, forwarded down from the
// supervisor through the PR-builder parent to whichever handler owns
// the currently running diagnose/build subprocess. If args carries a
// pid that does not match the running stage's, the request is
// rejected rather than silently killing the wrong (or no) process.
func (h *Handler) handleKillProc(args map[string]any) broker.Envelope {
	stage := h.currentStage
	if stage == nil {
		return broker.Failed("no subprocess running")
	}
	pid := stage.Pid()
	if pid == 0 {
		return broker.Failed("subprocess not yet started")
	}
	if want, ok := args["pid"]; ok && !pidMatches(want, pid) {
		return broker.Failed("pid mismatch")
	}
	stage.Terminate()
	return broker.OK(map[string]any{"pid": pid})
}

// pidMatches compares a pid received over the broker (a JSON number
// decodes to float64, but a caller constructing args directly in Go
// may pass an int) against the live pid.
func pidMatches(want any, pid int) bool {
	switch v := want.(type) {
	case int:
		return v == pid
	case int64:
		return int(v) == pid
	case float64:
		return int(v) == pid
	default:
		return false
	}
}

func (h *Handler) emit(name string, value float64) {
	if h.metrics == nil {
		return
	}
	select {
	case h.metrics <- metrics.Record{Name: name, Value: value}:
	default:
	}
}

// pumpParent services at most one parent message without blocking the
// pipeline for long, so a shutdown verb arriving during the
// relatively fast merge-prep git commands is still noticed promptly.
func (h *Handler) pumpParent() {
	h.HandleParentMessage(time.Millisecond)
}

func (h *Handler) run(ctx context.Context) {
	h.startedAt = time.Now()

	if !h.prepare(ctx) {
		return
	}
	if h.shutdownRequested {
		return
	}
	if !h.merge(ctx) {
		return
	}
	if h.shutdownRequested {
		return
	}
	if !h.diagnose(ctx) {
		return
	}
	if h.shutdownRequested {
		return
	}
	h.build(ctx)

	h.emit("pr_build_time", time.Since(h.startedAt).Seconds())
}

// prepare implements spec.md §4.7 step 1: resolve the current commit
// of the target repository's branch and post a pending status there.
// Every later stage's status post reuses this same commit, since it
// is what "this recipe currently is" for the duration of the
// pipeline.
func (h *Handler) prepare(ctx context.Context) bool {
	branch, err := h.client.GetBranch(ctx, h.params.Repo, h.params.Branch)
	if err != nil {
		h.Logger().Warn("prepare: get branch failed", "branch", h.params.Branch, "error", err)
		return false
	}
	h.statusSHA = branch.GetCommit().GetSHA()

	h.status.Post(ctx, h.params.Repo, h.statusSHA, prmodel.CommitStatus{
		State:   prmodel.StatusPending,
		Context: h.params.CheckName,
	})
	return true
}

func (h *Handler) postStage(ctx context.Context, state prmodel.StatusState, description string) {
	h.status.Post(ctx, h.params.Repo, h.statusSHA, prmodel.CommitStatus{
		State:       state,
		Context:     h.params.CheckName,
		Description: description,
	})
}

// merge implements spec.md §4.7 step 2. On any failure up to and
// including the merge attempt itself, it posts an error status with
// "Cannot merge PR into test area" and stops the pipeline. On an
// oversize post-merge diff, it additionally reports the
// size-rejection issue.
func (h *Handler) merge(ctx context.Context) bool {
	dir := h.params.CheckoutDir

	prepSteps := [][]string{
		{"reset", "--hard", "origin/" + h.params.Branch},
		{"config", "--add", "remote.origin.fetch", h.params.PRRefspec},
	}
	for _, args := range prepSteps {
		if err := h.git.Run(ctx, dir, args...); err != nil {
			h.Logger().Error("merge prep failed", "args", args, "error", err)
			h.postStage(ctx, prmodel.StatusError, "Cannot merge PR into test area")
			return false
		}
		h.pumpParent()
	}

	fetchCtx := ctx
	if h.params.Timeouts.GitPull > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, h.params.Timeouts.GitPull)
		defer cancel()
	}
	if err := h.git.Run(fetchCtx, dir, "fetch", "origin"); err != nil {
		h.Logger().Error("merge: fetch failed", "error", err)
		h.postStage(ctx, prmodel.StatusError, "Cannot merge PR into test area")
		return false
	}
	if err := h.git.Run(ctx, dir, "clean", "-fxd"); err != nil {
		h.Logger().Error("merge: pre-merge clean failed", "error", err)
		h.postStage(ctx, prmodel.StatusError, "Cannot merge PR into test area")
		return false
	}

	preSize, err := dirSize(dir)
	if err != nil {
		h.Logger().Warn("merge: pre-merge size measurement failed", "error", err)
	}

	upstreamSHA, err := h.git.RevParse(ctx, dir, "HEAD")
	if err != nil {
		h.Logger().Error("merge: rev-parse HEAD failed", "error", err)
		h.postStage(ctx, prmodel.StatusError, "Cannot merge PR into test area")
		return false
	}
	h.upstreamSHA = upstreamSHA

	if err := h.git.Run(ctx, dir, "merge", h.pr.SHA); err != nil {
		h.Logger().Warn("merge conflict", "pr", h.pr.Number, "sha", h.pr.SHA, "error", err)
		h.postStage(ctx, prmodel.StatusError, "Cannot merge PR into test area")
		return false
	}

	if err := h.git.Run(ctx, dir, "reset", "--hard", "HEAD"); err != nil {
		h.Logger().Warn("merge: post-merge reset failed", "error", err)
	}
	if err := h.git.Run(ctx, dir, "clean", "-fxd"); err != nil {
		h.Logger().Warn("merge: post-merge clean failed", "error", err)
	}

	postSize, err := dirSize(dir)
	if err != nil {
		h.Logger().Warn("merge: post-merge size measurement failed", "error", err)
	}

	diff := postSize - preSize
	h.Logger().Info("merge size", "pre", preSize, "post", postSize, "diff", diff)

	if h.params.MaxMergeDiffSize > 0 && diff > h.params.MaxMergeDiffSize {
		h.postStage(ctx, prmodel.StatusError, "Diff too big, rejecting.")
		h.reportSizeRejection(ctx, preSize, postSize, diff)
		return false
	}
	return true
}

// diagnose implements spec.md §4.7 step 3.
func (h *Handler) diagnose(ctx context.Context) bool {
	args := h.params.Build.diagnoseArgs(h.params.Package)
	res, completed := h.runStage(ctx, "aliDoctor", args, h.params.CheckoutDir, h.params.Timeouts.Diagnose)
	if !completed {
		return false
	}
	if !res.OK {
		h.Logger().Warn("aliDoctor failed", "exit_code", res.ExitCode, "stderr", res.Err)
		h.postStage(ctx, prmodel.StatusError, "aliDoctor error")
		return false
	}
	return true
}

// build implements spec.md §4.7 step 4.
func (h *Handler) build(ctx context.Context) {
	cleanStaleArtifacts(h.params.CheckoutDir, h.Logger())

	args := h.params.Build.buildArgs(h.params.Package, h.pr)
	res, completed := h.runStage(ctx, "aliBuild", args, h.params.CheckoutDir, h.params.Timeouts.Build)
	if !completed {
		return
	}
	if res.OK {
		h.postStage(ctx, prmodel.StatusSuccess, "Build successful")
		return
	}

	h.Logger().Warn("build failed", "exit_code", res.ExitCode)
	h.postStage(ctx, prmodel.StatusFailure, "Build failed")
	h.reportBuildFailure(ctx, res)
}

func (h *Handler) reportSizeRejection(ctx context.Context, pre, post, diff int64) {
	body := buildSizeRejectionBody(pre, post, diff, h.params.MaxMergeDiffSize)
	if err := h.issues.Report(ctx, h.pr, PrefixSizeRejection, body); err != nil {
		h.Logger().Warn("report size rejection failed", "error", err)
	}
}

func (h *Handler) reportBuildFailure(ctx context.Context, res execwrap.Result) {
	body := buildFailureBody(res)
	if err := h.issues.Report(ctx, h.pr, PrefixBuildFailure, body); err != nil {
		h.Logger().Warn("report build failure failed", "error", err)
	}
}

// runStage implements spec.md §4.7's sub-process supervision rules: it
// spawns cmd in a child execwrap.Task, then reads the one-shot result
// with a short poll while continuing to service its own parent
// messages, so a shutdown verb arriving mid-stage terminates the
// child rather than waiting it out. completed is false if the stage
// was cut short by a shutdown, context cancellation, or its own
// timeout; callers must not post a status in that case (the pipeline
// is being torn down, not failing).
func (h *Handler) runStage(ctx context.Context, cmd string, args []string, dir string, timeout time.Duration) (res execwrap.Result, completed bool) {
	endpoint := h.Broker().CreatePair("stage")
	task := h.execFactory(endpoint, cmd, args, dir, nil, h.Logger())
	h.AddChild("stage", task)
	h.currentStage = task
	defer func() {
		h.RemoveChild("stage")
		h.currentStage = nil
	}()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case r := <-task.Results:
			task.Join(time.Second)
			return r, true
		case <-deadline:
			h.Logger().Warn("stage exceeded timeout, terminating", "stage", cmd, "timeout", timeout)
			task.Terminate()
			task.Join(2 * time.Second)
			return execwrap.Result{}, false
		case <-ctx.Done():
			task.Terminate()
			task.Join(time.Second)
			return execwrap.Result{}, false
		default:
		}

		if h.shutdownRequested {
			h.Logger().Info("shutdown requested mid-stage, terminating", "stage", cmd)
			task.Terminate()
			task.Join(2 * time.Second)
			return execwrap.Result{}, false
		}

		h.HandleParentMessage(3 * time.Second)
	}
}
