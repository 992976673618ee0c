// Package fetch implements the PR fetcher of spec.md §4.4: polls the
// hosting service for open, reviewed pull requests against a branch,
// categorises them by test status into a priority, diffs against what
// was already known, and emits the delta on a results channel to the
// PR-builder parent. Grounded on the original implementation's
// PRFetcher (py-ci/src/github/pullrequests/fetch.py), reworked as a
// worker with an interruptible sleep instead of a blocking poll loop.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v69/github"

	"github.com/nugget/ci-orchestrator/internal/broker"
	"github.com/nugget/ci-orchestrator/internal/ghhost"
	"github.com/nugget/ci-orchestrator/internal/prbuilder/metrics"
	"github.com/nugget/ci-orchestrator/internal/prmodel"
	"github.com/nugget/ci-orchestrator/internal/worker"
)

// SleepFactory constructs and starts an interruptible sleep child, the
// shape internal/prbuilder/sleeptask.New has. Passed in so tests can
// substitute a fast fake.
type SleepFactory func(endpoint broker.ChannelPair, d time.Duration, logger *slog.Logger) worker.Worker

// Params configures one Fetcher instance.
type Params struct {
	Repo   string
	Branch string

	CheckName           string
	ReviewStatusContext string
	ShowMainBranch       bool

	WorkerIndex int
	PoolSize    int

	DelayBetweenFetches time.Duration
	MaxWaitNoPRs        time.Duration
	MaxWaitNoNewPRs     time.Duration
}

// resultsBufferSize bounds the channel of diffed requests handed to
// the PR-builder parent; the parent drains it every tick (spec.md
// §4.6), so a small buffer is enough to decouple the two workers'
// exact scheduling.
const resultsBufferSize = 32

// Fetcher is the PR fetcher worker.
type Fetcher struct {
	*worker.Base
	Results <-chan prmodel.PrioritisedRequest

	results chan prmodel.PrioritisedRequest
	client  *ghhost.Client
	params  Params
	metrics chan<- metrics.Record
	sleep   SleepFactory
	known   *prmodel.KnownRequests

	lastNonEmpty      time.Time
	shutdownRequested bool
}

// New constructs and starts the fetcher.
func New(endpoint broker.ChannelPair, client *ghhost.Client, params Params, metricsIntake chan<- metrics.Record, sleep SleepFactory, logger *slog.Logger) *Fetcher {
	results := make(chan prmodel.PrioritisedRequest, resultsBufferSize)
	f := &Fetcher{
		Base:         worker.New("fetcher", broker.NewChild(endpoint), logger),
		Results:      results,
		results:      results,
		client:       client,
		params:       params,
		metrics:      metricsIntake,
		sleep:        sleep,
		known:        prmodel.NewKnownRequests(nil),
		lastNonEmpty: time.Now(),
	}
	f.Handle("shutdown", f.handleShutdownVerb)
	f.Start(f.run)
	return f
}

func (f *Fetcher) handleShutdownVerb(_ map[string]any) broker.Envelope {
	f.shutdownRequested = true
	return broker.OK(nil)
}

func (f *Fetcher) emit(name string, value float64) {
	if f.metrics == nil {
		return
	}
	select {
	case f.metrics <- metrics.Record{Name: name, Value: value}:
	default:
	}
}

func (f *Fetcher) run(ctx context.Context) {
	defer close(f.results)

	for {
		if f.shutdownRequested {
			return
		}

		retrieved, total, err := f.fetchAndCategorise(ctx)
		if err != nil {
			f.Logger().Warn("fetch failed, will retry next tick", "error", err)
		} else {
			f.emit("number_prs", float64(total))
			f.reconcile(retrieved)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
		if f.shutdownRequested {
			return
		}

		if len(retrieved) == 0 {
			if f.params.MaxWaitNoPRs > 0 && time.Since(f.lastNonEmpty) > f.params.MaxWaitNoPRs {
				f.Logger().Info("no PRs for too long, shutting down", "max_wait_no_prs", f.params.MaxWaitNoPRs)
				return
			}
		} else {
			f.lastNonEmpty = time.Now()
		}

		if f.sleepInterruptible(ctx, f.params.DelayBetweenFetches) {
			return
		}
	}
}

// reconcile implements steps 3-5 of spec.md §4.4: diff retrieved
// against known, emit and record new or re-prioritised entries, age
// out stale observations when nothing new showed up, and drop entries
// that are no longer present upstream.
func (f *Fetcher) reconcile(retrieved []prmodel.PrioritisedRequest) {
	currentKeys := make(map[prmodel.Key]bool, len(retrieved))
	for _, r := range retrieved {
		currentKeys[r.Request.Key()] = true
	}

	for _, stale := range f.known.All() {
		if !currentKeys[stale.Request.Key()] {
			f.known.Remove(stale.Priority, stale.Request)
		}
	}

	newCount := 0
	for _, r := range retrieved {
		if f.known.Contains(r.Priority, r.Request) {
			continue
		}
		// Either genuinely new, or the same PR re-observed at a
		// different priority (it finished testing); either way this
		// is a fresh scheduling event. Clear any stale bucket entry
		// for the same key under a different priority first.
		for _, known := range f.known.All() {
			if known.Request.Key() == r.Request.Key() && known.Priority != r.Priority {
				f.known.Remove(known.Priority, known.Request)
			}
		}

		pr := r.Request
		pr.Fetched = time.Now()
		r.Request = pr

		f.Logger().Info("new request", "number", pr.Number, "sha", pr.SHA, "priority", r.Priority)
		f.known.Add(r.Priority, pr)
		f.push(r)

		base := pr.Updated
		if base.IsZero() {
			base = pr.Created
		}
		if !base.IsZero() {
			f.emit("time_to_fetch", pr.Fetched.Sub(base).Seconds())
		}
		newCount++
	}
	f.emit("number_new_prs", float64(newCount))

	if newCount == 0 && f.params.MaxWaitNoNewPRs > 0 {
		stale := f.known.OlderThan(f.params.MaxWaitNoNewPRs)
		for _, r := range stale {
			f.push(r)
			f.known.Reset(r.Priority, r.Request)
		}
	}
}

func (f *Fetcher) push(r prmodel.PrioritisedRequest) {
	select {
	case f.results <- r:
	default:
		// Parent is behind; drop rather than block the fetch loop
		// indefinitely. The next tick's reconcile will re-diff and
		// this entry (still in known_prs) will not re-emit unless its
		// priority changes or it ages past max_wait_no_new_prs, at
		// which point it is retried.
		f.Logger().Warn("results channel full, dropping emission", "number", r.Request.Number)
	}
}

// sleepInterruptible waits out d via a terminable sleep child,
// servicing parent messages throughout so a shutdown verb ends the
// wait immediately (spec.md §4.4 step 6). Returns true if the sleep
// was ended by a shutdown.
func (f *Fetcher) sleepInterruptible(ctx context.Context, d time.Duration) bool {
	endpoint := f.Broker().CreatePair("sleep")
	task := f.sleep(endpoint, d, f.Logger())
	f.AddChild("sleep", task)
	defer f.RemoveChild("sleep")

	for task.IsAlive() {
		f.HandleParentMessage(200 * time.Millisecond)
		if f.shutdownRequested {
			task.Terminate()
			task.Join(time.Second)
			return true
		}
		select {
		case <-ctx.Done():
			task.Terminate()
			task.Join(time.Second)
			return true
		default:
		}
	}
	return false
}

// shouldProcess implements the worker-pool partition spec.md §9's
// open questions describe as an unreachable-stub in the original
// (should_process always returned True before its real body): each
// sha is assigned to exactly one worker by its leading hex digit
// modulo the pool size.
func (f *Fetcher) shouldProcess(sha string) bool {
	if f.params.PoolSize <= 1 || sha == "" {
		return true
	}
	digit, err := strconv.ParseInt(sha[:1], 16, 64)
	if err != nil {
		return true
	}
	return int(digit)%f.params.PoolSize == f.params.WorkerIndex
}

func (f *Fetcher) fetchAndCategorise(ctx context.Context) ([]prmodel.PrioritisedRequest, int, error) {
	owner, _, err := splitOwner(f.params.Repo)
	if err != nil {
		return nil, 0, err
	}

	prs, err := f.client.ListOpenPRsByBranch(ctx, f.params.Repo, f.params.Branch)
	if err != nil {
		return nil, 0, err
	}

	var unreviewed []string
	var results []prmodel.PrioritisedRequest
	for _, pr := range prs {
		sha := pr.GetHead().GetSHA()
		if !f.shouldProcess(sha) {
			continue
		}

		statuses, err := f.client.ListCommitStatuses(ctx, f.params.Repo, sha, "")
		if err != nil {
			f.Logger().Warn("list statuses failed, dropping PR", "number", pr.GetNumber(), "error", err)
			continue
		}

		reviewed, tested, success := categoriseStatuses(statuses, f.params.CheckName, f.params.ReviewStatusContext)
		if !reviewed {
			reviewed = f.client.ShouldTrust(ctx, f.params.Repo, owner, pr.GetUser().GetLogin())
		}
		if !reviewed {
			unreviewed = append(unreviewed, strconv.Itoa(pr.GetNumber()))
			continue
		}

		results = append(results, prmodel.PrioritisedRequest{
			Priority: priorityFor(tested, success),
			Request: prmodel.PullRequest{
				Number:  strconv.Itoa(pr.GetNumber()),
				SHA:     sha,
				Created: pr.GetCreatedAt().Time,
				Updated: pr.GetUpdatedAt().Time,
			},
		})
	}

	if len(unreviewed) > 0 {
		f.Logger().Info("ignoring unreviewed PRs", "numbers", unreviewed)
	}

	if f.params.ShowMainBranch {
		if pseudo, ok := f.mainBranchRequest(ctx); ok {
			results = append(results, pseudo)
		}
	}

	return results, len(prs), nil
}

func (f *Fetcher) mainBranchRequest(ctx context.Context) (prmodel.PrioritisedRequest, bool) {
	branch, err := f.client.GetBranch(ctx, f.params.Repo, f.params.Branch)
	if err != nil {
		f.Logger().Warn("get branch failed", "branch", f.params.Branch, "error", err)
		return prmodel.PrioritisedRequest{}, false
	}
	sha := branch.GetCommit().GetSHA()
	if !f.shouldProcess(sha) {
		return prmodel.PrioritisedRequest{}, false
	}

	statuses, err := f.client.ListCommitStatuses(ctx, f.params.Repo, sha, "")
	if err != nil {
		return prmodel.PrioritisedRequest{}, false
	}
	reviewed, tested, success := categoriseStatuses(statuses, f.params.CheckName, f.params.ReviewStatusContext)
	if !reviewed {
		return prmodel.PrioritisedRequest{}, false
	}

	return prmodel.PrioritisedRequest{
		Priority: priorityFor(tested, success),
		Request: prmodel.PullRequest{
			Number: f.params.Branch,
			SHA:    sha,
		},
	}, true
}

func priorityFor(tested, success bool) int {
	if !tested {
		return prmodel.PriorityNotTested
	}
	if success {
		return prmodel.PriorityTestedOK
	}
	return prmodel.PriorityTestedFailed
}

// categoriseStatuses mirrors the original PRFetcher.getStatusInfo: a
// status matching check_name determines reviewed/tested/success and
// stops the scan; otherwise a status matching review_status_context
// with state "success" grants reviewed alone, without stopping the
// scan (so a later check_name match still takes precedence).
func categoriseStatuses(statuses []*github.RepoStatus, checkName, reviewStatusContext string) (reviewed, tested, success bool) {
	for _, s := range statuses {
		ctx := s.GetContext()
		state := s.GetState()

		if checkName != "" && ctx == checkName {
			reviewed = true
			tested = state == "success" || state == "error" || state == "failure"
			success = state == "success"
			break
		}

		if ctx == reviewStatusContext && state == "success" {
			reviewed = true
		}
	}
	return
}

func splitOwner(repo string) (string, string, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return "", "", fmt.Errorf("invalid repo format %q, expected owner/repo", repo)
	}
	return owner, name, nil
}
