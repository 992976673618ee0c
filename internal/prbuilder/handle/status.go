package handle

import (
	"context"
	"log/slog"

	"github.com/google/go-github/v69/github"

	"github.com/nugget/ci-orchestrator/internal/ghhost"
	"github.com/nugget/ci-orchestrator/internal/prbuilder/metrics"
	"github.com/nugget/ci-orchestrator/internal/prmodel"
)

// StatusReporter implements spec.md §4.7's status-reporting contract:
// every post is idempotent, comparing all four CommitStatus fields
// against what is already posted at the commit before deciding whether
// a new status is actually needed.
type StatusReporter struct {
	client  *ghhost.Client
	metrics chan<- metrics.Record
	logger  *slog.Logger
}

// NewStatusReporter constructs a reporter. metricsIntake may be nil
// (failures are then only logged, never escalated as a metric).
func NewStatusReporter(client *ghhost.Client, metricsIntake chan<- metrics.Record, logger *slog.Logger) *StatusReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusReporter{client: client, metrics: metricsIntake, logger: logger}
}

// Post posts status at sha on repo unless an existing status with the
// same context already matches all four fields (spec.md §8 invariant
// 5 / scenario S4). A post failure is logged and escalated to the
// metrics collector as an analytics event, but never returned as a
// fatal error to the pipeline (spec.md §4.7, §9).
func (r *StatusReporter) Post(ctx context.Context, repo, sha string, status prmodel.CommitStatus) {
	existing, err := r.client.ListCommitStatuses(ctx, repo, sha, status.Context)
	if err != nil {
		r.escalate("list statuses", err)
		return
	}
	for _, e := range existing {
		if statusMatches(e, status) {
			return
		}
	}

	if err := r.client.CreateCommitStatus(ctx, repo, sha, ghhost.CommitStatus{
		State:       string(status.State),
		Context:     status.Context,
		Description: status.Description,
		TargetURL:   status.TargetURL,
	}); err != nil {
		r.escalate("create status", err)
	}
}

func statusMatches(e *github.RepoStatus, s prmodel.CommitStatus) bool {
	return e.GetState() == string(s.State) &&
		e.GetContext() == s.Context &&
		e.GetDescription() == s.Description &&
		e.GetTargetURL() == s.TargetURL
}

// escalate implements spec.md §7's "reporting failure" kind: logged
// and forwarded to the analytics collector (here, the same
// process-wide metrics intake every worker already shares), pipeline
// continues regardless.
func (r *StatusReporter) escalate(op string, err error) {
	r.logger.Warn("status report failed", "op", op, "error", err)
	if r.metrics == nil {
		return
	}
	select {
	case r.metrics <- metrics.Record{Name: "status_post_failed", Value: 1}:
	default:
	}
}
