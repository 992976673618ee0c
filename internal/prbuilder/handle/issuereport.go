package handle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/nugget/ci-orchestrator/internal/execwrap"
	"github.com/nugget/ci-orchestrator/internal/ghhost"
	"github.com/nugget/ci-orchestrator/internal/prmodel"
)

// buildSizeRejectionBody renders the oversize-diff report body of
// spec.md §4.7 step 2, naming the pre/post checkout sizes and the
// configured limit so a reviewer can see at a glance how far over it
// the merge landed.
func buildSizeRejectionBody(pre, post, diff, limit int64) string {
	return fmt.Sprintf(
		"Merging this pull request grows the checkout by %d bytes (from %d to %d), "+
			"exceeding the configured limit of %d bytes.\n\n"+
			"This usually means a generated or binary file was committed by mistake.",
		diff, pre, post, limit,
	)
}

// buildFailureBody renders the build-failure report body of spec.md
// §4.7 step 4 from the aliBuild subprocess result. Stderr is truncated
// defensively: a runaway build log should not turn into an
// unmanageably large issue comment.
func buildFailureBody(res execwrap.Result) string {
	const maxTail = 4000
	tail := res.Err
	if len(tail) > maxTail {
		tail = "...(truncated)...\n" + tail[len(tail)-maxTail:]
	}
	return fmt.Sprintf("aliBuild exited with status %d.\n\n```\n%s\n```", res.ExitCode, tail)
}

// Comment-body / issue-body prefixes distinguishing the two kinds of
// auto-filed report this package produces, so a size-rejection report
// and a build-failure report on the same PR never collide or
// overwrite one another's comment (spec.md §4.7's "per-status
// prefix").
const (
	PrefixSizeRejection = "<!-- ci-orchestrator:diff-too-big -->"
	PrefixBuildFailure  = "<!-- ci-orchestrator:build-failure -->"
)

// hexRunPattern and dateRunPattern are filtered out of a report body
// before hashing, so unrelated churn in a sha (a hex run of 6 to 64
// characters) or a timestamp does not change calculateMessageHash's
// result (spec.md §8 invariant 6). Shorter numbers, such as build-log
// line numbers, are kept and do change the hash.
var (
	hexRunPattern  = regexp.MustCompile(`\b[0-9a-fA-F]{6,64}\b`)
	dateRunPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}(?:[T ]\d{2}:\d{2}(?::\d{2})?)?`)
)

// calculateMessageHash renders a stable fingerprint of msg: hex and
// date-like runs are stripped (they vary between otherwise-identical
// failures), the remaining lines are sorted (log line order is not
// semantically meaningful here), and the result is hashed. Two
// messages differing only in their embedded sha or timestamp, or in
// the order lines happened to arrive, hash identically.
func calculateMessageHash(msg string) string {
	filtered := hexRunPattern.ReplaceAllString(stripHTML(msg), "")
	filtered = dateRunPattern.ReplaceAllString(filtered, "")

	lines := strings.Split(filtered, "\n")
	sort.Strings(lines)

	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])[:16]
}

// stripHTML drops raw HTML elements and keeps their text content, so
// a comment body that wraps its details in <details><summary> (a
// common pattern for bot-filed reports, including our own) does not
// hash differently just because the markup around the unchanged
// message text was tweaked. msg that isn't HTML at all parses into a
// single text node and passes through unchanged.
func stripHTML(msg string) string {
	doc, err := html.Parse(strings.NewReader(msg))
	if err != nil {
		return msg
	}
	var out strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			out.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out.String()
}

// IssueReporter implements spec.md §4.7's issue-reporter sub-contract
// for merge-too-big and build errors.
type IssueReporter struct {
	client *ghhost.Client
	repo   string
	logger *slog.Logger
}

// NewIssueReporter constructs a reporter for repo.
func NewIssueReporter(client *ghhost.Client, repo string, logger *slog.Logger) *IssueReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &IssueReporter{client: client, repo: repo, logger: logger}
}

// Report files or refreshes an auto-generated report for pr, under
// the given prefix, with body as the rendered message. Real pull
// requests get a comment on their issue; the main-branch pseudo-
// request gets a dedicated issue keyed by branch@sha:hash.
func (r *IssueReporter) Report(ctx context.Context, pr prmodel.PullRequest, prefix, body string) error {
	if pr.IsBranch() {
		return r.reportBranch(ctx, pr, prefix, body)
	}
	return r.reportPR(ctx, pr, prefix, body)
}

// reportPR implements the real-pull-request path: if any comment on
// the PR's issue begins with prefix and matches the hash, do nothing;
// if it matches the prefix but not the hash, update that comment;
// otherwise create a new one.
func (r *IssueReporter) reportPR(ctx context.Context, pr prmodel.PullRequest, prefix, body string) error {
	number, err := strconv.Atoi(pr.Number)
	if err != nil {
		return fmt.Errorf("invalid PR number %q: %w", pr.Number, err)
	}

	hash := calculateMessageHash(body)
	rendered := fmt.Sprintf("%s hash:%s\n\n%s", prefix, hash, body)

	comments, err := r.client.ListComments(ctx, r.repo, number)
	if err != nil {
		return fmt.Errorf("list comments on #%d: %w", number, err)
	}

	for _, c := range comments {
		if !strings.HasPrefix(c.GetBody(), prefix) {
			continue
		}
		if strings.Contains(c.GetBody(), "hash:"+hash) {
			return nil
		}
		return r.client.UpdateComment(ctx, r.repo, c.GetID(), rendered)
	}

	_, err = r.client.CreateComment(ctx, r.repo, number, rendered)
	return err
}

// reportBranch implements the main-branch pseudo-request path: issues
// are titled "<branch>@<sha>:<hash>". An exact title match means the
// report is already open and accurate; a title sharing the
// branch@sha prefix but a different hash is stale and gets closed
// before a fresh issue is opened. Uses strings.HasPrefix — spec.md §9
// flags the original's "startwith" as a likely typo for "startswith";
// this is the corrected operation.
func (r *IssueReporter) reportBranch(ctx context.Context, pr prmodel.PullRequest, prefix, body string) error {
	hash := calculateMessageHash(body)
	branchSHAPrefix := fmt.Sprintf("%s@%s:", pr.Number, pr.SHA)
	title := branchSHAPrefix + hash

	issues, err := r.client.ListIssues(ctx, r.repo, "open")
	if err != nil {
		return fmt.Errorf("list issues: %w", err)
	}

	for _, iss := range issues {
		t := iss.GetTitle()
		if !strings.HasPrefix(t, branchSHAPrefix) {
			continue
		}
		if t == title {
			return nil
		}
		if err := r.client.CloseIssue(ctx, r.repo, iss.GetNumber()); err != nil {
			r.logger.Warn("close stale branch report failed", "number", iss.GetNumber(), "error", err)
		}
	}

	_, err = r.client.CreateIssue(ctx, r.repo, title, fmt.Sprintf("%s\n\n%s", prefix, body))
	return err
}
