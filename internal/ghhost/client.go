package ghhost

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v69/github"

	"github.com/nugget/ci-orchestrator/internal/ghhost/cache"
)

// rateLimitWarningThreshold triggers a log warning when the remaining
// rate limit drops below this value.
const rateLimitWarningThreshold = 100

// TrustPolicy governs Client.ShouldTrust, the author-trust path of
// spec.md §4.4's review decision: trusted-user list, trusted team, or
// collaborator status, any of which costs extra API calls when
// enabled.
type TrustPolicy struct {
	TrustedUsers       []string
	TrustedTeam        string
	TrustCollaborators bool
}

// Client is the hosting-service client of spec.md §6: every operation
// the core needs against GitHub, wrapped with a conditional-GET cache.
// Grounded on the teacher's internal/forge.GitHub wrapper style.
type Client struct {
	gh     *github.Client
	trust  TrustPolicy
	logger *slog.Logger
}

// New constructs a Client. httpClient should be built via
// internal/httpkit.NewClient so retries and User-Agent injection are
// already wired in; c may be nil to disable response caching. When c
// is non-nil, New wraps httpClient's transport with c's conditional-GET
// RoundTripper so every GET the go-github client issues (PR lists,
// branches, statuses, ...) gets ETag/Last-Modified validation for
// free, per spec.md §6's "conditional GET with ETag/Last-Modified"
// hosting-service contract.
func New(httpClient *http.Client, token string, c *cache.Cache, trust TrustPolicy, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if c != nil {
		httpClient.Transport = &cache.RoundTripper{
			Cache:     c,
			Transport: httpClient.Transport,
			Logger:    logger,
		}
	}
	gh := github.NewClient(httpClient).WithAuthToken(token)
	return &Client{gh: gh, trust: trust, logger: logger}
}

func splitRepo(repo string) (owner, name string, err error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo format %q, expected owner/repo", repo)
	}
	return parts[0], parts[1], nil
}

func (c *Client) checkRate(resp *github.Response) {
	if resp == nil {
		return
	}
	remaining := resp.Rate.Remaining
	if remaining > 0 && remaining < rateLimitWarningThreshold {
		c.logger.Warn("hosting service rate limit low",
			"remaining", remaining,
			"limit", resp.Rate.Limit,
			"reset", resp.Rate.Reset.Format(time.RFC3339),
		)
	}
}

// RateRemaining is the rate-limit probe spec.md §6 lists among the
// core's required operations.
func (c *Client) RateRemaining(ctx context.Context) (int, error) {
	limits, resp, err := c.gh.RateLimit.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("get rate limit: %w", err)
	}
	c.checkRate(resp)
	if limits.Core == nil {
		return 0, nil
	}
	return limits.Core.Remaining, nil
}

// --- Pull requests & branches ---

// ListOpenPRsByBranch lists open pull requests whose base is branch,
// for the fetcher's fetchAndCategorise to turn into the
// priority-tagged result set.
func (c *Client) ListOpenPRsByBranch(ctx context.Context, repo, branch string) ([]*github.PullRequest, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	var all []*github.PullRequest
	opts := &github.PullRequestListOptions{
		State:       "open",
		Base:        branch,
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		prs, resp, err := c.gh.PullRequests.List(ctx, owner, name, opts)
		if err != nil {
			return nil, fmt.Errorf("list open PRs: %w", err)
		}
		c.checkRate(resp)
		all = append(all, prs...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// GetPR retrieves a single pull request by number.
func (c *Client) GetPR(ctx context.Context, repo string, number int) (*github.PullRequest, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	pr, resp, err := c.gh.PullRequests.Get(ctx, owner, name, number)
	if err != nil {
		return nil, fmt.Errorf("get PR #%d: %w", number, err)
	}
	c.checkRate(resp)
	return pr, nil
}

// GetBranch returns a branch and its tip commit.
func (c *Client) GetBranch(ctx context.Context, repo, branch string) (*github.Branch, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	b, resp, err := c.gh.Repositories.GetBranch(ctx, owner, name, branch, 1)
	if err != nil {
		return nil, fmt.Errorf("get branch %q: %w", branch, err)
	}
	c.checkRate(resp)
	return b, nil
}

// ListBranches lists every branch on the repository.
func (c *Client) ListBranches(ctx context.Context, repo string) ([]*github.Branch, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	var all []*github.Branch
	opts := &github.BranchListOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		branches, resp, err := c.gh.Repositories.ListBranches(ctx, owner, name, opts)
		if err != nil {
			return nil, fmt.Errorf("list branches: %w", err)
		}
		c.checkRate(resp)
		all = append(all, branches...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// GetCommit returns a single commit by sha.
func (c *Client) GetCommit(ctx context.Context, repo, sha string) (*github.RepositoryCommit, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	commit, resp, err := c.gh.Repositories.GetCommit(ctx, owner, name, sha, nil)
	if err != nil {
		return nil, fmt.Errorf("get commit %s: %w", sha, err)
	}
	c.checkRate(resp)
	return commit, nil
}

// ListCommits lists commits on the repository.
func (c *Client) ListCommits(ctx context.Context, repo string, opts *github.CommitsListOptions) ([]*github.RepositoryCommit, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	commits, resp, err := c.gh.Repositories.ListCommits(ctx, owner, name, opts)
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	c.checkRate(resp)
	return commits, nil
}

// --- Commit statuses ---

// ListCommitStatuses lists statuses at sha, optionally filtered to a
// single context (spec.md §6).
func (c *Client) ListCommitStatuses(ctx context.Context, repo, sha, filterContext string) ([]*github.RepoStatus, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	statuses, resp, err := c.gh.Repositories.ListStatuses(ctx, owner, name, sha, nil)
	if err != nil {
		return nil, fmt.Errorf("list statuses for %s: %w", sha, err)
	}
	c.checkRate(resp)

	if filterContext == "" {
		return statuses, nil
	}
	filtered := make([]*github.RepoStatus, 0, len(statuses))
	for _, s := range statuses {
		if s.GetContext() == filterContext {
			filtered = append(filtered, s)
		}
	}
	return filtered, nil
}

// CreateCommitStatus posts a new commit status. Callers are
// responsible for the idempotence comparison (spec.md §4.7); this
// method always posts.
func (c *Client) CreateCommitStatus(ctx context.Context, repo, sha string, status CommitStatus) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	state := status.State
	_, resp, err := c.gh.Repositories.CreateStatus(ctx, owner, name, sha, &github.RepoStatus{
		State:       &state,
		Context:     &status.Context,
		Description: &status.Description,
		TargetURL:   &status.TargetURL,
	})
	if err != nil {
		return fmt.Errorf("create status %s on %s: %w", status.Context, sha, err)
	}
	c.checkRate(resp)
	return nil
}

// --- Issues & comments ---

// GetIssue retrieves a single issue by number.
func (c *Client) GetIssue(ctx context.Context, repo string, number int) (*github.Issue, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	issue, resp, err := c.gh.Issues.Get(ctx, owner, name, number)
	if err != nil {
		return nil, fmt.Errorf("get issue #%d: %w", number, err)
	}
	c.checkRate(resp)
	return issue, nil
}

// ListIssues lists repository issues, optionally filtered by state
// ("open"/"closed"/"all").
func (c *Client) ListIssues(ctx context.Context, repo, state string) ([]*github.Issue, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	var all []*github.Issue
	opts := &github.IssueListByRepoOptions{State: state, ListOptions: github.ListOptions{PerPage: 100}}
	for {
		issues, resp, err := c.gh.Issues.ListByRepo(ctx, owner, name, opts)
		if err != nil {
			return nil, fmt.Errorf("list issues: %w", err)
		}
		c.checkRate(resp)
		for _, i := range issues {
			if i.PullRequestLinks == nil {
				all = append(all, i)
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// CreateIssue opens a new issue.
func (c *Client) CreateIssue(ctx context.Context, repo, title, body string) (*github.Issue, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	issue, resp, err := c.gh.Issues.Create(ctx, owner, name, &github.IssueRequest{Title: &title, Body: &body})
	if err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}
	c.checkRate(resp)
	return issue, nil
}

// CloseIssue closes an issue.
func (c *Client) CloseIssue(ctx context.Context, repo string, number int) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	closed := "closed"
	_, resp, err := c.gh.Issues.Edit(ctx, owner, name, number, &github.IssueRequest{State: &closed})
	if err != nil {
		return fmt.Errorf("close issue #%d: %w", number, err)
	}
	c.checkRate(resp)
	return nil
}

// ListComments lists comments on an issue or pull request.
func (c *Client) ListComments(ctx context.Context, repo string, number int) ([]*github.IssueComment, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	comments, resp, err := c.gh.Issues.ListComments(ctx, owner, name, number, nil)
	if err != nil {
		return nil, fmt.Errorf("list comments on #%d: %w", number, err)
	}
	c.checkRate(resp)
	return comments, nil
}

// CreateComment posts a new comment.
func (c *Client) CreateComment(ctx context.Context, repo string, number int, body string) (*github.IssueComment, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	comment, resp, err := c.gh.Issues.CreateComment(ctx, owner, name, number, &github.IssueComment{Body: &body})
	if err != nil {
		return nil, fmt.Errorf("create comment on #%d: %w", number, err)
	}
	c.checkRate(resp)
	return comment, nil
}

// UpdateComment edits an existing comment's body.
func (c *Client) UpdateComment(ctx context.Context, repo string, commentID int64, body string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	_, resp, err := c.gh.Issues.EditComment(ctx, owner, name, commentID, &github.IssueComment{Body: &body})
	if err != nil {
		return fmt.Errorf("update comment %d: %w", commentID, err)
	}
	c.checkRate(resp)
	return nil
}

// --- Trust ---

// IsCollaborator reports whether user is a collaborator on repo.
func (c *Client) IsCollaborator(ctx context.Context, repo, user string) (bool, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return false, err
	}
	ok, resp, err := c.gh.Repositories.IsCollaborator(ctx, owner, name, user)
	if err != nil {
		return false, fmt.Errorf("check collaborator %s: %w", user, err)
	}
	c.checkRate(resp)
	return ok, nil
}

// IsTeamMember reports whether user belongs to the named team within
// org.
func (c *Client) IsTeamMember(ctx context.Context, org, teamSlug, user string) (bool, error) {
	_, resp, err := c.gh.Teams.GetTeamMembershipBySlug(ctx, org, teamSlug, user)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, fmt.Errorf("check team membership %s/%s: %w", teamSlug, user, err)
	}
	c.checkRate(resp)
	return true, nil
}

// ShouldTrust implements spec.md §4.4's author-trust path: membership
// in the trusted-user list, the trusted team, or (if enabled)
// collaborator status on repo. Each extra check only runs if the
// cheaper ones already failed, since team/collaborator lookups cost
// additional API calls.
func (c *Client) ShouldTrust(ctx context.Context, repo, org, author string) bool {
	for _, u := range c.trust.TrustedUsers {
		if u == author {
			return true
		}
	}

	if c.trust.TrustedTeam != "" {
		member, err := c.IsTeamMember(ctx, org, c.trust.TrustedTeam, author)
		if err != nil {
			c.logger.Warn("team membership check failed", "team", c.trust.TrustedTeam, "author", author, "error", err)
		} else if member {
			return true
		}
	}

	if c.trust.TrustCollaborators {
		collab, err := c.IsCollaborator(ctx, repo, author)
		if err != nil {
			c.logger.Warn("collaborator check failed", "repo", repo, "author", author, "error", err)
		} else if collab {
			return true
		}
	}

	return false
}

// FormatNumber renders a PR number (or a branch pseudo-request's
// branch name) the way issue titles and log lines expect.
func FormatNumber(number any) string {
	switch v := number.(type) {
	case int:
		return strconv.Itoa(v)
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
