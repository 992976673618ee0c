// Package ghhost is the hosting-service client of spec.md §6: every
// operation the core needs against GitHub (or an Enterprise instance),
// wrapped with the conditional-GET cache of internal/ghhost/cache.
// Grounded on the google/go-github wrapper style of the teacher's
// internal/forge package — a thin per-call mapping from the SDK's
// types into the small set of fields the core actually consumes.
package ghhost

import "time"

// PullRequest is the subset of a GitHub pull request the core needs.
// Nothing in this package sets its categorisation fields (Reviewed,
// Tested, Success); the fetcher in internal/prbuilder/fetch categorises
// pull requests itself, on prmodel.PullRequest (spec.md §4.4).
type PullRequest struct {
	Number  int
	SHA     string
	Created time.Time
	Updated time.Time

	Reviewed bool
	Tested   bool
	Success  bool
}

// CommitStatus mirrors prmodel.CommitStatus for the wire shape this
// package reads and writes; internal/ghhost/cache and the go-github
// SDK never need to know about prmodel.
type CommitStatus struct {
	State       string
	Context     string
	Description string
	TargetURL   string
}

// Issue is the subset of a GitHub issue the issue-reporter needs.
type Issue struct {
	Number int
	Title  string
	State  string
	Body   string
}

// Comment is one comment on an issue or pull request.
type Comment struct {
	ID   int64
	Body string
}

// Branch is a repository branch and its tip commit.
type Branch struct {
	Name string
	SHA  string
}
