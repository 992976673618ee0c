// Package prmodel holds the data types shared across the PR-builder
// subsystem: the pull-request record, its priority pairing, the
// priority scheduler's heap, the fetcher's known-requests table, and
// the commit-status value posted back to the hosting service.
package prmodel

import "time"

// Priority levels, lower is more urgent. See spec.md §3.
const (
	PriorityNotTested    = 0
	PriorityTestedFailed = 1
	PriorityTestedOK     = 2
)

// PullRequest is immutable after fetch. Equality is structural on
// (Number, SHA); that pair is the dedup key used throughout the
// fetcher and scheduler.
type PullRequest struct {
	// Number is the pull-request number for real requests, or the
	// branch name for the optional main-branch pseudo-request.
	Number string
	SHA    string

	Created time.Time
	// Updated is the zero time when absent (e.g. the main-branch
	// pseudo-request, which has no "updated" timestamp).
	Updated time.Time

	Reviewed bool
	Tested   bool
	Success  bool

	// Fetched is stamped on first observation by the fetcher.
	Fetched time.Time
}

// Key returns the (Number, SHA) pair used for equality and dedup.
type Key struct {
	Number string
	SHA    string
}

// Key returns the dedup key for this request.
func (p PullRequest) Key() Key {
	return Key{Number: p.Number, SHA: p.SHA}
}

// Equal reports structural equality on (Number, SHA), per spec.md §3.
func (p PullRequest) Equal(o PullRequest) bool {
	return p.Key() == o.Key()
}

// IsBranch reports whether this is the optional main-branch
// pseudo-request rather than a numbered pull request.
func (p PullRequest) IsBranch() bool {
	return p.Updated.IsZero() && p.Created.IsZero()
}

// PrioritisedRequest pairs a scheduling priority with a pull request.
type PrioritisedRequest struct {
	Priority int
	Request  PullRequest
}

// Equal reports whether two prioritised requests carry the same
// priority and the same (Number, SHA) pull request.
func (p PrioritisedRequest) Equal(o PrioritisedRequest) bool {
	return p.Priority == o.Priority && p.Request.Equal(o.Request)
}
