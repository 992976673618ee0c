package prmodel

// StatusState is one of the four hosting-service commit-status states.
// States form no ordering; the only transition rule is "the latest
// posted status wins" (spec.md §3).
type StatusState string

const (
	StatusPending StatusState = "pending"
	StatusSuccess StatusState = "success"
	StatusError   StatusState = "error"
	StatusFailure StatusState = "failure"
)

// CommitStatus is the value posted to the hosting service at a commit.
// Equality is field-wise on all four fields.
type CommitStatus struct {
	State       StatusState
	Context     string
	Description string
	TargetURL   string
}

// Equal reports field-wise equality on all four fields.
func (s CommitStatus) Equal(o CommitStatus) bool {
	return s.State == o.State &&
		s.Context == o.Context &&
		s.Description == o.Description &&
		s.TargetURL == o.TargetURL
}
