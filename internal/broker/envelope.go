// Package broker implements the channel broker of spec.md §4.1: a
// named mapping from child name to channel pair, plus an optional
// parent pair, used by every worker to talk to its parent and its
// children.
//
// A channel pair is two unidirectional Go channels bound oppositely at
// the two endpoints, so each side has one send and one receive — the
// Go-native rendering of spec.md §2's "isolation domain" connective
// tissue. Workers run as goroutines (see internal/worker), so a
// channel pair here is a real in-process channel rather than an IPC
// pipe; the broker's job is bookkeeping which named channel belongs to
// which child, not crossing a process boundary.
package broker

import (
	"github.com/google/uuid"
)

// Envelope is the message envelope of spec.md §3: a signed verb
// dispatch with optional reply fields.
type Envelope struct {
	// ID correlates a request with its reply for log correlation. Not
	// part of the original data model; an ambient addition (see
	// SPEC_FULL.md §3).
	ID uuid.UUID
	// Sender is the broker id of whichever broker sent this envelope.
	Sender uuid.UUID
	// Message is the verb; worker dispatch looks it up unchanged among
	// the handlers registered with worker.Base.Handle (see
	// internal/worker).
	Message string
	Args    map[string]any

	// WantsReply is set by FetchChild (and left false by SendChild):
	// it tells the receiving worker's dispatch loop whether to push a
	// reply envelope back onto the parent channel. Without this flag
	// a fire-and-forget SendChild's handler reply could sit unread in
	// the channel buffer and be misdelivered as the reply to a later,
	// unrelated FetchChild call.
	WantsReply bool

	// Reply fields, populated only on responses.
	HasExitCode bool
	ExitCode    int
	Content     string
}

// NewEnvelope builds an unsigned envelope for verb with the given args.
// It leaves Sender unset: the broker stamps the sender id when the
// envelope is handed to its send methods (SendChild, FetchChild,
// SendParent).
func NewEnvelope(verb string, args map[string]any) Envelope {
	return Envelope{ID: uuid.New(), Message: verb, Args: args}
}

// OK builds a success reply envelope carrying payload merged into Args.
func OK(payload map[string]any) Envelope {
	return Envelope{ID: uuid.New(), HasExitCode: true, ExitCode: 0, Args: payload}
}

// Failed builds a failure reply envelope (exitcode 1) carrying content
// as the human-readable reason, per spec.md §4.1 ("no such child",
// "recv timed out").
func Failed(content string) Envelope {
	return Envelope{ID: uuid.New(), HasExitCode: true, ExitCode: 1, Content: content}
}
