package prbuilder

import "testing"

// TestNextAction exercises the six rows of spec.md §4.6 step 4's
// decision table directly; decide() itself additionally reaps a dead
// handler before consulting this function, so "current, handler
// dead" is not a reachable input here (see decide's doc comment).
func TestNextAction(t *testing.T) {
	tests := []struct {
		name            string
		hasCurrent      bool
		present         bool
		currentPriority int
		peekPriority    int
		want            tickAction
	}{
		{"none, absent -> idle", false, false, 0, 0, actionIdle},
		{"none, present -> launch", false, true, 0, 5, actionLaunch},
		{"current, absent -> continue", true, false, 2, 0, actionContinue},
		{"current, present, lower priority -> preempt then launch", true, true, 2, 0, actionPreemptThenLaunch},
		{"current, present, equal priority -> continue", true, true, 2, 2, actionContinue},
		{"current, present, higher priority -> continue", true, true, 0, 2, actionContinue},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := nextAction(tc.hasCurrent, tc.present, tc.currentPriority, tc.peekPriority)
			if got != tc.want {
				t.Errorf("nextAction(%v, %v, %d, %d) = %v, want %v",
					tc.hasCurrent, tc.present, tc.currentPriority, tc.peekPriority, got, tc.want)
			}
		})
	}
}
