package domain

import "testing"

func TestCanTransitionJob(t *testing.T) {
	cases := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobStatusPending, JobStatusRunning, true},
		{JobStatusRunning, JobStatusCompleted, true},
		{JobStatusRunning, JobStatusFailed, true},
		{JobStatusPending, JobStatusCompleted, false},
		{JobStatusPending, JobStatusFailed, false},
		{JobStatusCompleted, JobStatusRunning, false},
		{JobStatusCompleted, JobStatusFailed, false},
		{JobStatusFailed, JobStatusRunning, false},
		{JobStatusFailed, JobStatusPending, false},
	}
	for _, tc := range cases {
		if got := CanTransitionJob(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransitionJob(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestJobStatusIsTerminal(t *testing.T) {
	for status, terminal := range map[JobStatus]bool{
		JobStatusPending:   false,
		JobStatusRunning:   false,
		JobStatusCompleted: true,
		JobStatusFailed:    true,
	} {
		if got := status.IsTerminal(); got != terminal {
			t.Errorf("%s.IsTerminal() = %v, want %v", status, got, terminal)
		}
	}
	// Terminal statuses must have no outgoing transitions.
	for from, targets := range ValidJobTransitions {
		if from.IsTerminal() && len(targets) > 0 {
			t.Errorf("terminal status %s has transitions %v", from, targets)
		}
	}
}
