package domain

import "time"

// JobStatus is the lifecycle state of a batch job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// ValidJobTransitions defines allowed status transitions.
// Completed and failed are terminal: reprocessing requires a new job.
var ValidJobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusRunning},
	JobStatusRunning: {JobStatusCompleted, JobStatusFailed},
}

// CanTransitionJob checks if a status transition is valid.
func CanTransitionJob(from, to JobStatus) bool {
	for _, target := range ValidJobTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status permits no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// BatchJob is a historical fee-computation job over a time window.
//
// StartBlock/EndBlock are resolved exactly once, on the first successful
// claim, and never change afterwards. Cursor is the only field mutated
// across retries: it records the last fully processed block so a
// reclaiming worker resumes there instead of at StartBlock.
type BatchJob struct {
	ID            int64
	StartTime     int64
	EndTime       int64
	StartBlock    *uint64
	EndBlock      *uint64
	Cursor        *uint64
	Status        JobStatus
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Resolved reports whether the block range has been resolved.
func (j *BatchJob) Resolved() bool {
	return j.StartBlock != nil && j.EndBlock != nil
}

// ResumeBlock returns the first block the executor should process next.
func (j *BatchJob) ResumeBlock() uint64 {
	if j.Cursor != nil {
		return *j.Cursor + 1
	}
	if j.StartBlock != nil {
		return *j.StartBlock
	}
	return 0
}
