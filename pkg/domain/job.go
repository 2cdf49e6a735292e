package domain

import "time"

// JobState is a lifecycle state of a job
type JobState string

// job states, pending and dispatched are non-terminal
const (
	JobPending    JobState = "pending"
	JobDispatched JobState = "dispatched"
	JobSucceeded  JobState = "succeeded"
	JobFailed     JobState = "failed"
	JobDiscarded  JobState = "discarded"
)

// Terminal reports whether the state is final
func (s JobState) Terminal() bool {
	return s != JobPending && s != JobDispatched
}

// JobKind tells how the job came to be
type JobKind string

// job kinds
const (
	JobScheduled JobKind = "scheduled"
	JobManual    JobKind = "manual"
)

// Job is one scheduled acquisition attempt for one feed
type Job struct {
	ID           string
	FeedID       int64
	Kind         JobKind
	ScheduledFor time.Time
	State        JobState
	Attempts     int
	LastError    string
	DispatchedAt *time.Time
	FinishedAt   *time.Time
	Items        int
	NewItems     int
	CreatedAt    time.Time
}

// JobResult summarizes a successful acquisition
type JobResult struct {
	Items    int
	NewItems int
}

// RetryPolicy controls what happens with a failed job
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// FailOutcome reports what the queue did with a failed job
type FailOutcome struct {
	Attempts  int
	Retry     *Job // replacement pending job, nil when exhausted
	Exhausted bool
}
