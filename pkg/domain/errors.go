package domain

import "errors"

var (
	// ErrNotFound is returned when a feed or job does not exist
	ErrNotFound = errors.New("not found")
	// ErrFetchFailure is returned when the acquisition tool failed
	ErrFetchFailure = errors.New("fetch failure")
	// ErrFetchTimeout is returned when the acquisition exceeded the job timeout
	ErrFetchTimeout = errors.New("fetch timeout")
	// ErrInvalidFeed is returned for feed definitions that can't be stored
	ErrInvalidFeed = errors.New("invalid feed")
	// ErrScheduleRuleInvalid is returned for malformed recurrence rules
	ErrScheduleRuleInvalid = errors.New("invalid schedule rule")
	// ErrUnknownOutcome marks jobs interrupted mid-dispatch by a process stop
	ErrUnknownOutcome = errors.New("unknown outcome")
	// ErrQueueInvariant is reported when more than one active job exists for a feed
	ErrQueueInvariant = errors.New("queue invariant violation")
)
