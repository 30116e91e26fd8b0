package model

import (
	"errors"
	"fmt"
)

// Sentinel errors for the orchestration core. Callers branch on these with
// errors.Is; HTTP and stream consumers map them to status codes and
// dead-letter policy.
var (
	// ErrNotFound: the referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict: an optimistic version check failed. Deterministic,
	// never retried by the store itself.
	ErrVersionConflict = errors.New("version conflict")

	// ErrIllegalTransition: the (from, to) pair is not in the legal set.
	ErrIllegalTransition = errors.New("illegal transition")

	// ErrDependencyNotSatisfied: a task cannot enter ready while a
	// dependency is not done.
	ErrDependencyNotSatisfied = errors.New("dependency not satisfied")

	// ErrMissingPrerequisite: a state-specific requirement is absent
	// (worker id, message id, result payload, QA accept).
	ErrMissingPrerequisite = errors.New("missing prerequisite")

	// ErrStoreUnavailable: transient store failure; retriable with backoff.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrQueueUnavailable: transient stream-queue failure; retriable.
	ErrQueueUnavailable = errors.New("queue unavailable")

	// ErrTokenAlreadyUsed: a registration token was already consumed.
	ErrTokenAlreadyUsed = errors.New("registration token already used")

	// ErrTokenExpired: a registration token is past its expiry or revoked.
	ErrTokenExpired = errors.New("registration token expired")

	// ErrNoEligibleWorker: no idle worker covers the task's required
	// capabilities. The PM retries on its next tick.
	ErrNoEligibleWorker = errors.New("no eligible worker")

	// ErrProjectNotReady: the project design has not been finalized.
	ErrProjectNotReady = errors.New("project not ready")

	// ErrUnauthorized: worker credentials did not verify.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrCyclicDependency: a task batch contains a dependency cycle.
	ErrCyclicDependency = errors.New("cyclic dependency")
)

// TransitionError carries the version context of a refused transition so
// the HTTP layer can report expected vs. current.
type TransitionError struct {
	Kind            error
	TaskID          string
	From            TaskStatus
	To              TaskStatus
	ExpectedVersion int64
	CurrentVersion  int64
	Detail          string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("task %s: %v (%s -> %s)", e.TaskID, e.Kind, e.From, e.To)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return e.Kind }
