package workload

import (
	"errors"
	"fmt"
)

// Sentinel errors classifying workload failures.
var (
	// ErrConfiguration indicates a bad or missing required field.
	// Terminal; resubmission required.
	ErrConfiguration = errors.New("configuration error")

	// ErrRepositorySync indicates a git push/clone failure while preparing
	// the workspace. Retried with bounded backoff, then terminal.
	ErrRepositorySync = errors.New("repository sync failed")

	// ErrVerification indicates the task definition content did not match
	// expectations. Terminal and never auto-retried: retrying repeats the
	// same mistake.
	ErrVerification = errors.New("content verification failed")

	// ErrExecution indicates the underlying job failed.
	ErrExecution = errors.New("job execution failed")

	// ErrAutomation indicates post-success PR/commit automation failed.
	// Recoverable; degrades to Completed-with-warning.
	ErrAutomation = errors.New("completion automation failed")

	// ErrConflict indicates an optimistic-concurrency write conflict.
	// Callers re-read and retry, never blind-overwrite.
	ErrConflict = errors.New("revision conflict")

	// ErrNotFound indicates the workload does not exist in the store.
	ErrNotFound = errors.New("workload not found")
)

// Error wraps workload operation failures with context.
type Error struct {
	// Op is the operation that failed (e.g., "sync", "verify", "reconcile").
	Op string

	// Workload is the workload name, if applicable.
	Workload string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Workload != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Workload, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsConfiguration returns true for bad/missing required field errors.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsRepositorySync returns true for push/clone failures.
func IsRepositorySync(err error) bool {
	return errors.Is(err, ErrRepositorySync)
}

// IsVerification returns true for content mismatch errors.
func IsVerification(err error) bool {
	return errors.Is(err, ErrVerification)
}

// IsExecution returns true for job failures.
func IsExecution(err error) bool {
	return errors.Is(err, ErrExecution)
}

// IsAutomation returns true for post-success automation failures.
func IsAutomation(err error) bool {
	return errors.Is(err, ErrAutomation)
}

// IsConflict returns true for optimistic-concurrency conflicts.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsNotFound returns true when the workload does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTerminal reports whether the error fails the workload permanently.
// Automation and conflict errors are recoverable; everything classified
// here stops the attempt.
func IsTerminal(err error) bool {
	return IsConfiguration(err) || IsRepositorySync(err) || IsVerification(err) || IsExecution(err)
}

// Classify returns the status error-kind label for a classified error,
// or "" when the error is unclassified (treated as transient).
func Classify(err error) string {
	switch {
	case IsConfiguration(err):
		return "configuration"
	case IsRepositorySync(err):
		return "repository_sync"
	case IsVerification(err):
		return "verification"
	case IsExecution(err):
		return "execution"
	case IsAutomation(err):
		return "automation"
	default:
		return ""
	}
}
