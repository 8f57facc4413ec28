package guard

import (
	"errors"
	"fmt"
)

// ErrNotAcquired matches every AcquisitionFailedError with errors.Is.
var ErrNotAcquired = errors.New("guard: lock not acquired")

// KeyResolutionError is returned when the lock key cannot be derived from
// the call arguments. The operation did not run.
type KeyResolutionError struct {
	Template string
	Err      error
}

func (e *KeyResolutionError) Error() string {
	return fmt.Sprintf("guard: resolve key %q: %v", e.Template, e.Err)
}

func (e *KeyResolutionError) Unwrap() error { return e.Err }

// AcquisitionFailedError is returned when the lock could not be obtained.
// Err is nil when the wait time elapsed under contention and holds the lock
// service error otherwise. The operation did not run.
type AcquisitionFailedError struct {
	Key string
	Err error
}

func (e *AcquisitionFailedError) Error() string {
	if e.Err == nil {
		return "guard: lock not acquired within wait time - key: " + e.Key
	}
	return fmt.Sprintf("guard: acquire %s: %v", e.Key, e.Err)
}

func (e *AcquisitionFailedError) Unwrap() error { return e.Err }

func (e *AcquisitionFailedError) Is(target error) bool { return target == ErrNotAcquired }

// AcquisitionInterruptedError is returned when the caller's context ended
// while waiting for the lock. Cause is the context error, so errors.Is
// matches context.Canceled or context.DeadlineExceeded.
type AcquisitionInterruptedError struct {
	Key   string
	Cause error
}

func (e *AcquisitionInterruptedError) Error() string {
	return fmt.Sprintf("guard: interrupted while acquiring %s: %v", e.Key, e.Cause)
}

func (e *AcquisitionInterruptedError) Unwrap() error { return e.Cause }

// ReleaseError describes a release that the lock service rejected or that
// could not be attempted. It is reported, never returned by Do.
type ReleaseError struct {
	Key string
	Err error
}

func (e *ReleaseError) Error() string {
	return fmt.Sprintf("guard: release %s: %v", e.Key, e.Err)
}

func (e *ReleaseError) Unwrap() error { return e.Err }
