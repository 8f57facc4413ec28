package errors

import "errors"

var (
	ErrConnectionClosed = errors.New("connection closed")
	// ErrNotOwner is returned by a release when the caller no longer holds the lease.
	ErrNotOwner = errors.New("lock not owned by caller")
)
