// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
// Callers must re-fetch the current state before retrying.
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates malformed input; the operation did not advance.
var ErrValidation = errors.New("validation failed")

// ErrTransientProvider indicates a network or timeout failure on an external
// call. Such calls are retried exactly once before the failure counts against
// the dependency's circuit breaker.
var ErrTransientProvider = errors.New("transient provider failure")

// ErrApprovalExpired indicates a pending approval was accessed past its
// expiry window and resolves as an implicit rejection.
var ErrApprovalExpired = errors.New("approval expired")

// ErrStepLimit indicates an execution exceeded its configured step ceiling.
var ErrStepLimit = errors.New("step limit exceeded")
