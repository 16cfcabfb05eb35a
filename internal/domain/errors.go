// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict.
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrStaleWrite indicates a write was rejected because the stored record
// already carries a newer last_updated_at than the incoming one.
var ErrStaleWrite = errors.New("stale write: a newer update has already been applied")

// ErrInvalidRequest indicates the caller's input failed validation.
var ErrInvalidRequest = errors.New("invalid request")

// ErrRunNotResumable indicates the run cannot accept a resume instruction.
var ErrRunNotResumable = errors.New("run not resumable")

// ErrRunNotCancellable indicates the run has already reached a terminal
// status other than cancelled.
var ErrRunNotCancellable = errors.New("run not cancellable")
