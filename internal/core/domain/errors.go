package domain

import "errors"

var (
	// ErrNotFound is returned when a record doesn't exist
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a unique constraint rejects a write
	ErrDuplicate = errors.New("duplicate record")

	// ErrPermissionDenied is returned when the store refuses the operation for the current role
	ErrPermissionDenied = errors.New("permission denied")
)
