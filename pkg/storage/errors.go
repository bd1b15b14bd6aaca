package storage

import "github.com/pkg/errors"

// Sentinel errors returned by the Record Store Abstraction.
// Callers compare with errors.Is; wrapped context is added with
// github.com/pkg/errors the way the repositories wrap cloud
// and storage failures.
var (
	// ErrNotFound is returned by Get and Query when no matching entity
	// exists.
	ErrNotFound = errors.New("storage: entity not found")

	// ErrAlreadyExists is returned by Insert when (partition, row)
	// already has a value.
	ErrAlreadyExists = errors.New("storage: entity already exists")

	// ErrVersionConflict is returned by Replace and Delete when the
	// caller's ETag no longer matches the stored value.
	ErrVersionConflict = errors.New("storage: version conflict")
)
