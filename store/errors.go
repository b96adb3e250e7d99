package store

import "errors"

// Error taxonomy for keyspace operations, per the failure semantics in the
// component design: operations never panic on bad input, they return one
// of these sentinels.
var (
	// ErrTypeConflict is returned when an operation addresses a key that
	// already exists under a different Kind.
	ErrTypeConflict = errors.New("type-conflict")

	// ErrOutOfMemory is returned when admission failed: eviction is
	// disabled or could not free enough space for the write.
	ErrOutOfMemory = errors.New("out-of-memory")

	// ErrNotAnInteger is returned by the INCR family when the existing
	// value does not parse as a signed decimal integer.
	ErrNotAnInteger = errors.New("not-an-integer")

	// ErrMiss is returned by reads that address a key that does not
	// exist (or has lazily expired).
	ErrMiss = errors.New("miss")
)
