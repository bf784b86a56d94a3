package storage

import "errors"

// Ledger errors shared by every backend.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when an append would violate a uniqueness rule:
	// a reused record id, or a second MINTED record for one fingerprint.
	ErrDuplicateKey = errors.New("duplicate key: append-only ledger does not allow updates")

	// ErrInvalidInput is returned when a record fails structural validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrCorrupt is returned when a persisted ledger cannot be replayed.
	ErrCorrupt = errors.New("ledger corrupt")
)
