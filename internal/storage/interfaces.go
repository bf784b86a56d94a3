package storage

import (
	"context"

	"proofmint/internal/domain"
)

// LedgerStore provides access to the append-only submission ledger.
// Implementations must make Append atomic and durable before it returns.
type LedgerStore interface {
	// FindByFingerprint returns the MINTED record that consumed the fingerprint.
	// Returns ErrNotFound if the fingerprint has never minted.
	FindByFingerprint(ctx context.Context, fingerprint string) (*domain.SubmissionRecord, error)

	// MostRecentForWallet returns the latest record for the wallet that counts
	// toward its cooldown. Returns ErrNotFound if none.
	MostRecentForWallet(ctx context.Context, wallet string) (*domain.SubmissionRecord, error)

	// Append adds a record. Returns ErrDuplicateKey if the id exists or if a MINTED
	// record is appended for a fingerprint that already minted.
	// Returns ErrInvalidInput if the record is malformed.
	Append(ctx context.Context, r *domain.SubmissionRecord) error

	// ListByWallet returns all records for a wallet, ordered by submitted_at ASC.
	ListByWallet(ctx context.Context, wallet string) ([]*domain.SubmissionRecord, error)

	// List returns every record in append order.
	List(ctx context.Context) ([]*domain.SubmissionRecord, error)
}

// AuditStore is a denormalized, query-oriented mirror of the ledger.
// It is never consulted for admission decisions.
type AuditStore interface {
	// Insert adds a record. Returns ErrDuplicateKey if id exists.
	Insert(ctx context.Context, r *domain.SubmissionRecord) error

	// InsertBulk adds multiple records, skipping none. Fails entire batch on any duplicate.
	InsertBulk(ctx context.Context, records []*domain.SubmissionRecord) error

	// GetByWallet retrieves a wallet's records ordered by submitted_at ASC.
	GetByWallet(ctx context.Context, wallet string) ([]*domain.SubmissionRecord, error)
}
