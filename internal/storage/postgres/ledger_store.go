package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"proofmint/internal/domain"
	"proofmint/internal/storage"
)

// LedgerStore implements storage.LedgerStore using PostgreSQL.
// The partial unique index on (fingerprint) WHERE outcome = 'MINTED' enforces
// one mint per fingerprint across every replica sharing the database.
type LedgerStore struct {
	pool *Pool
}

// NewLedgerStore creates a new LedgerStore.
func NewLedgerStore(pool *Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// Compile-time interface check.
var _ storage.LedgerStore = (*LedgerStore)(nil)

const ledgerColumns = `
	id, wallet_address, fingerprint, description_normalized, submitted_at,
	outcome, amount::text, COALESCE(tx_ref, ''), COALESCE(reason, ''), detail
`

// Append adds a record. Returns ErrDuplicateKey on id reuse or a second MINTED per fingerprint.
func (s *LedgerStore) Append(ctx context.Context, r *domain.SubmissionRecord) error {
	if r == nil || !r.Validate() {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO submission_ledger (
			id, wallet_address, fingerprint, description_normalized, submitted_at,
			outcome, amount, tx_ref, reason, detail
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7::numeric, NULLIF($8, ''), NULLIF($9, ''), $10
		)
	`

	_, err := s.pool.Exec(ctx, query,
		r.ID, r.WalletAddress, r.Fingerprint, r.DescriptionNormalized, r.SubmittedAt.UTC(),
		string(r.Outcome), r.Amount.String(), r.TxRef, string(r.Reason), r.Detail,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert ledger record: %w", err)
	}
	return nil
}

// FindByFingerprint returns the MINTED record for a fingerprint. Returns ErrNotFound if none.
func (s *LedgerStore) FindByFingerprint(ctx context.Context, fingerprint string) (*domain.SubmissionRecord, error) {
	query := `SELECT ` + ledgerColumns + `
		FROM submission_ledger
		WHERE fingerprint = $1 AND outcome = 'MINTED'
	`

	row := s.pool.QueryRow(ctx, query, fingerprint)
	r, err := scanRecord(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("query minted by fingerprint: %w", err)
	}
	return r, nil
}

// MostRecentForWallet returns the wallet's latest record that counts toward cooldown.
func (s *LedgerStore) MostRecentForWallet(ctx context.Context, wallet string) (*domain.SubmissionRecord, error) {
	query := `SELECT ` + ledgerColumns + `
		FROM submission_ledger
		WHERE wallet_address = $1
		  AND NOT (outcome = 'REJECTED' AND reason = 'COOLDOWN')
		ORDER BY submitted_at DESC, seq DESC
		LIMIT 1
	`

	row := s.pool.QueryRow(ctx, query, wallet)
	r, err := scanRecord(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("query most recent for wallet: %w", err)
	}
	return r, nil
}

// ListByWallet returns the wallet's records ordered by submitted_at ASC.
func (s *LedgerStore) ListByWallet(ctx context.Context, wallet string) ([]*domain.SubmissionRecord, error) {
	query := `SELECT ` + ledgerColumns + `
		FROM submission_ledger
		WHERE wallet_address = $1
		ORDER BY submitted_at ASC, seq ASC
	`

	rows, err := s.pool.Query(ctx, query, wallet)
	if err != nil {
		return nil, fmt.Errorf("query ledger by wallet: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

// List returns every record in append order.
func (s *LedgerStore) List(ctx context.Context) ([]*domain.SubmissionRecord, error) {
	query := `SELECT ` + ledgerColumns + ` FROM submission_ledger ORDER BY seq ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

func collectRecords(rows pgx.Rows) ([]*domain.SubmissionRecord, error) {
	var result []*domain.SubmissionRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger record: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger rows: %w", err)
	}
	return result, nil
}

// scanRecord scans a single row into a SubmissionRecord.
func scanRecord(row pgx.Row) (*domain.SubmissionRecord, error) {
	var (
		r       domain.SubmissionRecord
		outcome string
		amount  string
		reason  string
	)
	err := row.Scan(
		&r.ID, &r.WalletAddress, &r.Fingerprint, &r.DescriptionNormalized, &r.SubmittedAt,
		&outcome, &amount, &r.TxRef, &reason, &r.Detail,
	)
	if err != nil {
		return nil, err
	}

	r.Outcome = domain.Outcome(outcome)
	r.Reason = domain.RejectReason(reason)
	r.SubmittedAt = r.SubmittedAt.UTC()
	r.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	return &r, nil
}
