package clickhouse

import (
	"context"
	"errors"
	"fmt"

	"proofmint/internal/domain"
	"proofmint/internal/storage"
)

// AuditStore implements storage.AuditStore using ClickHouse.
// MergeTree does not enforce uniqueness, so Insert checks for the id first.
type AuditStore struct {
	conn *Conn
}

// NewAuditStore creates a new AuditStore.
func NewAuditStore(conn *Conn) *AuditStore {
	return &AuditStore{conn: conn}
}

// Compile-time interface check.
var _ storage.AuditStore = (*AuditStore)(nil)

const auditInsert = `
	INSERT INTO submission_audit (
		id, wallet_address, fingerprint, description_normalized, submitted_at,
		outcome, amount, tx_ref, reason, detail
	)
`

// Insert adds a record. Returns ErrDuplicateKey if id exists.
func (s *AuditStore) Insert(ctx context.Context, r *domain.SubmissionRecord) error {
	if r == nil || r.ID == "" {
		return storage.ErrInvalidInput
	}

	exists, err := s.exists(ctx, r.ID)
	if err != nil {
		return fmt.Errorf("check exists: %w", err)
	}
	if exists {
		return storage.ErrDuplicateKey
	}

	err = s.conn.Exec(ctx, auditInsert+` VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.WalletAddress, r.Fingerprint, r.DescriptionNormalized, r.SubmittedAt.UTC(),
		string(r.Outcome), r.Amount, r.TxRef, string(r.Reason), r.Detail,
	)
	if err != nil {
		return fmt.Errorf("insert submission audit: %w", err)
	}
	return nil
}

// InsertBulk adds multiple records in one batch. Fails entire batch on any duplicate.
func (s *AuditStore) InsertBulk(ctx context.Context, records []*domain.SubmissionRecord) error {
	if len(records) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		if r == nil || r.ID == "" {
			return storage.ErrInvalidInput
		}
		if _, dup := seen[r.ID]; dup {
			return storage.ErrDuplicateKey
		}
		seen[r.ID] = struct{}{}

		exists, err := s.exists(ctx, r.ID)
		if err != nil {
			return fmt.Errorf("check exists: %w", err)
		}
		if exists {
			return storage.ErrDuplicateKey
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, auditInsert)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, r := range records {
		err := batch.Append(
			r.ID, r.WalletAddress, r.Fingerprint, r.DescriptionNormalized, r.SubmittedAt.UTC(),
			string(r.Outcome), r.Amount, r.TxRef, string(r.Reason), r.Detail,
		)
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetByWallet retrieves a wallet's records ordered by submitted_at ASC.
func (s *AuditStore) GetByWallet(ctx context.Context, wallet string) ([]*domain.SubmissionRecord, error) {
	query := `
		SELECT id, wallet_address, fingerprint, description_normalized, submitted_at,
		       outcome, amount, tx_ref, reason, detail
		FROM submission_audit
		WHERE wallet_address = ?
		ORDER BY submitted_at ASC, id ASC
	`

	rows, err := s.conn.Query(ctx, query, wallet)
	if err != nil {
		return nil, fmt.Errorf("query submission audit: %w", err)
	}
	defer rows.Close()

	var result []*domain.SubmissionRecord
	for rows.Next() {
		var (
			r       domain.SubmissionRecord
			outcome string
			reason  string
		)
		if err := rows.Scan(
			&r.ID, &r.WalletAddress, &r.Fingerprint, &r.DescriptionNormalized, &r.SubmittedAt,
			&outcome, &r.Amount, &r.TxRef, &reason, &r.Detail,
		); err != nil {
			return nil, fmt.Errorf("scan submission audit: %w", err)
		}
		r.Outcome = domain.Outcome(outcome)
		r.Reason = domain.RejectReason(reason)
		r.SubmittedAt = r.SubmittedAt.UTC()
		result = append(result, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submission audit: %w", err)
	}
	return result, nil
}

// Publish mirrors a freshly appended ledger record. A record that is already
// mirrored is not an error.
func (s *AuditStore) Publish(ctx context.Context, r *domain.SubmissionRecord) error {
	if err := s.Insert(ctx, r); err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
		return err
	}
	return nil
}

// Name identifies the publisher in logs and metrics.
func (s *AuditStore) Name() string { return "clickhouse" }

func (s *AuditStore) exists(ctx context.Context, id string) (bool, error) {
	var count uint64
	row := s.conn.QueryRow(ctx, `SELECT count() FROM submission_audit WHERE id = ?`, id)
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}
