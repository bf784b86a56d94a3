package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"proofmint/internal/domain"
)

// OutcomeRollupStore reads the submission_outcome_daily view.
type OutcomeRollupStore struct {
	conn *Conn
}

// NewOutcomeRollupStore creates a new OutcomeRollupStore.
func NewOutcomeRollupStore(conn *Conn) *OutcomeRollupStore {
	return &OutcomeRollupStore{conn: conn}
}

// Range returns daily rows with from <= day <= to, ordered by day, outcome, reason.
// Zero bounds are open. SummingMergeTree merges lazily, so rows are summed here.
func (s *OutcomeRollupStore) Range(ctx context.Context, from, to time.Time) ([]domain.OutcomeRollup, error) {
	var (
		where []string
		args  []interface{}
	)
	if !from.IsZero() {
		where = append(where, "day >= ?")
		args = append(args, from.UTC().Format("2006-01-02"))
	}
	if !to.IsZero() {
		where = append(where, "day <= ?")
		args = append(args, to.UTC().Format("2006-01-02"))
	}

	query := `
		SELECT day, outcome, reason, sum(submissions), sum(tokens)
		FROM submission_outcome_daily
	`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += `
		GROUP BY day, outcome, reason
		ORDER BY day ASC, outcome ASC, reason ASC
	`

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outcome rollup: %w", err)
	}
	defer rows.Close()

	var result []domain.OutcomeRollup
	for rows.Next() {
		var (
			r       domain.OutcomeRollup
			outcome string
			reason  string
		)
		if err := rows.Scan(&r.Day, &outcome, &reason, &r.Submissions, &r.Tokens); err != nil {
			return nil, fmt.Errorf("scan outcome rollup: %w", err)
		}
		y, m, d := r.Day.Date()
		r.Day = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		r.Outcome = domain.Outcome(outcome)
		r.Reason = domain.RejectReason(reason)
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcome rollup: %w", err)
	}
	return result, nil
}
