// Package reporting summarizes ledger activity per day.
package reporting

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"proofmint/internal/domain"
)

// Report is a ledger summary over a date range.
type Report struct {
	GeneratedAt time.Time
	From        time.Time // first day covered, inclusive
	To          time.Time // last day covered, inclusive
	Source      string    // where the rows came from

	Totals Totals
	Rows   []domain.OutcomeRollup // sorted by day, outcome, reason
}

// Totals sums all rows.
type Totals struct {
	Submissions uint64
	Minted      uint64
	Rejected    uint64
	Tokens      decimal.Decimal
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Rollup groups records by UTC day, outcome and reason.
func Rollup(records []*domain.SubmissionRecord) []domain.OutcomeRollup {
	type key struct {
		day     time.Time
		outcome domain.Outcome
		reason  domain.RejectReason
	}
	groups := make(map[key]*domain.OutcomeRollup)

	for _, r := range records {
		if r == nil {
			continue
		}
		k := key{day: Day(r.SubmittedAt), outcome: r.Outcome, reason: r.Reason}
		g, ok := groups[k]
		if !ok {
			g = &domain.OutcomeRollup{Day: k.day, Outcome: k.outcome, Reason: k.reason, Tokens: decimal.Zero}
			groups[k] = g
		}
		g.Submissions++
		g.Tokens = g.Tokens.Add(r.Amount)
	}

	rows := make([]domain.OutcomeRollup, 0, len(groups))
	for _, g := range groups {
		rows = append(rows, *g)
	}
	SortRows(rows)
	return rows
}

// SortRows orders rows by day, outcome, reason.
func SortRows(rows []domain.OutcomeRollup) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.Day.Equal(b.Day) {
			return a.Day.Before(b.Day)
		}
		if a.Outcome != b.Outcome {
			return a.Outcome < b.Outcome
		}
		return a.Reason < b.Reason
	})
}

// Build assembles a report from rows, keeping those within [from, to].
// Zero bounds are open.
func Build(rows []domain.OutcomeRollup, from, to time.Time, source string, now time.Time) *Report {
	r := &Report{
		GeneratedAt: now.UTC(),
		Source:      source,
		Totals:      Totals{Tokens: decimal.Zero},
	}
	if !from.IsZero() {
		from = Day(from)
	}
	if !to.IsZero() {
		to = Day(to)
	}

	for _, row := range rows {
		if !from.IsZero() && row.Day.Before(from) {
			continue
		}
		if !to.IsZero() && row.Day.After(to) {
			continue
		}
		r.Rows = append(r.Rows, row)
		r.Totals.Submissions += row.Submissions
		r.Totals.Tokens = r.Totals.Tokens.Add(row.Tokens)
		if row.Outcome == domain.OutcomeMinted {
			r.Totals.Minted += row.Submissions
		} else {
			r.Totals.Rejected += row.Submissions
		}
	}
	SortRows(r.Rows)

	r.From, r.To = from, to
	if len(r.Rows) > 0 {
		if r.From.IsZero() {
			r.From = r.Rows[0].Day
		}
		if r.To.IsZero() {
			r.To = r.Rows[len(r.Rows)-1].Day
		}
	}
	return r
}
