// Package verification audits a submission ledger after the fact.
// It re-checks the guarantees the pipeline enforces at write time against
// the stored records, so a corrupted or hand-edited ledger is detected.
package verification

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"proofmint/internal/domain"
)

// Rule names a ledger guarantee.
type Rule string

// Rules checked by Check.
const (
	RuleInvalidRecord     Rule = "INVALID_RECORD"
	RuleDuplicateID       Rule = "DUPLICATE_ID"
	RuleFingerprintReused Rule = "FINGERPRINT_REUSED"
	RuleMintSpacing       Rule = "MINT_SPACING"
)

// Violation is one broken guarantee.
type Violation struct {
	Rule     Rule   // which guarantee
	RecordID string // offending record
	Detail   string // human readable context
}

// VerificationReport summarizes an audit.
type VerificationReport struct {
	TotalRecords    int
	MintedRecords   int
	RejectedRecords int
	TokensMinted    decimal.Decimal
	Wallets         int
	Violations      []Violation
}

// OK reports whether no violations were found.
func (r *VerificationReport) OK() bool {
	return len(r.Violations) == 0
}

// RecordLister is the read side a Verifier needs.
type RecordLister interface {
	List(ctx context.Context) ([]*domain.SubmissionRecord, error)
}

// Records adapts an in-memory slice to RecordLister.
type Records []*domain.SubmissionRecord

// List returns the slice.
func (r Records) List(context.Context) ([]*domain.SubmissionRecord, error) {
	return r, nil
}

// Verifier audits every record of a ledger.
type Verifier struct {
	source   RecordLister
	cooldown time.Duration
}

// NewVerifier creates a Verifier. A zero cooldown skips the spacing rule.
func NewVerifier(source RecordLister, cooldown time.Duration) *Verifier {
	return &Verifier{source: source, cooldown: cooldown}
}

// VerifyAll loads all records and checks them.
func (v *Verifier) VerifyAll(ctx context.Context) (*VerificationReport, error) {
	records, err := v.source.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return Check(records, v.cooldown), nil
}

// Check audits records:
//   - every record is structurally valid
//   - ids are unique
//   - a fingerprint is minted at most once
//   - MINTED records of one wallet are at least cooldown apart
//
// Violations are ordered by rule, then record id.
func Check(records []*domain.SubmissionRecord, cooldown time.Duration) *VerificationReport {
	report := &VerificationReport{TokensMinted: decimal.Zero}

	ids := make(map[string]struct{}, len(records))
	mintedBy := make(map[string]string)
	walletMints := make(map[string][]*domain.SubmissionRecord)
	wallets := make(map[string]struct{})

	for _, r := range records {
		if r == nil {
			continue
		}
		report.TotalRecords++
		wallets[r.WalletAddress] = struct{}{}

		if !r.Validate() {
			report.add(RuleInvalidRecord, r.ID, fmt.Sprintf("outcome=%s reason=%s tx=%q", r.Outcome, r.Reason, r.TxRef))
		}
		if _, seen := ids[r.ID]; seen {
			report.add(RuleDuplicateID, r.ID, "id appears more than once")
		}
		ids[r.ID] = struct{}{}

		if !r.IsMinted() {
			report.RejectedRecords++
			continue
		}
		report.MintedRecords++
		report.TokensMinted = report.TokensMinted.Add(r.Amount)

		if first, ok := mintedBy[r.Fingerprint]; ok {
			report.add(RuleFingerprintReused, r.ID, fmt.Sprintf("fingerprint %s already minted by %s", r.Fingerprint, first))
		} else {
			mintedBy[r.Fingerprint] = r.ID
		}
		walletMints[r.WalletAddress] = append(walletMints[r.WalletAddress], r)
	}
	report.Wallets = len(wallets)

	if cooldown > 0 {
		for wallet, mints := range walletMints {
			sort.SliceStable(mints, func(i, j int) bool {
				return mints[i].SubmittedAt.Before(mints[j].SubmittedAt)
			})
			for i := 1; i < len(mints); i++ {
				gap := mints[i].SubmittedAt.Sub(mints[i-1].SubmittedAt)
				if gap < cooldown {
					report.add(RuleMintSpacing, mints[i].ID,
						fmt.Sprintf("wallet %s minted %s after %s (cooldown %s)", wallet, gap, mints[i-1].ID, cooldown))
				}
			}
		}
	}

	sort.SliceStable(report.Violations, func(i, j int) bool {
		a, b := report.Violations[i], report.Violations[j]
		if a.Rule != b.Rule {
			return a.Rule < b.Rule
		}
		return a.RecordID < b.RecordID
	})
	return report
}

func (r *VerificationReport) add(rule Rule, id, detail string) {
	r.Violations = append(r.Violations, Violation{Rule: rule, RecordID: id, Detail: detail})
}
