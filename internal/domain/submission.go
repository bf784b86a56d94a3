package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Submission is a contribution proof as received from a wallet.
// Proof holds the raw image bytes; ProofMIME is the declared content type.
type Submission struct {
	WalletAddress string
	Description   string
	Proof         []byte
	ProofMIME     string
}

// Outcome is the terminal state of a submission record.
type Outcome string

// Outcome values.
const (
	OutcomeMinted   Outcome = "MINTED"
	OutcomeRejected Outcome = "REJECTED"
)

// RejectReason classifies why a submission did not mint.
type RejectReason string

// Reject reasons stored on REJECTED records.
const (
	ReasonDuplicate        RejectReason = "DUPLICATE"
	ReasonCooldown         RejectReason = "COOLDOWN"
	ReasonForbiddenContent RejectReason = "FORBIDDEN_CONTENT"
	ReasonUpstreamFailure  RejectReason = "UPSTREAM_FAILURE"
	ReasonTimeout          RejectReason = "TIMEOUT"
	ReasonMintFailed       RejectReason = "MINT_FAILED"
	ReasonZeroValue        RejectReason = "ZERO_VALUE"
)

// SubmissionRecord is one immutable ledger entry.
// Exactly one of (Amount, TxRef) or Reason is meaningful depending on Outcome.
type SubmissionRecord struct {
	ID                    string          `json:"id"`
	WalletAddress         string          `json:"wallet_address"`
	Fingerprint           string          `json:"fingerprint"`
	DescriptionNormalized string          `json:"description_normalized"`
	SubmittedAt           time.Time       `json:"submitted_at"`
	Outcome               Outcome         `json:"outcome"`
	Amount                decimal.Decimal `json:"amount"`
	TxRef                 string          `json:"tx_ref,omitempty"`
	Reason                RejectReason    `json:"reason,omitempty"`
	Detail                string          `json:"detail,omitempty"`
}

// IsMinted reports whether the record consumed its fingerprint.
func (r *SubmissionRecord) IsMinted() bool {
	return r.Outcome == OutcomeMinted
}

// CountsTowardCooldown reports whether the record starts a wallet cooldown window.
// Cooldown rejections never extend the window.
func (r *SubmissionRecord) CountsTowardCooldown() bool {
	return !(r.Outcome == OutcomeRejected && r.Reason == ReasonCooldown)
}

// Validate checks structural consistency of a record before it is appended.
func (r *SubmissionRecord) Validate() bool {
	if r.ID == "" || r.WalletAddress == "" || r.Fingerprint == "" || r.SubmittedAt.IsZero() {
		return false
	}
	switch r.Outcome {
	case OutcomeMinted:
		return r.TxRef != "" && r.Amount.IsPositive() && r.Reason == ""
	case OutcomeRejected:
		return r.Reason != "" && r.TxRef == ""
	default:
		return false
	}
}

// OutcomeRollup aggregates records sharing a UTC day, outcome and reason.
type OutcomeRollup struct {
	Day         time.Time // midnight UTC
	Outcome     Outcome
	Reason      RejectReason
	Submissions uint64
	Tokens      decimal.Decimal
}
