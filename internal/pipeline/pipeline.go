// Package pipeline runs contribution-proof submissions through admission,
// extraction, screening, valuation and minting, leaving one ledger record
// per admitted attempt.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"proofmint/internal/admission"
	"proofmint/internal/chain"
	"proofmint/internal/domain"
	"proofmint/internal/idhash"
	"proofmint/internal/observability"
	"proofmint/internal/ocr"
	"proofmint/internal/screening"
	"proofmint/internal/storage"
	"proofmint/internal/valuation"
)

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Ledger     storage.LedgerStore
	Extractor  ocr.Extractor
	Filter     *screening.Filter
	Estimator  valuation.Estimator
	Gateway    chain.MintGateway
	Locker     admission.Locker       // defaults to an in-process KeyedMutex
	Cache      *admission.MintedCache // optional
	Publishers []Publisher
}

// Config holds pipeline policy and per-call timeouts.
type Config struct {
	Policy            valuation.ConversionPolicy
	Cooldown          time.Duration
	LockWait          time.Duration
	OCRTimeout        time.Duration
	EstimateTimeout   time.Duration
	MintTimeout       time.Duration
	PublishTimeout    time.Duration
	MaxProofBytes     int
	MaxDescriptionLen int
}

// Default timeouts and limits applied to zero Config fields.
const (
	DefaultLockWait          = 30 * time.Second
	DefaultOCRTimeout        = 30 * time.Second
	DefaultEstimateTimeout   = 20 * time.Second
	DefaultMintTimeout       = 2 * time.Minute
	DefaultPublishTimeout    = 5 * time.Second
	DefaultMaxProofBytes     = 10 << 20
	DefaultMaxDescriptionLen = 2000
)

func (c *Config) setDefaults() {
	if c.LockWait == 0 {
		c.LockWait = DefaultLockWait
	}
	if c.OCRTimeout == 0 {
		c.OCRTimeout = DefaultOCRTimeout
	}
	if c.EstimateTimeout == 0 {
		c.EstimateTimeout = DefaultEstimateTimeout
	}
	if c.MintTimeout == 0 {
		c.MintTimeout = DefaultMintTimeout
	}
	if c.PublishTimeout == 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
	if c.MaxProofBytes == 0 {
		c.MaxProofBytes = DefaultMaxProofBytes
	}
	if c.MaxDescriptionLen == 0 {
		c.MaxDescriptionLen = DefaultMaxDescriptionLen
	}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(p *Pipeline) { p.log = log }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithIDGenerator overrides submission id generation.
func WithIDGenerator(newID func() string) Option {
	return func(p *Pipeline) { p.newID = newID }
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	deps    Deps
	cfg     Config
	log     logrus.FieldLogger
	metrics *observability.Metrics
	now     func() time.Time
	newID   func() string
}

// Result describes a minted submission.
type Result struct {
	SubmissionID string
	Fingerprint  string
	TxRef        string
	TokensMinted decimal.Decimal
	ValueUSD     decimal.Decimal
	Record       *domain.SubmissionRecord
}

// New validates deps and cfg and builds a Pipeline.
func New(deps Deps, cfg Config, opts ...Option) (*Pipeline, error) {
	switch {
	case deps.Ledger == nil:
		return nil, errors.New("pipeline: ledger is required")
	case deps.Extractor == nil:
		return nil, errors.New("pipeline: text extractor is required")
	case deps.Filter == nil:
		return nil, errors.New("pipeline: content filter is required")
	case deps.Estimator == nil:
		return nil, errors.New("pipeline: value estimator is required")
	case deps.Gateway == nil:
		return nil, errors.New("pipeline: mint gateway is required")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if cfg.Cooldown < 0 {
		return nil, errors.New("pipeline: cooldown must not be negative")
	}
	cfg.setDefaults()

	if deps.Locker == nil {
		deps.Locker = admission.NewKeyedMutex()
	}

	p := &Pipeline{
		deps:  deps,
		cfg:   cfg,
		now:   time.Now,
		newID: func() string { return "sub_" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logrus.StandardLogger()
	}
	return p, nil
}

// attempt carries the state of one submission through the pipeline.
type attempt struct {
	sub         domain.Submission
	wallet      string
	description string
	record      *domain.SubmissionRecord
	valueUSD    decimal.Decimal
	log         logrus.FieldLogger
}

// Submit processes one submission. It returns a *Rejection for every
// submission that did not mint. The caller's cancellation is ignored once
// Submit starts: external calls are bounded by their own timeouts.
func (p *Pipeline) Submit(ctx context.Context, sub domain.Submission) (*Result, error) {
	defer p.metrics.TrackInflight()()
	ctx = context.WithoutCancel(ctx)

	wallet, description, rej := p.validate(sub)
	if rej != nil {
		p.metrics.RecordSubmission("INVALID", "")
		return nil, rej
	}

	fp, err := idhash.Fingerprint(sub.Proof)
	if err != nil {
		p.metrics.RecordSubmission("INVALID", "")
		return nil, inputError("proof file is empty", err)
	}

	a := &attempt{
		sub:         sub,
		wallet:      wallet,
		description: description,
		record: &domain.SubmissionRecord{
			ID:                    p.newID(),
			WalletAddress:         wallet,
			Fingerprint:           fp,
			DescriptionNormalized: idhash.NormalizeDescription(description),
		},
	}
	a.log = p.log.WithFields(logrus.Fields{
		"submission_id":  a.record.ID,
		"submission_key": idhash.SubmissionKey(wallet, description, fp),
		"wallet":         wallet,
		"fingerprint":    fp,
	})

	rec, rej := p.admit(ctx, a)
	if rec != nil {
		p.publish(ctx, a.log, rec)
	}

	if rej != nil {
		p.metrics.RecordSubmission(outcomeLabel(rec), rej.Code())
		return nil, rej
	}

	p.metrics.RecordSubmission(string(domain.OutcomeMinted), "")
	p.metrics.RecordMinted(rec.Amount)
	return &Result{
		SubmissionID: rec.ID,
		Fingerprint:  rec.Fingerprint,
		TxRef:        rec.TxRef,
		TokensMinted: rec.Amount,
		ValueUSD:     a.valueUSD,
		Record:       rec,
	}, nil
}

func outcomeLabel(rec *domain.SubmissionRecord) string {
	if rec == nil {
		return "ERROR"
	}
	return string(rec.Outcome)
}

func (p *Pipeline) validate(sub domain.Submission) (string, string, *Rejection) {
	wallet := strings.TrimSpace(sub.WalletAddress)
	if !strings.HasPrefix(wallet, "0x") || !common.IsHexAddress(wallet) {
		return "", "", inputError("walletAddress must be a 0x-prefixed EVM address", nil)
	}
	checksummed := common.HexToAddress(wallet).Hex()
	body := wallet[2:]
	if body != strings.ToLower(body) && body != strings.ToUpper(body) && wallet != checksummed {
		return "", "", inputError("walletAddress has an invalid checksum", nil)
	}

	description := strings.TrimSpace(sub.Description)
	if description == "" {
		return "", "", inputError("description is required", nil)
	}
	if utf8.RuneCountInString(description) > p.cfg.MaxDescriptionLen {
		return "", "", inputError(fmt.Sprintf("description exceeds %d characters", p.cfg.MaxDescriptionLen), nil)
	}

	if len(sub.Proof) > p.cfg.MaxProofBytes {
		return "", "", inputError(fmt.Sprintf("proof file exceeds %d bytes", p.cfg.MaxProofBytes), nil)
	}
	return checksummed, description, nil
}

// admit holds the wallet and fingerprint locks from the admission checks
// until the record is appended.
func (p *Pipeline) admit(ctx context.Context, a *attempt) (*domain.SubmissionRecord, *Rejection) {
	unlockWallet, err := p.deps.Locker.TryLock(ctx, "wallet:"+a.wallet)
	if err != nil {
		a.record.SubmittedAt = p.now().UTC()
		if errors.Is(err, admission.ErrLockHeld) {
			rej := p.reject(a, domain.ReasonCooldown, "another submission for this wallet is in progress", nil)
			rej.RetryAfter = p.cfg.Cooldown
			return p.commit(ctx, a, rej)
		}
		return p.commit(ctx, a, p.reject(a, domain.ReasonUpstreamFailure, "admission lock unavailable", err))
	}
	defer unlockWallet()

	lockCtx, cancel := context.WithTimeout(ctx, p.cfg.LockWait)
	unlockFP, err := p.deps.Locker.Lock(lockCtx, "fingerprint:"+a.record.Fingerprint)
	cancel()
	if err != nil {
		a.record.SubmittedAt = p.now().UTC()
		if errors.Is(err, admission.ErrLockTimeout) {
			return p.commit(ctx, a, p.reject(a, domain.ReasonTimeout, "timed out waiting for a concurrent submission of this proof", err))
		}
		return p.commit(ctx, a, p.reject(a, domain.ReasonUpstreamFailure, "admission lock unavailable", err))
	}
	defer unlockFP()

	a.record.SubmittedAt = p.now().UTC()
	return p.commit(ctx, a, p.evaluate(ctx, a))
}

// evaluate runs the admission checks and external calls. A nil return means
// the record was filled in as MINTED.
func (p *Pipeline) evaluate(ctx context.Context, a *attempt) *Rejection {
	if rej := p.checkCooldown(ctx, a); rej != nil {
		return rej
	}
	if rej := p.checkDuplicate(ctx, a); rej != nil {
		return rej
	}

	text, rej := p.extract(ctx, a)
	if rej != nil {
		return rej
	}

	if verdict := p.deps.Filter.Screen(text + "\n" + a.description); !verdict.Allowed {
		a.log.WithField("term", verdict.Term).Info("Submission blocked by content filter")
		rej := p.reject(a, domain.ReasonForbiddenContent, "proof contains forbidden content", nil)
		a.record.Detail = fmt.Sprintf("matched deny-list term %q", verdict.Term)
		return rej
	}

	value, rej := p.estimate(ctx, a, text)
	if rej != nil {
		return rej
	}
	a.valueUSD = value

	tokens := p.cfg.Policy.Tokens(value)
	if !tokens.IsPositive() {
		a.log.WithField("value_usd", value.String()).Info("Submission valued at zero")
		return p.reject(a, domain.ReasonZeroValue, "contribution was valued at zero", nil)
	}

	return p.mint(ctx, a, tokens)
}

func (p *Pipeline) checkCooldown(ctx context.Context, a *attempt) *Rejection {
	if p.cfg.Cooldown <= 0 {
		return nil
	}
	last, err := p.deps.Ledger.MostRecentForWallet(ctx, a.wallet)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return storageError("ledger unavailable", fmt.Errorf("most recent for wallet: %w", err))
	}

	age := a.record.SubmittedAt.Sub(last.SubmittedAt)
	if age >= p.cfg.Cooldown {
		return nil
	}
	rej := p.reject(a, domain.ReasonCooldown, "wallet is cooling down", nil)
	rej.RetryAfter = p.cfg.Cooldown - age
	a.record.Detail = fmt.Sprintf("last submission %s at %s", last.ID, last.SubmittedAt.Format(time.RFC3339))
	return rej
}

func (p *Pipeline) checkDuplicate(ctx context.Context, a *attempt) *Rejection {
	fp := a.record.Fingerprint
	mintedBy, ok := p.deps.Cache.Lookup(fp)
	if !ok {
		prior, err := p.deps.Ledger.FindByFingerprint(ctx, fp)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return storageError("ledger unavailable", fmt.Errorf("find by fingerprint: %w", err))
		}
		mintedBy = prior.ID
		p.deps.Cache.Add(fp, mintedBy)
	}

	rej := p.reject(a, domain.ReasonDuplicate, "proof has already been rewarded", nil)
	a.record.Detail = "minted by " + mintedBy
	return rej
}

func (p *Pipeline) extract(ctx context.Context, a *attempt) (string, *Rejection) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.OCRTimeout)
	defer cancel()

	start := time.Now()
	text, err := p.deps.Extractor.Extract(callCtx, a.sub.Proof, a.sub.ProofMIME)
	if errors.Is(err, ocr.ErrNoText) {
		text, err = "", nil
	}
	p.metrics.RecordExternalCall("ocr", time.Since(start), err)
	if err != nil {
		return "", p.upstream(callCtx, a, "text extraction", err)
	}
	return text, nil
}

func (p *Pipeline) estimate(ctx context.Context, a *attempt, text string) (decimal.Decimal, *Rejection) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.EstimateTimeout)
	defer cancel()

	start := time.Now()
	raw, err := p.deps.Estimator.Estimate(callCtx, valuation.BuildPrompt(a.description, text))
	p.metrics.RecordExternalCall("estimate", time.Since(start), err)
	if err != nil {
		return decimal.Zero, p.upstream(callCtx, a, "value estimation", err)
	}

	value := valuation.ParseEstimate(raw)
	a.log.WithFields(logrus.Fields{"raw_estimate": raw, "value_usd": value.String()}).Debug("Estimated contribution value")
	return value, nil
}

func (p *Pipeline) mint(ctx context.Context, a *attempt, tokens decimal.Decimal) *Rejection {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.MintTimeout)
	defer cancel()

	start := time.Now()
	receipt, err := p.deps.Gateway.Mint(callCtx, a.wallet, p.cfg.Policy.BaseUnits(tokens))
	p.metrics.RecordExternalCall("mint", time.Since(start), err)
	if err != nil {
		var rej *Rejection
		if isTimeout(callCtx, err) {
			rej = p.reject(a, domain.ReasonTimeout, "mint timed out", err)
		} else {
			rej = p.reject(a, domain.ReasonMintFailed, "mint failed", err)
		}
		if tx, ok := chain.PendingTx(err); ok {
			a.record.Detail = rej.Message + "; pending tx " + tx
			a.log.WithField("tx_hash", tx).Warn("Mint broadcast but not confirmed")
		}
		return rej
	}

	a.record.Outcome = domain.OutcomeMinted
	a.record.Amount = tokens
	a.record.TxRef = receipt.TxHash
	a.record.Detail = fmt.Sprintf("valued at %s USD", a.valueUSD.String())
	return nil
}

func (p *Pipeline) upstream(callCtx context.Context, a *attempt, call string, err error) *Rejection {
	if isTimeout(callCtx, err) {
		return p.reject(a, domain.ReasonTimeout, call+" timed out", err)
	}
	return p.reject(a, domain.ReasonUpstreamFailure, call+" failed", err)
}

func isTimeout(callCtx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded)
}

// reject marks the record REJECTED and builds the matching Rejection.
func (p *Pipeline) reject(a *attempt, reason domain.RejectReason, msg string, err error) *Rejection {
	a.record.Outcome = domain.OutcomeRejected
	a.record.Reason = reason
	a.record.Amount = decimal.Zero
	a.record.TxRef = ""
	a.record.Detail = msg
	return &Rejection{Kind: kindFor(reason), Reason: reason, Message: msg, Err: err}
}

// commit appends the attempt's single ledger record. Storage errors raised
// before the append leave no record.
func (p *Pipeline) commit(ctx context.Context, a *attempt, rej *Rejection) (*domain.SubmissionRecord, *Rejection) {
	if rej != nil && rej.Kind == KindStorageError {
		a.log.WithError(rej.Err).Error("Ledger read failed")
		return nil, rej
	}

	rec := a.record
	err := p.deps.Ledger.Append(ctx, rec)
	if errors.Is(err, storage.ErrDuplicateKey) && rec.IsMinted() {
		// Another replica minted this fingerprint between our check and append.
		orphan := rec.TxRef
		a.log.WithField("tx_hash", orphan).Error("Minted transaction lost the fingerprint race and is unrecorded as a reward")
		rej = p.reject(a, domain.ReasonDuplicate, "proof has already been rewarded", nil)
		rec.Detail = "orphaned mint " + orphan
		err = p.deps.Ledger.Append(ctx, rec)
	}
	if err != nil {
		p.metrics.RecordAppendError()
		entry := a.log.WithError(err)
		if rec.IsMinted() {
			entry = entry.WithField("tx_hash", rec.TxRef)
		}
		entry.Error("Failed to append submission record")
		return nil, storageError("failed to record submission", err)
	}

	if rej != nil {
		rej.SubmissionID = rec.ID
		entry := a.log.WithField("reason", rec.Reason)
		if rej.Err != nil {
			entry = entry.WithError(rej.Err)
		}
		entry.Info("Submission rejected")
		return rec, rej
	}

	p.deps.Cache.Add(rec.Fingerprint, rec.ID)
	a.log.WithFields(logrus.Fields{
		"tx_hash": rec.TxRef,
		"amount":  rec.Amount.String(),
	}).Info("Submission minted")
	return rec, nil
}

// publish fans the record out to every publisher concurrently.
func (p *Pipeline) publish(ctx context.Context, log logrus.FieldLogger, rec *domain.SubmissionRecord) {
	if len(p.deps.Publishers) == 0 {
		return
	}

	var g errgroup.Group
	for _, pub := range p.deps.Publishers {
		g.Go(func() error {
			pubCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
			defer cancel()
			if err := pub.Publish(pubCtx, rec); err != nil {
				p.metrics.RecordPublishError(pub.Name())
				log.WithError(err).WithField("publisher", pub.Name()).Warn("Failed to publish submission record")
			}
			return nil
		})
	}
	_ = g.Wait()
}
