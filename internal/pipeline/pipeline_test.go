package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"proofmint/internal/admission"
	"proofmint/internal/chain"
	"proofmint/internal/chain/stub"
	"proofmint/internal/domain"
	"proofmint/internal/idhash"
	"proofmint/internal/ocr"
	"proofmint/internal/screening"
	"proofmint/internal/storage"
	"proofmint/internal/storage/memory"
	"proofmint/internal/valuation"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	walletA = "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"
	walletB = "0x3c44cdddb6a900fa2b585dd299e03d12fa4293bc"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingExtractor struct {
	calls atomic.Int32
	text  string
	err   error
}

func (e *countingExtractor) Extract(context.Context, []byte, string) (string, error) {
	e.calls.Add(1)
	return e.text, e.err
}

type countingEstimator struct {
	calls    atomic.Int32
	response string
	err      error
	block    bool
	delay    time.Duration
}

func (e *countingEstimator) Estimate(ctx context.Context, _ string) (string, error) {
	e.calls.Add(1)
	if e.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	return e.response, e.err
}

type harness struct {
	t         *testing.T
	ledger    *memory.LedgerStore
	extractor *countingExtractor
	estimator *countingEstimator
	gateway   *stub.Gateway
	clock     *fakeClock
	logger    *logrus.Logger
	hook      *test.Hook
	deps      Deps
	cfg       Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	h := &harness{
		t:         t,
		ledger:    memory.NewLedgerStore(),
		extractor: &countingExtractor{text: "merged pull request #42 into main"},
		estimator: &countingEstimator{response: "250000"},
		gateway:   stub.New(),
		clock:     &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)},
		logger:    logger,
		hook:      hook,
		cfg: Config{
			Policy: valuation.ConversionPolicy{
				Ratio:           decimal.NewFromInt(1_000_000),
				Cap:             decimal.NewFromInt(100),
				DisplayDecimals: 6,
				TokenDecimals:   18,
			},
			Cooldown: time.Hour,
		},
	}
	h.deps = Deps{
		Ledger:    h.ledger,
		Extractor: h.extractor,
		Filter:    screening.NewFilter(screening.DefaultTerms),
		Estimator: h.estimator,
		Gateway:   h.gateway,
	}
	return h
}

func (h *harness) pipeline(opts ...Option) *Pipeline {
	h.t.Helper()
	opts = append([]Option{WithClock(h.clock.Now), WithLogger(h.logger)}, opts...)
	p, err := New(h.deps, h.cfg, opts...)
	require.NoError(h.t, err)
	return p
}

func submission(wallet, proof string) domain.Submission {
	return domain.Submission{
		WalletAddress: wallet,
		Description:   "Fixed the flaky integration test",
		Proof:         []byte(proof),
		ProofMIME:     "image/png",
	}
}

func requireRejection(t *testing.T, err error, kind Kind, reason domain.RejectReason) *Rejection {
	t.Helper()
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, kind, rej.Kind)
	assert.Equal(t, reason, rej.Reason)
	return rej
}

func TestSubmit_Mints(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline()

	res, err := p.Submit(context.Background(), submission(walletA, "proof-1"))
	require.NoError(t, err)

	assert.Equal(t, "0.25", res.TokensMinted.String())
	assert.NotEmpty(t, res.TxRef)
	assert.True(t, decimal.NewFromInt(250000).Equal(res.ValueUSD))

	fp, err := idhash.Fingerprint([]byte("proof-1"))
	require.NoError(t, err)
	assert.Equal(t, fp, res.Fingerprint)

	mints := h.gateway.Mints()
	require.Len(t, mints, 1)
	assert.Equal(t, common.HexToAddress(walletA).Hex(), mints[0].Wallet)
	want, _ := new(big.Int).SetString("250000000000000000", 10)
	assert.Equal(t, 0, want.Cmp(mints[0].Amount))

	rec, err := h.ledger.FindByFingerprint(context.Background(), fp)
	require.NoError(t, err)
	assert.Equal(t, res.SubmissionID, rec.ID)
	assert.Equal(t, domain.OutcomeMinted, rec.Outcome)
	assert.Equal(t, res.TxRef, rec.TxRef)
	assert.Equal(t, h.clock.Now(), rec.SubmittedAt)
	assert.Equal(t, "fixed the flaky integration test", rec.DescriptionNormalized)
	assert.True(t, rec.Validate())
}

func TestSubmit_CooldownThenDuplicate(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline()
	ctx := context.Background()

	_, err := p.Submit(ctx, submission(walletA, "proof-1"))
	require.NoError(t, err)

	h.clock.Advance(10 * time.Minute)
	_, err = p.Submit(ctx, submission(walletA, "proof-1"))
	rej := requireRejection(t, err, KindCooldown, domain.ReasonCooldown)
	assert.Equal(t, http.StatusTooManyRequests, rej.Kind.HTTPStatus())
	assert.Equal(t, 50*time.Minute, rej.RetryAfter)
	assert.Equal(t, int64(3000), rej.RetryAfterSeconds())

	h.clock.Advance(2 * time.Hour)
	_, err = p.Submit(ctx, submission(walletA, "proof-1"))
	rej = requireRejection(t, err, KindDuplicate, domain.ReasonDuplicate)
	assert.Equal(t, http.StatusConflict, rej.Kind.HTTPStatus())
	assert.NotEmpty(t, rej.SubmissionID)

	assert.Equal(t, int32(1), h.estimator.calls.Load())
	assert.Len(t, h.gateway.Mints(), 1)
	assert.Equal(t, 3, h.ledger.Len())
}

func TestSubmit_CooldownRejectionsDoNotExtendWindow(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline()
	ctx := context.Background()

	_, err := p.Submit(ctx, submission(walletA, "proof-1"))
	require.NoError(t, err)

	h.clock.Advance(59 * time.Minute)
	_, err = p.Submit(ctx, submission(walletA, "proof-2"))
	requireRejection(t, err, KindCooldown, domain.ReasonCooldown)

	h.clock.Advance(time.Minute)
	_, err = p.Submit(ctx, submission(walletA, "proof-2"))
	require.NoError(t, err)
}

func TestSubmit_ForbiddenContentSkipsEstimator(t *testing.T) {
	h := newHarness(t)
	h.extractor.text = "INVOICE #2231 total due"
	p := h.pipeline()

	_, err := p.Submit(context.Background(), submission(walletA, "proof-1"))
	rej := requireRejection(t, err, KindForbiddenContent, domain.ReasonForbiddenContent)
	assert.Equal(t, http.StatusBadRequest, rej.Kind.HTTPStatus())
	assert.NotContains(t, rej.Message, "invoice")

	assert.Equal(t, int32(0), h.estimator.calls.Load())
	assert.Empty(t, h.gateway.Mints())

	recs, err := h.ledger.List(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.ReasonForbiddenContent, recs[0].Reason)
	assert.Contains(t, recs[0].Detail, "invoice")
}

func TestSubmit_MintFailureLeavesFingerprintEligible(t *testing.T) {
	h := newHarness(t)
	h.gateway.Err = errors.New("execution reverted: caller is not a minter")
	p := h.pipeline()
	ctx := context.Background()

	_, err := p.Submit(ctx, submission(walletA, "proof-1"))
	rej := requireRejection(t, err, KindUpstreamFailure, domain.ReasonMintFailed)
	assert.Equal(t, http.StatusBadGateway, rej.Kind.HTTPStatus())
	assert.NotContains(t, rej.Message, "reverted")

	_, err = h.ledger.FindByFingerprint(ctx, mustFingerprint(t, "proof-1"))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	h.gateway.Err = nil
	h.clock.Advance(time.Hour)
	res, err := p.Submit(ctx, submission(walletA, "proof-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.TxRef)
}

func TestSubmit_UnconfirmedMintKeepsPendingTx(t *testing.T) {
	h := newHarness(t)
	h.gateway.Err = &chain.PendingError{TxHash: "0xfeed", Err: context.DeadlineExceeded}
	p := h.pipeline()
	ctx := context.Background()

	_, err := p.Submit(ctx, submission(walletA, "proof-1"))
	rej := requireRejection(t, err, KindUpstreamFailure, domain.ReasonTimeout)
	assert.NotContains(t, rej.Message, "0xfeed")

	recs, err := h.ledger.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "mint timed out; pending tx 0xfeed", recs[0].Detail)
	assert.Empty(t, recs[0].TxRef)

	_, err = h.ledger.FindByFingerprint(ctx, mustFingerprint(t, "proof-1"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSubmit_ConcurrentIdenticalProofsMintOnce(t *testing.T) {
	h := newHarness(t)
	h.estimator.delay = 5 * time.Millisecond
	p := h.pipeline()

	const n = 16
	var (
		wg       sync.WaitGroup
		minted   atomic.Int32
		dupes    atomic.Int32
		failures atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wallet := common.BigToAddress(big.NewInt(int64(1000 + i))).Hex()
			_, err := p.Submit(context.Background(), submission(wallet, "same-proof"))
			var rej *Rejection
			switch {
			case err == nil:
				minted.Add(1)
			case errors.As(err, &rej) && rej.Reason == domain.ReasonDuplicate:
				dupes.Add(1)
			default:
				failures.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), minted.Load())
	assert.Equal(t, int32(n-1), dupes.Load())
	assert.Equal(t, int32(0), failures.Load())
	assert.Len(t, h.gateway.Mints(), 1)
}

func TestSubmit_ConcurrentSameWalletAdmitsOnce(t *testing.T) {
	h := newHarness(t)
	h.estimator.delay = 5 * time.Millisecond
	p := h.pipeline()

	const n = 8
	var (
		wg       sync.WaitGroup
		minted   atomic.Int32
		cooldown atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := p.Submit(context.Background(), submission(walletA, fmt.Sprintf("proof-%d", i)))
			var rej *Rejection
			switch {
			case err == nil:
				minted.Add(1)
			case errors.As(err, &rej) && rej.Kind == KindCooldown:
				assert.Positive(t, rej.RetryAfter)
				cooldown.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), minted.Load())
	assert.Equal(t, int32(n-1), cooldown.Load())
}

func TestSubmit_WalletInFlightIsCooldown(t *testing.T) {
	h := newHarness(t)
	locker := admission.NewKeyedMutex()
	h.deps.Locker = locker
	p := h.pipeline()

	unlock, err := locker.TryLock(context.Background(), "wallet:"+common.HexToAddress(walletA).Hex())
	require.NoError(t, err)
	defer unlock()

	_, err = p.Submit(context.Background(), submission(walletA, "proof-1"))
	rej := requireRejection(t, err, KindCooldown, domain.ReasonCooldown)
	assert.Equal(t, time.Hour, rej.RetryAfter)
	assert.Equal(t, int32(0), h.extractor.calls.Load())
}

func TestSubmit_FingerprintLockTimeout(t *testing.T) {
	h := newHarness(t)
	locker := admission.NewKeyedMutex()
	h.deps.Locker = locker
	h.cfg.LockWait = 10 * time.Millisecond
	p := h.pipeline()

	unlock, err := locker.Lock(context.Background(), "fingerprint:"+mustFingerprint(t, "proof-1"))
	require.NoError(t, err)
	defer unlock()

	_, err = p.Submit(context.Background(), submission(walletA, "proof-1"))
	requireRejection(t, err, KindUpstreamFailure, domain.ReasonTimeout)
}

func TestSubmit_ZeroValue(t *testing.T) {
	h := newHarness(t)
	h.estimator.response = "I cannot determine a value"
	p := h.pipeline()

	_, err := p.Submit(context.Background(), submission(walletA, "proof-1"))
	rej := requireRejection(t, err, KindNoValue, domain.ReasonZeroValue)
	assert.Equal(t, http.StatusUnprocessableEntity, rej.Kind.HTTPStatus())
	assert.Empty(t, h.gateway.Mints())

	_, err = h.ledger.FindByFingerprint(context.Background(), mustFingerprint(t, "proof-1"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSubmit_AmountCapped(t *testing.T) {
	h := newHarness(t)
	h.estimator.response = "1e15"
	p := h.pipeline()

	res, err := p.Submit(context.Background(), submission(walletA, "proof-1"))
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(100).Equal(res.TokensMinted))
}

func TestSubmit_HugeExponentEstimateIsCapped(t *testing.T) {
	h := newHarness(t)
	h.estimator.response = "1e2147483647"
	p := h.pipeline()

	done := make(chan struct{})
	var (
		res *Result
		err error
	)
	go func() {
		defer close(done)
		res, err = p.Submit(context.Background(), submission(walletA, "proof-1"))
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("submission did not complete")
	}

	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(100).Equal(res.TokensMinted))

	mints := h.gateway.Mints()
	require.Len(t, mints, 1)
	assert.Equal(t, "100000000000000000000", mints[0].Amount.String())

	recs, err := h.ledger.List(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.OutcomeMinted, recs[0].Outcome)
}

func TestSubmit_EstimatorTimeout(t *testing.T) {
	h := newHarness(t)
	h.estimator.block = true
	h.cfg.EstimateTimeout = 20 * time.Millisecond
	p := h.pipeline()

	_, err := p.Submit(context.Background(), submission(walletA, "proof-1"))
	rej := requireRejection(t, err, KindUpstreamFailure, domain.ReasonTimeout)
	assert.ErrorIs(t, rej, context.DeadlineExceeded)
}

func TestSubmit_UpstreamFailures(t *testing.T) {
	h := newHarness(t)
	h.extractor.err = errors.New("sidecar: 503")
	p := h.pipeline()

	_, err := p.Submit(context.Background(), submission(walletA, "proof-1"))
	requireRejection(t, err, KindUpstreamFailure, domain.ReasonUpstreamFailure)
	assert.Equal(t, int32(0), h.estimator.calls.Load())

	h.extractor.err = nil
	h.estimator.err = errors.New("quota exceeded")
	h.clock.Advance(time.Hour)
	_, err = p.Submit(context.Background(), submission(walletA, "proof-1"))
	requireRejection(t, err, KindUpstreamFailure, domain.ReasonUpstreamFailure)
}

func TestSubmit_NoTextIsEmptyText(t *testing.T) {
	h := newHarness(t)
	h.extractor.err = ocr.ErrNoText
	p := h.pipeline()

	_, err := p.Submit(context.Background(), submission(walletA, "proof-1"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), h.estimator.calls.Load())
}

func TestSubmit_IgnoresCallerCancellation(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := p.Submit(ctx, submission(walletA, "proof-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.TxRef)
}

func TestSubmit_InputErrors(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxProofBytes = 16
	p := h.pipeline()

	tests := []struct {
		name string
		sub  domain.Submission
	}{
		{"bad wallet", submission("not-a-wallet", "proof")},
		{"missing 0x", submission(walletA[2:], "proof")},
		{"bad checksum", submission("0x70997970C51812dc3A010C7d01b50e0d17dc79c8", "proof")},
		{"empty description", domain.Submission{WalletAddress: walletA, Description: "   ", Proof: []byte("proof")}},
		{"empty proof", submission(walletA, "")},
		{"oversized proof", submission(walletA, "this proof is far too large")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Submit(context.Background(), tt.sub)
			rej := requireRejection(t, err, KindInputError, "")
			assert.Equal(t, http.StatusBadRequest, rej.Kind.HTTPStatus())
			assert.Empty(t, rej.SubmissionID)
		})
	}
	assert.Equal(t, 0, h.ledger.Len())
}

func TestSubmit_ChecksummedWalletAccepted(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline()

	res, err := p.Submit(context.Background(), submission(common.HexToAddress(walletB).Hex(), "proof-1"))
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(walletB).Hex(), res.Record.WalletAddress)
}

func TestSubmit_PublishesBestEffort(t *testing.T) {
	h := newHarness(t)
	var (
		mu  sync.Mutex
		got []*domain.SubmissionRecord
	)
	h.deps.Publishers = []Publisher{
		PublisherFunc{ID: "broken", Fn: func(context.Context, *domain.SubmissionRecord) error {
			return errors.New("broker down")
		}},
		PublisherFunc{ID: "recorder", Fn: func(_ context.Context, r *domain.SubmissionRecord) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, r)
			return nil
		}},
	}
	p := h.pipeline()

	res, err := p.Submit(context.Background(), submission(walletA, "proof-1"))
	require.NoError(t, err)

	_, err = p.Submit(context.Background(), submission(walletA, "proof-2"))
	requireRejection(t, err, KindCooldown, domain.ReasonCooldown)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, res.SubmissionID, got[0].ID)
	assert.Equal(t, domain.OutcomeRejected, got[1].Outcome)

	var warned bool
	for _, e := range h.hook.AllEntries() {
		if e.Message == "Failed to publish submission record" && e.Data["publisher"] == "broken" {
			warned = true
		}
	}
	assert.True(t, warned)
}

// staleLedger hides minted records from FindByFingerprint, as a lagging
// replica would.
type staleLedger struct {
	*memory.LedgerStore
}

func (staleLedger) FindByFingerprint(context.Context, string) (*domain.SubmissionRecord, error) {
	return nil, storage.ErrNotFound
}

func TestSubmit_LostFingerprintRaceReportsDuplicate(t *testing.T) {
	h := newHarness(t)
	fp := mustFingerprint(t, "proof-1")
	require.NoError(t, h.ledger.Append(context.Background(), &domain.SubmissionRecord{
		ID:            "sub_other",
		WalletAddress: common.HexToAddress(walletB).Hex(),
		Fingerprint:   fp,
		SubmittedAt:   h.clock.Now().Add(-time.Minute),
		Outcome:       domain.OutcomeMinted,
		Amount:        decimal.NewFromInt(1),
		TxRef:         "0xother",
	}))
	h.deps.Ledger = staleLedger{h.ledger}
	p := h.pipeline()

	_, err := p.Submit(context.Background(), submission(walletA, "proof-1"))
	rej := requireRejection(t, err, KindDuplicate, domain.ReasonDuplicate)
	assert.NotEmpty(t, rej.SubmissionID)

	recs, err := h.ledger.ListByWallet(context.Background(), common.HexToAddress(walletA).Hex())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.OutcomeRejected, recs[0].Outcome)
	assert.Contains(t, recs[0].Detail, "orphaned mint")

	var orphanLogged bool
	for _, e := range h.hook.AllEntries() {
		if e.Level == logrus.ErrorLevel && e.Data["tx_hash"] != nil {
			orphanLogged = true
		}
	}
	assert.True(t, orphanLogged)
}

type failingLedger struct {
	*memory.LedgerStore
}

func (failingLedger) Append(context.Context, *domain.SubmissionRecord) error {
	return errors.New("disk full")
}

func TestSubmit_AppendFailureIsStorageError(t *testing.T) {
	h := newHarness(t)
	h.deps.Ledger = failingLedger{h.ledger}
	p := h.pipeline()

	_, err := p.Submit(context.Background(), submission(walletA, "proof-1"))
	rej := requireRejection(t, err, KindStorageError, "")
	assert.Equal(t, http.StatusInternalServerError, rej.Kind.HTTPStatus())
	assert.Equal(t, "STORAGE_ERROR", rej.Code())
}

func TestSubmit_MintedCacheShortCircuits(t *testing.T) {
	h := newHarness(t)
	cache, err := admission.NewMintedCache(8)
	require.NoError(t, err)
	h.deps.Cache = cache
	p := h.pipeline()

	res, err := p.Submit(context.Background(), submission(walletA, "proof-1"))
	require.NoError(t, err)

	id, ok := cache.Lookup(res.Fingerprint)
	require.True(t, ok)
	assert.Equal(t, res.SubmissionID, id)

	_, err = p.Submit(context.Background(), submission(walletB, "proof-1"))
	requireRejection(t, err, KindDuplicate, domain.ReasonDuplicate)
}

func TestNew_Validation(t *testing.T) {
	h := newHarness(t)

	_, err := New(Deps{}, h.cfg)
	assert.Error(t, err)

	cfg := h.cfg
	cfg.Policy.Ratio = decimal.Zero
	_, err = New(h.deps, cfg)
	assert.Error(t, err)

	cfg = h.cfg
	cfg.Cooldown = -time.Second
	_, err = New(h.deps, cfg)
	assert.Error(t, err)
}

func TestRejection_RetryAfterSecondsRoundsUp(t *testing.T) {
	r := &Rejection{RetryAfter: 1500 * time.Millisecond}
	assert.Equal(t, int64(2), r.RetryAfterSeconds())
	assert.Equal(t, int64(0), (&Rejection{}).RetryAfterSeconds())
}

func mustFingerprint(t *testing.T, proof string) string {
	t.Helper()
	fp, err := idhash.Fingerprint([]byte(proof))
	require.NoError(t, err)
	return fp
}
