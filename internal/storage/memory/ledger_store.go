package memory

import (
	"context"
	"sort"
	"sync"

	"proofmint/internal/domain"
	"proofmint/internal/storage"
)

// LedgerStore is an in-memory implementation of storage.LedgerStore.
// It is volatile; the file and Postgres backends wrap or replace it for durability.
type LedgerStore struct {
	mu       sync.RWMutex
	records  []*domain.SubmissionRecord
	ids      map[string]struct{}
	minted   map[string]int // fingerprint -> index into records
	byWallet map[string][]int
}

// NewLedgerStore creates a new in-memory ledger.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		ids:      make(map[string]struct{}),
		minted:   make(map[string]int),
		byWallet: make(map[string][]int),
	}
}

// FindByFingerprint returns the MINTED record for a fingerprint. Returns ErrNotFound if none.
func (s *LedgerStore) FindByFingerprint(_ context.Context, fingerprint string) (*domain.SubmissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.minted[fingerprint]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copy := *s.records[idx]
	return &copy, nil
}

// MostRecentForWallet returns the wallet's latest record that counts toward cooldown.
func (s *LedgerStore) MostRecentForWallet(_ context.Context, wallet string) (*domain.SubmissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.SubmissionRecord
	for _, idx := range s.byWallet[wallet] {
		r := s.records[idx]
		if !r.CountsTowardCooldown() {
			continue
		}
		if latest == nil || !r.SubmittedAt.Before(latest.SubmittedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	copy := *latest
	return &copy, nil
}

// CanAppend reports whether r would be accepted by Append without storing it.
func (s *LedgerStore) CanAppend(r *domain.SubmissionRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.check(r)
}

func (s *LedgerStore) check(r *domain.SubmissionRecord) error {
	if r == nil || !r.Validate() {
		return storage.ErrInvalidInput
	}
	if _, exists := s.ids[r.ID]; exists {
		return storage.ErrDuplicateKey
	}
	if r.IsMinted() {
		if _, exists := s.minted[r.Fingerprint]; exists {
			return storage.ErrDuplicateKey
		}
	}
	return nil
}

// Append adds a record. Returns ErrDuplicateKey on id reuse or a second MINTED per fingerprint.
func (s *LedgerStore) Append(_ context.Context, r *domain.SubmissionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(r); err != nil {
		return err
	}

	copy := *r
	idx := len(s.records)
	s.records = append(s.records, &copy)
	s.ids[r.ID] = struct{}{}
	s.byWallet[r.WalletAddress] = append(s.byWallet[r.WalletAddress], idx)
	if r.IsMinted() {
		s.minted[r.Fingerprint] = idx
	}
	return nil
}

// ListByWallet returns the wallet's records ordered by submitted_at ASC.
func (s *LedgerStore) ListByWallet(_ context.Context, wallet string) ([]*domain.SubmissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.SubmissionRecord, 0, len(s.byWallet[wallet]))
	for _, idx := range s.byWallet[wallet] {
		copy := *s.records[idx]
		result = append(result, &copy)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].SubmittedAt.Before(result[j].SubmittedAt)
	})

	return result, nil
}

// List returns every record in append order.
func (s *LedgerStore) List(_ context.Context) ([]*domain.SubmissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.SubmissionRecord, len(s.records))
	for i, r := range s.records {
		copy := *r
		result[i] = &copy
	}
	return result, nil
}

// Len returns the number of stored records.
func (s *LedgerStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

var _ storage.LedgerStore = (*LedgerStore)(nil)
