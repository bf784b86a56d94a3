// Package filelog implements the submission ledger as a durable JSON-lines file.
//
// Each record is one line. Append writes the line with a single write call and
// fsyncs before returning, so an acknowledged record survives a crash. On open,
// the file is replayed into an in-memory index; a torn final line left by a
// crash mid-write is truncated away.
package filelog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"proofmint/internal/domain"
	"proofmint/internal/storage"
	"proofmint/internal/storage/memory"
)

// maxLineBytes bounds a single encoded record.
const maxLineBytes = 1 << 20

// ErrLedgerFailed is returned by Append once a failed write could not be
// rolled back. The file must be reopened, which truncates the partial line.
var ErrLedgerFailed = errors.New("ledger file failed")

// ledgerFile is the subset of *os.File the store writes through.
type ledgerFile interface {
	Write(p []byte) (int, error)
	Sync() error
	Truncate(size int64) error
	Close() error
}

// LedgerStore implements storage.LedgerStore on top of an append-only file.
type LedgerStore struct {
	mu     sync.Mutex
	file   ledgerFile
	size   int64 // bytes of complete records on disk
	failed error
	index  *memory.LedgerStore
	log    logrus.FieldLogger
}

// Open opens or creates the ledger file at path and replays it.
func Open(path string, log logrus.FieldLogger) (*LedgerStore, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger file: %w", err)
	}

	index := memory.NewLedgerStore()
	good, err := replay(f, index)
	if err != nil {
		f.Close()
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat ledger file: %w", err)
	}
	if info.Size() > good {
		log.WithFields(logrus.Fields{
			"path":      path,
			"size":      info.Size(),
			"truncated": info.Size() - good,
		}).Warn("Truncating torn tail of ledger file")
		if err := f.Truncate(good); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncate torn tail: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, fmt.Errorf("sync after truncate: %w", err)
		}
	}

	log.WithFields(logrus.Fields{
		"path":    path,
		"records": index.Len(),
	}).Info("Ledger replayed")

	return &LedgerStore{file: f, size: good, index: index, log: log}, nil
}

// replay loads every complete line into index and returns the byte offset
// just past the last complete record.
func replay(r io.Reader, index *memory.LedgerStore) (int64, error) {
	ctx := context.Background()
	return decodeLines(r, func(lineNo int, rec *domain.SubmissionRecord) error {
		if err := index.Append(ctx, rec); err != nil {
			return fmt.Errorf("%w: line %d: %v", storage.ErrCorrupt, lineNo, err)
		}
		return nil
	})
}

// decodeLines calls fn for each complete line and returns the byte offset
// just past the last one.
func decodeLines(r io.Reader, fn func(lineNo int, rec *domain.SubmissionRecord) error) (int64, error) {
	reader := bufio.NewReaderSize(r, 64*1024)

	var offset int64
	lineNo := 0
	for {
		line, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// Anything left without a newline is a torn write.
			return offset, nil
		}
		if err != nil {
			return 0, fmt.Errorf("read ledger: %w", err)
		}
		lineNo++

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			var rec domain.SubmissionRecord
			if err := json.Unmarshal(trimmed, &rec); err != nil {
				return 0, fmt.Errorf("%w: line %d: %v", storage.ErrCorrupt, lineNo, err)
			}
			if err := fn(lineNo, &rec); err != nil {
				return 0, err
			}
		}
		offset += int64(len(line))
	}
}

// FindByFingerprint returns the MINTED record for a fingerprint. Returns ErrNotFound if none.
func (s *LedgerStore) FindByFingerprint(ctx context.Context, fingerprint string) (*domain.SubmissionRecord, error) {
	return s.index.FindByFingerprint(ctx, fingerprint)
}

// MostRecentForWallet returns the wallet's latest record that counts toward cooldown.
func (s *LedgerStore) MostRecentForWallet(ctx context.Context, wallet string) (*domain.SubmissionRecord, error) {
	return s.index.MostRecentForWallet(ctx, wallet)
}

// Append writes the record and fsyncs before updating the index.
// A failed write or sync is truncated away so the file ends on a complete line.
func (s *LedgerStore) Append(ctx context.Context, r *domain.SubmissionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return errors.New("ledger closed")
	}
	if s.failed != nil {
		return s.failed
	}
	if err := s.index.CanAppend(r); err != nil {
		return err
	}

	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if len(line) >= maxLineBytes {
		return storage.ErrInvalidInput
	}
	line = append(line, '\n')

	n, err := s.file.Write(line)
	if err == nil && n < len(line) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return s.rollback(fmt.Errorf("write record: %w", err))
	}
	if err := s.file.Sync(); err != nil {
		return s.rollback(fmt.Errorf("sync ledger: %w", err))
	}
	s.size += int64(len(line))

	return s.index.Append(ctx, r)
}

// rollback truncates the file to the last complete record after a failed
// append. If that fails too, the store refuses further appends.
func (s *LedgerStore) rollback(cause error) error {
	err := s.file.Truncate(s.size)
	if err == nil {
		err = s.file.Sync()
	}
	if err != nil {
		s.failed = fmt.Errorf("%w: rollback to %d bytes: %v (after %v)", ErrLedgerFailed, s.size, err, cause)
		s.log.WithError(err).WithField("size", s.size).Error("Failed to roll back ledger write, refusing further appends")
		return s.failed
	}
	s.log.WithError(cause).WithField("size", s.size).Warn("Rolled back failed ledger write")
	return cause
}

// ListByWallet returns the wallet's records ordered by submitted_at ASC.
func (s *LedgerStore) ListByWallet(ctx context.Context, wallet string) ([]*domain.SubmissionRecord, error) {
	return s.index.ListByWallet(ctx, wallet)
}

// List returns every record in append order.
func (s *LedgerStore) List(ctx context.Context) ([]*domain.SubmissionRecord, error) {
	return s.index.List(ctx)
}

// Close syncs and closes the file.
func (s *LedgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Sync()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.file = nil
	return err
}

// ReadFile reads a ledger file without opening it for writing.
// Safe to call while a writer is appending: an incomplete trailing line is ignored.
func ReadFile(path string) ([]*domain.SubmissionRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ledger file: %w", err)
	}
	defer f.Close()

	index := memory.NewLedgerStore()
	if _, err := replay(f, index); err != nil {
		return nil, err
	}
	return index.List(context.Background())
}

var _ storage.LedgerStore = (*LedgerStore)(nil)

// ReadRecords decodes every complete record in file order without checking
// ledger invariants, for auditing a ledger that may violate them.
func ReadRecords(path string) ([]*domain.SubmissionRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ledger file: %w", err)
	}
	defer f.Close()

	var records []*domain.SubmissionRecord
	_, err = decodeLines(f, func(_ int, rec *domain.SubmissionRecord) error {
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
