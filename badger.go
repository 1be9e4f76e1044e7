package dbqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerHistory implements History on BadgerDB. Records are stored as JSON
// under "job:<id>", with a "queue:<queue>:<id>" index for per-queue stats.
type BadgerHistory struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewBadgerHistory opens (or creates) a BadgerDB history in dbPath.
// BadgerDB uses its own logger interface, so its internal logging is disabled.
func NewBadgerHistory(dbPath string, logger *slog.Logger) (*BadgerHistory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	return &BadgerHistory{
		db:     db,
		logger: logger,
	}, nil
}

// Close closes the database.
func (b *BadgerHistory) Close() error {
	return b.db.Close()
}

// retryUpdate retries an update on transaction conflicts with a fixed delay.
func (b *BadgerHistory) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxRetries = 50
	const retryDelay = 1 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(retryDelay)
		}

		err := b.db.Update(fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, badger.ErrConflict) {
			lastErr = err
			b.logger.Debug("BadgerHistory: transaction conflict, retrying", "attempt", attempt+1)
			continue
		}
		return err
	}

	return fmt.Errorf("transaction conflict after %d retries: %w", maxRetries, lastErr)
}

const (
	keyPrefixJob   = "job:"
	keyPrefixQueue = "queue:"
)

func jobKey(jobID string) []byte {
	return []byte(keyPrefixJob + jobID)
}

func queueIndexPrefix(queue string) []byte {
	return []byte(keyPrefixQueue + queue + ":")
}

func queueIndexKey(queue, jobID string) []byte {
	return []byte(keyPrefixQueue + queue + ":" + jobID)
}

func getRecord(txn *badger.Txn, jobID string) (*JobRecord, error) {
	item, err := txn.Get(jobKey(jobID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to copy job data: %w", err)
	}
	var rec JobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &rec, nil
}

func putRecord(txn *badger.Txn, rec *JobRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := txn.Set(jobKey(rec.ID), data); err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}
	if err := txn.Set(queueIndexKey(rec.Queue, rec.ID), nil); err != nil {
		return fmt.Errorf("failed to store queue index: %w", err)
	}
	return nil
}

// RecordJob inserts or updates a record.
func (b *BadgerHistory) RecordJob(ctx context.Context, rec *JobRecord) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("record is nil")
	}
	if rec.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		existing, err := getRecord(txn, rec.ID)
		if err != nil {
			return err
		}
		merged, ok := mergeRecord(existing, rec, time.Now())
		if !ok {
			return fmt.Errorf("invalid transition for job %s: %s -> %s", rec.ID, existing.Status, rec.Status)
		}
		if existing != nil && existing.Queue != merged.Queue {
			_ = txn.Delete(queueIndexKey(existing.Queue, existing.ID))
		}
		return putRecord(txn, merged)
	})
}

// GetJob retrieves a record by job ID.
func (b *BadgerHistory) GetJob(ctx context.Context, jobID string) (*JobRecord, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}

	var rec *JobRecord
	err = b.db.View(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		rec, err = getRecord(txn, jobID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return rec, nil
}

// GetJobStats counts records of queue, or of all queues if queue is empty.
func (b *BadgerHistory) GetJobStats(ctx context.Context, queue string) (*JobStats, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	stats := &JobStats{Queue: queue}
	err = b.db.View(func(txn *badger.Txn) error {
		if queue == "" {
			return b.eachRecord(ctx, txn, func(_ *badger.Item, rec *JobRecord) error {
				countStatus(stats, rec.Status, 1)
				return nil
			})
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = queueIndexPrefix(queue)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			jobID := string(it.Item().Key()[len(opts.Prefix):])
			rec, err := getRecord(txn, jobID)
			if err != nil {
				return err
			}
			if rec != nil {
				countStatus(stats, rec.Status, 1)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}
	return stats, nil
}

// eachRecord calls fn for every stored record. Records that fail to decode
// are skipped.
func (b *BadgerHistory) eachRecord(ctx context.Context, txn *badger.Txn, fn func(item *badger.Item, rec *JobRecord) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(keyPrefixJob)
	opts.PrefetchValues = true

	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		item := it.Item()
		data, err := item.ValueCopy(nil)
		if err != nil {
			continue
		}
		var rec JobRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			b.logger.Debug("BadgerHistory: skipping undecodable record", "key", string(item.Key()), "error", err)
			continue
		}
		if err := fn(item, &rec); err != nil {
			return err
		}
	}
	return nil
}

// ResetRunningJobs marks running records as failed.
func (b *BadgerHistory) ResetRunningJobs(ctx context.Context) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		var running []*JobRecord
		err := b.eachRecord(ctx, txn, func(_ *badger.Item, rec *JobRecord) error {
			if rec.Status == JobStatusRunning {
				running = append(running, rec)
			}
			return nil
		})
		if err != nil {
			return err
		}
		now := time.Now()
		for _, rec := range running {
			rec.Status = JobStatusError
			rec.ErrorMessage = abandonedMessage
			finalized := now
			rec.FinalizedAt = &finalized
			if err := putRecord(txn, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// CleanupExpiredJobs deletes terminal records older than TTL.
func (b *BadgerHistory) CleanupExpiredJobs(ctx context.Context, ttl time.Duration) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if ttl <= 0 {
		return fmt.Errorf("ttl must be greater than 0")
	}
	cutoff := time.Now().Add(-ttl)

	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		var expired []*JobRecord
		err := b.eachRecord(ctx, txn, func(_ *badger.Item, rec *JobRecord) error {
			if isExpired(rec, cutoff) {
				expired = append(expired, rec)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, rec := range expired {
			if err := txn.Delete(jobKey(rec.ID)); err != nil {
				return fmt.Errorf("failed to delete job: %w", err)
			}
			_ = txn.Delete(queueIndexKey(rec.Queue, rec.ID))
		}
		return nil
	})
}
