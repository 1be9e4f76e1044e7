package dbqueue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InMemoryHistory implements History with a map.
// It uses a single mutex for thread-safety and is suitable for testing.
type InMemoryHistory struct {
	mu      sync.RWMutex
	records map[string]*JobRecord
	closed  bool
}

// NewInMemoryHistory creates an empty in-memory history.
func NewInMemoryHistory() *InMemoryHistory {
	return &InMemoryHistory{
		records: make(map[string]*JobRecord),
	}
}

// Close closes the history and prevents further operations.
func (h *InMemoryHistory) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	return nil
}

// RecordJob inserts or updates a record.
func (h *InMemoryHistory) RecordJob(ctx context.Context, rec *JobRecord) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("record is nil")
	}
	if rec.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.ensureOpenLocked(); err != nil {
		return err
	}

	merged, ok := mergeRecord(h.records[rec.ID], rec, time.Now())
	if !ok {
		return fmt.Errorf("invalid transition for job %s: %s -> %s", rec.ID, h.records[rec.ID].Status, rec.Status)
	}
	h.records[rec.ID] = merged
	return nil
}

// GetJob retrieves a record by job ID.
func (h *InMemoryHistory) GetJob(ctx context.Context, jobID string) (*JobRecord, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if err := h.ensureOpenLocked(); err != nil {
		return nil, err
	}

	rec, exists := h.records[jobID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return cloneRecord(rec), nil
}

// GetJobStats counts records of queue, or of all queues if queue is empty.
func (h *InMemoryHistory) GetJobStats(ctx context.Context, queue string) (*JobStats, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if err := h.ensureOpenLocked(); err != nil {
		return nil, err
	}

	stats := &JobStats{Queue: queue}
	for _, rec := range h.records {
		if queue != "" && rec.Queue != queue {
			continue
		}
		countStatus(stats, rec.Status, 1)
	}
	return stats, nil
}

// ResetRunningJobs marks running records as failed.
func (h *InMemoryHistory) ResetRunningJobs(ctx context.Context) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.ensureOpenLocked(); err != nil {
		return err
	}

	now := time.Now()
	for _, rec := range h.records {
		if rec.Status == JobStatusRunning {
			rec.Status = JobStatusError
			rec.ErrorMessage = abandonedMessage
			finalized := now
			rec.FinalizedAt = &finalized
		}
	}
	return nil
}

// CleanupExpiredJobs deletes terminal records older than TTL.
func (h *InMemoryHistory) CleanupExpiredJobs(ctx context.Context, ttl time.Duration) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if ttl <= 0 {
		return fmt.Errorf("ttl must be greater than 0")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.ensureOpenLocked(); err != nil {
		return err
	}

	cutoff := time.Now().Add(-ttl)
	for id, rec := range h.records {
		if isExpired(rec, cutoff) {
			delete(h.records, id)
		}
	}
	return nil
}

func (h *InMemoryHistory) ensureOpenLocked() error {
	if h.closed {
		return fmt.Errorf("history is closed")
	}
	return nil
}
