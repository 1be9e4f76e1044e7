package dbqueue

import (
	"context"
	"errors"
	"time"
)

// ErrJobNotFound is returned by History.GetJob for unknown IDs.
var ErrJobNotFound = errors.New("dbqueue: job not found")

// History stores job records written by a Queue.
// Implementations must be safe for concurrent use.
type History interface {
	// RecordJob inserts or updates a record. Zero fields of rec keep their
	// stored values; a terminal status is never overwritten.
	RecordJob(ctx context.Context, rec *JobRecord) error

	// GetJob retrieves a record by job ID
	GetJob(ctx context.Context, jobID string) (*JobRecord, error)

	// GetJobStats counts records per status; an empty queue means all queues
	GetJobStats(ctx context.Context, queue string) (*JobStats, error)

	// ResetRunningJobs marks records left running by a dead process as failed
	ResetRunningJobs(ctx context.Context) error

	// CleanupExpiredJobs deletes terminal records finalized more than ttl ago
	CleanupExpiredJobs(ctx context.Context, ttl time.Duration) error

	// Close closes the history
	Close() error
}

// abandonedMessage is stored on records reset by ResetRunningJobs.
const abandonedMessage = "abandoned: worker exited while running"

// mergeRecord applies rec on top of existing and returns the result. It
// returns false if the update would move a terminal record.
func mergeRecord(existing, rec *JobRecord, now time.Time) (*JobRecord, bool) {
	if existing == nil {
		merged := cloneRecord(rec)
		if merged.Status == "" {
			merged.Status = JobStatusPending
		}
		if merged.CreatedAt.IsZero() {
			merged.CreatedAt = now
		}
		if merged.Status.IsTerminal() && merged.FinalizedAt == nil {
			merged.FinalizedAt = &now
		}
		return merged, true
	}
	if existing.Status.IsTerminal() {
		return existing, rec.Status == existing.Status || rec.Status == ""
	}
	if !isValidTransition(existing.Status, rec.Status) {
		return existing, false
	}

	merged := cloneRecord(existing)
	if rec.Status != "" {
		merged.Status = rec.Status
	}
	if rec.Name != "" {
		merged.Name = rec.Name
	}
	if rec.Queue != "" {
		merged.Queue = rec.Queue
	}
	if rec.StartedAt != nil {
		merged.StartedAt = copyTimePtr(rec.StartedAt)
	}
	if rec.FinalizedAt != nil {
		merged.FinalizedAt = copyTimePtr(rec.FinalizedAt)
	}
	if merged.Status.IsTerminal() && merged.FinalizedAt == nil {
		merged.FinalizedAt = &now
	}
	if rec.ErrorMessage != "" {
		merged.ErrorMessage = rec.ErrorMessage
	}
	return merged, true
}

func isValidTransition(current, target JobStatus) bool {
	if target == "" || current == target {
		return true
	}

	switch current {
	case JobStatusPending:
		return target == JobStatusRunning || target.IsTerminal()
	case JobStatusRunning:
		return target.IsTerminal()
	default:
		return false
	}
}

func countStatus(stats *JobStats, status JobStatus, n int32) {
	stats.TotalJobs += n
	switch status {
	case JobStatusPending:
		stats.PendingJobs += n
	case JobStatusRunning:
		stats.RunningJobs += n
	case JobStatusSucceeded:
		stats.SucceededJobs += n
	case JobStatusError:
		stats.FailedJobs += n
	case JobStatusCancelled:
		stats.CancelledJobs += n
	}
}

func isExpired(rec *JobRecord, cutoff time.Time) bool {
	return rec.Status.IsTerminal() && rec.FinalizedAt != nil && rec.FinalizedAt.Before(cutoff)
}

func cloneRecord(rec *JobRecord) *JobRecord {
	if rec == nil {
		return nil
	}
	clone := *rec
	clone.StartedAt = copyTimePtr(rec.StartedAt)
	clone.FinalizedAt = copyTimePtr(rec.FinalizedAt)
	return &clone
}

func copyTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	val := *t
	return &val
}

// normalizeContext substitutes Background for a nil ctx and fails fast on an
// already-done one.
func normalizeContext(ctx context.Context) (context.Context, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ctx, nil
}
