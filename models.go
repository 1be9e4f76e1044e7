// Package dbqueue runs database work on a single goroutine that owns a
// native, not goroutine-safe database handle, and hands callers future-like
// jobs to wait on.
//
// The package provides:
//   - Queue: one worker goroutine per database, FIFO by default, restarted
//     after a crash when the database is file-backed
//   - Job: a typed unit of work with five states, hooks and cancellation
//   - Connection: goroutine-confined handle with a statement cache, a
//     bounded buffer pool, blobs, integer arrays and backups
//   - History: optional job history in memory, BadgerDB or SQLite
//
// Example usage:
//
//	queue := dbqueue.NewQueue(dbqueue.NewSQLiteEngine(), "./app.db", logger)
//	if err := queue.Start(); err != nil {
//	    return err
//	}
//	defer queue.Stop(true)
//
//	job := dbqueue.Submit(queue, dbqueue.NewJob(func(conn *dbqueue.Connection) (int64, error) {
//	    st, err := conn.PrepareCached("SELECT count(*) FROM users")
//	    if err != nil {
//	        return 0, err
//	    }
//	    defer st.Dispose()
//	    if _, err := st.Step(); err != nil {
//	        return 0, err
//	    }
//	    return st.ColumnInt64(0)
//	}))
//	count, err := job.Get(ctx)
package dbqueue

import (
	"time"
)

// JobStatus is the state of a job as stored in a History.
type JobStatus string

const (
	// JobStatusPending indicates the job is queued.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the job body is executing.
	JobStatusRunning JobStatus = "running"
	// JobStatusSucceeded indicates the body returned a result.
	JobStatusSucceeded JobStatus = "succeeded"
	// JobStatusError indicates the body failed.
	JobStatusError JobStatus = "error"
	// JobStatusCancelled indicates the job was cancelled before or while running.
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusError, JobStatusCancelled:
		return true
	default:
		return false
	}
}

func statusOf(s State) JobStatus {
	switch s {
	case StateRunning:
		return JobStatusRunning
	case StateSucceeded:
		return JobStatusSucceeded
	case StateError:
		return JobStatusError
	case StateCancelled:
		return JobStatusCancelled
	default:
		return JobStatusPending
	}
}

// JobRecord is the history entry of one job.
type JobRecord struct {
	ID           string     // Job UUID
	Name         string     // Optional job name
	Queue        string     // Database path of the queue that ran the job
	Status       JobStatus  // Last recorded status
	CreatedAt    time.Time  // When the job was submitted
	StartedAt    *time.Time // When the worker picked the job up (nil if never)
	FinalizedAt  *time.Time // When the job reached a terminal status (nil if not yet)
	ErrorMessage string     // Error message if the job failed
}

// JobStats summarizes the records of one queue, or of all queues.
type JobStats struct {
	Queue         string // Queue used for the query; empty means all
	TotalJobs     int32  // Total number of records
	PendingJobs   int32  // Number of pending jobs
	RunningJobs   int32  // Number of running jobs
	SucceededJobs int32  // Number of succeeded jobs
	FailedJobs    int32  // Number of failed jobs
	CancelledJobs int32  // Number of cancelled jobs
}
