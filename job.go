package dbqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a job. Transitions only move forward:
// Pending to Running or Cancelled, Running to Succeeded, Error or Cancelled.
type State int32

const (
	StatePending State = iota
	StateRunning
	StateSucceeded
	StateError
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateRunning:
		return "RUNNING"
	case StateSucceeded:
		return "SUCCEEDED"
	case StateError:
		return "ERROR"
	case StateCancelled:
		return "CANCELLED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// IsTerminal reports whether s is Succeeded, Error or Cancelled.
func (s State) IsTerminal() bool {
	return s >= StateSucceeded
}

// Task is a job as seen by a Queue. It is implemented by *Job[T].
type Task interface {
	ID() string
	Name() string
	State() State
	Err() error
	Cancel(mayInterrupt bool) bool
	IsDone() bool
	Done() <-chan struct{}

	attach(q *Queue)
	execute(conn *Connection)
}

// Hooks are optional callbacks run on the goroutine that drives the job
// through the corresponding transition. Started runs before the body;
// Error or Cancelled runs on the terminal transition, and Finished always
// runs last, exactly once, with the result (zero unless the job succeeded).
type Hooks[T any] struct {
	Started   func(conn *Connection)
	Finished  func(result T)
	Error     func(err error)
	Cancelled func()
}

// Job is a unit of work executed against a Connection by a Queue. It can be
// waited on and cancelled from any goroutine.
type Job[T any] struct {
	id    string
	name  string
	body  func(*Connection) (T, error)
	hooks Hooks[T]

	mu           sync.Mutex
	state        State
	result       T
	err          error
	conn         *Connection
	queue        *Queue
	logger       *slog.Logger
	pollInterval time.Duration
	executed     bool
	finished     bool
	changed      chan struct{}
	done         chan struct{}
}

// NewJob creates a pending job running body. At most one Hooks value is
// used.
func NewJob[T any](body func(*Connection) (T, error), hooks ...Hooks[T]) *Job[T] {
	j := &Job[T]{
		id:           uuid.New().String(),
		body:         body,
		logger:       slog.Default(),
		pollInterval: defaultGetPollInterval,
		changed:      make(chan struct{}),
		done:         make(chan struct{}),
	}
	if len(hooks) > 0 {
		j.hooks = hooks[0]
	}
	return j
}

// Named sets a name used in logs and history records.
func (j *Job[T]) Named(name string) *Job[T] {
	j.mu.Lock()
	j.name = name
	j.mu.Unlock()
	return j
}

func (j *Job[T]) ID() string { return j.id }

func (j *Job[T]) Name() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.name
}

func (j *Job[T]) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err returns the error the body failed with, if the job is in StateError.
func (j *Job[T]) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// IsDone reports whether the job reached a terminal state. A cancelled job
// is done as soon as it is cancelled, even if its body is still returning.
func (j *Job[T]) IsDone() bool {
	return j.State().IsTerminal()
}

func (j *Job[T]) IsCancelled() bool {
	return j.State() == StateCancelled
}

// Done is closed after the Finished hook has run.
func (j *Job[T]) Done() <-chan struct{} {
	return j.done
}

func (j *Job[T]) String() string {
	name := j.Name()
	if name == "" {
		return "job " + j.id
	}
	return "job " + name + " (" + j.id + ")"
}

// setStateLocked moves the job to s and wakes waiters. Callers hold mu.
func (j *Job[T]) setStateLocked(s State) {
	j.state = s
	close(j.changed)
	j.changed = make(chan struct{})
}

// Cancel cancels the job. A pending job is cancelled at once and its hooks
// run on the calling goroutine. A running job is cancelled only when
// mayInterrupt is set, by interrupting its connection; its hooks run when
// the body returns. Cancel returns false if the job was not cancelled.
func (j *Job[T]) Cancel(mayInterrupt bool) bool {
	j.mu.Lock()
	switch j.state {
	case StatePending:
		j.setStateLocked(StateCancelled)
		j.mu.Unlock()
		j.logger.Debug("Job: cancelled while pending", "job", j.id)
		j.finish()
		return true
	case StateRunning:
		if !mayInterrupt {
			j.mu.Unlock()
			return false
		}
		j.setStateLocked(StateCancelled)
		// Interrupt before unlocking: the worker clears the flag only after
		// execute takes j.mu again, so it cannot reach the next job.
		if j.conn != nil {
			j.conn.Interrupt()
		}
		j.mu.Unlock()
		j.logger.Debug("Job: cancelled while running", "job", j.id)
		return true
	default:
		j.mu.Unlock()
		return false
	}
}

// CancelNow is Cancel(true).
func (j *Job[T]) CancelNow() bool {
	return j.Cancel(true)
}

func (j *Job[T]) attach(q *Queue) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.queue = q
	j.logger = q.logger
	if q.config.GetPollInterval > 0 {
		j.pollInterval = q.config.GetPollInterval
	}
}

// execute runs the job on the queue's goroutine.
func (j *Job[T]) execute(conn *Connection) {
	j.mu.Lock()
	if j.executed {
		j.mu.Unlock()
		j.logger.Warn("Job: executed more than once, ignoring", "job", j.id)
		return
	}
	j.executed = true
	if j.state != StatePending {
		state := j.state
		j.mu.Unlock()
		j.logger.Debug("Job: not pending, dropping", "job", j.id, "state", state)
		j.finish()
		return
	}
	j.conn = conn
	j.setStateLocked(StateRunning)
	j.mu.Unlock()

	if j.hooks.Started != nil {
		j.runHook("started", func() { j.hooks.Started(conn) })
	}

	result, fatal, err := j.runBody(conn)

	j.mu.Lock()
	switch {
	case j.state == StateCancelled:
	case err == nil:
		j.result = result
		j.setStateLocked(StateSucceeded)
	case errors.Is(err, ErrInterrupted):
		j.setStateLocked(StateCancelled)
	default:
		j.err = err
		j.setStateLocked(StateError)
	}
	state := j.state
	j.mu.Unlock()

	if err != nil && state == StateError {
		j.logger.Debug("Job: failed", "job", j.id, "error", err)
	}
	j.finish()
	if fatal != nil {
		panic(fatal)
	}
}

// runBody calls the body, turning a panic into an error. An unrecoverable
// panic value is also returned as fatal so the caller can re-raise it.
func (j *Job[T]) runBody(conn *Connection) (result T, fatal any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
			if IsUnrecoverable(r) {
				fatal = r
			}
		}
	}()
	if j.body == nil {
		return result, nil, nil
	}
	result, err = j.body(conn)
	return result, nil, err
}

// finish runs the terminal hooks exactly once and releases waiters.
func (j *Job[T]) finish() {
	j.mu.Lock()
	if j.finished {
		j.mu.Unlock()
		return
	}
	j.finished = true
	state, result, err := j.state, j.result, j.err
	j.conn = nil
	j.queue = nil
	j.mu.Unlock()
	defer close(j.done)

	switch state {
	case StateError:
		if j.hooks.Error != nil {
			j.runHook("error", func() { j.hooks.Error(err) })
		}
	case StateCancelled:
		if j.hooks.Cancelled != nil {
			j.runHook("cancelled", j.hooks.Cancelled)
		}
	}
	if j.hooks.Finished != nil {
		j.runHook("finished", func() { j.hooks.Finished(result) })
	}
}

// runHook logs and swallows a panicking hook unless it is unrecoverable.
func (j *Job[T]) runHook(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if IsUnrecoverable(r) {
				panic(r)
			}
			j.logger.Warn("Job: hook failed", "job", j.id, "hook", name, "panic", r)
		}
	}()
	fn()
}

// Get waits for the job to reach a terminal state. It returns the result of a
// succeeded job, an *ExecutionError for a failed one and ErrCancelled for a
// cancelled one. It fails with ErrWouldDeadlock on the queue's own goroutine.
func (j *Job[T]) Get(ctx context.Context) (T, error) {
	var zero T
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return zero, err
	}

	j.mu.Lock()
	q := j.queue
	poll := j.pollInterval
	j.mu.Unlock()
	if q != nil && q.IsDatabaseThread() {
		return zero, ErrWouldDeadlock
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		j.mu.Lock()
		state, result, jobErr, changed := j.state, j.result, j.err, j.changed
		j.mu.Unlock()

		switch state {
		case StateSucceeded:
			return result, nil
		case StateError:
			return zero, &ExecutionError{Err: jobErr}
		case StateCancelled:
			return zero, ErrCancelled
		}

		select {
		case <-changed:
		case <-ticker.C:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// GetTimeout is Get bounded by d. It returns ErrTimeout when d elapses first.
func (j *Job[T]) GetTimeout(d time.Duration) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	v, err := j.Get(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return v, ErrTimeout
	}
	return v, err
}

// Complete waits for the job and returns its result, or the zero value if
// the job did not succeed.
func (j *Job[T]) Complete() T {
	v, err := j.Get(context.Background())
	if err != nil {
		j.logger.Debug("Job: completed without result", "job", j.id, "error", err)
	}
	return v
}
