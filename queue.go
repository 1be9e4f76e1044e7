package dbqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Selector picks the next job to run from the pending list and returns its
// index. The list is in submission order and never empty. It is called with
// the queue lock held, so it must not call back into the Queue or its jobs.
type Selector func(pending []Task) int

// FIFO runs jobs in submission order.
func FIFO(pending []Task) int { return 0 }

// Launcher starts run on a new goroutine. An error is returned from
// Queue.Start.
type Launcher func(run func()) error

func goLauncher(run func()) error {
	go run()
	return nil
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithConfig replaces the configuration loaded from the environment.
func WithConfig(cfg *Config) QueueOption {
	return func(q *Queue) {
		if cfg != nil {
			q.config = cfg
		}
	}
}

// WithHistory records every job transition in h.
func WithHistory(h History) QueueOption {
	return func(q *Queue) {
		q.history = h
	}
}

// WithSelector replaces the FIFO job order.
func WithSelector(s Selector) QueueOption {
	return func(q *Queue) {
		if s != nil {
			q.selector = s
		}
	}
}

// WithLauncher replaces the function used to start worker goroutines.
func WithLauncher(l Launcher) QueueOption {
	return func(q *Queue) {
		if l != nil {
			q.launcher = l
		}
	}
}

// WithConnectionInit runs fn on the worker right after each connection is
// opened. An error kills the worker.
func WithConnectionInit(fn func(*Connection) error) QueueOption {
	return func(q *Queue) {
		q.initConn = fn
	}
}

// WithConnectionOptions passes opts to every connection the queue opens.
func WithConnectionOptions(opts ...ConnectionOption) QueueOption {
	return func(q *Queue) {
		q.connOpts = append(q.connOpts, opts...)
	}
}

// Queue runs jobs one at a time on a single worker goroutine that owns the
// Connection. Jobs may be submitted from any goroutine. If the worker dies
// abnormally on a file-backed database it is restarted after
// Config.ReincarnationTimeout and pending jobs survive.
type Queue struct {
	engine   Engine
	path     string
	logger   *slog.Logger
	config   *Config
	history  History
	selector Selector
	launcher Launcher
	initConn func(*Connection) error
	connOpts []ConnectionOption

	workerID atomic.Int64

	mu            sync.Mutex
	changed       chan struct{}
	pending       []Task
	current       Task
	running       bool
	reincarnating bool
	stopRequested bool
	stopRequired  bool
}

// NewQueue creates a stopped queue for the database at path. Call Start to
// begin executing jobs.
func NewQueue(engine Engine, path string, logger *slog.Logger, opts ...QueueOption) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		engine:   engine,
		path:     path,
		logger:   logger,
		selector: FIFO,
		launcher: goLauncher,
		changed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.config == nil {
		q.config = LoadConfig()
	}
	return q
}

// signalLocked wakes everyone waiting on a queue change. Callers hold mu.
func (q *Queue) signalLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Start launches the worker. It is a no-op if the worker is already running,
// and refuses to start a queue that was stopped.
func (q *Queue) Start() error {
	return q.start(false)
}

func (q *Queue) start(reincarnation bool) error {
	q.mu.Lock()
	if q.stopRequested {
		q.reincarnating = false
		q.signalLocked()
		q.mu.Unlock()
		q.logger.Warn("Start: queue is stopped, not starting", "queue", q.String())
		return nil
	}
	if q.running {
		q.mu.Unlock()
		q.logger.Warn("Start: queue already started", "queue", q.String())
		return nil
	}
	q.running = true
	if reincarnation {
		q.reincarnating = false
	}
	q.signalLocked()
	q.mu.Unlock()

	q.logger.Debug("Start: launching worker", "queue", q.String(), "reincarnation", reincarnation)
	if err := q.launcher(q.run); err != nil {
		q.mu.Lock()
		q.running = false
		q.signalLocked()
		q.mu.Unlock()
		q.logger.Error("Start: failed to launch worker", "queue", q.String(), "error", err)
		return fmt.Errorf("failed to start worker: %w", err)
	}
	return nil
}

// Stop asks the worker to exit. A graceful stop lets pending jobs run first;
// a forced stop cancels the current job through interruption and drops the
// rest. Stop(false) after Stop(true) upgrades the shutdown to forced. Stop
// does not wait; use Join.
func (q *Queue) Stop(graceful bool) {
	q.mu.Lock()
	if q.stopRequested && (graceful || q.stopRequired) {
		q.mu.Unlock()
		return
	}
	q.stopRequested = true
	var current Task
	if !graceful {
		q.stopRequired = true
		current = q.current
	}
	var dropped []Task
	if !q.running && !q.reincarnating {
		dropped = q.pending
		q.pending = nil
	}
	q.signalLocked()
	q.mu.Unlock()

	q.logger.Debug("Stop: stop requested", "queue", q.String(), "graceful", graceful)
	if current != nil {
		q.logger.Debug("Stop: cancelling current job", "job", current.ID())
		current.Cancel(true)
	}
	q.cancelAll(dropped)
}

// Join waits until the worker has exited and no restart is scheduled.
func (q *Queue) Join(ctx context.Context) error {
	return q.waitFor(ctx, func() bool { return !q.running && !q.reincarnating })
}

// Flush waits until every pending job has been executed.
func (q *Queue) Flush(ctx context.Context) error {
	return q.waitFor(ctx, func() bool { return len(q.pending) == 0 && q.current == nil })
}

// waitFor blocks until cond, evaluated under mu, holds.
func (q *Queue) waitFor(ctx context.Context, cond func() bool) error {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return err
	}
	if q.IsDatabaseThread() {
		return ErrWouldDeadlock
	}
	for {
		q.mu.Lock()
		ok := cond()
		changed := q.changed
		q.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Execute submits task and returns it. On a stopped queue the task is
// cancelled instead; its hooks still run.
func (q *Queue) Execute(task Task) Task {
	if task == nil {
		return nil
	}
	task.attach(q)
	q.record(task, "", nil)

	q.mu.Lock()
	if q.stopRequested {
		q.mu.Unlock()
		q.logger.Debug("Execute: queue stopped, cancelling", "job", task.ID())
		task.Cancel(true)
		q.record(task, "", nil)
		return task
	}
	q.pending = append(q.pending, task)
	q.signalLocked()
	q.mu.Unlock()

	q.logger.Debug("Execute: queued", "queue", q.String(), "job", task.ID(), "name", task.Name())
	return task
}

// Submit queues job on q and returns it with its concrete type.
func Submit[T any](q *Queue, job *Job[T]) *Job[T] {
	q.Execute(job)
	return job
}

// IsStopped reports whether Stop was called or the queue shut down after a
// fatal worker failure.
func (q *Queue) IsStopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopRequested
}

// IsDatabaseThread reports whether the caller is the queue's worker goroutine.
func (q *Queue) IsDatabaseThread() bool {
	id := q.workerID.Load()
	return id != 0 && id == currentGoroutine()
}

// PendingCount returns the number of queued jobs, not counting the current one.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) Path() string {
	return q.path
}

func (q *Queue) String() string {
	path := q.path
	if isMemoryPath(path) {
		path = ":memory:"
	}
	return "dbqueue.Queue[" + path + "]"
}

// run is the worker goroutine.
func (q *Queue) run() {
	q.workerID.Store(currentGoroutine())
	abnormal := true
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Worker: died", "queue", q.String(), "panic", r)
		}
		q.workerID.Store(0)
		q.workerStopped(abnormal)
	}()

	if err := q.loop(); err != nil {
		q.logger.Error("Worker: failed", "queue", q.String(), "error", err)
		return
	}
	abnormal = false
}

func (q *Queue) loop() error {
	opts := append([]ConnectionOption{WithBufferPoolCeiling(q.config.BufferPoolCeiling)}, q.connOpts...)
	conn := NewConnection(q.engine, q.path, q.logger, opts...)
	if err := conn.Open(); err != nil {
		conn.Dispose()
		return fmt.Errorf("failed to open connection: %w", err)
	}
	defer conn.Dispose()

	if q.initConn != nil {
		if err := q.initConn(conn); err != nil {
			return fmt.Errorf("failed to initialize connection: %w", err)
		}
	}
	q.logger.Debug("Worker: started", "queue", q.String())

	for {
		task := q.next()
		if task == nil {
			q.logger.Debug("Worker: stopping", "queue", q.String())
			return nil
		}
		q.executeTask(conn, task)
	}
}

// next blocks until a job is available or the worker should exit, in which
// case it returns nil.
func (q *Queue) next() Task {
	for {
		q.mu.Lock()
		if q.stopRequired || (q.stopRequested && len(q.pending) == 0) {
			q.mu.Unlock()
			return nil
		}
		if len(q.pending) > 0 {
			i := q.selector(q.pending)
			if i < 0 || i >= len(q.pending) {
				i = 0
			}
			task := q.pending[i]
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.current = task
			q.signalLocked()
			q.mu.Unlock()
			return task
		}
		changed := q.changed
		q.mu.Unlock()
		<-changed
	}
}

func (q *Queue) executeTask(conn *Connection, task Task) {
	started := time.Now()
	defer func() {
		q.record(task, "", nil)
		q.mu.Lock()
		q.current = nil
		q.signalLocked()
		q.mu.Unlock()
	}()

	if err := conn.ClearInterrupt(); err != nil {
		q.logger.Warn("Worker: failed to clear interrupt", "error", err)
	}
	if task.State() == StatePending {
		q.record(task, JobStatusRunning, &started)
	}

	task.execute(conn)

	switch task.State() {
	case StateError, StateCancelled:
		if err := conn.ClearInterrupt(); err == nil {
			if err := conn.Exec("ROLLBACK"); err != nil {
				q.logger.Debug("Worker: rollback", "job", task.ID(), "error", err)
			}
		}
	}
}

// workerStopped decides what happens after the worker exits: a restart,
// or a permanent stop that cancels whatever is still pending.
func (q *Queue) workerStopped(abnormal bool) {
	q.mu.Lock()
	q.running = false
	q.current = nil
	reincarnate := !q.stopRequested
	if reincarnate && !q.canReincarnate() {
		q.logger.Warn("Worker: cannot reincarnate, stopping queue", "queue", q.String(), "timeout", q.config.ReincarnationTimeout)
		q.stopRequested = true
		reincarnate = false
	}
	var dropped []Task
	if reincarnate {
		q.reincarnating = true
	} else {
		dropped = q.pending
		q.pending = nil
	}
	q.signalLocked()
	q.mu.Unlock()

	q.logger.Debug("Worker: stopped", "queue", q.String(), "abnormal", abnormal, "reincarnate", reincarnate, "dropped", len(dropped))
	q.cancelAll(dropped)
	if reincarnate {
		go q.reincarnate(q.config.ReincarnationTimeout)
	}
}

func (q *Queue) canReincarnate() bool {
	return !isMemoryPath(q.path) && q.config.ReincarnationTimeout >= 0
}

// reincarnate restarts the worker after timeout unless Stop is called first.
func (q *Queue) reincarnate(timeout time.Duration) {
	q.logger.Warn("Worker: reincarnating", "queue", q.String(), "timeout", timeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		q.mu.Lock()
		if q.stopRequested {
			q.reincarnating = false
			dropped := q.pending
			q.pending = nil
			q.signalLocked()
			q.mu.Unlock()
			q.logger.Debug("Worker: reincarnation aborted", "queue", q.String())
			q.cancelAll(dropped)
			return
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-timer.C:
			if err := q.start(true); err != nil {
				q.mu.Lock()
				q.stopRequested = true
				q.reincarnating = false
				dropped := q.pending
				q.pending = nil
				q.signalLocked()
				q.mu.Unlock()
				q.cancelAll(dropped)
			}
			return
		case <-changed:
		}
	}
}

func (q *Queue) cancelAll(tasks []Task) {
	for _, task := range tasks {
		task.Cancel(true)
		q.record(task, "", nil)
	}
}

// record writes status, or the task's current state when status is empty,
// to the history, if any.
func (q *Queue) record(task Task, status JobStatus, started *time.Time) {
	if q.history == nil {
		return
	}
	now := time.Now()
	rec := &JobRecord{
		ID:     task.ID(),
		Name:   task.Name(),
		Queue:  q.path,
		Status: status,
	}
	if status == "" {
		rec.Status = statusOf(task.State())
	}
	if rec.Status == JobStatusPending {
		rec.CreatedAt = now
	}
	if started != nil {
		t := *started
		rec.StartedAt = &t
	}
	if rec.Status.IsTerminal() {
		rec.FinalizedAt = &now
	}
	if err := task.Err(); err != nil {
		rec.ErrorMessage = err.Error()
	}
	if err := q.history.RecordJob(context.Background(), rec); err != nil {
		q.logger.Warn("History: failed to record job", "job", rec.ID, "status", rec.Status, "error", err)
	}
}
