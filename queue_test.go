package dbqueue_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/VsevolodSauta/dbqueue"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func testConfig() *dbqueue.Config {
	cfg := dbqueue.DefaultConfig()
	cfg.GetPollInterval = 10 * time.Millisecond
	cfg.ReincarnationTimeout = 50 * time.Millisecond
	return cfg
}

func newTestQueue(engine dbqueue.Engine, path string, opts ...dbqueue.QueueOption) *dbqueue.Queue {
	opts = append([]dbqueue.QueueOption{dbqueue.WithConfig(testConfig())}, opts...)
	return dbqueue.NewQueue(engine, path, testLogger(), opts...)
}

// orderLog collects names in the order jobs ran.
type orderLog struct {
	mu    sync.Mutex
	names []string
}

func (l *orderLog) add(name string) {
	l.mu.Lock()
	l.names = append(l.names, name)
	l.mu.Unlock()
}

func (l *orderLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

func (l *orderLog) job(name string) *dbqueue.Job[string] {
	return dbqueue.NewJob(func(conn *dbqueue.Connection) (string, error) {
		l.add(name)
		return name, nil
	}).Named(name)
}

// blockingJob steps a statement that only returns once the connection is
// interrupted.
func blockingJob() *dbqueue.Job[struct{}] {
	return dbqueue.NewJob(func(conn *dbqueue.Connection) (struct{}, error) {
		st, err := conn.Prepare("BLOCK", false)
		if err != nil {
			return struct{}{}, err
		}
		defer st.Dispose()
		_, err = st.Step()
		return struct{}{}, err
	}).Named("blocking")
}

var _ = Describe("Queue", func() {
	var (
		engine *fakeEngine
		queue  *dbqueue.Queue
		ctx    context.Context
	)

	BeforeEach(func() {
		engine = newFakeEngine()
		ctx = context.Background()
	})

	AfterEach(func() {
		if queue != nil {
			queue.Stop(false)
			joinCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			Expect(queue.Join(joinCtx)).To(Succeed())
			queue = nil
		}
	})

	Describe("ordering", func() {
		It("should run jobs submitted before Start in submission order", func() {
			queue = newTestQueue(engine, "")
			log := &orderLog{}
			a := dbqueue.Submit(queue, log.job("A"))
			b := dbqueue.Submit(queue, log.job("B"))
			c := dbqueue.Submit(queue, log.job("C"))
			Expect(queue.PendingCount()).To(Equal(3))

			Expect(queue.Start()).To(Succeed())
			Expect(c.Get(ctx)).To(Equal("C"))
			Expect(a.State()).To(Equal(dbqueue.StateSucceeded))
			Expect(b.State()).To(Equal(dbqueue.StateSucceeded))
			Expect(log.get()).To(Equal([]string{"A", "B", "C"}))
		})

		It("should run Finished hooks in submission order", func() {
			queue = newTestQueue(engine, "")
			log := &orderLog{}
			var last *dbqueue.Job[int]
			for _, name := range []string{"A", "B", "C"} {
				name := name
				last = dbqueue.Submit(queue, dbqueue.NewJob(func(conn *dbqueue.Connection) (int, error) {
					return 0, nil
				}, dbqueue.Hooks[int]{Finished: func(int) { log.add(name) }}))
			}
			Expect(queue.Start()).To(Succeed())
			Eventually(last.Done()).Should(BeClosed())
			Expect(log.get()).To(Equal([]string{"A", "B", "C"}))
		})

		It("should let a selector choose the next job", func() {
			lastFirst := func(pending []dbqueue.Task) int { return len(pending) - 1 }
			queue = newTestQueue(engine, "", dbqueue.WithSelector(lastFirst))
			log := &orderLog{}
			a := dbqueue.Submit(queue, log.job("A"))
			dbqueue.Submit(queue, log.job("B"))
			dbqueue.Submit(queue, log.job("C"))

			Expect(queue.Start()).To(Succeed())
			Expect(a.Get(ctx)).To(Equal("A"))
			Expect(log.get()).To(Equal([]string{"C", "B", "A"}))
		})

		It("should execute all jobs on one goroutine with one connection", func() {
			queue = newTestQueue(engine, "")
			Expect(queue.Start()).To(Succeed())

			var conns []*dbqueue.Connection
			var jobs []*dbqueue.Job[bool]
			for i := 0; i < 5; i++ {
				jobs = append(jobs, dbqueue.Submit(queue, dbqueue.NewJob(func(conn *dbqueue.Connection) (bool, error) {
					conns = append(conns, conn)
					return queue.IsDatabaseThread(), nil
				})))
			}
			for _, job := range jobs {
				Expect(job.Get(ctx)).To(BeTrue())
			}
			Expect(queue.IsDatabaseThread()).To(BeFalse())
			for _, conn := range conns {
				Expect(conn).To(BeIdenticalTo(conns[0]))
			}
			Expect(engine.Opens()).To(Equal(1))
		})
	})

	Describe("job outcomes", func() {
		BeforeEach(func() {
			queue = newTestQueue(engine, "")
			Expect(queue.Start()).To(Succeed())
		})

		It("should wrap body errors in an ExecutionError", func() {
			boom := errors.New("boom")
			job := dbqueue.Submit(queue, dbqueue.NewJob(func(conn *dbqueue.Connection) (int, error) {
				return 0, boom
			}))

			_, err := job.Get(ctx)
			var execErr *dbqueue.ExecutionError
			Expect(errors.As(err, &execErr)).To(BeTrue())
			Expect(errors.Is(err, boom)).To(BeTrue())
			Expect(job.State()).To(Equal(dbqueue.StateError))
			Expect(job.Err()).To(MatchError(boom))
		})

		It("should roll back after a failed job and keep going", func() {
			failing := dbqueue.Submit(queue, dbqueue.NewJob(func(conn *dbqueue.Connection) (int, error) {
				if err := conn.Exec("BEGIN"); err != nil {
					return 0, err
				}
				return 0, conn.Exec("INSERT FAIL")
			}))
			next := dbqueue.Submit(queue, dbqueue.NewJob(func(conn *dbqueue.Connection) (int, error) {
				return 1, nil
			}))

			_, err := failing.Get(ctx)
			Expect(err).To(HaveOccurred())
			Expect(next.Get(ctx)).To(Equal(1))
			Expect(engine.Execs()).To(Equal([]string{"BEGIN", "INSERT FAIL", "ROLLBACK"}))
		})

		It("should turn a panicking body into an error", func() {
			job := dbqueue.Submit(queue, dbqueue.NewJob(func(conn *dbqueue.Connection) (int, error) {
				panic("oops")
			}))

			_, err := job.Get(ctx)
			var panicErr *dbqueue.PanicError
			Expect(errors.As(err, &panicErr)).To(BeTrue())
			Expect(panicErr.Value).To(Equal("oops"))
			Expect(queue.IsStopped()).To(BeFalse())
		})
	})

	Describe("cancellation", func() {
		It("should cancel a pending job without running it", func() {
			queue = newTestQueue(engine, "")
			ran := false
			var hooks []string
			job := dbqueue.Submit(queue, dbqueue.NewJob(func(conn *dbqueue.Connection) (int, error) {
				ran = true
				return 1, nil
			}, dbqueue.Hooks[int]{
				Cancelled: func() { hooks = append(hooks, "cancelled") },
				Finished:  func(int) { hooks = append(hooks, "finished") },
			}))

			Expect(job.Cancel(false)).To(BeTrue())
			Expect(job.IsCancelled()).To(BeTrue())
			Expect(job.Done()).To(BeClosed())
			Expect(hooks).To(Equal([]string{"cancelled", "finished"}))

			follow := dbqueue.Submit(queue, dbqueue.NewJob(func(conn *dbqueue.Connection) (int, error) {
				return 2, nil
			}))
			Expect(queue.Start()).To(Succeed())
			Expect(follow.Get(ctx)).To(Equal(2))
			Expect(ran).To(BeFalse())

			_, err := job.Get(ctx)
			Expect(err).To(MatchError(dbqueue.ErrCancelled))
			Expect(job.Cancel(true)).To(BeFalse())
		})

		It("should interrupt a running job when allowed", func() {
			queue = newTestQueue(engine, "")
			Expect(queue.Start()).To(Succeed())

			job := dbqueue.Submit(queue, blockingJob())
			Eventually(engine.blocking).Should(Receive())

			Expect(job.Cancel(false)).To(BeFalse())
			Expect(job.State()).To(Equal(dbqueue.StateRunning))

			Expect(job.Cancel(true)).To(BeTrue())
			_, err := job.Get(ctx)
			Expect(err).To(MatchError(dbqueue.ErrCancelled))
			Eventually(job.Done()).Should(BeClosed())

			Expect(queue.Flush(ctx)).To(Succeed())
			Expect(engine.Execs()).To(ContainElement("ROLLBACK"))

			// The connection is usable again for the next job
			next := dbqueue.Submit(queue, dbqueue.NewJob(func(conn *dbqueue.Connection) (int64, error) {
				st, err := conn.Prepare("SELECT 1", false)
				if err != nil {
					return 0, err
				}
				defer st.Dispose()
				if _, err := st.Step(); err != nil {
					return 0, err
				}
				return st.ColumnInt64(0)
			}))
			Expect(next.Get(ctx)).To(Equal(int64(1)))
		})

		It("should not let an interrupt reach the following job", func() {
			queue = newTestQueue(engine, "")
			Expect(queue.Start()).To(Succeed())

			for i := 0; i < 50; i++ {
				started := make(chan struct{})
				job := dbqueue.Submit(queue, dbqueue.NewJob(func(conn *dbqueue.Connection) (int, error) {
					close(started)
					return i, nil
				}))
				next := dbqueue.Submit(queue, dbqueue.NewJob(func(conn *dbqueue.Connection) (int, error) {
					return 1, conn.Exec("SELECT 1")
				}))

				<-started
				job.Cancel(true)
				Expect(next.Get(ctx)).To(Equal(1))
			}
		})

		It("should treat an interrupted body as cancelled", func() {
			queue = newTestQueue(engine, "")
			Expect(queue.Start()).To(Succeed())

			job := dbqueue.Submit(queue, dbqueue.NewJob(func(conn *dbqueue.Connection) (int, error) {
				conn.Interrupt()
				return 0, conn.Exec("SELECT 1")
			}))
			_, err := job.Get(ctx)
			Expect(err).To(MatchError(dbqueue.ErrCancelled))
			Expect(job.Err()).NotTo(HaveOccurred())
		})
	})

	Describe("Stop", func() {
		It("should drain pending jobs on a graceful stop", func() {
			queue = newTestQueue(engine, "")
			log := &orderLog{}
			jobs := []*dbqueue.Job[string]{
				dbqueue.Submit(queue, log.job("A")),
				dbqueue.Submit(queue, log.job("B")),
			}
			Expect(queue.Start()).To(Succeed())
			queue.Stop(true)
			Expect(queue.Join(ctx)).To(Succeed())

			for _, job := range jobs {
				Expect(job.State()).To(Equal(dbqueue.StateSucceeded))
			}
			Expect(queue.IsStopped()).To(BeTrue())
			Expect(engine.Count("close")).To(Equal(1))
		})

		It("should upgrade a graceful stop to a forced one", func() {
			queue = newTestQueue(engine, "")
			Expect(queue.Start()).To(Succeed())

			running := dbqueue.Submit(queue, blockingJob())
			Eventually(engine.blocking).Should(Receive())
			waiting := dbqueue.Submit(queue, dbqueue.NewJob(func(conn *dbqueue.Connection) (int, error) {
				return 1, nil
			}))

			queue.Stop(true)
			Consistently(running.State, 100*time.Millisecond).Should(Equal(dbqueue.StateRunning))

			queue.Stop(false)
			Expect(queue.Join(ctx)).To(Succeed())
			Expect(running.State()).To(Equal(dbqueue.StateCancelled))
			Expect(waiting.State()).To(Equal(dbqueue.StateCancelled))
		})

		It("should cancel jobs submitted after Stop", func() {
			queue = newTestQueue(engine, "")
			Expect(queue.Start()).To(Succeed())
			queue.Stop(true)

			cancelled := false
			job := dbqueue.Submit(queue, dbqueue.NewJob(func(conn *dbqueue.Connection) (int, error) {
				return 1, nil
			}, dbqueue.Hooks[int]{Cancelled: func() { cancelled = true }}))

			Expect(job.State()).To(Equal(dbqueue.StateCancelled))
			Expect(cancelled).To(BeTrue())
			Expect(queue.Start()).To(Succeed())
			Expect(queue.Join(ctx)).To(Succeed())
		})

		It("should cancel pending jobs when a queue that never started is stopped", func() {
			queue = newTestQueue(engine, "")
			job := dbqueue.Submit(queue, dbqueue.NewJob(func(conn *dbqueue.Connection) (int, error) {
				return 1, nil
			}))
			queue.Stop(true)

			Expect(job.State()).To(Equal(dbqueue.StateCancelled))
			Expect(queue.PendingCount()).To(Equal(0))
			Expect(queue.Join(ctx)).To(Succeed())
			Expect(engine.Opens()).To(Equal(0))
		})

		It("should not start twice", func() {
			queue = newTestQueue(engine, "")
			Expect(queue.Start()).To(Succeed())
			Expect(queue.Start()).To(Succeed())

			job := dbqueue.Submit(queue, dbqueue.NewJob(func(conn *dbqueue.Connection) (int, error) {
				return 1, nil
			}))
			Expect(job.Get(ctx)).To(Equal(1))
			Expect(engine.Opens()).To(Equal(1))
		})

		It("should report launcher failures from Start", func() {
			boom := errors.New("no goroutines left")
			queue = newTestQueue(engine, "", dbqueue.WithLauncher(func(func()) error { return boom }))

			err := queue.Start()
			Expect(err).To(MatchError(ContainSubstring("failed to start worker")))
			Expect(errors.Is(err, boom)).To(BeTrue())
			Expect(queue.Join(ctx)).To(Succeed())
		})
	})

	Describe("waiting", func() {
		It("should flush pending work", func() {
			queue = newTestQueue(engine, "")
			log := &orderLog{}
			for _, name := range []string{"A", "B", "C"} {
				dbqueue.Submit(queue, log.job(name))
			}
			Expect(queue.Start()).To(Succeed())
			Expect(queue.Flush(ctx)).To(Succeed())
			Expect(log.get()).To(HaveLen(3))
			Expect(queue.PendingCount()).To(Equal(0))
		})

		It("should fail Get and Flush from the worker goroutine", func() {
			queue = newTestQueue(engine, "")
			var other *dbqueue.Job[int]
			job := dbqueue.Submit(queue, dbqueue.NewJob(func(conn *dbqueue.Connection) ([]error, error) {
				_, getErr := other.Get(context.Background())
				return []error{getErr, queue.Flush(context.Background())}, nil
			}))
			// Still pending while job runs
			other = dbqueue.Submit(queue, dbqueue.NewJob(func(conn *dbqueue.Connection) (int, error) {
				return 1, nil
			}))

			Expect(queue.Start()).To(Succeed())
			errs, err := job.Get(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(errs[0]).To(MatchError(dbqueue.ErrWouldDeadlock))
			Expect(errs[1]).To(MatchError(dbqueue.ErrWouldDeadlock))
		})

		It("should time out waiting for a job that never runs", func() {
			queue = newTestQueue(engine, "")
			job := dbqueue.Submit(queue, dbqueue.NewJob(func(conn *dbqueue.Connection) (int, error) {
				return 1, nil
			}))

			_, err := job.GetTimeout(30 * time.Millisecond)
			Expect(err).To(MatchError(dbqueue.ErrTimeout))

			cancelled, cancel := context.WithCancel(ctx)
			cancel()
			_, err = job.Get(cancelled)
			Expect(err).To(MatchError(context.Canceled))
		})
	})

	Describe("reincarnation", func() {
		crash := func() *dbqueue.Job[int] {
			return dbqueue.NewJob(func(conn *dbqueue.Connection) (int, error) {
				panic(dbqueue.Unrecoverable(errors.New("disk on fire")))
			}).Named("crash")
		}

		It("should restart the worker of a file-backed queue and keep pending jobs", func() {
			queue = newTestQueue(engine, "/data/app.db")
			crashed := dbqueue.Submit(queue, crash())
			survivor := dbqueue.Submit(queue, dbqueue.NewJob(func(conn *dbqueue.Connection) (int, error) {
				return 7, nil
			}))
			started := time.Now()
			Expect(queue.Start()).To(Succeed())

			Expect(survivor.GetTimeout(5 * time.Second)).To(Equal(7))
			delay := testConfig().ReincarnationTimeout
			Expect(time.Since(started)).To(BeNumerically(">=", delay))
			Expect(time.Since(started)).To(BeNumerically("<", delay+time.Second))
			_, err := crashed.Get(ctx)
			var unrecoverable *dbqueue.UnrecoverableError
			Expect(errors.As(err, &unrecoverable)).To(BeTrue())
			Expect(crashed.State()).To(Equal(dbqueue.StateError))
			Expect(engine.Opens()).To(Equal(2))
			Expect(queue.IsStopped()).To(BeFalse())
		})

		It("should stop an in-memory queue and cancel pending jobs", func() {
			queue = newTestQueue(engine, ":memory:")
			dbqueue.Submit(queue, crash())
			pending := dbqueue.Submit(queue, dbqueue.NewJob(func(conn *dbqueue.Connection) (int, error) {
				return 7, nil
			}))
			Expect(queue.Start()).To(Succeed())

			_, err := pending.GetTimeout(5 * time.Second)
			Expect(err).To(MatchError(dbqueue.ErrCancelled))
			Expect(queue.Join(ctx)).To(Succeed())
			Expect(queue.IsStopped()).To(BeTrue())
			Expect(engine.Opens()).To(Equal(1))
		})

		It("should not restart when Stop is called during the delay", func() {
			cfg := testConfig()
			cfg.ReincarnationTimeout = time.Hour
			queue = newTestQueue(engine, "/data/app.db", dbqueue.WithConfig(cfg))
			dbqueue.Submit(queue, crash())
			pending := dbqueue.Submit(queue, dbqueue.NewJob(func(conn *dbqueue.Connection) (int, error) {
				return 7, nil
			}))
			Expect(queue.Start()).To(Succeed())

			Eventually(func() int { return engine.Count("close") }).Should(Equal(1))
			queue.Stop(true)
			Expect(queue.Join(ctx)).To(Succeed())
			Expect(pending.State()).To(Equal(dbqueue.StateCancelled))
			Expect(engine.Opens()).To(Equal(1))
		})

		It("should stop when the connection cannot be opened", func() {
			engine.failOpen = dbqueue.ResultError
			cfg := testConfig()
			cfg.ReincarnationTimeout = -1
			queue = newTestQueue(engine, "/data/app.db", dbqueue.WithConfig(cfg))
			job := dbqueue.Submit(queue, dbqueue.NewJob(func(conn *dbqueue.Connection) (int, error) {
				return 1, nil
			}))
			Expect(queue.Start()).To(Succeed())

			_, err := job.GetTimeout(5 * time.Second)
			Expect(err).To(MatchError(dbqueue.ErrCancelled))
			Expect(queue.IsStopped()).To(BeTrue())
		})
	})

	Describe("history", func() {
		It("should record every transition", func() {
			history := dbqueue.NewInMemoryHistory()
			queue = newTestQueue(engine, "/data/app.db", dbqueue.WithHistory(history))
			ok := dbqueue.Submit(queue, dbqueue.NewJob(func(conn *dbqueue.Connection) (int, error) {
				return 1, nil
			}).Named("ok"))
			bad := dbqueue.Submit(queue, dbqueue.NewJob(func(conn *dbqueue.Connection) (int, error) {
				return 0, errors.New("bad input")
			}).Named("bad"))
			dropped := dbqueue.Submit(queue, dbqueue.NewJob(func(conn *dbqueue.Connection) (int, error) {
				return 0, nil
			}))
			dropped.Cancel(false)

			rec, err := history.GetJob(ctx, ok.ID())
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Status).To(Equal(dbqueue.JobStatusPending))
			Expect(rec.Queue).To(Equal("/data/app.db"))

			Expect(queue.Start()).To(Succeed())
			Expect(queue.Flush(ctx)).To(Succeed())

			rec, err = history.GetJob(ctx, ok.ID())
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Name).To(Equal("ok"))
			Expect(rec.Status).To(Equal(dbqueue.JobStatusSucceeded))
			Expect(rec.StartedAt).NotTo(BeNil())
			Expect(rec.FinalizedAt).NotTo(BeNil())

			rec, err = history.GetJob(ctx, bad.ID())
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Status).To(Equal(dbqueue.JobStatusError))
			Expect(rec.ErrorMessage).To(ContainSubstring("bad input"))

			stats, err := history.GetJobStats(ctx, "/data/app.db")
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.TotalJobs).To(Equal(int32(3)))
			Expect(stats.SucceededJobs).To(Equal(int32(1)))
			Expect(stats.FailedJobs).To(Equal(int32(1)))
			Expect(stats.CancelledJobs).To(Equal(int32(1)))
		})
	})

	It("should describe itself", func() {
		q := newTestQueue(engine, "")
		Expect(q.String()).To(Equal("dbqueue.Queue[:memory:]"))
		Expect(q.Path()).To(Equal(""))
	})
})
