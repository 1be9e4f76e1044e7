package dbqueue_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/VsevolodSauta/dbqueue"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// hookRecorder records hook calls from the worker goroutine.
type hookRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *hookRecorder) add(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *hookRecorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func recordingHooks[T any](r *hookRecorder) dbqueue.Hooks[T] {
	return dbqueue.Hooks[T]{
		Started:   func(*dbqueue.Connection) { r.add("started") },
		Finished:  func(T) { r.add("finished") },
		Error:     func(error) { r.add("error") },
		Cancelled: func() { r.add("cancelled") },
	}
}

var _ = Describe("Job", func() {
	Describe("State", func() {
		It("should name every state", func() {
			Expect(dbqueue.StatePending.String()).To(Equal("PENDING"))
			Expect(dbqueue.StateRunning.String()).To(Equal("RUNNING"))
			Expect(dbqueue.StateSucceeded.String()).To(Equal("SUCCEEDED"))
			Expect(dbqueue.StateError.String()).To(Equal("ERROR"))
			Expect(dbqueue.StateCancelled.String()).To(Equal("CANCELLED"))
		})

		It("should treat only finished states as terminal", func() {
			Expect(dbqueue.StatePending.IsTerminal()).To(BeFalse())
			Expect(dbqueue.StateRunning.IsTerminal()).To(BeFalse())
			Expect(dbqueue.StateSucceeded.IsTerminal()).To(BeTrue())
			Expect(dbqueue.StateError.IsTerminal()).To(BeTrue())
			Expect(dbqueue.StateCancelled.IsTerminal()).To(BeTrue())
		})
	})

	Describe("identity", func() {
		It("should get a UUID and an optional name", func() {
			job := dbqueue.NewJob(func(*dbqueue.Connection) (int, error) { return 0, nil })
			_, err := uuid.Parse(job.ID())
			Expect(err).NotTo(HaveOccurred())
			Expect(job.String()).To(Equal("job " + job.ID()))

			job.Named("nightly")
			Expect(job.Name()).To(Equal("nightly"))
			Expect(job.String()).To(ContainSubstring("nightly"))
			Expect(job.State()).To(Equal(dbqueue.StatePending))
			Expect(job.IsDone()).To(BeFalse())
		})
	})

	Describe("hooks", func() {
		var (
			queue *dbqueue.Queue
			ctx   context.Context
		)

		BeforeEach(func() {
			ctx = context.Background()
			queue = newTestQueue(newFakeEngine(), "")
			Expect(queue.Start()).To(Succeed())
		})

		AfterEach(func() {
			queue.Stop(false)
			Expect(queue.Join(ctx)).To(Succeed())
		})

		It("should run Started then Finished on success", func() {
			r := &hookRecorder{}
			job := dbqueue.Submit(queue, dbqueue.NewJob(func(*dbqueue.Connection) (int, error) {
				return 5, nil
			}, recordingHooks[int](r)))

			Expect(job.Get(ctx)).To(Equal(5))
			Eventually(job.Done()).Should(BeClosed())
			Expect(r.get()).To(Equal([]string{"started", "finished"}))
		})

		It("should run Error before Finished on failure", func() {
			r := &hookRecorder{}
			job := dbqueue.Submit(queue, dbqueue.NewJob(func(*dbqueue.Connection) (int, error) {
				return 0, errors.New("nope")
			}, recordingHooks[int](r)))

			Eventually(job.Done()).Should(BeClosed())
			Expect(r.get()).To(Equal([]string{"started", "error", "finished"}))
		})

		It("should pass the zero value to Finished unless the job succeeded", func() {
			results := make(chan string, 1)
			job := dbqueue.Submit(queue, dbqueue.NewJob(func(*dbqueue.Connection) (string, error) {
				return "partial", errors.New("nope")
			}, dbqueue.Hooks[string]{Finished: func(s string) { results <- s }}))

			Eventually(job.Done()).Should(BeClosed())
			Expect(results).To(Receive(Equal("")))
		})

		It("should survive a panicking hook", func() {
			job := dbqueue.Submit(queue, dbqueue.NewJob(func(*dbqueue.Connection) (int, error) {
				return 1, nil
			}, dbqueue.Hooks[int]{Started: func(*dbqueue.Connection) { panic("hook") }}))

			Expect(job.Get(ctx)).To(Equal(1))

			next := dbqueue.Submit(queue, dbqueue.NewJob(func(*dbqueue.Connection) (int, error) {
				return 2, nil
			}))
			Expect(next.Get(ctx)).To(Equal(2))
		})

		It("should hand the worker connection to Started", func() {
			conns := make(chan *dbqueue.Connection, 2)
			job := dbqueue.Submit(queue, dbqueue.NewJob(func(conn *dbqueue.Connection) (bool, error) {
				conns <- conn
				return true, nil
			}, dbqueue.Hooks[bool]{Started: func(conn *dbqueue.Connection) { conns <- conn }}))

			Expect(job.Get(ctx)).To(BeTrue())
			first, second := <-conns, <-conns
			Expect(first).To(BeIdenticalTo(second))
		})
	})

	Describe("waiting", func() {
		It("should return the zero value from Complete for a cancelled job", func() {
			job := dbqueue.NewJob(func(*dbqueue.Connection) (int, error) { return 9, nil })
			Expect(job.CancelNow()).To(BeTrue())
			Expect(job.Complete()).To(Equal(0))
			Expect(job.IsDone()).To(BeTrue())
		})

		It("should wake waiters as soon as the job finishes", func() {
			queue := newTestQueue(newFakeEngine(), "")
			release := make(chan struct{})
			job := dbqueue.Submit(queue, dbqueue.NewJob(func(*dbqueue.Connection) (int, error) {
				<-release
				return 3, nil
			}))
			Expect(queue.Start()).To(Succeed())
			defer func() {
				queue.Stop(false)
				Expect(queue.Join(context.Background())).To(Succeed())
			}()

			got := make(chan int, 1)
			go func() {
				defer GinkgoRecover()
				v, err := job.Get(context.Background())
				Expect(err).NotTo(HaveOccurred())
				got <- v
			}()
			Consistently(got, 50*time.Millisecond).ShouldNot(Receive())
			close(release)
			Eventually(got).Should(Receive(Equal(3)))
		})
	})
})
