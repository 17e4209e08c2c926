package workers

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"idle-arena/store"
)

// Job is one unit of write-behind work. OnCommit runs on the writer goroutine
// after Run succeeds.
type Job struct {
	Name     string
	Run      func(ctx context.Context, st store.Store) error
	OnCommit func()
}

// PersistenceWriter applies store writes in the order they were enqueued, on a
// single background goroutine. Failures are logged and dropped; in-memory game
// state is never rolled back because of them.
type PersistenceWriter struct {
	store      store.Store
	queue      chan Job
	jobTimeout time.Duration

	mu       sync.RWMutex
	stopped  bool
	stopping chan struct{}
	done     chan struct{}

	failures atomic.Int64
	dropped  atomic.Int64
}

func NewPersistenceWriter(st store.Store, queueSize int, jobTimeout time.Duration) *PersistenceWriter {
	if queueSize < 1 {
		queueSize = 1
	}
	if jobTimeout <= 0 {
		jobTimeout = 10 * time.Second
	}
	return &PersistenceWriter{
		store:      st,
		queue:      make(chan Job, queueSize),
		jobTimeout: jobTimeout,
		stopping:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (w *PersistenceWriter) Start(ctx context.Context) {
	log.Println("🔁 Starting persistence writer…")
	go w.run(ctx)
}

// Enqueue never blocks: a job that finds the queue full is logged, counted as
// a failure and dropped. It returns false when the job was not accepted.
// Callers may hold their own locks while enqueueing.
func (w *PersistenceWriter) Enqueue(job Job) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		log.Printf("[WRITER] ⚠️ Dropping %s: writer stopped", job.Name)
		return false
	}
	select {
	case w.queue <- job:
		return true
	default:
	}
	w.dropped.Add(1)
	log.Printf("[WRITER] ⚠️ Dropping %s: queue full", job.Name)
	return false
}

// Flush waits until every job enqueued before the call has been applied. It
// waits for queue space rather than dropping its marker.
func (w *PersistenceWriter) Flush(ctx context.Context) error {
	marker := make(chan struct{})
	job := Job{Name: "flush", OnCommit: func() { close(marker) }}

	w.mu.RLock()
	if w.stopped {
		w.mu.RUnlock()
		return nil
	}
	select {
	case w.queue <- job:
		w.mu.RUnlock()
	case <-w.stopping:
		w.mu.RUnlock()
		return nil
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-marker:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed after the writer drained its queue and exited.
func (w *PersistenceWriter) Done() <-chan struct{} {
	return w.done
}

// Failures counts jobs that failed in the store plus jobs dropped on a full
// queue.
func (w *PersistenceWriter) Failures() int64 {
	return w.failures.Load() + w.dropped.Load()
}

func (w *PersistenceWriter) run(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case job := <-w.queue:
			w.apply(job)
		case <-ctx.Done():
			close(w.stopping)
			w.mu.Lock()
			w.stopped = true
			w.mu.Unlock()

			// Drain what was accepted before shutdown.
			for {
				select {
				case job := <-w.queue:
					w.apply(job)
				default:
					log.Println("⏹️ Persistence writer stopped")
					return
				}
			}
		}
	}
}

func (w *PersistenceWriter) apply(job Job) {
	if job.Run != nil {
		ctx, cancel := context.WithTimeout(context.Background(), w.jobTimeout)
		err := job.Run(ctx, w.store)
		cancel()
		if err != nil {
			w.failures.Add(1)
			log.Printf("[WRITER] ❌ %s failed: %v", job.Name, err)
			return
		}
	}
	if job.OnCommit != nil {
		job.OnCommit()
	}
}
