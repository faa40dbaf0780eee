package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/moneycoach/internal/observe"
	"github.com/MrWong99/moneycoach/pkg/memory"
)

// ErrWriterClosed is returned by [Writer.Enqueue] after [Writer.Close].
var ErrWriterClosed = errors.New("bridge: writer closed")

// ErrQueueFull is returned by [Writer.Enqueue] when the queue has no room.
var ErrQueueFull = errors.New("bridge: write queue full")

// Job is one pending memory write.
type Job struct {
	UserID   string
	Turns    []memory.Message
	Metadata map[string]any
}

// WriterConfig configures a [Writer]. Zero fields take the defaults noted.
type WriterConfig struct {
	// QueueSize bounds the number of pending writes. Default 256.
	QueueSize int

	// Workers is the number of concurrent writers. Default 2.
	Workers int

	// Retries is the number of extra attempts per job. Default 0.
	Retries int

	// Backoff is the base pause between attempts, multiplied by the attempt
	// number. Default 200ms.
	Backoff time.Duration

	// Timeout bounds a single store write. Zero means unbounded.
	Timeout time.Duration

	// Metrics receives write outcomes. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Writer drains memory writes off the turn's critical path. Callers enqueue
// with [Writer.Enqueue], which never blocks; a pool started by [Writer.Run]
// persists them.
//
// All methods are safe for concurrent use.
type Writer struct {
	store memory.Store
	cfg   WriterConfig

	mu     sync.RWMutex
	closed bool
	jobs   chan Job

	started atomic.Bool
	done    chan struct{}
	abort   context.CancelFunc
	abortMu sync.Mutex
}

// NewWriter creates a [Writer] persisting to store.
func NewWriter(store memory.Store, cfg WriterConfig) *Writer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Writer{
		store: store,
		cfg:   cfg,
		jobs:  make(chan Job, cfg.QueueSize),
		done:  make(chan struct{}),
	}
}

// Enqueue schedules j without blocking. A full queue drops the job.
func (w *Writer) Enqueue(j Job) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWriterClosed
	}
	select {
	case w.jobs <- j:
		return nil
	default:
		slog.Warn("memory write dropped, queue full",
			"user_id", j.UserID,
			"queue_size", w.cfg.QueueSize,
		)
		w.cfg.Metrics.RecordMemoryWrite(context.Background(), observe.StatusDropped)
		return ErrQueueFull
	}
}

// Pending reports the number of queued jobs.
func (w *Writer) Pending() int { return len(w.jobs) }

// Run starts the worker pool and blocks until the queue is closed and
// drained by [Writer.Close]. Cancelling ctx abandons queued jobs and aborts
// in-flight writes. Run must be called at most once.
func (w *Writer) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("bridge: writer already running")
	}
	defer close(w.done)

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.abortMu.Lock()
	w.abort = cancel
	w.abortMu.Unlock()

	eg, egCtx := errgroup.WithContext(wctx)
	for i := range w.cfg.Workers {
		eg.Go(func() error {
			for {
				select {
				case <-egCtx.Done():
					return nil
				case j, ok := <-w.jobs:
					if !ok {
						return nil
					}
					w.process(egCtx, i, j)
				}
			}
		})
	}
	return eg.Wait()
}

// Close stops accepting jobs and waits for the queue to drain. When ctx
// expires first the remaining writes are aborted and ctx's error returned.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.jobs)
	}
	w.mu.Unlock()

	if !w.started.Load() {
		return nil
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.abortMu.Lock()
		if w.abort != nil {
			w.abort()
		}
		w.abortMu.Unlock()
		<-w.done
		return fmt.Errorf("bridge: drain memory writes: %w", ctx.Err())
	}
}

func (w *Writer) process(ctx context.Context, worker int, j Job) {
	var err error
	for attempt := 0; attempt <= w.cfg.Retries; attempt++ {
		if attempt > 0 {
			if !pause(ctx, time.Duration(attempt)*w.cfg.Backoff) {
				break
			}
		}
		if err = w.write(ctx, j); err == nil {
			w.cfg.Metrics.RecordMemoryWrite(ctx, observe.StatusOK)
			return
		}
		slog.Debug("memory write attempt failed",
			"worker", worker,
			"attempt", attempt+1,
			"user_id", j.UserID,
			"error", err,
		)
	}
	if err == nil {
		err = ctx.Err()
	}
	slog.Warn("memory write failed",
		"user_id", j.UserID,
		"attempts", w.cfg.Retries+1,
		"error", err,
	)
	w.cfg.Metrics.RecordMemoryWrite(context.WithoutCancel(ctx), observe.StatusError)
}

func (w *Writer) write(ctx context.Context, j Job) error {
	if w.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()
	}
	return w.store.Write(ctx, j.UserID, j.Turns, j.Metadata)
}

func pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
