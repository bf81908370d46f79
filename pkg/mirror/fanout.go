package mirror

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alimk/ecowatch-sync/pkg/metrics"
)

// Batch is one applied sensor snapshot on its way to the sinks.
type Batch struct {
	Tick  uint64
	At    time.Time
	Views []SensorView
}

// Sink consumes canonical sensor snapshots. Write is called from a single
// goroutine per sink; implementations need not be concurrency-safe.
type Sink interface {
	Name() string
	Write(ctx context.Context, b Batch) error
	Close() error
}

// Fanout delivers every published batch to each sink through a bounded
// per-sink queue. A full queue drops the batch for that sink only, so a
// slow or dead sink never delays the poller or its peers.
type Fanout struct {
	logger  *slog.Logger
	workers []*sinkWorker
	wg      sync.WaitGroup
	closed  atomic.Bool
	mu      sync.RWMutex

	cancel context.CancelFunc
	// abortGrace bounds the wait for workers to leave Write once a timed out
	// drain has cancelled them.
	abortGrace time.Duration
}

type sinkWorker struct {
	sink  Sink
	queue chan Batch
	// done is closed when the worker goroutine has returned; nil before Start.
	done chan struct{}

	// dropLogAt holds the Unix nanosecond timestamp of the last drop log line.
	dropLogAt atomic.Int64
}

// NewFanout builds a fanout with queueSize slots per sink.
func NewFanout(queueSize int, logger *slog.Logger, sinks ...Sink) *Fanout {
	if queueSize <= 0 {
		queueSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fanout{logger: logger, abortGrace: 2 * time.Second}
	for _, s := range sinks {
		f.workers = append(f.workers, &sinkWorker{sink: s, queue: make(chan Batch, queueSize)})
	}
	return f
}

// Len returns the number of sinks.
func (f *Fanout) Len() int { return len(f.workers) }

// Start launches one worker per sink. Workers drain their queue until
// Close; every Write gets a context derived from ctx that Close cancels when
// the drain times out.
func (f *Fanout) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	for _, w := range f.workers {
		w.done = make(chan struct{})
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			defer close(w.done)
			name := w.sink.Name()
			for b := range w.queue {
				metrics.SinkQueueDepth.WithLabelValues(name).Dec()
				if ctx.Err() != nil {
					metrics.SinkDropped.WithLabelValues(name).Inc()
					continue
				}
				if err := w.sink.Write(ctx, b); err != nil {
					metrics.SinkWrites.WithLabelValues(name, "error").Inc()
					f.logger.Error("sink write failed",
						"sink", name,
						"tick", b.Tick,
						"readings", len(b.Views),
						"error", err,
					)
					continue
				}
				metrics.SinkWrites.WithLabelValues(name, "ok").Inc()
			}
		}()
	}
}

// Publish enqueues b for every sink without blocking. It is a no-op after
// Close.
func (f *Fanout) Publish(b Batch) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed.Load() {
		return
	}
	for _, w := range f.workers {
		name := w.sink.Name()
		select {
		case w.queue <- b:
			metrics.SinkQueueDepth.WithLabelValues(name).Inc()
		default:
			metrics.SinkDropped.WithLabelValues(name).Inc()
			f.logDropRateLimited(w)
		}
	}
}

// logDropRateLimited emits at most one warning per second per sink.
func (f *Fanout) logDropRateLimited(w *sinkWorker) {
	now := time.Now().UnixNano()
	last := w.dropLogAt.Load()
	if now-last >= int64(time.Second) && w.dropLogAt.CompareAndSwap(last, now) {
		f.logger.Warn("sink queue full, snapshot dropped; consider increasing SINK_QUEUE_SIZE",
			"sink", w.sink.Name())
	}
}

// Close stops accepting batches, waits up to timeout for the queues to
// drain and then closes every sink. When the drain times out the in-flight
// writes are cancelled and a sink is closed only once its worker has left
// Write; a sink that ignores cancellation is left open. Close reports
// whether the drain finished in time.
func (f *Fanout) Close(timeout time.Duration) bool {
	f.mu.Lock()
	if f.closed.Swap(true) {
		f.mu.Unlock()
		return true
	}
	for _, w := range f.workers {
		close(w.queue)
	}
	f.mu.Unlock()

	drained := waitTimeout(&f.wg, timeout)
	if !drained {
		f.logger.Warn("sink drain timed out, cancelling writes", "timeout", timeout.String())
		if f.cancel != nil {
			f.cancel()
		}
		waitTimeout(&f.wg, f.abortGrace)
	}
	if f.cancel != nil {
		f.cancel()
	}

	for _, w := range f.workers {
		if w.done != nil {
			select {
			case <-w.done:
			default:
				f.logger.Error("sink still writing after cancel, leaving it open", "sink", w.sink.Name())
				continue
			}
		}
		if err := w.sink.Close(); err != nil {
			f.logger.Warn("sink close failed", "sink", w.sink.Name(), "error", err)
		}
	}
	return drained
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
