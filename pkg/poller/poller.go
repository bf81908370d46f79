// Package poller drives a fetch function on a fixed interval and publishes
// its results.
//
// Ticks are interval-based, not chained: every tick starts its own fetch
// whether or not the previous one has returned, so results can arrive out
// of order. Each tick is numbered and a result older than the last published
// one is dropped. Stopping a poller guarantees that nothing is published
// after Stop returns, even if a fetch that ignores its context completes
// later.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alimk/ecowatch-sync/pkg/metrics"
)

const (
	DefaultInterval = 3 * time.Second
	DefaultTimeout  = 10 * time.Second
)

// Func fetches one value. It should honour ctx; the poller copes if it
// does not.
type Func[T any] func(ctx context.Context) (T, error)

// Update is one published result.
type Update[T any] struct {
	Tick      uint64
	Value     T
	FetchedAt time.Time
	Duration  time.Duration
}

// ErrorFunc observes a failed tick. It runs with the handle lock held and
// must not call Stop.
type ErrorFunc func(tick uint64, err error)

// Option configures a Poller.
type Option func(*options)

type options struct {
	interval time.Duration
	timeout  time.Duration
	clock    Clock
	logger   *slog.Logger
	onError  ErrorFunc
}

// WithInterval sets the tick period. Non-positive values keep the default.
func WithInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithTimeout bounds every fetch. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithClock replaces the real clock, mostly for tests.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger used for per-tick diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithErrorHandler registers an observer for failed ticks.
func WithErrorHandler(fn ErrorFunc) Option {
	return func(o *options) { o.onError = fn }
}

// Poller is immutable once built and may be started more than once; each
// Start returns an independent Handle.
type Poller[T any] struct {
	name    string
	fetch   Func[T]
	publish func(Update[T])
	opts    options
}

// New builds a poller. name labels logs and metrics. publish runs with the
// handle lock held, serialised with every other publish and with Stop; it
// must return quickly and must not call Stop.
func New[T any](name string, fetch Func[T], publish func(Update[T]), opts ...Option) *Poller[T] {
	o := options{
		interval: DefaultInterval,
		timeout:  DefaultTimeout,
		clock:    RealClock{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Poller[T]{name: name, fetch: fetch, publish: publish, opts: o}
}

// Interval returns the configured tick period.
func (p *Poller[T]) Interval() time.Duration { return p.opts.interval }

// Handle controls one running poll loop.
type Handle struct {
	cancel context.CancelFunc
	ticker Ticker
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	// mu guards alive and published and serialises publishes with Stop.
	mu        sync.Mutex
	alive     bool
	published uint64
}

// Start fetches immediately and then once per interval until ctx is
// cancelled or Stop is called.
func (p *Poller[T]) Start(ctx context.Context) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		cancel: cancel,
		ticker: p.opts.clock.NewTicker(p.opts.interval),
		done:   make(chan struct{}),
		alive:  true,
	}

	p.opts.logger.Info("poller started",
		"feed", p.name,
		"interval", p.opts.interval.String(),
		"timeout", p.opts.timeout.String(),
	)

	tick := uint64(1)
	p.launch(ctx, h, tick)

	go func() {
		defer close(h.done)
		defer h.ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.ticker.C():
				tick++
				p.launch(ctx, h, tick)
			}
		}
	}()

	// A cancelled parent context behaves like Stop.
	go func() {
		<-ctx.Done()
		h.Stop()
	}()

	return h
}

func (p *Poller[T]) launch(ctx context.Context, h *Handle, tick uint64) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		fctx, cancel := context.WithTimeout(ctx, p.opts.timeout)
		defer cancel()

		start := p.opts.clock.Now()
		value, err := p.fetch(fctx)
		elapsed := p.opts.clock.Now().Sub(start)
		metrics.FetchDuration.WithLabelValues(p.name).Observe(elapsed.Seconds())

		h.mu.Lock()
		defer h.mu.Unlock()

		if !h.alive {
			metrics.PollTicks.WithLabelValues(p.name, "discarded").Inc()
			return
		}
		if tick < h.published {
			metrics.PollTicks.WithLabelValues(p.name, "stale").Inc()
			p.opts.logger.Debug("dropping stale poll result",
				"feed", p.name,
				"tick", tick,
				"published_tick", h.published,
				"failed", err != nil,
			)
			return
		}
		if err != nil {
			metrics.PollTicks.WithLabelValues(p.name, "error").Inc()
			p.opts.logger.Warn("poll tick failed",
				"feed", p.name,
				"tick", tick,
				"duration_ms", elapsed.Milliseconds(),
				"error", err,
			)
			if p.opts.onError != nil {
				p.opts.onError(tick, err)
			}
			return
		}

		h.published = tick
		metrics.PollTicks.WithLabelValues(p.name, "ok").Inc()
		metrics.LastPublish.WithLabelValues(p.name).Set(float64(p.opts.clock.Now().Unix()))
		p.publish(Update[T]{
			Tick:      tick,
			Value:     value,
			FetchedAt: start,
			Duration:  elapsed,
		})
	}()
}

// Stop clears the ticker, cancels in-flight fetches and blocks any later
// publish. It is idempotent and returns without waiting for fetches to
// unwind; use Wait for that.
func (h *Handle) Stop() {
	h.once.Do(func() {
		h.mu.Lock()
		h.alive = false
		h.mu.Unlock()
		h.ticker.Stop()
		h.cancel()
	})
}

// Wait blocks until the loop and every fetch it started have returned.
func (h *Handle) Wait() {
	<-h.done
	h.wg.Wait()
}

// Published returns the tick of the last published update, 0 if none.
func (h *Handle) Published() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.published
}
