// Package mirror holds the canonical client-side copy of server state and
// the feeds that keep it fresh.
//
// A Board is a latest-tick-wins cell: every update carries the poll tick
// that produced it and an update older than what the board already holds
// is rejected. Failures never touch the value; they are recorded next to it
// so readers can tell "stale" from "no data yet".
package mirror

import (
	"sync"
	"time"
)

// State is a point-in-time copy of a Board.
type State[T any] struct {
	Tick      uint64    `json:"tick"`
	Value     T         `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
	// HasData is false until the first successful tick.
	HasData bool `json:"hasData"`
	// Attempted is true once any tick, successful or not, has finished.
	Attempted bool      `json:"attempted"`
	LastErr   error     `json:"-"`
	LastErrAt time.Time `json:"lastErrorAt"`
}

// NoDataYet reports the condition left behind by a failed first tick.
func (s State[T]) NoDataYet() bool {
	return s.Attempted && !s.HasData
}

// Board is safe for concurrent use.
type Board[T any] struct {
	now func() time.Time

	mu      sync.RWMutex
	state   State[T]
	errTick uint64
	subs    map[int]chan State[T]
	nextSub int
}

// NewBoard returns an empty board. now defaults to time.Now.
func NewBoard[T any](now func() time.Time) *Board[T] {
	if now == nil {
		now = time.Now
	}
	return &Board[T]{now: now, subs: make(map[int]chan State[T])}
}

// Apply stores value as the result of tick. It returns false, leaving the
// board untouched, when tick is not newer than the tick already applied.
func (b *Board[T]) Apply(tick uint64, value T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state.HasData && tick <= b.state.Tick {
		return false
	}
	b.state.Tick = tick
	b.state.Value = value
	b.state.UpdatedAt = b.now()
	b.state.HasData = true
	b.state.Attempted = true
	if b.errTick <= tick {
		b.state.LastErr = nil
		b.state.LastErrAt = time.Time{}
		b.errTick = 0
	}
	b.notify()
	return true
}

// Fail records err for tick. The value is kept. Failures from ticks older
// than the applied one are ignored.
func (b *Board[T]) Fail(tick uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state.HasData && tick <= b.state.Tick {
		return
	}
	b.state.Attempted = true
	b.state.LastErr = err
	b.state.LastErrAt = b.now()
	b.errTick = tick
	b.notify()
}

// Snapshot returns the current state.
func (b *Board[T]) Snapshot() State[T] {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Subscribe returns a channel that receives the state after every change,
// and a cancel func. A slow subscriber only ever sees the newest state;
// intermediate ones are overwritten rather than queued.
func (b *Board[T]) Subscribe() (<-chan State[T], func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSub
	b.nextSub++
	ch := make(chan State[T], 1)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// notify must be called with b.mu held for writing.
func (b *Board[T]) notify() {
	for _, ch := range b.subs {
		select {
		case <-ch:
		default:
		}
		ch <- b.state
	}
}
