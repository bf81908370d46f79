// Package kv is the client-local key-value persistence port. It holds the
// auth token, the cached user profile, the active chat session id and the
// serialized session catalog.
package kv

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("kv: key not found")

// Store is the minimal persistence contract. Implementations must be safe
// for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Swapper is implemented by stores that support optimistic writes. old ==
// nil means the key must not exist yet. swapped is false, with a nil error,
// when the current value did not match.
type Swapper interface {
	CompareAndSwap(ctx context.Context, key string, old *string, new string) (swapped bool, err error)
}

// GetOr returns the value of key or def when it is missing.
func GetOr(ctx context.Context, s Store, key, def string) (string, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	return v, err
}

// Memory is an in-process Store. The zero value is ready to use.
type Memory struct {
	mu sync.Mutex
	m  map[string]string
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.m[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.m == nil {
		m.m = make(map[string]string)
	}
	m.m[key] = value
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.m, key)
	return nil
}

func (m *Memory) CompareAndSwap(_ context.Context, key string, old *string, new string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.m[key]
	switch {
	case old == nil && ok:
		return false, nil
	case old != nil && (!ok || cur != *old):
		return false, nil
	}
	if m.m == nil {
		m.m = make(map[string]string)
	}
	m.m[key] = new
	return true, nil
}
