// Package sessionstore keeps the chat session catalog and the active session
// pointer in client-local key-value storage.
//
// The catalog is a JSON array under "chat_sessions". Older clients stored
// bare id strings instead of objects; those entries are migrated to {id}
// on every read. Display order is creation order, newest first: updating a
// preview never moves an entry.
//
// Writes are read-modify-write. When the backing store implements
// kv.Swapper, a write that lost a race with another writer (a second client
// instance on the same database) is re-applied on the fresh catalog. Stores
// without compare-and-swap get last-writer-wins.
package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alimk/ecowatch-sync/pkg/kv"
	"github.com/alimk/ecowatch-sync/pkg/metrics"
	"github.com/alimk/ecowatch-sync/pkg/models"
)

// Storage keys, shared with earlier client versions.
const (
	KeyActive  = "chat_session_id"
	KeyCatalog = "chat_sessions"

	idPrefix       = "session_"
	maxCASAttempts = 8
)

var (
	// ErrConflict is returned when a catalog write kept losing to other
	// writers.
	ErrConflict = errors.New("sessionstore: catalog changed concurrently, giving up")

	// ErrUnknownSession is returned by SwitchSession for an id that is not
	// in the catalog.
	ErrUnknownSession = errors.New("sessionstore: unknown session")
)

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now for id generation and preview timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger for catalog diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store is safe for concurrent use within one process.
type Store struct {
	kv     kv.Store
	now    func() time.Time
	logger *slog.Logger

	mu         sync.Mutex
	lastMillis int64
}

// New returns a Store over backing.
func New(backing kv.Store, opts ...Option) *Store {
	s := &Store{
		kv:     backing,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ActiveSessionID returns the bound session id, creating, persisting and
// cataloguing a new one when none is bound yet.
func (s *Store) ActiveSessionID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.kv.Get(ctx, KeyActive)
	switch {
	case err == nil && id != "":
		return id, nil
	case err != nil && !errors.Is(err, kv.ErrNotFound):
		return "", fmt.Errorf("read active session: %w", err)
	}

	created, err := s.create(ctx)
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

// BoundSessionID returns the active session id without creating one. ok is
// false when none is bound yet.
func (s *Store) BoundSessionID(ctx context.Context) (id string, ok bool, err error) {
	id, err = s.kv.Get(ctx, KeyActive)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("read active session: %w", err)
	}
	return id, id != "", nil
}

// ListSessions returns the catalog, most recently created first. Legacy
// entries come back as {id} records with no preview.
func (s *Store) ListSessions(ctx context.Context) ([]models.ChatSession, error) {
	entries, _, _, err := s.load(ctx)
	return entries, err
}

// CreateSession starts a fresh session, prepends it to the catalog and binds
// it as active. Earlier sessions are left untouched.
func (s *Store) CreateSession(ctx context.Context) (models.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.create(ctx)
}

// UpdateSessionPreview records the last message of session id. An id that
// is not in the catalog is ignored.
func (s *Store) UpdateSessionPreview(ctx context.Context, id, lastMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.update(ctx, func(entries []models.ChatSession, legacy bool) ([]models.ChatSession, bool) {
		at := s.now().UTC()
		found := false
		out := make([]models.ChatSession, len(entries))
		for i, e := range entries {
			if e.ID == id {
				e.LastMessage = lastMessage
				e.LastDate = &at
				found = true
			}
			out[i] = e
		}
		if !found {
			s.logger.Debug("preview for unknown session ignored", "session_id", id)
		}
		// Rewriting also persists the migration of legacy entries.
		return out, found || legacy
	})
}

// SwitchSession binds id as the active session.
func (s *Store) SwitchSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, _, _, err := s.load(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.ID == id {
			if err := s.kv.Set(ctx, KeyActive, id); err != nil {
				return fmt.Errorf("bind active session: %w", err)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownSession, id)
}

// create must be called with s.mu held.
func (s *Store) create(ctx context.Context) (models.ChatSession, error) {
	var created models.ChatSession
	err := s.update(ctx, func(entries []models.ChatSession, _ bool) ([]models.ChatSession, bool) {
		created = models.ChatSession{ID: s.nextID(entries)}
		out := make([]models.ChatSession, 0, len(entries)+1)
		out = append(out, created)
		return append(out, entries...), true
	})
	if err != nil {
		return models.ChatSession{}, err
	}
	if err := s.kv.Set(ctx, KeyActive, created.ID); err != nil {
		return models.ChatSession{}, fmt.Errorf("bind active session: %w", err)
	}
	s.logger.Info("chat session created", "session_id", created.ID)
	return created, nil
}

// nextID returns session_<epochMillis>, bumping the millisecond until the
// id is unused both by this process and by the catalog.
func (s *Store) nextID(entries []models.ChatSession) string {
	taken := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		taken[e.ID] = struct{}{}
	}
	ms := s.now().UnixMilli()
	if ms <= s.lastMillis {
		ms = s.lastMillis + 1
	}
	for {
		id := idPrefix + strconv.FormatInt(ms, 10)
		if _, dup := taken[id]; !dup {
			s.lastMillis = ms
			return id
		}
		ms++
	}
}

// mutation transforms the catalog. It may run more than once and must not
// have side effects beyond its return values. legacy reports whether the
// stored catalog still held bare-string entries.
type mutation func(entries []models.ChatSession, legacy bool) (next []models.ChatSession, changed bool)

func (s *Store) update(ctx context.Context, fn mutation) error {
	swapper, canSwap := s.kv.(kv.Swapper)

	for attempt := range maxCASAttempts {
		entries, raw, legacy, err := s.load(ctx)
		if err != nil {
			return err
		}
		next, changed := fn(entries, legacy)
		if !changed {
			return nil
		}
		buf, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode catalog: %w", err)
		}

		if !canSwap {
			if err := s.kv.Set(ctx, KeyCatalog, string(buf)); err != nil {
				return fmt.Errorf("write catalog: %w", err)
			}
			return nil
		}

		ok, err := swapper.CompareAndSwap(ctx, KeyCatalog, raw, string(buf))
		if err != nil {
			return fmt.Errorf("write catalog: %w", err)
		}
		if ok {
			return nil
		}
		metrics.CatalogConflicts.Inc()
		s.logger.Warn("session catalog changed underneath us, retrying", "attempt", attempt)
	}
	return ErrConflict
}

// load reads and migrates the catalog. raw is the stored text, nil when the
// key is absent, for use as the compare-and-swap witness.
func (s *Store) load(ctx context.Context) (entries []models.ChatSession, raw *string, legacy bool, err error) {
	v, err := s.kv.Get(ctx, KeyCatalog)
	if errors.Is(err, kv.ErrNotFound) {
		return []models.ChatSession{}, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("read catalog: %w", err)
	}
	entries, legacy = parseCatalog(v, s.logger)
	return entries, &v, legacy, nil
}

// parseCatalog never fails: a corrupt catalog reads as empty and individual
// unusable entries are skipped. Duplicate ids keep their first occurrence.
func parseCatalog(v string, logger *slog.Logger) ([]models.ChatSession, bool) {
	out := []models.ChatSession{}
	if strings.TrimSpace(v) == "" {
		return out, false
	}

	var items []json.RawMessage
	if err := json.Unmarshal([]byte(v), &items); err != nil {
		logger.Warn("session catalog is corrupt, treating as empty", "error", err)
		return out, false
	}

	legacy := false
	seen := make(map[string]struct{}, len(items))
	for i, item := range items {
		var e models.ChatSession
		var id string
		if err := json.Unmarshal(item, &id); err == nil {
			e = models.ChatSession{ID: id}
			legacy = true
		} else if err := json.Unmarshal(item, &e); err != nil {
			logger.Warn("skipping unreadable catalog entry", "index", i, "error", err)
			continue
		}
		if e.ID == "" {
			continue
		}
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		out = append(out, e)
	}
	return out, legacy
}
