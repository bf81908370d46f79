// Package auth manages the credential lifecycle on the client: it persists
// the bearer token and the cached user profile and hands the token to the
// backend client.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/alimk/ecowatch-sync/pkg/backend"
	"github.com/alimk/ecowatch-sync/pkg/kv"
	"github.com/alimk/ecowatch-sync/pkg/models"
)

// Storage keys, shared with earlier client versions.
const (
	KeyToken = "token"
	KeyUser  = "user"
)

// ErrNotLoggedIn is returned by Refresh when no token is stored.
var ErrNotLoggedIn = errors.New("auth: not logged in")

// Backend is the subset of the API client the manager needs.
type Backend interface {
	Register(ctx context.Context, r models.Registration) error
	Login(ctx context.Context, c models.Credentials) (*backend.Session, error)
	Logout(ctx context.Context) error
	Me(ctx context.Context) (*models.User, error)
}

// Manager is safe for concurrent use. The backend is attached after
// construction because the backend client itself takes the manager as its
// token source.
type Manager struct {
	store   kv.Store
	backend Backend
	logger  *slog.Logger
}

// New returns a Manager over store. logger may be nil.
func New(store kv.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, logger: logger}
}

// SetBackend attaches the API client. It must be called before any remote
// operation.
func (m *Manager) SetBackend(b Backend) { m.backend = b }

// Token implements backend.TokenSource. It returns "" when logged out.
func (m *Manager) Token(ctx context.Context) (string, error) {
	return kv.GetOr(ctx, m.store, KeyToken, "")
}

// User returns the cached profile, or nil when none is stored or it cannot
// be read.
func (m *Manager) User(ctx context.Context) (*models.User, error) {
	raw, err := m.store.Get(ctx, KeyUser)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var u models.User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		m.logger.Warn("cached user profile is corrupt, ignoring", "error", err)
		return nil, nil
	}
	return &u, nil
}

// Register creates an account. It does not log in.
func (m *Manager) Register(ctx context.Context, r models.Registration) error {
	if err := r.Validate(); err != nil {
		return err
	}
	return m.backend.Register(ctx, r)
}

// Login exchanges credentials for a token and stores it with the profile.
func (m *Manager) Login(ctx context.Context, c models.Credentials) (*models.User, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	sess, err := m.backend.Login(ctx, c)
	if err != nil {
		return nil, err
	}
	if err := m.store.Set(ctx, KeyToken, sess.Token); err != nil {
		return nil, fmt.Errorf("store token: %w", err)
	}
	if err := m.storeUser(ctx, &sess.User); err != nil {
		return nil, err
	}
	m.logger.Info("logged in", "user_id", sess.User.ID)
	return &sess.User, nil
}

// Logout tells the backend and clears local state. Local state is cleared
// even when the remote call fails; that failure is returned for reporting
// only.
func (m *Manager) Logout(ctx context.Context) error {
	token, err := m.Token(ctx)
	if err != nil {
		return err
	}

	var remoteErr error
	if token != "" && m.backend != nil {
		remoteErr = m.backend.Logout(ctx)
		if remoteErr != nil {
			m.logger.Warn("remote logout failed, clearing local session anyway", "error", remoteErr)
		}
	}
	if err := m.clear(ctx); err != nil {
		return err
	}
	return remoteErr
}

// Refresh re-reads the profile from /me. When the server rejects the token
// (401 or 403) the local session is cleared; outages and network failures
// leave it alone.
func (m *Manager) Refresh(ctx context.Context) (*models.User, error) {
	token, err := m.Token(ctx)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, ErrNotLoggedIn
	}

	u, err := m.backend.Me(ctx)
	if err != nil {
		if tokenRejected(err) {
			m.logger.Info("server rejected stored session, clearing it", "error", err)
			if cerr := m.clear(ctx); cerr != nil {
				return nil, cerr
			}
		}
		return nil, err
	}
	if err := m.storeUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func tokenRejected(err error) bool {
	switch backend.StatusCode(err) {
	case http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}

func (m *Manager) storeUser(ctx context.Context, u *models.User) error {
	buf, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	if err := m.store.Set(ctx, KeyUser, string(buf)); err != nil {
		return fmt.Errorf("store user: %w", err)
	}
	return nil
}

func (m *Manager) clear(ctx context.Context) error {
	if err := m.store.Delete(ctx, KeyToken); err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	if err := m.store.Delete(ctx, KeyUser); err != nil {
		return fmt.Errorf("clear user: %w", err)
	}
	return nil
}
