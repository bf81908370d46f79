// Package chat binds chat sessions to their transcripts.
//
// Each session moves through Uninitialized -> Loading -> Ready, and every
// send goes Ready -> Sending -> Ready. A user message is appended before the
// network call; the bot reply, or a synthetic failure message, is appended
// when the call returns. Only one send per session may be pending, which is
// what keeps the transcript in submission order. Transcripts only grow.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alimk/ecowatch-sync/pkg/backend"
	"github.com/alimk/ecowatch-sync/pkg/metrics"
	"github.com/alimk/ecowatch-sync/pkg/models"
)

// Bot texts shown to the user.
const (
	// Greeting replaces an empty or unavailable remote transcript.
	Greeting = "Hi there! I'm EcoBot. You can ask me about water quality, bloom risks, or sensor readings."
	// WelcomeGreeting opens a session created on first launch.
	WelcomeGreeting = "Hello! I'm EcoBot, your water quality companion. Ask me anything about sensors, data, or algae bloom risks!"
	// NewChatGreeting opens a session the user started explicitly.
	NewChatGreeting = "New chat started. Ask away!"

	// ProtocolFailureReply is appended when the backend answered but refused.
	ProtocolFailureReply = "Sorry, I couldn't process your message."
	// TransportFailureReply is appended when the backend could not be reached.
	TransportFailureReply = "Network error. Please try again later."
)

var (
	// ErrSendInFlight rejects a send while another one is pending for the
	// same session.
	ErrSendInFlight = errors.New("chat: a message is already being sent in this session")

	// ErrLoading rejects a send while the session transcript is loading.
	ErrLoading = errors.New("chat: session history is still loading")

	// ErrSessionStarted rejects a Reset of a session that already has a
	// transcript. Transcripts only grow.
	ErrSessionStarted = errors.New("chat: session already has a transcript")
)

// State is the lifecycle of one session inside an Engine.
type State int

const (
	Uninitialized State = iota
	Loading
	Ready
	Sending
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Sending:
		return "sending"
	default:
		return "unknown"
	}
}

// Backend is the remote side of a conversation.
type Backend interface {
	ChatHistory(ctx context.Context, sessionID string) ([]models.ChatMessage, error)
	Chat(ctx context.Context, sessionID, message string) (reply string, err error)
}

// PreviewUpdater records the last message of a session in the catalog.
type PreviewUpdater interface {
	UpdateSessionPreview(ctx context.Context, id, lastMessage string) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine holds the transcripts of every session touched during its
// lifetime. It is safe for concurrent use; sends to different sessions run
// in parallel.
type Engine struct {
	backend  Backend
	previews PreviewUpdater
	now      func() time.Time
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	state      State
	transcript []models.ChatMessage
	// loaded is closed when a Loading phase ends.
	loaded chan struct{}
}

// New returns an Engine. previews may be nil.
func New(b Backend, previews PreviewUpdater, opts ...Option) *Engine {
	e := &Engine{
		backend:  b,
		previews: previews,
		now:      time.Now,
		logger:   slog.Default(),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// session must be called with e.mu held.
func (e *Engine) session(id string) *session {
	s, ok := e.sessions[id]
	if !ok {
		s = &session{state: Uninitialized}
		e.sessions[id] = s
	}
	return s
}

func (e *Engine) message(role models.Role, content string) models.ChatMessage {
	return models.ChatMessage{Role: role, Content: content, Timestamp: e.now()}
}

// LoadHistory returns the transcript of id, fetching it on first use. An
// empty or unavailable remote transcript becomes a single greeting. Later
// calls return the cached transcript without a network round-trip.
func (e *Engine) LoadHistory(ctx context.Context, id string) []models.ChatMessage {
	e.mu.Lock()
	s := e.session(id)
	switch s.state {
	case Loading:
		wait := s.loaded
		e.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
		}
		return e.Transcript(id)
	case Ready, Sending:
		out := clone(s.transcript)
		e.mu.Unlock()
		return out
	}
	s.state = Loading
	s.loaded = make(chan struct{})
	e.mu.Unlock()

	history, err := e.backend.ChatHistory(ctx, id)
	if err != nil {
		e.logger.Warn("failed to load chat history", "session_id", id, "error", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil || len(history) == 0 {
		s.transcript = []models.ChatMessage{e.message(models.RoleBot, Greeting)}
	} else {
		s.transcript = clone(history)
	}
	s.state = Ready
	close(s.loaded)
	return clone(s.transcript)
}

// Reset opens a fresh transcript for id with a single bot greeting. It is
// meant for sessions that were just created and have no remote history;
// any session the engine has already seen is rejected.
func (e *Engine) Reset(id, greeting string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.session(id)
	switch s.state {
	case Sending:
		return ErrSendInFlight
	case Loading:
		return ErrLoading
	case Ready:
		return ErrSessionStarted
	}
	s.transcript = []models.ChatMessage{e.message(models.RoleBot, greeting)}
	s.state = Ready
	return nil
}

// SendMessage appends text as a user message, asks the backend for a reply
// and appends that. A failed round-trip appends a synthetic bot message
// instead and is not reported as an error: the session stays usable and the
// user may retry at once. The only errors are rejections made before
// anything is appended: empty text, a send already pending, or a load in
// progress.
func (e *Engine) SendMessage(ctx context.Context, id, text string) error {
	if strings.TrimSpace(text) == "" {
		metrics.ChatSends.WithLabelValues("rejected").Inc()
		return &models.ValidationError{Field: "message", Message: "Message must not be empty"}
	}

	e.mu.Lock()
	s := e.session(id)
	switch s.state {
	case Sending:
		e.mu.Unlock()
		metrics.ChatSends.WithLabelValues("rejected").Inc()
		return ErrSendInFlight
	case Loading:
		e.mu.Unlock()
		metrics.ChatSends.WithLabelValues("rejected").Inc()
		return ErrLoading
	}
	// An Uninitialized session goes straight to Sending and its remote
	// history is never fetched afterwards.
	s.state = Sending
	s.transcript = append(s.transcript, e.message(models.RoleUser, text))
	e.mu.Unlock()

	reply, err := e.backend.Chat(ctx, id, text)

	e.mu.Lock()
	if err != nil {
		outcome, content := "transport_error", TransportFailureReply
		if backend.IsProtocol(err) {
			outcome, content = "protocol_error", ProtocolFailureReply
		}
		metrics.ChatSends.WithLabelValues(outcome).Inc()
		e.logger.Warn("chat send failed", "session_id", id, "error", err)
		s.transcript = append(s.transcript, e.message(models.RoleBot, content))
	} else {
		metrics.ChatSends.WithLabelValues("ok").Inc()
		s.transcript = append(s.transcript, e.message(models.RoleBot, reply))
	}
	s.state = Ready
	e.mu.Unlock()

	if err == nil && e.previews != nil {
		if perr := e.previews.UpdateSessionPreview(ctx, id, reply); perr != nil {
			e.logger.Warn("failed to update session preview", "session_id", id, "error", perr)
		}
	}
	return nil
}

// State returns the lifecycle state of id.
func (e *Engine) State(id string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[id]; ok {
		return s.state
	}
	return Uninitialized
}

// Busy reports whether the send affordance for id should be disabled.
func (e *Engine) Busy(id string) bool {
	st := e.State(id)
	return st == Sending || st == Loading
}

// Transcript returns a copy of the current transcript of id.
func (e *Engine) Transcript(id string) []models.ChatMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[id]; ok {
		return clone(s.transcript)
	}
	return []models.ChatMessage{}
}

func clone(in []models.ChatMessage) []models.ChatMessage {
	out := make([]models.ChatMessage, len(in))
	copy(out, in)
	return out
}
