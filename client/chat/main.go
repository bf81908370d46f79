package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alimk/ecowatch-sync/pkg/auth"
	"github.com/alimk/ecowatch-sync/pkg/backend"
	"github.com/alimk/ecowatch-sync/pkg/chat"
	"github.com/alimk/ecowatch-sync/pkg/config"
	"github.com/alimk/ecowatch-sync/pkg/kv"
	"github.com/alimk/ecowatch-sync/pkg/models"
	"github.com/alimk/ecowatch-sync/pkg/sessionstore"
)

var version = "dev"

// Stdout belongs to the conversation, so logs go to stderr and only from
// warnings up.
var logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

const helpText = `Commands:
  /new                       start a new chat
  /sessions                  list chats
  /switch <id>               open another chat
  /history                   print the current chat
  /login <email> <password>  sign in
  /logout                    sign out
  /whoami                    show the signed-in user
  /help                      show this help
  /quit                      exit
Anything else is sent to EcoBot.`

// ---------------------------------------------------------------------------
// REPL
// ---------------------------------------------------------------------------

type repl struct {
	out      io.Writer
	engine   *chat.Engine
	sessions *sessionstore.Store
	auth     *auth.Manager
	active   string
}

// open binds the active session and prints its transcript. Only a first
// launch, with no session bound yet, gets the welcome instead of a history
// fetch.
func (r *repl) open(ctx context.Context) error {
	id, bound, err := r.sessions.BoundSessionID(ctx)
	if err != nil {
		return fmt.Errorf("active session: %w", err)
	}
	if bound {
		r.active = id
		r.printTranscript(r.engine.LoadHistory(ctx, id))
		return nil
	}

	id, err = r.sessions.ActiveSessionID(ctx)
	if err != nil {
		return fmt.Errorf("active session: %w", err)
	}
	r.active = id
	if err := r.engine.Reset(id, chat.WelcomeGreeting); err != nil {
		return err
	}
	r.printTranscript(r.engine.Transcript(id))
	return nil
}

// run reads lines until EOF, /quit or ctx is cancelled.
func (r *repl) run(ctx context.Context, in io.Reader) error {
	if err := r.open(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(r.out, "> ")
		select {
		case <-ctx.Done():
			fmt.Fprintln(r.out)
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := r.handle(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

// handle runs one input line and reports whether the user asked to quit.
func (r *repl) handle(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		r.send(ctx, line)
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(r.out, helpText)
	case "/new":
		r.newChat(ctx)
	case "/sessions":
		r.listSessions(ctx)
	case "/switch":
		if len(fields) != 2 {
			fmt.Fprintln(r.out, "usage: /switch <id>")
			return false
		}
		r.switchTo(ctx, fields[1])
	case "/history":
		r.printTranscript(r.engine.Transcript(r.active))
	case "/login":
		if len(fields) != 3 {
			fmt.Fprintln(r.out, "usage: /login <email> <password>")
			return false
		}
		r.login(ctx, fields[1], fields[2])
	case "/logout":
		if err := r.auth.Logout(ctx); err != nil {
			fmt.Fprintf(r.out, "Signed out locally (server said: %v)\n", err)
			return false
		}
		fmt.Fprintln(r.out, "Signed out.")
	case "/whoami":
		u, err := r.auth.User(ctx)
		switch {
		case err != nil:
			fmt.Fprintf(r.out, "error: %v\n", err)
		case u == nil:
			fmt.Fprintln(r.out, "Not signed in.")
		default:
			fmt.Fprintf(r.out, "%s <%s>\n", u.Name, u.Email)
		}
	default:
		fmt.Fprintf(r.out, "unknown command %s, try /help\n", fields[0])
	}
	return false
}

func (r *repl) send(ctx context.Context, text string) {
	before := len(r.engine.Transcript(r.active))
	if err := r.engine.SendMessage(ctx, r.active, text); err != nil {
		var verr *models.ValidationError
		switch {
		case errors.As(err, &verr):
			fmt.Fprintln(r.out, verr.Message)
		default:
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
		return
	}
	transcript := r.engine.Transcript(r.active)
	// Skip the echo of our own message.
	if before+1 < len(transcript) {
		r.printTranscript(transcript[before+1:])
	}
}

func (r *repl) newChat(ctx context.Context) {
	s, err := r.sessions.CreateSession(ctx)
	if err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
		return
	}
	if err := r.engine.Reset(s.ID, chat.NewChatGreeting); err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
		return
	}
	r.active = s.ID
	r.printTranscript(r.engine.Transcript(s.ID))
}

func (r *repl) listSessions(ctx context.Context) {
	list, err := r.sessions.ListSessions(ctx)
	if err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
		return
	}
	if len(list) == 0 {
		fmt.Fprintln(r.out, "No chats yet.")
		return
	}
	for _, s := range list {
		marker := " "
		if s.ID == r.active {
			marker = "*"
		}
		when := "-"
		if s.LastDate != nil {
			when = s.LastDate.Local().Format("2006-01-02 15:04")
		}
		preview := s.LastMessage
		if preview == "" {
			preview = "(no messages)"
		}
		fmt.Fprintf(r.out, "%s %s  %s  %s\n", marker, s.ID, when, truncate(preview, 60))
	}
}

func (r *repl) switchTo(ctx context.Context, id string) {
	if err := r.sessions.SwitchSession(ctx, id); err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
		return
	}
	r.active = id
	r.printTranscript(r.engine.LoadHistory(ctx, id))
}

func (r *repl) login(ctx context.Context, email, password string) {
	u, err := r.auth.Login(ctx, models.Credentials{Email: email, Password: password})
	if err != nil {
		var verr *models.ValidationError
		var perr *backend.ProtocolError
		switch {
		case errors.As(err, &verr):
			fmt.Fprintln(r.out, verr.Message)
		case errors.As(err, &perr):
			fmt.Fprintf(r.out, "Login failed: %s\n", perr.Message)
		default:
			fmt.Fprintf(r.out, "Login failed: %v\n", err)
		}
		return
	}
	fmt.Fprintf(r.out, "Signed in as %s.\n", u.Name)
}

func (r *repl) printTranscript(msgs []models.ChatMessage) {
	for _, m := range msgs {
		who := "you"
		if m.Role == models.RoleBot {
			who = "EcoBot"
		}
		fmt.Fprintf(r.out, "[%s] %s: %s\n", m.Timestamp.Local().Format("15:04"), who, m.Content)
	}
}

func truncate(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n-1]) + "…"
}

// ---------------------------------------------------------------------------
// main
// ---------------------------------------------------------------------------

func main() {
	showVersion := flag.Bool("version", false, "Print the version and exit.")
	flag.Parse()
	if *showVersion {
		fmt.Println(version)
		return
	}

	config.SetLogger(logger)
	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.Debug {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	slog.SetDefault(logger)

	store, err := kv.OpenSQLite(cfg.StateDBPath)
	if err != nil {
		logger.Error("failed to open state db", "path", cfg.StateDBPath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	authMgr := auth.New(store, logger)
	// Bot replies take longer than sensor reads.
	client, err := backend.New(cfg.APIURL, 2*cfg.FetchTimeout,
		backend.WithTokenSource(authMgr),
		backend.WithLogger(logger))
	if err != nil {
		logger.Error("invalid backend client", "error", err)
		os.Exit(1)
	}
	authMgr.SetBackend(client)

	sessions := sessionstore.New(store, sessionstore.WithLogger(logger))
	engine := chat.New(client, sessions, chat.WithLogger(logger))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	refreshCtx, cancel := context.WithTimeout(ctx, cfg.FetchTimeout)
	if _, err := authMgr.Refresh(refreshCtx); err != nil && !errors.Is(err, auth.ErrNotLoggedIn) {
		logger.Warn("could not refresh stored session", "error", err)
	}
	cancel()

	fmt.Printf("EcoWatch chat %s, /help for commands\n", version)
	r := &repl{out: os.Stdout, engine: engine, sessions: sessions, auth: authMgr}
	if err := r.run(ctx, os.Stdin); err != nil {
		logger.Error("chat stopped", "error", err)
		client.CloseIdleConnections()
		os.Exit(1)
	}
	client.CloseIdleConnections()
}
