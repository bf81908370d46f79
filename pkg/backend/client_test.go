package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alimk/ecowatch-sync/pkg/models"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func testClient(t *testing.T, url string, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger), WithRetry(3, time.Millisecond)}, opts...)
	c, err := New(url, 2*time.Second, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encode: %v", err)
	}
}

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

// ---------------------------------------------------------------------------
// construction
// ---------------------------------------------------------------------------

func TestNew_RejectsBadScheme(t *testing.T) {
	if _, err := New("ftp://example.com", 0); err == nil {
		t.Fatal("expected error for ftp scheme")
	}
	if _, err := New("://nope", 0); err == nil {
		t.Fatal("expected error for unparsable url")
	}
}

// ---------------------------------------------------------------------------
// retry and status classification
// ---------------------------------------------------------------------------

func TestGet_RetriesOn503(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL).LatestSensorData(context.Background())
	if !IsProtocol(err) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if StatusCode(err) != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", StatusCode(err))
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts on 503, got %d", got)
	}
}

func TestGet_RetriesOn500ThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`[{"deviceId":"sensor-01"}]`))
	}))
	defer srv.Close()

	body, err := testClient(t, srv.URL).LatestSensorData(context.Background())
	if err != nil {
		t.Fatalf("expected success after retry, got: %v", err)
	}
	if !strings.Contains(string(body), "sensor-01") {
		t.Fatalf("unexpected body %s", body)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 calls (2 failures + 1 success), got %d", got)
	}
}

func TestGet_NonRetryableOn404(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writeJSON(t, w, http.StatusNotFound, map[string]string{"message": "no such device"})
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL).SensorData(context.Background(), "sensor-99")
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProtocolError, got %v", err)
	}
	if pe.Status != http.StatusNotFound || pe.Message != "no such device" {
		t.Fatalf("unexpected protocol error %+v", pe)
	}
	if calls.Load() != 1 {
		t.Fatalf("404 should not be retried, got %d calls", calls.Load())
	}
}

func TestPost_NotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL).Chat(context.Background(), "session_1", "hi")
	if !IsProtocol(err) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("POST must not be retried, got %d calls", calls.Load())
	}
}

func TestTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := testClient(t, url).LatestSensorData(context.Background())
	if !IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if IsProtocol(err) {
		t.Fatal("transport error must not also be a protocol error")
	}
}

func TestContextCancelledDuringBackoff(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, WithRetry(5, time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := c.LatestSensorData(ctx)
	if !IsTransport(err) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled transport error, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected 1 call before cancel, got %d", got)
	}
}

func TestInvalidJSONIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>maintenance</html>"))
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL).Reports(context.Background())
	if !IsProtocol(err) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// headers
// ---------------------------------------------------------------------------

func TestHeaders(t *testing.T) {
	var auth, requestID atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		requestID.Store(r.Header.Get("X-Request-ID"))
		writeJSON(t, w, http.StatusOK, map[string]any{"user": map[string]string{"_id": "u1", "email": "ana@example.com"}})
	}))
	defer srv.Close()

	u, err := testClient(t, srv.URL, WithTokenSource(staticToken("tok-123"))).Me(context.Background())
	if err != nil {
		t.Fatalf("Me: %v", err)
	}
	if u.ID != "u1" {
		t.Fatalf("unexpected user %+v", u)
	}
	if got := auth.Load(); got != "Bearer tok-123" {
		t.Fatalf("unexpected Authorization header %q", got)
	}
	if id, _ := requestID.Load().(string); len(id) != 36 {
		t.Fatalf("expected uuid request id, got %q", id)
	}
}

func TestNoTokenNoAuthorization(t *testing.T) {
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		writeJSON(t, w, http.StatusOK, map[string]any{"success": true, "reports": []any{}})
	}))
	defer srv.Close()

	if _, err := testClient(t, srv.URL, WithTokenSource(staticToken(""))).Reports(context.Background()); err != nil {
		t.Fatalf("Reports: %v", err)
	}
	if got := auth.Load(); got != "" {
		t.Fatalf("expected no Authorization header, got %q", got)
	}
}

// ---------------------------------------------------------------------------
// endpoints
// ---------------------------------------------------------------------------

func TestEndpoints(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sensor-data/realtime-metrics", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{
			"success": true, "count": 1,
			"data":        []any{map[string]any{"deviceId": "sensor-01"}},
			"ai_analysis": "Elevated nutrient levels detected",
		})
	})
	mux.HandleFunc("GET /api/sensor-data/sensor-01/history", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("hours") != "24" {
			t.Errorf("expected default hours=24, got %q", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`[]`))
	})
	mux.HandleFunc("POST /api/analysis/summary", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Parameters models.ParameterSet `json:"parameters"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Parameters.PH != 8.4 {
			t.Errorf("unexpected summary request %+v (%v)", in, err)
		}
		writeJSON(t, w, http.StatusOK, map[string]any{"quality": "Poor", "recommendations": []string{"Increase monitoring frequency"}})
	})
	mux.HandleFunc("GET /api/discharge/events", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("severity") != "High" || r.URL.Query().Get("from") == "" {
			t.Errorf("unexpected discharge query %q", r.URL.RawQuery)
		}
		if r.URL.Query().Has("to") {
			t.Errorf("zero To must be omitted, got %q", r.URL.RawQuery)
		}
		writeJSON(t, w, http.StatusOK, map[string]any{"success": true, "events": []any{map[string]any{"_id": "e1", "severity": "High"}}})
	})
	mux.HandleFunc("GET /api/chat/history/session_1", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{"success": true, "history": []any{
			map[string]any{"role": "user", "content": "hi", "timestamp": "2024-06-01T10:00:00Z"},
		}})
	})
	mux.HandleFunc("POST /api/chatbot/chat", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in["sessionId"] != "session_1" || in["message"] != "hello" {
			t.Errorf("unexpected chat body %v", in)
		}
		writeJSON(t, w, http.StatusOK, map[string]any{"success": true, "reply": "pH looks fine"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := testClient(t, srv.URL)
	ctx := context.Background()

	rt, err := c.RealtimeMetrics(ctx)
	if err != nil || rt.Count != 1 || rt.Data[0].DeviceID != "sensor-01" {
		t.Fatalf("RealtimeMetrics: %+v, %v", rt, err)
	}
	if _, err := c.SensorHistory(ctx, "sensor-01", 0); err != nil {
		t.Fatalf("SensorHistory: %v", err)
	}
	sum, err := c.AnalysisSummary(ctx, models.ParameterSet{PH: 8.4})
	if err != nil || sum.Quality != "Poor" {
		t.Fatalf("AnalysisSummary: %+v, %v", sum, err)
	}
	events, err := c.DischargeEvents(ctx, models.DischargeFilter{From: time.Now().Add(-time.Hour), Severity: models.SeverityHigh})
	if err != nil || len(events) != 1 || events[0].ID != "e1" {
		t.Fatalf("DischargeEvents: %+v, %v", events, err)
	}
	hist, err := c.ChatHistory(ctx, "session_1")
	if err != nil || len(hist) != 1 || hist[0].Role != models.RoleUser {
		t.Fatalf("ChatHistory: %+v, %v", hist, err)
	}
	reply, err := c.Chat(ctx, "session_1", "hello")
	if err != nil || reply != "pH looks fine" {
		t.Fatalf("Chat: %q, %v", reply, err)
	}
}

func TestSuccessFalseIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{"success": false, "message": "model offline"})
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL).Chat(context.Background(), "session_1", "hello")
	var pe *ProtocolError
	if !errors.As(err, &pe) || pe.Message != "model offline" {
		t.Fatalf("expected protocol error carrying the server message, got %v", err)
	}
}

func TestInvalidInputRejectedBeforeRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { calls.Add(1) }))
	defer srv.Close()
	c := testClient(t, srv.URL)

	tests := []struct {
		name string
		call func() error
	}{
		{"empty device id", func() error { _, err := c.SensorData(context.Background(), " "); return err }},
		{"slash in session id", func() error { _, err := c.ChatHistory(context.Background(), "a/b"); return err }},
		{"bad email", func() error {
			_, err := c.Login(context.Background(), models.Credentials{Email: "nope", Password: "x"})
			return err
		}},
		{"short password", func() error {
			return c.Register(context.Background(), models.Registration{Name: "Ana", Email: "ana@example.com", Password: "123"})
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var verr *models.ValidationError
			if err := tc.call(); !errors.As(err, &verr) {
				t.Fatalf("expected *models.ValidationError, got %v", err)
			}
		})
	}
	if calls.Load() != 0 {
		t.Fatalf("validation failures must not reach the server, got %d calls", calls.Load())
	}
}

func TestLoginMissingToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{"message": "ok"})
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL).Login(context.Background(), models.Credentials{Email: "ana@example.com", Password: "secret"})
	if !IsProtocol(err) {
		t.Fatalf("expected protocol error for missing token, got %v", err)
	}
}
