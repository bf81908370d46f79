package backend

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alimk/ecowatch-sync/pkg/models"
)

// LatestSensorData returns the raw body of /api/sensor-data/latest. The
// payload shape varies between backend revisions, so decoding is left to
// the normalizer.
func (c *Client) LatestSensorData(ctx context.Context) ([]byte, error) {
	return c.do(ctx, request{
		endpoint: "sensor_latest",
		method:   http.MethodGet,
		path:     "/api/sensor-data/latest",
		retry:    true,
	})
}

// RealtimeMetrics returns every current reading plus the AI summary.
func (c *Client) RealtimeMetrics(ctx context.Context) (*models.RealtimeMetrics, error) {
	const endpoint = "sensor_realtime"
	var out models.RealtimeMetrics
	if err := c.getJSON(ctx, endpoint, "/api/sensor-data/realtime-metrics", nil, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, notSuccess(endpoint, "")
	}
	return &out, nil
}

// SensorData returns the raw body of /api/sensor-data/:deviceId.
func (c *Client) SensorData(ctx context.Context, deviceID string) ([]byte, error) {
	if err := pathID("deviceId", deviceID); err != nil {
		return nil, err
	}
	return c.do(ctx, request{
		endpoint: "sensor_device",
		method:   http.MethodGet,
		path:     "/api/sensor-data/" + deviceID,
		retry:    true,
	})
}

// SensorHistory returns the raw time series for deviceID over the last
// hours (24 when hours <= 0).
func (c *Client) SensorHistory(ctx context.Context, deviceID string, hours int) ([]byte, error) {
	if err := pathID("deviceId", deviceID); err != nil {
		return nil, err
	}
	if hours <= 0 {
		hours = 24
	}
	return c.do(ctx, request{
		endpoint: "sensor_history",
		method:   http.MethodGet,
		path:     "/api/sensor-data/" + deviceID + "/history",
		query:    url.Values{"hours": {strconv.Itoa(hours)}},
		retry:    true,
	})
}

// AnalysisSummary asks the backend for a quality assessment of p.
func (c *Client) AnalysisSummary(ctx context.Context, p models.ParameterSet) (*models.AnalysisSummary, error) {
	var out models.AnalysisSummary
	in := struct {
		Parameters models.ParameterSet `json:"parameters"`
	}{p}
	if err := c.postJSON(ctx, "analysis_summary", "/api/analysis/summary", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DischargeEvents lists discharge events matching f. Zero fields are left
// out of the query.
func (c *Client) DischargeEvents(ctx context.Context, f models.DischargeFilter) ([]models.Report, error) {
	const endpoint = "discharge_events"
	q := url.Values{}
	if !f.From.IsZero() {
		q.Set("from", f.From.UTC().Format(time.RFC3339))
	}
	if !f.To.IsZero() {
		q.Set("to", f.To.UTC().Format(time.RFC3339))
	}
	if f.Severity != "" {
		q.Set("severity", string(f.Severity))
	}

	var out struct {
		Success *bool           `json:"success"`
		Events  []models.Report `json:"events"`
		Data    []models.Report `json:"data"`
	}
	if err := c.getJSON(ctx, endpoint, "/api/discharge/events", q, &out); err != nil {
		return nil, err
	}
	if out.Success != nil && !*out.Success {
		return nil, notSuccess(endpoint, "")
	}
	if out.Events != nil {
		return out.Events, nil
	}
	if out.Data != nil {
		return out.Data, nil
	}
	return []models.Report{}, nil
}

// Reports returns the field-reported incident list.
func (c *Client) Reports(ctx context.Context) ([]models.Report, error) {
	const endpoint = "reports"
	var out struct {
		Success bool            `json:"success"`
		Message string          `json:"message"`
		Reports []models.Report `json:"reports"`
	}
	if err := c.getJSON(ctx, endpoint, "/api/reports", nil, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, notSuccess(endpoint, out.Message)
	}
	if out.Reports == nil {
		out.Reports = []models.Report{}
	}
	return out.Reports, nil
}

// Chat sends one user message and returns the bot reply. It is never
// retried: the backend appends to the transcript on every call.
func (c *Client) Chat(ctx context.Context, sessionID, message string) (string, error) {
	const endpoint = "chat"
	in := struct {
		SessionID string `json:"sessionId"`
		Message   string `json:"message"`
	}{sessionID, message}
	var out struct {
		Success bool   `json:"success"`
		Reply   string `json:"reply"`
		Message string `json:"message"`
	}
	if err := c.postJSON(ctx, endpoint, "/api/chatbot/chat", in, &out); err != nil {
		return "", err
	}
	if !out.Success {
		return "", notSuccess(endpoint, out.Message)
	}
	return out.Reply, nil
}

// ChatHistory returns the stored transcript of a session, oldest first.
func (c *Client) ChatHistory(ctx context.Context, sessionID string) ([]models.ChatMessage, error) {
	const endpoint = "chat_history"
	if err := pathID("sessionId", sessionID); err != nil {
		return nil, err
	}
	var out struct {
		Success bool                 `json:"success"`
		History []models.ChatMessage `json:"history"`
	}
	if err := c.getJSON(ctx, endpoint, "/api/chat/history/"+sessionID, nil, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, notSuccess(endpoint, "")
	}
	if out.History == nil {
		out.History = []models.ChatMessage{}
	}
	return out.History, nil
}

// Session is the body of a successful login.
type Session struct {
	Token string      `json:"token"`
	User  models.User `json:"user"`
}

// Register creates an account. The form is validated before any request is
// made.
func (c *Client) Register(ctx context.Context, r models.Registration) error {
	if err := r.Validate(); err != nil {
		return err
	}
	return c.postJSON(ctx, "auth_register", "/api/auth/register", r, nil)
}

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, cr models.Credentials) (*Session, error) {
	const endpoint = "auth_login"
	if err := cr.Validate(); err != nil {
		return nil, err
	}
	var out Session
	if err := c.postJSON(ctx, endpoint, "/api/auth/login", cr, &out); err != nil {
		return nil, err
	}
	if out.Token == "" {
		return nil, &ProtocolError{Endpoint: endpoint, Message: "missing token in response"}
	}
	return &out, nil
}

// Logout invalidates the current token server-side.
func (c *Client) Logout(ctx context.Context) error {
	return c.postJSON(ctx, "auth_logout", "/api/auth/logout", struct{}{}, nil)
}

// Me returns the profile bound to the current token.
func (c *Client) Me(ctx context.Context) (*models.User, error) {
	const endpoint = "auth_me"
	var out struct {
		User *models.User `json:"user"`
	}
	if err := c.getJSON(ctx, endpoint, "/api/auth/me", nil, &out); err != nil {
		return nil, err
	}
	if out.User == nil {
		return nil, &ProtocolError{Endpoint: endpoint, Message: "missing user in response"}
	}
	return out.User, nil
}
