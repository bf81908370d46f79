package view

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alimk/ecowatch-sync/pkg/backend"
	"github.com/alimk/ecowatch-sync/pkg/mirror"
	"github.com/alimk/ecowatch-sync/pkg/models"
)

type fakeLive struct {
	device     string
	hours      int
	params     models.ParameterSet
	filter     models.DischargeFilter
	historyRaw string
	err        error
}

func (f *fakeLive) SensorData(_ context.Context, id string) ([]byte, error) {
	f.device = id
	if f.err != nil {
		return nil, f.err
	}
	return []byte(`{"success":true,"data":[{"deviceId":"` + id + `","parameters":{"temperature":20,"pH":7,"turbidity":10,"dissolvedOxygen":6,"nitrate":2,"phosphate":0.05}}]}`), nil
}

func (f *fakeLive) SensorHistory(_ context.Context, id string, hours int) ([]byte, error) {
	f.device, f.hours = id, hours
	if f.err != nil {
		return nil, f.err
	}
	return []byte(f.historyRaw), nil
}

func (f *fakeLive) AnalysisSummary(_ context.Context, p models.ParameterSet) (*models.AnalysisSummary, error) {
	f.params = p
	if f.err != nil {
		return nil, f.err
	}
	return &models.AnalysisSummary{Success: true, Quality: "Good", Summary: "fine"}, nil
}

func (f *fakeLive) DischargeEvents(_ context.Context, flt models.DischargeFilter) ([]models.Report, error) {
	f.filter = flt
	if f.err != nil {
		return nil, f.err
	}
	return sampleReports(), nil
}

func newLiveServer(t *testing.T, live *fakeLive) (*Server, *SensorBoard) {
	t.Helper()
	sensors := mirror.NewBoard[[]mirror.SensorView](func() time.Time { return fixedNow })
	s := New(sensors, nil,
		WithLocation(time.UTC),
		WithLogger(quietLogger),
		WithBackend(live, time.Second))
	return s, sensors
}

func doMethod(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	s.Engine().ServeHTTP(rec, req)
	return rec
}

func TestSensorHistory(t *testing.T) {
	live := &fakeLive{historyRaw: `[{"deviceId":"sensor-01","timestamp":"2024-06-01T09:00:00Z"},{"deviceId":"sensor-01","timestamp":"2024-06-01T10:00:00Z","parameters":{"temperature":20,"pH":7,"turbidity":10,"dissolvedOxygen":6,"nitrate":2,"phosphate":0.05}}]`}
	s, _ := newLiveServer(t, live)

	rec := do(t, s, "/api/sensors/sensor-01/history?hours=6")
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d %s", rec.Code, rec.Body.String())
	}
	if live.device != "sensor-01" || live.hours != 6 {
		t.Fatalf("backend called with %q %d", live.device, live.hours)
	}
	var body historyResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Data) != 2 || body.Data[0].Status != models.StatusOffline || body.Data[1].Status != models.StatusActive {
		t.Fatalf("every snapshot is kept and classified, got %+v", body.Data)
	}

	do(t, s, "/api/sensors/sensor-01/history")
	if live.hours != 24 {
		t.Fatalf("default window is 24h, got %d", live.hours)
	}
	for _, q := range []string{"0", "-3", "abc", "100000"} {
		if rec := do(t, s, "/api/sensors/sensor-01/history?hours="+q); rec.Code != http.StatusBadRequest {
			t.Errorf("hours=%s: want 400, got %d", q, rec.Code)
		}
	}
}

func TestSensorLive(t *testing.T) {
	live := &fakeLive{}
	s, _ := newLiveServer(t, live)
	rec := do(t, s, "/api/sensors/sensor-07/live")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"deviceId":"sensor-07"`) ||
		!strings.Contains(rec.Body.String(), `"status":"active"`) {
		t.Fatalf("got %d %s", rec.Code, rec.Body.String())
	}
}

func TestLiveErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"upstream 404", &backend.ProtocolError{Endpoint: "sensor_history", Status: 404, Message: "no such device"}, http.StatusNotFound},
		{"upstream 500", &backend.ProtocolError{Endpoint: "sensor_history", Status: 500, Message: "boom"}, http.StatusBadGateway},
		{"unreachable", &backend.TransportError{Endpoint: "sensor_history", Err: errors.New("connection refused")}, http.StatusGatewayTimeout},
		{"bad id", &models.ValidationError{Field: "deviceId", Message: "invalid deviceId"}, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newLiveServer(t, &fakeLive{err: tc.err})
			if rec := do(t, s, "/api/sensors/x/history"); rec.Code != tc.want {
				t.Fatalf("want %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestAnalysis(t *testing.T) {
	live := &fakeLive{}
	s, sensors := newLiveServer(t, live)
	sensors.Apply(1, sampleViews())

	rec := do(t, s, "/api/analysis?device=sensor-01")
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d %s", rec.Code, rec.Body.String())
	}
	if live.params.PH != 7 || live.params.Temperature != 20 {
		t.Fatalf("mirrored parameters not forwarded: %+v", live.params)
	}
	var body analysisResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Data == nil || body.Data.Quality != "Good" || len(body.Metrics) != 6 {
		t.Fatalf("unexpected body %+v", body)
	}

	if rec := do(t, s, "/api/analysis?device=nope"); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown device: want 404, got %d", rec.Code)
	}
	if rec := do(t, s, "/api/analysis"); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing device: want 400, got %d", rec.Code)
	}

	rec = doMethod(t, s, http.MethodPost, "/api/analysis", `{"temperature":31,"pH":5.5}`)
	if rec.Code != http.StatusOK || live.params.PH != 5.5 {
		t.Fatalf("posted parameters: %d %+v", rec.Code, live.params)
	}
	if rec := doMethod(t, s, http.MethodPost, "/api/analysis", `{"pH":"acid"`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad body: want 400, got %d", rec.Code)
	}
}

func TestDischarge(t *testing.T) {
	live := &fakeLive{}
	s, _ := newLiveServer(t, live)

	rec := do(t, s, "/api/discharge?from=2024-06-01&to=2024-06-02T12:00:00Z&severity=high")
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d %s", rec.Code, rec.Body.String())
	}
	want := models.DischargeFilter{
		From:     time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		To:       time.Date(2024, 6, 2, 12, 0, 0, 0, time.UTC),
		Severity: models.SeverityHigh,
	}
	if !live.filter.From.Equal(want.From) || !live.filter.To.Equal(want.To) || live.filter.Severity != want.Severity {
		t.Fatalf("filter %+v, want %+v", live.filter, want)
	}
	if !strings.Contains(rec.Body.String(), `"counts"`) {
		t.Fatalf("missing counts: %s", rec.Body.String())
	}

	for _, q := range []string{"?from=yesterday", "?severity=Extreme", "?from=2024-06-02&to=2024-06-01"} {
		if rec := do(t, s, "/api/discharge"+q); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: want 400, got %d", q, rec.Code)
		}
	}
}

func TestLiveRoutesNeedBackend(t *testing.T) {
	s := New(mirror.NewBoard[[]mirror.SensorView](nil), nil, WithLogger(quietLogger))
	for _, path := range []string{"/api/sensors/x/live", "/api/sensors/x/history", "/api/analysis?device=x", "/api/discharge", "/api/insights"} {
		if rec := do(t, s, path); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: want 503, got %d", path, rec.Code)
		}
	}
}

func TestInsights(t *testing.T) {
	board := mirror.NewBoard[mirror.Insights](func() time.Time { return fixedNow })
	s := New(nil, nil, WithLogger(quietLogger), WithInsights(board))

	var before insightsResponse
	_ = json.Unmarshal(do(t, s, "/api/insights").Body.Bytes(), &before)
	if before.Meta.HasData || before.Data.Views == nil {
		t.Fatalf("unexpected pending insights %+v", before)
	}

	board.Apply(4, mirror.Insights{Analysis: "Stable.", Count: 2, Views: sampleViews()})
	var body insightsResponse
	_ = json.Unmarshal(do(t, s, "/api/insights").Body.Bytes(), &body)
	if body.Data.Analysis != "Stable." || body.Data.Count != 2 || len(body.Data.Views) != 2 || body.Meta.Tick != 4 {
		t.Fatalf("unexpected insights %+v", body)
	}
}

func TestHealthCheck(t *testing.T) {
	var failing error
	s := New(nil, nil, WithLogger(quietLogger), WithHealthCheck(func(context.Context) error { return failing }))
	if rec := do(t, s, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
	failing = errors.New("database is locked")
	if rec := do(t, s, "/healthz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("want 503, got %d", rec.Code)
	}
}
