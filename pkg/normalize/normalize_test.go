package normalize

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alimk/ecowatch-sync/pkg/models"
)

var quiet = Normalizer{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

func sampleReading(id string, ts time.Time) models.Reading {
	return models.Reading{
		DeviceID: id,
		Location: models.Location{Lat: -1.286, Lng: 36.817},
		Parameters: models.ParameterSet{
			Temperature:     24.5,
			PH:              7.2,
			Turbidity:       12,
			DissolvedOxygen: 6.1,
			Nitrate:         2.3,
			Phosphate:       0.04,
		},
		BloomRisk: models.BloomRiskLow,
		Analysis:  "stable",
		Timestamp: ts,
	}
}

// toGeneric round-trips v through JSON so the normalizer sees exactly what
// json.Unmarshal into `any` would produce for a server body.
func toGeneric(t *testing.T, v any) any {
	t.Helper()
	buf, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out any
	if err := json.Unmarshal(buf, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func sameReadings(t *testing.T, got, want []models.Reading) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("want %d readings, got %d: %+v", len(want), len(got), got)
	}
	for i := range want {
		g, w := got[i], want[i]
		if !g.Timestamp.Equal(w.Timestamp) {
			t.Fatalf("reading %d: timestamp %v != %v", i, g.Timestamp, w.Timestamp)
		}
		g.Timestamp, w.Timestamp = time.Time{}, time.Time{}
		if g != w {
			t.Fatalf("reading %d:\n got %+v\nwant %+v", i, g, w)
		}
	}
}

func TestNormalizeShapes(t *testing.T) {
	ts := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	r := sampleReading("sensor-01", ts)

	t.Run("sequence", func(t *testing.T) {
		got, shape := quiet.Detect(toGeneric(t, []models.Reading{r}))
		if shape != ShapeSequence {
			t.Fatalf("want sequence, got %s", shape)
		}
		sameReadings(t, got, []models.Reading{r})
	})

	t.Run("success envelope", func(t *testing.T) {
		raw := toGeneric(t, map[string]any{"success": true, "data": []models.Reading{r}})
		got, shape := quiet.Detect(raw)
		if shape != ShapeEnvelope {
			t.Fatalf("want envelope, got %s", shape)
		}
		sameReadings(t, got, []models.Reading{r})
	})

	t.Run("single object", func(t *testing.T) {
		got, shape := quiet.Detect(toGeneric(t, r))
		if shape != ShapeSingle {
			t.Fatalf("want single, got %s", shape)
		}
		sameReadings(t, got, []models.Reading{r})
	})

	t.Run("empty object", func(t *testing.T) {
		got, shape := quiet.Detect(map[string]any{})
		if shape != ShapeUnknown {
			t.Fatalf("want unknown, got %s", shape)
		}
		if got == nil || len(got) != 0 {
			t.Fatalf("want empty non-nil slice, got %#v", got)
		}
	})

	t.Run("success wrapper around single object resolves as single", func(t *testing.T) {
		raw := toGeneric(t, r).(map[string]any)
		raw["success"] = true
		raw["data"] = map[string]any{"unexpected": "object"}
		got, shape := quiet.Detect(raw)
		if shape != ShapeSingle {
			t.Fatalf("want single, got %s", shape)
		}
		sameReadings(t, got, []models.Reading{r})
	})

	t.Run("failed envelope is not unwrapped", func(t *testing.T) {
		raw := toGeneric(t, map[string]any{"success": false, "data": []models.Reading{r}})
		if got := quiet.Normalize(raw); len(got) != 0 {
			t.Fatalf("want no readings for success=false, got %d", len(got))
		}
	})

	t.Run("typed slice passes through as a copy", func(t *testing.T) {
		in := []models.Reading{r}
		got := quiet.Normalize(in)
		got[0].DeviceID = "mutated"
		if in[0].DeviceID != "sensor-01" {
			t.Fatal("normalize must not alias the caller's slice")
		}
	})
}

func TestNormalizeIsTotal(t *testing.T) {
	inputs := []any{
		nil,
		true,
		42.0,
		"sensor-01",
		[]any{},
		[]any{1.0, "x", nil, []any{}},
		map[string]any{"success": "yes"},
		map[string]any{"success": true, "data": "nope"},
		map[string]any{"deviceId": 17.0},
		map[string]any{"deviceId": ""},
		map[string]any{"deviceId": "x", "parameters": "broken"},
		map[string]any{"deviceId": "x", "timestamp": "not a time"},
		[]any{map[string]any{"deviceId": "ok"}, map[string]any{"parameters": []any{1.0}}},
	}
	for i, in := range inputs {
		func() {
			defer func() {
				if p := recover(); p != nil {
					t.Fatalf("input %d (%#v) panicked: %v", i, in, p)
				}
			}()
			if got := quiet.Normalize(in); got == nil {
				t.Fatalf("input %d returned nil slice", i)
			}
		}()
	}
}

func TestNormalizeSkipsBadElements(t *testing.T) {
	raw := []any{
		map[string]any{"deviceId": "a"},
		"garbage",
		map[string]any{"deviceId": "b", "parameters": "broken"},
		map[string]any{"deviceId": "c"},
	}
	got := quiet.Normalize(raw)
	if len(got) != 2 || got[0].DeviceID != "a" || got[1].DeviceID != "c" {
		t.Fatalf("want readings a and c, got %+v", got)
	}
}

func TestNormalizeCoercesLooseFieldTypes(t *testing.T) {
	body := `[
		{"deviceId":"a","timestamp":1717236000000,"parameters":{"temperature":"24.5","pH":" 7.2 ","turbidity":12,"dissolvedOxygen":"n/a","nitrate":2,"phosphate":0.04},"location":{"lat":"-1.5","lng":36.8}},
		{"deviceId":"b","timestamp":"2024-06-01 10:00:00","bloomRisk":3},
		{"deviceId":"c","timestamp":"not a time"}
	]`
	var raw any
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		t.Fatal(err)
	}
	snapshot, _ := json.Marshal(raw)

	got := quiet.Normalize(raw)
	if len(got) != 3 {
		t.Fatalf("loosely typed readings must survive, got %+v", got)
	}

	a := got[0]
	wantTS := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	if !a.Timestamp.Equal(wantTS) {
		t.Fatalf("epoch millis: got %v", a.Timestamp)
	}
	if a.Parameters.Temperature != 24.5 || a.Parameters.PH != 7.2 || a.Parameters.DissolvedOxygen != 0 {
		t.Fatalf("unexpected parameters %+v", a.Parameters)
	}
	if a.Location.Lat != -1.5 || a.Location.Lng != 36.8 {
		t.Fatalf("unexpected location %+v", a.Location)
	}

	if !got[1].Timestamp.Equal(wantTS) || got[1].BloomRisk != "" {
		t.Fatalf("unexpected reading b %+v", got[1])
	}
	if !got[2].Timestamp.IsZero() {
		t.Fatalf("unparseable timestamp must read as zero, got %v", got[2].Timestamp)
	}

	after, _ := json.Marshal(raw)
	if string(after) != string(snapshot) {
		t.Fatal("Normalize modified its input")
	}
}

func TestNormalizeJSON(t *testing.T) {
	got, err := NormalizeJSON([]byte(`{"success":1,"data":[{"deviceId":"sensor-02","parameters":{"temperature":0,"pH":0,"turbidity":0,"dissolvedOxygen":0,"nitrate":0,"phosphate":0}}]}`))
	if err != nil {
		t.Fatalf("NormalizeJSON: %v", err)
	}
	if len(got) != 1 || got[0].DeviceID != "sensor-02" {
		t.Fatalf("unexpected readings: %+v", got)
	}

	if _, err := NormalizeJSON([]byte(`<html>502</html>`)); err == nil {
		t.Fatal("expected decode error for non-JSON body")
	}
}

func TestLatestKeepsNewestPerDevice(t *testing.T) {
	t0 := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	older := sampleReading("a", t0)
	newer := sampleReading("a", t0.Add(time.Minute))
	newer.Parameters.Temperature = 31
	other := sampleReading("b", t0)

	got := Latest([]models.Reading{newer, other, older})
	if len(got) != 2 {
		t.Fatalf("want 2 devices, got %d", len(got))
	}
	if got[0].DeviceID != "a" || got[0].Parameters.Temperature != 31 {
		t.Fatalf("want newest snapshot for a first, got %+v", got[0])
	}
	if got[1].DeviceID != "b" {
		t.Fatalf("want b second, got %s", got[1].DeviceID)
	}

	tie := sampleReading("a", t0.Add(time.Minute))
	tie.Analysis = "later in payload"
	got = Latest([]models.Reading{newer, tie})
	if got[0].Analysis != "later in payload" {
		t.Fatalf("tie should resolve to the later element, got %q", got[0].Analysis)
	}
}
