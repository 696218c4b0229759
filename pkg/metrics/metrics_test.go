package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetricsEndpointExposesInstruments(t *testing.T) {
	m := New("voxprep")
	m.RecordSessionStart()
	m.RecordSessionEnd("completed", 5*time.Minute)
	m.RecordAudio("in", 2048)
	m.RecordEvaluation("interrupt", 800*time.Millisecond)
	m.RecordFragmentDropped()
	m.RecordTokens("locked", 100)
	m.RecordTokens("deducted", 100)
	m.RecordProviderError("cartesia-stt")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()

	for _, want := range []string{
		`voxprep_sessions_total{status="completed"} 1`,
		`voxprep_audio_bytes_total{direction="in"} 2048`,
		`voxprep_evaluations_total{action="interrupt"} 1`,
		`voxprep_fragments_dropped_total 1`,
		`voxprep_tokens_locked_total 100`,
		`voxprep_tokens_deducted_total 100`,
		`voxprep_provider_errors_total{provider="cartesia-stt"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestMetricsNilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordSessionStart()
	m.RecordSessionEnd("completed", time.Minute)
	m.RecordAudio("out", 10)
	m.RecordEvaluation("probe_deeper", time.Second)
	m.RecordFragmentDropped()
	m.RecordTokens("refunded", 5)
	m.RecordProviderError("openai")
}

func TestMetricsDefaultNamespace(t *testing.T) {
	m := New("")
	m.RecordSessionStart()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "voxprep_sessions_active 1") {
		t.Fatal("default namespace not applied")
	}
}
