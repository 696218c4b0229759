package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxprep/voxprep/pkg/decision"
	"github.com/voxprep/voxprep/pkg/gateway/config"
	"github.com/voxprep/voxprep/pkg/gateway/live/room"
	"github.com/voxprep/voxprep/pkg/gateway/live/runner"
	"github.com/voxprep/voxprep/pkg/gateway/sessions"
	"github.com/voxprep/voxprep/pkg/ledger"
	"github.com/voxprep/voxprep/pkg/metrics"
	"github.com/voxprep/voxprep/pkg/report"
	"github.com/voxprep/voxprep/pkg/session"
	"github.com/voxprep/voxprep/pkg/voice/stt"
	"github.com/voxprep/voxprep/pkg/voice/tts"
)

type fixedProvider struct{}

func (fixedProvider) Complete(ctx context.Context, prompt decision.Prompt) (string, error) {
	return `{"action":"CONTINUE_LISTENING"}`, nil
}

func testConfig() config.Config {
	return config.Config{
		Addr:                    ":0",
		AuthMode:                config.AuthModeDisabled,
		OpenAIKey:               "test",
		CartesiaKey:             "test",
		LiveMaxAudioFrameBytes:  8192,
		LiveMaxJSONMessageBytes: 64 << 10,
		LiveWSPingInterval:      20 * time.Second,
		LiveWSWriteTimeout:      5 * time.Second,
		LiveHandshakeTimeout:    5 * time.Second,
		EvalQueueCapacity:       8,
		ReadHeaderTimeout:       10 * time.Second,
		ShutdownGracePeriod:     30 * time.Second,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	lg, err := ledger.New(ledger.NewMemoryStore(), ledger.Options{Logger: logger})
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	if _, err := lg.AddTokens(context.Background(), "dev", 1000, ledger.SourceSignupBonus, ""); err != nil {
		t.Fatalf("AddTokens: %v", err)
	}
	manager, err := session.NewManager(session.NewMemoryStore(), lg, session.ManagerOptions{Logger: logger})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	evaluator, err := decision.NewEvaluator(fixedProvider{}, manager, decision.EvaluatorOptions{Logger: logger})
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	reports, err := report.NewGenerator(fixedProvider{}, report.NewMemoryStore(), report.GeneratorOptions{Logger: logger})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	sttProvider, err := stt.NewCartesia("test", stt.CartesiaOptions{})
	if err != nil {
		t.Fatalf("stt.NewCartesia: %v", err)
	}
	ttsProvider, err := tts.NewCartesia("test", tts.CartesiaOptions{DefaultVoice: "voice"})
	if err != nil {
		t.Fatalf("tts.NewCartesia: %v", err)
	}

	cfg := testConfig()
	return New(Deps{
		Cfg:     cfg,
		Logger:  logger,
		Ledger:  lg,
		Manager: manager,
		Reports: reports,
		Metrics: metrics.New("test"),
		Live: runner.Deps{
			Cfg:       cfg,
			Logger:    logger,
			Manager:   manager,
			Evaluator: evaluator,
			Reports:   reports,
			STT:       sttProvider,
			TTS:       ttsProvider,
			Rooms:     room.NewRegistry(),
			Tracker:   sessions.NewTracker(),
			Metrics:   metrics.New("test"),
		},
	})
}

func TestServerPublicEndpoints(t *testing.T) {
	h := newTestServer(t).Handler()

	for _, path := range []string{"/healthz", "/metrics"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, rec.Code)
		}
	}
}

func TestServerSessionLifecycleOverREST(t *testing.T) {
	h := newTestServer(t).Handler()

	body := `{"mode":"interview","scenario":{"role":"SRE"},"difficulty":"medium","target_minutes":5,"skill_focus":["clarity"]}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sessions", strings.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/"+created.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/balance", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("balance status = %d", rec.Code)
	}
	var bal struct {
		Balance int64 `json:"balance"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &bal); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if bal.Balance != 950 {
		t.Fatalf("balance = %d, want 950 after locking 50", bal.Balance)
	}
}

func TestServerOwnershipIsolation(t *testing.T) {
	h := newTestServer(t).Handler()

	body := `{"mode":"interview","scenario":{"role":"SRE"},"difficulty":"medium","target_minutes":5,"skill_focus":["clarity"]}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sessions", strings.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}
	var created struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &created)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/"+created.ID, nil)
	req.Header.Set("X-User-ID", "someone_else")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("cross-user get status = %d, want 401", rec.Code)
	}
}

func TestServerPurchaseDisabled(t *testing.T) {
	h := newTestServer(t).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/purchases/apply", strings.NewReader(`{"payment_intent_id":"pi_1"}`)))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 when billing disabled", rec.Code)
	}
}

func TestServerUnknownRouteIs404JSON(t *testing.T) {
	h := newTestServer(t).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Fatalf("content type = %q", ct)
	}
}

func TestServerLiveUpgradeThroughMiddleware(t *testing.T) {
	// The upgrade must survive the full middleware chain: the access log
	// wrapper has to expose the hijacker or the handshake dies with a 500.
	srv := httptest.NewServer(newTestServer(t).Handler())
	defer srv.Close()

	body := `{"mode":"interview","scenario":{"role":"SRE"},"difficulty":"medium","target_minutes":5,"skill_focus":["clarity"]}`
	resp, err := http.Post(srv.URL+"/v1/sessions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/live"
	conn, hresp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		status := 0
		if hresp != nil {
			status = hresp.StatusCode
		}
		t.Fatalf("dial = %v (status %d), want switching protocols", err, status)
	}
	defer conn.Close()

	join := map[string]any{"type": "join", "protocol_version": "1", "session_id": created.ID}
	if err := conn.WriteJSON(join); err != nil {
		t.Fatalf("WriteJSON join: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var event struct {
		Type string `json:"type"`
	}
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if event.Type != "session:joined" {
		t.Fatalf("first event = %q, want session:joined", event.Type)
	}
}

func TestServerLiveRejectsPlainGET(t *testing.T) {
	h := newTestServer(t).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/live", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for missing upgrade headers", rec.Code)
	}
}
