package runner

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxprep/voxprep/pkg/decision"
	"github.com/voxprep/voxprep/pkg/gateway/config"
	"github.com/voxprep/voxprep/pkg/gateway/live/room"
	"github.com/voxprep/voxprep/pkg/gateway/sessions"
	"github.com/voxprep/voxprep/pkg/ledger"
	"github.com/voxprep/voxprep/pkg/metrics"
	"github.com/voxprep/voxprep/pkg/report"
	"github.com/voxprep/voxprep/pkg/session"
	"github.com/voxprep/voxprep/pkg/voice/stt"
	"github.com/voxprep/voxprep/pkg/voice/tts"
)

// fakeSTTSession lets the test inject transcription deltas.
type fakeSTTSession struct {
	deltas chan stt.Delta
	done   chan struct{}

	mu        sync.Mutex
	audio     int
	finalized bool
	closed    bool
}

func newFakeSTTSession() *fakeSTTSession {
	return &fakeSTTSession{
		deltas: make(chan stt.Delta, 16),
		done:   make(chan struct{}),
	}
}

func (s *fakeSTTSession) SendAudio(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio += len(frame)
	return nil
}

func (s *fakeSTTSession) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = true
	return nil
}

func (s *fakeSTTSession) Deltas() <-chan stt.Delta { return s.deltas }
func (s *fakeSTTSession) Done() <-chan struct{}    { return s.done }

func (s *fakeSTTSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.deltas)
		close(s.done)
	}
	return nil
}

func (s *fakeSTTSession) emit(text string, final bool) {
	s.deltas <- stt.Delta{Text: text, IsFinal: final, Confidence: 0.9}
}

type fakeSTT struct {
	session *fakeSTTSession
}

func (f *fakeSTT) Name() string { return "fake-stt" }

func (f *fakeSTT) Stream(ctx context.Context, cfg stt.StreamConfig) (stt.Session, error) {
	return f.session, nil
}

type fakeTTS struct{}

func (fakeTTS) Name() string { return "fake-tts" }

func (fakeTTS) Synthesize(ctx context.Context, text string, opts tts.Options) (*tts.Synthesis, error) {
	return &tts.Synthesis{Audio: []byte("audio:" + text), Format: "mp3"}, nil
}

// scriptedAI answers the opening prompt with plain text and every
// evaluation with a fixed interrupt decision.
type scriptedAI struct {
	mu    sync.Mutex
	calls int
}

func (p *scriptedAI) Complete(ctx context.Context, prompt decision.Prompt) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls == 1 {
		return "Walk me through your current project.", nil
	}
	return `{"action":"INTERRUPT","response":"Hold on, be specific.","reason":"vague","weakness_detected":"clarity","difficulty_adjustment":0}`, nil
}

type liveFixture struct {
	deps      Deps
	manager   *session.Manager
	ledger    *ledger.Ledger
	sttSess   *fakeSTTSession
	sessionID string
	server    *httptest.Server
}

func newLiveFixture(t *testing.T) *liveFixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	lg, err := ledger.New(ledger.NewMemoryStore(), ledger.Options{Logger: logger})
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	if _, err := lg.AddTokens(context.Background(), "user_1", 500, ledger.SourceSignupBonus, ""); err != nil {
		t.Fatalf("AddTokens: %v", err)
	}
	manager, err := session.NewManager(session.NewMemoryStore(), lg, session.ManagerOptions{Logger: logger})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ai := &scriptedAI{}
	evaluator, err := decision.NewEvaluator(ai, manager, decision.EvaluatorOptions{Logger: logger, MinFragmentRunes: 10})
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	reports, err := report.NewGenerator(ai, report.NewMemoryStore(), report.GeneratorOptions{Logger: logger})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	doc, err := manager.Create(context.Background(), session.CreateParams{
		UserID:         "user_1",
		Mode:           session.ModeInterview,
		Scenario:       session.Scenario{Role: "Backend Engineer"},
		Difficulty:     session.DifficultyMedium,
		TargetDuration: 10 * time.Minute,
		SkillFocus:     []session.Skill{session.SkillClarity},
		QuestionCount:  3,
		TokenCost:      100,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sttSess := newFakeSTTSession()
	deps := Deps{
		Cfg: config.Config{
			LiveMaxAudioFrameBytes:  8192,
			LiveMaxJSONMessageBytes: 64 << 10,
			LiveWSPingInterval:      20 * time.Second,
			LiveWSWriteTimeout:      5 * time.Second,
			LiveHandshakeTimeout:    5 * time.Second,
			EvalQueueCapacity:       8,
		},
		Logger:    logger,
		Manager:   manager,
		Evaluator: evaluator,
		Reports:   reports,
		STT:       &fakeSTT{session: sttSess},
		TTS:       fakeTTS{},
		Rooms:     room.NewRegistry(),
		Tracker:   sessions.NewTracker(),
		Metrics:   metrics.New("test"),
	}

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		userID := r.Header.Get("X-Test-User")
		if userID == "" {
			userID = "user_1"
		}
		New(deps, conn, userID).Run(r.Context())
	}))
	t.Cleanup(srv.Close)

	return &liveFixture{
		deps:      deps,
		manager:   manager,
		ledger:    lg,
		sttSess:   sttSess,
		sessionID: doc.ID,
		server:    srv,
	}
}

func (f *liveFixture) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	header := http.Header{}
	if userID != "" {
		header.Set("X-Test-User", userID)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func joinSession(t *testing.T, conn *websocket.Conn, sessionID string, viewer bool) {
	t.Helper()
	join := map[string]any{
		"type":             "join",
		"protocol_version": "1",
		"session_id":       sessionID,
	}
	if viewer {
		join["viewer"] = true
	}
	if err := conn.WriteJSON(join); err != nil {
		t.Fatalf("write join: %v", err)
	}
}

// readEvent reads frames until one of the wanted type arrives.
func readEvent(t *testing.T, conn *websocket.Conn, wantType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	for time.Now().Before(deadline) {
		var event map[string]any
		if err := conn.ReadJSON(&event); err != nil {
			t.Fatalf("read waiting for %q: %v", wantType, err)
		}
		typ, _ := event["type"].(string)
		if typ == wantType {
			return event
		}
		if typ == "session:error" {
			t.Fatalf("session:error while waiting for %q: %v", wantType, event)
		}
	}
	t.Fatalf("timed out waiting for %q", wantType)
	return nil
}

func TestRunnerFullSessionFlow(t *testing.T) {
	f := newLiveFixture(t)
	conn := f.dial(t, "")
	joinSession(t, conn, f.sessionID, false)

	joined := readEvent(t, conn, "session:joined")
	if joined["status"] != "active" {
		t.Fatalf("joined status = %v, want active", joined["status"])
	}

	started := readEvent(t, conn, "session:started")
	if started["opening_text"] != "Walk me through your current project." {
		t.Fatalf("opening_text = %v", started["opening_text"])
	}
	if b64, _ := started["opening_audio_b64"].(string); b64 == "" {
		t.Fatal("opening audio missing")
	}

	// Partial delta fans out without triggering evaluation.
	f.sttSess.emit("I am currently", false)
	partial := readEvent(t, conn, "transcript:partial")
	if partial["is_final"] != false {
		t.Fatalf("partial marked final: %v", partial)
	}
	if partial["confidence"] != 0.9 {
		t.Fatalf("partial confidence = %v, want 0.9", partial["confidence"])
	}
	if partial["speaker"] != "user" {
		t.Fatalf("partial speaker = %v, want user", partial["speaker"])
	}

	// Final delta feeds the decision loop; the scripted provider replies
	// with an interrupt.
	f.sttSess.emit("I am currently building a distributed job scheduler.", true)
	action := readEvent(t, conn, "ai:interrupt")
	if action["text"] != "Hold on, be specific." {
		t.Fatalf("interrupt text = %v", action["text"])
	}
	if b64, _ := action["audio_b64"].(string); b64 == "" {
		t.Fatal("interrupt audio missing")
	}

	// End the session: tokens settle and the report is generated.
	if err := conn.WriteJSON(map[string]any{"type": "control", "op": "end"}); err != nil {
		t.Fatalf("write end: %v", err)
	}
	ended := readEvent(t, conn, "session:ended")
	if ended["status"] != "completed" {
		t.Fatalf("ended status = %v", ended["status"])
	}
	if ended["tokens_used"] != float64(100) {
		t.Fatalf("tokens_used = %v, want 100", ended["tokens_used"])
	}
	if id, _ := ended["report_id"].(string); id == "" {
		t.Fatal("report_id missing")
	}

	balance, err := f.ledger.Balance(context.Background(), "user_1")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 400 {
		t.Fatalf("balance = %d, want 400 (lock consumed)", balance)
	}

	doc, err := f.manager.Get(context.Background(), f.sessionID, "user_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc.Status != session.StatusCompleted {
		t.Fatalf("session status = %q", doc.Status)
	}
	if doc.Eval.Interruptions != 1 {
		t.Fatalf("interruptions = %d, want 1", doc.Eval.Interruptions)
	}
}

func TestRunnerRejectsSecondDriver(t *testing.T) {
	f := newLiveFixture(t)
	first := f.dial(t, "")
	joinSession(t, first, f.sessionID, false)
	readEvent(t, first, "session:started")

	second := f.dial(t, "")
	joinSession(t, second, f.sessionID, false)

	_ = second.SetReadDeadline(time.Now().Add(3 * time.Second))
	var event map[string]any
	for {
		if err := second.ReadJSON(&event); err != nil {
			t.Fatalf("read: %v", err)
		}
		if event["type"] == "session:error" {
			break
		}
	}
	if event["code"] != "invalid_state" {
		t.Fatalf("error code = %v, want invalid_state", event["code"])
	}
}

func TestRunnerViewerIsReadOnly(t *testing.T) {
	f := newLiveFixture(t)
	driver := f.dial(t, "")
	joinSession(t, driver, f.sessionID, false)
	readEvent(t, driver, "session:started")

	viewer := f.dial(t, "")
	joinSession(t, viewer, f.sessionID, true)
	joined := readEvent(t, viewer, "session:joined")
	if joined["viewer"] != true {
		t.Fatalf("viewer flag missing: %v", joined)
	}

	// Viewer receives broadcasts.
	f.sttSess.emit("partial speech", false)
	readEvent(t, viewer, "transcript:partial")

	// Viewer control is rejected.
	if err := viewer.WriteJSON(map[string]any{"type": "control", "op": "end"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	errEvent := readEvent(t, viewer, "session:error")
	if errEvent["code"] != "unauthorized" {
		t.Fatalf("error code = %v, want unauthorized", errEvent["code"])
	}
}

func TestRunnerRejectsForeignUser(t *testing.T) {
	f := newLiveFixture(t)
	conn := f.dial(t, "intruder")
	joinSession(t, conn, f.sessionID, false)

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var event map[string]any
	for {
		if err := conn.ReadJSON(&event); err != nil {
			t.Fatalf("read: %v", err)
		}
		if event["type"] == "session:error" {
			break
		}
	}
	if event["code"] != "unauthorized" {
		t.Fatalf("error code = %v, want unauthorized", event["code"])
	}
}

func TestRunnerPauseResumeControls(t *testing.T) {
	f := newLiveFixture(t)
	conn := f.dial(t, "")
	joinSession(t, conn, f.sessionID, false)
	readEvent(t, conn, "session:started")

	if err := conn.WriteJSON(map[string]any{"type": "control", "op": "pause"}); err != nil {
		t.Fatalf("write pause: %v", err)
	}
	paused := readEvent(t, conn, "session:paused")
	if paused["reason"] != "user" {
		t.Fatalf("pause reason = %v", paused["reason"])
	}

	if err := conn.WriteJSON(map[string]any{"type": "control", "op": "resume"}); err != nil {
		t.Fatalf("write resume: %v", err)
	}
	readEvent(t, conn, "session:resumed")
}

func TestRunnerAbandonRefundsLock(t *testing.T) {
	f := newLiveFixture(t)
	conn := f.dial(t, "")
	joinSession(t, conn, f.sessionID, false)
	readEvent(t, conn, "session:started")

	if err := conn.WriteJSON(map[string]any{"type": "control", "op": "abandon"}); err != nil {
		t.Fatalf("write abandon: %v", err)
	}
	ended := readEvent(t, conn, "session:ended")
	if ended["status"] != "abandoned" {
		t.Fatalf("status = %v, want abandoned", ended["status"])
	}

	balance, err := f.ledger.Balance(context.Background(), "user_1")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 500 {
		t.Fatalf("balance = %d, want full refund to 500", balance)
	}

	rec := httptest.NewRecorder()
	f.deps.Metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `test_tokens_refunded_total 100`) {
		t.Fatal("refund not recorded on abandon")
	}
}

func TestRunnerDisconnectPausesSession(t *testing.T) {
	f := newLiveFixture(t)
	conn := f.dial(t, "")
	joinSession(t, conn, f.sessionID, false)
	readEvent(t, conn, "session:started")

	conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		doc, err := f.manager.Get(context.Background(), f.sessionID, "user_1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if doc.Status == session.StatusPaused {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session never paused after disconnect")
}

func TestRunnerBinaryAudioForwarded(t *testing.T) {
	f := newLiveFixture(t)
	conn := f.dial(t, "")
	joinSession(t, conn, f.sessionID, false)
	readEvent(t, conn, "session:started")

	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 1024)); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.sttSess.mu.Lock()
		n := f.sttSess.audio
		f.sttSess.mu.Unlock()
		if n == 1024 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("audio never reached the stt session")
}

func TestRunnerOversizedAudioRejected(t *testing.T) {
	f := newLiveFixture(t)
	conn := f.dial(t, "")
	joinSession(t, conn, f.sessionID, false)
	readEvent(t, conn, "session:started")

	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 9000)); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	errEvent := readEvent(t, conn, "session:error")
	if errEvent["code"] != "invalid_request" {
		t.Fatalf("error code = %v", errEvent["code"])
	}
}
