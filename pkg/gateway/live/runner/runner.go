// Package runner drives one live websocket connection: the join handshake,
// the audio ingest path, the transcription stream, the in-order evaluation
// worker, and all outbound traffic.
package runner

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxprep/voxprep/pkg/core"
	"github.com/voxprep/voxprep/pkg/decision"
	"github.com/voxprep/voxprep/pkg/gateway/config"
	"github.com/voxprep/voxprep/pkg/gateway/live/protocol"
	"github.com/voxprep/voxprep/pkg/gateway/live/room"
	"github.com/voxprep/voxprep/pkg/gateway/sessions"
	"github.com/voxprep/voxprep/pkg/metrics"
	"github.com/voxprep/voxprep/pkg/report"
	"github.com/voxprep/voxprep/pkg/session"
	"github.com/voxprep/voxprep/pkg/voice/stt"
	"github.com/voxprep/voxprep/pkg/voice/tts"
)

const (
	priorityBuffer = 16
	normalBuffer   = 64

	// synthesisTimeout bounds one TTS round trip; audio is an enhancement,
	// the text event goes out regardless.
	synthesisTimeout = 10 * time.Second
)

// Deps carries everything a connection needs. All fields except Metrics are
// required.
type Deps struct {
	Cfg       config.Config
	Logger    *slog.Logger
	Manager   *session.Manager
	Evaluator *decision.Evaluator
	Reports   *report.Generator
	STT       stt.Provider
	TTS       tts.Provider
	Rooms     *room.Registry
	Tracker   *sessions.Tracker
	Metrics   *metrics.Metrics
}

// Runner owns one websocket connection for its full lifetime.
type Runner struct {
	deps   Deps
	ws     *websocket.Conn
	userID string
	connID string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	priority chan []byte
	normal   chan []byte

	sessionID string
	room      *room.Room
}

// New builds a runner for an upgraded connection. userID comes from the
// authenticated principal, never from the client payload.
func New(deps Deps, ws *websocket.Conn, userID string) *Runner {
	connID := "conn_" + uuid.NewString()
	return &Runner{
		deps:     deps,
		ws:       ws,
		userID:   userID,
		connID:   connID,
		logger:   deps.Logger.With("conn_id", connID, "user_id", userID),
		priority: make(chan []byte, priorityBuffer),
		normal:   make(chan []byte, normalBuffer),
	}
}

// Run processes the connection until the client leaves or the server shuts
// down. It always returns with the websocket closed.
func (r *Runner) Run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	r.ctx, r.cancel = ctx, cancel
	defer cancel()

	r.ws.SetReadLimit(r.deps.Cfg.LiveMaxJSONMessageBytes)

	writer := &outboundWriter{
		ws:           r.ws,
		ctx:          ctx,
		pingInterval: r.deps.Cfg.LiveWSPingInterval,
		writeTimeout: r.deps.Cfg.LiveWSWriteTimeout,
		priority:     r.priority,
		normal:       r.normal,
	}
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		if err := writer.Run(); err != nil {
			r.logger.Debug("writer stopped", "error", err)
		}
	}()
	defer func() {
		cancel()
		<-writerDone
	}()

	unregister := r.deps.Tracker.Register(r.connID, sessions.Handle{
		Cancel: cancel,
		Warn: func(code, message string) error {
			if r.send(protocol.SessionError{Type: "session:error", Code: code, Message: message}, true) {
				return nil
			}
			return errors.New("connection not accepting writes")
		},
	})
	defer unregister()

	join, err := r.handshake()
	if err != nil {
		r.sendDecodeError(err)
		return
	}

	if join.Viewer {
		r.runViewer(join.SessionID)
		return
	}
	r.runDriver(join.SessionID)
}

// handshake reads the first frame, which must be a valid join, within the
// configured deadline.
func (r *Runner) handshake() (protocol.ClientJoin, error) {
	deadline := time.Now().Add(r.deps.Cfg.LiveHandshakeTimeout)
	if err := r.ws.SetReadDeadline(deadline); err != nil {
		return protocol.ClientJoin{}, err
	}
	messageType, data, err := r.ws.ReadMessage()
	if err != nil {
		return protocol.ClientJoin{}, err
	}
	if messageType != websocket.TextMessage {
		return protocol.ClientJoin{}, errors.New("first frame must be a join message")
	}
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		return protocol.ClientJoin{}, err
	}
	join, ok := msg.(protocol.ClientJoin)
	if !ok {
		return protocol.ClientJoin{}, errors.New("first frame must be a join message")
	}
	return join, r.resetReadDeadline()
}

// resetReadDeadline arms the liveness deadline; pongs from the writer's
// pings push it forward.
func (r *Runner) resetReadDeadline() error {
	wait := r.deps.Cfg.LiveWSPingInterval * 2
	if wait <= 0 {
		return r.ws.SetReadDeadline(time.Time{})
	}
	r.ws.SetPongHandler(func(string) error {
		return r.ws.SetReadDeadline(time.Now().Add(wait))
	})
	return r.ws.SetReadDeadline(time.Now().Add(wait))
}

// runViewer attaches read-only. Viewers receive every broadcast but may not
// send audio or control frames.
func (r *Runner) runViewer(sessionID string) {
	doc, err := r.deps.Manager.Get(r.ctx, sessionID, r.userID)
	if err != nil {
		r.sendSessionError(err, true)
		return
	}

	rm := r.deps.Rooms.AttachViewer(sessionID, r)
	defer rm.Detach(r)
	r.sessionID = sessionID
	r.logger = r.logger.With("session_id", sessionID)
	r.logger.Info("viewer attached")

	r.send(protocol.SessionJoined{
		Type:      "session:joined",
		SessionID: doc.ID,
		Status:    string(doc.Status),
		Stage:     string(doc.Eval.Stage),
		Viewer:    true,
	}, true)

	for {
		messageType, data, err := r.ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			r.send(protocol.SessionError{Type: "session:error", Code: "invalid_request", Message: "viewers cannot send audio"}, true)
			continue
		}
		if _, err := protocol.DecodeClientMessage(data); err != nil {
			r.sendDecodeError(err)
			continue
		}
		r.send(protocol.SessionError{Type: "session:error", Code: "unauthorized", Message: "viewer connections are read-only"}, true)
	}
}

// runDriver attaches as the single active participant and drives the
// session state machine.
func (r *Runner) runDriver(sessionID string) {
	doc, firstJoin, err := r.deps.Manager.Join(r.ctx, sessionID, r.userID)
	if err != nil {
		r.sendSessionError(err, true)
		return
	}

	rm, err := r.deps.Rooms.AttachDriver(sessionID, r)
	if err != nil {
		// Another connection already drives this session. Leave the
		// session active for it.
		r.sendSessionError(err, true)
		return
	}
	defer rm.Detach(r)
	r.room = rm
	r.sessionID = sessionID
	r.logger = r.logger.With("session_id", sessionID)

	r.deps.Metrics.RecordSessionStart()
	connStart := time.Now()
	terminal := ""
	defer func() {
		r.deps.Metrics.RecordSessionEnd(terminal, time.Since(connStart))
	}()

	// A dropped connection pauses the session so the user can come back;
	// only an explicit control op ends it.
	defer func() {
		if terminal != "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.deps.Manager.Pause(ctx, sessionID, r.userID, "disconnect"); err != nil && !core.IsType(err, core.ErrInvalidState) {
			r.logger.Warn("pause on disconnect failed", "error", err)
		}
	}()

	r.send(protocol.SessionJoined{
		Type:      "session:joined",
		SessionID: doc.ID,
		Status:    string(session.StatusActive),
		Stage:     string(doc.Eval.Stage),
	}, true)

	if firstJoin {
		r.openSession(doc)
	} else {
		rm.Broadcast(protocol.SessionResumed{Type: "session:resumed"})
	}

	sttSession, err := r.deps.STT.Stream(r.ctx, stt.StreamConfig{
		Model:      r.deps.Cfg.STTModel,
		Language:   r.deps.Cfg.STTLanguage,
		Encoding:   r.deps.Cfg.STTEncoding,
		SampleRate: r.deps.Cfg.STTSampleRate,
	})
	if err != nil {
		r.logger.Error("stt stream failed", "error", err)
		r.deps.Metrics.RecordProviderError(r.deps.STT.Name())
		r.sendSessionError(err, true)
		return
	}
	defer sttSession.Close()

	queue := newEvalQueue(r.deps.Cfg.EvalQueueCapacity)
	evalDone := make(chan struct{})
	go func() {
		defer close(evalDone)
		r.evalWorker(queue)
	}()
	defer func() {
		queue.Close()
		<-evalDone
	}()

	go r.consumeDeltas(sttSession, queue)

	var idle *time.Timer
	if r.deps.Cfg.IdleAutoPause > 0 {
		idle = time.AfterFunc(r.deps.Cfg.IdleAutoPause, func() { r.autoPause() })
		defer idle.Stop()
	}

	for {
		messageType, data, err := r.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Debug("read loop ended", "error", err)
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			r.handleAudio(sttSession, data, idle)
		case websocket.TextMessage:
			msg, err := protocol.DecodeClientMessage(data)
			if err != nil {
				r.sendDecodeError(err)
				continue
			}
			switch m := msg.(type) {
			case protocol.ClientAudioFrame:
				frame, err := base64.StdEncoding.DecodeString(m.DataB64)
				if err != nil {
					r.send(protocol.SessionError{Type: "session:error", Code: "invalid_request", Message: "audio_frame.data_b64 is not valid base64", Param: "data_b64"}, true)
					continue
				}
				r.handleAudio(sttSession, frame, idle)
			case protocol.ClientControl:
				done, status := r.handleControl(m.Op, sttSession, queue)
				if done {
					terminal = status
					return
				}
			case protocol.ClientJoin:
				r.send(protocol.SessionError{Type: "session:error", Code: "invalid_state", Message: "connection already joined"}, true)
			}
		}
	}
}

// openSession generates and speaks the opening question. Every failure
// degrades: a provider error falls back to the canned opening, a TTS error
// to a text-only event.
func (r *Runner) openSession(doc *session.Session) {
	ctx, cancel := context.WithTimeout(r.ctx, 15*time.Second)
	defer cancel()

	text := r.deps.Evaluator.GenerateOpeningQuestion(ctx, doc)
	if err := r.deps.Evaluator.RecordOpening(ctx, doc.ID, text); err != nil {
		r.logger.Error("record opening failed", "error", err)
	}

	audio, format := r.synthesize(text)
	r.room.Broadcast(protocol.SessionStarted{
		Type:            "session:started",
		SessionID:       doc.ID,
		OpeningText:     text,
		OpeningAudioB64: audio,
		AudioFormat:     format,
	})
}

func (r *Runner) handleAudio(sttSession stt.Session, frame []byte, idle *time.Timer) {
	if len(frame) == 0 {
		return
	}
	if max := r.deps.Cfg.LiveMaxAudioFrameBytes; max > 0 && len(frame) > max {
		r.send(protocol.SessionError{Type: "session:error", Code: "invalid_request", Message: "audio frame exceeds size limit"}, true)
		return
	}
	if idle != nil {
		idle.Reset(r.deps.Cfg.IdleAutoPause)
	}
	r.deps.Metrics.RecordAudio("in", len(frame))
	if err := sttSession.SendAudio(frame); err != nil {
		r.logger.Warn("audio forward failed", "error", err)
		r.deps.Metrics.RecordProviderError(r.deps.STT.Name())
	}
}

// handleControl applies one lifecycle op. It returns done=true with a
// terminal status when the connection should close.
func (r *Runner) handleControl(op string, sttSession stt.Session, queue *evalQueue) (done bool, status string) {
	switch op {
	case protocol.OpPause:
		if err := r.deps.Manager.Pause(r.ctx, r.sessionID, r.userID, "user"); err != nil {
			r.sendSessionError(err, false)
			return false, ""
		}
		r.room.Broadcast(protocol.SessionPaused{Type: "session:paused", Reason: "user"})
	case protocol.OpResume:
		if err := r.deps.Manager.Resume(r.ctx, r.sessionID, r.userID); err != nil {
			r.sendSessionError(err, false)
			return false, ""
		}
		r.room.Broadcast(protocol.SessionResumed{Type: "session:resumed"})
	case protocol.OpFinalize:
		if err := sttSession.Finalize(); err != nil {
			r.logger.Warn("finalize failed", "error", err)
		}
	case protocol.OpEnd:
		status := r.endSession(sttSession, queue)
		if status == "" {
			// Complete was rejected; the session is still live.
			return false, ""
		}
		return true, status
	case protocol.OpAbandon:
		doc, err := r.deps.Manager.Abandon(r.ctx, r.sessionID, r.userID)
		if err != nil {
			r.sendSessionError(err, false)
			return false, ""
		}
		r.deps.Metrics.RecordTokens("refunded", doc.TokensLocked)
		r.room.Broadcast(protocol.SessionEnded{
			Type:       "session:ended",
			Status:     string(doc.Status),
			TokensUsed: doc.TokensUsed,
		})
		return true, string(doc.Status)
	}
	return false, ""
}

// endSession drains pending evaluations, completes the session, and
// generates the report. Report failure is not fatal: the neutral fallback
// inside the generator covers provider errors, and a storage error still
// leaves a completed session the client can close out later.
func (r *Runner) endSession(sttSession stt.Session, queue *evalQueue) string {
	if err := sttSession.Finalize(); err != nil {
		r.logger.Debug("finalize before end failed", "error", err)
	}

	doc, err := r.deps.Manager.Complete(r.ctx, r.sessionID, r.userID)
	if err != nil {
		r.sendSessionError(err, false)
		return ""
	}
	queue.Close()
	r.deps.Metrics.RecordTokens("deducted", doc.TokensUsed)
	if refund := doc.TokensLocked - doc.TokensUsed; refund > 0 {
		r.deps.Metrics.RecordTokens("refunded", refund)
	}

	reportID := ""
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if rep, err := r.deps.Reports.Generate(ctx, doc); err != nil {
		r.logger.Error("report generation failed", "error", err)
	} else {
		reportID = rep.ID
	}

	r.room.Broadcast(protocol.SessionEnded{
		Type:       "session:ended",
		Status:     string(doc.Status),
		TokensUsed: doc.TokensUsed,
		ReportID:   reportID,
	})
	return string(doc.Status)
}

// autoPause fires from the idle timer.
func (r *Runner) autoPause() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := r.deps.Manager.Pause(ctx, r.sessionID, r.userID, "idle")
	if err != nil {
		if !core.IsType(err, core.ErrInvalidState) {
			r.logger.Warn("idle pause failed", "error", err)
		}
		return
	}
	r.logger.Info("session auto-paused", "reason", "idle")
	r.room.Broadcast(protocol.SessionPaused{Type: "session:paused", Reason: "idle"})
}

// consumeDeltas relays transcription updates. Partials only fan out;
// finals also enter the evaluation queue.
func (r *Runner) consumeDeltas(sttSession stt.Session, queue *evalQueue) {
	for delta := range sttSession.Deltas() {
		text := strings.TrimSpace(delta.Text)
		if text == "" {
			continue
		}
		r.room.Broadcast(protocol.TranscriptPartial{
			Type:       "transcript:partial",
			Text:       text,
			IsFinal:    delta.IsFinal,
			Confidence: delta.Confidence,
			Speaker:    string(session.SpeakerUser),
		})
		if delta.IsFinal {
			if queue.Push(text) {
				r.logger.Warn("evaluation queue full, dropped oldest fragment")
				r.deps.Metrics.RecordFragmentDropped()
				r.send(protocol.SessionError{Type: "session:error", Code: "evaluation_backlog", Message: "evaluation queue full, oldest fragment dropped"}, false)
			}
		}
	}
}

// evalWorker processes final fragments strictly in arrival order. Fragments
// below the evaluation threshold still land in the transcript, they just
// never reach the provider.
func (r *Runner) evalWorker(queue *evalQueue) {
	for {
		fragment, ok := queue.Pop()
		if !ok {
			return
		}

		doc, err := r.deps.Manager.Get(r.ctx, r.sessionID, r.userID)
		if err != nil {
			r.logger.Warn("session read failed in eval loop", "error", err)
			continue
		}
		if doc.Status != session.StatusActive {
			continue
		}

		d := decision.FailSafe()
		if r.deps.Evaluator.ShouldEvaluate(fragment) {
			start := time.Now()
			d = r.deps.Evaluator.Evaluate(r.ctx, doc, fragment)
			r.deps.Metrics.RecordEvaluation(d.Action.String(), time.Since(start))
		}

		outcome, err := r.deps.Evaluator.Apply(r.ctx, r.sessionID, fragment, d)
		if err != nil {
			r.logger.Warn("decision apply failed", "error", err)
			continue
		}

		if !d.Action.Speaks() || d.Response == "" {
			continue
		}
		audio, _ := r.synthesize(d.Response)
		event := protocol.AIAction{
			Type:     protocol.ActionEventType(d.Action.String()),
			Text:     d.Response,
			AudioB64: audio,
		}
		if outcome.StageAdvanced {
			event.Stage = string(outcome.Session.Eval.Stage)
		}
		r.room.Broadcast(event)
	}
}

// synthesize converts text to base64 audio, best effort.
func (r *Runner) synthesize(text string) (audioB64, format string) {
	if text == "" {
		return "", ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), synthesisTimeout)
	defer cancel()
	syn, err := r.deps.TTS.Synthesize(ctx, text, tts.Options{
		Voice: r.deps.Cfg.CartesiaVoice,
	})
	if err != nil {
		r.logger.Warn("synthesis failed, sending text only", "error", err)
		r.deps.Metrics.RecordProviderError(r.deps.TTS.Name())
		return "", ""
	}
	r.deps.Metrics.RecordAudio("out", len(syn.Audio))
	return base64.StdEncoding.EncodeToString(syn.Audio), syn.Format
}

// Send implements room.Sink. Broadcast traffic rides the normal channel and
// is dropped rather than blocking a slow connection.
func (r *Runner) Send(event any) bool {
	return r.send(event, false)
}

func (r *Runner) send(event any, priority bool) bool {
	data, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("event marshal failed", "error", err)
		return false
	}
	if r.ctx == nil {
		return false
	}
	if priority {
		// Lifecycle events block until delivered or the connection dies.
		select {
		case r.priority <- data:
			return true
		case <-r.ctx.Done():
			return false
		}
	}
	// Broadcast traffic never blocks; a full buffer means a slow reader.
	select {
	case r.normal <- data:
		return true
	default:
		return false
	}
}

func (r *Runner) sendDecodeError(err error) {
	var de *protocol.DecodeError
	if errors.As(err, &de) {
		r.send(protocol.SessionError{Type: "session:error", Code: de.Code, Message: de.Message, Param: de.Param}, true)
		return
	}
	r.send(protocol.SessionError{Type: "session:error", Code: "invalid_request", Message: "malformed frame", Close: true}, true)
}

// sendSessionError maps an internal error onto the wire without leaking
// details of unknown errors.
func (r *Runner) sendSessionError(err error, close bool) {
	var ce *core.Error
	if errors.As(err, &ce) {
		r.send(protocol.SessionError{Type: "session:error", Code: string(ce.Type), Message: ce.Message, Close: close}, true)
		return
	}
	r.send(protocol.SessionError{Type: "session:error", Code: string(core.ErrInternal), Message: "internal error", Close: close}, true)
}
