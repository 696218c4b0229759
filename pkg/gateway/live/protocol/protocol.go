// Package protocol defines the JSON wire protocol for /v1/live. Client
// frames carry a type discriminator; decoding is strict and every rejection
// names the offending field.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const ProtocolVersion1 = "1"

// Control operations a client may request on its session.
const (
	OpPause    = "pause"
	OpResume   = "resume"
	OpEnd      = "end"
	OpAbandon  = "abandon"
	OpFinalize = "finalize"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// ClientJoin attaches the connection to a session. The first join activates
// the session; a join on a paused session resumes it. viewer=true attaches
// read-only.
type ClientJoin struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	Viewer          bool   `json:"viewer,omitempty"`
}

// ClientAudioFrame carries one base64 audio frame. Clients may instead send
// raw binary websocket messages; those bypass JSON entirely.
type ClientAudioFrame struct {
	Type    string `json:"type"`
	DataB64 string `json:"data_b64"`
}

// ClientControl requests a session lifecycle change.
type ClientControl struct {
	Type string `json:"type"`
	Op   string `json:"op"`
}

// DecodeClientMessage parses one text frame into a typed client message.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "join":
		var msg ClientJoin
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid join frame", "")
		}
		if strings.TrimSpace(msg.ProtocolVersion) == "" {
			return nil, badRequest("join.protocol_version is required", "protocol_version")
		}
		if msg.ProtocolVersion != ProtocolVersion1 {
			return nil, unsupported("unsupported protocol version", "protocol_version")
		}
		if strings.TrimSpace(msg.SessionID) == "" {
			return nil, badRequest("join.session_id is required", "session_id")
		}
		return msg, nil
	case "audio_frame":
		var msg ClientAudioFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_frame", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("audio_frame.data_b64 is required", "data_b64")
		}
		return msg, nil
	case "control":
		var msg ClientControl
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid control", "")
		}
		op := strings.TrimSpace(msg.Op)
		if op == "" {
			return nil, badRequest("control.op is required", "op")
		}
		switch op {
		case OpPause, OpResume, OpEnd, OpAbandon, OpFinalize:
		default:
			return nil, unsupported("unsupported control operation", "op")
		}
		msg.Op = op
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// Server events. Each carries its type string so clients can switch on one
// discriminator.

type SessionJoined struct {
	Type      string `json:"type"` // "session:joined"
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Stage     string `json:"stage"`
	Viewer    bool   `json:"viewer,omitempty"`
}

type SessionStarted struct {
	Type            string `json:"type"` // "session:started"
	SessionID       string `json:"session_id"`
	OpeningText     string `json:"opening_text"`
	OpeningAudioB64 string `json:"opening_audio_b64,omitempty"`
	AudioFormat     string `json:"audio_format,omitempty"`
}

type TranscriptPartial struct {
	Type       string  `json:"type"` // "transcript:partial"
	Text       string  `json:"text"`
	IsFinal    bool    `json:"is_final"`
	Confidence float64 `json:"confidence"`
	Speaker    string  `json:"speaker"`
}

// AIAction is emitted for every speaking decision: type is one of
// "ai:interrupt", "ai:probe", "ai:redirect", "ai:move_forward".
type AIAction struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	AudioB64 string `json:"audio_b64,omitempty"`
	Stage    string `json:"stage,omitempty"`
}

type SessionPaused struct {
	Type   string `json:"type"` // "session:paused"
	Reason string `json:"reason,omitempty"`
}

type SessionResumed struct {
	Type string `json:"type"` // "session:resumed"
}

type SessionEnded struct {
	Type       string `json:"type"` // "session:ended"
	Status     string `json:"status"`
	TokensUsed int64  `json:"tokens_used"`
	ReportID   string `json:"report_id,omitempty"`
}

type SessionError struct {
	Type    string `json:"type"` // "session:error"
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
	Close   bool   `json:"close,omitempty"`
}

// ActionEventType maps a decision action name onto its wire event type.
func ActionEventType(action string) string {
	switch action {
	case "interrupt":
		return "ai:interrupt"
	case "probe_deeper":
		return "ai:probe"
	case "change_direction":
		return "ai:redirect"
	case "move_forward":
		return "ai:move_forward"
	default:
		return ""
	}
}
