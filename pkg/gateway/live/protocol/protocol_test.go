package protocol

import (
	"errors"
	"testing"
)

func decodeErr(t *testing.T, data string) *DecodeError {
	t.Helper()
	_, err := DecodeClientMessage([]byte(data))
	if err == nil {
		t.Fatalf("expected decode error for %s", data)
	}
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("error %v is not a DecodeError", err)
	}
	return de
}

func TestDecodeJoin(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"join","protocol_version":"1","session_id":"sess_1"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	join, ok := msg.(ClientJoin)
	if !ok {
		t.Fatalf("decoded %T, want ClientJoin", msg)
	}
	if join.SessionID != "sess_1" || join.Viewer {
		t.Fatalf("join = %+v", join)
	}
}

func TestDecodeJoinValidation(t *testing.T) {
	if de := decodeErr(t, `{"type":"join","session_id":"s"}`); de.Param != "protocol_version" {
		t.Fatalf("param = %q", de.Param)
	}
	if de := decodeErr(t, `{"type":"join","protocol_version":"2","session_id":"s"}`); de.Code != "unsupported" {
		t.Fatalf("code = %q", de.Code)
	}
	if de := decodeErr(t, `{"type":"join","protocol_version":"1"}`); de.Param != "session_id" {
		t.Fatalf("param = %q", de.Param)
	}
}

func TestDecodeAudioFrame(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"audio_frame","data_b64":"AAAA"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := msg.(ClientAudioFrame); !ok {
		t.Fatalf("decoded %T", msg)
	}
	if de := decodeErr(t, `{"type":"audio_frame"}`); de.Param != "data_b64" {
		t.Fatalf("param = %q", de.Param)
	}
}

func TestDecodeControl(t *testing.T) {
	for _, op := range []string{OpPause, OpResume, OpEnd, OpAbandon, OpFinalize} {
		msg, err := DecodeClientMessage([]byte(`{"type":"control","op":"` + op + `"}`))
		if err != nil {
			t.Fatalf("decode %s: %v", op, err)
		}
		ctl, ok := msg.(ClientControl)
		if !ok || ctl.Op != op {
			t.Fatalf("decoded %+v for op %s", msg, op)
		}
	}
	if de := decodeErr(t, `{"type":"control","op":"reboot"}`); de.Code != "unsupported" {
		t.Fatalf("code = %q", de.Code)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	decodeErr(t, `not json`)
	decodeErr(t, `{"no_type":true}`)
	decodeErr(t, `{"type":"dance"}`)
}

func TestActionEventType(t *testing.T) {
	cases := map[string]string{
		"interrupt":          "ai:interrupt",
		"probe_deeper":       "ai:probe",
		"change_direction":   "ai:redirect",
		"move_forward":       "ai:move_forward",
		"continue_listening": "",
	}
	for action, want := range cases {
		if got := ActionEventType(action); got != want {
			t.Fatalf("ActionEventType(%q) = %q, want %q", action, got, want)
		}
	}
}
