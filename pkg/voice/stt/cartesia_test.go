package stt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestNewCartesiaRequiresKey(t *testing.T) {
	if _, err := NewCartesia("", CartesiaOptions{}); err == nil {
		t.Fatal("expected error for missing api key")
	}
	p, err := NewCartesia("key", CartesiaOptions{})
	if err != nil {
		t.Fatalf("NewCartesia: %v", err)
	}
	if p.Name() != "cartesia" {
		t.Fatalf("name = %q, want cartesia", p.Name())
	}
}

func TestStreamDeliversDeltasAndCloseIsIdempotent(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("model") != "ink-whisper" {
			t.Errorf("model = %q", r.URL.Query().Get("model"))
		}
		if r.Header.Get("X-API-Key") != "key" {
			t.Errorf("missing api key header")
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"transcript","text":"hel","is_final":false}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"transcript","text":"hello world","is_final":true,"probability":0.93}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"done"}`))

		// Drain until the client hangs up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	p, err := NewCartesia("key", CartesiaOptions{WSURL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	if err != nil {
		t.Fatalf("NewCartesia: %v", err)
	}
	sess, err := p.Stream(context.Background(), StreamConfig{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var deltas []Delta
	for d := range sess.Deltas() {
		deltas = append(deltas, d)
	}
	if len(deltas) != 2 {
		t.Fatalf("got %d deltas, want 2", len(deltas))
	}
	if deltas[0].IsFinal {
		t.Fatalf("first delta must be partial")
	}
	if !deltas[1].IsFinal || deltas[1].Text != "hello world" || deltas[1].Confidence != 0.93 {
		t.Fatalf("final delta = %+v", deltas[1])
	}

	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not report done")
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close must be a no-op, got %v", err)
	}
	if err := sess.SendAudio([]byte{1, 2}); err == nil {
		t.Fatal("SendAudio after Close must fail")
	}
}
