package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxprep/voxprep/pkg/core"
)

const (
	cartesiaWSURL   = "wss://api.cartesia.ai/stt/websocket"
	cartesiaVersion = "2025-04-16"

	defaultModel      = "ink-whisper"
	defaultLanguage   = "en"
	defaultEncoding   = "pcm_s16le"
	defaultSampleRate = 16000
)

// Cartesia implements Provider over Cartesia's streaming STT websocket.
type Cartesia struct {
	apiKey string
	wsURL  string
	dialer *websocket.Dialer
}

// CartesiaOptions configures the Cartesia STT provider.
type CartesiaOptions struct {
	// WSURL overrides the websocket endpoint, for tests.
	WSURL string
}

// NewCartesia creates a Cartesia STT provider.
func NewCartesia(apiKey string, opts CartesiaOptions) (*Cartesia, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if opts.WSURL == "" {
		opts.WSURL = cartesiaWSURL
	}
	return &Cartesia{
		apiKey: apiKey,
		wsURL:  opts.WSURL,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}, nil
}

func (c *Cartesia) Name() string { return "cartesia" }

// Stream dials the streaming endpoint and starts the read loop. Interim
// transcripts flow continuously; silence-based segmentation is left to the
// caller, so max_silence is deliberately not set.
func (c *Cartesia) Stream(ctx context.Context, cfg StreamConfig) (Session, error) {
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket url: %w", err)
	}

	q := u.Query()
	q.Set("model", orDefault(cfg.Model, defaultModel))
	q.Set("language", orDefault(cfg.Language, defaultLanguage))
	q.Set("encoding", orDefault(cfg.Encoding, defaultEncoding))
	sampleRate := cfg.SampleRate
	if sampleRate == 0 {
		sampleRate = defaultSampleRate
	}
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	if cfg.MinVolume > 0 {
		q.Set("min_volume", strconv.FormatFloat(cfg.MinVolume, 'f', -1, 64))
	}
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("X-API-Key", c.apiKey)
	headers.Set("Cartesia-Version", cartesiaVersion)

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, core.NewProviderError("cartesia-stt", fmt.Errorf("connect (status %d): %s", resp.StatusCode, body))
		}
		return nil, core.NewProviderError("cartesia-stt", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &cartesiaSession{
		conn:   conn,
		deltas: make(chan Delta, 64),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	go s.readLoop()
	return s, nil
}

type cartesiaSession struct {
	conn    *websocket.Conn
	deltas  chan Delta
	done    chan struct{}
	closed  atomic.Bool
	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

type cartesiaMessage struct {
	Type        string  `json:"type"` // transcript, flush_done, done, error
	Text        string  `json:"text"`
	IsFinal     bool    `json:"is_final"`
	Probability float64 `json:"probability"`
	Error       string  `json:"error"`
}

func (s *cartesiaSession) readLoop() {
	defer func() {
		close(s.deltas)
		close(s.done)
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg cartesiaMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "transcript":
			if msg.Text == "" {
				continue
			}
			select {
			case s.deltas <- Delta{Text: msg.Text, IsFinal: msg.IsFinal, Confidence: msg.Probability}:
			case <-s.ctx.Done():
				return
			}
		case "flush_done":
			continue
		case "done", "error":
			return
		}
	}
}

func (s *cartesiaSession) SendAudio(frame []byte) error {
	if s.closed.Load() {
		return core.NewProviderError("cartesia-stt", fmt.Errorf("session closed"))
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (s *cartesiaSession) Finalize() error {
	if s.closed.Load() {
		return core.NewProviderError("cartesia-stt", fmt.Errorf("session closed"))
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, []byte("finalize"))
}

func (s *cartesiaSession) Deltas() <-chan Delta { return s.deltas }

func (s *cartesiaSession) Done() <-chan struct{} { return s.done }

// Close is idempotent: the first call tells the provider we are done and
// tears down the connection, later calls are no-ops.
func (s *cartesiaSession) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()

	s.writeMu.Lock()
	s.conn.WriteMessage(websocket.TextMessage, []byte("done"))
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()

	return s.conn.Close()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
