package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	// APIKeys maps bearer token to the user id it authenticates.
	APIKeys map[string]string

	// CORS. Empty set disables cross-origin requests.
	CORSAllowedOrigins map[string]struct{}

	// DatabaseURL selects the postgres stores. Empty runs everything on
	// the in-memory drivers (dev/test only).
	DatabaseURL string

	// AI decision provider.
	OpenAIKey     string
	OpenAIModel   string
	OpenAIBaseURL string

	// Voice providers.
	CartesiaKey   string
	CartesiaVoice string

	// Billing. Empty disables the purchase boundary.
	StripeKey string

	// Live WebSocket mode (/v1/live).
	LiveMaxAudioFrameBytes  int
	LiveMaxJSONMessageBytes int64
	LiveWSPingInterval      time.Duration
	LiveWSWriteTimeout      time.Duration
	LiveHandshakeTimeout    time.Duration

	// IdleAutoPause pauses a session that produced no audio for this long.
	// Zero disables the timer.
	IdleAutoPause time.Duration

	// Evaluation queue: final fragments are processed strictly in order;
	// when the queue is full the oldest pending fragment is dropped.
	EvalQueueCapacity int
	MinFragmentRunes  int

	// STT stream defaults.
	STTModel      string
	STTLanguage   string
	STTEncoding   string
	STTSampleRate int

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                    envOr("VOXPREP_ADDR", ":8080"),
		AuthMode:                AuthMode(envOr("VOXPREP_AUTH_MODE", string(AuthModeRequired))),
		APIKeys:                 make(map[string]string),
		CORSAllowedOrigins:      make(map[string]struct{}),
		DatabaseURL:             envOr("VOXPREP_DATABASE_URL", ""),
		OpenAIKey:               envOr("VOXPREP_OPENAI_API_KEY", ""),
		OpenAIModel:             envOr("VOXPREP_OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:           envOr("VOXPREP_OPENAI_BASE_URL", ""),
		CartesiaKey:             envOr("VOXPREP_CARTESIA_API_KEY", ""),
		CartesiaVoice:           envOr("VOXPREP_CARTESIA_VOICE", ""),
		StripeKey:               envOr("VOXPREP_STRIPE_KEY", ""),
		LiveMaxAudioFrameBytes:  envIntOr("VOXPREP_LIVE_MAX_AUDIO_FRAME_BYTES", 8192),
		LiveMaxJSONMessageBytes: envInt64Or("VOXPREP_LIVE_MAX_JSON_MESSAGE_BYTES", 64*1024),
		LiveWSPingInterval:      envDurationOr("VOXPREP_LIVE_WS_PING_INTERVAL", 20*time.Second),
		LiveWSWriteTimeout:      envDurationOr("VOXPREP_LIVE_WS_WRITE_TIMEOUT", 5*time.Second),
		LiveHandshakeTimeout:    envDurationOr("VOXPREP_LIVE_HANDSHAKE_TIMEOUT", 5*time.Second),
		IdleAutoPause:           envDurationOr("VOXPREP_IDLE_AUTO_PAUSE", 2*time.Minute),
		EvalQueueCapacity:       envIntOr("VOXPREP_EVAL_QUEUE_CAPACITY", 8),
		MinFragmentRunes:        envIntOr("VOXPREP_MIN_FRAGMENT_RUNES", 20),
		STTModel:                envOr("VOXPREP_STT_MODEL", "ink-whisper"),
		STTLanguage:             envOr("VOXPREP_STT_LANGUAGE", "en"),
		STTEncoding:             envOr("VOXPREP_STT_ENCODING", "pcm_s16le"),
		STTSampleRate:           envIntOr("VOXPREP_STT_SAMPLE_RATE", 16000),
		ReadHeaderTimeout:       envDurationOr("VOXPREP_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:     envDurationOr("VOXPREP_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("VOXPREP_AUTH_MODE must be one of required|disabled")
	}

	// token:user_id pairs.
	for _, pair := range splitCSV(os.Getenv("VOXPREP_API_KEYS")) {
		token, userID, ok := strings.Cut(pair, ":")
		if !ok || token == "" || userID == "" {
			return Config{}, fmt.Errorf("VOXPREP_API_KEYS entries must be token:user_id, got %q", pair)
		}
		cfg.APIKeys[token] = userID
	}

	for _, origin := range splitCSV(os.Getenv("VOXPREP_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("VOXPREP_API_KEYS must be set when VOXPREP_AUTH_MODE=required")
	}
	if cfg.OpenAIKey == "" {
		return Config{}, fmt.Errorf("VOXPREP_OPENAI_API_KEY must be set")
	}
	if cfg.CartesiaKey == "" {
		return Config{}, fmt.Errorf("VOXPREP_CARTESIA_API_KEY must be set")
	}
	if cfg.CartesiaVoice == "" {
		return Config{}, fmt.Errorf("VOXPREP_CARTESIA_VOICE must be set")
	}
	if cfg.LiveMaxAudioFrameBytes <= 0 {
		return Config{}, fmt.Errorf("VOXPREP_LIVE_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.LiveMaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VOXPREP_LIVE_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VOXPREP_LIVE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXPREP_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXPREP_LIVE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.IdleAutoPause < 0 {
		return Config{}, fmt.Errorf("VOXPREP_IDLE_AUTO_PAUSE must be >= 0")
	}
	if cfg.EvalQueueCapacity <= 0 {
		return Config{}, fmt.Errorf("VOXPREP_EVAL_QUEUE_CAPACITY must be > 0")
	}
	if cfg.MinFragmentRunes <= 0 {
		return Config{}, fmt.Errorf("VOXPREP_MIN_FRAGMENT_RUNES must be > 0")
	}
	if cfg.STTSampleRate <= 0 {
		return Config{}, fmt.Errorf("VOXPREP_STT_SAMPLE_RATE must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXPREP_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOXPREP_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
