package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/voxprep/voxprep/pkg/gateway/config"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports whether the running configuration is serviceable.
type ReadyHandler struct {
	Config config.Config

	// Ping checks the backing store. Nil means the in-memory drivers are
	// in use and readiness is config-only.
	Ping func() error
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool     `json:"ok"`
		AuthMode       string   `json:"auth_mode"`
		Persistent     bool     `json:"persistent"`
		BillingEnabled bool     `json:"billing_enabled"`
		Issues         []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}
	if h.Config.OpenAIKey == "" {
		issues = append(issues, "openai api key not configured")
	}
	if h.Config.CartesiaKey == "" {
		issues = append(issues, "cartesia api key not configured")
	}
	if h.Config.LiveMaxAudioFrameBytes <= 0 || h.Config.LiveMaxJSONMessageBytes <= 0 {
		issues = append(issues, "live message limits must be > 0")
	}
	if h.Config.LiveWSPingInterval <= 0 || h.Config.LiveWSWriteTimeout <= 0 || h.Config.LiveHandshakeTimeout <= 0 {
		issues = append(issues, "live websocket timeouts must be > 0")
	}
	if h.Config.EvalQueueCapacity <= 0 {
		issues = append(issues, "evaluation queue capacity must be > 0")
	}
	if h.Config.ReadHeaderTimeout <= 0 || h.Config.ShutdownGracePeriod <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}
	if h.Ping != nil {
		if err := h.Ping(); err != nil {
			issues = append(issues, "store unreachable: "+err.Error())
		}
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:             ok,
		AuthMode:       string(h.Config.AuthMode),
		Persistent:     h.Config.DatabaseURL != "",
		BillingEnabled: h.Config.StripeKey != "",
		Issues:         issues,
	})
}
