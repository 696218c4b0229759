// Package server assembles the HTTP mux and middleware chain.
package server

import (
	"log/slog"
	"net/http"

	"github.com/voxprep/voxprep/pkg/billing"
	"github.com/voxprep/voxprep/pkg/gateway/config"
	"github.com/voxprep/voxprep/pkg/gateway/handlers"
	"github.com/voxprep/voxprep/pkg/gateway/live/runner"
	"github.com/voxprep/voxprep/pkg/gateway/mw"
	"github.com/voxprep/voxprep/pkg/ledger"
	"github.com/voxprep/voxprep/pkg/metrics"
	"github.com/voxprep/voxprep/pkg/report"
	"github.com/voxprep/voxprep/pkg/session"
)

// Deps carries the constructed subsystems the routes serve.
type Deps struct {
	Cfg       config.Config
	Logger    *slog.Logger
	Ledger    *ledger.Ledger
	Manager   *session.Manager
	Reports   *report.Generator
	Purchaser *billing.Purchaser // nil when billing is disabled
	Live      runner.Deps
	Metrics   *metrics.Metrics

	// StorePing checks backing-store reachability for /readyz; nil with
	// the in-memory drivers.
	StorePing func() error
}

type Server struct {
	deps Deps
	mux  *http.ServeMux
}

func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.deps.Cfg, Ping: s.deps.StorePing})
	if s.deps.Metrics != nil {
		s.mux.Handle("/metrics", s.deps.Metrics.Handler())
	}

	s.mux.Handle("/v1/live", handlers.LiveHandler{Deps: s.deps.Live})

	sessionsHandler := handlers.SessionsHandler{Manager: s.deps.Manager, Metrics: s.deps.Metrics}
	s.mux.Handle("POST /v1/sessions", sessionsHandler)
	s.mux.Handle("GET /v1/sessions/{id}", sessionsHandler)

	s.mux.Handle("GET /v1/balance", handlers.BalanceHandler{Ledger: s.deps.Ledger})
	s.mux.Handle("POST /v1/purchases/apply", handlers.PurchaseHandler{Purchaser: s.deps.Purchaser})

	reportsHandler := handlers.ReportsHandler{Generator: s.deps.Reports}
	s.mux.HandleFunc("GET /v1/reports/{id}", reportsHandler.Get)
	s.mux.HandleFunc("GET /v1/sessions/{id}/report", reportsHandler.GetBySession)
	s.mux.HandleFunc("POST /v1/reports/{id}/share", reportsHandler.Share)
	s.mux.HandleFunc("DELETE /v1/reports/{id}/share", reportsHandler.Unshare)
	s.mux.HandleFunc("GET /v1/shared/{token}", reportsHandler.GetShared)

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Auth(s.deps.Cfg, h)
	h = mw.CORS(s.deps.Cfg, h)
	h = mw.Recover(s.deps.Logger, h)
	h = mw.AccessLog(s.deps.Logger, h)
	h = mw.RequestID(h)
	return h
}
