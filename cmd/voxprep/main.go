// Command voxprep runs the practice-session gateway: the realtime websocket
// endpoint, the session REST surface, and the operational endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxprep/voxprep/db"
	"github.com/voxprep/voxprep/internal/dotenv"
	"github.com/voxprep/voxprep/pkg/billing"
	"github.com/voxprep/voxprep/pkg/decision"
	"github.com/voxprep/voxprep/pkg/gateway/config"
	"github.com/voxprep/voxprep/pkg/gateway/live/room"
	"github.com/voxprep/voxprep/pkg/gateway/live/runner"
	gatewayserver "github.com/voxprep/voxprep/pkg/gateway/server"
	"github.com/voxprep/voxprep/pkg/gateway/sessions"
	"github.com/voxprep/voxprep/pkg/ledger"
	"github.com/voxprep/voxprep/pkg/metrics"
	"github.com/voxprep/voxprep/pkg/report"
	"github.com/voxprep/voxprep/pkg/session"
	"github.com/voxprep/voxprep/pkg/voice/stt"
	"github.com/voxprep/voxprep/pkg/voice/tts"
)

type stores struct {
	ledger  ledger.Store
	session session.Store
	report  report.Store
	pool    *pgxpool.Pool
}

func (s *stores) close() {
	// The postgres drivers share one pool; closing it covers all three.
	if s.pool != nil {
		s.pool.Close()
		return
	}
	_ = s.ledger.Close()
	_ = s.session.Close()
	s.report.Close()
}

func (s *stores) ping(ctx context.Context) func() error {
	if s.pool == nil {
		return nil
	}
	return func() error {
		return s.pool.Ping(ctx)
	}
}

func openStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (*stores, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("no database configured, using in-memory stores")
		return &stores{
			ledger:  ledger.NewMemoryStore(),
			session: session.NewMemoryStore(),
			report:  report.NewMemoryStore(),
		}, nil
	}

	if err := db.Migrate(ctx, cfg.DatabaseURL); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	ledgerStore, err := ledger.NewPostgresStore(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	sessionStore, err := session.NewPostgresStore(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	reportStore, err := report.NewPostgresStore(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &stores{
		ledger:  ledgerStore,
		session: sessionStore,
		report:  reportStore,
		pool:    pool,
	}, nil
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	lg, err := ledger.New(st.ledger, ledger.Options{Logger: logger})
	if err != nil {
		return err
	}
	manager, err := session.NewManager(st.session, lg, session.ManagerOptions{Logger: logger})
	if err != nil {
		return err
	}

	aiProvider, err := decision.NewOpenAIProvider(decision.OpenAIConfig{
		APIKey:  cfg.OpenAIKey,
		Model:   cfg.OpenAIModel,
		BaseURL: cfg.OpenAIBaseURL,
	})
	if err != nil {
		return err
	}
	evaluator, err := decision.NewEvaluator(aiProvider, manager, decision.EvaluatorOptions{
		Logger:           logger,
		MinFragmentRunes: cfg.MinFragmentRunes,
	})
	if err != nil {
		return err
	}
	reports, err := report.NewGenerator(aiProvider, st.report, report.GeneratorOptions{Logger: logger})
	if err != nil {
		return err
	}

	sttProvider, err := stt.NewCartesia(cfg.CartesiaKey, stt.CartesiaOptions{})
	if err != nil {
		return err
	}
	ttsProvider, err := tts.NewCartesia(cfg.CartesiaKey, tts.CartesiaOptions{
		DefaultVoice: cfg.CartesiaVoice,
	})
	if err != nil {
		return err
	}

	var purchaser *billing.Purchaser
	if cfg.StripeKey != "" {
		purchaser, err = billing.NewPurchaser(cfg.StripeKey, lg, billing.PurchaserOptions{Logger: logger})
		if err != nil {
			return err
		}
	}

	m := metrics.New("voxprep")
	tracker := sessions.NewTracker()
	rooms := room.NewRegistry()

	gw := gatewayserver.New(gatewayserver.Deps{
		Cfg:       cfg,
		Logger:    logger,
		Ledger:    lg,
		Manager:   manager,
		Reports:   reports,
		Purchaser: purchaser,
		Metrics:   m,
		StorePing: st.ping(ctx),
		Live: runner.Deps{
			Cfg:       cfg,
			Logger:    logger,
			Manager:   manager,
			Evaluator: evaluator,
			Reports:   reports,
			STT:       sttProvider,
			TTS:       ttsProvider,
			Rooms:     rooms,
			Tracker:   tracker,
			Metrics:   m,
		},
	})

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	logger.Info("starting gateway",
		"addr", cfg.Addr,
		"auth_mode", cfg.AuthMode,
		"persistent", cfg.DatabaseURL != "",
		"billing_enabled", purchaser != nil,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	// Drain: warn live connections, stop accepting HTTP, give sessions a
	// grace window, then cut the stragglers. Disconnected drivers pause to
	// paused status, so nothing is billed or lost.
	warned := tracker.WarnAll("shutting_down", "server is shutting down")
	logger.Info("warned live sessions", "count", warned)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !tracker.Wait(waitCtx) {
		canceled := tracker.CancelAll()
		logger.Warn("canceled live sessions after grace period", "count", canceled)
		finalCtx, finalCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer finalCancel()
		tracker.Wait(finalCtx)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.Load(); err != nil {
		fmt.Fprintf(stderr, "voxprep: %v\n", err)
		return 1
	}
	if err := run(ctx, logger); err != nil {
		fmt.Fprintf(stderr, "voxprep: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr))
}
