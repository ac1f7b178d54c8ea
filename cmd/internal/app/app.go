// Package app wires the continuum server runtime: config, logging, state backends, the
// realtime gateway, the REST API, handoff and conflict services, metrics and tracing.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"continuum/cmd/internal/api"
	"continuum/cmd/internal/conflict"
	"continuum/cmd/internal/handoff"
	"continuum/cmd/internal/metrics"
	"continuum/cmd/internal/realtime"
	"continuum/cmd/internal/state"
)

// App is the continuum server runtime. It owns every long-lived dependency and the HTTP
// server that exposes them.
type App struct {
	cfg Config
	log Logger

	dbPool *pgxpool.Pool

	reg     *state.Registry
	coord   *conflict.Coordinator
	orch    *handoff.Orchestrator
	tokens  *handoff.Tokens
	gw      *realtime.Gateway
	api     *api.Handler
	metrics *metrics.Metrics

	tracer      trace.Tracer
	stopTracing func(context.Context) error
	handler     http.Handler
	draining    atomic.Bool

	stopBackground context.CancelFunc
	backgroundWG   sync.WaitGroup
	closeOnce      sync.Once
}

// New constructs a fully wired App from cfg. Security policy is validated first.
func New(ctx context.Context, cfg Config, log Logger) (a *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	a = &App{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	a.tracer, a.stopTracing, err = initTracing(cfg.Telemetry, cfg.Env, os.Stdout)
	if err != nil {
		return nil, err
	}

	if cfg.Telemetry.MetricsEnabled {
		a.metrics = metrics.New()
	}

	backend, err := a.openBackend(ctx)
	if err != nil {
		return nil, err
	}

	regOpts := []state.Option{
		state.WithBackend(backend),
		state.WithTTL(cfg.State.TTL),
		state.WithLimits(cfg.State.MaxKeys, cfg.State.MaxKeyLen),
	}
	if a.metrics != nil {
		regOpts = append(regOpts, state.WithObserver(a.metrics))
	}
	a.reg, err = state.NewRegistry(log.With("component", "state"), regOpts...)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("state registry: %w", err)
	}

	creds, err := NewCredentials(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}

	a.coord, err = conflict.NewCoordinator(log.With("component", "conflict"), a.reg, cfg.Handoff.ConflictLogSize)
	if err != nil {
		return nil, err
	}

	orchOpts := []handoff.Option{
		handoff.WithTTL(cfg.Handoff.RequestTTL),
		handoff.WithTransferTimeout(cfg.Handoff.TransferTimeout),
		handoff.WithTracer(a.tracer),
	}
	if a.metrics != nil {
		orchOpts = append(orchOpts, handoff.WithObserver(a.metrics))
	}
	a.orch, err = handoff.NewOrchestrator(log.With("component", "handoff"), a.reg, orchOpts...)
	if err != nil {
		return nil, err
	}

	hasher, err := HandoffHasher(cfg.Auth)
	if err != nil {
		return nil, err
	}
	a.tokens, err = handoff.NewTokens(a.orch, hasher,
		handoff.WithTokenTTL(cfg.Handoff.TokenTTL),
		handoff.WithRotation(cfg.Handoff.TokenRotation),
		handoff.WithRedeemLimit(rate.Every(time.Minute/time.Duration(cfg.Handoff.RedeemPerMinute)), cfg.Handoff.RedeemBurst),
	)
	if err != nil {
		return nil, err
	}

	gwOpts := []realtime.Option{realtime.WithTracer(a.tracer)}
	if a.metrics != nil {
		gwOpts = append(gwOpts, realtime.WithObserver(a.metrics))
	}
	a.gw, err = realtime.NewGateway(log.With("component", "realtime"), a.reg, creds, cfg.Gateway, gwOpts...)
	if err != nil {
		return nil, err
	}

	a.api, err = api.NewHandler(log.With("component", "api"), api.Config{
		TrustProxy:   cfg.HTTP.TrustProxy,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		QRSize:       cfg.Handoff.QRSize,
	}, api.Deps{
		Registry:    a.reg,
		Credentials: creds,
		Conflicts:   a.coord,
		Handoffs:    a.orch,
		Tokens:      a.tokens,
	})
	if err != nil {
		return nil, err
	}

	a.handler = a.routes()

	bg, cancel := context.WithCancel(context.Background())
	a.stopBackground = cancel
	a.startBackground(bg)

	log.Info("app.ready",
		"env", cfg.Env,
		"state_backend", cfg.State.Backend,
		"credential_format", creds.Format(),
		"metrics", cfg.Telemetry.MetricsEnabled,
		"trace_exporter", cfg.Telemetry.TraceExporter,
	)
	return a, nil
}

func (a *App) openBackend(ctx context.Context) (state.Backend, error) {
	sc := a.cfg.State
	switch sc.Backend {
	case BackendPostgres:
		pool, err := NewDBPool(ctx, sc)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.dbPool = pool
		if sc.AutoMigrate {
			if err := state.Migrate(ctx, pool, sc.DatabaseURL, sc.Schema, "up"); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
			a.log.Info("state.migrate.ok", "schema", sc.Schema)
		}
		return state.NewPostgresBackend(pool, state.WithSchema(sc.Schema))

	case BackendBadger:
		return state.OpenBadgerBackend(state.BadgerConfig{
			Path:       sc.BadgerPath,
			SyncWrites: sc.BadgerSyncWrites,
			GCInterval: sc.BadgerGCInterval,
			Logger:     a.log.With("component", "badger"),
		})

	default:
		return state.MemoryBackend{}, nil
	}
}

func (a *App) startBackground(ctx context.Context) {
	a.backgroundWG.Add(3)
	go func() {
		defer a.backgroundWG.Done()
		a.reg.RunSweeper(ctx, a.cfg.State.SweepInterval)
	}()
	go func() {
		defer a.backgroundWG.Done()
		a.orch.RunSweeper(ctx, a.cfg.Handoff.SweepInterval)
	}()
	go func() {
		defer a.backgroundWG.Done()
		t := time.NewTicker(a.cfg.Handoff.SweepInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				if n := a.tokens.Sweep(now.UTC()); n > 0 {
					a.log.Debug("handoff.tokens.sweep", "removed", n)
				}
			}
		}
	}()
}

// Handler returns the root HTTP handler with middleware applied.
func (a *App) Handler() http.Handler { return a.handler }

// Run listens on cfg.HTTP.Addr and serves until ctx is done.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		a.close(context.Background())
		return fmt.Errorf("listen %s: %w", a.cfg.HTTP.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then drains websockets and shuts down.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.HTTP.ReadHeaderTimeout, 5*time.Second),
	}

	base := a.cfg.HTTP.PublicBaseURL
	if base == "" {
		base = runtimeBaseURL(ln.Addr().String())
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("app.listen", "addr", ln.Addr().String(), "base_url", base, "ws_url", wsBaseURL(base)+"/ws")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.log.Info("app.shutdown.start")
	case serveErr = <-errCh:
		a.log.Error("app.serve.fail", "err", serveErr)
	}

	a.draining.Store(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.HTTP.ShutdownTimeout, 10*time.Second))
	defer cancel()

	// Hijacked websocket connections are invisible to srv.Shutdown and ticket streams never go idle.
	a.gw.Shutdown()
	a.api.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("shutdown: %w", err)
	}
	a.close(shutdownCtx)

	if serveErr == nil {
		a.log.Info("app.shutdown.done")
	}
	return serveErr
}

// Close releases every dependency without serving. Safe to call more than once.
func (a *App) Close() {
	if a.gw != nil {
		a.gw.Shutdown()
	}
	a.api.Close()
	a.close(context.Background())
}

func (a *App) close(ctx context.Context) {
	a.closeOnce.Do(func() {
		if a.stopBackground != nil {
			a.stopBackground()
			a.backgroundWG.Wait()
		}
		if a.orch != nil {
			a.orch.Close()
		}
		if a.reg != nil {
			if err := a.reg.Close(); err != nil {
				a.log.Warn("state.close.fail", "err", err)
			}
		}
		if a.dbPool != nil {
			a.dbPool.Close()
		}
		if a.stopTracing != nil {
			if err := a.stopTracing(ctx); err != nil {
				a.log.Warn("trace.shutdown.fail", "err", err)
			}
		}
	})
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
