// ABOUTME: Gateway orchestrator that wires the relay link, supervisor, capture flow and HTTP API
// ABOUTME: Runs every long-lived loop under one errgroup and shuts them down together

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/tabpilot/internal/agent"
	"github.com/2389/tabpilot/internal/auth"
	"github.com/2389/tabpilot/internal/capture"
	"github.com/2389/tabpilot/internal/config"
	"github.com/2389/tabpilot/internal/correlator"
	"github.com/2389/tabpilot/internal/metrics"
	"github.com/2389/tabpilot/internal/store"
	"github.com/2389/tabpilot/internal/supervisor"
)

// shutdownTimeout bounds HTTP drain plus daemon stop on exit.
const shutdownTimeout = 15 * time.Second

// Options injects dependencies, mostly for tests. Zero values build the
// production implementations from config.
type Options struct {
	Store         store.Store
	Launcher      supervisor.Launcher
	CaptureDialer capture.Dialer
	Metrics       *metrics.Metrics
	// ReadyPoll overrides the supervisor's readiness poll interval.
	ReadyPoll time.Duration
}

// Gateway orchestrates the tabpilot control plane.
type Gateway struct {
	config     *config.Config
	store      store.Store
	ownsStore  bool
	supervisor *supervisor.Supervisor
	relay      *relayLink
	capturer   *capture.Capturer
	verifier   *auth.JWTVerifier
	metrics    *metrics.Metrics
	httpServer *http.Server
	logger     *slog.Logger
	startedAt  time.Time
}

// New builds a Gateway from cfg. Nothing runs until Run or Serve.
func New(cfg *config.Config, logger *slog.Logger, opts Options) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	identity := agent.Identity{
		AgentID:      cfg.Agent.ID,
		AgentName:    cfg.Agent.Name,
		AgentType:    cfg.Agent.Type,
		Capabilities: cfg.Agent.Capabilities,
	}
	if err := identity.Validate(); err != nil {
		return nil, fmt.Errorf("agent identity: %w", err)
	}

	gw := &Gateway{
		config:  cfg,
		store:   opts.Store,
		metrics: opts.Metrics,
		logger:  logger.With("component", "gateway"),
	}

	if gw.store == nil {
		s, err := store.NewSQLiteStore(cfg.Database.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		gw.store = s
		gw.ownsStore = true
	}
	if gw.metrics == nil {
		gw.metrics = metrics.New()
	}

	var tokens TokenSource
	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			gw.closeStore()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		gw.verifier = verifier
		tokens = tokenSource(verifier, identity, cfg.Auth.TokenTTL)
	} else {
		gw.logger.Warn("auth disabled - no jwt_secret configured")
	}

	gw.relay = newRelayLink(relayConfig{
		URL:               cfg.Relay.URL,
		HandshakeTimeout:  cfg.Relay.HandshakeTimeout,
		ReconnectDelay:    cfg.Relay.ReconnectDelay,
		ReconnectMaxDelay: cfg.Relay.ReconnectMaxDelay,
		Correlator: correlator.Config{
			DefaultDeadline: cfg.Execution.DefaultDeadline,
			ExpiredTTL:      cfg.Execution.ExpiredTTL,
		},
	}, identity, tokens, gw.metrics, logger)

	gw.metrics.WatchCorrelator(
		func() float64 { return float64(gw.relay.Pending()) },
		func() float64 { return float64(gw.relay.LateResults()) },
	)

	gw.supervisor = supervisor.New(logger, supervisor.Options{
		Launcher:  opts.Launcher,
		ReadyPoll: opts.ReadyPoll,
	})

	format, err := capture.ParseFormat(cfg.Capture.DefaultFormat)
	if err != nil {
		gw.closeStore()
		return nil, err
	}
	gw.capturer = capture.New(gw.supervisor, opts.CaptureDialer, capture.Config{
		DefaultFormat:  format,
		DefaultQuality: cfg.Capture.DefaultQuality,
		MinBytes:       cfg.Capture.MinBytes,
		Timeout:        cfg.Capture.Timeout,
	}, logger)

	gw.httpServer = &http.Server{
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// tokenSource mints a fresh token for id on every call.
func tokenSource(verifier *auth.JWTVerifier, id agent.Identity, ttl time.Duration) TokenSource {
	return func() (string, error) {
		return verifier.Generate(id.AgentID, id.Capabilities, ttl)
	}
}

// Run listens on server.http_addr and serves until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return g.Serve(ctx, ln)
}

// Serve runs every component with ln as the HTTP listener. It returns after
// ctx is cancelled and shutdown completes, or when a component fails.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	defer g.closeStore()
	g.startedAt = time.Now()

	eg, egCtx := errgroup.WithContext(ctx)

	// subscribed before any daemon starts; ends when the supervisor closes
	transitions := g.supervisor.Subscribe(context.Background())

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		return g.relay.run(egCtx)
	})

	eg.Go(func() error {
		g.recordTransitions(transitions)
		return nil
	})

	eg.Go(func() error {
		g.watchFatal(egCtx)
		return nil
	})

	eg.Go(func() error {
		daemons := daemonConfigs(g.config.Daemons)
		if len(daemons) == 0 {
			return nil
		}
		if err := g.supervisor.StartAll(egCtx, daemons); err != nil && egCtx.Err() == nil {
			// the HTTP surface stays up so operators can inspect the failure
			g.logger.Error("starting daemons", "error", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("shutting down")
		return g.shutdown()
	})

	return eg.Wait()
}

func (g *Gateway) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	httpErr := g.httpServer.Shutdown(ctx)
	supErr := g.supervisor.Close(ctx)
	if err := errors.Join(httpErr, supErr); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (g *Gateway) closeStore() {
	if g.ownsStore && g.store != nil {
		if err := g.store.Close(); err != nil {
			g.logger.Warn("closing store", "error", err)
		}
	}
}

// Supervisor exposes the daemon supervisor.
func (g *Gateway) Supervisor() *supervisor.Supervisor {
	return g.supervisor
}

// Execute sends payload through the relay and records the outcome. Nothing
// is sent while a configured relay daemon is not RUNNING.
func (g *Gateway) Execute(ctx context.Context, payload string, opts correlator.Options) (*correlator.Result, error) {
	start := time.Now()
	if err := g.relayDaemonsRunning(); err != nil {
		g.recordExecution(nil, err, time.Since(start))
		return nil, err
	}
	res, err := g.relay.Execute(ctx, payload, opts)
	g.recordExecution(res, err, time.Since(start))
	return res, err
}

// Capture takes a screenshot and records the outcome.
func (g *Gateway) Capture(ctx context.Context, req capture.Request) (*capture.Result, string, error) {
	res, err := g.capturer.Capture(ctx, req)
	id := g.recordCapture(req.DaemonID, res, err)
	return res, id, err
}
