// ABOUTME: Relay link that owns the current channel, registrar and correlator
// ABOUTME: Reconnects with exponential backoff and replays the identity on every new channel

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/tabpilot/internal/agent"
	"github.com/2389/tabpilot/internal/auth"
	"github.com/2389/tabpilot/internal/channel"
	"github.com/2389/tabpilot/internal/correlator"
	"github.com/2389/tabpilot/internal/faults"
	"github.com/2389/tabpilot/internal/metrics"
	"github.com/2389/tabpilot/internal/protocol"
)

var errRelayDown = errors.New("relay link is down")

// TokenSource mints the bearer token presented on each connection attempt.
type TokenSource func() (string, error)

// relayConfig is the subset of configuration the link needs.
type relayConfig struct {
	URL               string
	HandshakeTimeout  time.Duration
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	Correlator        correlator.Config
}

// session is one channel lifetime.
type session struct {
	ch   *channel.Channel
	reg  *agent.Registrar
	corr *correlator.Correlator
}

// relayLink keeps at most one live session and rebuilds it after losses.
type relayLink struct {
	cfg      relayConfig
	identity agent.Identity
	tokens   TokenSource
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu        sync.Mutex
	current   *session
	lastErr   error
	lateCarry uint64 // late results counted by sessions already torn down
	connects  int
}

func newRelayLink(cfg relayConfig, identity agent.Identity, tokens TokenSource, m *metrics.Metrics, logger *slog.Logger) *relayLink {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectDelay {
		cfg.ReconnectMaxDelay = max(cfg.ReconnectDelay, 30*time.Second)
	}
	return &relayLink{
		cfg:      cfg,
		identity: identity,
		tokens:   tokens,
		metrics:  m,
		logger:   logger.With("component", "relay"),
	}
}

// run connects, waits for the channel to drop, and reconnects until ctx ends.
func (l *relayLink) run(ctx context.Context) error {
	delay := l.cfg.ReconnectDelay
	for {
		s, err := l.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.setErr(err)
			l.logger.Warn("relay connect failed", "error", err, "retry_in", delay)
			if !sleepCtx(ctx, delay) {
				return nil
			}
			delay = min(delay*2, l.cfg.ReconnectMaxDelay)
			continue
		}

		delay = l.cfg.ReconnectDelay
		l.attach(s)

		select {
		case <-s.ch.Done():
			l.logger.Warn("relay disconnected", "error", s.ch.Err())
		case <-ctx.Done():
		}

		l.detach(s, s.ch.Err())
		if ctx.Err() != nil {
			return nil
		}
		if !sleepCtx(ctx, delay) {
			return nil
		}
	}
}

// connect dials a new channel and completes the identity handshake on it.
func (l *relayLink) connect(ctx context.Context) (*session, error) {
	l.mu.Lock()
	l.connects++
	attempt := l.connects
	l.mu.Unlock()
	if attempt > 1 && l.metrics != nil {
		l.metrics.IncReconnects()
	}

	opts := channel.Options{HandshakeTimeout: l.cfg.HandshakeTimeout}
	if l.tokens != nil {
		token, err := l.tokens()
		if err != nil {
			return nil, fmt.Errorf("minting relay token: %w", err)
		}
		opts.Header = auth.BearerHeader(token)
	}

	ch := channel.New(l.logger, opts)
	reg := agent.NewRegistrar(ch, l.cfg.HandshakeTimeout, l.logger)
	corr := correlator.New(ch, reg, l.cfg.Correlator, l.logger)
	ch.Observe(reg.Observe)
	ch.Observe(corr.Observe)
	ch.Observe(l.observe)

	if err := ch.Connect(ctx, l.cfg.URL); err != nil {
		corr.Close()
		return nil, err
	}
	if err := reg.Register(ctx, l.identity); err != nil {
		_ = ch.Close()
		corr.Close()
		return nil, err
	}

	l.logger.Info("registered with relay", "agent_id", l.identity.AgentID, "attempt", attempt)
	return &session{ch: ch, reg: reg, corr: corr}, nil
}

func (l *relayLink) observe(in protocol.Inbound) {
	if b, ok := in.(protocol.Broadcast); ok {
		l.logger.Debug("relay broadcast", "type", b.Type, "event", b.Event, "bytes", len(b.Data))
	}
}

func (l *relayLink) attach(s *session) {
	l.mu.Lock()
	l.current = s
	l.lastErr = nil
	l.mu.Unlock()
	if l.metrics != nil {
		l.metrics.SetRelayConnected(true)
	}
}

func (l *relayLink) detach(s *session, cause error) {
	_ = s.ch.Close()
	s.corr.Close()

	l.mu.Lock()
	if l.current == s {
		l.current = nil
	}
	l.lateCarry += s.corr.LateResults()
	if cause != nil {
		l.lastErr = cause
	} else {
		l.lastErr = errRelayDown
	}
	l.mu.Unlock()
	if l.metrics != nil {
		l.metrics.SetRelayConnected(false)
	}
}

func (l *relayLink) session() *session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

func (l *relayLink) setErr(err error) {
	l.mu.Lock()
	l.lastErr = err
	l.mu.Unlock()
}

// Execute sends payload on the current session.
func (l *relayLink) Execute(ctx context.Context, payload string, opts correlator.Options) (*correlator.Result, error) {
	s := l.session()
	if s == nil {
		return nil, &faults.ConnectionError{Op: "execute", Address: l.cfg.URL, Err: errRelayDown}
	}
	return s.corr.Execute(ctx, payload, opts)
}

// Ready is nil once a session is registered.
func (l *relayLink) Ready() error {
	l.mu.Lock()
	s, lastErr := l.current, l.lastErr
	l.mu.Unlock()
	if s == nil {
		if lastErr != nil {
			return fmt.Errorf("%w: %w", errRelayDown, lastErr)
		}
		return errRelayDown
	}
	return s.reg.Ready()
}

// Pending counts outstanding executions on the current session.
func (l *relayLink) Pending() int {
	if s := l.session(); s != nil {
		return s.corr.Pending()
	}
	return 0
}

// LateResults counts late results across every session so far.
func (l *relayLink) LateResults() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.lateCarry
	if l.current != nil {
		n += l.current.corr.LateResults()
	}
	return n
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
