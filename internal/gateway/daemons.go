// ABOUTME: Bridges supervisor state and request outcomes into the audit store and metrics
// ABOUTME: Also converts configured daemons into supervisor configs

package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/2389/tabpilot/internal/capture"
	"github.com/2389/tabpilot/internal/config"
	"github.com/2389/tabpilot/internal/correlator"
	"github.com/2389/tabpilot/internal/faults"
	"github.com/2389/tabpilot/internal/store"
	"github.com/2389/tabpilot/internal/supervisor"
)

// auditTimeout bounds a single audit write so a slow disk never stalls callers.
const auditTimeout = 2 * time.Second

func daemonConfigs(in []config.DaemonConfig) []supervisor.DaemonConfig {
	out := make([]supervisor.DaemonConfig, 0, len(in))
	for _, d := range in {
		out = append(out, supervisor.DaemonConfig{
			ID:               d.ID,
			Kind:             supervisor.Kind(d.Kind),
			Command:          d.Command,
			Args:             d.Args,
			Env:              d.Env,
			TargetAddress:    d.TargetAddress,
			Ports:            d.Ports,
			DestinationDir:   d.DestinationDir,
			HealthInterval:   d.HealthInterval,
			HealthTimeout:    d.HealthTimeout,
			FailureThreshold: d.FailureThreshold,
			MaxRestarts:      d.MaxRestarts,
			RestartWindow:    d.RestartWindow,
			StartGrace:       d.StartGrace,
			ReadyTimeout:     d.ReadyTimeout,
			StopTimeout:      d.StopTimeout,
			ProbeURL:         d.ProbeURL,
		})
	}
	return out
}

// recordTransitions persists every transition until the stream closes.
func (g *Gateway) recordTransitions(transitions <-chan supervisor.Transition) {
	for t := range transitions {
		g.metrics.ObserveTransition(t.DaemonID, string(t.To))

		ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
		err := g.store.RecordDaemonEvent(ctx, &store.DaemonEvent{
			DaemonID: t.DaemonID,
			From:     string(t.From),
			To:       string(t.To),
			Reason:   t.Reason,
			At:       t.At,
		})
		cancel()
		if err != nil {
			g.logger.Warn("recording daemon event", "daemon_id", t.DaemonID, "error", err)
		}
	}
}

// watchFatal reports daemons whose restart budget ran out.
func (g *Gateway) watchFatal(ctx context.Context) {
	for {
		select {
		case err := <-g.supervisor.Fatal():
			g.logger.Error("daemon needs operator attention", "error", err)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) recordExecution(res *correlator.Result, err error, elapsed time.Duration) {
	kind := faults.Kind(err)
	g.metrics.ObserveExecution(kind, elapsed)

	e := &store.Execution{
		RequestID: requestIDOf(res, err),
		Status:    store.ExecutionOK,
		ErrorKind: kind,
		Duration:  elapsed,
	}
	if err != nil {
		e.Status = store.ExecutionFailed
		e.Error = err.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	if err := g.store.RecordExecution(ctx, e); err != nil {
		g.logger.Warn("recording execution", "request_id", e.RequestID, "error", err)
	}
}

// recordCapture returns the audit id of a successful capture.
func (g *Gateway) recordCapture(daemonID string, res *capture.Result, err error) string {
	if err != nil {
		g.metrics.ObserveCapture(faults.Kind(err), 0)
		return ""
	}
	g.metrics.ObserveCapture("ok", res.Size)

	c := &store.Capture{
		DaemonID:   daemonID,
		Path:       res.Path,
		Format:     string(res.Format),
		Size:       res.Size,
		CapturedAt: res.CapturedAt,
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	if err := g.store.RecordCapture(ctx, c); err != nil {
		g.logger.Warn("recording capture", "daemon_id", daemonID, "path", res.Path, "error", err)
		return ""
	}
	return c.ID
}

// requestIDOf recovers the correlator id from a result or a typed error.
// relayDaemonsRunning returns the DaemonUnavailableError of the first
// configured relay daemon that is not RUNNING.
func (g *Gateway) relayDaemonsRunning() error {
	for _, d := range g.config.Daemons {
		if supervisor.Kind(d.Kind) != supervisor.KindRelay {
			continue
		}
		if _, err := g.supervisor.Running(d.ID); err != nil {
			return err
		}
	}
	return nil
}

func requestIDOf(res *correlator.Result, err error) string {
	if res != nil {
		return res.ID
	}
	var timeout *faults.TimeoutError
	if errors.As(err, &timeout) {
		return timeout.RequestID
	}
	var exec *faults.ExecutionError
	if errors.As(err, &exec) {
		return exec.RequestID
	}
	var proto *faults.ProtocolError
	if errors.As(err, &proto) {
		return proto.RequestID
	}
	return ""
}
