// ABOUTME: Tests for real daemon processes and their process groups
// ABOUTME: Stop must not wait on children that inherited the output pipe

//go:build !windows

package supervisor

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shellDaemon(id, script string) DaemonConfig {
	cfg := fastConfig(id, ProbeFunc(func(context.Context) error { return nil }))
	cfg.Command = "sh"
	cfg.Args = []string{"-c", script}
	cfg.StartGrace = 50 * time.Millisecond
	cfg.HealthInterval = time.Hour
	cfg.StopTimeout = 200 * time.Millisecond
	return cfg
}

func newExecSupervisor(t *testing.T) *Supervisor {
	s := New(slog.Default(), Options{ReadyPoll: 5 * time.Millisecond})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func TestExecStop_SignalsWholeProcessGroup(t *testing.T) {
	s := newExecSupervisor(t)
	_, err := s.Start(context.Background(), shellDaemon("forker", "sleep 20 & sleep 60"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, s.Stop(ctx, "forker"))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestExecStop_KillsGroupIgnoringTerm(t *testing.T) {
	s := newExecSupervisor(t)
	_, err := s.Start(context.Background(), shellDaemon("stubborn", "trap '' TERM; sleep 20 & sleep 60"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, s.Stop(ctx, "stubborn"))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 3*time.Second)
}

func TestExecLauncher_CapturesOutput(t *testing.T) {
	s := newExecSupervisor(t)
	_, err := s.Start(context.Background(), shellDaemon("talker", "echo hello from daemon; sleep 60"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		lines, err := s.Logs("talker")
		return err == nil && len(lines) > 0 && lines[0] == "hello from daemon"
	}, 2*time.Second, 10*time.Millisecond)
}
