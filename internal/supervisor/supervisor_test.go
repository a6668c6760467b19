// ABOUTME: Tests for daemon lifecycle supervision using fake processes and probes
// ABOUTME: Covers start, fail-fast, health degradation, bounded restarts and stop escalation

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tabpilot/internal/faults"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeProcess struct {
	pid        int
	ignoreTerm bool
	ignoreKill bool
	done       chan struct{}
	once       sync.Once
	signals    atomic.Int32
	kills      atomic.Int32

	mu  sync.Mutex
	err error
}

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Signal(os.Signal) error {
	p.signals.Add(1)
	if !p.ignoreTerm {
		p.exit(nil)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.kills.Add(1)
	if !p.ignoreKill {
		p.exit(errors.New("signal: killed"))
	}
	return nil
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

type fakeLauncher struct {
	mu       sync.Mutex
	procs    []*fakeProcess
	specs    []LaunchSpec
	onLaunch func(n int, p *fakeProcess, spec LaunchSpec)
}

func (l *fakeLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	l.mu.Lock()
	p := &fakeProcess{pid: 1000 + len(l.procs), done: make(chan struct{})}
	l.procs = append(l.procs, p)
	l.specs = append(l.specs, spec)
	n := len(l.procs)
	hook := l.onLaunch
	l.mu.Unlock()

	if hook != nil {
		hook(n, p, spec)
	}
	return p, nil
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) proc(i int) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

func (l *fakeLauncher) spec(i int) LaunchSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.specs[i]
}

type toggleProbe struct {
	healthy atomic.Bool
	checks  atomic.Int32
}

func newToggleProbe(healthy bool) *toggleProbe {
	p := &toggleProbe{}
	p.healthy.Store(healthy)
	return p
}

func (p *toggleProbe) Check(context.Context) error {
	p.checks.Add(1)
	if p.healthy.Load() {
		return nil
	}
	return errors.New("connection refused")
}

func newTestSupervisor(t *testing.T, launcher *fakeLauncher) *Supervisor {
	s := New(slog.Default(), Options{Launcher: launcher, ReadyPoll: 5 * time.Millisecond})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func fastConfig(id string, probe Probe) DaemonConfig {
	return DaemonConfig{
		ID:               id,
		Kind:             KindBrowser,
		Command:          "fake-browser",
		TargetAddress:    "127.0.0.1:9222",
		HealthInterval:   10 * time.Millisecond,
		HealthTimeout:    50 * time.Millisecond,
		FailureThreshold: 3,
		StartGrace:       5 * time.Millisecond,
		ReadyTimeout:     300 * time.Millisecond,
		StopTimeout:      100 * time.Millisecond,
		Probe:            probe,
	}
}

func collect(t *testing.T, ch <-chan Transition, until func(Transition) bool) []Transition {
	t.Helper()
	var got []Transition
	timeout := time.After(3 * time.Second)
	for {
		select {
		case tr, ok := <-ch:
			if !ok {
				t.Fatalf("subscription closed after %v", got)
			}
			got = append(got, tr)
			if until(tr) {
				return got
			}
		case <-timeout:
			t.Fatalf("transition not observed; got %v", got)
			return got
		}
	}
}

func path(trs []Transition) []string {
	out := make([]string, 0, len(trs))
	for _, tr := range trs {
		out = append(out, fmt.Sprintf("%s->%s", tr.From, tr.To))
	}
	return out
}

// =============================================================================
// Start
// =============================================================================

func TestStart_ReachesRunning(t *testing.T) {
	launcher := &fakeLauncher{}
	s := newTestSupervisor(t, launcher)

	snap, err := s.Start(context.Background(), fastConfig("browser", newToggleProbe(true)))
	require.NoError(t, err)
	assert.Equal(t, StateRunning, snap.State)
	assert.Equal(t, 1000, snap.PID)
	assert.False(t, snap.StartedAt.IsZero())

	running, err := s.Running("browser")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, running.State)
}

func TestStart_ExitDuringGraceFailsFast(t *testing.T) {
	launcher := &fakeLauncher{onLaunch: func(_ int, p *fakeProcess, _ LaunchSpec) {
		p.exit(errors.New("exit status 1"))
	}}
	s := newTestSupervisor(t, launcher)
	probe := newToggleProbe(true)

	snap, err := s.Start(context.Background(), fastConfig("browser", probe))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExitedDuringGrace)
	assert.Equal(t, StateStopped, snap.State)
	assert.Contains(t, snap.LastError, "exit status 1")
	assert.Equal(t, int32(0), probe.checks.Load())
}

func TestStart_CleanExitDuringGraceIsDetached(t *testing.T) {
	launcher := &fakeLauncher{onLaunch: func(_ int, p *fakeProcess, _ LaunchSpec) {
		p.exit(nil)
	}}
	s := newTestSupervisor(t, launcher)

	snap, err := s.Start(context.Background(), fastConfig("browser", newToggleProbe(true)))
	require.NoError(t, err)
	assert.Equal(t, StateRunning, snap.State)

	time.Sleep(50 * time.Millisecond)
	got, err := s.Get("browser")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, got.State)
}

func TestStart_NotReadyTerminatesProcess(t *testing.T) {
	launcher := &fakeLauncher{}
	s := newTestSupervisor(t, launcher)
	cfg := fastConfig("browser", newToggleProbe(false))
	cfg.ReadyTimeout = 50 * time.Millisecond

	snap, err := s.Start(context.Background(), cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, StateStopped, snap.State)
	assert.Equal(t, int32(1), launcher.proc(0).signals.Load())
}

func TestStart_RejectsDuplicateAndInvalid(t *testing.T) {
	launcher := &fakeLauncher{}
	s := newTestSupervisor(t, launcher)

	_, err := s.Start(context.Background(), fastConfig("browser", newToggleProbe(true)))
	require.NoError(t, err)
	_, err = s.Start(context.Background(), fastConfig("browser", newToggleProbe(true)))
	assert.ErrorIs(t, err, ErrAlreadyManaged)

	tests := []struct {
		name   string
		mutate func(*DaemonConfig)
	}{
		{"empty id", func(c *DaemonConfig) { c.ID = "" }},
		{"bad id", func(c *DaemonConfig) { c.ID = "../etc" }},
		{"no command", func(c *DaemonConfig) { c.Command = "" }},
		{"no probe target", func(c *DaemonConfig) { c.Probe = nil; c.TargetAddress = "" }},
		{"bad port", func(c *DaemonConfig) { c.Ports = []int{70000} }},
		{"bad kind", func(c *DaemonConfig) { c.Kind = "toaster" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := fastConfig("other", newToggleProbe(true))
			tt.mutate(&cfg)
			_, err := s.Start(context.Background(), cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
	assert.Equal(t, 1, launcher.launches())
}

func TestStart_ExpandsArgumentPlaceholders(t *testing.T) {
	launcher := &fakeLauncher{}
	s := newTestSupervisor(t, launcher)
	cfg := fastConfig("browser", newToggleProbe(true))
	cfg.Ports = []int{9222}
	cfg.DestinationDir = "/tmp/shots"
	cfg.Args = []string{
		"--headless",
		"--remote-debugging-port={{.Port}}",
		"--user-data-dir={{.DestinationDir}}/profile-{{.ID}}",
		"--relay={{.TargetAddress}}",
	}

	_, err := s.Start(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"--headless",
		"--remote-debugging-port=9222",
		"--user-data-dir=/tmp/shots/profile-browser",
		"--relay=127.0.0.1:9222",
	}, launcher.spec(0).Args)
}

func TestStart_BadPlaceholderFails(t *testing.T) {
	launcher := &fakeLauncher{}
	s := newTestSupervisor(t, launcher)
	cfg := fastConfig("browser", newToggleProbe(true))
	cfg.Args = []string{"--x={{.Nope}}"}

	_, err := s.Start(context.Background(), cfg)
	require.Error(t, err)
	assert.Equal(t, 0, launcher.launches())
}

func TestStartAll_StartsIndependently(t *testing.T) {
	launcher := &fakeLauncher{}
	s := newTestSupervisor(t, launcher)

	err := s.StartAll(context.Background(), []DaemonConfig{
		fastConfig("relay", newToggleProbe(true)),
		fastConfig("browser", newToggleProbe(true)),
	})
	require.NoError(t, err)

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "browser", list[0].ID)
	assert.Equal(t, "relay", list[1].ID)
	for _, snap := range list {
		assert.Equal(t, StateRunning, snap.State)
	}
}

// =============================================================================
// Health and restart
// =============================================================================

func TestHealth_ThreeFailuresTriggerExactlyOneRestart(t *testing.T) {
	probe := newToggleProbe(true)
	launcher := &fakeLauncher{onLaunch: func(n int, _ *fakeProcess, _ LaunchSpec) {
		if n == 2 {
			probe.healthy.Store(true)
		}
	}}
	s := newTestSupervisor(t, launcher)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := s.Subscribe(ctx)

	_, err := s.Start(context.Background(), fastConfig("browser", probe))
	require.NoError(t, err)
	probe.healthy.Store(false)

	running := 0
	trs := collect(t, events, func(tr Transition) bool {
		if tr.To == StateRunning {
			running++
		}
		return running == 2
	})

	assert.Equal(t, []string{
		"STOPPED->STARTING",
		"STARTING->RUNNING",
		"RUNNING->DEGRADED",
		"DEGRADED->RESTARTING",
		"RESTARTING->STARTING",
		"STARTING->RUNNING",
	}, path(trs))
	assert.Contains(t, trs[2].Reason, "3 consecutive health check failures")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, launcher.launches())
	assert.Equal(t, int32(1), launcher.proc(0).signals.Load())

	snap, err := s.Get("browser")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, snap.State)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.Equal(t, 1, snap.RecentRestarts)
}

func TestHealth_TwoFailuresDoNotDegrade(t *testing.T) {
	var calls atomic.Int32
	probe := ProbeFunc(func(context.Context) error {
		n := calls.Add(1)
		// fail twice in a row, then recover, repeatedly
		if n > 1 && n%3 != 1 {
			return errors.New("flaky")
		}
		return nil
	})
	launcher := &fakeLauncher{}
	s := newTestSupervisor(t, launcher)

	_, err := s.Start(context.Background(), fastConfig("browser", probe))
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	snap, err := s.Get("browser")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, snap.State)
	assert.Equal(t, 1, launcher.launches())
}

func TestHealth_UnexpectedExitDegradesImmediately(t *testing.T) {
	launcher := &fakeLauncher{}
	s := newTestSupervisor(t, launcher)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := s.Subscribe(ctx)

	cfg := fastConfig("relay", newToggleProbe(true))
	cfg.HealthInterval = time.Hour
	_, err := s.Start(context.Background(), cfg)
	require.NoError(t, err)

	launcher.proc(0).exit(errors.New("exit status 2"))

	trs := collect(t, events, func(tr Transition) bool { return tr.To == StateDegraded })
	assert.Contains(t, trs[len(trs)-1].Reason, "exit status 2")

	collect(t, events, func(tr Transition) bool { return tr.To == StateRunning })
	assert.Equal(t, 2, launcher.launches())
}

func TestRestart_BudgetExhaustedStopsWithFatalError(t *testing.T) {
	launcher := &fakeLauncher{onLaunch: func(n int, p *fakeProcess, _ LaunchSpec) {
		if n > 1 {
			p.exit(errors.New("exit status 1"))
		}
	}}
	s := newTestSupervisor(t, launcher)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := s.Subscribe(ctx)

	cfg := fastConfig("browser", newToggleProbe(true))
	cfg.MaxRestarts = 2
	_, err := s.Start(context.Background(), cfg)
	require.NoError(t, err)

	launcher.proc(0).exit(errors.New("segfault"))

	trs := collect(t, events, func(tr Transition) bool {
		return tr.To == StateStopped
	})
	assert.Equal(t, []string{
		"STOPPED->STARTING",
		"STARTING->RUNNING",
		"RUNNING->DEGRADED",
		"DEGRADED->RESTARTING",
		"RESTARTING->STARTING",
		"STARTING->RESTARTING",
		"RESTARTING->STARTING",
		"STARTING->STOPPED",
	}, path(trs))

	select {
	case fatal := <-s.Fatal():
		assert.ErrorIs(t, fatal, ErrRestartBudgetExhausted)
		assert.Contains(t, fatal.Error(), "browser")
	case <-time.After(time.Second):
		t.Fatal("no fatal error surfaced")
	}
	assert.ErrorIs(t, s.Err("browser"), ErrRestartBudgetExhausted)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, launcher.launches())

	snap, err := s.Get("browser")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, snap.State)
	assert.True(t, snap.Fatal)

	_, err = s.Running("browser")
	var unavailable *faults.DaemonUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "STOPPED", unavailable.State)
}

func TestRestart_FailingHealthChecksExhaustBudget(t *testing.T) {
	probe := newToggleProbe(true)
	launcher := &fakeLauncher{}
	s := newTestSupervisor(t, launcher)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := s.Subscribe(ctx)

	cfg := fastConfig("browser", probe)
	cfg.MaxRestarts = 1
	_, err := s.Start(context.Background(), cfg)
	require.NoError(t, err)
	probe.healthy.Store(false)

	trs := collect(t, events, func(tr Transition) bool { return tr.To == StateStopped })
	assert.Equal(t, []string{
		"STOPPED->STARTING",
		"STARTING->RUNNING",
		"RUNNING->DEGRADED",
		"DEGRADED->RESTARTING",
		"RESTARTING->STARTING",
		"STARTING->STOPPED",
	}, path(trs))
	assert.Contains(t, trs[2].Reason, "3 consecutive health check failures")

	select {
	case fatal := <-s.Fatal():
		assert.ErrorIs(t, fatal, ErrRestartBudgetExhausted)
	case <-time.After(time.Second):
		t.Fatal("no fatal error surfaced")
	}

	checks := probe.checks.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, launcher.launches())
	assert.Equal(t, checks, probe.checks.Load(), "no probing after giving up")

	snap, err := s.Get("browser")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, snap.State)
	assert.True(t, snap.Fatal)
}

func TestRestart_DisabledGivesUpOnFirstDegrade(t *testing.T) {
	launcher := &fakeLauncher{}
	s := newTestSupervisor(t, launcher)

	cfg := fastConfig("browser", newToggleProbe(true))
	cfg.MaxRestarts = -1
	_, err := s.Start(context.Background(), cfg)
	require.NoError(t, err)

	launcher.proc(0).exit(errors.New("boom"))

	select {
	case fatal := <-s.Fatal():
		assert.ErrorIs(t, fatal, ErrRestartBudgetExhausted)
	case <-time.After(time.Second):
		t.Fatal("no fatal error surfaced")
	}
	assert.Equal(t, 1, launcher.launches())
}

func TestRestart_ExhaustedDaemonCanBeStartedAgain(t *testing.T) {
	launcher := &fakeLauncher{}
	s := newTestSupervisor(t, launcher)

	cfg := fastConfig("browser", newToggleProbe(true))
	cfg.MaxRestarts = -1
	_, err := s.Start(context.Background(), cfg)
	require.NoError(t, err)
	launcher.proc(0).exit(errors.New("boom"))
	<-s.Fatal()

	s.mu.Lock()
	previous := s.daemons["browser"]
	s.mu.Unlock()

	snap, err := s.Start(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, snap.State)
	assert.NoError(t, s.Err("browser"))
	assert.ErrorIs(t, previous.ctx.Err(), context.Canceled)
}

// =============================================================================
// Stop
// =============================================================================

func TestStop_GracefulSignal(t *testing.T) {
	launcher := &fakeLauncher{}
	s := newTestSupervisor(t, launcher)
	_, err := s.Start(context.Background(), fastConfig("browser", newToggleProbe(true)))
	require.NoError(t, err)

	require.NoError(t, s.Stop(context.Background(), "browser"))

	p := launcher.proc(0)
	assert.Equal(t, int32(1), p.signals.Load())
	assert.Equal(t, int32(0), p.kills.Load())
	_, err = s.Get("browser")
	assert.ErrorIs(t, err, ErrUnknownDaemon)
}

func TestStop_EscalatesToKill(t *testing.T) {
	launcher := &fakeLauncher{onLaunch: func(_ int, p *fakeProcess, _ LaunchSpec) {
		p.ignoreTerm = true
	}}
	s := newTestSupervisor(t, launcher)
	_, err := s.Start(context.Background(), fastConfig("browser", newToggleProbe(true)))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Stop(context.Background(), "browser"))

	p := launcher.proc(0)
	assert.Equal(t, int32(1), p.signals.Load())
	assert.Equal(t, int32(1), p.kills.Load())
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestStop_BoundedWhenKillDoesNotReap(t *testing.T) {
	launcher := &fakeLauncher{onLaunch: func(_ int, p *fakeProcess, _ LaunchSpec) {
		p.ignoreTerm = true
		p.ignoreKill = true
	}}
	s := newTestSupervisor(t, launcher)
	_, err := s.Start(context.Background(), fastConfig("browser", newToggleProbe(true)))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Stop(context.Background(), "browser"))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(1), launcher.proc(0).kills.Load())
}

func TestStop_ContextDeadline(t *testing.T) {
	launcher := &fakeLauncher{onLaunch: func(_ int, p *fakeProcess, _ LaunchSpec) {
		p.ignoreTerm = true
		p.ignoreKill = true
	}}
	s := newTestSupervisor(t, launcher)
	cfg := fastConfig("browser", newToggleProbe(true))
	cfg.StopTimeout = time.Second
	_, err := s.Start(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = s.Stop(ctx, "browser")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestStop_PublishesStopped(t *testing.T) {
	launcher := &fakeLauncher{}
	s := newTestSupervisor(t, launcher)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := s.Subscribe(ctx)

	_, err := s.Start(context.Background(), fastConfig("browser", newToggleProbe(true)))
	require.NoError(t, err)
	require.NoError(t, s.Stop(context.Background(), "browser"))

	trs := collect(t, events, func(tr Transition) bool { return tr.To == StateStopped })
	assert.Equal(t, "stop requested", trs[len(trs)-1].Reason)
}

func TestStop_Unknown(t *testing.T) {
	s := newTestSupervisor(t, &fakeLauncher{})
	assert.ErrorIs(t, s.Stop(context.Background(), "ghost"), ErrUnknownDaemon)
}

// =============================================================================
// Queries
// =============================================================================

func TestRunning_UnknownIsDaemonUnavailable(t *testing.T) {
	s := newTestSupervisor(t, &fakeLauncher{})
	_, err := s.Running("ghost")
	assert.True(t, faults.IsDaemonUnavailable(err))
}

func TestLogs_CapturesProcessOutput(t *testing.T) {
	launcher := &fakeLauncher{onLaunch: func(_ int, _ *fakeProcess, spec LaunchSpec) {
		_, _ = spec.Output.Write([]byte("DevTools listening on ws://127.0.0.1:9222\nsecond line\n"))
	}}
	s := newTestSupervisor(t, launcher)
	_, err := s.Start(context.Background(), fastConfig("browser", newToggleProbe(true)))
	require.NoError(t, err)

	lines, err := s.Logs("browser")
	require.NoError(t, err)
	assert.Equal(t, []string{"DevTools listening on ws://127.0.0.1:9222", "second line"}, lines)

	_, err = s.Logs("ghost")
	assert.ErrorIs(t, err, ErrUnknownDaemon)
}

func TestClose_EndsSubscriptions(t *testing.T) {
	s := New(slog.Default(), Options{Launcher: &fakeLauncher{}, ReadyPoll: 5 * time.Millisecond})
	events := s.Subscribe(context.Background())
	_, err := s.Start(context.Background(), fastConfig("browser", newToggleProbe(true)))
	require.NoError(t, err)

	require.NoError(t, s.Close(context.Background()))

	for range events {
	}
	_, err = s.Start(context.Background(), fastConfig("again", newToggleProbe(true)))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StateStopped, StateStarting))
	assert.True(t, CanTransition(StateRunning, StateDegraded))
	assert.True(t, CanTransition(StateDegraded, StateRestarting))
	assert.True(t, CanTransition(StateRestarting, StateStarting))
	assert.False(t, CanTransition(StateStopped, StateRunning))
	assert.False(t, CanTransition(StateRunning, StateRestarting))
	assert.False(t, CanTransition(StateDegraded, StateRunning))
}
