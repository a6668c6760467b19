// ABOUTME: Keeps external daemons alive: launch, readiness, health loop and bounded restarts
// ABOUTME: Each daemon has its own record, lock and monitor goroutine

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"slices"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/tabpilot/internal/faults"
)

var (
	ErrUnknownDaemon          = errors.New("unknown daemon")
	ErrAlreadyManaged         = errors.New("daemon already managed")
	ErrInvalidConfig          = errors.New("invalid daemon config")
	ErrExitedDuringGrace      = errors.New("daemon exited during start grace window")
	ErrNotReady               = errors.New("daemon did not become ready")
	ErrRestartBudgetExhausted = errors.New("restart budget exhausted")
	ErrClosed                 = errors.New("supervisor closed")
)

var daemonIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// DaemonConfig describes one supervised process.
type DaemonConfig struct {
	ID             string
	Kind           Kind
	Command        string
	Args           []string
	Env            []string
	TargetAddress  string
	Ports          []int
	DestinationDir string

	HealthInterval   time.Duration
	HealthTimeout    time.Duration
	FailureThreshold int
	// MaxRestarts bounds restarts within RestartWindow. Negative disables
	// restarts entirely.
	MaxRestarts   int
	RestartWindow time.Duration
	StartGrace    time.Duration
	ReadyTimeout  time.Duration
	StopTimeout   time.Duration

	ProbeURL string
	Probe    Probe
}

func (c DaemonConfig) withDefaults() DaemonConfig {
	if c.Kind == "" {
		c.Kind = KindGeneric
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 2 * time.Second
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.MaxRestarts == 0 {
		c.MaxRestarts = 3
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = 5 * time.Minute
	}
	if c.StartGrace <= 0 {
		c.StartGrace = 500 * time.Millisecond
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 15 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	return c
}

// Validate checks that the config can be launched and probed.
func (c DaemonConfig) Validate() error {
	if !daemonIDPattern.MatchString(c.ID) {
		return fmt.Errorf("%w: id %q must be alphanumeric with - _ or .", ErrInvalidConfig, c.ID)
	}
	if c.Command == "" {
		return fmt.Errorf("%w: %s: command is required", ErrInvalidConfig, c.ID)
	}
	switch c.Kind {
	case "", KindBrowser, KindRelay, KindGeneric:
	default:
		return fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidConfig, c.ID, c.Kind)
	}
	if c.Probe == nil && c.ProbeURL == "" && c.TargetAddress == "" {
		return fmt.Errorf("%w: %s: target address or probe url is required", ErrInvalidConfig, c.ID)
	}
	for _, p := range c.Ports {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("%w: %s: port %d out of range", ErrInvalidConfig, c.ID, p)
		}
	}
	return nil
}

// Options tunes the supervisor itself.
type Options struct {
	Launcher           Launcher
	LogLines           int
	ReadyPoll          time.Duration
	PortReleaseTimeout time.Duration
}

// Supervisor owns the daemon records.
type Supervisor struct {
	launcher Launcher
	opts     Options
	logger   *slog.Logger

	mu      sync.Mutex
	daemons map[string]*daemon
	closed  bool

	events *broadcaster
	fatal  chan error
}

// New creates a Supervisor. A nil Launcher starts real processes.
func New(logger *slog.Logger, opts Options) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Launcher == nil {
		opts.Launcher = ExecLauncher{}
	}
	if opts.LogLines <= 0 {
		opts.LogLines = DefaultLogLines
	}
	if opts.ReadyPoll <= 0 {
		opts.ReadyPoll = 100 * time.Millisecond
	}
	if opts.PortReleaseTimeout <= 0 {
		opts.PortReleaseTimeout = 2 * time.Second
	}
	logger = logger.With("component", "supervisor")
	return &Supervisor{
		launcher: opts.Launcher,
		opts:     opts,
		logger:   logger,
		daemons:  make(map[string]*daemon),
		events:   newBroadcaster(logger),
		fatal:    make(chan error, 16),
	}
}

type daemon struct {
	cfg    DaemonConfig
	probe  Probe
	logs   *LogRing
	logger *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}

	mu        sync.Mutex
	state     State
	proc      Process
	detached  bool
	failures  int
	restarts  []time.Time
	startedAt time.Time
	lastErr   error
	fatalErr  error
}

func (s *Supervisor) newDaemon(cfg DaemonConfig) *daemon {
	logger := s.logger.With("daemon_id", cfg.ID)
	ctx, cancel := context.WithCancel(context.Background())
	return &daemon{
		cfg:      cfg,
		probe:    probeFor(cfg),
		logs:     NewLogRing(s.opts.LogLines, logger),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
		state:    StateStopped,
	}
}

// Start launches the daemon and returns once it is RUNNING or has failed.
func (s *Supervisor) Start(ctx context.Context, cfg DaemonConfig) (Snapshot, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Snapshot{}, ErrClosed
	}
	if existing, ok := s.daemons[cfg.ID]; ok {
		if existing.snapshot().State != StateStopped {
			s.mu.Unlock()
			return Snapshot{}, fmt.Errorf("%w: %s", ErrAlreadyManaged, cfg.ID)
		}
		existing.cancel()
	}
	d := s.newDaemon(cfg)
	s.daemons[cfg.ID] = d
	s.mu.Unlock()

	launchCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(d.ctx, cancel)
	err := s.launch(launchCtx, d, "start requested")
	stop()
	cancel()

	if err != nil {
		d.setErr(err)
		s.transition(d, StateStopped, err.Error())
		close(d.loopDone)
		return d.snapshot(), err
	}

	go s.monitor(d)
	return d.snapshot(), nil
}

// StartAll starts every config concurrently and returns the first failure.
func (s *Supervisor) StartAll(ctx context.Context, cfgs []DaemonConfig) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, cfg := range cfgs {
		g.Go(func() error {
			if _, err := s.Start(gctx, cfg); err != nil {
				return fmt.Errorf("start %s: %w", cfg.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Stop terminates the daemon and forgets its record.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	s.mu.Lock()
	d, ok := s.daemons[id]
	if ok {
		delete(s.daemons, id)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDaemon, id)
	}

	d.cancel()
	select {
	case <-d.loopDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	terminated := make(chan struct{})
	go func() {
		s.terminate(d)
		close(terminated)
	}()
	select {
	case <-terminated:
	case <-ctx.Done():
		d.logger.Warn("stop deadline reached before daemon exited", "error", ctx.Err())
		return ctx.Err()
	}

	if d.snapshot().State != StateStopped {
		s.transition(d, StateStopped, "stop requested")
	}
	d.logger.Info("daemon stopped")
	return nil
}

// StopAll stops every managed daemon concurrently.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.daemons))
	for id := range s.daemons {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			if err := s.Stop(gctx, id); err != nil && !errors.Is(err, ErrUnknownDaemon) {
				return fmt.Errorf("stop %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Close stops everything and ends all subscriptions.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	err := s.StopAll(ctx)
	s.events.close()
	return err
}

// Get returns a snapshot of one daemon.
func (s *Supervisor) Get(id string) (Snapshot, error) {
	d, err := s.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	return d.snapshot(), nil
}

// Running returns the snapshot when the daemon is RUNNING and a
// DaemonUnavailableError otherwise.
func (s *Supervisor) Running(id string) (Snapshot, error) {
	d, err := s.lookup(id)
	if err != nil {
		return Snapshot{}, &faults.DaemonUnavailableError{DaemonID: id, State: "UNMANAGED"}
	}
	snap := d.snapshot()
	if snap.State != StateRunning {
		return snap, &faults.DaemonUnavailableError{DaemonID: id, State: string(snap.State)}
	}
	return snap, nil
}

// List returns snapshots of every managed daemon, sorted by id.
func (s *Supervisor) List() []Snapshot {
	s.mu.Lock()
	records := make([]*daemon, 0, len(s.daemons))
	for _, d := range s.daemons {
		records = append(records, d)
	}
	s.mu.Unlock()

	out := make([]Snapshot, 0, len(records))
	for _, d := range records {
		out = append(out, d.snapshot())
	}
	slices.SortFunc(out, func(a, b Snapshot) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// Subscribe streams state transitions until ctx is cancelled.
func (s *Supervisor) Subscribe(ctx context.Context) <-chan Transition {
	return s.events.subscribe(ctx)
}

// Logs returns the buffered output lines of a daemon, oldest first.
func (s *Supervisor) Logs(id string) ([]string, error) {
	d, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return d.logs.Lines(), nil
}

// Err returns the fatal error of a daemon whose restart budget ran out.
func (s *Supervisor) Err(id string) error {
	d, err := s.lookup(id)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fatalErr
}

// Fatal delivers one error per daemon that gave up restarting.
func (s *Supervisor) Fatal() <-chan error {
	return s.fatal
}

func (s *Supervisor) lookup(id string) (*daemon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.daemons[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDaemon, id)
	}
	return d, nil
}

// launch performs one start attempt. On failure the record is left in
// STARTING for the caller to move on.
func (s *Supervisor) launch(ctx context.Context, d *daemon, reason string) error {
	s.transition(d, StateStarting, reason)

	args, err := expandArgs(d.cfg)
	if err != nil {
		return err
	}
	proc, err := s.launcher.Launch(ctx, LaunchSpec{
		DaemonID: d.cfg.ID,
		Command:  d.cfg.Command,
		Args:     args,
		Env:      d.cfg.Env,
		Output:   d.logs,
	})
	if err != nil {
		return fmt.Errorf("launch %s: %w", d.cfg.ID, err)
	}

	d.mu.Lock()
	d.proc = proc
	d.detached = false
	d.mu.Unlock()
	d.logger.Info("daemon launched", "pid", proc.PID(), "command", d.cfg.Command)

	grace := time.NewTimer(d.cfg.StartGrace)
	defer grace.Stop()
	select {
	case <-proc.Done():
		if exitErr := proc.ExitErr(); exitErr != nil {
			s.discard(d)
			return fmt.Errorf("%w: %w", ErrExitedDuringGrace, exitErr)
		}
		// A clean exit inside the grace window means the launcher forked
		// the real daemon; readiness decides from here.
		d.mu.Lock()
		d.detached = true
		d.mu.Unlock()
		d.logger.Debug("launcher exited cleanly, treating daemon as detached")
	case <-grace.C:
	case <-ctx.Done():
		s.terminate(d)
		return ctx.Err()
	}

	if err := s.waitReady(ctx, d); err != nil {
		s.terminate(d)
		return err
	}

	d.mu.Lock()
	d.failures = 0
	d.startedAt = time.Now()
	d.lastErr = nil
	d.mu.Unlock()
	s.transition(d, StateRunning, "ready")
	return nil
}

func (s *Supervisor) waitReady(ctx context.Context, d *daemon) error {
	deadline := time.NewTimer(d.cfg.ReadyTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(s.opts.ReadyPoll)
	defer poll.Stop()

	exited := d.exitChan()
	var lastErr error
	for {
		if lastErr = s.check(ctx, d); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w within %s: %w", ErrNotReady, d.cfg.ReadyTimeout, lastErr)
		case <-exited:
			return fmt.Errorf("%w: process exited: %v", ErrNotReady, d.exitErr())
		case <-poll.C:
		}
	}
}

func (s *Supervisor) check(ctx context.Context, d *daemon) error {
	pctx, cancel := context.WithTimeout(ctx, d.cfg.HealthTimeout)
	defer cancel()
	return d.probe.Check(pctx)
}

// monitor runs the health loop and restarts until the daemon is stopped or
// its restart budget is spent.
func (s *Supervisor) monitor(d *daemon) {
	defer close(d.loopDone)
	for {
		reason := s.watch(d)
		if d.ctx.Err() != nil {
			return
		}
		if !s.recover(d, reason) {
			return
		}
	}
}

// watch blocks while the daemon is healthy and returns why it degraded.
func (s *Supervisor) watch(d *daemon) string {
	ticker := time.NewTicker(d.cfg.HealthInterval)
	defer ticker.Stop()
	exited := d.exitChan()

	for {
		select {
		case <-d.ctx.Done():
			return ""
		case <-exited:
			reason := fmt.Sprintf("process exited unexpectedly: %v", d.exitErr())
			d.setErr(errors.New(reason))
			s.transition(d, StateDegraded, reason)
			return reason
		case <-ticker.C:
			err := s.check(d.ctx, d)
			if d.ctx.Err() != nil {
				return ""
			}
			if degraded, reason := d.recordProbe(err); degraded {
				s.transition(d, StateDegraded, reason)
				return reason
			}
		}
	}
}

// recover restarts a degraded daemon. It returns false when the loop should
// end.
func (s *Supervisor) recover(d *daemon, reason string) bool {
	for {
		if !d.reserveRestart(time.Now()) {
			s.exhaust(d)
			return false
		}
		s.transition(d, StateRestarting, reason)
		s.terminate(d)
		if d.ctx.Err() != nil {
			return false
		}

		err := s.launch(d.ctx, d, "restart")
		if err == nil {
			d.logger.Info("daemon restarted")
			return true
		}
		if d.ctx.Err() != nil {
			return false
		}
		d.setErr(err)
		d.logger.Warn("restart attempt failed", "error", err)
		reason = err.Error()
	}
}

func (s *Supervisor) exhaust(d *daemon) {
	err := fmt.Errorf("daemon %s: %w: more than %d restarts within %s",
		d.cfg.ID, ErrRestartBudgetExhausted, max(d.cfg.MaxRestarts, 0), d.cfg.RestartWindow)
	s.terminate(d)

	d.mu.Lock()
	d.fatalErr = err
	d.lastErr = err
	d.mu.Unlock()
	s.transition(d, StateStopped, err.Error())
	d.logger.Error("giving up on daemon", "error", err)

	select {
	case s.fatal <- err:
	default:
		d.logger.Warn("fatal channel full, error only logged")
	}
}

// terminate stops the current process group: SIGTERM, then SIGKILL after
// StopTimeout. The wait after the kill is bounded by StopTimeout as well.
func (s *Supervisor) terminate(d *daemon) {
	d.mu.Lock()
	proc := d.proc
	detached := d.detached
	d.proc = nil
	d.mu.Unlock()
	if proc == nil {
		return
	}

	select {
	case <-proc.Done():
		if !detached {
			s.waitPortsReleased(d)
		}
		return
	default:
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		d.logger.Debug("signal failed", "error", err)
	}
	timer := time.NewTimer(d.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-proc.Done():
	case <-timer.C:
		d.logger.Warn("daemon ignored SIGTERM, killing", "pid", proc.PID(), "after", d.cfg.StopTimeout)
		if err := proc.Kill(); err != nil {
			d.logger.Error("kill failed", "pid", proc.PID(), "error", err)
		}
		reap := time.NewTimer(d.cfg.StopTimeout)
		defer reap.Stop()
		select {
		case <-proc.Done():
		case <-reap.C:
			d.logger.Error("daemon did not exit after kill, abandoning it", "pid", proc.PID(), "after", d.cfg.StopTimeout)
			return
		}
	}
	s.waitPortsReleased(d)
}

// discard drops a process that already exited.
func (s *Supervisor) discard(d *daemon) {
	d.mu.Lock()
	d.proc = nil
	d.mu.Unlock()
}

func (s *Supervisor) waitPortsReleased(d *daemon) {
	if len(d.cfg.Ports) == 0 {
		return
	}
	deadline := time.Now().Add(s.opts.PortReleaseTimeout)
	for _, port := range d.cfg.Ports {
		addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
		for {
			conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
			if err != nil {
				break
			}
			conn.Close()
			if time.Now().After(deadline) {
				d.logger.Warn("port still in use after stop", "port", port)
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}
}

func (s *Supervisor) transition(d *daemon, to State, reason string) {
	d.mu.Lock()
	from := d.state
	if from == to {
		d.mu.Unlock()
		return
	}
	if !CanTransition(from, to) {
		d.mu.Unlock()
		d.logger.Error("illegal state transition refused", "from", from, "to", to, "reason", reason)
		return
	}
	d.state = to
	d.mu.Unlock()

	level := slog.LevelInfo
	if to == StateDegraded {
		level = slog.LevelWarn
	}
	d.logger.Log(context.Background(), level, "daemon state changed", "from", from, "to", to, "reason", reason)
	s.events.publish(Transition{DaemonID: d.cfg.ID, From: from, To: to, Reason: reason, At: time.Now()})
}

func (d *daemon) snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	snap := Snapshot{
		ID:                  d.cfg.ID,
		Kind:                d.cfg.Kind,
		State:               d.state,
		TargetAddress:       d.cfg.TargetAddress,
		Ports:               slices.Clone(d.cfg.Ports),
		DestinationDir:      d.cfg.DestinationDir,
		ConsecutiveFailures: d.failures,
		RecentRestarts:      d.recentRestartsLocked(time.Now()),
		StartedAt:           d.startedAt,
		Fatal:               d.fatalErr != nil,
	}
	if d.proc != nil {
		snap.PID = d.proc.PID()
	}
	if d.lastErr != nil {
		snap.LastError = d.lastErr.Error()
	}
	return snap
}

func (d *daemon) exitChan() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.proc == nil || d.detached {
		return nil
	}
	return d.proc.Done()
}

func (d *daemon) exitErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.proc == nil {
		return nil
	}
	return d.proc.ExitErr()
}

func (d *daemon) setErr(err error) {
	d.mu.Lock()
	d.lastErr = err
	d.mu.Unlock()
}

// recordProbe folds one probe result into the failure streak and reports
// whether the threshold was reached.
func (d *daemon) recordProbe(err error) (bool, string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err == nil {
		if d.failures > 0 {
			d.logger.Info("health check recovered", "after_failures", d.failures)
		}
		d.failures = 0
		return false, ""
	}
	d.failures++
	d.lastErr = err
	d.logger.Debug("health check failed", "consecutive", d.failures, "error", err)
	if d.failures < d.cfg.FailureThreshold {
		return false, ""
	}
	return true, fmt.Sprintf("%d consecutive health check failures: %v", d.failures, err)
}

// reserveRestart records a restart at now if the rolling window allows it.
func (d *daemon) reserveRestart(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cfg.MaxRestarts < 0 {
		return false
	}
	cutoff := now.Add(-d.cfg.RestartWindow)
	kept := d.restarts[:0]
	for _, at := range d.restarts {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	d.restarts = kept
	if len(d.restarts) >= d.cfg.MaxRestarts {
		return false
	}
	d.restarts = append(d.restarts, now)
	return true
}

func (d *daemon) recentRestartsLocked(now time.Time) int {
	cutoff := now.Add(-d.cfg.RestartWindow)
	n := 0
	for _, at := range d.restarts {
		if at.After(cutoff) {
			n++
		}
	}
	return n
}
