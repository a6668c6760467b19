// ABOUTME: Process launching for supervised daemons
// ABOUTME: Expands argument placeholders and wraps os/exec behind a small interface

package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"text/template"
	"time"
)

// pipeDrainDelay bounds how long Wait keeps reading output after the leader
// exits. Descendants that inherited stdio would otherwise hold it open.
const pipeDrainDelay = 500 * time.Millisecond

// LaunchSpec is everything needed to start one daemon process.
type LaunchSpec struct {
	DaemonID string
	Command  string
	Args     []string
	Env      []string
	Output   io.Writer
}

// Process is a started daemon.
type Process interface {
	PID() int
	Signal(sig os.Signal) error
	Kill() error
	// Done is closed once the process has exited and its output is drained.
	Done() <-chan struct{}
	// ExitErr is the wait result; only meaningful after Done.
	ExitErr() error
}

// Launcher starts processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ExecLauncher starts real OS processes.
type ExecLauncher struct{}

// Launch starts spec.Command in its own process group. The process is not
// tied to ctx; the supervisor owns its lifetime.
func (ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	if spec.Output != nil {
		cmd.Stdout = spec.Output
		cmd.Stderr = spec.Output
	}
	cmd.WaitDelay = pipeDrainDelay
	setProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		if errors.Is(err, exec.ErrWaitDelay) {
			// clean exit; only a descendant still held the output pipe
			err = nil
		}
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Signal(sig os.Signal) error {
	if err := signalGroup(p.cmd.Process, sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (p *execProcess) Kill() error {
	if err := signalGroup(p.cmd.Process, os.Kill); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// argValues are the placeholders available to daemon arguments.
type argValues struct {
	ID             string
	TargetAddress  string
	Port           string
	Ports          []int
	DestinationDir string
}

// expandArgs renders {{.TargetAddress}}, {{.Port}}, {{.DestinationDir}} and
// friends inside each argument.
func expandArgs(cfg DaemonConfig) ([]string, error) {
	values := argValues{
		ID:             cfg.ID,
		TargetAddress:  cfg.TargetAddress,
		Ports:          cfg.Ports,
		DestinationDir: cfg.DestinationDir,
	}
	if len(cfg.Ports) > 0 {
		values.Port = strconv.Itoa(cfg.Ports[0])
	}

	out := make([]string, 0, len(cfg.Args))
	for i, arg := range cfg.Args {
		if !strings.Contains(arg, "{{") {
			out = append(out, arg)
			continue
		}
		tmpl, err := template.New("arg").Option("missingkey=error").Parse(arg)
		if err != nil {
			return nil, fmt.Errorf("parse arg %d %q: %w", i, arg, err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, values); err != nil {
			return nil, fmt.Errorf("expand arg %d %q: %w", i, arg, err)
		}
		out = append(out, buf.String())
	}
	return out, nil
}
