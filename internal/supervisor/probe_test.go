// ABOUTME: Tests for health probes, the output ring and the exec launcher
// ABOUTME: Probes run against httptest servers and real listeners

package supervisor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPProbe(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	p := HTTPProbe{URL: srv.URL + "/health"}
	assert.NoError(t, p.Check(context.Background()))

	status.Store(http.StatusServiceUnavailable)
	err := p.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestTCPProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	assert.NoError(t, TCPProbe{Address: addr}.Check(context.Background()))

	require.NoError(t, ln.Close())
	assert.Error(t, TCPProbe{Address: addr}.Check(context.Background()))
}

func TestDevToolsProbe(t *testing.T) {
	var body atomic.Value
	body.Store(`{"Browser":"HeadlessChrome/120.0","webSocketDebuggerUrl":"ws://127.0.0.1/devtools/browser/x"}`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json/version" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, body.Load().(string))
	}))
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")

	assert.NoError(t, DevToolsProbe{Address: addr}.Check(context.Background()))

	body.Store(`{}`)
	assert.Error(t, DevToolsProbe{Address: addr}.Check(context.Background()))

	body.Store(`not json`)
	assert.Error(t, DevToolsProbe{Address: addr}.Check(context.Background()))
}

func TestProbe_HonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, HTTPProbe{URL: srv.URL}.Check(ctx))
}

func TestProbeFor(t *testing.T) {
	custom := ProbeFunc(func(context.Context) error { return nil })

	tests := []struct {
		name string
		cfg  DaemonConfig
		want any
	}{
		{"explicit probe wins", DaemonConfig{Kind: KindBrowser, Probe: custom, ProbeURL: "http://x"}, custom},
		{"probe url", DaemonConfig{Kind: KindBrowser, TargetAddress: "a:1", ProbeURL: "http://x/health"}, HTTPProbe{URL: "http://x/health"}},
		{"browser", DaemonConfig{Kind: KindBrowser, TargetAddress: "a:9222"}, DevToolsProbe{Address: "a:9222"}},
		{"relay", DaemonConfig{Kind: KindRelay, TargetAddress: "a:8080"}, TCPProbe{Address: "a:8080"}},
		{"generic", DaemonConfig{Kind: KindGeneric, TargetAddress: "a:1"}, TCPProbe{Address: "a:1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := probeFor(tt.cfg)
			if _, ok := tt.want.(ProbeFunc); ok {
				_, isFunc := got.(ProbeFunc)
				assert.True(t, isFunc)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

// =============================================================================
// LogRing
// =============================================================================

func TestLogRing_KeepsNewestLines(t *testing.T) {
	r := NewLogRing(3, nil)
	for i := 1; i <= 5; i++ {
		r.Append(fmt.Sprintf("line %d", i))
	}
	assert.Equal(t, []string{"line 3", "line 4", "line 5"}, r.Lines())
}

func TestLogRing_SplitsWrites(t *testing.T) {
	r := NewLogRing(10, nil)
	_, _ = r.Write([]byte("first\r\nsec"))
	_, _ = r.Write([]byte("ond\nthird"))

	assert.Equal(t, []string{"first", "second"}, r.Lines())

	_, _ = r.Write([]byte("\n"))
	assert.Equal(t, []string{"first", "second", "third"}, r.Lines())
}

func TestLogRing_FlushesOversizedPartial(t *testing.T) {
	r := NewLogRing(10, nil)
	long := strings.Repeat("x", maxPartialLine+1)
	_, _ = r.Write([]byte(long))

	lines := r.Lines()
	require.Len(t, lines, 1)
	assert.Len(t, lines[0], maxPartialLine+1)
}

func TestLogRing_DefaultSize(t *testing.T) {
	r := NewLogRing(0, nil)
	for i := 0; i < DefaultLogLines+10; i++ {
		r.Append("x")
	}
	assert.Len(t, r.Lines(), DefaultLogLines)
}

// =============================================================================
// ExecLauncher
// =============================================================================

func TestExecLauncher_RunsAndTerminates(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	ring := NewLogRing(10, nil)
	proc, err := ExecLauncher{}.Launch(context.Background(), LaunchSpec{
		DaemonID: "shell",
		Command:  sh,
		Args:     []string{"-c", "echo ready; echo $TABPILOT_TEST_VAR; exec sleep 30"},
		Env:      []string{"TABPILOT_TEST_VAR=from-env"},
		Output:   ring,
	})
	require.NoError(t, err)
	assert.Positive(t, proc.PID())

	require.Eventually(t, func() bool { return len(ring.Lines()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"ready", "from-env"}, ring.Lines())

	require.NoError(t, proc.Signal(syscall.SIGTERM))
	select {
	case <-proc.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit on SIGTERM")
	}
	assert.Error(t, proc.ExitErr())
	assert.NoError(t, proc.Kill(), "killing an exited process is not an error")
}

func TestExecLauncher_MissingBinary(t *testing.T) {
	_, err := ExecLauncher{}.Launch(context.Background(), LaunchSpec{Command: "/nonexistent/tabpilot-daemon"})
	assert.Error(t, err)
}
