// ABOUTME: Tests for the fake relay, including a full round trip through the gateway
// ABOUTME: Checks arithmetic evaluation, auth gating and registration replies

package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tabpilot/internal/auth"
	"github.com/2389/tabpilot/internal/config"
	"github.com/2389/tabpilot/internal/correlator"
	"github.com/2389/tabpilot/internal/faults"
	"github.com/2389/tabpilot/internal/gateway"
	"github.com/2389/tabpilot/internal/store"
)

const testSecret = "fake-relay-secret-0123456789abcd"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startRelay(t *testing.T, secret string) string {
	t.Helper()
	h, err := newHandler(secret, quietLogger())
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/agent"
}

// =============================================================================
// Evaluation
// =============================================================================

func TestEvaluate(t *testing.T) {
	tests := []struct {
		payload string
		want    float64
		errPart string
	}{
		{payload: "return 2 + 3", want: 5},
		{payload: "return 10 / 4;", want: 2.5},
		{payload: "  return -3 * 2  ", want: -6},
		{payload: "return 1.5 - 0.5", want: 1},
		{payload: "return 1 / 0", errPart: "RangeError"},
		{payload: "document.title", errPart: "ReferenceError"},
		{payload: "return a + b", errPart: "ReferenceError"},
	}
	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			got, err := evaluate(tt.payload)
			if tt.errPart != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errPart)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestRespond_RegisterAndUnknownFrames(t *testing.T) {
	r := &relay{logger: quietLogger()}

	reply, ok := r.respond([]byte(`{"type":"register","agentId":"a-1"}`))
	require.True(t, ok)
	assert.Equal(t, "registered", reply["type"])
	assert.Equal(t, "a-1", reply["agentId"])

	reply, ok = r.respond([]byte(`{"type":"register"}`))
	require.True(t, ok)
	assert.Equal(t, "register_rejected", reply["type"])

	_, ok = r.respond([]byte(`{"type":"ping"}`))
	assert.False(t, ok)

	_, ok = r.respond([]byte(`not json`))
	assert.False(t, ok)
}

// =============================================================================
// Auth
// =============================================================================

func TestAgentEndpoint_RequiresTokenWhenSecretSet(t *testing.T) {
	url := startRelay(t, testSecret)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	token, err := verifier.Generate("agent-x", nil, time.Minute)
	require.NoError(t, err)

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: auth.BearerHeader(token)})
	require.NoError(t, err)
	conn.CloseNow()
}

// =============================================================================
// End to end through the gateway
// =============================================================================

func TestGatewayRoundTrip(t *testing.T) {
	url := startRelay(t, testSecret)

	cfg, err := config.Parse([]byte(`
relay:
  url: `+url+`
  reconnect_delay: 10ms
agent:
  id: e2e-agent
auth:
  jwt_secret: `+testSecret+`
`), "yaml")
	require.NoError(t, err)

	gw, err := gateway.New(cfg, quietLogger(), gateway.Options{Store: store.NewMockStore()})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	var res *correlator.Result
	require.Eventually(t, func() bool {
		res, err = gw.Execute(context.Background(), "return 6 * 7", correlator.Options{Deadline: time.Second})
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)

	var value float64
	require.NoError(t, res.Decode(&value))
	assert.Equal(t, float64(42), value)
	require.Len(t, res.Output, 1)

	_, err = gw.Execute(context.Background(), "window.nope()", correlator.Options{Deadline: time.Second})
	require.Error(t, err)
	assert.True(t, faults.IsExecution(err))
}
