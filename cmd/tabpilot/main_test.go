// ABOUTME: Tests for the CLI log handler and the HTTP API client helpers
// ABOUTME: Uses httptest in place of a running instance

package main

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tabpilot/internal/auth"
	"github.com/2389/tabpilot/internal/config"
	"github.com/2389/tabpilot/internal/gateway"
	"github.com/2389/tabpilot/internal/supervisor"
)

const testSecret = "cli-test-secret-0123456789abcdef"

func init() {
	color.NoColor = true
}

// =============================================================================
// Logger
// =============================================================================

func TestColorHandler_WritesLevelMessageAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger, err := setupLogger(config.LoggingConfig{Level: "debug", Format: "text"}, &buf)
	require.NoError(t, err)

	logger.With("component", "relay").WithGroup("req").Debug("sent frame", "id", "a-1", "payload", "return 1")

	line := buf.String()
	assert.Contains(t, line, "DBG sent frame")
	assert.Contains(t, line, " component=relay")
	assert.Contains(t, line, " req.id=a-1")
	assert.Contains(t, line, ` req.payload="return 1"`)
}

func TestColorHandler_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := setupLogger(config.LoggingConfig{Level: "warn", Format: "text"}, &buf)
	require.NoError(t, err)

	logger.Info("quiet")
	logger.Warn("loud")

	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), "WRN loud")
}

func TestSetupLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := setupLogger(config.LoggingConfig{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info("hello", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
	assert.Contains(t, buf.String(), `"k":"v"`)
}

func TestSetupLogger_BadLevel(t *testing.T) {
	_, err := setupLogger(config.LoggingConfig{Level: "chatty"}, &bytes.Buffer{})
	require.Error(t, err)
}

var _ slog.Handler = (*colorHandler)(nil)

// =============================================================================
// API client
// =============================================================================

func testClient(t *testing.T, handler http.Handler, secret string) *apiClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := &config.Config{}
	cfg.Server.HTTPAddr = strings.TrimPrefix(srv.URL, "http://")
	cfg.Execution.DefaultDeadline = time.Second
	cfg.Auth.JWTSecret = secret

	c, err := newAPIClient(cfg)
	require.NoError(t, err)
	return c
}

func TestAPIClient_SendsVerifiableBearerToken(t *testing.T) {
	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)

	api := auth.HTTPAuthMiddleware(verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac := auth.FromContext(r.Context())
		require.NotNil(t, ac)
		assert.Equal(t, "tabpilot-cli", ac.AgentID)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"chrome","kind":"browser","state":"RUNNING"}]`))
	}))
	c := testClient(t, api, testSecret)

	var daemons []supervisor.Snapshot
	require.NoError(t, c.do(context.Background(), http.MethodGet, "/api/daemons", nil, &daemons))
	require.Len(t, daemons, 1)
	assert.Equal(t, supervisor.StateRunning, daemons[0].State)
}

func TestAPIClient_ErrorCarriesKind(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
		_, _ = w.Write([]byte(`{"error":"execute timed out after 2s","kind":"timeout"}`))
	}), "")

	err := c.do(context.Background(), http.MethodPost, "/api/execute", gateway.ExecuteRequest{Payload: "x"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
	assert.Contains(t, err.Error(), "504")
}

func TestAPIClient_ReadyDetailOn503(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"ready":false,"relay":"relay link is down","daemons":[],"uptime":"3s"}`))
	}), "")

	var ready gateway.ReadyResponse
	require.NoError(t, c.getReadyDetail(context.Background(), &ready))
	assert.False(t, ready.Ready)
	assert.Equal(t, "relay link is down", ready.Relay)

	var out bytes.Buffer
	printReady(&out, ready)
	assert.Contains(t, out.String(), "ready=false")
}

func TestPrintDaemons(t *testing.T) {
	var out bytes.Buffer
	printDaemons(&out, nil)
	assert.Equal(t, "no daemons\n", out.String())

	out.Reset()
	printDaemons(&out, []supervisor.Snapshot{{ID: "chrome", Kind: supervisor.KindBrowser, State: supervisor.StateDegraded, PID: 42}})
	assert.Contains(t, out.String(), "chrome")
	assert.Contains(t, out.String(), "DEGRADED")
	assert.Contains(t, out.String(), "42")
}
