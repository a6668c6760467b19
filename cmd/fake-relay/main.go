// ABOUTME: Minimal websocket relay for local runs and end-to-end checks
// ABOUTME: Acks registration and evaluates `return <a> <op> <b>` payloads, failing anything else

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"syscall"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/tabpilot/internal/auth"
	"github.com/2389/tabpilot/internal/protocol"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8765", "listen address")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *addr, os.Getenv("TABPILOT_JWT_SECRET"), logger); err != nil {
		logger.Error("fake-relay failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, addr, secret string, logger *slog.Logger) error {
	handler, err := newHandler(secret, logger)
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("fake-relay listening", "addr", addr, "auth", secret != "")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func newHandler(secret string, logger *slog.Logger) (http.Handler, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	agent := http.Handler(&relay{logger: logger})
	if secret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(secret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		agent = auth.HTTPAuthMiddleware(verifier)(agent)
	}
	mux.Handle("/agent", agent)
	return mux, nil
}

type relay struct {
	logger *slog.Logger
}

func (s *relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer ws.CloseNow()

	ctx := r.Context()
	logger := s.logger.With("remote", r.RemoteAddr)
	if ac := auth.FromContext(ctx); ac != nil {
		logger = logger.With("subject", ac.AgentID)
	}
	logger.Info("client connected")

	if err := writeJSON(ctx, ws, map[string]any{"type": protocol.TypeBroadcast, "event": "welcome"}); err != nil {
		return
	}

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			logger.Info("client disconnected", "error", err)
			return
		}
		reply, ok := s.respond(data)
		if !ok {
			continue
		}
		if err := writeJSON(ctx, ws, reply); err != nil {
			logger.Warn("write failed", "error", err)
			return
		}
	}
}

// respond builds the reply to one inbound frame. Frames it does not
// understand are dropped.
func (s *relay) respond(data []byte) (map[string]any, bool) {
	var frame struct {
		Type    string `json:"type"`
		ID      string `json:"id"`
		Payload string `json:"payload"`
		AgentID string `json:"agentId"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.Warn("dropping undecodable frame", "error", err)
		return nil, false
	}

	switch frame.Type {
	case protocol.TypeRegister:
		if frame.AgentID == "" {
			return map[string]any{"type": protocol.TypeRegisterRejected, "error": "agentId is required"}, true
		}
		s.logger.Info("agent registered", "agent_id", frame.AgentID)
		return map[string]any{"type": protocol.TypeRegistered, "agentId": frame.AgentID}, true

	case protocol.TypeExecute:
		value, err := evaluate(frame.Payload)
		if err != nil {
			return map[string]any{
				"type":    protocol.TypeExecuteResult,
				"id":      frame.ID,
				"success": false,
				"error":   err.Error(),
			}, true
		}
		return map[string]any{
			"type":    protocol.TypeExecuteResult,
			"id":      frame.ID,
			"success": true,
			"result":  value,
			"output":  []protocol.OutputEntry{{Level: "log", Message: "evaluated " + frame.Payload}},
		}, true

	default:
		s.logger.Debug("ignoring frame", "type", frame.Type)
		return nil, false
	}
}

var arithmetic = regexp.MustCompile(`^\s*return\s+(-?\d+(?:\.\d+)?)\s*([-+*/])\s*(-?\d+(?:\.\d+)?)\s*;?\s*$`)

// evaluate understands only binary arithmetic on two numeric literals.
func evaluate(payload string) (float64, error) {
	m := arithmetic.FindStringSubmatch(payload)
	if m == nil {
		return 0, fmt.Errorf("ReferenceError: cannot evaluate %q", payload)
	}
	a, _ := strconv.ParseFloat(m[1], 64)
	b, _ := strconv.ParseFloat(m[3], 64)
	switch m[2] {
	case "+":
		return a + b, nil
	case "-":
		return a - b, nil
	case "*":
		return a * b, nil
	default:
		if b == 0 {
			return 0, errors.New("RangeError: division by zero")
		}
		return a / b, nil
	}
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
