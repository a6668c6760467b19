// ABOUTME: HTTP API handlers for executions, captures, daemon state and health
// ABOUTME: Maps typed faults onto status codes so callers can tell failure kinds apart

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/tabpilot/internal/auth"
	"github.com/2389/tabpilot/internal/capture"
	"github.com/2389/tabpilot/internal/correlator"
	"github.com/2389/tabpilot/internal/faults"
	"github.com/2389/tabpilot/internal/protocol"
	"github.com/2389/tabpilot/internal/store"
	"github.com/2389/tabpilot/internal/supervisor"
)

// maxBodyBytes caps request bodies on the API.
const maxBodyBytes = 1 << 20

// ExecuteRequest is the JSON request body for POST /api/execute.
type ExecuteRequest struct {
	Payload    string `json:"payload"`
	DeadlineMS int    `json:"deadline_ms,omitempty"`
}

// ExecuteResponse is the JSON response for POST /api/execute.
type ExecuteResponse struct {
	RequestID string                 `json:"request_id"`
	Value     json.RawMessage        `json:"value,omitempty"`
	Output    []protocol.OutputEntry `json:"output,omitempty"`
	ElapsedMS int64                  `json:"elapsed_ms"`
}

// CaptureRequest is the JSON request body for POST /api/capture.
type CaptureRequest struct {
	DaemonID string `json:"daemon_id"`
	NameHint string `json:"name_hint,omitempty"`
	Format   string `json:"format,omitempty"`
	Quality  *int   `json:"quality,omitempty"`
}

// CaptureResponse is the JSON response for POST /api/capture.
type CaptureResponse struct {
	ID         string    `json:"id,omitempty"`
	DaemonID   string    `json:"daemon_id"`
	Path       string    `json:"path"`
	Format     string    `json:"format"`
	Size       int       `json:"size"`
	CapturedAt time.Time `json:"captured_at"`
}

// ReadyResponse is the JSON response for GET /health/ready.
type ReadyResponse struct {
	Ready   bool                  `json:"ready"`
	Relay   string                `json:"relay"`
	Daemons []supervisor.Snapshot `json:"daemons"`
	Uptime  string                `json:"uptime"`
}

// ExecutionResponse is one row of GET /api/executions.
type ExecutionResponse struct {
	ID         string `json:"id"`
	RequestID  string `json:"request_id,omitempty"`
	Status     string `json:"status"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	CreatedAt  string `json:"created_at"`
}

// DaemonEventResponse is one row of GET /api/daemons/{id}/events.
type DaemonEventResponse struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
	At     string `json:"at"`
}

func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}

	api := http.NewServeMux()
	api.HandleFunc("POST /api/execute", g.handleExecute)
	api.HandleFunc("POST /api/capture", g.handleCapture)
	api.HandleFunc("GET /api/captures", g.handleListCaptures)
	api.HandleFunc("GET /api/daemons", g.handleListDaemons)
	api.HandleFunc("GET /api/daemons/{id}/logs", g.handleDaemonLogs)
	api.HandleFunc("GET /api/daemons/{id}/events", g.handleDaemonEvents)
	api.HandleFunc("GET /api/executions", g.handleListExecutions)

	if g.verifier != nil {
		mux.Handle("/api/", auth.HTTPAuthMiddleware(g.verifier)(api))
	} else {
		mux.Handle("/api/", api)
	}
	return mux
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 when the relay session is registered and every
// managed daemon is RUNNING.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{
		Ready:   true,
		Relay:   "registered",
		Daemons: g.supervisor.List(),
		Uptime:  time.Since(g.startedAt).Truncate(time.Second).String(),
	}
	if err := g.relay.Ready(); err != nil {
		resp.Ready = false
		resp.Relay = err.Error()
	}
	for _, d := range resp.Daemons {
		if d.State != supervisor.StateRunning {
			resp.Ready = false
		}
	}

	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	g.sendJSON(w, status, resp)
}

// handleExecute handles POST /api/execute.
func (g *Gateway) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Payload == "" {
		g.sendJSONError(w, http.StatusBadRequest, "payload is required")
		return
	}
	if req.DeadlineMS < 0 {
		g.sendJSONError(w, http.StatusBadRequest, "deadline_ms must not be negative")
		return
	}

	opts := correlator.Options{Deadline: time.Duration(req.DeadlineMS) * time.Millisecond}
	res, err := g.Execute(r.Context(), req.Payload, opts)
	if err != nil {
		g.sendFault(w, err)
		return
	}

	g.sendJSON(w, http.StatusOK, ExecuteResponse{
		RequestID: res.ID,
		Value:     res.Value,
		Output:    res.Output,
		ElapsedMS: res.Elapsed.Milliseconds(),
	})
}

// handleCapture handles POST /api/capture.
func (g *Gateway) handleCapture(w http.ResponseWriter, r *http.Request) {
	var req CaptureRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.DaemonID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "daemon_id is required")
		return
	}

	var format capture.Format
	if req.Format != "" {
		f, err := capture.ParseFormat(req.Format)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		format = f
	}

	res, id, err := g.Capture(r.Context(), capture.Request{
		DaemonID: req.DaemonID,
		NameHint: req.NameHint,
		Format:   format,
		Quality:  req.Quality,
	})
	if err != nil {
		g.sendFault(w, err)
		return
	}

	g.sendJSON(w, http.StatusCreated, CaptureResponse{
		ID:         id,
		DaemonID:   res.DaemonID,
		Path:       res.Path,
		Format:     string(res.Format),
		Size:       res.Size,
		CapturedAt: res.CapturedAt,
	})
}

// handleListCaptures handles GET /api/captures with optional ?daemon_id=X.
func (g *Gateway) handleListCaptures(w http.ResponseWriter, r *http.Request) {
	limit, ok := g.parseLimit(w, r)
	if !ok {
		return
	}
	captures, err := g.store.ListCaptures(r.Context(), r.URL.Query().Get("daemon_id"), limit)
	if err != nil {
		g.logger.Error("listing captures", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]CaptureResponse, 0, len(captures))
	for _, c := range captures {
		out = append(out, CaptureResponse{
			ID:         c.ID,
			DaemonID:   c.DaemonID,
			Path:       c.Path,
			Format:     c.Format,
			Size:       c.Size,
			CapturedAt: c.CapturedAt,
		})
	}
	g.sendJSON(w, http.StatusOK, out)
}

// handleListDaemons handles GET /api/daemons.
func (g *Gateway) handleListDaemons(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, g.supervisor.List())
}

// handleDaemonLogs handles GET /api/daemons/{id}/logs.
func (g *Gateway) handleDaemonLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	lines, err := g.supervisor.Logs(id)
	if err != nil {
		if errors.Is(err, supervisor.ErrUnknownDaemon) {
			g.sendJSONError(w, http.StatusNotFound, "unknown daemon")
			return
		}
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"daemon_id": id, "lines": lines})
}

// handleDaemonEvents handles GET /api/daemons/{id}/events. History outlives
// the daemon record, so unknown ids return an empty list.
func (g *Gateway) handleDaemonEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := g.parseLimit(w, r)
	if !ok {
		return
	}
	events, err := g.store.ListDaemonEvents(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		g.logger.Error("listing daemon events", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]DaemonEventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, DaemonEventResponse{
			From:   e.From,
			To:     e.To,
			Reason: e.Reason,
			At:     e.At.UTC().Format(time.RFC3339Nano),
		})
	}
	g.sendJSON(w, http.StatusOK, out)
}

// handleListExecutions handles GET /api/executions.
func (g *Gateway) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit, ok := g.parseLimit(w, r)
	if !ok {
		return
	}
	executions, err := g.store.ListExecutions(r.Context(), limit)
	if err != nil {
		g.logger.Error("listing executions", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]ExecutionResponse, 0, len(executions))
	for _, e := range executions {
		out = append(out, executionResponse(e))
	}
	g.sendJSON(w, http.StatusOK, out)
}

func executionResponse(e store.Execution) ExecutionResponse {
	return ExecutionResponse{
		ID:         e.ID,
		RequestID:  e.RequestID,
		Status:     e.Status,
		ErrorKind:  e.ErrorKind,
		Error:      e.Error,
		DurationMS: e.Duration.Milliseconds(),
		CreatedAt:  e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// parseLimit reads ?limit=N. Zero means the store default.
func (g *Gateway) parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		g.sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}

// faultStatus maps a typed fault onto an HTTP status.
func faultStatus(err error) int {
	switch faults.Kind(err) {
	case "timeout":
		return http.StatusGatewayTimeout
	case "execution":
		return http.StatusUnprocessableEntity
	case "not_registered", "connection":
		return http.StatusServiceUnavailable
	case "protocol", "capture":
		return http.StatusBadGateway
	case "daemon_unavailable":
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// sendFault writes err with its kind so callers can branch without parsing
// the message.
func (g *Gateway) sendFault(w http.ResponseWriter, err error) {
	body := map[string]string{
		"error": err.Error(),
		"kind":  faults.Kind(err),
	}
	var exec *faults.ExecutionError
	if errors.As(err, &exec) {
		body["execution_kind"] = string(exec.Kind)
		if exec.Name != "" {
			body["name"] = exec.Name
		}
	}
	g.sendJSON(w, faultStatus(err), body)
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}

// sendJSONError sends a JSON error response with the given status code and message.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
