// ABOUTME: Devtools-protocol control session over a gorilla websocket
// ABOUTME: Correlates {id, method, params} calls with their {id, result|error} replies

package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/tabpilot/internal/faults"
)

var (
	ErrNoPageTarget  = errors.New("no page target available")
	ErrSessionClosed = errors.New("control session closed")
)

// readLimit fits full-page screenshots.
const readLimit = 64 << 20

// RPCError is an error object returned by the browser for one call.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("devtools error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("devtools error %d: %s", e.Code, e.Message)
}

type request struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type message struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
	Method string          `json:"method"`
}

// Options tunes how sessions are opened.
type Options struct {
	HandshakeTimeout time.Duration
	HTTPClient       *http.Client
}

// Session is one websocket to a devtools target.
type Session struct {
	conn    *websocket.Conn
	url     string
	logger  *slog.Logger
	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan message
	done    chan struct{}
	err     error
	closing bool
}

// Dial opens a session to the first page target of the browser whose
// remote debugging endpoint listens on addr (host:port).
func Dial(ctx context.Context, addr string, opts Options, logger *slog.Logger) (*Session, error) {
	targets, err := ListTargets(ctx, opts.HTTPClient, addr)
	if err != nil {
		return nil, err
	}
	target, err := PageTarget(targets)
	if err != nil {
		return nil, &faults.ConnectionError{Op: "control session", Address: addr, Err: err}
	}
	return DialURL(ctx, target.WebSocketDebuggerURL, opts, logger)
}

// DialURL opens a session to a websocket debugger URL.
func DialURL(ctx context.Context, wsURL string, opts Options, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &faults.TimeoutError{Op: "control session dial", After: opts.HandshakeTimeout}
		}
		return nil, &faults.ConnectionError{Op: "control session", Address: wsURL, Err: err}
	}
	conn.SetReadLimit(readLimit)

	s := &Session{
		conn:    conn,
		url:     wsURL,
		logger:  logger.With("component", "cdp"),
		pending: make(map[int64]chan message),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Call invokes method and decodes the reply into result when non-nil.
func (s *Session) Call(ctx context.Context, method string, params any, result any) error {
	id := s.nextID.Add(1)
	reply := make(chan message, 1)

	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.pending[id] = reply
	s.mu.Unlock()
	defer s.forget(id)

	data, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}

	s.writeMu.Lock()
	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(dl)
	} else {
		_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	}
	err = s.conn.WriteMessage(websocket.TextMessage, data)
	s.writeMu.Unlock()
	if err != nil {
		return &faults.ConnectionError{Op: method, Address: s.url, Err: err}
	}

	start := time.Now()
	select {
	case msg := <-reply:
		if msg.Error != nil {
			return msg.Error
		}
		if result != nil && len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &faults.TimeoutError{Op: method, After: time.Since(start).Round(time.Millisecond)}
		}
		return ctx.Err()
	case <-s.done:
		return s.closedErr()
	}
}

// Close tears the session down. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	_ = s.conn.Close()
	<-s.done
	return nil
}

func (s *Session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(err)
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("undecodable devtools message", "error", err, "bytes", len(data))
			continue
		}
		if msg.ID == 0 {
			continue // event
		}
		s.mu.Lock()
		reply, ok := s.pending[msg.ID]
		s.mu.Unlock()
		if !ok {
			s.logger.Debug("reply for abandoned call", "id", msg.ID)
			continue
		}
		select {
		case reply <- msg:
		default:
			s.logger.Warn("duplicate reply dropped", "id", msg.ID)
		}
	}
}

func (s *Session) forget(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Session) fail(cause error) {
	s.mu.Lock()
	if s.closing || websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		s.err = ErrSessionClosed
	} else {
		s.err = &faults.ConnectionError{Op: "control session", Address: s.url, Err: cause}
	}
	s.mu.Unlock()
	close(s.done)
}

func (s *Session) closedErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		return ErrSessionClosed
	}
	return s.err
}
