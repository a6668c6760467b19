// ABOUTME: In-process websocket relay used by tests across packages
// ABOUTME: Hands each accepted connection to the test so it can script the relay side

package relaytest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// Frame is the union of fields the relay may receive from the control plane.
type Frame struct {
	Type         string   `json:"type"`
	ID           string   `json:"id,omitempty"`
	Payload      string   `json:"payload,omitempty"`
	DeadlineMs   int64    `json:"deadlineMs,omitempty"`
	AgentID      string   `json:"agentId,omitempty"`
	AgentName    string   `json:"agentName,omitempty"`
	AgentType    string   `json:"agentType,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Conn is the relay end of one accepted connection.
type Conn struct {
	ws     *websocket.Conn
	Header http.Header
	frames chan []byte
}

func newConn(ws *websocket.Conn, header http.Header) *Conn {
	c := &Conn{ws: ws, Header: header, frames: make(chan []byte, 64)}
	go func() {
		defer close(c.frames)
		for {
			_, data, err := ws.Read(context.Background())
			if err != nil {
				return
			}
			c.frames <- data
		}
	}()
	return c
}

// Send writes v as a JSON text frame.
func (c *Conn) Send(t testing.TB, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("relaytest: marshal: %v", err)
	}
	c.SendRaw(t, data)
}

// SendRaw writes data verbatim, which lets tests inject malformed frames.
func (c *Conn) SendRaw(t testing.TB, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("relaytest: write: %v", err)
	}
}

// Recv reads the next frame sent by the control plane.
func (c *Conn) Recv(t testing.TB) Frame {
	t.Helper()
	var data []byte
	select {
	case d, ok := <-c.frames:
		if !ok {
			t.Fatal("relaytest: connection closed while waiting for a frame")
		}
		data = d
	case <-time.After(2 * time.Second):
		t.Fatal("relaytest: no frame received")
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("relaytest: decode %q: %v", data, err)
	}
	return f
}

// ExpectSilence fails if the control plane sends a frame within wait.
func (c *Conn) ExpectSilence(t testing.TB, wait time.Duration) {
	t.Helper()
	select {
	case d, ok := <-c.frames:
		if ok {
			t.Fatalf("relaytest: unexpected frame %s", d)
		}
	case <-time.After(wait):
	}
}

// AcceptRegistration reads the register frame and acknowledges it.
func (c *Conn) AcceptRegistration(t testing.TB) Frame {
	t.Helper()
	f := c.Recv(t)
	if f.Type != "register" {
		t.Fatalf("relaytest: expected register frame, got %q", f.Type)
	}
	c.Send(t, map[string]any{"type": "registered", "agentId": f.AgentID})
	return f
}

// Close drops the connection abruptly, as a crashing relay would.
func (c *Conn) Close() {
	_ = c.ws.CloseNow()
}

// CloseNormal performs a clean close handshake.
func (c *Conn) CloseNormal() {
	_ = c.ws.Close(websocket.StatusNormalClosure, "relay closing")
}

// Server is an httptest server speaking websocket.
type Server struct {
	*httptest.Server
	conns chan *Conn
	stop  chan struct{}
}

// NewServer starts a relay and registers cleanup with t.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{conns: make(chan *Conn, 8), stop: make(chan struct{})}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ws.SetReadLimit(16 << 20)
		s.conns <- newConn(ws, r.Header.Clone())
		select {
		case <-r.Context().Done():
		case <-s.stop:
		}
	}))
	t.Cleanup(func() {
		close(s.stop)
		s.Close()
	})
	return s
}

// URL returns the ws:// address of the relay.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http")
}

// Accept waits for the next client connection.
func (s *Server) Accept(t testing.TB) *Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("relaytest: no connection accepted")
		return nil
	}
}
