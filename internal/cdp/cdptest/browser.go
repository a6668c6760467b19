// ABOUTME: Fake browser remote-debugging endpoint for tests
// ABOUTME: Serves /json/version, /json/list and a page websocket answering scripted methods

package cdptest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Error is returned by a Handler to produce a devtools error reply.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Message }

// Handler answers one method call.
type Handler func(params json.RawMessage) (any, error)

// Browser is an httptest server impersonating a browser's debugging port.
type Browser struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]Handler
	calls    []string
	delay    time.Duration
	noPage   bool
}

// NewBrowser starts a fake browser and registers cleanup with t.
func NewBrowser(t testing.TB) *Browser {
	t.Helper()
	b := &Browser{handlers: make(map[string]Handler)}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", b.serveVersion)
	mux.HandleFunc("/json/list", b.serveList)
	mux.HandleFunc("/devtools/page/", b.servePage)
	b.Server = httptest.NewServer(mux)
	t.Cleanup(b.Close)
	return b
}

// Addr returns host:port of the debugging endpoint.
func (b *Browser) Addr() string {
	return strings.TrimPrefix(b.URL, "http://")
}

// Handle scripts the reply to method.
func (b *Browser) Handle(method string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[method] = h
}

// SetDelay holds every reply for d.
func (b *Browser) SetDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delay = d
}

// SetNoPage hides the page target from /json/list.
func (b *Browser) SetNoPage(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.noPage = v
}

// Calls returns the methods invoked so far, in order.
func (b *Browser) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *Browser) serveVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"Browser":"FakeChrome/1.0","Protocol-Version":"1.3","webSocketDebuggerUrl":"ws://%s/devtools/browser/fake"}`, b.Addr())
}

func (b *Browser) serveList(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	noPage := b.noPage
	b.mu.Unlock()

	targets := []map[string]string{{
		"id":                   "sw-1",
		"type":                 "service_worker",
		"url":                  "chrome-extension://x/sw.js",
		"webSocketDebuggerUrl": fmt.Sprintf("ws://%s/devtools/page/sw-1", b.Addr()),
	}}
	if !noPage {
		targets = append(targets, map[string]string{
			"id":                   "page-1",
			"type":                 "page",
			"title":                "about:blank",
			"url":                  "about:blank",
			"webSocketDebuggerUrl": fmt.Sprintf("ws://%s/devtools/page/page-1", b.Addr()),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(targets)
}

func (b *Browser) servePage(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(v any) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.WriteJSON(v)
	}

	write(map[string]any{"method": "Page.frameNavigated", "params": map[string]any{}})

	for {
		var req struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		b.mu.Lock()
		b.calls = append(b.calls, req.Method)
		h := b.handlers[req.Method]
		delay := b.delay
		b.mu.Unlock()

		go func() {
			if delay > 0 {
				time.Sleep(delay)
			}
			if h == nil {
				write(map[string]any{"id": req.ID, "error": &Error{Code: -32601, Message: fmt.Sprintf("'%s' wasn't found", req.Method)}})
				return
			}
			result, err := h(req.Params)
			if err != nil {
				rpcErr, ok := err.(*Error)
				if !ok {
					rpcErr = &Error{Code: -32000, Message: err.Error()}
				}
				write(map[string]any{"id": req.ID, "error": rpcErr})
				return
			}
			if result == nil {
				result = map[string]any{}
			}
			write(map[string]any{"id": req.ID, "result": result})
		}()
	}
}
