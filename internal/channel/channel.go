// ABOUTME: Persistent duplex websocket link to the relay
// ABOUTME: Serializes outbound envelopes and delivers decoded inbound variants to observers in order

package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/tabpilot/internal/faults"
	"github.com/2389/tabpilot/internal/protocol"
)

var (
	errNotConnected = errors.New("channel not connected")
	errAlreadyUsed  = errors.New("channel already connected once; create a new channel to reconnect")
)

// defaultReadLimit allows large result payloads; the library default is 32KiB.
const defaultReadLimit = 16 << 20

// Observer receives every inbound variant in arrival order. It runs on the
// read loop and must not block.
type Observer func(protocol.Inbound)

// Options tunes how the channel dials the relay.
type Options struct {
	HandshakeTimeout time.Duration
	Header           http.Header
	ReadLimit        int64
}

// Channel is a single websocket connection lifetime. Reconnecting means
// creating a new Channel.
type Channel struct {
	logger *slog.Logger
	opts   Options

	mu        sync.Mutex
	conn      *websocket.Conn
	address   string
	used      bool
	closing   bool
	observers []Observer
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
}

// New creates an unconnected Channel.
func New(logger *slog.Logger, opts Options) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	return &Channel{
		logger: logger.With("component", "channel"),
		opts:   opts,
		done:   make(chan struct{}),
	}
}

// Observe registers fn for inbound messages. Observers added after Connect
// only see messages that arrive after registration.
func (c *Channel) Observe(fn Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// Connect dials address and starts the read loop.
func (c *Channel) Connect(ctx context.Context, address string) error {
	c.mu.Lock()
	if c.used {
		c.mu.Unlock()
		return &faults.ConnectionError{Op: "connect", Address: address, Err: errAlreadyUsed}
	}
	c.used = true
	c.address = address
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, address, &websocket.DialOptions{HTTPHeader: c.opts.Header})
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %s)", err, resp.Status)
		}
		c.finish(err)
		return &faults.ConnectionError{Op: "connect", Address: address, Err: err}
	}
	conn.SetReadLimit(c.opts.ReadLimit)

	readCtx, readCancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.cancel = readCancel
	c.mu.Unlock()

	c.logger.Info("connected to relay", "address", address)
	go c.readLoop(readCtx, conn)
	return nil
}

// Send marshals v and writes it as one text frame.
func (c *Channel) Send(ctx context.Context, v any) error {
	c.mu.Lock()
	conn := c.conn
	address := c.address
	c.mu.Unlock()

	if conn == nil || c.isDone() {
		return &faults.ConnectionError{Op: "send", Address: address, Err: errNotConnected}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &faults.ConnectionError{Op: "send", Address: address, Err: err}
	}
	return nil
}

// Connected reports whether the link is currently up.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	return conn != nil && !c.isDone()
}

// Done is closed once the link is gone, after observers saw Disconnected.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the link ended, nil while connected or after a
// local Close.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close shuts the link down. Safe to call more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancel
	c.mu.Unlock()

	if conn == nil {
		c.finish(nil)
		return nil
	}
	if c.isDone() {
		return nil
	}
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	if err := conn.Close(websocket.StatusNormalClosure, "client closing"); err != nil {
		c.logger.Debug("close handshake incomplete", "error", err)
	}
	if cancel != nil {
		cancel()
	}
	<-c.done
	return nil
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			var reason error
			status := websocket.CloseStatus(err)
			c.mu.Lock()
			closing := c.closing
			c.mu.Unlock()
			if status != websocket.StatusNormalClosure && !closing && ctx.Err() == nil {
				reason = &faults.ConnectionError{Op: "read", Address: c.address, Err: err}
				c.logger.Warn("relay connection lost", "error", err)
			} else {
				c.logger.Info("relay connection closed", "status", status)
			}
			c.deliver(protocol.Disconnected{Err: reason})
			c.finish(reason)
			return
		}

		in := protocol.Decode(data)
		if m, ok := in.(protocol.Malformed); ok {
			c.logger.Warn("malformed envelope",
				"reason", m.Reason,
				"request_id", m.ID,
				"type", m.Type,
				"bytes", len(data),
			)
		}
		c.deliver(in)
	}
}

func (c *Channel) deliver(in protocol.Inbound) {
	c.mu.Lock()
	observers := make([]Observer, len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	for _, fn := range observers {
		fn(in)
	}
}

func (c *Channel) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
	}
	c.err = err
	close(c.done)
}

func (c *Channel) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
