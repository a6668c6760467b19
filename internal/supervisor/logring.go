// ABOUTME: Bounded ring of recent daemon output lines
// ABOUTME: Accepts raw process output and splits it into lines

package supervisor

import (
	"bytes"
	"log/slog"
	"sync"
)

// DefaultLogLines is how many output lines are kept per daemon.
const DefaultLogLines = 200

// maxPartialLine caps an unterminated line before it is flushed as-is.
const maxPartialLine = 8 << 10

// LogRing keeps the last N lines written to it. It implements io.Writer so it
// can be handed to a process as stdout and stderr.
type LogRing struct {
	mu      sync.Mutex
	lines   []string
	next    int
	full    bool
	partial []byte
	logger  *slog.Logger
}

// NewLogRing creates a ring holding size lines. When logger is non-nil every
// line is mirrored to it at debug level.
func NewLogRing(size int, logger *slog.Logger) *LogRing {
	if size <= 0 {
		size = DefaultLogLines
	}
	return &LogRing{lines: make([]string, size), logger: logger}
}

func (r *LogRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := append(r.partial, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		r.appendLocked(string(bytes.TrimRight(data[:i], "\r")))
		data = data[i+1:]
	}
	if len(data) > maxPartialLine {
		r.appendLocked(string(data))
		data = nil
	}
	r.partial = append([]byte(nil), data...)
	return len(p), nil
}

// Append adds one line.
func (r *LogRing) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendLocked(line)
}

func (r *LogRing) appendLocked(line string) {
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
	if r.logger != nil {
		r.logger.Debug("daemon output", "line", line)
	}
}

// Lines returns the buffered lines, oldest first.
func (r *LogRing) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		return append([]string(nil), r.lines[:r.next]...)
	}
	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	return append(out, r.lines[:r.next]...)
}
