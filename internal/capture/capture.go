// ABOUTME: Screenshot capture over a devtools control session
// ABOUTME: Validates the decoded image before anything touches disk, then persists it without clobbering

package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/2389/tabpilot/internal/cdp"
	"github.com/2389/tabpilot/internal/faults"
	"github.com/2389/tabpilot/internal/supervisor"
)

// TimestampLayout is used in persisted file names.
const TimestampLayout = "20060102T150405.000"

const maxCollisionSuffix = 1000

// Format is an image encoding the browser can produce.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
	FormatWebP Format = "webp"
)

// ParseFormat accepts png, jpeg, jpg and webp in any case.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "png":
		return FormatPNG, nil
	case "jpeg", "jpg":
		return FormatJPEG, nil
	case "webp":
		return FormatWebP, nil
	default:
		return "", fmt.Errorf("unsupported capture format %q", s)
	}
}

func (f Format) ext() string {
	if f == FormatJPEG {
		return "jpg"
	}
	return string(f)
}

// matches reports whether data starts with the signature of f.
func (f Format) matches(data []byte) bool {
	switch f {
	case FormatPNG:
		return bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n"))
	case FormatJPEG:
		return bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF})
	case FormatWebP:
		return len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WEBP"
	default:
		return false
	}
}

// Request describes one capture.
type Request struct {
	DaemonID string
	NameHint string
	Format   Format
	// Quality applies to jpeg and webp; nil uses the configured default.
	Quality *int
}

// Result describes a persisted capture.
type Result struct {
	DaemonID   string    `json:"daemon_id"`
	Path       string    `json:"path"`
	Bytes      []byte    `json:"-"`
	Format     Format    `json:"format"`
	Size       int       `json:"size"`
	CapturedAt time.Time `json:"captured_at"`
}

// Daemons is the supervisor view the capture flow needs.
type Daemons interface {
	Running(id string) (supervisor.Snapshot, error)
}

// Session is a devtools control session.
type Session interface {
	Call(ctx context.Context, method string, params any, result any) error
	Close() error
}

// Dialer opens a control session to a browser debugging endpoint.
type Dialer func(ctx context.Context, addr string) (Session, error)

// Config tunes validation and defaults.
type Config struct {
	DefaultFormat  Format
	DefaultQuality int
	MinBytes       int
	Timeout        time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultFormat == "" {
		c.DefaultFormat = FormatPNG
	}
	if c.DefaultQuality <= 0 || c.DefaultQuality > 100 {
		c.DefaultQuality = 80
	}
	if c.MinBytes <= 0 {
		c.MinBytes = 64
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// Capturer runs the capture flow.
type Capturer struct {
	daemons Daemons
	dial    Dialer
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Capturer. A nil dial uses cdp.Dial.
func New(daemons Daemons, dial Dialer, cfg Config, logger *slog.Logger) *Capturer {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "capture")
	if dial == nil {
		dial = func(ctx context.Context, addr string) (Session, error) {
			return cdp.Dial(ctx, addr, cdp.Options{}, logger)
		}
	}
	return &Capturer{
		daemons: daemons,
		dial:    dial,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		now:     time.Now,
	}
}

type screenshotParams struct {
	Format  Format `json:"format"`
	Quality *int   `json:"quality,omitempty"`
}

// Capture takes a screenshot of the daemon's page and writes it to the
// daemon's destination directory.
func (c *Capturer) Capture(ctx context.Context, req Request) (*Result, error) {
	snap, err := c.daemons.Running(req.DaemonID)
	if err != nil {
		return nil, err
	}
	if snap.DestinationDir == "" {
		return nil, &faults.CaptureError{DaemonID: req.DaemonID, Reason: "daemon has no destination directory"}
	}

	format := req.Format
	if format == "" {
		format = c.cfg.DefaultFormat
	}
	params := screenshotParams{Format: format}
	if format != FormatPNG {
		q := c.cfg.DefaultQuality
		if req.Quality != nil {
			q = *req.Quality
		}
		if q < 0 || q > 100 {
			return nil, &faults.CaptureError{DaemonID: req.DaemonID, Reason: fmt.Sprintf("quality %d out of range 0-100", q)}
		}
		params.Quality = &q
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	data, err := c.screenshot(ctx, snap, params)
	if err != nil {
		return nil, err
	}

	if len(data) < c.cfg.MinBytes {
		return nil, &faults.CaptureError{
			DaemonID: req.DaemonID,
			Reason:   fmt.Sprintf("payload too small: %d bytes, want at least %d", len(data), c.cfg.MinBytes),
		}
	}
	if !format.matches(data) {
		return nil, &faults.CaptureError{DaemonID: req.DaemonID, Reason: fmt.Sprintf("payload is not a %s image", format)}
	}

	capturedAt := c.now()
	path, err := c.persist(snap.DestinationDir, req.NameHint, capturedAt, format, data)
	if err != nil {
		return nil, &faults.CaptureError{DaemonID: req.DaemonID, Reason: "write failed", Err: err}
	}

	c.logger.Info("capture saved", "daemon_id", req.DaemonID, "path", path, "bytes", len(data), "format", format)
	return &Result{
		DaemonID:   req.DaemonID,
		Path:       path,
		Bytes:      data,
		Format:     format,
		Size:       len(data),
		CapturedAt: capturedAt,
	}, nil
}

func (c *Capturer) screenshot(ctx context.Context, snap supervisor.Snapshot, params screenshotParams) ([]byte, error) {
	session, err := c.dial(ctx, snap.TargetAddress)
	if err != nil {
		return nil, c.sessionErr(snap.ID, "open control session", err)
	}
	defer session.Close()

	var reply struct {
		Data string `json:"data"`
	}
	if err := session.Call(ctx, "Page.captureScreenshot", params, &reply); err != nil {
		return nil, c.sessionErr(snap.ID, "Page.captureScreenshot", err)
	}
	if reply.Data == "" {
		return nil, &faults.CaptureError{DaemonID: snap.ID, Reason: "empty payload"}
	}

	data, err := base64.StdEncoding.DecodeString(reply.Data)
	if err != nil {
		return nil, &faults.CaptureError{DaemonID: snap.ID, Reason: "payload is not valid base64", Err: err}
	}
	return data, nil
}

// sessionErr keeps timeouts as TimeoutError and folds everything else into a
// CaptureError.
func (c *Capturer) sessionErr(daemonID, op string, err error) error {
	if faults.IsTimeout(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &faults.TimeoutError{Op: op, After: c.cfg.Timeout}
	}
	return &faults.CaptureError{DaemonID: daemonID, Reason: op, Err: err}
}

func (c *Capturer) persist(dir, hint string, at time.Time, format Format, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create destination dir: %w", err)
	}

	base := SanitizeHint(hint) + "_" + at.Format(TimestampLayout)
	for n := 0; n < maxCollisionSuffix; n++ {
		name := base
		if n > 0 {
			name += "-" + strconv.Itoa(n)
		}
		path := filepath.Join(dir, name+"."+format.ext())

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(path)
			return "", err
		}
		if err := f.Close(); err != nil {
			os.Remove(path)
			return "", err
		}
		return path, nil
	}
	return "", fmt.Errorf("no free file name for %s after %d attempts", base, maxCollisionSuffix)
}

// SanitizeHint reduces a caller-supplied name to [A-Za-z0-9_-], collapsing
// runs of replaced characters.
func SanitizeHint(hint string) string {
	var out strings.Builder
	lastUnderscore := false
	for _, r := range hint {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			out.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				out.WriteRune('_')
				lastUnderscore = true
			}
		}
		if out.Len() >= 64 {
			break
		}
	}
	s := strings.Trim(out.String(), "_")
	if s == "" {
		return "capture"
	}
	return s
}
