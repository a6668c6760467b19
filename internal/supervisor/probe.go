// ABOUTME: Health probes used to decide whether a daemon is ready and still healthy
// ABOUTME: HTTP, raw TCP and devtools-endpoint variants, chosen by daemon kind

package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// Probe checks one daemon once. It must honour ctx.
type Probe interface {
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Check(ctx context.Context) error { return f(ctx) }

// HTTPProbe passes on any 2xx response to a GET.
type HTTPProbe struct {
	URL    string
	Client *http.Client
}

func (p HTTPProbe) Check(ctx context.Context) error {
	resp, err := get(ctx, p.Client, p.URL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return nil
}

// TCPProbe passes when a connection can be opened.
type TCPProbe struct {
	Address string
}

func (p TCPProbe) Check(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", p.Address, err)
	}
	return conn.Close()
}

// DevToolsProbe passes when the remote debugging endpoint answers
// /json/version with a browser identification.
type DevToolsProbe struct {
	Address string
	Client  *http.Client
}

func (p DevToolsProbe) Check(ctx context.Context) error {
	resp, err := get(ctx, p.Client, "http://"+p.Address+"/json/version")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var version struct {
		Browser              string `json:"Browser"`
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&version); err != nil {
		return fmt.Errorf("decode devtools version: %w", err)
	}
	if version.Browser == "" && version.WebSocketDebuggerURL == "" {
		return fmt.Errorf("devtools endpoint %s returned no browser identification", p.Address)
	}
	return nil
}

func get(ctx context.Context, client *http.Client, url string) (*http.Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build probe request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("probe %s: unexpected status %s", url, resp.Status)
	}
	return resp, nil
}

// probeFor picks the probe for cfg: an explicit Probe, then ProbeURL, then
// the kind default.
func probeFor(cfg DaemonConfig) Probe {
	if cfg.Probe != nil {
		return cfg.Probe
	}
	if strings.TrimSpace(cfg.ProbeURL) != "" {
		return HTTPProbe{URL: cfg.ProbeURL}
	}
	switch cfg.Kind {
	case KindBrowser:
		return DevToolsProbe{Address: cfg.TargetAddress}
	default:
		return TCPProbe{Address: cfg.TargetAddress}
	}
}
