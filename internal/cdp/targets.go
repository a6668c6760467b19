// ABOUTME: Discovery of debuggable targets through the /json HTTP endpoints
// ABOUTME: Picks the page target a control session should attach to

package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/2389/tabpilot/internal/faults"
)

// Target is one entry of /json/list.
type Target struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// ListTargets fetches http://addr/json/list.
func ListTargets(ctx context.Context, client *http.Client, addr string) ([]Target, error) {
	if client == nil {
		client = http.DefaultClient
	}
	url := "http://" + addr + "/json/list"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build target list request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &faults.TimeoutError{Op: "list devtools targets"}
		}
		return nil, &faults.ConnectionError{Op: "list devtools targets", Address: addr, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &faults.ConnectionError{
			Op:      "list devtools targets",
			Address: addr,
			Err:     fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	var targets []Target
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&targets); err != nil {
		return nil, &faults.ProtocolError{Reason: "undecodable target list", Err: err}
	}
	return targets, nil
}

// PageTarget returns the first attachable page.
func PageTarget(targets []Target) (Target, error) {
	for _, t := range targets {
		if t.Type == "page" && t.WebSocketDebuggerURL != "" {
			return t, nil
		}
	}
	return Target{}, ErrNoPageTarget
}
