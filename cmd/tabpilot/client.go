// ABOUTME: Operator commands that talk to a running tabpilot over its HTTP API
// ABOUTME: Mints a short-lived bearer token from the configured secret when auth is on

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/tabpilot/internal/auth"
	"github.com/2389/tabpilot/internal/config"
	"github.com/2389/tabpilot/internal/gateway"
	"github.com/2389/tabpilot/internal/supervisor"
)

// cliTokenTTL bounds tokens minted for a single CLI invocation.
const cliTokenTTL = 5 * time.Minute

type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(cfg *config.Config) (*apiClient, error) {
	c := &apiClient{
		baseURL: "http://" + cfg.Server.HTTPAddr,
		http:    &http.Client{Timeout: cfg.Execution.DefaultDeadline + 10*time.Second},
	}
	if cfg.Auth.JWTSecret != "" {
		token, err := mintToken(cfg.Auth.JWTSecret, "tabpilot-cli", cliTokenTTL)
		if err != nil {
			return nil, err
		}
		c.token = token
	}
	return c, nil
}

func mintToken(secret, subject string, ttl time.Duration) (string, error) {
	verifier, err := auth.NewJWTVerifier([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("creating JWT signer: %w", err)
	}
	return verifier.Generate(subject, nil, ttl)
}

// do sends body as JSON and decodes a 2xx response into out. Non-2xx
// responses become errors carrying the server's error message and kind.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func apiError(status int, raw []byte) error {
	var body struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	if json.Unmarshal(raw, &body) != nil || body.Error == "" {
		return fmt.Errorf("status %d: %s", status, strings.TrimSpace(string(raw)))
	}
	if body.Kind != "" {
		return fmt.Errorf("%s (%s, status %d)", body.Error, body.Kind, status)
	}
	return fmt.Errorf("%s (status %d)", body.Error, status)
}

func loadClient() (*apiClient, error) {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return newAPIClient(cfg)
}

func runHealth(ctx context.Context) error {
	c, err := loadClient()
	if err != nil {
		return err
	}

	var ready gateway.ReadyResponse
	if err := c.getReadyDetail(ctx, &ready); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	printReady(os.Stdout, ready)
	if !ready.Ready {
		return fmt.Errorf("not ready")
	}
	return nil
}

// getReadyDetail decodes /health/ready whatever the status; 503 bodies carry
// the detail.
func (c *apiClient) getReadyDetail(ctx context.Context, out *gateway.ReadyResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health/ready", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func printReady(w io.Writer, ready gateway.ReadyResponse) {
	mark := color.GreenString("✓")
	if !ready.Ready {
		mark = color.RedString("✗")
	}
	fmt.Fprintf(w, "%s ready=%t uptime=%s\n", mark, ready.Ready, ready.Uptime)
	fmt.Fprintf(w, "  relay: %s\n", ready.Relay)
	for _, d := range ready.Daemons {
		fmt.Fprintf(w, "  daemon %s: %s\n", d.ID, stateString(d.State))
	}
}

func stateString(s supervisor.State) string {
	switch s {
	case supervisor.StateRunning:
		return color.GreenString(string(s))
	case supervisor.StateDegraded, supervisor.StateRestarting, supervisor.StateStarting:
		return color.YellowString(string(s))
	default:
		return color.RedString(string(s))
	}
}

func runDaemons(ctx context.Context) error {
	c, err := loadClient()
	if err != nil {
		return err
	}
	var daemons []supervisor.Snapshot
	if err := c.do(ctx, http.MethodGet, "/api/daemons", nil, &daemons); err != nil {
		return err
	}
	printDaemons(os.Stdout, daemons)
	return nil
}

func printDaemons(w io.Writer, daemons []supervisor.Snapshot) {
	if len(daemons) == 0 {
		fmt.Fprintln(w, "no daemons")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATE\tPID\tTARGET\tRESTARTS\tLAST ERROR")
	for _, d := range daemons {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%d\t%s\n",
			d.ID, d.Kind, d.State, d.PID, d.TargetAddress, d.RecentRestarts, d.LastError)
	}
	tw.Flush()
}

func runLogs(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: tabpilot logs <daemon>")
	}
	c, err := loadClient()
	if err != nil {
		return err
	}
	var out struct {
		Lines []string `json:"lines"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/daemons/"+args[0]+"/logs", nil, &out); err != nil {
		return err
	}
	for _, line := range out.Lines {
		fmt.Println(line)
	}
	return nil
}

func runExec(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: tabpilot exec <payload>")
	}
	c, err := loadClient()
	if err != nil {
		return err
	}
	var res gateway.ExecuteResponse
	req := gateway.ExecuteRequest{Payload: strings.Join(args, " ")}
	if err := c.do(ctx, http.MethodPost, "/api/execute", req, &res); err != nil {
		return err
	}
	for _, o := range res.Output {
		color.HiBlack("[%s] %s", o.Level, o.Message)
	}
	if len(res.Value) > 0 {
		fmt.Println(string(res.Value))
	}
	return nil
}

func runCapture(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: tabpilot capture <daemon> [name]")
	}
	c, err := loadClient()
	if err != nil {
		return err
	}
	req := gateway.CaptureRequest{DaemonID: args[0]}
	if len(args) == 2 {
		req.NameHint = args[1]
	}
	var res gateway.CaptureResponse
	if err := c.do(ctx, http.MethodPost, "/api/capture", req, &res); err != nil {
		return err
	}
	color.Green("  ✓ %s (%d bytes)", res.Path, res.Size)
	return nil
}

func runToken(args []string) error {
	subject := "operator"
	if len(args) > 0 {
		subject = args[0]
	}
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}
	token, err := mintToken(cfg.Auth.JWTSecret, subject, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
