// ABOUTME: Starter configuration written by `tabpilot init`
// ABOUTME: Refuses to overwrite an existing file

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrConfigExists is returned by WriteTemplate when path already exists.
var ErrConfigExists = errors.New("config file already exists")

// Template is a commented starter configuration.
const Template = `# tabpilot configuration
# Values of the form ${VAR} are expanded from the environment.

relay:
  url: "ws://127.0.0.1:8765/agent"
  handshake_timeout: "10s"
  reconnect_delay: "1s"
  reconnect_max_delay: "30s"

agent:
  id: "tabpilot-local"
  name: "tabpilot"
  type: "browser-agent"
  capabilities: ["execute", "capture"]

execution:
  default_deadline: "30s"
  expired_ttl: "5m"

auth:
  jwt_secret: "${TABPILOT_JWT_SECRET}"
  token_ttl: "1h"

daemons:
  - id: "chrome"
    kind: "browser"
    command: "chromium"
    args:
      - "--headless=new"
      - "--remote-debugging-port={{.Port}}"
      - "--user-data-dir={{.DestinationDir}}/profile"
    target_address: "127.0.0.1:9222"
    ports: [9222]
    destination_dir: "${HOME}/tabpilot/captures"
    health_interval: "2s"
    health_timeout: "1s"
    failure_threshold: 3
    max_restarts: 3
    restart_window: "5m"
    start_grace: "500ms"
    ready_timeout: "15s"
    stop_timeout: "5s"

  - id: "relay"
    kind: "relay"
    command: "fake-relay"
    args: ["--addr", "{{.TargetAddress}}"]
    env: ["TABPILOT_JWT_SECRET=${TABPILOT_JWT_SECRET}"]
    target_address: "127.0.0.1:8765"
    ports: [8765]
    probe_url: "http://127.0.0.1:8765/health"

capture:
  default_format: "png"
  default_quality: 80
  min_bytes: 64
  timeout: "10s"

server:
  http_addr: "127.0.0.1:8088"

database:
  path: ""

logging:
  level: "info"
  format: "text"

metrics:
  enabled: true
  path: "/metrics"
`

// WriteTemplate writes Template to path, creating parent directories.
func WriteTemplate(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%w: %s", ErrConfigExists, path)
	}
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	if _, err := f.WriteString(Template); err != nil {
		f.Close()
		return fmt.Errorf("writing config file: %w", err)
	}
	return f.Close()
}
