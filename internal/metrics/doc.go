// ABOUTME: Package metrics defines the Prometheus collectors tabpilot exports
// ABOUTME: Served by the gateway on the configured metrics path

// Package metrics wraps a private Prometheus registry. The gateway feeds it
// from execution results, supervisor transitions and capture outcomes.
package metrics
