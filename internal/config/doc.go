// ABOUTME: Package config loads tabpilot configuration from YAML or TOML
// ABOUTME: Documents the file layout, defaults and environment overrides

// Package config loads the tabpilot configuration file.
//
// # Format
//
// Files ending in .toml are decoded with BurntSushi/toml; everything else is
// YAML. Before decoding, ${VAR} references are replaced with environment
// values (unset variables become empty strings). Durations are written as Go
// duration strings ("500ms", "2s", "5m") and parsed after decoding.
//
// # Sections
//
//	relay      url, handshake_timeout, reconnect_delay, reconnect_max_delay
//	agent      id, name, type, capabilities
//	execution  default_deadline, expired_ttl
//	auth       jwt_secret, token_ttl
//	daemons    list of supervised processes
//	capture    default_format, default_quality, min_bytes, timeout
//	server     http_addr
//	database   path
//	logging    level, format
//	metrics    enabled, path
//
// Daemon args may use {{.TargetAddress}}, {{.Port}}, {{.Ports}} and
// {{.DestinationDir}}; they are expanded by the supervisor at launch.
//
// # Defaults
//
//	relay.handshake_timeout    10s
//	relay.reconnect_delay      1s
//	relay.reconnect_max_delay  30s
//	execution.default_deadline 30s
//	execution.expired_ttl      5m
//	auth.token_ttl             1h
//	capture.default_format     png
//	capture.default_quality    80
//	capture.min_bytes          64
//	capture.timeout            10s
//	server.http_addr           127.0.0.1:8088
//	database.path              $XDG_DATA_HOME/tabpilot/tabpilot.db
//	logging                    info, text
//	metrics.path               /metrics
//
// Daemon health and restart defaults live in the supervisor package.
//
// # Environment
//
//	TABPILOT_CONFIG      config file path (see DefaultPath)
//	TABPILOT_DB_PATH     overrides database.path
//	TABPILOT_JWT_SECRET  overrides auth.jwt_secret
//	TABPILOT_RELAY_URL   overrides relay.url
package config
