// Package config handles configuration loading for conure-gateway.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment
// variable expansion. The format is chosen by file extension: ".toml"
// selects TOML, anything else YAML. Optional settings get defaults and
// the result is validated.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from CONURE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/conure/gateway.yaml
//  3. ~/.config/conure/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agents:
//	  keepalive_time: "15s"
//	  keepalive_timeout: "5s"
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  grpc_addr: "0.0.0.0:50051"  # agents dial here
//	  stream_addr: ""             # optional raw CBOR/TCP listener
//	  http_addr: "0.0.0.0:8080"   # health + monitoring API
//
// Database:
//
//	database:
//	  path: "~/.local/share/conure/gateway.db"
//	  report_retention: "720h"
//
// Agents:
//
//	agents:
//	  keepalive_time: "15s"
//	  keepalive_timeout: "5s"
//	  feed_history: 1024
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text or json
//
// Tailscale (optional, replaces server addresses):
//
//	tailscale:
//	  enabled: true
//	  hostname: "conure"
//	  auth_key: "${TS_AUTHKEY}"
//	  state_dir: "~/.local/share/conure/tsnet"
//	  ephemeral: false
package config
