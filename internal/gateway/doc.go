// Package gateway orchestrates the conure-gateway server components.
//
// # Overview
//
// The gateway owns the client registry, the report store and the servers
// agents and operators talk to:
//
//   - a gRPC server carrying one capability session per agent stream
//   - an optional raw TCP listener carrying the same sessions without gRPC
//   - an HTTP server for health checks and the monitoring API
//
// # Registration
//
// Every agent session bootstraps to the registry service. An agent calls
// register(token, callback) and receives a ReportSink bound to a new
// agent.ActiveClient. The token is the agent identifier; registering again
// under the same token replaces the earlier client. Tokens are not checked
// against any credential store, so anyone who can reach the gateway can
// take over a registration; expose it only on trusted networks or the
// tailnet.
//
// The sink is the registration's lifetime. When the agent releases it, or
// its session dies, the sink detaches and the client is disconnected and
// removed from the registry. No liveness sweep is needed; gRPC keepalive
// turns a vanished peer into a dead session.
//
// # HTTP API
//
//   - GET /health - Liveness check
//   - GET /health/ready - 200 once at least one agent is registered
//   - GET /api/agents - Current registry snapshot
//   - GET /api/agents/events - SSE stream of registry snapshots
//   - POST /api/agents/{id}/sysinfo - Pull a fresh report from the agent
//   - GET /api/agents/{id}/reports?limit=N - Stored report history
//   - GET /api/agents/{id}/shell - WebSocket bridged to a shell on the agent
//
// # Tailscale
//
// With tailscale.enabled the gateway joins the tailnet through tsnet and
// listens on :50051 (gRPC), :50052 (stream, when configured) and :80 (HTTP)
// instead of the configured addresses.
package gateway
