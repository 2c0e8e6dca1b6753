// Package protocol defines the capability interfaces spoken between agents
// and the gateway, on top of package rpc.
//
// # Interfaces
//
//   - Gateway: the gateway's bootstrap. register(token, callback) returns
//     the agent's ReportSink.
//   - ReportSink: per-agent push channel. reportSystemInfo(info).
//   - AgentCallback: held by the gateway. requestSystemInfo() and
//     startShell(params, output) returning a Shell.
//   - Shell / ShellOutput: an interactive terminal and its output stream.
//
// Each interface has a client type wrapping *rpc.Client, whose methods
// return promises, and a server interface that New*Capability turns into
// an *rpc.Local.
package protocol
