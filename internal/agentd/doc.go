// Package agentd is the agent side of conure.
//
// An Agent dials the gateway, registers under its token with an
// AgentCallback capability and pushes a system report immediately and then
// every Interval through the ReportSink it gets back. The gateway can use
// the callback to pull a fresh report or open a shell on the host.
//
// Run keeps the agent connected: when the session ends it reconnects with
// exponential backoff (1s doubling to 1m), resetting the delay after every
// successful registration.
package agentd
