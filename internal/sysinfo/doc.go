// Package sysinfo describes the host telemetry an agent reports and
// collects it from the local machine.
//
// The payload is opaque to the capability layer; the gateway only
// validates it before storing and publishing it.
package sysinfo
