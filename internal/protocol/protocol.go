// ABOUTME: Method names and parameter types for the agent wire schema
// ABOUTME: Shared by the gateway, the agent daemon and their tests

package protocol

import (
	"github.com/2389/conure/internal/rpc"
	"github.com/2389/conure/internal/sysinfo"
)

// Method names.
const (
	MethodRegister          = "register"
	MethodReportSystemInfo  = "reportSystemInfo"
	MethodRequestSystemInfo = "requestSystemInfo"
	MethodStartShell        = "startShell"
	MethodWrite             = "write"
	MethodResize            = "resize"
	MethodClose             = "close"
	MethodExit              = "exit"
)

// RegisterParams carries the agent's identity token. The callback
// capability travels in the call's capability table.
type RegisterParams struct {
	Token string `cbor:"token"`
}

// ReportParams wraps one telemetry report.
type ReportParams struct {
	Info *sysinfo.SystemInfo `cbor:"info"`
}

// StartShellParams configures a new interactive shell. An empty Command
// means the agent's default shell.
type StartShellParams struct {
	Command string `cbor:"command,omitempty"`
	Cols    uint16 `cbor:"cols"`
	Rows    uint16 `cbor:"rows"`
}

// DataParams carries a chunk of terminal bytes.
type DataParams struct {
	Data []byte `cbor:"data"`
}

// ResizeParams changes the terminal window size.
type ResizeParams struct {
	Cols uint16 `cbor:"cols"`
	Rows uint16 `cbor:"rows"`
}

// ExitParams reports the shell's exit status.
type ExitParams struct {
	Code int `cbor:"code"`
}

// acknowledge discards an empty answer, keeping only its error.
func acknowledge(_ *rpc.Message, err error) error {
	return err
}
