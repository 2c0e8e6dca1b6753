// ABOUTME: AgentCallback, Shell and ShellOutput capability stubs
// ABOUTME: Gateway-initiated calls into an agent and the shell streams

package protocol

import (
	"context"

	"github.com/2389/conure/internal/rpc"
	"github.com/2389/conure/internal/sysinfo"
)

// AgentCallback is the capability an agent hands the gateway at
// registration.
type AgentCallback struct {
	*rpc.Client
}

// RequestSystemInfo asks the agent for a fresh report.
func (a AgentCallback) RequestSystemInfo(s rpc.Scope) *rpc.Promise {
	return a.Call(s, MethodRequestSystemInfo, nil)
}

// StartShell opens a terminal on the agent. Output is streamed to output.
func (a AgentCallback) StartShell(s rpc.Scope, params StartShellParams, output *rpc.Local) *rpc.Promise {
	return a.Call(s, MethodStartShell, params, output)
}

// AwaitSystemInfo waits for a RequestSystemInfo answer.
func AwaitSystemInfo(ctx context.Context, p *rpc.Promise) (*sysinfo.SystemInfo, error) {
	msg, err := p.Await(ctx)
	if err != nil {
		return nil, err
	}
	var params ReportParams
	if err := msg.Decode(&params); err != nil {
		return nil, err
	}
	if params.Info == nil {
		return nil, rpc.Failed("empty system info")
	}
	return params.Info, nil
}

// AwaitShell waits for a StartShell answer.
func AwaitShell(ctx context.Context, p *rpc.Promise) (Shell, error) {
	msg, err := p.Await(ctx)
	if err != nil {
		return Shell{}, err
	}
	c, err := msg.Cap(0)
	if err != nil {
		return Shell{}, err
	}
	return Shell{c}, nil
}

// AgentCallbackServer implements the AgentCallback interface.
type AgentCallbackServer interface {
	RequestSystemInfo(s rpc.Scope) (*sysinfo.SystemInfo, error)
	// StartShell returns the Shell capability exported back to the caller.
	StartShell(s rpc.Scope, params StartShellParams, output ShellOutput) (*rpc.Local, error)
}

// NewAgentCallbackCapability wraps impl as an exportable capability.
func NewAgentCallbackCapability(impl AgentCallbackServer) *rpc.Local {
	return rpc.NewLocal("AgentCallback", map[string]rpc.Method{
		MethodRequestSystemInfo: func(s rpc.Scope, _ *rpc.Call) (*rpc.Results, error) {
			info, err := impl.RequestSystemInfo(s)
			if err != nil {
				return nil, err
			}
			return rpc.Return(ReportParams{Info: info}), nil
		},
		MethodStartShell: func(s rpc.Scope, call *rpc.Call) (*rpc.Results, error) {
			var params StartShellParams
			if err := call.Decode(&params); err != nil {
				return nil, err
			}
			out, err := call.Cap(0)
			if err != nil {
				return nil, err
			}
			shell, err := impl.StartShell(s, params, ShellOutput{out})
			if err != nil {
				return nil, err
			}
			return rpc.Return(nil, shell), nil
		},
	})
}

// Shell is a running terminal on the agent.
type Shell struct {
	*rpc.Client
}

// Write sends keystrokes to the terminal.
func (sh Shell) Write(s rpc.Scope, data []byte) *rpc.Promise {
	return sh.Call(s, MethodWrite, DataParams{Data: data})
}

// Resize changes the terminal window size.
func (sh Shell) Resize(s rpc.Scope, cols, rows uint16) *rpc.Promise {
	return sh.Call(s, MethodResize, ResizeParams{Cols: cols, Rows: rows})
}

// Close terminates the shell process.
func (sh Shell) Close(s rpc.Scope) *rpc.Promise {
	return sh.Call(s, MethodClose, nil)
}

// ShellServer implements the Shell interface.
type ShellServer interface {
	Write(s rpc.Scope, data []byte) error
	Resize(s rpc.Scope, cols, rows uint16) error
	Close(s rpc.Scope) error
}

// NewShellCapability wraps impl as an exportable capability.
func NewShellCapability(impl ShellServer) *rpc.Local {
	return rpc.NewLocal("Shell", map[string]rpc.Method{
		MethodWrite: func(s rpc.Scope, call *rpc.Call) (*rpc.Results, error) {
			var params DataParams
			if err := call.Decode(&params); err != nil {
				return nil, err
			}
			return nil, impl.Write(s, params.Data)
		},
		MethodResize: func(s rpc.Scope, call *rpc.Call) (*rpc.Results, error) {
			var params ResizeParams
			if err := call.Decode(&params); err != nil {
				return nil, err
			}
			return nil, impl.Resize(s, params.Cols, params.Rows)
		},
		MethodClose: func(s rpc.Scope, _ *rpc.Call) (*rpc.Results, error) {
			return nil, impl.Close(s)
		},
	})
}

// ShellOutput receives a shell's output stream.
type ShellOutput struct {
	*rpc.Client
}

// Write delivers a chunk of terminal output.
func (o ShellOutput) Write(s rpc.Scope, data []byte) *rpc.Promise {
	return o.Call(s, MethodWrite, DataParams{Data: data})
}

// Exit reports that the shell process ended.
func (o ShellOutput) Exit(s rpc.Scope, code int) *rpc.Promise {
	return o.Call(s, MethodExit, ExitParams{Code: code})
}

// ShellOutputServer implements the ShellOutput interface.
type ShellOutputServer interface {
	Write(s rpc.Scope, data []byte) error
	Exit(s rpc.Scope, code int) error
}

// NewShellOutputCapability wraps impl as an exportable capability.
func NewShellOutputCapability(impl ShellOutputServer) *rpc.Local {
	return rpc.NewLocal("ShellOutput", map[string]rpc.Method{
		MethodWrite: func(s rpc.Scope, call *rpc.Call) (*rpc.Results, error) {
			var params DataParams
			if err := call.Decode(&params); err != nil {
				return nil, err
			}
			return nil, impl.Write(s, params.Data)
		},
		MethodExit: func(s rpc.Scope, call *rpc.Call) (*rpc.Results, error) {
			var params ExitParams
			if err := call.Decode(&params); err != nil {
				return nil, err
			}
			return nil, impl.Exit(s, params.Code)
		},
	})
}
