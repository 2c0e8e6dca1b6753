// ABOUTME: Gateway and ReportSink capability stubs
// ABOUTME: The registration handshake and the per-agent push channel

package protocol

import (
	"context"

	"github.com/2389/conure/internal/rpc"
	"github.com/2389/conure/internal/sysinfo"
)

// Gateway is the gateway's bootstrap capability as seen by an agent.
type Gateway struct {
	*rpc.Client
}

// Register announces the agent under token and hands the gateway the
// agent's callback capability.
func (g Gateway) Register(s rpc.Scope, token string, callback *rpc.Local) *rpc.Promise {
	return g.Call(s, MethodRegister, RegisterParams{Token: token}, callback)
}

// AwaitRegister waits for a Register answer and returns the sink.
func AwaitRegister(ctx context.Context, p *rpc.Promise) (ReportSink, error) {
	msg, err := p.Await(ctx)
	if err != nil {
		return ReportSink{}, err
	}
	c, err := msg.Cap(0)
	if err != nil {
		return ReportSink{}, err
	}
	return ReportSink{c}, nil
}

// GatewayServer implements the Gateway interface.
type GatewayServer interface {
	// Register returns the sink exported back to the agent.
	Register(s rpc.Scope, token string, callback AgentCallback) (*rpc.Local, error)
}

// NewGatewayCapability wraps impl as an exportable capability.
func NewGatewayCapability(impl GatewayServer) *rpc.Local {
	return rpc.NewLocal("Gateway", map[string]rpc.Method{
		MethodRegister: func(s rpc.Scope, call *rpc.Call) (*rpc.Results, error) {
			var params RegisterParams
			if err := call.Decode(&params); err != nil {
				return nil, err
			}
			cb, err := call.Cap(0)
			if err != nil {
				return nil, err
			}
			sink, err := impl.Register(s, params.Token, AgentCallback{cb})
			if err != nil {
				return nil, err
			}
			return rpc.Return(nil, sink), nil
		},
	})
}

// ReportSink is the per-agent push channel held by the agent.
type ReportSink struct {
	*rpc.Client
}

// ReportSystemInfo pushes one telemetry report.
func (r ReportSink) ReportSystemInfo(s rpc.Scope, info *sysinfo.SystemInfo) *rpc.Promise {
	return r.Call(s, MethodReportSystemInfo, ReportParams{Info: info})
}

// AwaitAck waits for an answer that carries no content.
func AwaitAck(ctx context.Context, p *rpc.Promise) error {
	return acknowledge(p.Await(ctx))
}

// ReportSinkServer implements the ReportSink interface.
type ReportSinkServer interface {
	ReportSystemInfo(s rpc.Scope, info *sysinfo.SystemInfo) error
}

// NewReportSinkCapability wraps impl as an exportable capability.
func NewReportSinkCapability(impl ReportSinkServer) *rpc.Local {
	return rpc.NewLocal("ReportSink", map[string]rpc.Method{
		MethodReportSystemInfo: func(s rpc.Scope, call *rpc.Call) (*rpc.Results, error) {
			var params ReportParams
			if err := call.Decode(&params); err != nil {
				return nil, err
			}
			if params.Info == nil {
				return nil, rpc.Failed("report is empty")
			}
			return nil, impl.ReportSystemInfo(s, params.Info)
		},
	})
}
