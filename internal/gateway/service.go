// ABOUTME: Registry service (the gateway bootstrap) and per-agent report sinks
// ABOUTME: register inserts an ActiveClient; the sink's release reaps it

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/2389/conure/internal/agent"
	"github.com/2389/conure/internal/protocol"
	"github.com/2389/conure/internal/rpc"
	"github.com/2389/conure/internal/store"
	"github.com/2389/conure/internal/sysinfo"
)

// ErrEmptyToken rejects a registration without an identity token.
var ErrEmptyToken = errors.New("registration token is required")

const storeTimeout = 5 * time.Second

// registryService implements the Gateway capability every session
// bootstraps to.
type registryService struct {
	registry *agent.Registry
	store    store.ReportStore
	logger   *slog.Logger
}

func newRegistryService(registry *agent.Registry, s store.ReportStore, logger *slog.Logger) *registryService {
	return &registryService{registry: registry, store: s, logger: logger}
}

// Register creates the agent's ActiveClient, publishes it and returns the
// sink bound to it. The token is the agent identifier; a second
// registration under the same token replaces the first.
func (r *registryService) Register(s rpc.Scope, token string, callback protocol.AgentCallback) (*rpc.Local, error) {
	sess := s.Session()
	if token == "" {
		r.logger.Warn("rejected registration", "session_id", sess.ID(), "remote_addr", sess.RemoteAddr(), "error", ErrEmptyToken)
		callback.Release(s)
		return nil, ErrEmptyToken
	}

	client := r.registry.NewActiveClient(token, callback)
	r.registry.Insert(client)

	sink := &reportSink{
		client: client,
		store:  r.store,
		logger: r.logger.With("agent_id", token, "session_id", sess.ID()),
	}
	return protocol.NewReportSinkCapability(sink).OnRelease(sink.detach), nil
}

// sinkState is the report sink's lifecycle: bound until detached.
type sinkState int32

const (
	sinkBound sinkState = iota
	sinkDetached
)

func (s sinkState) String() string {
	if s == sinkDetached {
		return "detached"
	}
	return "bound"
}

// reportSink receives one agent's pushes. It is released when the agent
// drops it or its session dies, which disconnects the bound client.
type reportSink struct {
	client *agent.ActiveClient
	store  store.ReportStore
	logger *slog.Logger
	state  atomic.Int32
}

// ReportSystemInfo validates and records one report. A bad or unstored
// report fails this call only; the session stays up.
func (k *reportSink) ReportSystemInfo(s rpc.Scope, info *sysinfo.SystemInfo) error {
	if sinkState(k.state.Load()) == sinkDetached {
		return rpc.ErrDisconnected
	}

	if err := info.Validate(); err != nil {
		k.logger.Warn("rejected report", "error", err)
		return rpc.Failed("%v", err)
	}

	k.client.SetLastReport(info)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	report := &store.Report{
		AgentID:   k.client.ID(),
		SessionID: s.Session().ID(),
		Source:    store.SourcePush,
		Info:      *info,
	}
	if err := k.store.SaveReport(ctx, report); err != nil {
		k.logger.Error("failed to store report", "error", err)
		return rpc.Failed("storing report: %v", err)
	}

	k.logger.Debug("report received",
		"hostname", info.Hostname,
		"current_time", info.CurrentTime,
		"report_id", report.ID,
	)
	return nil
}

// detach moves the sink to its terminal state and disconnects the client.
// Only the first call has any effect.
func (k *reportSink) detach() {
	if !k.state.CompareAndSwap(int32(sinkBound), int32(sinkDetached)) {
		return
	}
	k.client.Disconnect()
	k.logger.Debug("report sink detached")
}

func (k *reportSink) State() sinkState {
	return sinkState(k.state.Load())
}
