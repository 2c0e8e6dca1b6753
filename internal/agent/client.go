// ABOUTME: ActiveClient: the registry's handle for one registered agent
// ABOUTME: Marshals callback use onto the owning session and fails soft after disconnect

package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/2389/conure/internal/protocol"
	"github.com/2389/conure/internal/rpc"
	"github.com/2389/conure/internal/sysinfo"
)

// ErrDisconnected is returned by Invoke once the agent is gone.
var ErrDisconnected = errors.New("agent disconnected")

// ActiveClient is one registered agent. It may be shared freely; the
// callback it wraps is only ever touched on its session's executor.
type ActiveClient struct {
	id          string
	sessionID   string
	remoteAddr  string
	connectedAt time.Time
	registry    *Registry

	mu           sync.RWMutex
	callback     *protocol.AgentCallback // nil once disconnected
	lastReport   *sysinfo.SystemInfo
	lastReportAt time.Time
}

// NewActiveClient creates a handle for an agent that registered as id
// with callback. It is not visible until passed to Insert.
func (r *Registry) NewActiveClient(id string, callback protocol.AgentCallback) *ActiveClient {
	sess := callback.Session()
	return &ActiveClient{
		id:          id,
		sessionID:   sess.ID(),
		remoteAddr:  sess.RemoteAddr(),
		connectedAt: time.Now(),
		registry:    r,
		callback:    &callback,
	}
}

// ID returns the agent identifier.
func (c *ActiveClient) ID() string {
	return c.id
}

// SessionID returns the ID of the rpc session the agent registered on.
func (c *ActiveClient) SessionID() string {
	return c.sessionID
}

// RemoteAddr returns the agent's network address.
func (c *ActiveClient) RemoteAddr() string {
	return c.remoteAddr
}

// ConnectedAt returns the registration time.
func (c *ActiveClient) ConnectedAt() time.Time {
	return c.connectedAt
}

// Connected reports whether the callback is still live.
func (c *ActiveClient) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.callback != nil
}

// Invoke runs f with the agent's callback on the owning session's
// executor and returns f's error. It returns ErrDisconnected if the client
// was disconnected or the session died, before or while f was queued.
// f must not block waiting on promises; issue calls and await them after
// Invoke returns.
func (c *ActiveClient) Invoke(ctx context.Context, f func(s rpc.Scope, cb protocol.AgentCallback) error) error {
	cb, ok := c.live()
	if !ok {
		return ErrDisconnected
	}

	err := cb.Session().Do(ctx, func(s rpc.Scope) error {
		cb, ok := c.live()
		if !ok {
			return ErrDisconnected
		}
		return f(s, cb)
	})
	return translate(err)
}

func (c *ActiveClient) live() (protocol.AgentCallback, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.callback == nil {
		return protocol.AgentCallback{}, false
	}
	return *c.callback, true
}

// Disconnect clears the callback and removes this client from the
// registry if it is still the registered entry for its id. Safe to call
// repeatedly and concurrently.
func (c *ActiveClient) Disconnect() {
	c.registry.removeClient(c)
}

// clear drops the callback and hands it back, or returns nil if it was
// already cleared. Whoever gets the callback must release it.
func (c *ActiveClient) clear() *protocol.AgentCallback {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb := c.callback
	c.callback = nil
	return cb
}

// releaseCallback lets the agent drop a cleared callback export when its
// session outlives the handle, as it does after a replacement. Callers
// may be on the executor itself, so the release is queued from a
// goroutine.
func releaseCallback(cb *protocol.AgentCallback) {
	if cb == nil {
		return
	}
	go func() {
		_ = cb.Session().Post(func(s rpc.Scope) {
			cb.Release(s)
		})
	}()
}

// RequestSystemInfo pulls a fresh telemetry report from the agent.
func (c *ActiveClient) RequestSystemInfo(ctx context.Context) (*sysinfo.SystemInfo, error) {
	var p *rpc.Promise
	if err := c.Invoke(ctx, func(s rpc.Scope, cb protocol.AgentCallback) error {
		p = cb.RequestSystemInfo(s)
		return nil
	}); err != nil {
		return nil, err
	}
	info, err := protocol.AwaitSystemInfo(ctx, p)
	if err != nil {
		return nil, translate(err)
	}
	return info, nil
}

// StartShell opens a terminal on the agent, streaming its output to
// output.
func (c *ActiveClient) StartShell(ctx context.Context, params protocol.StartShellParams, output *rpc.Local) (protocol.Shell, error) {
	var p *rpc.Promise
	if err := c.Invoke(ctx, func(s rpc.Scope, cb protocol.AgentCallback) error {
		p = cb.StartShell(s, params, output)
		return nil
	}); err != nil {
		return protocol.Shell{}, err
	}
	shell, err := protocol.AwaitShell(ctx, p)
	if err != nil {
		return protocol.Shell{}, translate(err)
	}
	return shell, nil
}

// SetLastReport records the latest accepted report.
func (c *ActiveClient) SetLastReport(info *sysinfo.SystemInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastReport = info
	c.lastReportAt = time.Now()
}

// LastReport returns the latest accepted report and when it arrived.
func (c *ActiveClient) LastReport() (*sysinfo.SystemInfo, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastReport, c.lastReportAt
}

// Info is the JSON view of a client for the monitoring API.
type Info struct {
	ID           string              `json:"id"`
	SessionID    string              `json:"session_id"`
	RemoteAddr   string              `json:"remote_addr"`
	ConnectedAt  time.Time           `json:"connected_at"`
	Connected    bool                `json:"connected"`
	LastReport   *sysinfo.SystemInfo `json:"last_report,omitempty"`
	LastReportAt *time.Time          `json:"last_report_at,omitempty"`
}

// Info returns a point-in-time description of the client.
func (c *ActiveClient) Info() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info := Info{
		ID:          c.id,
		SessionID:   c.sessionID,
		RemoteAddr:  c.remoteAddr,
		ConnectedAt: c.connectedAt,
		Connected:   c.callback != nil,
		LastReport:  c.lastReport,
	}
	if !c.lastReportAt.IsZero() {
		at := c.lastReportAt
		info.LastReportAt = &at
	}
	return info
}

// translate maps a dead session onto ErrDisconnected.
func translate(err error) error {
	if err != nil && errors.Is(err, rpc.ErrDisconnected) && !errors.Is(err, ErrDisconnected) {
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	return err
}
