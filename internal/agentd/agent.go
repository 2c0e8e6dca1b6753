// ABOUTME: Agent runtime: dial, register, report on an interval, reconnect
// ABOUTME: One gateway session at a time; Run returns only on context cancellation

package agentd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/2389/conure/internal/protocol"
	"github.com/2389/conure/internal/rpc"
	"github.com/2389/conure/internal/sysinfo"
)

// Transports an agent can dial.
const (
	TransportGRPC   = "grpc"
	TransportStream = "stream"
)

const (
	// DefaultInterval is the time between pushed reports.
	DefaultInterval = 60 * time.Second
	// DefaultShell runs remote terminals when neither Config.Shell nor
	// $SHELL is set.
	DefaultShell = "/bin/sh"

	minReconnectDelay = time.Second
	maxReconnectDelay = time.Minute

	callTimeout = 10 * time.Second
)

// Config configures an Agent.
type Config struct {
	// Address is the gateway's gRPC (or stream) address.
	Address string
	// Token identifies this agent to the gateway.
	Token string
	// ID is reported as the client_id of every report. Defaults to the
	// hostname.
	ID string
	// Transport is TransportGRPC (default) or TransportStream.
	Transport string
	// Interval between pushed reports.
	Interval time.Duration
	// Shell runs remote terminals. Defaults to $SHELL, then /bin/sh.
	Shell string
	// DisableShell refuses every startShell request.
	DisableShell bool
}

func (c *Config) applyDefaults() {
	if c.Transport == "" {
		c.Transport = TransportGRPC
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Shell == "" {
		c.Shell = os.Getenv("SHELL")
	}
	if c.Shell == "" {
		c.Shell = DefaultShell
	}
	if c.ID == "" {
		if host, err := os.Hostname(); err == nil {
			c.ID = host
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Address == "" {
		return errors.New("address is required")
	}
	if c.Token == "" {
		return errors.New("token is required")
	}
	if c.Transport != TransportGRPC && c.Transport != TransportStream {
		return fmt.Errorf("transport must be %q or %q, got %q", TransportGRPC, TransportStream, c.Transport)
	}
	return nil
}

// Agent keeps one registration with a gateway alive.
type Agent struct {
	cfg     Config
	logger  *slog.Logger
	backoff *Backoff

	collect func() (*sysinfo.SystemInfo, error)
	dial    func(ctx context.Context) (*rpc.Session, error)
}

// New creates an Agent. Missing optional settings get their defaults.
func New(cfg Config, logger *slog.Logger) (*Agent, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid agent config: %w", err)
	}

	a := &Agent{
		cfg:     cfg,
		logger:  logger.With("component", "agent", "agent_id", cfg.Token),
		backoff: NewBackoff(minReconnectDelay, maxReconnectDelay),
	}
	a.collect = func() (*sysinfo.SystemInfo, error) {
		return sysinfo.Collect(a.cfg.ID)
	}

	opts := rpc.Options{Logger: logger.With("component", "rpc")}
	switch cfg.Transport {
	case TransportStream:
		a.dial = func(ctx context.Context) (*rpc.Session, error) {
			return rpc.DialStream(ctx, cfg.Address, opts)
		}
	default:
		a.dial = func(ctx context.Context) (*rpc.Session, error) {
			return rpc.DialGRPC(ctx, cfg.Address, opts)
		}
	}
	return a, nil
}

// Run connects and stays connected until ctx is cancelled. It returns nil
// on cancellation; every other failure is retried.
func (a *Agent) Run(ctx context.Context) error {
	for {
		registered, err := a.runSession(ctx)
		if ctx.Err() != nil {
			a.logger.Info("agent stopped")
			return nil
		}
		if registered {
			a.backoff.Reset()
		}

		delay := a.backoff.Next()
		a.logger.Warn("gateway session ended, reconnecting", "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			a.logger.Info("agent stopped")
			return nil
		case <-time.After(delay):
		}
	}
}

// runSession serves one gateway session. registered reports whether the
// handshake succeeded before the session ended.
func (a *Agent) runSession(ctx context.Context) (registered bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, callTimeout)
	sess, err := a.dial(dialCtx)
	cancel()
	if err != nil {
		return false, fmt.Errorf("dialing gateway: %w", err)
	}
	defer sess.Close()

	logger := a.logger.With("session_id", sess.ID(), "address", a.cfg.Address)

	sink, err := a.register(ctx, sess, logger)
	if err != nil {
		return false, fmt.Errorf("registering: %w", err)
	}
	logger.Info("=== REGISTERED WITH GATEWAY ===", "interval", a.cfg.Interval)

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := a.report(ctx, sess, sink); err != nil {
			if ctx.Err() != nil || errors.Is(err, rpc.ErrDisconnected) {
				return true, err
			}
			// A rejected report fails that call only.
			logger.Warn("report failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-sess.Done():
			return true, sess.Err()
		case <-ticker.C:
		}
	}
}

func (a *Agent) register(ctx context.Context, sess *rpc.Session, logger *slog.Logger) (protocol.ReportSink, error) {
	cb := protocol.NewAgentCallbackCapability(&callback{agent: a, logger: logger})

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	var p *rpc.Promise
	if err := sess.Do(callCtx, func(s rpc.Scope) error {
		gw := protocol.Gateway{Client: sess.Bootstrap()}
		p = gw.Register(s, a.cfg.Token, cb)
		return nil
	}); err != nil {
		return protocol.ReportSink{}, err
	}
	return protocol.AwaitRegister(callCtx, p)
}

// report collects and pushes one report.
func (a *Agent) report(ctx context.Context, sess *rpc.Session, sink protocol.ReportSink) error {
	info, err := a.collect()
	if err != nil {
		return fmt.Errorf("collecting system info: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	var p *rpc.Promise
	if err := sess.Do(callCtx, func(s rpc.Scope) error {
		p = sink.ReportSystemInfo(s, info)
		return nil
	}); err != nil {
		return err
	}
	if err := protocol.AwaitAck(callCtx, p); err != nil {
		return err
	}

	a.logger.Debug("report sent", "hostname", info.Hostname, "current_time", info.CurrentTime)
	return nil
}
