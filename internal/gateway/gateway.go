// ABOUTME: Gateway orchestrator that coordinates the agent session and HTTP servers
// ABOUTME: Manages the client registry, report store and health endpoints lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/conure/internal/agent"
	"github.com/2389/conure/internal/codec"
	"github.com/2389/conure/internal/config"
	"github.com/2389/conure/internal/protocol"
	"github.com/2389/conure/internal/rpc"
	"github.com/2389/conure/internal/store"
)

const (
	// Tailscale ports used when tsnet replaces the configured addresses.
	tailscaleGRPCPort   = ":50051"
	tailscaleStreamPort = ":50052"
	tailscaleHTTPPort   = ":80"

	pruneInterval = time.Hour
)

// Gateway orchestrates the conure-gateway server components.
// It serves agent sessions over gRPC (and optionally raw TCP) and the
// HTTP monitoring surface.
type Gateway struct {
	config      *config.Config
	registry    *agent.Registry
	store       store.ReportStore
	service     *registryService
	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// sessionOpts configures every accepted agent session.
	sessionOpts rpc.Options

	// serverID identifies this gateway instance
	serverID string

	mu       sync.Mutex
	sessions map[*rpc.Session]struct{}
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.ReportStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("CONURE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// createGRPCServer creates the gRPC server agents dial into. Keepalive
// pings detect peers that vanished without closing their connection.
func createGRPCServer(cfg *config.Config) *grpc.Server {
	return grpc.NewServer(
		grpc.MaxRecvMsgSize(codec.MaxFrameSize),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    cfg.Agents.KeepaliveTime,
			Timeout: cfg.Agents.KeepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	return newGateway(cfg, s, logger), nil
}

// newGateway wires a gateway around an existing store.
func newGateway(cfg *config.Config, s store.ReportStore, logger *slog.Logger) *Gateway {
	registry := agent.NewRegistry(cfg.Agents.FeedHistory, logger)

	gw := &Gateway{
		config:     cfg,
		registry:   registry,
		store:      s,
		grpcServer: createGRPCServer(cfg),
		logger:     logger.With("component", "gateway"),
		serverID:   generateServerID(),
		sessions:   make(map[*rpc.Session]struct{}),
	}
	gw.service = newRegistryService(registry, s, logger.With("component", "registry-service"))
	gw.sessionOpts = rpc.Options{
		Bootstrap: protocol.NewGatewayCapability(gw.service),
		Logger:    logger.With("component", "rpc"),
	}

	acceptor := &rpc.GRPCAcceptor{
		Options:   gw.sessionOpts,
		OnSession: gw.trackSession,
	}
	acceptor.Register(gw.grpcServer)

	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	// Monitoring API
	gw.registerHTTPAPIRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw
}

// Registry returns the gateway's client registry.
func (g *Gateway) Registry() *agent.Registry {
	return g.registry
}

// trackSession records a live agent session so Shutdown can close it.
func (g *Gateway) trackSession(sess *rpc.Session) {
	g.mu.Lock()
	g.sessions[sess] = struct{}{}
	g.mu.Unlock()

	g.logger.Debug("agent session opened",
		"session_id", sess.ID(),
		"remote_addr", sess.RemoteAddr(),
	)

	go func() {
		<-sess.Done()
		g.mu.Lock()
		delete(g.sessions, sess)
		g.mu.Unlock()
		g.logger.Debug("agent session closed",
			"session_id", sess.ID(),
			"cause", sess.Err(),
		)
	}()
}

// closeSessions tears down every live agent session.
func (g *Gateway) closeSessions() {
	g.mu.Lock()
	sessions := make([]*rpc.Session, 0, len(g.sessions))
	for sess := range g.sessions {
		sessions = append(sessions, sess)
	}
	g.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.Close()
	}
}

// listeners holds the gateway's bound sockets. stream is nil unless a
// raw stream address is configured.
type listeners struct {
	grpc   net.Listener
	http   net.Listener
	stream net.Listener
}

func (l *listeners) close() {
	for _, ln := range []net.Listener{l.grpc, l.http, l.stream} {
		if ln != nil {
			_ = ln.Close()
		}
	}
}

// setupTCPListeners creates standard TCP listeners for gRPC, HTTP and the
// optional raw stream transport.
func (g *Gateway) setupTCPListeners() (*listeners, error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
		"stream_addr", g.config.Server.StreamAddr,
	)

	lns := &listeners{}
	var err error

	lns.grpc, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	lns.http, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		lns.close()
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.config.Server.StreamAddr != "" {
		lns.stream, err = net.Listen("tcp", g.config.Server.StreamAddr)
		if err != nil {
			lns.close()
			return nil, fmt.Errorf("listening on stream address: %w", err)
		}
	}

	return lns, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (*listeners, error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning an error channel.
func (g *Gateway) startServers(ctx context.Context, lns *listeners) chan error {
	errCh := make(chan error, 3)

	go func() {
		g.logger.Info("gRPC server listening", "addr", lns.grpc.Addr().String())
		if err := g.grpcServer.Serve(lns.grpc); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", lns.http.Addr().String())
		if err := g.httpServer.Serve(lns.http); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if lns.stream != nil {
		go func() {
			g.logger.Info("stream server listening", "addr", lns.stream.Addr().String())
			if err := rpc.ServeStream(ctx, lns.stream, g.sessionOpts, g.trackSession); err != nil {
				errCh <- fmt.Errorf("stream server: %w", err)
			}
		}()
	}

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	lns, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := g.startServers(runCtx, lns)
	if g.config.Database.ReportRetention > 0 {
		go g.pruneReports(runCtx, g.config.Database.ReportRetention)
	}

	serverErr := g.waitForShutdownSignal(ctx, errCh)
	cancel()

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// pruneReports deletes stored reports older than retention until ctx ends.
func (g *Gateway) pruneReports(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		if _, err := g.store.DeleteReportsBefore(ctx, time.Now().Add(-retention)); err != nil && ctx.Err() == nil {
			g.logger.Error("failed to prune reports", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "conure-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and listens on the tailnet.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (*listeners, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	g.logTailscaleStatus(tsCfg.Hostname, status)

	lns := &listeners{}
	fail := func(what string, err error) (*listeners, error) {
		lns.close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale %s port: %w", what, err)
	}

	if lns.grpc, err = g.tsnetServer.Listen("tcp", tailscaleGRPCPort); err != nil {
		return fail("gRPC", err)
	}
	if lns.http, err = g.tsnetServer.Listen("tcp", tailscaleHTTPPort); err != nil {
		return fail("HTTP", err)
	}
	if g.config.Server.StreamAddr != "" {
		if lns.stream, err = g.tsnetServer.Listen("tcp", tailscaleStreamPort); err != nil {
			return fail("stream", err)
		}
	}
	return lns, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops all gateway servers and releases resources.
// Agent sessions are closed, which reaps every registration.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.closeSessions()
	g.shutdownGRPCServer(ctx)
	g.registry.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the server has at least one agent connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	n := g.registry.Snapshot().Len()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", n)
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("conure-gateway-%d", time.Now().UnixNano()%1000000)
}
