// ABOUTME: Tests for the Gateway orchestrator and agent registration
// ABOUTME: Uses real gRPC and TCP capability sessions against a running gateway

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/2389/conure/internal/config"
	"github.com/2389/conure/internal/protocol"
	"github.com/2389/conure/internal/rpc"
	"github.com/2389/conure/internal/sysinfo"
)

// freeAddr returns a loopback address nothing is listening on.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// testConfig creates a minimal config for testing with available ports.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	return &config.Config{
		Server: config.ServerConfig{
			GRPCAddr: freeAddr(t),
			HTTPAddr: freeAddr(t),
		},
		Database: config.DatabaseConfig{
			Path: ":memory:",
		},
		Agents: config.AgentsConfig{
			KeepaliveTime:    config.DefaultKeepaliveTime,
			KeepaliveTimeout: config.DefaultKeepaliveTimeout,
			FeedHistory:      config.DefaultFeedHistory,
		},
	}
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startGateway runs a gateway until the test ends and waits for its HTTP
// server to answer.
func startGateway(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Error("gateway did not shutdown in time")
		}
	})

	waitFor(t, "gateway HTTP server", func() bool {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})
	return gw
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// testAgent answers callback requests with a fixed report.
type testAgent struct {
	id string
}

func (a *testAgent) RequestSystemInfo(rpc.Scope) (*sysinfo.SystemInfo, error) {
	return &sysinfo.SystemInfo{ClientID: a.id, Hostname: a.id + "-host", CurrentTime: 5000}, nil
}

func (a *testAgent) StartShell(rpc.Scope, protocol.StartShellParams, protocol.ShellOutput) (*rpc.Local, error) {
	return nil, rpc.Failed("no shell on test agent")
}

// register performs the registration handshake on sess with a testAgent
// callback.
func register(ctx context.Context, sess *rpc.Session, token string) (protocol.ReportSink, error) {
	return registerWith(ctx, sess, token, &testAgent{id: token})
}

func registerWith(ctx context.Context, sess *rpc.Session, token string, impl protocol.AgentCallbackServer) (protocol.ReportSink, error) {
	var p *rpc.Promise
	err := sess.Do(ctx, func(s rpc.Scope) error {
		gw := protocol.Gateway{Client: sess.Bootstrap()}
		p = gw.Register(s, token, protocol.NewAgentCallbackCapability(impl))
		return nil
	})
	if err != nil {
		return protocol.ReportSink{}, err
	}
	return protocol.AwaitRegister(ctx, p)
}

// report pushes one report through sink and waits for the answer.
func report(ctx context.Context, sess *rpc.Session, sink protocol.ReportSink, info *sysinfo.SystemInfo) error {
	var p *rpc.Promise
	if err := sess.Do(ctx, func(s rpc.Scope) error {
		p = sink.ReportSystemInfo(s, info)
		return nil
	}); err != nil {
		return err
	}
	return protocol.AwaitAck(ctx, p)
}

// dialAgent opens a gRPC session to the gateway.
func dialAgent(t *testing.T, cfg *config.Config) *rpc.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := rpc.DialGRPC(ctx, cfg.Server.GRPCAddr, rpc.Options{Logger: testLogger()})
	if err != nil {
		t.Fatalf("DialGRPC() failed: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

// registerAgent dials and registers under token.
func registerAgent(t *testing.T, cfg *config.Config, token string) (*rpc.Session, protocol.ReportSink) {
	t.Helper()
	sess := dialAgent(t, cfg)
	sink, err := register(t.Context(), sess, token)
	if err != nil {
		t.Fatalf("register(%q) failed: %v", token, err)
	}
	return sess, sink
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t)
	logger := testLogger()

	gw, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if gw.config != cfg {
		t.Error("gateway config mismatch")
	}

	if gw.Registry() == nil {
		t.Error("registry should not be nil")
	}

	if gw.store == nil {
		t.Error("store should not be nil")
	}

	if gw.Registry().Snapshot().Len() != 0 {
		t.Error("new gateway should have no agents")
	}
}

func TestGatewayRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	logger := testLogger()

	gw, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	time.Sleep(100 * time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("gateway did not shutdown in time")
	}
}

func TestRunFailsOnBusyAddress(t *testing.T) {
	cfg := testConfig(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()
	cfg.Server.GRPCAddr = ln.Addr().String()

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.store.Close()

	if err := gw.Run(t.Context()); err == nil {
		t.Error("expected Run() to fail when the gRPC address is taken")
	}
}

func TestHealthEndpoint(t *testing.T) {
	cfg := testConfig(t)
	startGateway(t, cfg)

	resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
}

func TestReadyEndpoint(t *testing.T) {
	cfg := testConfig(t)
	startGateway(t, cfg)

	readyStatus := func() int {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health/ready")
		if err != nil {
			t.Fatalf("ready check failed: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if got := readyStatus(); got != http.StatusServiceUnavailable {
		t.Errorf("expected 503 with no agents, got %d", got)
	}

	registerAgent(t, cfg, "agentA")

	if got := readyStatus(); got != http.StatusOK {
		t.Errorf("expected 200 with one agent, got %d", got)
	}
}

func TestAgentLifecycle(t *testing.T) {
	cfg := testConfig(t)
	gw := startGateway(t, cfg)
	ctx := t.Context()

	sess, sink := registerAgent(t, cfg, "agentA")

	snap := gw.Registry().Snapshot()
	client, ok := snap.Get("agentA")
	if !ok {
		t.Fatalf("agentA not registered, have %v", snap.IDs())
	}
	if !client.Connected() {
		t.Error("registered client should be connected")
	}

	for _, ts := range []int64{1000, 2000} {
		info := &sysinfo.SystemInfo{ClientID: "agentA", Hostname: "h1", CurrentTime: ts}
		if err := report(ctx, sess, sink, info); err != nil {
			t.Fatalf("report at %d failed: %v", ts, err)
		}
	}

	last, _ := client.LastReport()
	if last == nil || last.CurrentTime != 2000 {
		t.Errorf("expected last report at 2000, got %+v", last)
	}

	reports, err := gw.store.ListReports(ctx, "agentA", 10)
	if err != nil {
		t.Fatalf("ListReports() failed: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("expected 2 stored reports, got %d", len(reports))
	}
	if reports[0].Info.CurrentTime != 1000 || reports[1].Info.CurrentTime != 2000 {
		t.Errorf("reports out of order: %d, %d", reports[0].Info.CurrentTime, reports[1].Info.CurrentTime)
	}

	// Dropping the connection reaps the registration.
	_ = sess.Close()
	waitFor(t, "agentA to be reaped", func() bool {
		return !gw.Registry().Snapshot().Has("agentA")
	})
	if client.Connected() {
		t.Error("reaped client should be disconnected")
	}

	reports, err = gw.store.ListReports(ctx, "agentA", 10)
	if err != nil {
		t.Fatalf("ListReports() after disconnect failed: %v", err)
	}
	if len(reports) != 2 {
		t.Errorf("history should survive disconnect, got %d reports", len(reports))
	}
}

func TestRegisterRejectsEmptyToken(t *testing.T) {
	cfg := testConfig(t)
	gw := startGateway(t, cfg)

	before := gw.Registry().Snapshot().Version

	sess := dialAgent(t, cfg)
	_, err := register(t.Context(), sess, "")
	if err == nil {
		t.Fatal("expected empty token to be rejected")
	}
	if !strings.Contains(err.Error(), ErrEmptyToken.Error()) {
		t.Errorf("unexpected error: %v", err)
	}

	if after := gw.Registry().Snapshot().Version; after != before {
		t.Errorf("rejected registration changed the registry: version %d -> %d", before, after)
	}
	if sess.Err() != nil {
		t.Errorf("session should survive a rejected registration: %v", sess.Err())
	}
}

func TestInvalidReportKeepsSession(t *testing.T) {
	cfg := testConfig(t)
	gw := startGateway(t, cfg)
	ctx := t.Context()

	sess, sink := registerAgent(t, cfg, "agentA")

	err := report(ctx, sess, sink, &sysinfo.SystemInfo{ClientID: "agentA", CurrentTime: 1000})
	if !errors.Is(err, rpc.ErrFailed) {
		t.Fatalf("expected a failed call for a report without hostname, got %v", err)
	}

	if err := report(ctx, sess, sink, &sysinfo.SystemInfo{ClientID: "agentA", Hostname: "h1", CurrentTime: 1001}); err != nil {
		t.Fatalf("valid report after a rejected one failed: %v", err)
	}
	if !gw.Registry().Snapshot().Has("agentA") {
		t.Error("agentA should still be registered")
	}
}

func TestConcurrentAgents(t *testing.T) {
	cfg := testConfig(t)
	gw := startGateway(t, cfg)
	ctx := t.Context()

	sessA, sinkA := registerAgent(t, cfg, "agentA")
	sessB, sinkB := registerAgent(t, cfg, "agentB")

	ids := gw.Registry().Snapshot().IDs()
	if len(ids) != 2 || ids[0] != "agentA" || ids[1] != "agentB" {
		t.Fatalf("expected [agentA agentB], got %v", ids)
	}

	if err := report(ctx, sessA, sinkA, &sysinfo.SystemInfo{ClientID: "agentA", Hostname: "a", CurrentTime: 1}); err != nil {
		t.Fatalf("agentA report failed: %v", err)
	}
	if err := report(ctx, sessB, sinkB, &sysinfo.SystemInfo{ClientID: "agentB", Hostname: "b", CurrentTime: 2}); err != nil {
		t.Fatalf("agentB report failed: %v", err)
	}

	_ = sessA.Close()
	waitFor(t, "agentA to be reaped", func() bool {
		return !gw.Registry().Snapshot().Has("agentA")
	})
	if !gw.Registry().Snapshot().Has("agentB") {
		t.Error("agentB should be unaffected by agentA leaving")
	}

	latest, err := gw.store.LatestReport(ctx, "agentB")
	if err != nil {
		t.Fatalf("LatestReport() failed: %v", err)
	}
	if latest.Info.Hostname != "b" {
		t.Errorf("expected agentB's report, got hostname %q", latest.Info.Hostname)
	}
}

func TestReregistrationReplaces(t *testing.T) {
	cfg := testConfig(t)
	gw := startGateway(t, cfg)

	oldSess, _ := registerAgent(t, cfg, "agentA")
	old, _ := gw.Registry().Get("agentA")

	newSess, newSink := registerAgent(t, cfg, "agentA")
	current, err := gw.Registry().Get("agentA")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if current == old {
		t.Fatal("second registration should replace the client")
	}
	if old.Connected() {
		t.Error("replaced client should be cleared")
	}
	if n := gw.Registry().Snapshot().Len(); n != 1 {
		t.Errorf("expected one entry, got %d", n)
	}

	// The older session going away must not evict the newer registration.
	_ = oldSess.Close()
	time.Sleep(100 * time.Millisecond)

	still, err := gw.Registry().Get("agentA")
	if err != nil || still != current {
		t.Fatalf("newer registration was evicted: %v", err)
	}
	if err := report(t.Context(), newSess, newSink, &sysinfo.SystemInfo{ClientID: "agentA", Hostname: "h", CurrentTime: 1}); err != nil {
		t.Errorf("report through the newer sink failed: %v", err)
	}
}

func TestReleasingSinkUnregisters(t *testing.T) {
	cfg := testConfig(t)
	gw := startGateway(t, cfg)

	sess, sink := registerAgent(t, cfg, "agentA")

	if err := sess.Do(t.Context(), func(s rpc.Scope) error {
		sink.Release(s)
		return nil
	}); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	waitFor(t, "agentA to be unregistered", func() bool {
		return !gw.Registry().Snapshot().Has("agentA")
	})
	if sess.Err() != nil {
		t.Errorf("session should stay up after releasing the sink: %v", sess.Err())
	}
}

func TestStreamTransport(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.StreamAddr = freeAddr(t)
	gw := startGateway(t, cfg)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	sess, err := rpc.DialStream(ctx, cfg.Server.StreamAddr, rpc.Options{Logger: testLogger()})
	if err != nil {
		t.Fatalf("DialStream() failed: %v", err)
	}
	defer sess.Close()

	sink, err := register(ctx, sess, "agentTCP")
	if err != nil {
		t.Fatalf("register over stream failed: %v", err)
	}
	if err := report(ctx, sess, sink, &sysinfo.SystemInfo{ClientID: "agentTCP", Hostname: "t", CurrentTime: 7}); err != nil {
		t.Fatalf("report over stream failed: %v", err)
	}
	if !gw.Registry().Snapshot().Has("agentTCP") {
		t.Error("agentTCP should be registered")
	}
}

func TestShutdownReapsAgents(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = gw.Run(ctx)
		close(done)
	}()

	waitFor(t, "gRPC listener", func() bool {
		conn, err := net.Dial("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	})

	sess, _ := registerAgent(t, cfg, "agentA")

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shutdown in time")
	}

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Error("agent session should end when the gateway shuts down")
	}
	waitFor(t, "agentA to be reaped", func() bool {
		return !gw.Registry().Snapshot().Has("agentA")
	})
}
