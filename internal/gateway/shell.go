// ABOUTME: WebSocket bridge between an operator terminal and an agent shell
// ABOUTME: Binary frames carry keystrokes and output; text frames carry control messages

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/conure/internal/agent"
	"github.com/2389/conure/internal/protocol"
	"github.com/2389/conure/internal/rpc"
)

const (
	defaultShellCols = 80
	defaultShellRows = 24

	shellOutputBuffer = 64

	// shellWriteTimeout bounds one websocket write to the operator.
	shellWriteTimeout = 10 * time.Second
)

// ShellControl is a text-frame control message from the operator.
type ShellControl struct {
	Type string `json:"type"` // "resize"
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// handleShell handles GET /api/agents/{id}/shell?cols=C&rows=R&command=X.
// The connection is upgraded to a websocket bridged to a new shell on the
// agent.
func (g *Gateway) handleShell(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	client, err := g.registry.Get(id)
	if err != nil {
		g.sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}
	if !client.Connected() {
		g.sendJSONError(w, http.StatusServiceUnavailable, "agent disconnected")
		return
	}

	q := r.URL.Query()
	params := protocol.StartShellParams{
		Command: q.Get("command"),
		Cols:    parseDimension(q.Get("cols"), defaultShellCols),
		Rows:    parseDimension(q.Get("rows"), defaultShellRows),
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket accept failed", "agent_id", id, "error", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	bridge := &shellBridge{
		client: client,
		conn:   conn,
		output: make(chan []byte, shellOutputBuffer),
		exited: make(chan int, 1),
		logger: g.logger.With("agent_id", id),
		ctx:    ctx,
		cancel: cancel,
	}
	bridge.run(params)
}

func parseDimension(raw string, def uint16) uint16 {
	n, err := strconv.ParseUint(raw, 10, 16)
	if err != nil || n == 0 {
		return def
	}
	return uint16(n)
}

// shellBridge pumps bytes between one websocket and one agent shell.
// ShellOutput calls arrive on the agent session's executor and must never
// block it: they enqueue without waiting, and an operator too slow to keep
// up ends the bridge. A separate goroutine writes to the websocket.
type shellBridge struct {
	client  *agent.ActiveClient
	conn    *websocket.Conn
	output  chan []byte
	exited  chan int
	overrun atomic.Bool
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

func (b *shellBridge) run(params protocol.StartShellParams) {
	// The output capability is released when the agent drops it or the
	// agent session dies; either way the bridge is over.
	outCap := protocol.NewShellOutputCapability(b).OnRelease(b.cancel)

	shell, err := b.client.StartShell(b.ctx, params, outCap)
	if err != nil {
		b.logger.Warn("failed to start shell", "error", err)
		_ = b.conn.Close(websocket.StatusInternalError, truncateReason(err.Error()))
		return
	}
	b.logger.Info("shell started", "cols", params.Cols, "rows", params.Rows)

	go b.readInput(shell)

	status, reason := b.writeOutput()
	b.closeShell(shell)
	_ = b.conn.Close(status, reason)
	b.logger.Info("shell ended", "reason", reason)
}

// writeOutput forwards shell output to the websocket until the shell
// exits or the bridge is cancelled.
func (b *shellBridge) writeOutput() (websocket.StatusCode, string) {
	for {
		select {
		case data := <-b.output:
			if err := b.write(data); err != nil {
				if b.overrun.Load() {
					return websocket.StatusPolicyViolation, "output overrun"
				}
				return websocket.StatusGoingAway, "write failed"
			}
		case code := <-b.exited:
			b.flushOutput()
			return websocket.StatusNormalClosure, fmt.Sprintf("exit %d", code)
		case <-b.ctx.Done():
			select {
			case code := <-b.exited:
				return websocket.StatusNormalClosure, fmt.Sprintf("exit %d", code)
			default:
			}
			if b.overrun.Load() {
				return websocket.StatusPolicyViolation, "output overrun"
			}
			if !b.client.Connected() {
				return websocket.StatusGoingAway, "agent disconnected"
			}
			return websocket.StatusNormalClosure, "closed"
		}
	}
}

// flushOutput writes anything queued before the exit notification.
func (b *shellBridge) flushOutput() {
	for {
		select {
		case data := <-b.output:
			if b.write(data) != nil {
				return
			}
		default:
			return
		}
	}
}

func (b *shellBridge) write(data []byte) error {
	ctx, cancel := context.WithTimeout(b.ctx, shellWriteTimeout)
	defer cancel()
	return b.conn.Write(ctx, websocket.MessageBinary, data)
}

// readInput forwards operator input to the shell until the websocket
// closes.
func (b *shellBridge) readInput(shell protocol.Shell) {
	defer b.cancel()
	for {
		typ, data, err := b.conn.Read(b.ctx)
		if err != nil {
			return
		}

		err = b.client.Invoke(b.ctx, func(s rpc.Scope, _ protocol.AgentCallback) error {
			if typ == websocket.MessageText {
				var ctl ShellControl
				if json.Unmarshal(data, &ctl) == nil && ctl.Type == "resize" {
					shell.Resize(s, ctl.Cols, ctl.Rows)
					return nil
				}
			}
			shell.Write(s, data)
			return nil
		})
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				b.logger.Debug("shell input stopped", "error", err)
			}
			return
		}
	}
}

// closeShell asks the agent to end the shell and drops the reference.
func (b *shellBridge) closeShell(shell protocol.Shell) {
	ctx, cancel := context.WithTimeout(context.Background(), sysinfoTimeout)
	defer cancel()
	_ = b.client.Invoke(ctx, func(s rpc.Scope, _ protocol.AgentCallback) error {
		shell.Close(s)
		shell.Release(s)
		return nil
	})
}

// Write implements protocol.ShellOutputServer. It runs on the agent
// session's executor, so a full output queue ends the bridge instead of
// waiting for the operator.
func (b *shellBridge) Write(_ rpc.Scope, data []byte) error {
	if b.ctx.Err() != nil {
		return rpc.Failed("terminal closed")
	}
	select {
	case b.output <- data:
		return nil
	default:
		if b.overrun.CompareAndSwap(false, true) {
			b.logger.Warn("operator not reading shell output, closing terminal", "queued", len(b.output))
		}
		b.cancel()
		return rpc.Failed("terminal output overrun")
	}
}

// Exit implements protocol.ShellOutputServer.
func (b *shellBridge) Exit(_ rpc.Scope, code int) error {
	select {
	case b.exited <- code:
	default:
	}
	return nil
}

// truncateReason keeps a close reason within the websocket limit.
func truncateReason(s string) string {
	const maxReason = 120
	if len(s) > maxReason {
		return s[:maxReason]
	}
	return s
}
