// ABOUTME: AgentCallback implementation the gateway calls back into
// ABOUTME: Serves on-demand system reports and starts remote shells

package agentd

import (
	"log/slog"

	"github.com/2389/conure/internal/protocol"
	"github.com/2389/conure/internal/rpc"
	"github.com/2389/conure/internal/sysinfo"
)

// callback is exported to the gateway at registration. Its methods run on
// the session's executor.
type callback struct {
	agent  *Agent
	logger *slog.Logger
}

func (c *callback) RequestSystemInfo(rpc.Scope) (*sysinfo.SystemInfo, error) {
	info, err := c.agent.collect()
	if err != nil {
		c.logger.Warn("failed to collect system info", "error", err)
		return nil, rpc.Failed("collecting system info: %v", err)
	}
	return info, nil
}

func (c *callback) StartShell(s rpc.Scope, params protocol.StartShellParams, output protocol.ShellOutput) (*rpc.Local, error) {
	if c.agent.cfg.DisableShell {
		return nil, rpc.Failed("remote shell is disabled on this agent")
	}

	argv := []string{c.agent.cfg.Shell}
	if params.Command != "" {
		argv = append(argv, "-c", params.Command)
	}

	sh, err := startShell(s.Session(), argv, params.Cols, params.Rows, output, c.logger)
	if err != nil {
		c.logger.Warn("failed to start shell", "error", err)
		return nil, rpc.Failed("starting shell: %v", err)
	}
	c.logger.Info("shell started", "command", params.Command, "cols", params.Cols, "rows", params.Rows)

	// Dropping the shell reference ends the process.
	return protocol.NewShellCapability(sh).OnRelease(sh.terminate), nil
}
