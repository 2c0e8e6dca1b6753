// ABOUTME: PTY-backed shell exported to the gateway as a Shell capability
// ABOUTME: Output is pumped to the ShellOutput capability in read order

package agentd

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"

	"github.com/2389/conure/internal/protocol"
	"github.com/2389/conure/internal/rpc"
)

const shellReadBuffer = 4096

// ptyShell is one terminal process. Shell methods run on the session
// executor; the output pump runs on its own goroutine and posts calls.
type ptyShell struct {
	cmd    *exec.Cmd
	ptmx   *os.File
	sess   *rpc.Session
	output protocol.ShellOutput
	logger *slog.Logger

	once sync.Once
}

func startShell(sess *rpc.Session, argv []string, cols, rows uint16, output protocol.ShellOutput, logger *slog.Logger) (*ptyShell, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	size := &pty.Winsize{Cols: cols, Rows: rows}
	if size.Cols == 0 {
		size.Cols = 80
	}
	if size.Rows == 0 {
		size.Rows = 24
	}

	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, err
	}

	sh := &ptyShell{
		cmd:    cmd,
		ptmx:   ptmx,
		sess:   sess,
		output: output,
		logger: logger,
	}
	go sh.pump()
	return sh, nil
}

// pump forwards terminal output until the process exits, then reports the
// exit code and drops the output capability.
func (sh *ptyShell) pump() {
	buf := make([]byte, shellReadBuffer)
	for {
		n, err := sh.ptmx.Read(buf)
		if n > 0 {
			chunk := bytes.Clone(buf[:n])
			if sh.sess.Post(func(s rpc.Scope) { sh.output.Write(s, chunk) }) != nil {
				sh.terminate()
				break
			}
		}
		if err != nil {
			break
		}
	}

	code := exitCode(sh.cmd.Wait())
	_ = sh.ptmx.Close()
	sh.logger.Info("shell exited", "code", code)

	_ = sh.sess.Post(func(s rpc.Scope) {
		sh.output.Exit(s, code)
		sh.output.Release(s)
	})
}

// terminate kills the process. Safe to call more than once.
func (sh *ptyShell) terminate() {
	sh.once.Do(func() {
		if sh.cmd.Process != nil {
			_ = sh.cmd.Process.Kill()
		}
		_ = sh.ptmx.Close()
	})
}

func (sh *ptyShell) Write(_ rpc.Scope, data []byte) error {
	if _, err := sh.ptmx.Write(data); err != nil {
		return rpc.Failed("writing to shell: %v", err)
	}
	return nil
}

func (sh *ptyShell) Resize(_ rpc.Scope, cols, rows uint16) error {
	if err := pty.Setsize(sh.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return rpc.Failed("resizing shell: %v", err)
	}
	return nil
}

func (sh *ptyShell) Close(rpc.Scope) error {
	sh.terminate()
	return nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
