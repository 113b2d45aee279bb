package runner

import (
	"context"
	"os/exec"
	"syscall"
	"time"
)

// escalationDelay is how long Cancel waits after TERM before escalating to
// KILL on the whole process group.
const escalationDelay = 300 * time.Millisecond

// procGroupHandle is the CancelHandle published once a child process group
// exists. It 's "kill the entire process group (TERM
// then KILL after 300 ms)".
type procGroupHandle struct {
	cmd *exec.Cmd
}

func (h *procGroupHandle) Cancel() {
	if h.cmd == nil || h.cmd.Process == nil {
		return
	}
	pgid := h.cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	go func() {
		time.Sleep(escalationDelay)
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}()
}

// setDetachedProcessGroup configures cmd to run in its own process group on
// POSIX, so a cancel or timeout kill reaches every descendant.
func setDetachedProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// runTimeout wraps ctx with a deadline derived from req.Timeout, defaulting
// to no deadline when the request specifies zero.
func runTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, d)
}
