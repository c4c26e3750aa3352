//go:build !windows

package procguard

import (
	"log/slog"
	"os/exec"
	"syscall"
	"time"
)

// setPlatformAttrs starts the child in its own process group so a
// signal to -pid reaches anything the encoder forks, without touching the
// parent's own group.
func setPlatformAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminatePolite(p *Process, log *slog.Logger) {
	if p.cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGTERM); err != nil {
		log.Debug("procguard: SIGTERM to process group failed", "pid", p.cmd.Process.Pid, "err", err)
	}
}

func killForceful(p *Process, log *slog.Logger) {
	if p.cmd.Process == nil {
		return
	}
	// Give the polite signal a brief moment before escalating.
	terminatePolite(p, log)
	time.Sleep(200 * time.Millisecond)
	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); err != nil {
		log.Debug("procguard: SIGKILL to process group failed", "pid", p.cmd.Process.Pid, "err", err)
	}
}
