//go:build windows

package procguard

import (
	"log/slog"
	"os/exec"
	"syscall"
)

// setPlatformAttrs starts the child with CREATE_NEW_PROCESS_GROUP. No job
// object is created, so the child is not terminated when the parent exits,
// and killForceful ends only the direct child, not processes it spawned.
func setPlatformAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// terminatePolite on Windows has no signal-to-group equivalent worth
// depending on without CGo, so it simply waits out the graceful deadline.
// The in-band quit byte (sent by the caller before this) is the polite path.
func terminatePolite(p *Process, log *slog.Logger) {}

func killForceful(p *Process, log *slog.Logger) {
	if p.cmd.Process == nil {
		return
	}
	if err := p.cmd.Process.Kill(); err != nil {
		log.Debug("procguard: process kill failed", "pid", p.cmd.Process.Pid, "err", err)
	}
}
