package control

import (
	"context"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/Gibartes/TinyCam/pkg/models"
)

// collectDeviceInfo gathers host stats via gopsutil for POST /device,
// narrowed to what an operator needs to judge whether this host can run
// the encoder.
func (s *Server) collectDeviceInfo(ctx context.Context) models.DeviceInfo {
	info := models.DeviceInfo{
		OS:      runtime.GOOS,
		Arch:    runtime.GOARCH,
		Devices: s.devices,
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}
	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		info.UptimeSeconds = uptime
	}
	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		info.CPUCores = cores
	}
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		info.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemoryTotal = vm.Total
		info.MemoryUsed = vm.Used
		info.MemoryPercent = vm.UsedPercent
	}

	if pid, ok := s.supervisor.CurrentPID(); ok {
		info.EncoderRunning = true
		info.EncoderPID = pid
	}

	return info
}
