package encoder

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Gibartes/TinyCam/internal/broadcast"
	"github.com/Gibartes/TinyCam/internal/initcache"
	"github.com/Gibartes/TinyCam/internal/metrics"
	"github.com/Gibartes/TinyCam/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildArgvIncludesGeometryAndExtras(t *testing.T) {
	cfg := &models.EncoderConfig{
		Binary:    "encoderbin",
		Device:    "/dev/video0",
		Codec:     "vp9",
		Container: models.ContainerCluster,
		Width:     640,
		Height:    480,
		FPS:       30,
		ExtraArgs: []string{"--extra", "flag"},
	}
	argv := BuildArgv(cfg)

	if argv[0] != cfg.Binary {
		t.Fatalf("argv[0] = %q, want binary", argv[0])
	}
	found := false
	for i, a := range argv {
		if a == "--extra" && i+1 < len(argv) && argv[i+1] == "flag" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected ExtraArgs to be appended verbatim after the built-in flags")
	}
}

// stubEncoder writes a script that ignores whatever argv the supervisor
// builds for it and just sleeps, standing in for a real encoder binary
// whose geometry flags are out of scope for this test (§6.1: arg-building
// is encoder-binary-specific, the supervisor only assumes the stdout
// contract holds).
func stubEncoder(t *testing.T) *models.EncoderConfig {
	t.Helper()
	dir := t.TempDir()

	if runtime.GOOS == "windows" {
		path := filepath.Join(dir, "stub.cmd")
		script := "@echo off\r\ntimeout /T 30 >nul\r\n"
		if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
			t.Fatal(err)
		}
		return &models.EncoderConfig{
			Binary: path, Device: "/dev/video0", Codec: "vp9",
			Container: models.ContainerCluster, Width: 640, Height: 480, FPS: 30,
		}
	}

	path := filepath.Join(dir, "stub.sh")
	script := "#!/bin/sh\nsleep 30\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return &models.EncoderConfig{
		Binary: path, Device: "/dev/video0", Codec: "vp9",
		Container: models.ContainerCluster, Width: 640, Height: 480, FPS: 30,
	}
}

func TestSupervisorStartStopIsIdempotent(t *testing.T) {
	cfg := stubEncoder(t)
	cache := initcache.New(models.ContainerCluster)
	m := metrics.New(prometheus.NewRegistry())
	bus := broadcast.New(8, m)
	sup := New(cfg, cache, bus, m, testLogger())

	sup.Start()
	sup.Start() // idempotent
	time.Sleep(150 * time.Millisecond)

	if _, ok := sup.CurrentPID(); !ok {
		t.Fatal("expected a pid to be reported shortly after Start")
	}

	sup.Stop()
	sup.Stop() // idempotent

	if _, ok := sup.CurrentPID(); ok {
		t.Fatal("expected no pid to be reported after Stop")
	}
}

func TestSupervisorRestartSpawnsFreshProcess(t *testing.T) {
	cfg := stubEncoder(t)
	cache := initcache.New(models.ContainerCluster)
	m := metrics.New(prometheus.NewRegistry())
	bus := broadcast.New(8, m)
	sup := New(cfg, cache, bus, m, testLogger())

	sup.Start()
	time.Sleep(150 * time.Millisecond)
	pid1, ok := sup.CurrentPID()
	if !ok {
		t.Fatal("expected a pid after Start")
	}

	sup.Restart()
	time.Sleep(150 * time.Millisecond)
	pid2, ok := sup.CurrentPID()
	if !ok {
		t.Fatal("expected a pid after Restart")
	}
	if pid1 == pid2 {
		t.Fatal("expected Restart to spawn a fresh process with a different pid")
	}

	sup.Stop()
}

func TestSupervisorRestartInvokesOnRestartCallback(t *testing.T) {
	cfg := stubEncoder(t)
	cache := initcache.New(models.ContainerCluster)
	m := metrics.New(prometheus.NewRegistry())
	bus := broadcast.New(8, m)
	sup := New(cfg, cache, bus, m, testLogger())

	called := make(chan struct{}, 1)
	sup.SetOnRestart(func() { called <- struct{}{} })

	sup.Start()
	time.Sleep(150 * time.Millisecond)
	sup.Restart()

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("expected onRestart callback to run during Restart")
	}

	sup.Stop()
}
