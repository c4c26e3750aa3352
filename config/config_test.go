package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Gibartes/TinyCam/pkg/models"
)

func baseConfig() models.EncoderConfig {
	return models.EncoderConfig{
		Binary: "ffmpeg", Device: "/dev/video0", Codec: "vp9",
		Container: models.ContainerCluster, Width: 1280, Height: 720, FPS: 30,
	}
}

func TestReloaderNoFileReportsNoChange(t *testing.T) {
	r := NewReloader("", baseConfig())

	cfg, changed, err := r.Reload()
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Fatal("expected no change with no override file configured")
	}
	if !encoderConfigEqual(*cfg, baseConfig()) {
		t.Fatalf("got %+v, want base config unchanged", cfg)
	}
}

func TestReloaderDetectsOverrideChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "override.json")
	r := NewReloader(path, baseConfig())

	cfg, changed, err := r.Reload()
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Fatal("expected no change before the override file exists")
	}
	if !encoderConfigEqual(*cfg, baseConfig()) {
		t.Fatalf("got %+v, want base config", cfg)
	}

	if err := os.WriteFile(path, []byte(`{"fps": 15, "width": 640, "height": 480}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg2, changed2, err := r.Reload()
	if err != nil {
		t.Fatal(err)
	}
	if !changed2 {
		t.Fatal("expected change after override file written")
	}
	if cfg2.FPS != 15 || cfg2.Width != 640 || cfg2.Height != 480 {
		t.Fatalf("override not applied: %+v", cfg2)
	}
	if cfg2.Codec != "vp9" {
		t.Fatalf("unset override fields should keep base values, got codec %q", cfg2.Codec)
	}

	cfg3, changed3, err := r.Reload()
	if err != nil {
		t.Fatal(err)
	}
	if changed3 {
		t.Fatal("expected no further change on re-read of the same file")
	}
	if !encoderConfigEqual(*cfg3, *cfg2) {
		t.Fatalf("got %+v, want %+v", cfg3, cfg2)
	}
}

func TestReloaderRejectsInvalidOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "override.json")
	if err := os.WriteFile(path, []byte(`{"width": 0}`), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewReloader(path, baseConfig())
	if _, _, err := r.Reload(); err == nil {
		t.Fatal("expected validation error for zero width")
	}
}

func TestGetListEnv(t *testing.T) {
	t.Setenv("TINYCAM_TEST_LIST", "a,b,,c")
	got := getListEnv("TINYCAM_TEST_LIST")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
