package encoder

import (
	"strconv"

	"github.com/Gibartes/TinyCam/pkg/models"
)

// BuildArgv assembles the encoder's argument vector from cfg (§6.1). The
// exact flag names are encoder-binary-specific; the supervisor's only
// contract with the child is the one described in §6.1 — a single live
// byte stream on stdout in one of the two container shapes InitCache
// recognizes, plus a polite single-byte quit on stdin.
func BuildArgv(cfg *models.EncoderConfig) []string {
	argv := []string{
		cfg.Binary,
		"--device", cfg.Device,
		"--codec", cfg.Codec,
		"--width", strconv.Itoa(cfg.Width),
		"--height", strconv.Itoa(cfg.Height),
		"--fps", strconv.Itoa(cfg.FPS),
	}
	argv = append(argv, cfg.ExtraArgs...)
	return argv
}
