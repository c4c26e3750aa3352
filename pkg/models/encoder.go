package models

// ContainerKind identifies which init-segment parser InitCache should run
// against an encoder's stdout.
type ContainerKind string

const (
	ContainerCluster ContainerKind = "cluster" // EBML-style (webm/mkv)
	ContainerBox     ContainerKind = "box"     // ISO-BMFF-style (fragmented mp4)
)

// EncoderConfig is an immutable snapshot of how the encoder subprocess should
// be invoked. A new EncoderConfig is built on every EncoderSupervisor restart
// and replaces the previous one wholesale; nothing mutates it in place.
type EncoderConfig struct {
	Binary    string        // path to the encoder executable
	Device    string        // input device identifier (e.g. "/dev/video0")
	Codec     string        // lowercase codec tag, e.g. "vp9", "h264"
	Container ContainerKind // which InitCache parser applies to this encoder's output
	Width     int
	Height    int
	FPS       int
	ExtraArgs []string // additional tuning flags appended verbatim
}

// Validate checks the minimal invariants EncoderSupervisor relies on.
func (c *EncoderConfig) Validate() error {
	if c.Binary == "" {
		return errEmptyBinary
	}
	if c.Container != ContainerCluster && c.Container != ContainerBox {
		return errUnknownContainer
	}
	if c.Width <= 0 || c.Height <= 0 || c.FPS <= 0 {
		return errBadGeometry
	}
	return nil
}
