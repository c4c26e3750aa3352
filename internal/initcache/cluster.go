package initcache

import "bytes"

// EBML document-header and first-cluster signatures (§4.3).
var (
	ebmlHeaderSig  = []byte{0x1A, 0x45, 0xDF, 0xA3}
	ebmlClusterSig = []byte{0x1F, 0x43, 0xB6, 0x75}
)

// feedClusterLocked implements the cluster-container (EBML-style) parser.
// The snapshot is bytes[headerOff:clusterOff] — header plus track
// declarations, no media payload — once both signatures have been seen and
// clusterOff > headerOff. Must be called with c.mu held.
func (c *Cache) feedClusterLocked() {
	if c.headerOff < 0 {
		if off := bytes.Index(c.buf, ebmlHeaderSig); off >= 0 {
			c.headerOff = off
		}
	}
	if c.headerOff < 0 {
		return
	}

	if c.clusterOff < 0 {
		// Search starts after the header signature so the header signature
		// itself can never be mistaken for the cluster signature.
		searchFrom := c.headerOff + len(ebmlHeaderSig)
		if searchFrom > len(c.buf) {
			return
		}
		if off := bytes.Index(c.buf[searchFrom:], ebmlClusterSig); off >= 0 {
			c.clusterOff = searchFrom + off
		}
	}
	if c.clusterOff < 0 {
		return
	}

	if c.clusterOff > c.headerOff {
		snap := make([]byte, c.clusterOff-c.headerOff)
		copy(snap, c.buf[c.headerOff:c.clusterOff])
		c.snapshot = snap
	}
}
