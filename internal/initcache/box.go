package initcache

import "encoding/binary"

// feedBoxLocked implements the box-container (ISO-BMFF-style) parser: a
// tiny, conservative top-level box walker that only cares about size and
// FourCC, never box-tree semantics (§4.3, §9). It tracks whether ftyp has
// been seen and publishes the snapshot as bytes[0:end] once a subsequent
// moov box is fully buffered. Must be called with c.mu held.
func (c *Cache) feedBoxLocked() {
	for {
		end, fourcc, ok := c.nextBoxEndLocked(c.boxOff)
		if !ok {
			return // not enough bytes yet for a full box, or malformed/done
		}

		switch fourcc {
		case "ftyp":
			c.sawFtyp = true
		case "moov":
			if c.sawFtyp {
				c.moovEnd = end
			}
		}

		c.boxOff = end

		if c.moovEnd > 0 {
			snap := make([]byte, c.moovEnd)
			copy(snap, c.buf[:c.moovEnd])
			c.snapshot = snap
			return
		}
	}
}

// nextBoxEndLocked parses the box header starting at off and reports the
// offset just past the end of the box plus its FourCC type, if the box is
// fully present in c.buf. ok is false when more bytes are needed, or when
// the header is malformed (size < 8 with no size==1 extension), in which
// case parsing of this stream should not be retried.
func (c *Cache) nextBoxEndLocked(off int) (end int, fourcc string, ok bool) {
	const headerLen = 8 // 4-byte size + 4-byte FourCC
	if off+headerLen > len(c.buf) {
		return 0, "", false
	}

	size := uint64(binary.BigEndian.Uint32(c.buf[off : off+4]))
	fourcc = string(c.buf[off+4 : off+8])
	bodyStart := off + headerLen

	switch {
	case size == 1:
		// 64-bit extended size follows immediately after the FourCC.
		if off+headerLen+8 > len(c.buf) {
			return 0, "", false
		}
		size = binary.BigEndian.Uint64(c.buf[bodyStart : bodyStart+8])
		bodyStart += 8
	case size == 0:
		// Size 0 means "extends to end of stream" in ISO-BMFF; InitCache
		// never sees end-of-stream on a live encoder, so treat as not-yet-
		// resolvable rather than malformed.
		return 0, "", false
	case size < 8:
		return 0, "", false
	}

	boxEnd := off + int(size)
	if boxEnd <= off || boxEnd > len(c.buf) {
		return 0, "", false
	}
	return boxEnd, fourcc, true
}
