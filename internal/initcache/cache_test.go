package initcache

import (
	"bytes"
	"testing"

	"github.com/Gibartes/TinyCam/pkg/models"
)

func TestClusterSnapshotScenarioS6(t *testing.T) {
	c := New(models.ContainerCluster)
	input := []byte{
		0x00, 0x11, // leading junk
		0x1A, 0x45, 0xDF, 0xA3, // header signature
		0xAA, 0xBB, // track declarations
		0x1F, 0x43, 0xB6, 0x75, // first cluster signature
		0xCC, // start of cluster payload, not part of the snapshot
	}
	c.Feed(input)

	want := []byte{0x1A, 0x45, 0xDF, 0xA3, 0xAA, 0xBB}
	got := c.Snapshot()
	if !bytes.Equal(got, want) {
		t.Fatalf("snapshot = %X, want %X", got, want)
	}
	if !c.Ready() {
		t.Fatal("expected Ready() to be true once snapshot is published")
	}
}

func TestClusterSnapshotAcrossMultipleFeeds(t *testing.T) {
	c := New(models.ContainerCluster)
	c.Feed([]byte{0x1A, 0x45, 0xDF, 0xA3, 0xAA})
	if c.Ready() {
		t.Fatal("should not be ready before the cluster signature arrives")
	}
	c.Feed([]byte{0xBB, 0x1F, 0x43, 0xB6, 0x75, 0xCC})

	want := []byte{0x1A, 0x45, 0xDF, 0xA3, 0xAA, 0xBB}
	if got := c.Snapshot(); !bytes.Equal(got, want) {
		t.Fatalf("snapshot = %X, want %X", got, want)
	}
}

func TestClusterSnapshotIsFrozenAfterPublish(t *testing.T) {
	c := New(models.ContainerCluster)
	c.Feed([]byte{0x1A, 0x45, 0xDF, 0xA3, 0xAA, 0x1F, 0x43, 0xB6, 0x75, 0xCC})
	first := c.Snapshot()

	c.Feed([]byte{0x1A, 0x45, 0xDF, 0xA3, 0x1F, 0x43, 0xB6, 0x75})
	if got := c.Snapshot(); !bytes.Equal(got, first) {
		t.Fatal("snapshot must not change after it has been published")
	}
}

func box(fourcc string, body []byte) []byte {
	b := make([]byte, 8+len(body))
	size := uint32(8 + len(body))
	b[0] = byte(size >> 24)
	b[1] = byte(size >> 16)
	b[2] = byte(size >> 8)
	b[3] = byte(size)
	copy(b[4:8], fourcc)
	copy(b[8:], body)
	return b
}

func TestBoxSnapshotIsFtypThroughMoov(t *testing.T) {
	c := New(models.ContainerBox)

	ftyp := box("ftyp", []byte("isom\x00\x00\x02\x00isomiso2avc1mp41"))
	moov := box("moov", []byte("....inner moov bytes...."))
	moof := box("moof", []byte("....first fragment, not part of init...."))

	c.Feed(ftyp)
	if c.Ready() {
		t.Fatal("should not be ready with only ftyp seen")
	}
	c.Feed(moov)
	if !c.Ready() {
		t.Fatal("expected ready once moov is fully buffered")
	}
	c.Feed(moof)

	want := append(append([]byte{}, ftyp...), moov...)
	if got := c.Snapshot(); !bytes.Equal(got, want) {
		t.Fatalf("snapshot = %X, want %X", got, want)
	}
}

func TestBoxParserIgnoresMoovBeforeFtyp(t *testing.T) {
	c := New(models.ContainerBox)
	moov := box("moov", []byte("premature"))
	c.Feed(moov)
	if c.Ready() {
		t.Fatal("moov seen before ftyp must not publish a snapshot")
	}
}

func TestBoxParserWaitsForPartialBox(t *testing.T) {
	c := New(models.ContainerBox)
	ftyp := box("ftyp", []byte("isom"))
	moov := box("moov", []byte("0123456789"))

	c.Feed(ftyp)
	c.Feed(moov[:len(moov)-3]) // hold back the tail of moov
	if c.Ready() {
		t.Fatal("must not publish before the full moov box has arrived")
	}
	c.Feed(moov[len(moov)-3:])
	if !c.Ready() {
		t.Fatal("expected ready once the remainder of moov arrives")
	}
}

func TestResetClearsPublishedSnapshot(t *testing.T) {
	c := New(models.ContainerCluster)
	c.Feed([]byte{0x1A, 0x45, 0xDF, 0xA3, 0x1F, 0x43, 0xB6, 0x75})
	if !c.Ready() {
		t.Fatal("expected ready before reset")
	}
	c.Reset()
	if c.Ready() || c.Snapshot() != nil {
		t.Fatal("expected Reset to clear the published snapshot")
	}
	c.Feed([]byte{0x1A, 0x45, 0xDF, 0xA3, 0x1F, 0x43, 0xB6, 0x75})
	if !c.Ready() {
		t.Fatal("expected the parser to work again after Reset")
	}
}
