package archive

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Gibartes/TinyCam/internal/archive/storage"
	"github.com/Gibartes/TinyCam/internal/broadcast"
	"github.com/Gibartes/TinyCam/internal/initcache"
	"github.com/Gibartes/TinyCam/internal/metrics"
	"github.com/Gibartes/TinyCam/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSinkWritesSegmentAtTickBoundary(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewLocalStorage(dir)
	if err != nil {
		t.Fatal(err)
	}
	m := metrics.New(prometheus.NewRegistry())
	bus := broadcast.New(8, m)
	cache := initcache.New(models.ContainerCluster)

	sink := New(store, bus, cache, m, testLogger(), Options{SegmentDuration: 20 * time.Millisecond}, models.ContainerCluster)
	ctx, cancel := context.WithCancel(context.Background())
	sink.Start(ctx)
	defer cancel()

	bus.Broadcast([]byte("hello"))

	waitFor(t, time.Second, func() bool {
		names, _ := store.List(".")
		return len(names) >= 1
	})

	names, err := store.List(".")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, n := range names {
		if n == "segment_0.webm" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected segment_0.webm among %v", names)
	}
}

func TestSinkRetentionEvictsOldestSegment(t *testing.T) {
	dir := t.TempDir()
	store, _ := storage.NewLocalStorage(dir)
	m := metrics.New(prometheus.NewRegistry())
	bus := broadcast.New(8, m)
	cache := initcache.New(models.ContainerCluster)

	sink := New(store, bus, cache, m, testLogger(), Options{SegmentDuration: 10 * time.Millisecond, MaxSegments: 2}, models.ContainerCluster)
	ctx, cancel := context.WithCancel(context.Background())
	sink.Start(ctx)
	defer cancel()

	for i := 0; i < 5; i++ {
		bus.Broadcast([]byte("x"))
		time.Sleep(15 * time.Millisecond)
	}

	waitFor(t, time.Second, func() bool {
		names, _ := store.List(".")
		return len(names) <= 2
	})

	names, err := store.List(".")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) > 2 {
		t.Fatalf("expected at most 2 retained segments, got %v", names)
	}
}

func TestSinkWritesInitSegmentOnceClusterPublishes(t *testing.T) {
	dir := t.TempDir()
	store, _ := storage.NewLocalStorage(dir)
	m := metrics.New(prometheus.NewRegistry())
	bus := broadcast.New(8, m)
	cache := initcache.New(models.ContainerCluster)

	sink := New(store, bus, cache, m, testLogger(), Options{SegmentDuration: 15 * time.Millisecond}, models.ContainerCluster)
	ctx, cancel := context.WithCancel(context.Background())
	sink.Start(ctx)
	defer cancel()

	header := []byte{0x1A, 0x45, 0xDF, 0xA3}
	clusterSig := []byte{0x1F, 0x43, 0xB6, 0x75}
	cache.Feed(append(append(header, []byte("junk")...), clusterSig...))

	waitFor(t, time.Second, func() bool {
		ok, _ := store.Exists("init.webm")
		return ok
	})
}

func TestSinkDroppedIsZeroBeforeStart(t *testing.T) {
	dir := t.TempDir()
	store, _ := storage.NewLocalStorage(dir)
	m := metrics.New(prometheus.NewRegistry())
	bus := broadcast.New(2, m)
	cache := initcache.New(models.ContainerCluster)

	sink := New(store, bus, cache, m, testLogger(), Options{SegmentDuration: time.Hour, QueueCapacity: 2}, models.ContainerCluster)
	if sink.Dropped() != 0 {
		t.Fatalf("expected 0 drops before Start")
	}
}
