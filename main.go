package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Gibartes/TinyCam/config"
	"github.com/Gibartes/TinyCam/internal/archive"
	"github.com/Gibartes/TinyCam/internal/archive/storage"
	"github.com/Gibartes/TinyCam/internal/broadcast"
	"github.com/Gibartes/TinyCam/internal/control"
	"github.com/Gibartes/TinyCam/internal/devicelock"
	"github.com/Gibartes/TinyCam/internal/encoder"
	"github.com/Gibartes/TinyCam/internal/initcache"
	"github.com/Gibartes/TinyCam/internal/keys"
	"github.com/Gibartes/TinyCam/internal/metrics"
	"github.com/Gibartes/TinyCam/internal/stream"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	log.Info("starting tinycam", "device", cfg.Encoder.Device, "codec", cfg.Encoder.Codec)

	lock := devicelock.New(cfg.LockDir, cfg.Encoder.Device)
	acquired, err := lock.TryAcquire()
	if err != nil {
		log.Error("device lock failed", "err", err)
		os.Exit(1)
	}
	if !acquired {
		log.Error("device already in use by another tinycam instance", "device", cfg.Encoder.Device)
		os.Exit(1)
	}
	defer lock.Release()

	material, err := keys.LoadOrGenerate(cfg.KeyFile)
	if err != nil {
		log.Error("key material init failed", "err", err)
		os.Exit(1)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	cache := initcache.New(cfg.Encoder.Container)
	bus := broadcast.New(cfg.BroadcastQueueCap, m)
	sup := encoder.New(&cfg.Encoder, cache, bus, m, log)

	var archiveStore storage.Storage
	if cfg.ArchiveEnabled {
		switch cfg.ArchiveStorageType {
		case "gcs":
			if cfg.ArchiveGCSBucket == "" {
				log.Error("TINYCAM_ARCHIVE_GCS_BUCKET must be set when TINYCAM_ARCHIVE_STORAGE=gcs")
				os.Exit(1)
			}
			gcsStore, err := storage.NewGCSStorage(context.Background(), cfg.ArchiveGCSBucket, cfg.ArchiveGCSBaseDir)
			if err != nil {
				log.Error("gcs archive storage init failed", "err", err)
				os.Exit(1)
			}
			archiveStore = gcsStore
			log.Info("archive storage: gcs", "bucket", cfg.ArchiveGCSBucket, "baseDir", cfg.ArchiveGCSBaseDir)
		default:
			localStore, err := storage.NewLocalStorage(cfg.ArchiveLocalDir)
			if err != nil {
				log.Error("local archive storage init failed", "err", err)
				os.Exit(1)
			}
			archiveStore = localStore
			log.Info("archive storage: local", "dir", cfg.ArchiveLocalDir)
		}
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sink *archive.Sink
	if archiveStore != nil {
		sink = archive.New(archiveStore, bus, cache, m, log, archive.Options{
			SegmentDuration: cfg.ArchiveSegmentDuration,
			MaxSegments:     cfg.ArchiveMaxSegments,
			QueueCapacity:   cfg.BroadcastQueueCap,
		}, cfg.Encoder.Container)
		sink.Start(rootCtx)
	}

	sup.Start()

	streamHandler := stream.NewHandler(rootCtx, material, bus, cache, sup, m, stream.Options{
		StartTimeout:      cfg.StartTimeout,
		InactivityTimeout: cfg.InactivityTimeout,
		QueueCapacity:     cfg.SessionQueueCap,
	}, log)
	sup.SetOnRestart(streamHandler.CloseSessionsForEncoderRestart)

	reloader := config.NewReloader(cfg.ConfigFile, cfg.Encoder)
	controlSrv := control.New(material, sup, reloader, archiveStore, cfg.Devices, m, log)

	streamMux := http.NewServeMux()
	streamMux.Handle("/stream", streamHandler)
	streamMux.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))

	streamListener := &http.Server{Addr: cfg.StreamAddr, Handler: streamMux}
	controlListener := &http.Server{Addr: cfg.ControlAddr, Handler: controlSrv.Handler()}

	errCh := make(chan error, 2)
	go func() {
		log.Info("stream server listening", "addr", cfg.StreamAddr)
		if err := streamListener.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		log.Info("control server listening", "addr", cfg.ControlAddr)
		if err := controlListener.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Error("server failed", "err", err)
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	}

	streamHandler.Shutdown()
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = streamListener.Shutdown(shutdownCtx)
	_ = controlListener.Shutdown(shutdownCtx)
	sup.Stop()
	if sink != nil {
		sink.Stop()
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      lvl,
		TimeFormat: time.Kitchen,
	})
	return slog.New(handler)
}
