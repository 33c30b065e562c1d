// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/streamgate/internal/api"
	"github.com/ManuGH/streamgate/internal/archive"
	"github.com/ManuGH/streamgate/internal/config"
	xglog "github.com/ManuGH/streamgate/internal/log"
	"github.com/ManuGH/streamgate/internal/publish"
	"github.com/ManuGH/streamgate/internal/stream"
	"github.com/ManuGH/streamgate/internal/transcoder"
)

var (
	version   = "v0.1.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	xglog.Configure(xglog.Config{
		Level:   cfg.LogLevel,
		Service: "streamgate",
	})
	logger := xglog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error().Err(err).Msg("daemon exited with error")
		os.Exit(1)
	}
	logger.Info().Msg("daemon stopped")
}

func run(ctx context.Context, cfg config.AppConfig) error {
	logger := xglog.WithComponent("daemon")

	publisher, err := publish.New(cfg.LiveDir)
	if err != nil {
		return err
	}

	store, err := archive.NewStore(cfg.ArchiveDB)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("close archive store")
		}
	}()

	archiver, err := archive.New(cfg.ArchiveDir, publisher, store)
	if err != nil {
		return err
	}

	spawner := transcoder.New(cfg.FFmpegPath, cfg.SegmentSeconds, cfg.PlaylistWindow, cfg.DeleteSegments)

	mgr := stream.NewManager(spawner, publisher, archiver, stream.ManagerConfig{
		ReadyTimeout: cfg.ReadyTimeout,
		StopGrace:    cfg.StopGrace,
		RetainOnStop: cfg.RetainOnStop,
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.New(mgr, cfg).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", cfg.Listen).Msg("listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Stop live sessions first so every transcoder is reaped before
		// the process exits.
		mgr.Shutdown(shutdownCtx)

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("http shutdown")
		}
		return nil
	})

	return g.Wait()
}
