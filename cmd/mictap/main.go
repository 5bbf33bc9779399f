package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/petems/mictap/internal/app"
	"github.com/petems/mictap/internal/audio"
	"github.com/petems/mictap/internal/audio/audiotest"
	"github.com/petems/mictap/internal/config"
	"github.com/petems/mictap/internal/hotkey"
	"github.com/petems/mictap/internal/logging"
	"github.com/petems/mictap/internal/meter"
	"github.com/petems/mictap/internal/tray"
	"golang.org/x/sync/errgroup"
)

const statsInterval = 30 * time.Second

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

func main() {
	simulate := flag.Bool("simulate", false, "capture a generated tone instead of a real microphone")
	headless := flag.Bool("headless", false, "run without the tray; capture starts immediately")
	flag.Parse()

	// Load config from XDG/Library/AppData
	cfg, err := config.Load()
	if err != nil {
		// Use default logger if config fails to load
		log := logging.New()
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	// Initialize logger with configured level
	log := logging.NewWithLevel(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize audio platform
	var platform audio.Platform
	if *simulate {
		sim := audiotest.NewPlatform(48000, audiotest.Input("Simulated Microphone"), audiotest.Input("Simulated Headset"))
		sim.GenerateTone(480, 440)
		platform = sim
		log.Info().Msg("Using simulated audio input")
	} else {
		if cfg.Backend != "" && cfg.Backend != audio.BackendName {
			log.Warn().Str("configured", cfg.Backend).Str("built", audio.BackendName).Msg("Configured backend not compiled in")
		}
		platform, err = audio.New(cfg.Audio, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize audio")
		}
	}
	defer platform.Close()

	catalog := audio.NewCatalog(platform)
	levels := meter.New(log, 0)

	// Create app; the tray is attached below when it runs
	application := app.New(app.Config{
		Catalog:  catalog,
		Acquirer: audio.NewAcquirer(platform, catalog, log),
		Watcher:  audio.NewWatcher(platform, catalog, nil, log),
		OnFrame:  levels.OnFrame,
		Config:   cfg,
		Logger:   log,
	})

	log.Info().Str("version", Version).Str("backend", audio.BackendName).Msg("MicTap starting...")

	shutdown := func() {
		log.Info().Msg("Shutting down...")
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := application.Shutdown(sctx); err != nil {
			log.Error().Err(err).Msg("Shutdown error")
		}
		log.Info().Uint64("frames", levels.Frames()).Uint64("dropped", application.FramesDropped()).Msg("Capture summary")
	}

	// Setup shutdown signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if *headless {
		if err := application.StartCapture(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start capture")
		}
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			select {
			case <-sigChan:
				cancel()
			case <-gctx.Done():
			}
			return nil
		})
		g.Go(func() error {
			ticker := time.NewTicker(statsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					log.Info().
						Stringer("state", application.State()).
						Uint64("frames", levels.Frames()).
						Uint64("dropped", application.FramesDropped()).
						Msg("Capture stats")
				}
			}
		})
		if err := g.Wait(); err != nil {
			log.Error().Err(err).Msg("Headless run failed")
		}
		shutdown()
		return
	}

	trayUI := tray.New(application, cfg, Version, Commit, log)
	application.SetStatusUpdater(trayUI)

	if accel := cfg.PlatformHotkey(); accel != "" {
		hkManager, err := hotkey.New()
		if err != nil {
			log.Warn().Err(err).Msg("Global hotkey unavailable")
		} else {
			defer hkManager.Close()
			if err := hkManager.Register(accel, application.OnHotkey); err != nil {
				log.Error().Err(err).Str("hotkey", accel).Msg("Failed to register hotkey")
			} else {
				log.Info().Str("hotkey", accel).Msg("Registered capture hotkey")
			}
		}
	}

	if cfg.AutoStart {
		go func() {
			if err := application.StartCapture(ctx); err != nil {
				log.Error().Err(err).Msg("Failed to start capture on launch")
			}
		}()
	}

	go func() {
		<-sigChan
		shutdown()
		os.Exit(0)
	}()

	// Start tray UI - MUST run on main thread
	if err := trayUI.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Tray error")
	}
}
