package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"fallwatch/internal/config"
	"fallwatch/internal/logging"
	"fallwatch/internal/web"
)

func main() {
	var configPath string
	var showVersion bool
	flag.StringVar(&configPath, "config", "./fallwatch.yaml", "Path to YAML config")
	flag.BoolVar(&showVersion, "version", false, "Print build info and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(web.BuildInfo().String())
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	logs := web.NewLogBuffer(500)
	closer, err := logging.Setup(logging.Config{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}, logs)
	if err != nil {
		log.Fatalf("log setup failed: %v", err)
	}
	defer closer.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Printf("fallwatch starting (%s)", web.BuildInfo().String())
	if err := run(ctx, cfg, logs); err != nil {
		log.Printf("fallwatch stopped: %v", err)
		cancel()
		closer.Close()
		os.Exit(1)
	}
	log.Printf("fallwatch stopping")
}

// run blocks until ctx is done, the web server fails, or a finite replay ends
// with the web server disabled.
func run(ctx context.Context, cfg config.Config, logs *web.LogBuffer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	// Sources must see the cancellation before Close waits on them.
	defer func() {
		cancel()
		rt.Close()
	}()

	status := web.NewStatus()
	rt.registerStatus(status)
	log.Printf("ingest mode=%s", rt.mode())

	telemetry := web.NewTelemetryBroadcaster()
	defer telemetry.Close()
	go rt.svc.Run(ctx, cfg.Web.StreamInterval, telemetry)

	webErr := make(chan error, 1)
	if cfg.Web.Enable {
		log.Printf("web listening on %s", cfg.Web.Listen)
		go func() {
			webErr <- web.Serve(ctx, cfg.Web.Listen, web.Handler(status, logs, telemetry, rt.svc))
		}()
	}

	replayDone := rt.replayDone()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-webErr:
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("web server: %w", err)
			}
			return nil
		case <-replayDone:
			replayDone = nil
			st := rt.replaySr.Stats()
			log.Printf("replay: finished played=%d confirmed=%d", st.Played, len(rt.svc.Events()))
			if !cfg.Web.Enable {
				return nil
			}
		}
	}
}
