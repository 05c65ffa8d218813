// Command dongled runs the dongle protocol engine standalone: it loads
// engine configuration, supervises the dongle connection, logs every
// decoded sensor event, and optionally serves the diagnostics API. It does not speak MQTT or generate Home-Assistant
// discovery payloads — that glue is out of scope for this repo and
// lives in the collaborator that imports internal/engine.
//
// Grounded on the teacher's main.go: flag-parsed config path, logrus
// formatting, signal-based graceful shutdown via a cancelled context.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"sensorbridge/internal/config"
	"sensorbridge/internal/diag"
	"sensorbridge/internal/engine"
	"sensorbridge/internal/event"
)

// Version identifies this build; bumped by hand per release.
var Version = "0.1.0"

func main() {
	configPath := flag.String("config", "dongled.yaml", "path to engine config file")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	log.Infof("Starting dongled v%s", Version)
	log.Infof("  device: %s", cfg.Dongle.DevicePath)
	log.Infof("  registry: %s", cfg.Registry.Path)
	log.Infof("  trace log: %s", cfg.TraceLog.Path)
	if cfg.Diag.Port != 0 {
		log.Infof("  diagnostics port: %d", cfg.Diag.Port)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down...")
		cancel()
	}()

	eng, err := engine.New(cfg, log.NewEntry(log.StandardLogger()))
	if err != nil {
		log.Fatalf("failed to construct engine: %v", err)
	}

	var diagServer *diag.Server
	if cfg.Diag.Port != 0 {
		diagServer = diag.New(Version, eng, func() diag.DongleInfo {
			s := eng.Session()
			if s == nil {
				return diag.DongleInfo{Connected: false}
			}
			info := diag.DongleInfo{MAC: s.MAC, Version: s.Version, Connected: true}
			if err := s.CheckError(); err != nil {
				info.LastError = err.Error()
			}
			return info
		})
	}

	eng.OnEvent(func(evt event.SensorEvent) {
		log.WithFields(log.Fields{
			"mac":     evt.MAC,
			"kind":    evt.Kind,
			"state":   evt.State,
			"battery": evt.Battery,
			"signal":  evt.SignalDBm,
		}).Info("sensor event")
		if diagServer != nil {
			diagServer.PublishEvent(evt)
		}
	})

	if err := run(ctx, cfg, eng, diagServer); err != nil {
		log.Fatalf("dongled: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, eng *engine.Engine, diagServer *diag.Server) error {
	errCh := make(chan error, 2)
	go func() { errCh <- eng.Run(ctx) }()

	if diagServer != nil {
		// Bound to loopback by default: the diagnostics API has no
		// auth and is meant for local operator use only.
		bindAddr := cfg.Diag.BindAddr
		if bindAddr == "" {
			bindAddr = "127.0.0.1"
		}
		addr := fmt.Sprintf("%s:%d", bindAddr, cfg.Diag.Port)
		go func() { errCh <- diagServer.Run(ctx, addr) }()
	}

	go traceLogCleanupLoop(ctx, eng)

	select {
	case <-ctx.Done():
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// traceLogCleanupLoop runs the trace log's retention-day cleanup once a
// day, mirroring the teacher's own log cleanup routine in main.go.
func traceLogCleanupLoop(ctx context.Context, eng *engine.Engine) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			eng.TraceLog().Cleanup()
		}
	}
}
