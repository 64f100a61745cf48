package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nugget/espresense-tracker/internal/api"
	"github.com/nugget/espresense-tracker/internal/buildinfo"
	"github.com/nugget/espresense-tracker/internal/config"
	"github.com/nugget/espresense-tracker/internal/discovery"
	"github.com/nugget/espresense-tracker/internal/espresense"
	"github.com/nugget/espresense-tracker/internal/events"
	"github.com/nugget/espresense-tracker/internal/mqtt"
	"github.com/nugget/espresense-tracker/internal/names"
	"github.com/nugget/espresense-tracker/internal/presence"
)

// shutdownTimeout bounds each step of the shutdown sequence.
const shutdownTimeout = 5 * time.Second

// runServe handles the "espresense serve" subcommand. It loads config,
// resolves the broker, restores names, starts the engine and its
// consumers, serves the API and blocks until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The API server drains and open event streams are closed
//  3. The broker connection is closed and liveness timers are dropped
//  4. Consumers, the name store and the engine loop are closed via defers
func runServe(ctx context.Context, stdout io.Writer, opts options) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting espresense", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"namespace", cfg.MQTT.Namespace,
		"rooms", len(cfg.Rooms),
		"static_devices", len(cfg.Devices),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	if err := resolveBroker(ctx, cfg, logger); err != nil {
		return err
	}

	instance, err := mqtt.InstanceID(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("load mqtt instance id: %w", err)
	}
	logger.Info("mqtt instance loaded", "instance_id", instance, "client_id", mqtt.ClientID(cfg.MQTT.ClientID, instance))

	client := mqtt.New(instance, logger.With("component", "mqtt"))
	engine := espresense.NewEngine(client, espresense.Options{
		MQTT:     cfg.MQTT,
		Liveness: cfg.Liveness,
	}, logger.With("component", "engine"))

	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := engine.Run(loopCtx); err != nil {
			logger.Error("engine loop failed", "error", err)
		}
	}()
	defer func() {
		stopLoop()
		<-loopDone
	}()

	bus := events.New()
	forward := engine.Forward(bus)
	defer forward.Close()

	// --- Names ---
	store, err := names.NewStore(filepath.Join(cfg.DataDir, "names.db"))
	if err != nil {
		return fmt.Errorf("open name store: %w", err)
	}
	defer store.Close()

	restorer, err := names.Restore(engine, store, cfg.Devices, logger.With("component", "names"))
	if err != nil {
		return err
	}
	defer restorer.Close()

	// --- Consumers ---
	sensors := make(map[string]*presence.RoomSensor, len(cfg.Rooms))
	for _, rc := range cfg.Rooms {
		s := presence.NewRoomSensor(engine, rc, func(t presence.Trigger) {
			logger.Info("proximity trigger",
				"room", t.RoomID,
				"device", t.Device,
				"kind", t.Kind,
				"distance", t.Distance,
				"lost", t.Lost,
			)
			bus.Publish(events.Event{Kind: events.KindTrigger, Data: t})
		}, logger.With("component", "presence"))
		defer s.Close()
		go s.Run(ctx)
		sensors[rc.ID] = s
	}

	var named []string
	for _, d := range engine.State().DeviceList() {
		if !d.Anonymous {
			named = append(named, d.ID)
		}
	}
	fleet := presence.NewFleet(engine, named, logger.With("component", "presence"))
	defer fleet.Close()

	// --- Broker ---
	if err := engine.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		dctx, dcancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer dcancel()
		if err := engine.Disconnect(dctx); err != nil {
			logger.Error("mqtt disconnect failed", "error", err)
		}
		engine.Dispose()
	}()

	// --- API ---
	if cfg.Listen.Port == 0 {
		logger.Info("http api disabled (listen.port is 0)")
		<-ctx.Done()
		logger.Info("shutdown signal received")
		return nil
	}

	server := api.NewServer(api.Config{
		Address: cfg.Listen.Address,
		Port:    cfg.Listen.Port,
		Tracker: engine,
		Namer:   restorer,
		Bus:     bus,
		Locate:  fleet.Locate,
		RoomStatus: func(id string) (presence.RoomStatus, bool) {
			s, ok := sensors[id]
			if !ok {
				return presence.RoomStatus{}, false
			}
			return s.Status(), true
		},
		Logger: logger.With("component", "api"),
	})

	if cfg.Discovery.Advertise {
		adv, err := discovery.Advertise(cfg.Listen.Port, buildinfo.Version, cfg.MQTT.Namespace, logger)
		if err != nil {
			logger.Warn("mdns advertisement failed", "error", err)
		} else {
			defer adv.Shutdown()
		}
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := server.Shutdown(sctx); err != nil {
			logger.Error("api shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("espresense stopped")
	return nil
}

// resolveBroker fills in mqtt.host and mqtt.port from mDNS when no host
// is configured and discovery is enabled.
func resolveBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.MQTT.Configured() {
		return nil
	}
	if !cfg.Discovery.MDNS {
		return errors.New("mqtt.host is not set and mdns discovery is disabled")
	}
	ep, err := discovery.Broker(ctx, cfg.Discovery.Service, cfg.Discovery.Timeout, logger)
	if err != nil {
		return fmt.Errorf("discover broker: %w", err)
	}
	cfg.MQTT.Host = ep.Host
	cfg.MQTT.Port = ep.Port
	return nil
}
