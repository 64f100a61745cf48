package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/espresense-tracker/internal/espresense"
	"github.com/nugget/espresense-tracker/internal/mqtt"
	"github.com/nugget/espresense-tracker/internal/names"
)

// connectTimeout bounds how long snapshot waits for the broker.
const connectTimeout = 10 * time.Second

// snapshot is the JSON shape printed by "espresense snapshot -o json".
type snapshot struct {
	Broker  string              `json:"broker"`
	Rooms   []espresense.Room   `json:"rooms"`
	Devices []espresense.Device `json:"devices"`
}

// runSnapshot connects with a throwaway client id, collects retained and
// live traffic for opts.wait and prints both tables. Names come from the
// config mapping and, when it exists, the serve command's name store.
func runSnapshot(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	if err := resolveBroker(ctx, cfg, logger); err != nil {
		return err
	}
	// A fixed client id would kick a running server off the broker.
	cfg.MQTT.ClientID = ""
	client := mqtt.New(uuid.New(), logger)

	engine := espresense.NewEngine(client, espresense.Options{MQTT: cfg.MQTT, Liveness: cfg.Liveness}, logger)
	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()
	go func() { _ = engine.Run(loopCtx) }()

	storePath := filepath.Join(cfg.DataDir, "names.db")
	if _, err := os.Stat(storePath); err == nil {
		store, err := names.NewStore(storePath)
		if err != nil {
			return fmt.Errorf("open name store: %w", err)
		}
		defer store.Close()
		restorer, err := names.Restore(engine, store, cfg.Devices, logger)
		if err != nil {
			return err
		}
		defer restorer.Close()
	} else {
		for id, name := range cfg.Devices {
			engine.RegisterDevice(id, name)
		}
	}

	if err := engine.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = engine.Disconnect(dctx)
	}()

	actx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.AwaitConnection(actx); err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.MQTT.BrokerURL(), err)
	}

	select {
	case <-time.After(opts.wait):
	case <-ctx.Done():
		return ctx.Err()
	}

	snap := snapshot{
		Broker:  cfg.MQTT.BrokerURL(),
		Rooms:   engine.State().RoomList(),
		Devices: engine.State().DeviceList(),
	}
	if opts.output == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	return printSnapshot(stdout, snap)
}

func printSnapshot(w io.Writer, snap snapshot) error {
	fmt.Fprintf(w, "Broker: %s\n\n", snap.Broker)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ROOM\tNAME\n")
	for _, r := range snap.Rooms {
		fmt.Fprintf(tw, "%s\t%s\n", r.ID, displayName(r.Name, r.Anonymous))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(w)

	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "DEVICE\tNAME\tDISTANCE\tRSSI\n")
	for _, d := range snap.Devices {
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%.0f\n", d.ID, displayName(d.Name, d.Anonymous), d.Distance, d.RSSI)
	}
	return tw.Flush()
}

func displayName(name string, anonymous bool) string {
	if anonymous || name == "" {
		return "-"
	}
	return name
}
