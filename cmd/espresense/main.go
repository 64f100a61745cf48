// Espresense tracks ESPresense room nodes and the BLE beacons they
// report, reconciling retained and live MQTT traffic into a room table
// and a device table.
//
// It serves table snapshots and an event stream over HTTP, evaluates
// per-room proximity rules, and persists display names in SQLite.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	espresense serve                      Run the tracker and its API
//	espresense init [dir]                 Write a starter config.yaml
//	espresense snapshot [--wait 5s]       Print the tables after a short listen
//	espresense import-mapping <file>      Import an id→name JSONC mapping
//	espresense version                    Print version and build information
//	espresense -o json version            Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/nugget/espresense-tracker/internal/buildinfo"
	"github.com/nugget/espresense-tracker/internal/config"
)

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the flags shared by every subcommand.
type options struct {
	configPath string
	output     string
	wait       time.Duration
}

// run is the real entry point. All OS-level dependencies are injected
// so the whole lifecycle can be driven from tests. Flags use a private
// [pflag.FlagSet], never the package globals.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts options

	flagSet := pflag.NewFlagSet("espresense", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "path to config file (default: auto-discover)")
	flagSet.StringVarP(&opts.output, "output", "o", "text", "output format: text or json")
	flagSet.DurationVar(&opts.wait, "wait", 5*time.Second, "snapshot: how long to collect retained messages")
	flagSet.BoolP("help", "h", false, "show help")
	flagSet.Usage = func() { _ = printUsage(stdout, flagSet) }

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		return printUsage(stdout, flagSet)
	}

	if opts.output != "text" && opts.output != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.output)
	}

	var command string
	var cmdArgs []string
	if rest := flagSet.Args(); len(rest) > 0 {
		command, cmdArgs = rest[0], rest[1:]
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, opts)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "snapshot":
		return runSnapshot(ctx, stdout, stderr, opts)
	case "import-mapping":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: espresense import-mapping <file.jsonc>")
		}
		return runImportMapping(stdout, opts, cmdArgs[0])
	case "version":
		return runVersion(stdout, opts.output)
	case "":
		return printUsage(stdout, flagSet)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	meta := buildinfo.Current()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(meta)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, f := range meta.Fields() {
		fmt.Fprintf(w, "  %-12s %s\n", f[0]+":", f[1])
	}
	return nil
}

func printUsage(w io.Writer, flagSet *pflag.FlagSet) error {
	fmt.Fprintln(w, "espresense - ESPresense room and beacon tracker")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: espresense [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                   Run the tracker and its HTTP API")
	fmt.Fprintln(w, "  init [dir]              Write a starter config.yaml (default: .)")
	fmt.Fprintln(w, "  snapshot                Listen briefly and print the room and device tables")
	fmt.Fprintln(w, "  import-mapping <file>   Import a JSONC id→name device mapping")
	fmt.Fprintln(w, "  version                 Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprint(w, flagSet.FlagUsages())
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/espresense/config.yaml, /etc/espresense/config.yaml")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Any format other than "json" yields text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// configuredLogger builds the logger described by cfg. The level was
// validated at load time.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return newLogger(w, level, cfg.LogFormat)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
