package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/espresense-tracker/internal/names"
)

// runImportMapping loads a JSONC id→name object and stores every entry
// as a device name, overwriting names already stored for those ids.
func runImportMapping(stdout io.Writer, opts options, path string) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	mapping, err := names.LoadMapping(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	store, err := names.NewStore(filepath.Join(cfg.DataDir, "names.db"))
	if err != nil {
		return fmt.Errorf("open name store: %w", err)
	}
	defer store.Close()

	n, err := store.Import(names.KindDevice, mapping)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Imported %d device names from %s\n", n, path)
	return nil
}
