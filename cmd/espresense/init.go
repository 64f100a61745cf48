package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/nugget/espresense-tracker/internal/defaults"
)

// runInit initializes a working directory: a data directory, a starter
// config.yaml and an example device mapping. Existing files are never
// overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing espresense workspace in %s\n", dir)

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}

	files := []struct {
		name    string
		content []byte
		perm    fs.FileMode
	}{
		// The config may carry broker credentials.
		{"config.yaml", defaults.ConfigYAML, 0o600},
		{"devices.example.jsonc", defaults.DevicesJSONC, 0o644},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		created, err := writeIfMissing(path, f.content, f.perm)
		if err != nil {
			return err
		}
		mark := "✓"
		if !created {
			mark = "-"
		}
		fmt.Fprintf(w, "  %s %s\n", mark, path)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to point at your broker, then run: espresense serve")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist, and reports whether it wrote.
func writeIfMissing(path string, content []byte, perm fs.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
