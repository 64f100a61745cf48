package mqtt

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	instanceFile   = "instance_id"
	clientIDPrefix = "espresense"
)

// InstanceID returns the UUID persisted in dataDir/instance_id. A
// missing or unparseable file is replaced with a fresh UUIDv7.
func InstanceID(dataDir string) (uuid.UUID, error) {
	path := filepath.Join(dataDir, instanceFile)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if id, perr := uuid.Parse(strings.TrimSpace(string(data))); perr == nil {
			return id, nil
		}
	case !errors.Is(err, fs.ErrNotExist):
		return uuid.Nil, fmt.Errorf("read %s: %w", path, err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate instance id: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return uuid.Nil, fmt.Errorf("create %s: %w", dataDir, err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o644); err != nil {
		return uuid.Nil, fmt.Errorf("write %s: %w", path, err)
	}
	return id, nil
}

// ClientID picks the MQTT client identifier. A configured value wins.
// Otherwise the last twelve hex digits of the instance id (the random
// tail of a UUIDv7) are appended to the prefix, which keeps the result
// within the 23 bytes MQTT 3.1.1 brokers are required to accept.
func ClientID(configured string, instance uuid.UUID) string {
	if configured != "" {
		return configured
	}
	if instance == uuid.Nil {
		return clientIDPrefix
	}
	s := instance.String()
	return clientIDPrefix + "-" + s[len(s)-12:]
}
