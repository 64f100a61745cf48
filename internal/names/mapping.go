package names

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// ParseMapping decodes a legacy device mapping: a single JSON object of
// device id → display name. Comments and trailing commas are allowed.
func ParseMapping(data []byte) (map[string]string, error) {
	stripped := jsonc.ToJSON(data)

	var mapping map[string]string
	if err := json.Unmarshal(stripped, &mapping); err != nil {
		return nil, fmt.Errorf("parsing mapping: %w", err)
	}
	if mapping == nil {
		mapping = make(map[string]string)
	}
	delete(mapping, "")
	return mapping, nil
}

// LoadMapping reads and parses a mapping file.
func LoadMapping(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	mapping, err := ParseMapping(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return mapping, nil
}
