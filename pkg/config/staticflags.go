package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MaxStaticConfigBytes bounds how large a static flags file may be, matching
// the small-file assumption the rest of this package's loaders make.
const MaxStaticConfigBytes = 256 * 1024

// LoadStaticFlags reads the read-only admin flags surfaced via GET
// /v1/config from a YAML file. An empty path or a missing file yields an
// empty map rather than an error, since static flags are optional.
func LoadStaticFlags(path string) (map[string]any, error) {
	if path == "" {
		return map[string]any{}, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("config: stat static flags: %w", err)
	}
	if info.Size() > MaxStaticConfigBytes {
		return nil, fmt.Errorf("config: static flags file exceeds %d bytes", MaxStaticConfigBytes)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read static flags: %w", err)
	}
	var out map[string]any
	if err := yaml.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("config: parse static flags: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
