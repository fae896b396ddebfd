package config

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Dump renders the effective configuration as YAML under the `rte:` root key,
// in the same shape Load accepts.
func Dump(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]*Config{"rte": cfg}); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}
