package tools

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config centralizes tool-execution limits, loaded from YAML rather than
// scattered as magic numbers through individual tool implementations
// (matching the teacher's ToolConfig, moved to a real file on disk so
// operators can tune limits without a rebuild).
type Config struct {
	WebSearchDefaultLimit int `yaml:"web_search_default_limit"`
	WebSearchMaxLimit     int `yaml:"web_search_max_limit"`
}

// DefaultConfig mirrors the teacher's DefaultToolConfig values.
func DefaultConfig() Config {
	return Config{
		WebSearchDefaultLimit: 5,
		WebSearchMaxLimit:     10,
	}
}

// LoadConfig reads tool limits from a YAML file, falling back to defaults
// for any field the file omits.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read tool config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse tool config %s: %w", path, err)
	}
	return cfg, nil
}
