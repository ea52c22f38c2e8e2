// Package config loads the YAML run configuration for a restoration. Flags
// and environment variables override anything set here; the file exists for
// the data-shaped parts of a run, above all the explicit user mapping table.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RunConfig models one restoration run.
type RunConfig struct {
	// BaseURL of the target tenant API.
	BaseURL string `yaml:"baseUrl"`
	// GroupID is the target group that will own restored plans.
	GroupID string `yaml:"groupId"`
	// RecordBackendDSN selects where restoration records are persisted
	// (file://, memory://, postgres://).
	RecordBackendDSN string `yaml:"recordBackendDsn"`
	// UserMap is the explicit source-to-target user id table. Entries here
	// always win over directory lookups.
	UserMap map[string]string `yaml:"userMap"`

	RequestDelay string `yaml:"requestDelay"`
	MaxRetries   int    `yaml:"maxRetries"`
	DryRun       bool   `yaml:"dryRun"`
}

func Default() *RunConfig {
	return &RunConfig{
		BaseURL:      "https://graph.microsoft.com",
		RequestDelay: "500ms",
		MaxRetries:   3,
	}
}

// Load reads and validates a run configuration file. A missing path returns
// the defaults.
func Load(path string) (*RunConfig, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if _, err := cfg.RequestDelayDuration(); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("parsing %s: maxRetries must not be negative", path)
	}
	return cfg, nil
}

// RequestDelayDuration parses the configured minimum inter-request delay.
func (c *RunConfig) RequestDelayDuration() (time.Duration, error) {
	raw := strings.TrimSpace(c.RequestDelay)
	if raw == "" {
		return 500 * time.Millisecond, nil
	}
	delay, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid requestDelay %q: %w", raw, err)
	}
	if delay < 0 {
		return 0, fmt.Errorf("invalid requestDelay %q: must not be negative", raw)
	}
	return delay, nil
}
