package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if necessary
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Chain.AvgBlockTime == 0 {
		cfg.Chain.AvgBlockTime = 12
	}
	if cfg.Pricing.Pair == "" {
		cfg.Pricing.Pair = "ETHUSDT"
	}
	if cfg.Pricing.RPS == 0 {
		cfg.Pricing.RPS = 10
	}
	if cfg.Pricing.CacheSize == 0 {
		cfg.Pricing.CacheSize = 4096
	}

	if cfg.Chain.PoolAddress == "" {
		return nil, fmt.Errorf("chain.pool_address is required")
	}
	for _, component := range cfg.Components {
		switch component {
		case "tracker", "executor", "api":
		default:
			return nil, fmt.Errorf("unknown component %q", component)
		}
	}

	return &cfg, nil
}
