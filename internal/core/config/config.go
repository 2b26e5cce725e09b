package config

import (
	"github.com/vietddude/txfees/internal/api"
	redisclient "github.com/vietddude/txfees/internal/infra/redis"
	"github.com/vietddude/txfees/internal/infra/storage/postgres"
	"github.com/vietddude/txfees/internal/leasing"
	"github.com/vietddude/txfees/internal/tracking/executor"
	"github.com/vietddude/txfees/internal/tracking/realtime"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server     api.Config         `yaml:"server"`
	Chain      ChainConfig        `yaml:"chain"`
	Components []string           `yaml:"components"` // tracker, executor, api
	Redis      redisclient.Config `yaml:"redis"`
	Database   postgres.Config    `yaml:"database"`
	Lease      leasing.Config     `yaml:"lease"`
	Tracker    realtime.Config    `yaml:"tracker"`
	Executor   executor.Config    `yaml:"executor"`
	Pricing    PricingConfig      `yaml:"pricing"`
	Logging    LoggingConfig      `yaml:"logging"`
}

// ChainConfig holds settings for the monitored chain and pool.
type ChainConfig struct {
	RPCURL       string `yaml:"rpc_url"`
	WSURL        string `yaml:"ws_url"`
	PoolAddress  string `yaml:"pool_address"`
	AvgBlockTime uint64 `yaml:"avg_block_time"` // seconds, seeds the block search
}

// PricingConfig holds price oracle settings.
type PricingConfig struct {
	Pair      string  `yaml:"pair"` // e.g. ETHUSDT
	RPS       float64 `yaml:"rps"`
	CacheSize int     `yaml:"cache_size"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// HasComponent reports whether a component is enabled. An empty list
// enables everything.
func (c *AppConfig) HasComponent(name string) bool {
	if len(c.Components) == 0 {
		return true
	}
	for _, component := range c.Components {
		if component == name {
			return true
		}
	}
	return false
}
