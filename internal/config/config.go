// Package config loads process configuration from environment variables and
// CLI flags, following the teacher's reliance on github.com/spf13/viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the fully resolved settings for one chain instance, per
// spec.md §6's CLI/env surface.
type Config struct {
	Network string

	Port             int
	Host             string
	LogLevel         string
	DisableWebsocket bool
	ReadOnly         bool

	Confirmation int
	FromBlock    int64
	Interval     int64
	Outdated     int64

	DBURL   string
	AMQPURL string
	RPCURL  string
	WSSURL  string
}

// Defaults mirror spec.md §4/§6's documented defaults.
const (
	DefaultPort         = 43210
	DefaultHost         = "0.0.0.0"
	DefaultLogLevel     = "info"
	DefaultConfirmation = 2
	DefaultInterval     = 1800
	DefaultOutdated     = 43200
)

// Load resolves configuration for the named chain from the environment,
// overlaying any CLI-supplied overrides. network is upper-cased to build the
// {CHAIN_NAME}_RPC / {CHAIN_NAME}_WSS keys.
func Load(network string, overrides Config) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()

	cfg := overrides
	cfg.Network = network

	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.Confirmation == 0 {
		cfg.Confirmation = DefaultConfirmation
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Outdated == 0 {
		cfg.Outdated = DefaultOutdated
	}

	cfg.DBURL = v.GetString("API_DB_URL")
	cfg.AMQPURL = v.GetString("AMQP_URL")

	chainEnv := strings.ToUpper(network)
	cfg.RPCURL = v.GetString(chainEnv + "_RPC")
	cfg.WSSURL = v.GetString(chainEnv + "_WSS")

	if cfg.DBURL == "" {
		return nil, fmt.Errorf("config: API_DB_URL is required")
	}
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("config: %s_RPC is required", chainEnv)
	}

	return &cfg, nil
}
