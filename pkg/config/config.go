// Package config provides a reusable loader for a node's configuration file
// and environment variable overrides.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/calimero-network/core/pkg/utils"
)

// Config is the unified configuration for a calimerod node.
type Config struct {
	Node struct {
		DataDir     string `mapstructure:"data_dir" json:"data_dir"`
		ListenAddr  string `mapstructure:"listen_addr" json:"listen_addr"`
		MetricsAddr string `mapstructure:"metrics_addr" json:"metrics_addr"`
	} `mapstructure:"node" json:"node"`

	Storage struct {
		KVPath          string `mapstructure:"kv_path" json:"kv_path"`
		BlobPath        string `mapstructure:"blob_path" json:"blob_path"`
		ModuleCacheSize int    `mapstructure:"module_cache_size" json:"module_cache_size"`
	} `mapstructure:"storage" json:"storage"`

	Runtime struct {
		GasLimit       uint64 `mapstructure:"gas_limit" json:"gas_limit"`
		CallsPerSecond int    `mapstructure:"calls_per_second" json:"calls_per_second"`
		CallBurst      int    `mapstructure:"call_burst" json:"call_burst"`
	} `mapstructure:"runtime" json:"runtime"`

	Sync struct {
		SessionTimeoutMS int `mapstructure:"session_timeout_ms" json:"session_timeout_ms"`
		MaxInFlightFetch int `mapstructure:"max_in_flight_fetch" json:"max_in_flight_fetch"`
	} `mapstructure:"sync" json:"sync"`

	ContextConfig struct {
		ServiceURL string `mapstructure:"service_url" json:"service_url"`
	} `mapstructure:"context_config" json:"context_config"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads the default configuration file and merges any environment
// specific overrides (e.g. Load("prod") merges prod.yaml over default.yaml).
// Environment variables are applied last via viper.AutomaticEnv.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("config")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads a .env file if present (best-effort, matching the
// teacher's cmd/explorer startup), then configuration using the
// CALIMERO_ENV environment variable to pick the overlay.
func LoadFromEnv() (*Config, error) {
	_ = godotenv.Load(".env")
	return Load(utils.EnvOrDefault("CALIMERO_ENV", ""))
}

// Defaults returns a Config populated with sane standalone-node defaults,
// used when no config file is present (e.g. a first `calimerod init`).
func Defaults() Config {
	var c Config
	c.Node.DataDir = utils.EnvOrDefault("CALIMERO_DATA_DIR", "./data")
	c.Node.ListenAddr = utils.EnvOrDefault("CALIMERO_LISTEN_ADDR", "/ip4/0.0.0.0/tcp/2428")
	c.Node.MetricsAddr = utils.EnvOrDefault("CALIMERO_METRICS_ADDR", "127.0.0.1:9090")
	c.Storage.KVPath = c.Node.DataDir + "/node.db"
	c.Storage.BlobPath = c.Node.DataDir + "/blobs"
	c.Storage.ModuleCacheSize = utils.EnvOrDefaultInt("CALIMERO_MODULE_CACHE_SIZE", 8)
	c.Runtime.GasLimit = utils.EnvOrDefaultUint64("CALIMERO_GAS_LIMIT", 10_000_000)
	c.Runtime.CallsPerSecond = utils.EnvOrDefaultInt("CALIMERO_CALLS_PER_SECOND", 50)
	c.Runtime.CallBurst = utils.EnvOrDefaultInt("CALIMERO_CALL_BURST", 10)
	c.Sync.SessionTimeoutMS = utils.EnvOrDefaultInt("CALIMERO_SYNC_TIMEOUT_MS", 30_000)
	c.Sync.MaxInFlightFetch = utils.EnvOrDefaultInt("CALIMERO_SYNC_MAX_IN_FLIGHT", 10)
	c.ContextConfig.ServiceURL = utils.EnvOrDefault("CALIMERO_CONTEXT_CONFIG_URL", "http://localhost:2528")
	c.Logging.Level = utils.EnvOrDefault("CALIMERO_LOG_LEVEL", "info")
	return c
}

// WriteDefaultFile renders Defaults() as YAML at path, for a first
// `calimerod init` to leave an editable config/default.yaml behind.
func WriteDefaultFile(path string) error {
	out, err := yaml.Marshal(Defaults())
	if err != nil {
		return utils.Wrap(err, "marshal default config")
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return utils.Wrap(err, "write default config")
	}
	return nil
}
