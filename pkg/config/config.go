package config

// Package config provides a reusable loader for a Reticula node's
// configuration files and environment variables. It is versioned so that
// applications can depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/spf13/viper"

	"reticula/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a Reticula instance. It
// mirrors the structure of the YAML files under config/.
type Config struct {
	Node struct {
		Profile      string `mapstructure:"profile" json:"profile"` // "constrained" or "hosted"
		TransportEnabled bool `mapstructure:"transport_enabled" json:"transport_enabled"`
		IdentityPath string `mapstructure:"identity_path" json:"identity_path"`
	} `mapstructure:"node" json:"node"`

	Interfaces []struct {
		Name       string `mapstructure:"name" json:"name"`
		Kind       string `mapstructure:"kind" json:"kind"` // e.g. "tcp", "udp", "serial"
		Address    string `mapstructure:"address" json:"address"`
		Mode       string `mapstructure:"mode" json:"mode"` // full/gateway/access_point/roaming/boundary
		MTU        int    `mapstructure:"mtu" json:"mtu"`
		Bitrate    int    `mapstructure:"bitrate" json:"bitrate"`
		Outbound   bool   `mapstructure:"outbound" json:"outbound"`
	} `mapstructure:"interfaces" json:"interfaces"`

	Storage struct {
		StoragePath string `mapstructure:"storage_path" json:"storage_path"`
		CachePath   string `mapstructure:"cache_path" json:"cache_path"`
		CacheEntries int   `mapstructure:"cache_entries" json:"cache_entries"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`

	Metrics struct {
		Enabled bool   `mapstructure:"enabled" json:"enabled"`
		Addr    string `mapstructure:"addr" json:"addr"`
	} `mapstructure:"metrics" json:"metrics"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
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

	viper.AutomaticEnv() // environment variables override matching keys

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the RETICULA_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("RETICULA_ENV", ""))
}
