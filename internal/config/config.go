// Package config provides the owld configuration system: defaults, viper
// binding, and a typed Config struct that cmd/owld assembles into the
// application context.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration, loaded from
// defaults, an optional config file, and environment variables (OWLD_
// prefix, dots in a key become underscores: OWLD_SERVER_LISTEN_ADDR), with
// the environment winning over the file. No cobra flag is bound into it.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Browser BrowserConfig `mapstructure:"browser"`
	Video   VideoConfig   `mapstructure:"video"`
	Auth    AuthConfig    `mapstructure:"auth"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// BrowserConfig controls how the child binary is spawned. SocketPoolSize
// and AcquireTimeoutMs are loaded but not applied: the supervisor always
// dials transport.DefaultPoolSize sessions with
// transport.DefaultAcquireTimeout.
type BrowserConfig struct {
	BinaryPath       string `mapstructure:"binary_path"`
	StartTimeoutSec  int    `mapstructure:"start_timeout_sec"`
	SocketPoolSize   int    `mapstructure:"socket_pool_size"`
	AcquireTimeoutMs int    `mapstructure:"acquire_timeout_ms"`
}

// VideoConfig holds relay defaults. They are loaded but not read by the
// relay, which starts streams with fps 10 (when the request gives none) and
// quality 80.
type VideoConfig struct {
	DefaultFPS     int `mapstructure:"default_fps"`
	DefaultQuality int `mapstructure:"default_quality"`
}

// AuthConfig controls the default authexternal adapters.
type AuthConfig struct {
	JWTSecret        string   `mapstructure:"jwt_secret"`
	RateLimitRPS     float64  `mapstructure:"rate_limit_rps"`
	RateLimitBurst   int      `mapstructure:"rate_limit_burst"`
	WhitelistedCIDRs []string `mapstructure:"whitelisted_cidrs"`
}

// DefaultConfig returns the configuration used when no file/env/flag
// overrides anything.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		Browser: BrowserConfig{
			BinaryPath:       "owlbrowser",
			StartTimeoutSec:  30,
			SocketPoolSize:   64,
			AcquireTimeoutMs: 30000,
		},
		Video: VideoConfig{
			DefaultFPS:     10,
			DefaultQuality: 80,
		},
		Auth: AuthConfig{
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
	}
}

// Load applies defaults, OWLD_ environment variables and an optional
// config file to v, then unmarshals into Config.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	defaults := DefaultConfig()
	setDefaults(v, defaults)

	v.SetEnvPrefix("OWLD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	} else {
		v.SetConfigName("owld")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/owld")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.listen_addr", d.Server.ListenAddr)
	v.SetDefault("browser.binary_path", d.Browser.BinaryPath)
	v.SetDefault("browser.start_timeout_sec", d.Browser.StartTimeoutSec)
	v.SetDefault("browser.socket_pool_size", d.Browser.SocketPoolSize)
	v.SetDefault("browser.acquire_timeout_ms", d.Browser.AcquireTimeoutMs)
	v.SetDefault("video.default_fps", d.Video.DefaultFPS)
	v.SetDefault("video.default_quality", d.Video.DefaultQuality)
	v.SetDefault("auth.rate_limit_rps", d.Auth.RateLimitRPS)
	v.SetDefault("auth.rate_limit_burst", d.Auth.RateLimitBurst)
}
