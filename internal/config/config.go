package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/avellin/huddle/internal/domain"
)

type Config struct {
	Mode        string   `mapstructure:"mode"`
	Port        int      `mapstructure:"port"`
	Secret      string   `mapstructure:"secret"`
	Identity    string   `mapstructure:"identity"`
	Username    string   `mapstructure:"username"`
	SignalURL   string   `mapstructure:"signal_url"`
	PresenceURL string   `mapstructure:"presence_url"`
	ICEServers  []string `mapstructure:"ice_servers"`
	LogLevel    string   `mapstructure:"log_level"`
	StaticPath  string   `mapstructure:"static_path"`

	v *viper.Viper
}

// Load reads huddle.yaml from the working directory, ./config, or the
// user's XDG config dir, with HUDDLE_* env vars on top.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("huddle")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath(filepath.Join(xdg.ConfigHome, "huddle"))

	v.SetEnvPrefix("HUDDLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8264)
	v.SetDefault("log_level", "info")
	v.SetDefault("signal_url", "ws://127.0.0.1:9000/api/ws/signal")
	v.SetDefault("presence_url", "ws://127.0.0.1:9100/api/ws/presence")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("static_path", "./web")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		log.Warn().Str("module", "config").Msg("no config file found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", v.ConfigFileUsed()).Msg("config loaded")
	}

	cfg := &Config{v: v}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := domain.UserID(c.Identity).Validate(); err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	if err := domain.ValidateUsername(c.Username); err != nil {
		return fmt.Errorf("username: %w", err)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if c.Mode != "release" && c.Mode != "debug" {
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if c.Secret == "" {
		return fmt.Errorf("secret is required")
	}
	return nil
}

// OnReload re-reads the config file on change and hands the fresh copy
// to fn. Invalid edits are logged and dropped.
func (c *Config) OnReload(fn func(*Config)) {
	c.v.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("module", "config").Str("file", e.Name).Msg("config changed")
		fresh := &Config{v: c.v}
		if err := c.v.Unmarshal(fresh); err != nil {
			log.Error().Err(err).Str("module", "config").Msg("reload parse failed")
			return
		}
		if err := fresh.Validate(); err != nil {
			log.Error().Err(err).Str("module", "config").Msg("reload rejected")
			return
		}
		fn(fresh)
	})
	c.v.WatchConfig()
}
