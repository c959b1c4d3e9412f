// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package config loads and validates the YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/autobrr/nemorosa/pkg/debounce"
)

// ErrConfigCreated is returned by New when no config file existed and a
// commented default was written. Callers should treat this as a clean exit.
var ErrConfigCreated = errors.New("config: default configuration created")

const (
	DefaultServerPort     = 8256
	DefaultLabel          = "nemorosa"
	DefaultCleanupCadence = "1 day"
)

var defaultCheckTrackers = []string{
	"flacsfor.me",
	"home.opsfet.ch",
	"52dic.vip",
	"open.cd",
	"daydream.dmhy.best",
}

var validLogLevels = map[string]bool{
	"debug":    true,
	"info":     true,
	"warning":  true,
	"error":    true,
	"critical": true,
}

type GlobalConfig struct {
	LogLevel       string   `mapstructure:"loglevel"`
	LogPath        string   `mapstructure:"log_path"`
	NoDownload     bool     `mapstructure:"no_download"`
	ExcludeMP3     bool     `mapstructure:"exclude_mp3"`
	CheckMusicOnly bool     `mapstructure:"check_music_only"`
	CheckTrackers  []string `mapstructure:"check_trackers"`
}

type DownloaderConfig struct {
	Client string `mapstructure:"client"`
	Label  string `mapstructure:"label"`
}

type TargetSiteConfig struct {
	Server  string `mapstructure:"server"`
	Tracker string `mapstructure:"tracker"`
	APIKey  string `mapstructure:"api_key"`
	Cookie  string `mapstructure:"cookie"`
}

type ServerConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	APIKey         string `mapstructure:"api_key"`
	SearchCadence  string `mapstructure:"search_cadence"`
	CleanupCadence string `mapstructure:"cleanup_cadence"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type Config struct {
	Global      GlobalConfig       `mapstructure:"global"`
	Downloader  DownloaderConfig   `mapstructure:"downloader"`
	TargetSites []TargetSiteConfig `mapstructure:"target_site"`
	Server      ServerConfig       `mapstructure:"server"`
	Database    DatabaseConfig     `mapstructure:"database"`
}

// AppConfig wraps the parsed configuration together with the viper instance
// so the file can be watched for live log-level changes.
type AppConfig struct {
	mu         sync.RWMutex
	config     *Config
	viper      *viper.Viper
	configPath string
}

// Override forces a configuration key to a value, over both the file and
// the environment. Command-line flags are applied this way.
type Override struct {
	Key   string
	Value any
}

// New resolves, loads, and validates the configuration. When path is empty
// the platform default location is probed; a missing file there is created
// from a commented template and ErrConfigCreated is returned.
func New(path string, overrides ...Override) (*AppConfig, error) {
	c := &AppConfig{viper: viper.New()}

	c.setDefaults()

	configPath, created, err := c.resolveConfigFile(path)
	if err != nil {
		return nil, err
	}
	c.configPath = configPath

	if created {
		return nil, ErrConfigCreated
	}

	c.viper.SetConfigFile(configPath)
	if err := c.viper.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "config: read %s", configPath)
	}

	c.applyEnvOverrides()

	for _, o := range overrides {
		c.viper.Set(o.Key, o.Value)
	}

	cfg := &Config{}
	if err := c.viper.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal")
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	c.config = cfg
	return c, nil
}

func (c *AppConfig) setDefaults() {
	c.viper.SetDefault("global.loglevel", "info")
	c.viper.SetDefault("global.log_path", "")
	c.viper.SetDefault("global.no_download", false)
	c.viper.SetDefault("global.exclude_mp3", true)
	c.viper.SetDefault("global.check_music_only", false)
	c.viper.SetDefault("global.check_trackers", defaultCheckTrackers)
	c.viper.SetDefault("downloader.label", DefaultLabel)
	c.viper.SetDefault("server.host", "127.0.0.1")
	c.viper.SetDefault("server.port", DefaultServerPort)
	c.viper.SetDefault("server.cleanup_cadence", DefaultCleanupCadence)
	c.viper.SetDefault("database.path", "")
}

// applyEnvOverrides maps NEMOROSA__* environment variables onto config keys.
// Environment always wins over the file.
func (c *AppConfig) applyEnvOverrides() {
	for env, key := range map[string]string{
		"NEMOROSA__LOG_LEVEL":     "global.loglevel",
		"NEMOROSA__LOG_PATH":      "global.log_path",
		"NEMOROSA__CLIENT":        "downloader.client",
		"NEMOROSA__LABEL":         "downloader.label",
		"NEMOROSA__HOST":          "server.host",
		"NEMOROSA__PORT":          "server.port",
		"NEMOROSA__API_KEY":       "server.api_key",
		"NEMOROSA__DATABASE_PATH": "database.path",
	} {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			c.viper.Set(key, v)
		}
	}
}

func validate(cfg *Config) error {
	if !validLogLevels[cfg.Global.LogLevel] {
		return errors.Errorf("config: invalid loglevel %q", cfg.Global.LogLevel)
	}

	if cfg.Downloader.Client == "" {
		return errors.New("config: downloader.client is required")
	}
	if !strings.HasPrefix(cfg.Downloader.Client, "deluge://") &&
		!strings.HasPrefix(cfg.Downloader.Client, "transmission+") &&
		!strings.HasPrefix(cfg.Downloader.Client, "qbittorrent+") {
		return errors.Errorf("config: downloader.client must start with deluge://, transmission+, or qbittorrent+, got %q", cfg.Downloader.Client)
	}
	if strings.TrimSpace(cfg.Downloader.Label) == "" {
		return errors.New("config: downloader.label must not be empty")
	}

	if len(cfg.TargetSites) == 0 {
		return errors.New("config: at least one target_site is required")
	}
	for i, site := range cfg.TargetSites {
		if !strings.HasPrefix(site.Server, "http://") && !strings.HasPrefix(site.Server, "https://") {
			return errors.Errorf("config: target_site[%d].server must be an http(s) URL, got %q", i, site.Server)
		}
		if strings.TrimSpace(site.Tracker) == "" {
			return errors.Errorf("config: target_site[%d].tracker is required", i)
		}
		hasKey := site.APIKey != ""
		hasCookie := site.Cookie != ""
		if hasKey == hasCookie {
			return errors.Errorf("config: target_site[%d] requires exactly one of api_key or cookie", i)
		}
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return errors.Errorf("config: invalid server.port %d", cfg.Server.Port)
	}

	return nil
}

// resolveConfigFile returns the path to use and whether a default file was
// just created there.
func (c *AppConfig) resolveConfigFile(path string) (string, bool, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				if err := writeDefaultConfig(path); err != nil {
					return "", false, err
				}
				log.Info().Msgf("Created default configuration at %s, edit it and run again", path)
				return path, true, nil
			}
			return "", false, errors.Wrapf(err, "config: stat %s", path)
		}
		return path, false, nil
	}

	dir := getDefaultConfigDir()
	candidate := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(candidate); err == nil {
		return candidate, false, nil
	}
	// accept the .yml spelling too
	legacy := filepath.Join(dir, "config.yml")
	if _, err := os.Stat(legacy); err == nil {
		return legacy, false, nil
	}

	if err := writeDefaultConfig(candidate); err != nil {
		return "", false, err
	}
	log.Info().Msgf("Created default configuration at %s, edit it and run again", candidate)
	return candidate, true, nil
}

// getDefaultConfigDir returns the platform config directory for nemorosa.
// A bare XDG_CONFIG_HOME (the Docker /config convention) is used directly.
func getDefaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg == "/config" {
		return xdg
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(base, "nemorosa")
}

func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "config: create directory %s", filepath.Dir(path))
	}
	if err := os.WriteFile(path, []byte(defaultConfigTemplate), 0o644); err != nil {
		return errors.Wrapf(err, "config: write default %s", path)
	}
	return nil
}

// Config returns the current parsed configuration.
func (c *AppConfig) Config() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

// ConfigPath returns the file the configuration was loaded from.
func (c *AppConfig) ConfigPath() string {
	return c.configPath
}

// GetDatabasePath returns the configured database path, defaulting to a
// nemorosa.db next to the config file.
func (c *AppConfig) GetDatabasePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.config != nil && c.config.Database.Path != "" {
		return c.config.Database.Path
	}
	return filepath.Join(filepath.Dir(c.configPath), "nemorosa.db")
}

// reloadDebounce coalesces the several filesystem events an editor fires
// per save into a single reload.
const reloadDebounce = 500 * time.Millisecond

// Watch re-reads the file on change and hands the new config to onChange.
// Only safe-to-reload fields should be consumed there; everything else keeps
// its startup value.
func (c *AppConfig) Watch(onChange func(*Config)) {
	reloads := debounce.New(reloadDebounce)
	c.viper.OnConfigChange(func(_ fsnotify.Event) {
		reloads.Do(func() {
			c.reload(onChange)
		})
	})
	c.viper.WatchConfig()
}

func (c *AppConfig) reload(onChange func(*Config)) {
	cfg := &Config{}
	if err := c.viper.Unmarshal(cfg); err != nil {
		log.Warn().Err(err).Msg("Failed to reload configuration, keeping previous")
		return
	}
	if err := validate(cfg); err != nil {
		log.Warn().Err(err).Msg("Reloaded configuration is invalid, keeping previous")
		return
	}

	c.mu.Lock()
	c.config = cfg
	c.mu.Unlock()

	log.Debug().Msg("Configuration reloaded")
	if onChange != nil {
		onChange(cfg)
	}
}

// ListenAddr returns the host:port pair the HTTP server binds to.
func (c *AppConfig) ListenAddr() string {
	cfg := c.Config()
	return fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
}
