// Package config loads proctor-core settings from an optional YAML file,
// a .env file and PROCTOR_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/tiroq/proctor/internal/gaze"
)

// EnvPrefix prefixes every environment override: gaze.debounce_ms is
// PROCTOR_GAZE_DEBOUNCE_MS.
const EnvPrefix = "PROCTOR"

// Store backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// Config holds every setting. Struct tags drive the viper decoder.
type Config struct {
	Server    Server    `mapstructure:"server"`
	Gaze      Gaze      `mapstructure:"gaze"`
	Store     Store     `mapstructure:"store"`
	Interview Interview `mapstructure:"interview"`
	Diag      Diag      `mapstructure:"diag"`
	MQTT      MQTT      `mapstructure:"mqtt"`
	Reports   Reports   `mapstructure:"reports"`
	Log       Log       `mapstructure:"log"`
}

type Server struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type Gaze struct {
	SkinFraction        float64 `mapstructure:"skin_fraction"`
	SideBrightnessRatio float64 `mapstructure:"side_brightness_ratio"`
	CenterRegion        float64 `mapstructure:"center_region"`
	SideStrip           float64 `mapstructure:"side_strip"`
	DebounceMs          int     `mapstructure:"debounce_ms"`
	FrameIntervalMs     int     `mapstructure:"frame_interval_ms"`
}

// Store selects where session keys live.
type Store struct {
	Backend   string `mapstructure:"backend"`
	Path      string `mapstructure:"path"`
	DSN       string `mapstructure:"dsn"`
	// Namespace scopes postgres rows so several daemons can share a table.
	Namespace string `mapstructure:"namespace"`
}

type Interview struct {
	APIBase  string `mapstructure:"api_base"`
	TimeoutS int    `mapstructure:"timeout_s"`
}

type Diag struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// MQTT publishing is off while Broker is empty.
type MQTT struct {
	Broker   string `mapstructure:"broker"`
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"client_id"`
	QoS      int    `mapstructure:"qos"`
}

type Reports struct {
	Dir string `mapstructure:"dir"`
}

type Log struct {
	JSON  bool `mapstructure:"json"`
	Debug bool `mapstructure:"debug"`
}

// Load reads configPath (optional, may be empty) and applies environment
// overrides. A .env file in the working directory is loaded first.
func Load(configPath string) (*Config, error) {
	return LoadWith(viper.New(), configPath)
}

// LoadWith is Load on a caller-supplied viper instance, so flags bound to it
// take part in the lookup.
func LoadWith(v *viper.Viper, configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil && !isNotFound(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Store.Path = expandHome(cfg.Store.Path)
	cfg.Diag.Path = expandHome(cfg.Diag.Path)
	cfg.Reports.Dir = expandHome(cfg.Reports.Dir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	cfg.Store.Path = expandHome(cfg.Store.Path)
	cfg.Reports.Dir = expandHome(cfg.Reports.Dir)
	return &cfg
}

func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return true
	}
	var pathErr *os.PathError
	return errors.As(err, &pathErr) && os.IsNotExist(pathErr)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8765")
	v.SetDefault("server.allowed_origins", []string{})

	th := gaze.DefaultThresholds()
	v.SetDefault("gaze.skin_fraction", th.SkinFraction)
	v.SetDefault("gaze.side_brightness_ratio", th.SideBrightnessRatio)
	v.SetDefault("gaze.center_region", th.CenterRegion)
	v.SetDefault("gaze.side_strip", th.SideStrip)
	v.SetDefault("gaze.debounce_ms", 3000)
	v.SetDefault("gaze.frame_interval_ms", 33)

	v.SetDefault("store.backend", BackendFile)
	v.SetDefault("store.path", "~/.cache/proctor/session.json")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.namespace", "default")

	v.SetDefault("interview.api_base", "http://localhost:8000/api")
	v.SetDefault("interview.timeout_s", 60)

	v.SetDefault("diag.enabled", false)
	v.SetDefault("diag.path", "/tmp/proctor-diag.log")

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.topic", "proctor/events")
	v.SetDefault("mqtt.client_id", "proctor-core")
	v.SetDefault("mqtt.qos", 1)

	v.SetDefault("reports.dir", "~/.cache/proctor/reports")

	v.SetDefault("log.json", false)
	v.SetDefault("log.debug", false)
}

// Validate checks ranges and cross-field requirements.
func (c *Config) Validate() error {
	g := c.Gaze
	if g.SkinFraction <= 0 || g.SkinFraction >= 1 {
		return fmt.Errorf("gaze.skin_fraction must be in (0, 1), got %v", g.SkinFraction)
	}
	if g.SideBrightnessRatio < 1 {
		return fmt.Errorf("gaze.side_brightness_ratio must be >= 1, got %v", g.SideBrightnessRatio)
	}
	if g.CenterRegion <= 0 || g.CenterRegion > 1 {
		return fmt.Errorf("gaze.center_region must be in (0, 1], got %v", g.CenterRegion)
	}
	if g.SideStrip <= 0 || g.SideStrip > 0.5 {
		return fmt.Errorf("gaze.side_strip must be in (0, 0.5], got %v", g.SideStrip)
	}
	if g.DebounceMs < 100 || g.DebounceMs > 60000 {
		return fmt.Errorf("gaze.debounce_ms must be between 100 and 60000, got %d", g.DebounceMs)
	}
	if g.FrameIntervalMs < 5 || g.FrameIntervalMs > 1000 {
		return fmt.Errorf("gaze.frame_interval_ms must be between 5 and 1000, got %d", g.FrameIntervalMs)
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Store.Path == "" {
			return errors.New("store.path is required for the file backend")
		}
	case BackendPostgres:
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres backend")
		}
		if c.Store.Namespace == "" {
			return errors.New("store.namespace is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}

	if c.Interview.APIBase == "" {
		return errors.New("interview.api_base is required")
	}
	if c.Interview.TimeoutS <= 0 {
		return fmt.Errorf("interview.timeout_s must be positive, got %d", c.Interview.TimeoutS)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	return nil
}

// Thresholds returns the estimator settings.
func (g Gaze) Thresholds() gaze.Thresholds {
	return gaze.Thresholds{
		SkinFraction:        g.SkinFraction,
		SideBrightnessRatio: g.SideBrightnessRatio,
		CenterRegion:        g.CenterRegion,
		SideStrip:           g.SideStrip,
	}
}

// Debounce returns the violation debounce as a duration.
func (g Gaze) Debounce() time.Duration {
	return time.Duration(g.DebounceMs) * time.Millisecond
}

// FrameInterval returns the sampling period as a duration.
func (g Gaze) FrameInterval() time.Duration {
	return time.Duration(g.FrameIntervalMs) * time.Millisecond
}

// Timeout returns the interview API timeout.
func (i Interview) Timeout() time.Duration {
	return time.Duration(i.TimeoutS) * time.Second
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
