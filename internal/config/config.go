// Package config loads the collector configuration from YAML, .env files
// and DRIVERIO_* environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/badgerloop-software/sc2-driver-io/internal/channel"
	"github.com/badgerloop-software/sc2-driver-io/internal/gps"
	"github.com/badgerloop-software/sc2-driver-io/internal/logging"
	"github.com/badgerloop-software/sc2-driver-io/internal/recorder"
	"github.com/badgerloop-software/sc2-driver-io/internal/source"
	"github.com/badgerloop-software/sc2-driver-io/internal/telemetry"
)

const envPrefix = "DRIVERIO"

// Config holds all collector configuration.
type Config struct {
	mu sync.RWMutex

	Source    source.Config    `yaml:"source" mapstructure:"source" json:"source"`
	GPS       gps.Config       `yaml:"gps" mapstructure:"gps" json:"gps"`
	Schema    SchemaConfig     `yaml:"schema" mapstructure:"schema" json:"schema"`
	Restart   RestartConfig    `yaml:"restart" mapstructure:"restart" json:"restart"`
	Channels  []channel.Config `yaml:"channels" mapstructure:"channels" json:"channels"`
	Broadcast BroadcastConfig  `yaml:"broadcast" mapstructure:"broadcast" json:"broadcast"`
	FileSync  FileSyncConfig   `yaml:"filesync" mapstructure:"filesync" json:"filesync"`
	Recorder  recorder.Config  `yaml:"recorder" mapstructure:"recorder" json:"recorder"`
	Logging   logging.Config   `yaml:"logging" mapstructure:"logging" json:"logging"`
	Server    ServerConfig     `yaml:"server" mapstructure:"server" json:"server"`

	path string // file path for save/load
}

// SchemaConfig locates the frame format and the byte ranges the
// acquisition pipeline writes.
type SchemaConfig struct {
	Path         string `yaml:"path" mapstructure:"path" json:"path"`
	LatField     string `yaml:"lat_field" mapstructure:"lat_field" json:"latField"`
	LonField     string `yaml:"lon_field" mapstructure:"lon_field" json:"lonField"`
	ElevField    string `yaml:"elev_field" mapstructure:"elev_field" json:"elevField"`
	StatusOffset int    `yaml:"status_offset" mapstructure:"status_offset" json:"statusOffset"`
	StatusLength int    `yaml:"status_length" mapstructure:"status_length" json:"statusLength"` // 0 = rest of frame
}

type RestartConfig struct {
	Interlocks []telemetry.Interlock `yaml:"interlocks" mapstructure:"interlocks" json:"interlocks"`
}

type BroadcastConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent" mapstructure:"max_concurrent" json:"maxConcurrent"` // 0 = one per channel
	SendTimeout   time.Duration `yaml:"send_timeout" mapstructure:"send_timeout" json:"sendTimeout"`
}

type FileSyncConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	Dir     string `yaml:"dir" mapstructure:"dir" json:"dir"`
}

type ServerConfig struct {
	ListenAddr   string `yaml:"listen_addr" mapstructure:"listen_addr" json:"listenAddr"`
	MetricsPath  string `yaml:"metrics_path" mapstructure:"metrics_path" json:"metricsPath"`
	OdometerPath string `yaml:"odometer_path" mapstructure:"odometer_path" json:"odometerPath"`
	PushHz       int    `yaml:"push_hz" mapstructure:"push_hz" json:"pushHz"` // snapshot push rate to dashboards
}

// DefaultConfig returns a config that runs standalone in demo mode.
func DefaultConfig() *Config {
	return &Config{
		Source: source.Config{
			Type:       "demo",
			ListenAddr: ":4003",
			PortPath:   "/dev/ttyACM0",
			BaudRate:   115200,
			DemoHz:     10,
		},
		GPS: gps.Config{
			Type:     "demo",
			PortPath: "/dev/ttyGPS",
			BaudRate: 9600,
			PollMs:   100,
		},
		Schema: SchemaConfig{
			Path:      "/etc/driverio/format.yaml",
			LatField:  "lat",
			LonField:  "lon",
			ElevField: "elev",
		},
		Restart: RestartConfig{
			Interlocks: telemetry.DefaultInterlocks(),
		},
		Channels: []channel.Config{
			{Type: "dashboard", Name: "dashboard"},
		},
		Broadcast: BroadcastConfig{
			SendTimeout: 5 * time.Second,
		},
		FileSync: FileSyncConfig{
			Enabled: false,
			Dir:     "/var/lib/driverio/minutes",
		},
		Recorder: recorder.Config{
			Enabled:    false,
			Path:       "/var/log/driverio",
			IntervalMs: 100,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
			File: logging.FileConfig{
				MaxSizeMB:  100,
				MaxBackups: 7,
				MaxAgeDays: 30,
				Compress:   true,
			},
		},
		Server: ServerConfig{
			ListenAddr:   ":8080",
			MetricsPath:  "/metrics",
			OdometerPath: "/var/lib/driverio/odometer.json",
			PushHz:       10,
		},
	}
}

// setDefaults registers every default with viper so environment overrides
// resolve for keys absent from the file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("source.type", d.Source.Type)
	v.SetDefault("source.listen_addr", d.Source.ListenAddr)
	v.SetDefault("source.port_path", d.Source.PortPath)
	v.SetDefault("source.baud_rate", d.Source.BaudRate)
	v.SetDefault("source.sync_header", d.Source.SyncHeader)
	v.SetDefault("source.demo_hz", d.Source.DemoHz)

	v.SetDefault("gps.type", d.GPS.Type)
	v.SetDefault("gps.port_path", d.GPS.PortPath)
	v.SetDefault("gps.baud_rate", d.GPS.BaudRate)
	v.SetDefault("gps.poll_ms", d.GPS.PollMs)

	v.SetDefault("schema.path", d.Schema.Path)
	v.SetDefault("schema.lat_field", d.Schema.LatField)
	v.SetDefault("schema.lon_field", d.Schema.LonField)
	v.SetDefault("schema.elev_field", d.Schema.ElevField)
	v.SetDefault("schema.status_offset", d.Schema.StatusOffset)
	v.SetDefault("schema.status_length", d.Schema.StatusLength)

	v.SetDefault("restart.interlocks", d.Restart.Interlocks)
	v.SetDefault("channels", d.Channels)

	v.SetDefault("broadcast.max_concurrent", d.Broadcast.MaxConcurrent)
	v.SetDefault("broadcast.send_timeout", d.Broadcast.SendTimeout)

	v.SetDefault("filesync.enabled", d.FileSync.Enabled)
	v.SetDefault("filesync.dir", d.FileSync.Dir)

	v.SetDefault("recorder.enabled", d.Recorder.Enabled)
	v.SetDefault("recorder.path", d.Recorder.Path)
	v.SetDefault("recorder.interval_ms", d.Recorder.IntervalMs)
	v.SetDefault("recorder.max_rows", d.Recorder.MaxRows)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file.filename", d.Logging.File.Filename)
	v.SetDefault("logging.file.max_size", d.Logging.File.MaxSizeMB)
	v.SetDefault("logging.file.max_backups", d.Logging.File.MaxBackups)
	v.SetDefault("logging.file.max_age", d.Logging.File.MaxAgeDays)
	v.SetDefault("logging.file.compress", d.Logging.File.Compress)

	v.SetDefault("server.listen_addr", d.Server.ListenAddr)
	v.SetDefault("server.metrics_path", d.Server.MetricsPath)
	v.SetDefault("server.odometer_path", d.Server.OdometerPath)
	v.SetDefault("server.push_hz", d.Server.PushHz)
}

// Load reads config from a YAML file, then applies .env and DRIVERIO_*
// environment overrides (DRIVERIO_SOURCE_TYPE, DRIVERIO_SERVER_LISTEN_ADDR,
// ...). A missing file falls back to defaults; a malformed one is an error.
func Load(path string, log *zap.Logger) (*Config, error) {
	if log == nil {
		log = zap.NewNop()
	}
	v := viper.New()
	setDefaults(v, DefaultConfig())

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{".env"}
	if path != "" {
		envPaths = append([]string{filepath.Join(filepath.Dir(path), ".env")}, envPaths...)
	}
	for _, ep := range envPaths {
		loadEnvFile(ep, log)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
			log.Info("loaded", zap.String("path", path))
		} else if errors.Is(err, os.ErrNotExist) {
			log.Info("no config file, using defaults", zap.String("path", path))
		} else {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.path = path
	return cfg, nil
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
// Variables already present in the real environment win.
func loadEnvFile(path string, log *zap.Logger) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Info("loading .env", zap.String("path", path))
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(key), "export "))
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if _, set := os.LookupEnv(key); !set {
			os.Setenv(key, val)
		}
	}
}

// Path is the file Save writes to.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return errors.New("config: no file path")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API. Secrets are tagged json:"-".
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// RecorderEnabled reads the runtime-toggleable recorder switch.
func (c *Config) RecorderEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Recorder.Enabled
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]any
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]any
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}
	// Channel roster is fixed for the process lifetime and carries secrets
	// the JSON form omits.
	delete(base, "channels")
	delete(patch, "channels")

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]any) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
