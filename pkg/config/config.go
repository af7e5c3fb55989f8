// Package config provides hierarchical configuration management.
// Priority: defaults < system < user < project < env
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all MetaboFlow configuration.
type Config struct {
	Version int `yaml:"version"`

	Workflow  WorkflowConfig  `yaml:"workflow"`
	Remote    RemoteConfig    `yaml:"remote"`
	History   HistoryConfig   `yaml:"history"`
	Export    ExportConfig    `yaml:"export"`
	Server    ServerConfig    `yaml:"server"`
	Watch     WatchConfig     `yaml:"watch"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// WorkflowConfig controls engine behavior.
type WorkflowConfig struct {
	// AllowDegraded permits runs over documents that parsed without
	// any usable peak data.
	AllowDegraded bool `yaml:"allow_degraded"`

	// ParseConcurrency bounds parallel file parsing (0 = default).
	ParseConcurrency int `yaml:"parse_concurrency"`
}

// RemoteConfig controls the remote processing service client.
type RemoteConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// HistoryConfig controls run record persistence.
type HistoryConfig struct {
	Backend   string        `yaml:"backend"` // memory | file | redis | s3
	Dir       string        `yaml:"dir"`
	Retention time.Duration `yaml:"retention"`

	Redis RedisHistoryConfig `yaml:"redis"`
	S3    S3HistoryConfig    `yaml:"s3"`
}

// RedisHistoryConfig for the Redis history backend.
type RedisHistoryConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	Database int    `yaml:"database"`
}

// S3HistoryConfig for the S3 history backend.
type S3HistoryConfig struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// ExportConfig controls result export defaults.
type ExportConfig struct {
	Compression string `yaml:"compression"` // snappy | zstd | gzip | lz4 | none
	BatchSize   int    `yaml:"batch_size"`
	OutputDir   string `yaml:"output_dir"`
}

// ServerConfig for the HTTP server.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// WatchConfig for directory watching.
type WatchConfig struct {
	DebounceMs int      `yaml:"debounce_ms"`
	Extensions []string `yaml:"extensions"`
}

// TelemetryConfig for optional trace export.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	appDir := filepath.Join(homeDir, ".metaboflow")

	return &Config{
		Version: 1,
		Workflow: WorkflowConfig{
			AllowDegraded:    false,
			ParseConcurrency: 4,
		},
		Remote: RemoteConfig{
			Enabled: false,
			URL:     "http://localhost:8077",
			Timeout: 30 * time.Second,
		},
		History: HistoryConfig{
			Backend:   "file",
			Dir:       filepath.Join(appDir, "history"),
			Retention: 30 * 24 * time.Hour,
			Redis: RedisHistoryConfig{
				Address: "localhost:6379",
			},
		},
		Export: ExportConfig{
			Compression: "snappy",
			BatchSize:   1024,
			OutputDir:   "exports",
		},
		Server: ServerConfig{
			Port: 8077,
			Host: "localhost",
		},
		Watch: WatchConfig{
			DebounceMs: 500,
			Extensions: []string{".mzml", ".mzxml"},
		},
		Telemetry: TelemetryConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
		},
	}
}

// Manager handles configuration loading and merging.
type Manager struct {
	mu     sync.RWMutex
	config *Config
	paths  []string
}

// NewManager creates a new configuration manager.
func NewManager() *Manager {
	return &Manager{config: Default()}
}

// Load loads configuration from all sources in priority order.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.config = Default()

	for _, path := range m.getConfigPaths() {
		if err := m.loadFile(path); err != nil {
			if !os.IsNotExist(err) {
				return err
			}
		} else {
			m.paths = append(m.paths, path)
		}
	}

	m.loadEnv()
	return nil
}

// getConfigPaths returns config file paths in priority order.
func (m *Manager) getConfigPaths() []string {
	var paths []string

	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/metaboflow/config.yaml")
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".metaboflow", "config.yaml"))
	}
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".metaboflow.yaml"))
	}
	return paths
}

// loadFile loads a single config file and merges it.
func (m *Manager) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var partial Config
	if err := yaml.Unmarshal(data, &partial); err != nil {
		return err
	}
	m.merge(&partial)
	return nil
}

// merge merges non-zero values from src into config.
func (m *Manager) merge(src *Config) {
	if src.Workflow.AllowDegraded {
		m.config.Workflow.AllowDegraded = true
	}
	if src.Workflow.ParseConcurrency != 0 {
		m.config.Workflow.ParseConcurrency = src.Workflow.ParseConcurrency
	}

	if src.Remote.Enabled {
		m.config.Remote.Enabled = true
	}
	if src.Remote.URL != "" {
		m.config.Remote.URL = src.Remote.URL
	}
	if src.Remote.Timeout != 0 {
		m.config.Remote.Timeout = src.Remote.Timeout
	}

	if src.History.Backend != "" {
		m.config.History.Backend = src.History.Backend
	}
	if src.History.Dir != "" {
		m.config.History.Dir = src.History.Dir
	}
	if src.History.Retention != 0 {
		m.config.History.Retention = src.History.Retention
	}
	if src.History.Redis.Address != "" {
		m.config.History.Redis.Address = src.History.Redis.Address
	}
	if src.History.Redis.Password != "" {
		m.config.History.Redis.Password = src.History.Redis.Password
	}
	if src.History.Redis.Database != 0 {
		m.config.History.Redis.Database = src.History.Redis.Database
	}
	if src.History.S3.Bucket != "" {
		m.config.History.S3.Bucket = src.History.S3.Bucket
	}
	if src.History.S3.Region != "" {
		m.config.History.S3.Region = src.History.S3.Region
	}
	if src.History.S3.Endpoint != "" {
		m.config.History.S3.Endpoint = src.History.S3.Endpoint
	}

	if src.Export.Compression != "" {
		m.config.Export.Compression = src.Export.Compression
	}
	if src.Export.BatchSize != 0 {
		m.config.Export.BatchSize = src.Export.BatchSize
	}
	if src.Export.OutputDir != "" {
		m.config.Export.OutputDir = src.Export.OutputDir
	}

	if src.Server.Port != 0 {
		m.config.Server.Port = src.Server.Port
	}
	if src.Server.Host != "" {
		m.config.Server.Host = src.Server.Host
	}

	if src.Watch.DebounceMs != 0 {
		m.config.Watch.DebounceMs = src.Watch.DebounceMs
	}
	if len(src.Watch.Extensions) > 0 {
		m.config.Watch.Extensions = src.Watch.Extensions
	}

	if src.Telemetry.Enabled {
		m.config.Telemetry.Enabled = true
	}
	if src.Telemetry.Endpoint != "" {
		m.config.Telemetry.Endpoint = src.Telemetry.Endpoint
	}
}

// loadEnv loads configuration from environment variables.
func (m *Manager) loadEnv() {
	if v := os.Getenv("METABOFLOW_REMOTE_URL"); v != "" {
		m.config.Remote.URL = v
		m.config.Remote.Enabled = true
	}
	if v := os.Getenv("METABOFLOW_HISTORY_BACKEND"); v != "" {
		m.config.History.Backend = v
	}
	if v := os.Getenv("METABOFLOW_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			m.config.Server.Port = port
		}
	}
	if v := os.Getenv("METABOFLOW_OTEL_ENDPOINT"); v != "" {
		m.config.Telemetry.Endpoint = v
		m.config.Telemetry.Enabled = true
	}
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetPaths returns the paths that were loaded.
func (m *Manager) GetPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paths
}

// Save writes the current config to the user config file.
func (m *Manager) Save() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	configDir := filepath.Join(home, ".metaboflow")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return err
	}

	data, err := yaml.Marshal(m.config)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(configDir, "config.yaml"), data, 0o644)
}

// Global instance
var (
	globalManager *Manager
	globalOnce    sync.Once
)

// Global returns the global configuration manager.
func Global() *Manager {
	globalOnce.Do(func() {
		globalManager = NewManager()
		globalManager.Load()
	})
	return globalManager
}
