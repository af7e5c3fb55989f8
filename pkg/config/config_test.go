package config

import (
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.History.Backend != "file" {
		t.Errorf("history backend = %q", cfg.History.Backend)
	}
	if cfg.Server.Port != 8077 {
		t.Errorf("server port = %d", cfg.Server.Port)
	}
	if cfg.Remote.Enabled {
		t.Error("remote enabled by default")
	}
	if cfg.Workflow.AllowDegraded {
		t.Error("degraded runs allowed by default")
	}
	if cfg.Export.Compression != "snappy" {
		t.Errorf("export compression = %q", cfg.Export.Compression)
	}
}

func TestMergeOverridesNonZeroOnly(t *testing.T) {
	raw := `
remote:
  enabled: true
  url: http://msproc.lab:9000
history:
  backend: redis
  redis:
    address: redis.lab:6379
server:
  port: 9100
`
	var partial Config
	if err := yaml.Unmarshal([]byte(raw), &partial); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	m := NewManager()
	m.merge(&partial)
	cfg := m.Get()

	if !cfg.Remote.Enabled || cfg.Remote.URL != "http://msproc.lab:9000" {
		t.Errorf("remote = %+v", cfg.Remote)
	}
	if cfg.Remote.Timeout != 30*time.Second {
		t.Errorf("unset timeout clobbered: %v", cfg.Remote.Timeout)
	}
	if cfg.History.Backend != "redis" || cfg.History.Redis.Address != "redis.lab:6379" {
		t.Errorf("history = %+v", cfg.History)
	}
	if cfg.History.Retention != 30*24*time.Hour {
		t.Errorf("unset retention clobbered: %v", cfg.History.Retention)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "localhost" {
		t.Errorf("unset host clobbered: %q", cfg.Server.Host)
	}
}
