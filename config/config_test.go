package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/yllada/wirevault/common"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.DaemonSocket != common.DaemonSocketPath {
		t.Errorf("DaemonSocket = %v, want %v", cfg.DaemonSocket, common.DaemonSocketPath)
	}
	if cfg.StatsInterval != time.Second {
		t.Errorf("StatsInterval = %v, want 1s", cfg.StatsInterval)
	}
	if cfg.EndpointRefresh != 120*time.Second {
		t.Errorf("EndpointRefresh = %v, want 120s", cfg.EndpointRefresh)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %v, want info", cfg.LogLevel)
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DaemonSocket != common.DaemonSocketPath {
		t.Errorf("DaemonSocket = %v, want default", cfg.DaemonSocket)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.LogLevel = "debug"
	cfg.StatsInterval = 2 * time.Second
	cfg.AllowedUIDs = []int{1000, 1001}
	cfg.MetricsListen = "127.0.0.1:9586"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loaded.LogLevel != "debug" {
		t.Errorf("LogLevel = %v, want debug", loaded.LogLevel)
	}
	if loaded.StatsInterval != 2*time.Second {
		t.Errorf("StatsInterval = %v, want 2s", loaded.StatsInterval)
	}
	if len(loaded.AllowedUIDs) != 2 || loaded.AllowedUIDs[1] != 1001 {
		t.Errorf("AllowedUIDs = %v, want [1000 1001]", loaded.AllowedUIDs)
	}
	if loaded.MetricsListen != "127.0.0.1:9586" {
		t.Errorf("MetricsListen = %v", loaded.MetricsListen)
	}
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("log_level: info\nnot_a_field: 1\n"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Load() should reject unknown fields")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
		check   func(*testing.T, *Config)
	}{
		{
			name:   "unknown log level falls back",
			mutate: func(c *Config) { c.LogLevel = "verbose" },
			check: func(t *testing.T, c *Config) {
				if c.LogLevel != "info" {
					t.Errorf("LogLevel = %v, want info", c.LogLevel)
				}
			},
		},
		{
			name:   "tiny stats interval falls back",
			mutate: func(c *Config) { c.StatsInterval = time.Millisecond },
			check: func(t *testing.T, c *Config) {
				if c.StatsInterval != common.StatsInterval {
					t.Errorf("StatsInterval = %v, want default", c.StatsInterval)
				}
			},
		},
		{
			name:    "relative socket rejected",
			mutate:  func(c *Config) { c.DaemonSocket = "wirevault.sock" },
			wantErr: true,
		},
		{
			name:    "relative wireguard-go rejected",
			mutate:  func(c *Config) { c.WireGuardGoPath = "bin/wireguard-go" },
			wantErr: true,
		},
		{
			name:    "negative uid rejected",
			mutate:  func(c *Config) { c.AllowedUIDs = []int{-1} },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}
