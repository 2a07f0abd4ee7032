package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
site:
  timezone: "Europe/London"
database:
  path: "/tmp/test.db"
mqtt:
  broker:
    host: "broker.local"
    port: 1884
    client_id: "test-client"
  qos: 1
  command_suffix: "cmd"
ingest:
  workers: 8
health:
  timeout: 90
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}
	if cfg.MQTT.Broker.Host != "broker.local" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "broker.local")
	}
	if cfg.MQTT.CommandSuffix != "cmd" {
		t.Errorf("MQTT.CommandSuffix = %q, want %q", cfg.MQTT.CommandSuffix, "cmd")
	}
	if cfg.Ingest.Workers != 8 {
		t.Errorf("Ingest.Workers = %d, want 8", cfg.Ingest.Workers)
	}
	if cfg.HealthTimeout() != 90*time.Second {
		t.Errorf("HealthTimeout() = %v, want 90s", cfg.HealthTimeout())
	}
	// Unset values keep their defaults.
	if cfg.HealthInterval() != 30*time.Second {
		t.Errorf("HealthInterval() = %v, want 30s", cfg.HealthInterval())
	}
	if cfg.Location().String() != "Europe/London" {
		t.Errorf("Location() = %v, want Europe/London", cfg.Location())
	}
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.MQTT.Reconnect.InitialDelay != 1 || cfg.MQTT.Reconnect.MaxDelay != 60 {
		t.Errorf("reconnect = %+v, want 1s..60s", cfg.MQTT.Reconnect)
	}
	if cfg.MQTT.CommandSuffix != "set" {
		t.Errorf("CommandSuffix = %q, want set", cfg.MQTT.CommandSuffix)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HOMEGATE_MQTT_HOST", "env-broker")
	t.Setenv("HOMEGATE_MQTT_PORT", "8883")
	t.Setenv("HOMEGATE_MQTT_PASSWORD", "s3cret")
	t.Setenv("HOMEGATE_DATABASE_PATH", "/var/lib/homegate.db")

	cfg, err := Load(writeConfig(t, "mqtt:\n  broker:\n    host: file-broker\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MQTT.Broker.Host != "env-broker" {
		t.Errorf("MQTT.Broker.Host = %q, want env-broker", cfg.MQTT.Broker.Host)
	}
	if cfg.MQTT.Broker.Port != 8883 {
		t.Errorf("MQTT.Broker.Port = %d, want 8883", cfg.MQTT.Broker.Port)
	}
	if cfg.MQTT.Auth.Password != "s3cret" {
		t.Error("MQTT.Auth.Password not overridden from environment")
	}
	if cfg.Database.Path != "/var/lib/homegate.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
		{
			name:    "bad timezone",
			mutate:  func(c *Config) { c.Site.Timezone = "Mars/Olympus" },
			wantErr: "site.timezone",
		},
		{
			name:    "invalid QoS",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
		{
			name:    "unknown command suffix",
			mutate:  func(c *Config) { c.MQTT.CommandSuffix = "SET" },
			wantErr: "mqtt.command_suffix",
		},
		{
			name:    "max delay below initial",
			mutate:  func(c *Config) { c.MQTT.Reconnect.MaxDelay = 0 },
			wantErr: "max_delay",
		},
		{
			name:    "no workers",
			mutate:  func(c *Config) { c.Ingest.Workers = 0 },
			wantErr: "ingest.workers",
		},
		{
			name:    "influx enabled without url",
			mutate:  func(c *Config) { c.InfluxDB.Enabled = true },
			wantErr: "influxdb.url",
		},
		{
			name:    "api port out of range",
			mutate:  func(c *Config) { c.API.Port = 70000 },
			wantErr: "api.port",
		},
		{
			name: "site coordinates",
			mutate: func(c *Config) {
				lat, lon := 51.5, -0.12
				c.Site.Latitude, c.Site.Longitude = &lat, &lon
			},
		},
		{
			name: "latitude without longitude",
			mutate: func(c *Config) {
				lat := 51.5
				c.Site.Latitude = &lat
			},
			wantErr: "set together",
		},
		{
			name: "latitude out of range",
			mutate: func(c *Config) {
				lat, lon := 91.0, 0.0
				c.Site.Latitude, c.Site.Longitude = &lat, &lon
			},
			wantErr: "site.latitude",
		},
		{
			name:    "no automation rate",
			mutate:  func(c *Config) { c.Automations.MaxExecutionsPerMinute = 0 },
			wantErr: "max_executions_per_minute",
		},
		{
			name: "api port ignored when disabled",
			mutate: func(c *Config) {
				c.API.Enabled = false
				c.API.Port = 0
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_SiteCoordinates(t *testing.T) {
	content := `
site:
  timezone: "Europe/London"
  latitude: 51.5074
  longitude: -0.1278
database:
  path: "/tmp/test.db"
mqtt:
  broker:
    host: "broker.local"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.HasCoordinates() {
		t.Fatal("HasCoordinates() = false, want true")
	}
	if *cfg.Site.Latitude != 51.5074 || *cfg.Site.Longitude != -0.1278 {
		t.Errorf("coordinates = %v, %v", *cfg.Site.Latitude, *cfg.Site.Longitude)
	}
	if cfg.Automations.MaxExecutionsPerMinute != 10 {
		t.Errorf("MaxExecutionsPerMinute = %d, want default 10", cfg.Automations.MaxExecutionsPerMinute)
	}

	if defaultConfig().HasCoordinates() {
		t.Error("defaults should carry no coordinates")
	}
}
