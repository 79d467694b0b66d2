package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/bletext/internal/ble/protocol"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return cfgPath
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.Adapter.Backend != "tinygo" {
		t.Errorf("Adapter.Backend = %q, want %q", cfg.Adapter.Backend, "tinygo")
	}
	if cfg.Scan.Duration != 10*time.Second {
		t.Errorf("Scan.Duration = %v, want 10s", cfg.Scan.Duration)
	}
	if cfg.Connect.Timeout != 15*time.Second {
		t.Errorf("Connect.Timeout = %v, want 15s", cfg.Connect.Timeout)
	}
	if cfg.Connect.RequestMTU != 517 {
		t.Errorf("Connect.RequestMTU = %d, want 517", cfg.Connect.RequestMTU)
	}
	if cfg.Connect.WriteTimeout != 5*time.Second {
		t.Errorf("Connect.WriteTimeout = %v, want 5s", cfg.Connect.WriteTimeout)
	}
	if cfg.Protocol.Preset != "nus" {
		t.Errorf("Protocol.Preset = %q, want %q", cfg.Protocol.Preset, "nus")
	}
	if cfg.Server.Listen != "127.0.0.1:8765" {
		t.Errorf("Server.Listen = %q", cfg.Server.Listen)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestLoad(t *testing.T) {
	cfgPath := writeConfig(t, `
log_level: debug
adapter:
  backend: bluez
  bluez_adapter: hci1
scan:
  name_filter: "Even G1_L_4F2A"
  service_filter: "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
  duration: 30s
connect:
  timeout: 5s
  request_mtu: 247
  write_timeout: 2s
protocol:
  preset: custom
  service_uuid: "fff0"
  write_characteristic_uuid: "fff2"
  chunk_overhead_bytes: 0
  write_without_response: false
  encoding: utf-16le
  length_header: true
  chunk_delay: 10ms
server:
  listen: ":9000"
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.Adapter.Backend != "bluez" || cfg.Adapter.BlueZAdapter != "hci1" {
		t.Errorf("Adapter = %+v", cfg.Adapter)
	}
	if cfg.Scan.Duration != 30*time.Second {
		t.Errorf("Scan.Duration = %v, want 30s", cfg.Scan.Duration)
	}
	if cfg.Connect.Timeout != 5*time.Second {
		t.Errorf("Connect.Timeout = %v, want 5s", cfg.Connect.Timeout)
	}
	if cfg.Server.Listen != ":9000" {
		t.Errorf("Server.Listen = %q, want %q", cfg.Server.Listen, ":9000")
	}

	filter := cfg.ScanFilter()
	if filter.Name != "Even G1_L_4F2A" || filter.Service != protocol.NUS.ServiceUUID {
		t.Errorf("ScanFilter() = %+v", filter)
	}

	opts := cfg.ManagerOptions()
	if opts.ConnectTimeout != 5*time.Second || opts.RequestMTU != 247 || opts.InterChunkDelay != 10*time.Millisecond || opts.WriteTimeout != 2*time.Second {
		t.Errorf("ManagerOptions() = %+v", opts)
	}

	p, err := cfg.Protocol.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if p.ServiceUUID != protocol.MustParseUUID("fff0") || p.WriteCharUUID != protocol.MustParseUUID("fff2") {
		t.Errorf("Build() UUIDs = %v, %v", p.ServiceUUID, p.WriteCharUUID)
	}
	if p.ChunkOverhead != 0 {
		t.Errorf("Build() ChunkOverhead = %d, want 0", p.ChunkOverhead)
	}
	if p.WriteWithoutResponse {
		t.Error("Build() WriteWithoutResponse = true, want false")
	}
	if p.Encoding != protocol.UTF16LE {
		t.Errorf("Build() Encoding = %v, want utf-16le", p.Encoding)
	}
	if !p.LengthHeader {
		t.Error("Build() LengthHeader = false, want true")
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	cfgPath := writeConfig(t, `
protocol:
  preset: wildcard
`)
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Connect.RequestMTU != 517 {
		t.Errorf("Connect.RequestMTU = %d, want default 517", cfg.Connect.RequestMTU)
	}
	p, err := cfg.Protocol.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if p != protocol.Wildcard {
		t.Errorf("Build() = %+v, want the wildcard preset", p)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	cfgPath := writeConfig(t, "connect: [unclosed")
	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should return error for malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
		{
			name:    "unknown backend",
			modify:  func(c *Config) { c.Adapter.Backend = "corebluetooth" },
			wantErr: true,
		},
		{
			name:    "bluez without controller",
			modify:  func(c *Config) { c.Adapter.Backend = "bluez"; c.Adapter.BlueZAdapter = "" },
			wantErr: true,
		},
		{
			name:    "malformed service filter",
			modify:  func(c *Config) { c.Scan.ServiceFilter = "not-a-uuid" },
			wantErr: true,
		},
		{
			name:    "zero connect timeout",
			modify:  func(c *Config) { c.Connect.Timeout = 0 },
			wantErr: true,
		},
		{
			name:    "zero write timeout",
			modify:  func(c *Config) { c.Connect.WriteTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "mtu below ATT minimum",
			modify:  func(c *Config) { c.Connect.RequestMTU = 20 },
			wantErr: true,
		},
		{
			name:    "mtu above maximum",
			modify:  func(c *Config) { c.Connect.RequestMTU = 600 },
			wantErr: true,
		},
		{
			name:    "unknown preset",
			modify:  func(c *Config) { c.Protocol.Preset = "toothpaste" },
			wantErr: true,
		},
		{
			name: "negative chunk overhead",
			modify: func(c *Config) {
				n := -1
				c.Protocol.ChunkOverheadBytes = &n
			},
			wantErr: true,
		},
		{
			name:    "unknown encoding",
			modify:  func(c *Config) { c.Protocol.Encoding = "ebcdic" },
			wantErr: true,
		},
		{
			name:    "negative chunk delay",
			modify:  func(c *Config) { c.Protocol.ChunkDelay = -time.Millisecond },
			wantErr: true,
		},
		{
			name:    "empty listen address",
			modify:  func(c *Config) { c.Server.Listen = "" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBuildPresets(t *testing.T) {
	tests := []struct {
		preset string
		want   protocol.Config
	}{
		{"nus", protocol.NUS},
		{"NUS", protocol.NUS},
		{"wildcard", protocol.Wildcard},
		{"custom", protocol.Wildcard},
	}
	for _, tt := range tests {
		p := ProtocolConfig{Preset: tt.preset}
		got, err := p.Build()
		if err != nil {
			t.Fatalf("Build(%q) error = %v", tt.preset, err)
		}
		if got != tt.want {
			t.Errorf("Build(%q) = %+v, want %+v", tt.preset, got, tt.want)
		}
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "bletext", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# bletext") {
		t.Error("written config should start with header comment")
	}

	// Should be valid YAML that parses into a Config
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}

	// Loading it back must give the defaults.
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("written config does not validate: %v", err)
	}
	def := Default()
	if cfg.Connect != def.Connect || cfg.Scan != def.Scan || cfg.Adapter != def.Adapter || cfg.Server != def.Server {
		t.Errorf("written config = %+v, want defaults %+v", cfg, def)
	}
	got, _ := cfg.Protocol.Build()
	want, _ := def.Protocol.Build()
	if got != want {
		t.Errorf("written protocol = %+v, want %+v", got, want)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "bletext")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("log_level: debug\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	// WriteDefault should return ("", nil) without overwriting
	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // defaults to info
		{"", slog.LevelInfo},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
