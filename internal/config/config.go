package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/bletext/internal/ble"
	"github.com/chaz8081/bletext/internal/ble/protocol"
)

// Config holds all application configuration.
type Config struct {
	LogLevel string         `yaml:"log_level"`
	Adapter  AdapterConfig  `yaml:"adapter"`
	Scan     ScanConfig     `yaml:"scan"`
	Connect  ConnectConfig  `yaml:"connect"`
	Protocol ProtocolConfig `yaml:"protocol"`
	Server   ServerConfig   `yaml:"server"`
}

// AdapterConfig selects the radio backend.
type AdapterConfig struct {
	Backend      string `yaml:"backend"`       // "tinygo" or "bluez"
	BlueZAdapter string `yaml:"bluez_adapter"` // controller name for the bluez backend
}

// ScanConfig holds discovery settings.
type ScanConfig struct {
	NameFilter    string        `yaml:"name_filter"`    // exact advertised name, empty for any
	ServiceFilter string        `yaml:"service_filter"` // advertised service UUID, empty for any
	Duration      time.Duration `yaml:"duration"`
}

// ConnectConfig holds connection settings.
type ConnectConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	RequestMTU   int           `yaml:"request_mtu"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ProtocolConfig describes how text is framed and where it is written. Preset
// supplies the base descriptor; the other fields override it when set.
type ProtocolConfig struct {
	Preset                  string        `yaml:"preset"` // "nus", "wildcard" or "custom"
	ServiceUUID             string        `yaml:"service_uuid"`
	WriteCharacteristicUUID string        `yaml:"write_characteristic_uuid"`
	ChunkOverheadBytes      *int          `yaml:"chunk_overhead_bytes"`
	WriteWithoutResponse    *bool         `yaml:"write_without_response"`
	Encoding                string        `yaml:"encoding"`
	LengthHeader            bool          `yaml:"length_header"`
	ChunkDelay              time.Duration `yaml:"chunk_delay"`
}

// ServerConfig holds the HTTP/WebSocket bridge settings.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "bletext")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	opts := ble.DefaultOptions()
	return &Config{
		LogLevel: "info",
		Adapter: AdapterConfig{
			Backend:      "tinygo",
			BlueZAdapter: "hci0",
		},
		Scan: ScanConfig{
			Duration: 10 * time.Second,
		},
		Connect: ConnectConfig{
			Timeout:      opts.ConnectTimeout,
			RequestMTU:   opts.RequestMTU,
			WriteTimeout: opts.WriteTimeout,
		},
		Protocol: ProtocolConfig{
			Preset:   "nus",
			Encoding: protocol.UTF8.String(),
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:8765",
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.Adapter.Backend {
	case "tinygo":
	case "bluez":
		if c.Adapter.BlueZAdapter == "" {
			return errors.New("adapter.bluez_adapter must not be empty for the bluez backend")
		}
	default:
		return fmt.Errorf("adapter.backend must be \"tinygo\" or \"bluez\", got %q", c.Adapter.Backend)
	}

	if _, err := protocol.ParseUUID(c.Scan.ServiceFilter); err != nil {
		return fmt.Errorf("scan.service_filter: %w", err)
	}
	if c.Scan.Duration < 0 {
		return fmt.Errorf("scan.duration must be >= 0, got %s", c.Scan.Duration)
	}

	if c.Connect.Timeout <= 0 {
		return fmt.Errorf("connect.timeout must be > 0, got %s", c.Connect.Timeout)
	}
	// 23 is the ATT minimum, 517 the largest value a client may ask for.
	if c.Connect.RequestMTU < protocol.DefaultMTU || c.Connect.RequestMTU > 517 {
		return fmt.Errorf("connect.request_mtu must be between %d and 517, got %d", protocol.DefaultMTU, c.Connect.RequestMTU)
	}
	if c.Connect.WriteTimeout <= 0 {
		return fmt.Errorf("connect.write_timeout must be > 0, got %s", c.Connect.WriteTimeout)
	}

	if _, err := c.Protocol.Build(); err != nil {
		return err
	}

	if c.Server.Listen == "" {
		return errors.New("server.listen must not be empty")
	}

	return nil
}

// Build resolves the preset and applies overrides.
func (p *ProtocolConfig) Build() (protocol.Config, error) {
	var cfg protocol.Config
	switch strings.ToLower(p.Preset) {
	case "custom":
		cfg = protocol.Wildcard
	default:
		preset, ok := protocol.Lookup(p.Preset)
		if !ok {
			return protocol.Config{}, fmt.Errorf("protocol.preset must be \"nus\", \"wildcard\" or \"custom\", got %q", p.Preset)
		}
		cfg = preset
	}

	if p.ServiceUUID != "" {
		u, err := protocol.ParseUUID(p.ServiceUUID)
		if err != nil {
			return protocol.Config{}, fmt.Errorf("protocol.service_uuid: %w", err)
		}
		cfg.ServiceUUID = u
	}
	if p.WriteCharacteristicUUID != "" {
		u, err := protocol.ParseUUID(p.WriteCharacteristicUUID)
		if err != nil {
			return protocol.Config{}, fmt.Errorf("protocol.write_characteristic_uuid: %w", err)
		}
		cfg.WriteCharUUID = u
	}
	if p.ChunkOverheadBytes != nil {
		cfg.ChunkOverhead = *p.ChunkOverheadBytes
	}
	if p.WriteWithoutResponse != nil {
		cfg.WriteWithoutResponse = *p.WriteWithoutResponse
	}
	if p.Encoding != "" {
		enc, err := protocol.ParseEncoding(p.Encoding)
		if err != nil {
			return protocol.Config{}, fmt.Errorf("protocol.encoding: %w", err)
		}
		cfg.Encoding = enc
	}
	cfg.LengthHeader = p.LengthHeader

	if err := cfg.Validate(); err != nil {
		return protocol.Config{}, fmt.Errorf("protocol: %w", err)
	}
	if p.ChunkDelay < 0 {
		return protocol.Config{}, fmt.Errorf("protocol.chunk_delay must be >= 0, got %s", p.ChunkDelay)
	}
	return cfg, nil
}

// ScanFilter returns the discovery filter described by the scan section.
func (c *Config) ScanFilter() ble.ScanFilter {
	// Validate has already rejected a malformed UUID.
	svc, _ := protocol.ParseUUID(c.Scan.ServiceFilter)
	return ble.ScanFilter{Name: c.Scan.NameFilter, Service: svc}
}

// ManagerOptions returns the ble.Manager options described by the config.
func (c *Config) ManagerOptions() ble.Options {
	return ble.Options{
		ConnectTimeout:  c.Connect.Timeout,
		RequestMTU:      c.Connect.RequestMTU,
		InterChunkDelay: c.Protocol.ChunkDelay,
		WriteTimeout:    c.Connect.WriteTimeout,
	}
}

// ParseLogLevel maps a config log level to a slog.Level. Unknown values
// default to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultConfigYAML = `# bletext configuration
# Generated on first run. Edit to taste; missing keys fall back to defaults.

# debug, info, warn or error
log_level: info

adapter:
  # tinygo works everywhere; bluez (Linux) reports characteristic
  # properties and the negotiated MTU.
  backend: tinygo
  bluez_adapter: hci0

scan:
  # Exact advertised name to match, e.g. "Even G1_L_4F2A". Empty matches all.
  name_filter: ""
  # Advertised service UUID to match. Empty matches all.
  service_filter: ""
  duration: 10s

connect:
  timeout: 15s
  request_mtu: 517
  # How long one chunk write may wait for its acknowledgement.
  write_timeout: 5s

protocol:
  # nus (Nordic UART Service), wildcard (first writable characteristic)
  # or custom (wildcard plus the UUIDs below).
  preset: nus
  service_uuid: ""
  write_characteristic_uuid: ""
  chunk_overhead_bytes: 3
  write_without_response: true
  # utf-8, utf-16, utf-16be, utf-16le or iso-8859-1
  encoding: utf-8
  # Prefix each message with its 2-byte big-endian length.
  length_header: false
  chunk_delay: 0s

server:
  listen: 127.0.0.1:8765
`

// WriteDefault writes a commented default config to DefaultConfigPath if no
// file exists there. It returns the path written, or "" if a config was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}
