package h2serve

import (
	"fmt"
	"os"

	"golang.org/x/net/http2"
	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk shape of Config, loaded via gopkg.in/yaml.v3.
// Grounded on nishisan-dev-n-backup's internal/config.ServerConfig
// (ServerListen/TLSServer nested structs with yaml tags).
type FileConfig struct {
	Server ServerListen `yaml:"server"`
	TLS    TLSServer    `yaml:"tls"`
	HTTP2  HTTP2Tuning  `yaml:"http2"`
}

// ServerListen is the listen-address section of FileConfig.
type ServerListen struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// TLSServer is the certificate section of FileConfig.
type TLSServer struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// HTTP2Tuning carries initial-SETTINGS overrides by their well-known
// names (spec.md §6, "Settings").
type HTTP2Tuning struct {
	MaxConcurrentStreams *uint32 `yaml:"max_concurrent_streams"`
	InitialWindowSize    *uint32 `yaml:"initial_window_size"`
	MaxStreamsPerSecond  float64 `yaml:"max_streams_per_second"`
}

// LoadConfigFile reads and parses a YAML config file at path.
func LoadConfigFile(path string) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("h2serve: reading config %s: %w", path, err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("h2serve: parsing config %s: %w", path, err)
	}
	return &fc, nil
}

// ToConfig builds a Config from the file, layering base over it (base's
// non-zero fields win for anything the file doesn't set — flags take
// precedence over the config file, matching cmd/h2echo's cobra flag
// binding order).
func (fc *FileConfig) ToConfig(base *Config) *Config {
	cfg := *base
	if cfg.CertFile == "" {
		cfg.CertFile = fc.TLS.CertFile
	}
	if cfg.KeyFile == "" {
		cfg.KeyFile = fc.TLS.KeyFile
	}
	if cfg.Host == "" {
		cfg.Host = fc.Server.Host
	}
	if cfg.Port == 0 {
		cfg.Port = fc.Server.Port
	}
	if cfg.MaxStreamsPerSecond == 0 {
		cfg.MaxStreamsPerSecond = fc.HTTP2.MaxStreamsPerSecond
	}
	if cfg.InitialSettings == nil {
		settings := map[http2.SettingID]uint32{}
		if fc.HTTP2.MaxConcurrentStreams != nil {
			settings[http2.SettingMaxConcurrentStreams] = *fc.HTTP2.MaxConcurrentStreams
		}
		if fc.HTTP2.InitialWindowSize != nil {
			settings[http2.SettingInitialWindowSize] = *fc.HTTP2.InitialWindowSize
		}
		if len(settings) > 0 {
			cfg.InitialSettings = settings
		}
	}
	return &cfg
}
