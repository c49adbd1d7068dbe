package h2serve

import (
	"log/slog"
	"time"

	"golang.org/x/net/http2"

	"github.com/kalbhor/h2serve/internal/h2log"
)

// Config configures Serve. Grounded on nishisan-dev-n-backup's
// internal/config.ServerConfig (TLSServer/ServerListen nested structs
// decoded via gopkg.in/yaml.v3) — see LoadConfig in config_yaml.go for
// the YAML-file counterpart used by cmd/h2echo.
type Config struct {
	// Host and Port are the listen address; Port 0 picks an ephemeral
	// port (discoverable afterward via Server.Addrs/LocalhostPort).
	Host string
	Port int

	// CertFile/KeyFile are PEM paths loaded by internal/tlsconfig.
	CertFile string
	KeyFile  string

	// InitialSettings overrides the engine's default initial SETTINGS
	// frame values (spec.md §6, "Settings").
	InitialSettings map[http2.SettingID]uint32

	// Events, if non-nil, receives best-effort ConnectionError/
	// StreamError observability events (spec.md §6).
	Events chan<- Event

	// Logger is the base contextual logger; defaults to h2log.New().
	Logger *slog.Logger

	// OutgoingQueueCapacity bounds the per-connection outgoing
	// notifyingQueue (spec.md §5's "100 items" default).
	OutgoingQueueCapacity int

	// OutgoingSendTimeout bounds how long the write loop will wait to
	// hand one item to the transport before declaring the connection
	// dead (spec.md §5's "5 minutes" default).
	OutgoingSendTimeout time.Duration

	// MaxStreamsPerSecond rate-limits how fast a single connection may
	// open new streams via golang.org/x/time/rate (SPEC_FULL.md §5's
	// domain-stack addition); zero disables the limiter.
	MaxStreamsPerSecond float64
}

const (
	defaultOutgoingQueueCapacity = 100
	defaultOutgoingSendTimeout   = 5 * time.Minute
)

func (c *Config) withDefaults() *Config {
	out := *c
	if out.OutgoingQueueCapacity <= 0 {
		out.OutgoingQueueCapacity = defaultOutgoingQueueCapacity
	}
	if out.OutgoingSendTimeout <= 0 {
		out.OutgoingSendTimeout = defaultOutgoingSendTimeout
	}
	if out.Logger == nil {
		out.Logger = h2log.New()
	}
	return &out
}
