// Package h2log provides the contextual logger threaded through the
// connection and stream handlers.
package h2log

import (
	"log/slog"
	"os"
)

// New returns the default process-wide logger, writing JSON lines to
// stderr at info level unless H2SERVE_DEBUG is set.
func New() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("H2SERVE_DEBUG") != "" {
		level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}

// ForPeer returns a logger pre-bound with the connection's peer address.
func ForPeer(base *slog.Logger, peer string) *slog.Logger {
	return base.With("peer", peer)
}

// ForStream returns a logger pre-bound with a stream id on top of a
// peer-scoped logger.
func ForStream(base *slog.Logger, streamID uint32) *slog.Logger {
	return base.With("stream_id", streamID)
}
