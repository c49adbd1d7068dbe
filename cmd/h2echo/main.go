// Command h2echo is the trivial launcher spec.md §6 describes: it binds
// [host]:port and runs the echo application. It is not part of the core.
//
// Grounded on docker-compose's cmd/compose root-command tree
// (github.com/spf13/cobra), generalized down to h2echo's much smaller
// flag surface.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kalbhor/h2serve"
)

type flags struct {
	host       string
	port       int
	certFile   string
	keyFile    string
	configPath string
	debug      bool
}

func main() {
	var f flags
	root := &cobra.Command{
		Use:   "h2echo",
		Short: "Run the h2serve sample echo application over HTTP/2",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}
	root.Flags().StringVar(&f.host, "host", "127.0.0.1", "listen host")
	root.Flags().IntVar(&f.port, "port", 8443, "listen port")
	root.Flags().StringVar(&f.certFile, "cert", "", "PEM certificate file")
	root.Flags().StringVar(&f.keyFile, "key", "", "PEM private key file")
	root.Flags().StringVar(&f.configPath, "config", "", "optional YAML config file")
	root.Flags().BoolVar(&f.debug, "debug", false, "enable debug logging")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root.SetContext(ctx)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, f flags) error {
	level := slog.LevelInfo
	if f.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := &h2serve.Config{
		Host:     f.host,
		Port:     f.port,
		CertFile: f.certFile,
		KeyFile:  f.keyFile,
		Logger:   logger,
	}
	if f.configPath != "" {
		fc, err := h2serve.LoadConfigFile(f.configPath)
		if err != nil {
			return err
		}
		cfg = fc.ToConfig(cfg)
	}

	srv, err := h2serve.Serve(ctx, echoApp, cfg.Host, cfg.Port, cfg)
	if err != nil {
		return err
	}
	logger.Info("listening", "addr", srv.Addrs())

	<-ctx.Done()
	logger.Info("shutting down")
	return srv.Stop(context.Background())
}
