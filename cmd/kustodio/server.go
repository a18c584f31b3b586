package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-kustodio/v1/config"
	"github.com/mirkobrombin/go-kustodio/v1/presets"
)

const shutdownTimeout = 10 * time.Second

func newServerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run a node until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, file, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg.Log)
			if file != "" {
				logger.Info("configuration loaded", "file", file)
			}
			return runServer(cmd.Context(), cfg, logger, cmd.OutOrStdout())
		},
	}
	addNodeFlags(cmd.Flags())
	return cmd
}

func newLogger(w io.Writer, cfg config.Log) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func setupTracing(w io.Writer) (func(context.Context) error, error) {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// runServer serves the node built from cfg until ctx is done. ready, when
// not nil, receives the gateway address once it is listening.
func runServer(ctx context.Context, cfg config.Config, logger *slog.Logger, traceOut io.Writer, ready ...chan<- string) error {
	slog.SetDefault(logger)
	if cfg.Trace.Enabled {
		shutdown, err := setupTracing(traceOut)
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	node, err := presets.NewNode(ctx, cfg, presets.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := node.Close(); err != nil {
			logger.Warn("node close", "error", err)
		}
	}()

	ln, err := net.Listen("tcp", cfg.API.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.API.Address, err)
	}
	srv := &http.Server{Handler: node.Router, ReadHeaderTimeout: 10 * time.Second}
	logger.Info("kustodio started", "api", ln.Addr().String(), "transport", cfg.Cluster.Transport, "cluster", cfg.Cluster.Address)
	for _, ch := range ready {
		ch <- ln.Addr().String()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
