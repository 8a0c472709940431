// Command identity-cache runs the multi-identity wallet cache daemon: an
// evictable wallet-data cache, identity state registry and performance
// recorder behind a small HTTP API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/walletkit/identity-cache/server"
	"github.com/walletkit/identity-cache/telemetry"
)

var version = "dev"

type cli struct {
	Address       string `help:"Address to listen on." default:":8080"`
	UpstreamURL   string `help:"Wallet API base URL the fetchers call." required:""`
	UpstreamToken string `help:"Bearer token for the wallet API." env:"UPSTREAM_TOKEN"`
	AuthToken     string `help:"Bearer token protecting this server's endpoints." env:"AUTH_TOKEN"`

	CacheMaxEntries  int           `help:"Maximum cache entries before eviction." default:"1000"`
	CacheTTL         time.Duration `help:"Default TTL for cached wallet data." default:"5m"`
	EvictionStrategy string        `help:"Eviction strategy." enum:"lru,lfu,ttl" default:"lru"`
	SweepInterval    time.Duration `help:"How often the expiry sweep runs." default:"1m"`
	SweepBatchSize   int           `help:"Maximum entries one sweep cycle examines." default:"100"`
	StaleAfter       time.Duration `help:"How long a preloaded snapshot stays fresh." default:"5m"`

	HistoryPath string `help:"Path of the transaction history database. Empty disables persistent history."`

	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat string `help:"Log format." enum:"text,json,pretty" default:"text"`

	MetricsPrometheus bool   `help:"Expose Prometheus metrics on /metrics."`
	MetricsOTLP       string `help:"OTLP gRPC endpoint to push metrics to."`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var flags cli
	kong.Parse(&flags,
		kong.Name("identity-cache"),
		kong.Description("Multi-identity wallet cache daemon."),
		kong.Vars{"version": version},
	)

	if err := run(flags); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(flags cli) error {
	logger, err := buildLogger(flags.LogLevel, flags.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tel, err := telemetry.New(ctx, telemetry.Config{
		ServiceName:      "identity-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     flags.MetricsOTLP,
		EnablePrometheus: flags.MetricsPrometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	srv, err := server.New(server.Config{
		Address:          flags.Address,
		UpstreamURL:      flags.UpstreamURL,
		UpstreamToken:    flags.UpstreamToken,
		AuthToken:        flags.AuthToken,
		CacheMaxEntries:  flags.CacheMaxEntries,
		CacheTTL:         flags.CacheTTL,
		EvictionStrategy: flags.EvictionStrategy,
		SweepInterval:    flags.SweepInterval,
		SweepBatchSize:   flags.SweepBatchSize,
		StaleAfter:       flags.StaleAfter,
		HistoryPath:      flags.HistoryPath,
		Logger:           logger,
		Telemetry:        tel,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"version", version,
		"address", srv.Address(),
		"upstream", flags.UpstreamURL,
		"strategy", flags.EvictionStrategy,
	)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func buildLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	case "pretty":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: lvl, TimeFormat: time.Kitchen})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
