// Command dict-cache runs the shared-dictionary store with its admin API
// and background sweeper.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/dictionary-cache/server"
	"github.com/wolfeidau/dictionary-cache/store/dictdb"
	"github.com/wolfeidau/dictionary-cache/sweeper"
	"github.com/wolfeidau/dictionary-cache/telemetry"
)

var version = "dev"

type cli struct {
	DB      string `help:"Path to the dictionary database file." default:"./dictionaries.db"`
	Address string `help:"Address for the admin API to listen on." default:":8080"`

	AuthToken string `help:"Bearer token for the admin API (empty disables auth)." env:"DICT_CACHE_AUTH_TOKEN"`

	MaxSizePerSite  uint64 `help:"Maximum stored dictionary bytes per top-frame site (0 disables)." default:"15728640"`
	MaxCountPerSite uint64 `help:"Maximum dictionary records per top-frame site (must be nonzero)." default:"1000"`

	CacheMaxSize  uint64 `help:"Global cache size budget in bytes (0 disables)." default:"104857600"`
	CacheMaxCount uint64 `help:"Global cache record budget (0 disables)." default:"10000"`

	SweepInterval     time.Duration `help:"How often the background sweeper runs." default:"1h"`
	SweepStartupDelay time.Duration `help:"Delay before the first sweep." default:"5m"`

	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export (empty disables)." env:"OTLP_ENDPOINT"`
	Prometheus   bool   `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:""`

	LogLevel  string `help:"Log level (debug, info, warn, error)." enum:"debug,info,warn,error" default:"info"`
	LogFormat string `help:"Log format (text, json)." enum:"text,json" default:"text"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var flags cli
	kctx := kong.Parse(&flags,
		kong.Name("dict-cache"),
		kong.Description("Persistent shared-dictionary store with budgeted eviction."),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(run(flags))
}

func run(flags cli) error {
	if flags.MaxCountPerSite == 0 {
		return fmt.Errorf("--max-count-per-site must be nonzero")
	}

	logger, err := buildLogger(flags.LogLevel, flags.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "dict-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     flags.OTLPEndpoint,
		EnablePrometheus: flags.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Error("shutting down metrics", "error", err)
		}
	}()

	db := dictdb.New(
		dictdb.WithLogger(logger.With("component", "dictdb")),
		dictdb.WithMeter(otel.Meter("github.com/wolfeidau/dictionary-cache/store/dictdb")),
	)
	if err := db.Open(flags.DB); err != nil {
		return fmt.Errorf("opening database %s: %w", flags.DB, err)
	}

	store := dictdb.NewStore(db, dictdb.WithStoreLogger(logger.With("component", "store")))
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", "error", err)
		}
	}()

	budget := dictdb.Budget{
		MaxSize:           flags.CacheMaxSize,
		SizeLowWatermark:  flags.CacheMaxSize - flags.CacheMaxSize/10,
		MaxCount:          flags.CacheMaxCount,
		CountLowWatermark: flags.CacheMaxCount - flags.CacheMaxCount/10,
	}

	sweepCfg := sweeper.Config{
		Interval:     flags.SweepInterval,
		StartupDelay: flags.SweepStartupDelay,
		Budget:       budget,
	}
	mgr := sweeper.New(store, sweepCfg,
		sweeper.WithLogger(logger.With("component", "sweeper")),
		sweeper.WithMetrics(otel.Meter("github.com/wolfeidau/dictionary-cache/sweeper")),
	)

	srv, err := server.New(server.Config{
		Address:         flags.Address,
		AuthToken:       flags.AuthToken,
		MaxSizePerSite:  flags.MaxSizePerSite,
		MaxCountPerSite: flags.MaxCountPerSite,
		Budget:          budget,
		Logger:          logger.With("component", "server"),
	}, store, mgr)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		mgr.Start(gctx)
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return mgr.Stop(stopCtx)
	})

	group.Go(func() error {
		logger.Info("server started", "address", srv.Address(), "db", flags.DB, "version", version)
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return group.Wait()
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
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: lvl})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}

	return slog.New(handler), nil
}
