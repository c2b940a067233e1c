package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/statvault/cube/builder/pkg/cube"
	"github.com/statvault/cube/builder/pkg/metrics"
	"github.com/statvault/cube/builder/pkg/postgres"
	"github.com/statvault/cube/builder/pkg/server"
	"github.com/statvault/cube/utils/pkg/logger"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Missing .env is fine; the environment may carry everything.
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", ":8080", "HTTP listen address (or set CUBED_LISTEN_ADDR env var)")
	localesFlag := flag.String("locales", "en", "comma-separated view locales (or set CUBED_LOCALES env var)")
	migrateFlag := flag.Bool("migrate", false, "run ingest-schema migrations before serving")
	buildRateFlag := flag.Float64("build-rate", 1, "maximum build triggers per second across all callers")
	buildBurstFlag := flag.Int("build-burst", 4, "build trigger burst size")
	flag.Parse()

	log := logger.New(*verboseFlag)

	if envListenAddr := os.Getenv("CUBED_LISTEN_ADDR"); envListenAddr != "" {
		*listenAddrFlag = envListenAddr
	}
	if envLocales := os.Getenv("CUBED_LOCALES"); envLocales != "" {
		*localesFlag = envLocales
	}
	locales := strings.Split(*localesFlag, ",")
	for i := range locales {
		locales[i] = strings.TrimSpace(locales[i])
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: os.Getenv("SENTRY_ENVIRONMENT"),
			Release:     version,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(5 * time.Second)
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pgCfg := postgres.FromEnv()
	if err := pgCfg.Validate(); err != nil {
		return fmt.Errorf("failed to validate postgres config: %w", err)
	}
	if *migrateFlag {
		if err := postgres.MigrateUp(log, pgCfg.ConnStr()); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}
	pool, err := postgres.Connect(ctx, pgCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer pool.Close()

	materializer, err := cube.NewMaterializer(cube.MaterializerConfig{
		Logger: log,
		Pool:   pool,
	})
	if err != nil {
		return fmt.Errorf("failed to create materializer: %w", err)
	}

	builder, err := cube.New(cube.Config{
		Logger:       log,
		Pool:         pool,
		Locales:      locales,
		Materializer: materializer,
	})
	if err != nil {
		return fmt.Errorf("failed to create cube builder: %w", err)
	}

	srv, err := server.New(server.Config{
		Logger:       log,
		Pool:         pool,
		Builder:      builder,
		Materializer: materializer,
		ListenAddr:   *listenAddrFlag,
		BuildRate:    rate.Limit(*buildRateFlag),
		BuildBurst:   *buildBurstFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	log.Info("starting cubed", "version", version, "listenAddr", *listenAddrFlag, "locales", locales)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return materializer.Start(ctx)
	})
	g.Go(func() error {
		return srv.Start(ctx)
	})
	if err := g.Wait(); err != nil && !isShutdown(err) {
		return err
	}

	log.Info("cubed stopped")
	return nil
}

func isShutdown(err error) bool {
	return errors.Is(err, context.Canceled)
}
