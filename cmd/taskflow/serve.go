package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukex/taskflow/pkg/cmd"
	"github.com/dukex/taskflow/pkg/definitions"
	"github.com/dukex/taskflow/pkg/engine"
	"github.com/dukex/taskflow/pkg/log"
	"github.com/dukex/taskflow/pkg/otelhelper"
	"github.com/dukex/taskflow/pkg/web"
	cli "github.com/urfave/cli/v3"
)

const shutdownTimeout = 10 * time.Second

func serveFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Usage:   "Port to run the API server on",
			Value:   defaultPort,
			Sources: cli.EnvVars("PORT"),
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "Document store URL (memory://, file://<dir>, postgres://...)",
			Value:   "memory://",
			Sources: cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (gochannel, kafka)",
			Value:   "gochannel",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "Comma separated Kafka brokers",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:    "dedup-url",
			Usage:   "Advancement dedup store (memory://, redis://...)",
			Value:   "memory://",
			Sources: cli.EnvVars("DEDUP_URL"),
		},
		&cli.DurationFlag{
			Name:    "dedup-reset-interval",
			Usage:   "How often the in-memory dedup store is cleared, and the redis key TTL",
			Value:   5 * time.Minute,
			Sources: cli.EnvVars("DEDUP_RESET_INTERVAL"),
		},
		&cli.DurationFlag{
			Name:    "join-sweep-interval",
			Usage:   "How often joins past their deadline are finalized",
			Value:   30 * time.Second,
			Sources: cli.EnvVars("JOIN_SWEEP_INTERVAL"),
		},
		&cli.StringFlag{
			Name:    "definitions-path",
			Usage:   "Directory of JSON/YAML workflow definitions loaded at boot",
			Sources: cli.EnvVars("DEFINITIONS_PATH"),
		},
		&cli.StringFlag{
			Name:    "callback-base-url",
			Usage:   "Public base URL external systems call back to",
			Value:   fmt.Sprintf("http://localhost:%d", defaultPort),
			Sources: cli.EnvVars("CALLBACK_BASE_URL"),
		},
		&cli.DurationFlag{
			Name:    "http-timeout",
			Usage:   "Default timeout of outbound webhook calls",
			Value:   30 * time.Second,
			Sources: cli.EnvVars("HTTP_TIMEOUT"),
		},
		&cli.IntFlag{
			Name:    "max-parallel",
			Usage:   "Maximum concurrent step executions per fan-out",
			Value:   16,
			Sources: cli.EnvVars("MAX_PARALLEL"),
		},
		&cli.BoolFlag{
			Name:    "otel-enabled",
			Usage:   "Export traces over OTLP/HTTP",
			Sources: cli.EnvVars("OTEL_ENABLED"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (text, json)",
			Value:   "text",
			Sources: cli.EnvVars("LOG_FORMAT"),
		},
	}
}

func engineConfig(command *cli.Command) engine.Config {
	return engine.Config{
		CallbackBaseURL:    command.String("callback-base-url"),
		HTTPTimeout:        command.Duration("http-timeout"),
		MaxParallel:        command.Int("max-parallel"),
		DedupResetInterval: command.Duration("dedup-reset-interval"),
		JoinSweepInterval:  command.Duration("join-sweep-interval"),
	}
}

func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Start the engine and its HTTP API",
		Flags:   serveFlags(),
		Action:  serve,
	}
}

func serve(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"), command.String("log-format"))

	logger := log.WithModule("taskflow")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if command.Bool("otel-enabled") {
		tracerProvider, err := otelhelper.NewTracerProvider(ctx, "taskflow")
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}

		defer func() {
			if err := tracerProvider.Shutdown(context.Background()); err != nil {
				logger.Error("Failed to shutdown tracer provider", "error", err)
			}
		}()
	}

	config := engineConfig(command)

	store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		if err := store.Close(context.Background()); err != nil {
			logger.Error("Failed to close persistence", "error", err)
		}
	}()

	source := definitions.NewStoreSource(store, logger)

	if path := command.String("definitions-path"); path != "" {
		specs, err := definitions.LoadDir(path)
		if err != nil {
			return fmt.Errorf("failed to load definitions from %s: %w", path, err)
		}

		if err := source.PutAll(ctx, specs); err != nil {
			return err
		}

		logger.InfoContext(ctx, "Loaded workflow definitions", "path", path, "count", len(specs))
	}

	eventBus, err := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.Error("Failed to close event bus", "error", err)
		}
	}()

	deduplicator, err := cmd.NewDeduplicator(ctx, logger, command.String("dedup-url"), config.DedupResetInterval)
	if err != nil {
		return err
	}

	defer func() {
		if err := deduplicator.Close(); err != nil {
			logger.Error("Failed to close dedup store", "error", err)
		}
	}()

	eng := engine.New(store, source, eventBus,
		engine.WithConfig(config),
		engine.WithLogger(logger),
		engine.WithDeduplicator(deduplicator),
	)

	if err := eng.Start(ctx); err != nil {
		return err
	}

	maintenance := engine.NewMaintenance(eng, logger)
	if err := maintenance.Start(ctx); err != nil {
		return err
	}

	api := web.NewAPI(logger, eng, store)

	errs := make(chan error, 1)

	go func() {
		errs <- api.Start(command.Int("port"))
	}()

	select {
	case err = <-errs:
		logger.Error("HTTP server stopped", "error", err)
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := api.Shutdown(); err != nil {
		logger.Error("Failed to shutdown HTTP server", "error", err)
	}

	if err := maintenance.Stop(shutdownCtx); err != nil {
		logger.Error("Failed to stop maintenance jobs", "error", err)
	}

	eng.Wait()

	return err
}
