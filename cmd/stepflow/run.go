package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dukex/stepflow/pkg/cmd"
	"github.com/dukex/stepflow/pkg/engine"
	"github.com/dukex/stepflow/pkg/log"
	"github.com/dukex/stepflow/pkg/otelhelper"
	"github.com/dukex/stepflow/pkg/steps"
	"github.com/dukex/stepflow/pkg/triggers"
	"github.com/jonboulle/clockwork"
	"github.com/urfave/cli/v3"
)

const (
	defaultPort     = 9091
	shutdownTimeout = 30 * time.Second
)

func RunCommand() *cli.Command {
	return &cli.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Usage:   "Start the engine, the triggers and the HTTP API",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			databaseURLFlag(),
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringSliceFlag{
				Name:    "kafka-brokers",
				Usage:   "Kafka brokers, required with --event-bus=kafka",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for schedule tick locks shared between instances",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.IntFlag{
				Name:    "max-concurrent-runs",
				Usage:   "Maximum workflow runs executing at once, 0 for no limit",
				Sources: cli.EnvVars("MAX_CONCURRENT_RUNS"),
			},
			&cli.BoolFlag{
				Name:    "otel",
				Usage:   "Export traces over OTLP/HTTP",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
			logLevelFlag(),
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.SetupWithFormat(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("stepflow")

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.InfoContext(ctx, "Initializing stepflow")

			engineOpts := []engine.Option{
				engine.WithMaxConcurrentRuns(int64(command.Int("max-concurrent-runs"))),
			}

			if command.Bool("otel") {
				tracer, shutdownTracer, err := otelhelper.NewTracer(ctx, "stepflow")
				if err != nil {
					return fmt.Errorf("failed to initialize tracer: %w", err)
				}

				defer func() {
					if err := shutdownTracer(context.Background()); err != nil {
						logger.Error("Failed to shutdown tracer provider", "error", err)
					}
				}()

				engineOpts = append(engineOpts, engine.WithTracer(tracer))
			}

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := persistence.Close(context.Background()); err != nil {
					logger.Error("Failed to close persistence", "error", err)
				}
			}()

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), command.StringSlice("kafka-brokers"), logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.Error("Failed to close event bus", "error", err)
				}
			}()

			clock := clockwork.NewRealClock()

			locker, closeLocker, err := cmd.NewLocker(ctx, command.String("redis-url"), clock, logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := closeLocker(); err != nil {
					logger.Error("Failed to close locker", "error", err)
				}
			}()

			registry := steps.NewDefaultRegistry(logger, steps.Options{Clock: clock})

			eng := engine.New(persistence, registry, logger, append(engineOpts,
				engine.WithClock(clock),
				engine.WithEventPublisher(eventBus))...)

			reconciled, err := eng.Reconcile(ctx)
			if err != nil {
				return err
			}

			if reconciled > 0 {
				logger.WarnContext(ctx, "Failed executions interrupted by a previous run", "count", reconciled)
			}

			manager := triggers.NewManager(eng, persistence, logger,
				triggers.WithClock(clock),
				triggers.WithLocker(locker))

			loaded, err := manager.Load(ctx)
			if err != nil {
				return err
			}

			logger.InfoContext(ctx, "Triggers loaded", "count", loaded)

			if err := manager.Subscribe(eventBus); err != nil {
				return fmt.Errorf("failed to subscribe trigger manager: %w", err)
			}

			if err := eventBus.Subscribe(ctx); err != nil {
				return fmt.Errorf("failed to subscribe to event bus: %w", err)
			}

			app := NewAPI(logger, persistence, registry, eng, manager).App()

			serveErr := make(chan error, 1)

			go func() {
				serveErr <- app.Listen(":" + strconv.Itoa(command.Int("port")))
			}()

			select {
			case err = <-serveErr:
				logger.ErrorContext(ctx, "HTTP server stopped", "error", err)
			case <-ctx.Done():
				logger.Info("Shutting down")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			return errors.Join(
				err,
				app.ShutdownWithContext(shutdownCtx),
				manager.Stop(shutdownCtx),
				eng.Shutdown(shutdownCtx),
			)
		},
	}
}
