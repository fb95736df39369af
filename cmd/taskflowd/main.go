package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danpasecinic/taskflow/internal/config"
	"github.com/danpasecinic/taskflow/internal/daemon/api"
	"github.com/danpasecinic/taskflow/internal/daemon/resources"
	"github.com/danpasecinic/taskflow/internal/daemon/scheduler"
	"github.com/danpasecinic/taskflow/internal/daemon/state"
	"github.com/danpasecinic/taskflow/internal/logging"
)

const shutdownTimeout = 10 * time.Second

var configPath string

var rootCmd = &cobra.Command{
	Use:          "taskflowd",
	Short:        "Taskflow daemon - admits queued commands as memory and GPU free up",
	Version:      "0.1.0",
	SilenceUsage: true,
	Args:         cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(configPath)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "settings file")
}

func main() {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(path string) error {
	settings, err := config.Load(path)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(settings.LogLevel, settings.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, closer, err := initStore(settings, logger)
	if err != nil {
		return err
	}
	if closer != nil {
		defer func() {
			if err := closer(); err != nil {
				logger.Error("Error closing store", zap.Error(err))
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var gpu resources.GPUQuerier
	if smi, err := resources.NewNvidiaSMI(settings.NvidiaSmiPath); err == nil {
		gpu = smi
	} else {
		logger.Debug("nvidia-smi lookup failed", zap.Error(err))
	}

	resourceState := resources.NewState(ctx, resources.HostMemory{}, gpu, logger)
	refresher := resources.NewRefresher(resourceState, settings.SystemQueryInterval, logger)
	go refresher.Run(ctx)

	sched := scheduler.NewScheduler(
		store, resourceState, scheduler.Options{
			ReservedMemoryBytes:    int64(settings.ReservedMemoryBytes),
			ReservedGPUMemoryBytes: int64(settings.ReservedGPUMemoryBytes),
			Interval:               settings.SchedulerInterval,
		}, logger,
	)
	go sched.Run(ctx)

	server := api.NewServer(store, sched, resourceState, settings.SessionPollInterval, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(requestLogger(logger))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	e.GET(
		"/health", func(c echo.Context) error {
			return c.JSON(
				http.StatusOK, map[string]string{
					"status":  "ok",
					"service": "taskflowd",
				},
			)
		},
	)

	server.RegisterRoutes(e)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info(
			"Daemon listening",
			zap.String("address", settings.Address()),
			zap.Bool("gpu_available", resourceState.GPUAvailable()),
			zap.String("store", settings.StoreType),
		)
		if err := e.Start(settings.Address()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serverErr:
		runErr = fmt.Errorf("api server failed: %w", err)
		logger.Error("API server failed", zap.Error(err))
	}

	sched.Stop()
	refresher.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Task sessions did not finish in time", zap.Error(err))
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down API server", zap.Error(err))
	}

	logger.Info("Daemon stopped")
	return runErr
}

// initStore builds the configured task store.
// Returns the store and an optional closer function.
func initStore(settings config.Settings, logger *zap.Logger) (state.TaskStore, func() error, error) {
	switch settings.StoreType {
	case config.StorePostgres:
		logger.Info("Initializing PostgreSQL store")
		pgStore, err := state.NewPostgresStore(settings.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize PostgreSQL store: %w", err)
		}

		// sessions do not survive a restart, so neither do their tasks
		purged, err := pgStore.Purge()
		if err != nil {
			_ = pgStore.Close()
			return nil, nil, fmt.Errorf("failed to purge stale tasks: %w", err)
		}
		if purged > 0 {
			logger.Info("Removed tasks left by a previous run", zap.Int64("count", purged))
		}
		return pgStore, pgStore.Close, nil

	default:
		logger.Info("Using in-memory store")
		return state.NewInMemoryStore(), nil, nil
	}
}

func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(
		middleware.RequestLoggerConfig{
			LogMethod:  true,
			LogURI:     true,
			LogStatus:  true,
			LogLatency: true,
			LogError:   true,
			LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
				fields := []zap.Field{
					zap.String("method", v.Method),
					zap.String("uri", v.URI),
					zap.Int("status", v.Status),
					zap.Duration("latency", v.Latency),
				}
				if v.Error != nil {
					fields = append(fields, zap.Error(v.Error))
					logger.Warn("Request failed", fields...)
					return nil
				}
				logger.Debug("Request", fields...)
				return nil
			},
		},
	)
}
