package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"dripflow/clients"
	"dripflow/config"
	"dripflow/middleware"
	"dripflow/queue"
	"dripflow/routes"
	"dripflow/scheduler"
	"dripflow/worker"
)

// runtime holds the long-lived dependencies shared by the commands
type runtime struct {
	logger   *logrus.Logger
	redis    *redis.Client
	registry *prometheus.Registry
	queue    *queue.RedisQueue
	metrics  *queue.Metrics
	service  *scheduler.Service
	flush    func()
}

func bootstrap() (*runtime, error) {
	if err := config.LoadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg := config.AppConfig
	logger := config.NewLogger(cfg)
	config.LogSummary(logger)

	flush, err := config.InitSentry(cfg)
	if err != nil {
		return nil, err
	}

	if err := config.ConnectDB(); err != nil {
		return nil, err
	}
	if err := config.Migrate(config.DB); err != nil {
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := queue.NewMetrics(registry)

	entry := logrus.NewEntry(logger)
	q := queue.NewRedisQueue(client, queue.Options{
		Prefix:       cfg.Queue.Prefix,
		Concurrency:  cfg.Queue.Concurrency,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		Backoff:      cfg.Queue.Backoff,
		PollInterval: cfg.Queue.PollInterval,
	}, metrics, entry)

	service := scheduler.New(scheduler.Deps{
		DB:         config.DB,
		Queue:      q,
		QueueStats: q,
		Generator: clients.NewContentClient(clients.HTTPConfig{
			BaseURL: cfg.Content.URL,
			APIKey:  cfg.Content.APIKey,
			Timeout: cfg.Content.Timeout,
		}, entry),
		Notifier: clients.NewReviewMailer(clients.MailConfig{
			Host:      cfg.SMTPHost,
			Port:      cfg.SMTPPort,
			Username:  cfg.SMTPUsername,
			Password:  cfg.SMTPPassword,
			FromEmail: cfg.FromEmail,
			FromName:  cfg.FromName,
		}, entry),
		Publisher: clients.NewPublisherClient(clients.HTTPConfig{
			BaseURL: cfg.Publisher.URL,
			APIKey:  cfg.Publisher.APIKey,
			Timeout: cfg.Publisher.Timeout,
		}, entry),
		Channels:                    clients.NewChannelDirectory(config.DB, cfg.ChannelCacheBytes, int(cfg.ChannelCacheTTL.Seconds())),
		AppURL:                      cfg.AppURL,
		Logger:                      entry,
		DefaultMaxConsecutiveErrors: cfg.DefaultMaxConsecutiveErrors,
	})

	return &runtime{
		logger:   logger,
		redis:    client,
		registry: registry,
		queue:    q,
		metrics:  metrics,
		service:  service,
		flush:    flush,
	}, nil
}

func (rt *runtime) close() {
	_ = rt.redis.Close()
	if sqlDB, err := config.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
	rt.flush()
}

// startWorkers runs the stage worker and the queue monitor until ctx is done
func (rt *runtime) startWorkers(ctx context.Context, wg *sync.WaitGroup) {
	entry := logrus.NewEntry(rt.logger)
	stageWorker := worker.NewStageWorker(rt.queue, rt.service.Processor().Handlers(), entry)
	monitor := worker.NewQueueMonitor(rt.queue, rt.metrics, config.AppConfig.MonitorInterval, entry)

	wg.Add(2)
	go func() {
		defer wg.Done()
		stageWorker.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		monitor.Start(ctx)
	}()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func serveCommand() *cobra.Command {
	withWorkers := true
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "start the HTTP API (and the queue workers unless --workers=false)",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap()
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, stop := signalContext()
			defer stop()

			var wg sync.WaitGroup
			if withWorkers {
				rt.startWorkers(ctx, &wg)
			}

			cfg := config.AppConfig
			app := routes.NewApp(routes.Deps{
				Service:        rt.service,
				JWTSecret:      cfg.JWTSecret,
				AllowedOrigins: middleware.ParseOrigins(cfg.AllowedOrigins),
				RateLimit:      cfg.RateLimitCampaignActions,
				RateStorage:    middleware.NewRedisStorage(rt.redis),
				Gatherer:       rt.registry,
				Logger:         logrus.NewEntry(rt.logger),
				RequestLogging: true,
			})

			go func() {
				<-ctx.Done()
				rt.logger.Info("Shutting down HTTP server...")
				if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
					rt.logger.WithError(err).Error("HTTP shutdown failed")
				}
			}()

			rt.logger.Infof("Server starting on port %s", cfg.ServerPort)
			if err := app.Listen(":" + cfg.ServerPort); err != nil {
				return fmt.Errorf("failed to start server: %w", err)
			}

			stop()
			wg.Wait()
			return nil
		},
	}
	cmd.Flags().BoolVar(&withWorkers, "workers", true, "run the stage workers in this process")
	return cmd
}

func workerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "run the queue workers only",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap()
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, stop := signalContext()
			defer stop()

			var wg sync.WaitGroup
			rt.startWorkers(ctx, &wg)
			wg.Wait()
			return nil
		},
	}
}

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadConfig(); err != nil {
				return err
			}
			config.NewLogger(config.AppConfig)
			if err := config.ConnectDB(); err != nil {
				return err
			}
			if err := config.Migrate(config.DB); err != nil {
				return fmt.Errorf("database migration failed: %w", err)
			}
			logrus.Info("Database migration completed")
			return nil
		},
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "dripflow",
		Short:        "recurring social campaign scheduler",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		serveCommand(),
		workerCommand(),
		migrateCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
