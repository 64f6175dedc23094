package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"warren/pkg/actor"
	"warren/pkg/blocklist"
	"warren/pkg/config"
	"warren/pkg/crawler"
	"warren/pkg/delivery"
	"warren/pkg/inbox"
	"warren/pkg/keystore"
	"warren/pkg/metrics"
	"warren/pkg/server"
	"warren/pkg/session"
	"warren/pkg/supervisor"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "warren",
		Short: "Federation admission and delivery node",
		Long: `A federation node for a decentralized social network.
Authenticates inbound signed activities, admits them under backpressure
into a durable queue, and delivers outbound activities through bounded
per-account worker pools.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		serveCmd(),
		statusCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the federation node",
		Long:  `Start the inbox endpoints, the queue consumer, the delivery pool and the maintenance loops.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			return runServe(cfg, logger)
		},
	}
}

func runServe(cfg *config.Config, logger *zap.Logger) error {
	m := metrics.New(nil)

	// Durable backends: redis when configured, process-local otherwise.
	var (
		blockStore  blocklist.Store
		personStore actor.PersonStore
	)
	if cfg.RedisAddress != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		blockStore = blocklist.NewRedisStore(client)
		personStore = actor.NewRedisPersonStore(client)
		logger.Info("Using redis backends", zap.String("address", cfg.RedisAddress))
	} else {
		blockStore = blocklist.NewStaticStore(cfg.BlockedDomains)
		personStore = actor.NewMemoryPersonStore()
	}

	blocked := blocklist.NewCache(blockStore,
		time.Duration(cfg.BlockedCacheUpdateSecs)*time.Second, logger)

	sessions := session.NewManager(cfg.ProxyURL,
		time.Duration(cfg.DeliveryTimeoutSecs)*time.Second, logger)
	resolver := actor.NewResolver(sessions, personStore, cfg.PermittedDomains, logger)

	keys, err := keystore.NewManager(filepath.Join(cfg.DataDir, "keys"), cfg.LocalDomain, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize key store: %w", err)
	}

	queue, err := inbox.NewQueue(filepath.Join(cfg.DataDir, "queue"), logger)
	if err != nil {
		return fmt.Errorf("failed to open inbox queue: %w", err)
	}
	if recovered := queue.RecoverOrphans(); recovered > 0 {
		logger.Info("Recovered orphaned inbox items", zap.Int("count", recovered))
	}

	controller := inbox.NewController(queue, blocked, cfg.LocalDomain,
		cfg.MaxQueueLength, cfg.AllowLocalNetwork, m, logger)

	pool := delivery.NewPool(delivery.NewHTTPSender(sessions, keys, logger), m, logger)
	defer pool.Shutdown()

	// The consumer drains admitted activities. Resends of an already
	// processed id are discarded here, not at admission.
	dedup := inbox.NewDeduper()
	consumer := inbox.NewConsumer(queue, inbox.ProcessorFunc(
		func(ctx context.Context, item *inbox.QueuedItem) error {
			if dedup.Seen(item.Parsed) {
				logger.Debug("Discarded duplicate activity", zap.String("id", item.ID))
				return nil
			}
			logger.Info("Processed activity",
				zap.String("id", item.ID),
				zap.String("type", item.Parsed.Type()),
				zap.String("nickname", item.Nickname))
			return nil
		}), logger)

	watchdog := supervisor.New("inbox-consumer", consumer.Run, queue,
		time.Duration(cfg.WatchdogIntervalSecs)*time.Second, m, logger)
	watchdog.Start()
	defer watchdog.Stop()

	crawlers := crawler.NewTracker(filepath.Join(cfg.DataDir, "crawlers.json"), logger)

	reapers := supervisor.NewReapers(pool, blocked, crawlers,
		time.Duration(cfg.ReaperIntervalSecs)*time.Second,
		time.Duration(cfg.DeliveryTimeoutSecs)*time.Second,
		time.Duration(cfg.BlockedCacheUpdateSecs)*time.Second,
		m, logger)
	reapers.Start()
	defer reapers.Stop()

	var limiter *inbox.RateLimiter
	if cfg.RateLimitWindowMs > 0 {
		limiter = inbox.NewRateLimiter(time.Duration(cfg.RateLimitWindowMs) * time.Millisecond)
	}

	srv := server.New(cfg, server.Deps{
		Controller: controller,
		Limiter:    limiter,
		Resolver:   resolver,
		Keys:       keys,
		Crawlers:   crawlers,
		Pool:       pool,
		Blocked:    blocked,
		Consumer:   watchdog,
		Metrics:    m,
	}, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		// Bind failure is the one fatal outcome.
		return err
	case sig := <-sigCh:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		cfg, err := config.Load(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		return cfg, nil
	}
	return config.LoadFromEnv(), nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Warren Federation Node v0.1.0")
		},
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}
