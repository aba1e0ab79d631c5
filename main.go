package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"dbresolve/internal/config"
	"dbresolve/internal/gateway"
	"dbresolve/internal/redis"
	"dbresolve/internal/service/audit"
	"dbresolve/internal/service/linking"
	"dbresolve/internal/service/resolver"
	"dbresolve/internal/storage"
	"dbresolve/internal/worker"
)

type rootOptions struct {
	configPath string
	debug      bool

	level  zap.AtomicLevel
	logger *zap.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{level: zap.NewAtomicLevelAt(zapcore.InfoLevel)}

	root := &cobra.Command{
		Use:   "dbresolve",
		Short: "Resolve profile and account linking intents against the user store",
		Long: `dbresolve answers NLU messages (intent plus entities) that read or change
user details, and runs the account linking workflow, against the REST user
store configured with DATABASE_ENDPOINT.

Run without a subcommand to start the HTTP server.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			zapCfg := zap.NewProductionConfig()
			if opts.debug {
				opts.level.SetLevel(zapcore.DebugLevel)
			}
			zapCfg.Level = opts.level
			logger, err := zapCfg.Build()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			opts.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("DBRESOLVE_CONFIG"), "config file (json or yaml)")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	serve := newServeCmd(opts)
	root.RunE = serve.RunE
	root.AddCommand(serve, newResolveCmd(opts))
	return root
}

// loadConfig reads the configuration and applies its log level unless
// --debug already forced one.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if !o.debug && cfg.BasicConfig.LogLevel != "" {
		if err := o.level.UnmarshalText([]byte(cfg.BasicConfig.LogLevel)); err != nil {
			o.logger.Warn("ignoring invalid log level", zap.String("log_level", cfg.BasicConfig.LogLevel))
		}
	}
	return cfg, nil
}

// app holds the wired services and whatever must be released on exit.
type app struct {
	resolver *resolver.Dispatcher
	recorder *audit.Recorder
	closers  []func(context.Context) error
}

func newApp(cfg *config.Config, logger *zap.Logger, withAudit bool) (*app, error) {
	a := &app{}
	store := gateway.New(cfg.Gateway.Endpoint, cfg.GatewayTimeout(), gateway.WithLogger(logger.Named("gateway")))

	opts := resolver.Options{
		Limiter: a.newLimiter(cfg, logger),
		Linking: linking.Config{MaxCodeAttempts: cfg.Linking.MaxCodeAttempts},
		Logger:  logger.Named("resolver"),
	}
	if withAudit && cfg.Audit.Driver != "" {
		recorder, err := a.newRecorder(cfg, logger)
		if err != nil {
			a.close(context.Background())
			return nil, err
		}
		a.recorder = recorder
		opts.Recorder = recorder
	}
	a.resolver = resolver.New(store, opts)
	return a, nil
}

// newLimiter prefers the shared redis counters and falls back to an
// in-process limiter.
func (a *app) newLimiter(cfg *config.Config, logger *zap.Logger) linking.Limiter {
	limit, window := cfg.Linking.MaxVerifyFailures, cfg.VerifyWindow()
	rdb, err := redis.NewRedisClient(cfg)
	switch {
	case errors.Is(err, redis.ErrNotConfigured):
		logger.Info("redis not configured, using in-memory attempt limiter")
		return linking.NewMemoryLimiter(limit, window)
	case err != nil:
		logger.Warn("redis unavailable, using in-memory attempt limiter", zap.Error(err))
		return linking.NewMemoryLimiter(limit, window)
	}
	a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })
	return linking.NewRedisLimiter(rdb, limit, window)
}

func (a *app) newRecorder(cfg *config.Config, logger *zap.Logger) (*audit.Recorder, error) {
	driver := cfg.Audit.Driver
	db, err := storage.Open(driver, cfg)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })
	if err := storage.Migrate(db, driver); err != nil {
		return nil, fmt.Errorf("migrate audit database: %w", err)
	}

	pool := worker.NewDispatcher(worker.Config{
		MinWorkers:  cfg.Audit.MinWorkers,
		MaxWorkers:  cfg.Audit.MaxWorkers,
		QueueSize:   cfg.Audit.QueueSize,
		IdleTimeout: cfg.AuditIdleTimeout(),
	}, logger.Named("worker"))
	// the pool must drain before the database closes
	a.closers = append(a.closers, pool.Close)
	logger.Info("audit trail enabled", zap.String("driver", driver))
	return audit.NewRecorder(db, pool, logger.Named("audit")), nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
