package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/stream254/throttle/internal/config"
	"github.com/stream254/throttle/internal/observability"
	"github.com/stream254/throttle/internal/ratelimit"
	"github.com/stream254/throttle/internal/server"
	"github.com/stream254/throttle/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm/logger"
)

const redisPingTimeout = 2 * time.Second

var (
	cfgFile string
	verbose bool

	// Set by PersistentPreRunE for every subcommand
	appConfig *config.Config
	appLogger *zap.Logger

	versionInfo struct {
		Version   string
		Commit    string
		BuildDate string
	}
)

// SetVersionInfo is called by main package to set version information
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var rootCmd = &cobra.Command{
	Use:   "stream254",
	Short: "Request throttle for Stream254 sensitive operations",
	Long: `stream254 protects OTP login and newsletter signup with a windowed
request throttle backed by Redis and a SQL database.

Use the subcommands to run the service or inspect throttle state.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		level := cfg.Log.Level
		if verbose {
			level = "debug"
		}
		log, err := observability.NewLogger(level, cfg.Env)
		if err != nil {
			return err
		}

		appConfig = cfg
		appLogger = log
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if appLogger != nil {
			_ = appLogger.Sync()
		}
	},
}

// Execute adds all child commands to the root command and runs it
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (optional; environment variables use the STREAM254_ prefix)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (sets log level to debug)")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "stream254 %s (commit %s, built %s)\n",
			versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
	},
}

func openDatabase(cfg *config.Config, migrate bool) (*storage.Database, error) {
	level := logger.Warn
	if verbose {
		level = logger.Info
	}

	db, err := storage.NewDatabase(storage.DatabaseConfig{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		LogLevel:        level,
	})
	if err != nil {
		return nil, err
	}

	if migrate {
		if err := db.AutoMigrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	return db, nil
}

// Builds the Redis client when configured. An unreachable server is only
// logged; the throttle's breaker skips it until it answers again.
func openRedis(cfg *config.Config, log *zap.Logger) *storage.RedisClient {
	if !cfg.Redis.Enabled() {
		log.Info("redis not configured, throttling from the database only")
		return nil
	}

	client, err := storage.OpenRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Warn("invalid redis configuration, throttling from the database only", zap.Error(err))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()

	if err := client.Ping(ctx); err != nil {
		log.Warn("redis unreachable at startup, falling back to the database until it recovers",
			zap.String("addr", cfg.Redis.Addr),
			zap.Error(err))
		return client
	}

	log.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))
	return client
}

// Opens the stores and builds a throttle for offline commands
func openThrottle(cfg *config.Config, log *zap.Logger) (*ratelimit.DurableBackend, *ratelimit.Throttle, func(), error) {
	db, err := openDatabase(cfg, cfg.Database.AutoMigrate)
	if err != nil {
		return nil, nil, nil, err
	}

	redis := openRedis(cfg, log)
	durable, throttle := server.NewThrottle(cfg, db, redis, nil, log)

	closeFn := func() {
		if redis != nil {
			_ = redis.Close()
		}
		_ = db.Close()
	}

	return durable, throttle, closeFn, nil
}
