package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/stream254/throttle/internal/server"
	"go.uber.org/zap"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := appConfig
		log := appLogger

		if servePort != "" {
			cfg.Server.Port = servePort
		}

		db, err := openDatabase(cfg, cfg.Database.AutoMigrate)
		if err != nil {
			return err
		}
		defer db.Close()

		redis := openRedis(cfg, log)
		if redis != nil {
			defer redis.Close()
		}

		srv, err := server.New(cfg, db, server.Deps{Redis: redis}, log)
		if err != nil {
			return err
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Run(":" + cfg.Server.Port)
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			if err != nil {
				log.Error("server failed", zap.Error(err))
				return err
			}
		case sig := <-quit:
			log.Info("received signal", zap.String("signal", sig.String()))
		}

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error("server forced to shutdown", zap.Error(err))
			return err
		}

		log.Info("server exited")
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&servePort, "port", "", "Override server.port")
	rootCmd.AddCommand(serveCmd)
}
