package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tasktide/collab/internal/auth"
	"github.com/tasktide/collab/internal/config"
	"github.com/tasktide/collab/internal/logging"
	"github.com/tasktide/collab/internal/realtime"
	"github.com/tasktide/collab/internal/server"
	"github.com/tasktide/collab/internal/storage"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "collab-server",
		Short: "Real-time workspace collaboration service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().Duration("heartbeat-timeout", defaults.GetDuration("realtime.heartbeat_timeout"), "Idle interval before a connection is considered dead")
	cmd.PersistentFlags().Duration("sweep-interval", defaults.GetDuration("realtime.sweep_interval"), "Period between liveness sweeps")
	cmd.PersistentFlags().Int("history-limit", defaults.GetInt("realtime.history_limit"), "Events retained per workspace for resync")
	cmd.PersistentFlags().Duration("history-max-age", defaults.GetDuration("realtime.history_max_age"), "Maximum age of replayable events")
	cmd.PersistentFlags().Int("send-buffer", defaults.GetInt("realtime.send_buffer"), "Outbound frames buffered per connection")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "realtime.heartbeat_timeout", "heartbeat-timeout")
	bindFlag(cmd, "realtime.sweep_interval", "sweep-interval")
	bindFlag(cmd, "realtime.history_limit", "history-limit")
	bindFlag(cmd, "realtime.history_max_age", "history-max-age")
	bindFlag(cmd, "realtime.send_buffer", "send-buffer")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := storage.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := storage.NewStore(storage.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger.Named("storage"),
	})
	if err != nil {
		return err
	}

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningKey),
		Issuer:        "collab-auth",
		Audience:      "collab-server",
	})

	core, err := realtime.NewCore(realtime.CoreConfig{
		Verifier:         tokenIssuer,
		Fetcher:          store,
		Archiver:         store,
		Logger:           logger.Named("realtime"),
		HeartbeatTimeout: appConfig.HeartbeatTimeout,
		SweepInterval:    appConfig.SweepInterval,
		HistoryLimit:     appConfig.HistoryLimit,
		HistoryMaxAge:    appConfig.HistoryMaxAge,
		SendBuffer:       appConfig.SendBuffer,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Core:     core,
		Verifier: tokenIssuer,
		Archive:  store,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go core.Run(signalCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
