package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/config"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/dispatch"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/ingest"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/registry"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/server"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/store"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/streams"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pulse-api",
		Short: "Pulse realtime stream service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("store-driver", defaults.GetString("store.driver"), "Item store driver (memory, sqlite, pebble, redis)")
	cmd.PersistentFlags().String("sqlite-path", defaults.GetString("store.sqlite_path"), "SQLite database path")
	cmd.PersistentFlags().String("pebble-dir", defaults.GetString("store.pebble_dir"), "Pebble data directory")
	cmd.PersistentFlags().String("redis-url", "", "Redis URL")
	cmd.PersistentFlags().StringSlice("kafka-brokers", nil, "Kafka brokers for event ingest")
	cmd.PersistentFlags().String("kafka-topic", "", "Kafka topic for event ingest")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "store.driver", "store-driver")
	bindFlag(cmd, "store.sqlite_path", "sqlite-path")
	bindFlag(cmd, "store.pebble_dir", "pebble-dir")
	bindFlag(cmd, "store.redis_url", "redis-url")
	bindFlag(cmd, "ingest.kafka.brokers", "kafka-brokers")
	bindFlag(cmd, "ingest.kafka.topic", "kafka-topic")
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

func newTokenCommand() *cobra.Command {
	var userID, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				Issuer:        appConfig.AuthIssuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueSessionToken(cmd.Context(), auth.Identity{UserID: userID, Role: role})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id carried by the token")
	cmd.Flags().StringVar(&role, "role", auth.DefaultRole, "Role carried by the token")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
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

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(signalCtx, appConfig, logger)
	if err != nil {
		return err
	}

	catalog := streams.DefaultCatalog()
	validator, err := streams.NewValidator(streams.ValidatorConfig{Catalog: catalog})
	if err != nil {
		return err
	}
	itemStore, err := store.New(store.Config{
		Backend:        backend,
		Logger:         logger,
		Revalidator:    validator,
		RetryAttempts:  appConfig.StoreRetryAttempts,
		RetryBaseDelay: appConfig.StoreRetryBaseDelay,
	})
	if err != nil {
		_ = backend.Close()
		return err
	}
	defer itemStore.Close()

	connections := registry.New()
	dispatcher := dispatch.New(dispatch.Config{
		Lookup:      connections,
		Workers:     appConfig.DispatchWorkers,
		QueueSize:   appConfig.DispatchQueueSize,
		SendTimeout: appConfig.DispatchSendTimeout,
		Logger:      logger,
	})
	hub, err := realtime.NewHub(realtime.HubConfig{
		Validator:  validator,
		Store:      itemStore,
		Registry:   connections,
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	if reset, err := hub.ResetPresence(signalCtx); err != nil {
		logger.Warn("presence reset failed", zap.Error(err))
	} else if reset > 0 {
		logger.Info("stale presence reset", zap.Int("users", reset))
	}

	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
		Leeway:        appConfig.AuthLeeway,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Hub:           hub,
		Authenticator: sessions,
		Stats:         dispatcher,
		Transport: server.TransportConfig{
			HeartbeatInterval: appConfig.TransportHeartbeatInterval,
			ClientRate:        appConfig.TransportClientRate,
			ClientBurst:       appConfig.TransportClientBurst,
			Buffer:            appConfig.TransportBuffer,
			AllowedOrigins:    appConfig.TransportAllowedOrigins,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	defer func() {
		cancelWorkers()
		workers.Wait()
	}()

	workers.Add(2)
	go func() {
		defer workers.Done()
		dispatcher.Run(workerCtx)
	}()
	janitor := store.NewJanitor(itemStore, catalog, appConfig.StoreJanitorInterval, logger)
	go func() {
		defer workers.Done()
		janitor.Run(workerCtx)
	}()

	if appConfig.KafkaEnabled() {
		consumer, err := newIngestConsumer(appConfig, hub, logger)
		if err != nil {
			return err
		}
		defer consumer.Close()
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := consumer.Run(signalCtx); err != nil {
				logger.Error("kafka ingest stopped", zap.Error(err))
			}
		}()
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("store_driver", appConfig.StoreDriver))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newIngestConsumer(appConfig config.AppConfig, publisher ingest.Publisher, logger *zap.Logger) (*ingest.Consumer, error) {
	reader, err := ingest.NewReader(ingest.ReaderConfig{
		Brokers: appConfig.KafkaBrokers,
		Topic:   appConfig.KafkaTopic,
		GroupID: appConfig.KafkaGroupID,
	})
	if err != nil {
		return nil, err
	}
	consumer, err := ingest.NewConsumer(ingest.ConsumerConfig{Reader: reader, Publisher: publisher, Logger: logger})
	if err != nil {
		_ = reader.Close()
		return nil, err
	}
	return consumer, nil
}
