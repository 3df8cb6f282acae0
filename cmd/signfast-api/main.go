package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/signfastlab/backend/internal/annotations"
	"github.com/signfastlab/backend/internal/audit"
	"github.com/signfastlab/backend/internal/auth"
	"github.com/signfastlab/backend/internal/compositor"
	"github.com/signfastlab/backend/internal/config"
	"github.com/signfastlab/backend/internal/database"
	"github.com/signfastlab/backend/internal/documents"
	"github.com/signfastlab/backend/internal/logging"
	"github.com/signfastlab/backend/internal/queue"
	"github.com/signfastlab/backend/internal/server"
	"github.com/signfastlab/backend/internal/storage"
	"github.com/signfastlab/backend/internal/users"
)

var (
	cfgFile string
)

// Abandoned annotation sessions reseed from the persisted draft on the next
// open, so an aggressive idle TTL only costs one extra database read.
const (
	sessionIdleTTL       = 30 * time.Minute
	sessionPruneInterval = 5 * time.Minute
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "signfast-api",
		Short: "SignFast document signing backend",
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
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")
	cmd.PersistentFlags().String("storage-endpoint", defaults.GetString("storage.endpoint"), "Object storage endpoint")
	cmd.PersistentFlags().String("storage-bucket", defaults.GetString("storage.bucket"), "Object storage bucket")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for the delivery queue")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "storage.endpoint", "storage-endpoint")
	bindFlag(cmd, "storage.bucket", "storage-bucket")
	bindFlag(cmd, "redis.address", "redis-address")
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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
		TokenTTL:      appConfig.AuthTokenTTL,
	})
	if err != nil {
		return err
	}

	objectStore, err := storage.New(storage.Config{
		Endpoint:  appConfig.StorageEndpoint,
		AccessKey: appConfig.StorageAccessKey,
		SecretKey: appConfig.StorageSecretKey,
		Bucket:    appConfig.StorageBucket,
		Region:    appConfig.StorageRegion,
		UseSSL:    appConfig.StorageUseSSL,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := objectStore.EnsureBucket(signalCtx); err != nil {
		return err
	}

	idProvider := annotations.NewUUIDProvider()

	recorder, err := audit.NewRecorder(audit.RecorderConfig{
		Database:   db,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	pdfCompositor, err := compositor.New(compositor.Config{
		Fetcher: compositor.FetcherFunc(objectStore.Get),
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	documentService, err := documents.NewService(documents.ServiceConfig{
		Database:   db,
		Storage:    objectStore,
		Compositor: pdfCompositor,
		Audit:      recorder,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
	})
	if err != nil {
		return err
	}

	sessions, err := annotations.NewSessionRegistry(idProvider)
	if err != nil {
		return err
	}
	go func() {
		ticker := time.NewTicker(sessionPruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-signalCtx.Done():
				return
			case <-ticker.C:
				if pruned := sessions.PruneIdle(sessionIdleTTL); pruned > 0 {
					logger.Debug("idle annotation sessions pruned", zap.Int("count", pruned))
				}
			}
		}
	}()

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: appConfig.RedisAddress})
	defer asynqClient.Close()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:   tokenManager,
		Users:          userService,
		Documents:      documentService,
		Sessions:       sessions,
		Audit:          recorder,
		Storage:        objectStore,
		Deliveries:     queue.NewScheduler(asynqClient),
		MaxUploadBytes: appConfig.MaxUploadBytes(),
		PresignTTL:     appConfig.PresignTTL,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

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
