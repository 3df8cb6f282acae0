package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/signfastlab/backend/internal/annotations"
	"github.com/signfastlab/backend/internal/audit"
	"github.com/signfastlab/backend/internal/compositor"
	"github.com/signfastlab/backend/internal/config"
	"github.com/signfastlab/backend/internal/database"
	"github.com/signfastlab/backend/internal/documents"
	"github.com/signfastlab/backend/internal/logging"
	"github.com/signfastlab/backend/internal/mail"
	"github.com/signfastlab/backend/internal/storage"
	"github.com/signfastlab/backend/internal/worker"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "signfast-worker",
		Short: "SignFast delivery worker",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context())
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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for the delivery queue")
	cmd.PersistentFlags().String("smtp-host", defaults.GetString("smtp.host"), "SMTP relay host")

	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "smtp.host", "smtp-host")
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

func runWorker(ctx context.Context) error {
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

	sender, err := mail.NewSMTPSender(mail.SMTPConfig{
		Host:     appConfig.SMTPHost,
		Port:     appConfig.SMTPPort,
		Username: appConfig.SMTPUsername,
		Password: appConfig.SMTPPassword,
		From:     appConfig.SMTPFrom,
	})
	if err != nil {
		return err
	}

	processor := worker.NewProcessor(worker.ProcessorConfig{
		Documents:  documentService,
		Presigner:  objectStore,
		Sender:     sender,
		PresignTTL: appConfig.PresignTTL,
		Logger:     logger,
	})

	asynqServer := asynq.NewServer(
		asynq.RedisClientOpt{Addr: appConfig.RedisAddress},
		asynq.Config{Concurrency: 4},
	)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-signalCtx.Done()
		asynqServer.Shutdown()
	}()

	logger.Info("worker starting", zap.String("redis", appConfig.RedisAddress))
	return asynqServer.Run(processor.Handler())
}
