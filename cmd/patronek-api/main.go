package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/patronek-app/patronek/backend/internal/auth"
	"github.com/patronek-app/patronek/backend/internal/comments"
	"github.com/patronek-app/patronek/backend/internal/config"
	"github.com/patronek-app/patronek/backend/internal/database"
	"github.com/patronek-app/patronek/backend/internal/likes"
	"github.com/patronek-app/patronek/backend/internal/logging"
	"github.com/patronek-app/patronek/backend/internal/notifications"
	"github.com/patronek-app/patronek/backend/internal/reconcile"
	"github.com/patronek-app/patronek/backend/internal/resilience"
	"github.com/patronek-app/patronek/backend/internal/server"
	"github.com/patronek-app/patronek/backend/internal/slides"
	"github.com/patronek-app/patronek/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "patronek-api",
		Short: "Patronek feed backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute denormalized slide counters from relation rows",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd.Context())
		},
	}
	rootCmd.AddCommand(reconcileCmd)

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
	cmd.PersistentFlags().String("session-issuer", defaults.GetString("session.issuer"), "Expected session token issuer")
	cmd.PersistentFlags().String("session-signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Int("retry-max-attempts", defaults.GetInt("retry.max_attempts"), "Retry budget for transient backend failures")
	cmd.PersistentFlags().Int("retry-base-delay-ms", defaults.GetInt("retry.base_delay_ms"), "Base backoff delay in milliseconds")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.issuer", "session-issuer")
	bindFlag(cmd, "session.signing_secret", "session-signing-secret")
	bindFlag(cmd, "retry.max_attempts", "retry-max-attempts")
	bindFlag(cmd, "retry.base_delay_ms", "retry-base-delay-ms")
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

type application struct {
	cfg      config.AppConfig
	logger   *zap.Logger
	db       *gorm.DB
	executor *resilience.Executor
	shutdown func()
}

func newApplication() (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		logger.Sync() //nolint:errcheck
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		logger.Sync() //nolint:errcheck
		return nil, err
	}

	executor := resilience.NewExecutor(resilience.ExecutorConfig{
		AttemptTimeout: appConfig.StatementTimeout,
		MaxRetries:     appConfig.RetryMaxAttempts,
		BaseDelay:      appConfig.RetryBaseDelay,
		Logger:         logger,
	})

	return &application{
		cfg:      appConfig,
		logger:   logger,
		db:       db,
		executor: executor,
		shutdown: func() {
			sqlDB.Close() //nolint:errcheck
			logger.Sync() //nolint:errcheck
		},
	}, nil
}

func runServer(ctx context.Context) error {
	app, err := newApplication()
	if err != nil {
		return err
	}
	defer app.shutdown()

	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(app.cfg.SessionSigningSecret),
		Issuer:        app.cfg.SessionIssuer,
		CookieName:    app.cfg.SessionCookieName,
	})
	if err != nil {
		return err
	}

	notificationStore, err := notifications.NewStore(notifications.StoreConfig{
		Database: app.db,
		Executor: app.executor,
		Logger:   app.logger,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: app.db,
		Executor: app.executor,
		Notifier: notificationStore,
		Logger:   app.logger,
	})
	if err != nil {
		return err
	}

	slideStore, err := slides.NewStore(slides.StoreConfig{
		Database: app.db,
		Executor: app.executor,
		Logger:   app.logger,
	})
	if err != nil {
		return err
	}

	commentStore, err := comments.NewStore(comments.StoreConfig{
		Database: app.db,
		Executor: app.executor,
		Notifier: notificationStore,
		Logger:   app.logger,
	})
	if err != nil {
		return err
	}

	likeService, err := likes.NewService(likes.ServiceConfig{
		Database: app.db,
		Executor: app.executor,
		Notifier: notificationStore,
		Logger:   app.logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:      sessions,
		Users:         userService,
		Slides:        slideStore,
		Comments:      commentStore,
		Likes:         likeService,
		Notifications: notificationStore,
		Logger:        app.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    app.cfg.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("server starting", zap.String("address", app.cfg.HTTPAddress))
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

func runReconcile(ctx context.Context) error {
	app, err := newApplication()
	if err != nil {
		return err
	}
	defer app.shutdown()

	reconciler, err := reconcile.NewReconciler(reconcile.ReconcilerConfig{
		Database: app.db,
		Executor: app.executor,
		Logger:   app.logger,
	})
	if err != nil {
		return err
	}

	report, err := reconciler.Run(ctx)
	if err != nil {
		return err
	}
	app.logger.Info("reconcile complete",
		zap.Int("slides_checked", report.SlidesChecked),
		zap.Int("like_counts_repaired", report.LikeCountRepaired),
		zap.Int("comment_counts_repaired", report.CommentCountRepaired))
	return nil
}
