package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitzeman/RunNote/internal/activities"
	"github.com/hitzeman/RunNote/internal/auth"
	"github.com/hitzeman/RunNote/internal/config"
	"github.com/hitzeman/RunNote/internal/credentials"
	"github.com/hitzeman/RunNote/internal/database"
	"github.com/hitzeman/RunNote/internal/logging"
	"github.com/hitzeman/RunNote/internal/oauth"
	"github.com/hitzeman/RunNote/internal/server"
	"github.com/hitzeman/RunNote/internal/strava"
	"github.com/hitzeman/RunNote/internal/synchronizer"
	"github.com/hitzeman/RunNote/internal/users"
	"github.com/hitzeman/RunNote/internal/webhook"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "runnote-api",
		Short: "RunNote Strava sync backend service",
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
	cmd.PersistentFlags().String("base-url", defaults.GetString("app.base_url"), "Application base URL for post-callback redirects")
	cmd.PersistentFlags().String("strava-client-id", defaults.GetString("strava.client_id"), "Strava OAuth client ID")
	cmd.PersistentFlags().String("strava-redirect-url", defaults.GetString("strava.redirect_url"), "Strava OAuth callback URL")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("strava-client-secret", "", "Strava OAuth client secret (overrides env)")
	cmd.PersistentFlags().String("strava-verify-token", "", "Strava webhook verify token (overrides env)")
	cmd.PersistentFlags().String("session-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "app.base_url", "base-url")
	bindFlag(cmd, "strava.client_id", "strava-client-id")
	bindFlag(cmd, "strava.redirect_url", "strava-redirect-url")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "strava.client_secret", "strava-client-secret")
	bindFlag(cmd, "strava.verify_token", "strava-verify-token")
	bindFlag(cmd, "session.signing_secret", "session-secret")
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

	platform, err := strava.NewClient(strava.ClientConfig{
		ClientID:     appConfig.StravaClientID,
		ClientSecret: appConfig.StravaClientSecret,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	credentialStore, err := credentials.NewStore(credentials.StoreConfig{Database: db})
	if err != nil {
		return err
	}

	refresher, err := credentials.NewRefresher(credentials.RefresherConfig{
		Store:    credentialStore,
		Platform: platform,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	stateLedger, err := oauth.NewStateLedger(oauth.StateLedgerConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	flow, err := oauth.NewFlowController(oauth.FlowControllerConfig{
		States:      stateLedger,
		Platform:    platform,
		Credentials: credentialStore,
		RedirectURL: appConfig.StravaRedirectURL,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	activityStore, err := activities.NewStore(activities.StoreConfig{Database: db})
	if err != nil {
		return err
	}

	gateway, err := webhook.NewGateway(webhook.GatewayConfig{
		VerifyToken: appConfig.WebhookVerifyToken,
		Users:       userService,
		Refresher:   refresher,
		Platform:    platform,
		Activities:  activityStore,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	reconciler, err := synchronizer.NewReconciler(synchronizer.ReconcilerConfig{
		Users:      userService,
		Refresher:  refresher,
		Platform:   platform,
		Activities: activityStore,
		ItemDelay:  appConfig.SyncItemDelay,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	sessionManager, err := auth.NewSessionManager(auth.SessionManagerConfig{
		SigningSecret: []byte(appConfig.SessionSigningKey),
		CookieName:    appConfig.SessionCookieName,
		TTL:           appConfig.SessionTTL,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Flow:       flow,
		Webhooks:   gateway,
		Reconciler: reconciler,
		Activities: activityStore,
		Users:      userService,
		Sessions:   sessionManager,
		BaseURL:    appConfig.BaseURL,
		Logger:     logger,
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
