package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/changefeed"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/config"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/database"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/server"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	tokenIssuer     = "codevault-auth"
	tokenAudience   = "codevault-api"
	shutdownTimeout = 10 * time.Second
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "codevault-api",
		Short: "CodeVault snippet sync service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newPrefsCommand())

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
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log encoding (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Access token TTL in minutes")
	cmd.PersistentFlags().String("google-client-id", defaults.GetString("google.client_id"), "Google OAuth client ID")
	cmd.PersistentFlags().String("google-jwks-url", defaults.GetString("google.jwks_url"), "Google JWKS URL")
	cmd.PersistentFlags().String("github-client-id", "", "GitHub OAuth client ID")
	cmd.PersistentFlags().String("github-client-secret", "", "GitHub OAuth client secret")
	cmd.PersistentFlags().String("github-callback-url", "", "GitHub OAuth callback URL")
	cmd.PersistentFlags().String("app-origin", defaults.GetString("app.origin"), "Public origin of the web app")
	cmd.PersistentFlags().String("allowed-origins", defaults.GetString("cors.allowed_origins"), "Comma separated CORS origins")
	cmd.PersistentFlags().String("prefs-path", defaults.GetString("prefs.path"), "Local preferences file")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "google.client_id", "google-client-id")
	bindFlag(cmd, "google.jwks_url", "google-jwks-url")
	bindFlag(cmd, "github.client_id", "github-client-id")
	bindFlag(cmd, "github.client_secret", "github-client-secret")
	bindFlag(cmd, "github.callback_url", "github-callback-url")
	bindFlag(cmd, "app.origin", "app-origin")
	bindFlag(cmd, "cors.allowed_origins", "allowed-origins")
	bindFlag(cmd, "prefs.path", "prefs-path")
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

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
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
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        tokenIssuer,
		Audience:      tokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}
	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{Tokens: tokenManager})
	if err != nil {
		return err
	}
	hasher := auth.NewPasswordHasher(appConfig.BcryptCost)

	providers := make(map[string]users.CredentialVerifier)
	if appConfig.GoogleEnabled() {
		googleVerifier, err := auth.NewGoogleVerifier(auth.GoogleVerifierConfig{
			Audience:       appConfig.GoogleClientID,
			JWKSURL:        appConfig.GoogleJWKSURL,
			AllowedIssuers: []string{"https://accounts.google.com", "accounts.google.com"},
			Logger:         logger.Named("google"),
		})
		if err != nil {
			return err
		}
		providers[auth.ProviderGoogle] = googleVerifier.Verify
	}
	var gitHub *auth.GitHubProvider
	if appConfig.GitHubEnabled() {
		gitHub = auth.NewGitHubProvider(auth.GitHubConfig{
			ClientID:     appConfig.GitHubClientID,
			ClientSecret: appConfig.GitHubClientSecret,
			CallbackURL:  appConfig.GitHubCallbackURL,
		})
		providers[auth.ProviderGitHub] = gitHub.Exchange
	}

	directory, err := users.NewService(users.ServiceConfig{
		Database:  db,
		Hasher:    hasher,
		Tokens:    tokenManager,
		ResetTTL:  appConfig.ResetTTL,
		AppOrigin: appConfig.AppOrigin,
		Providers: providers,
		Logger:    logger.Named("users"),
	})
	if err != nil {
		return err
	}

	feed := changefeed.NewDispatcher()
	services, err := server.NewServices(server.ServicesConfig{
		Database:  db,
		Feed:      feed,
		Hasher:    hasher,
		AppOrigin: appConfig.AppOrigin,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Users:          directory,
		Sessions:       sessions,
		Tokens:         tokenManager,
		GitHub:         gitHub,
		Services:       services,
		Feed:           feed,
		AllowedOrigins: appConfig.AllowedOrigins,
		AppOrigin:      appConfig.AppOrigin,
		Logger:         logger,
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
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Bool("google", appConfig.GoogleEnabled()),
			zap.Bool("github", appConfig.GitHubEnabled()))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
