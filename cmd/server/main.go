package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/storefront/internal/authkit"
	"github.com/tyemirov/storefront/internal/cart"
	"github.com/tyemirov/storefront/internal/commerce"
	"github.com/tyemirov/storefront/internal/devplatform"
	"github.com/tyemirov/storefront/internal/metrics"
	"github.com/tyemirov/storefront/internal/tokenstore"
	"github.com/tyemirov/storefront/internal/web"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "storefront",
		Short:   "Storefront session agent: platform tokens, transparent refresh and cart reconciliation",
		PreRunE: prepareAgentConfig,
		RunE:    runAgent,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("environment", environmentProduction, "Deployment environment (production enables strict token store handling)")
	rootCmd.Flags().String("auth_url", "", "Commerce platform OAuth base URL")
	rootCmd.Flags().String("api_url", "", "Commerce platform API base URL")
	rootCmd.Flags().String("project_key", "", "Commerce platform project key")
	rootCmd.Flags().String("client_id", "", "OAuth client id")
	rootCmd.Flags().String("client_secret", "", "OAuth client secret")
	rootCmd.Flags().StringSlice("basic_scopes", []string{}, "Scopes requested for basic tokens (defaults apply when empty)")
	rootCmd.Flags().StringSlice("anonymous_scopes", []string{}, "Scopes requested for anonymous tokens (defaults apply when empty)")
	rootCmd.Flags().StringSlice("user_scopes", []string{}, "Scopes requested for customer tokens (defaults apply when empty)")
	rootCmd.Flags().String("token_store_url", "", "Token store URL (sqlite://, postgres://, pgx://, redis://; leave empty for in-memory store)")
	rootCmd.Flags().Duration("refresh_timeout", 15*time.Second, "Upper bound for one token refresh")
	rootCmd.Flags().Duration("request_timeout", 10*time.Second, "HTTP client timeout for platform calls")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin storefront clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	rootCmd.Flags().Int("login_rate_per_minute", 10, "Login attempts allowed per client IP per minute")
	rootCmd.Flags().Int("login_burst", 0, "Login burst size; defaults to the per-minute rate")

	for _, name := range []string{
		"listen_addr", "environment", "auth_url", "api_url", "project_key", "client_id", "client_secret",
		"basic_scopes", "anonymous_scopes", "user_scopes", "token_store_url", "refresh_timeout",
		"request_timeout", "enable_cors", "cors_allowed_origins", "login_rate_per_minute", "login_burst",
	} {
		_ = viper.BindPFlag(name, rootCmd.Flags().Lookup(name))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	rootCmd.AddCommand(newPlatformCommand())
	return rootCmd
}

func newPlatformCommand() *cobra.Command {
	settings := viper.New()
	platformCmd := &cobra.Command{
		Use:   "devplatform",
		Short: "Run an in-process commerce platform for local development and end-to-end tests",
		PreRunE: func(command *cobra.Command, arguments []string) error {
			return preparePlatformConfig(command, settings)
		},
		RunE: runPlatform,
	}

	platformCmd.Flags().String("listen_addr", ":8081", "HTTP listen address")
	platformCmd.Flags().String("environment", "development", "Deployment environment")
	platformCmd.Flags().String("project_key", "", "Project key served by the platform")
	platformCmd.Flags().String("client_id", "", "OAuth client id accepted by the platform")
	platformCmd.Flags().String("client_secret", "", "OAuth client secret accepted by the platform")
	platformCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for access tokens")
	platformCmd.Flags().Duration("access_ttl", 15*time.Minute, "Access token TTL")
	platformCmd.Flags().Duration("refresh_ttl", 30*24*time.Hour, "Refresh token TTL")
	platformCmd.Flags().StringSlice("customers", []string{}, "Seeded customer accounts as email:password")
	platformCmd.Flags().String("database_url", "", "Refresh token database URL (postgres://, sqlite://, pgx://; leave empty for in-memory store)")

	for _, name := range []string{
		"listen_addr", "environment", "project_key", "client_id", "client_secret", "jwt_signing_key",
		"access_ttl", "refresh_ttl", "customers", "database_url",
	} {
		_ = settings.BindPFlag(name, platformCmd.Flags().Lookup(name))
	}

	settings.SetEnvPrefix("PLATFORM")
	settings.AutomaticEnv()

	return platformCmd
}

type contextKey string

const (
	agentConfigContextKey    contextKey = "agentConfig"
	platformConfigContextKey contextKey = "platformConfig"
)

func prepareAgentConfig(command *cobra.Command, arguments []string) error {
	agentConfig, loadErr := LoadAgentConfig()
	if loadErr != nil {
		return loadErr
	}
	command.SetContext(context.WithValue(commandContext(command), agentConfigContextKey, agentConfig))
	return nil
}

func preparePlatformConfig(command *cobra.Command, settings *viper.Viper) error {
	platformConfig, loadErr := LoadPlatformConfig(settings)
	if loadErr != nil {
		return loadErr
	}
	command.SetContext(context.WithValue(commandContext(command), platformConfigContextKey, platformConfig))
	return nil
}

func commandContext(command *cobra.Command) context.Context {
	if existingContext := command.Context(); existingContext != nil {
		return existingContext
	}
	return context.Background()
}

func newLogger(environment string) (*zap.Logger, error) {
	if environment == environmentProduction {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func runAgent(command *cobra.Command, arguments []string) error {
	agentConfig, ok := commandContext(command).Value(agentConfigContextKey).(AgentConfig)
	if !ok {
		return configError(configCodeUninitializedAgentConf, "agent configuration not prepared; PreRunE must execute before RunE")
	}

	logger, loggerErr := newLogger(agentConfig.Environment)
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	ctx := commandContext(command)

	store, storeLabel, storeErr := tokenstore.Open(ctx, agentConfig.TokenStoreURL)
	if storeErr != nil {
		return storeErr
	}
	logger.Info("using token store", zap.String("code", "agent.token_store"), zap.String("backend", storeLabel))
	defer closeTokenStore(logger, store)
	guard := tokenstore.NewGuard(store, logger, agentConfig.Production())

	registry := prometheus.NewRegistry()
	recorder, metricsErr := metrics.NewPrometheusMetrics(registry)
	if metricsErr != nil {
		return metricsErr
	}

	transport := commerce.NewTransport(&http.Client{Timeout: agentConfig.RequestTimeout}, logger)
	tokens, tokensErr := authkit.NewTokenService(authkit.TokenServiceConfig{
		AuthURL:      agentConfig.AuthURL,
		ProjectKey:   agentConfig.ProjectKey,
		ClientID:     agentConfig.ClientID,
		ClientSecret: agentConfig.ClientSecret,
		Scopes:       agentConfig.Scopes,
		Transport:    transport,
		Store:        guard,
		Logger:       logger,
		Metrics:      recorder,
	})
	if tokensErr != nil {
		return tokensErr
	}
	coordinator, coordinatorErr := authkit.NewCoordinator(authkit.CoordinatorConfig{
		Tokens:         tokens,
		Store:          guard,
		Logger:         logger,
		Metrics:        recorder,
		RefreshTimeout: agentConfig.RefreshTimeout,
	})
	if coordinatorErr != nil {
		return coordinatorErr
	}
	defer coordinator.Wait()
	if hydrateErr := coordinator.Hydrate(ctx); hydrateErr != nil {
		logger.Warn("session hydration failed", zap.String("code", "agent.hydrate"), zap.Error(hydrateErr))
	}

	client, clientErr := commerce.NewClient(commerce.ClientConfig{
		APIURL:     agentConfig.APIURL,
		ProjectKey: agentConfig.ProjectKey,
		Transport:  transport,
		Tokens:     coordinator,
		Logger:     logger,
		Metrics:    recorder,
	})
	if clientErr != nil {
		return clientErr
	}
	reconciler, reconcilerErr := cart.NewReconciler(cart.ReconcilerConfig{
		Identity: coordinator,
		Carts:    client,
		Logger:   logger,
		Metrics:  recorder,
	})
	if reconcilerErr != nil {
		return reconcilerErr
	}

	router := newRouter(logger)
	if agentConfig.EnableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, agentConfig.CORSAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}
	web.NewHandlers(logger, coordinator, reconciler, client).
		Mount(router, web.NewClientRateLimiter(agentConfig.LoginRatePerMinute, agentConfig.LoginBurst, logger))
	web.MountMetrics(router, registry)

	return serveUntilSignal(logger, agentConfig.ListenAddr, router)
}

func runPlatform(command *cobra.Command, arguments []string) error {
	platformConfig, ok := commandContext(command).Value(platformConfigContextKey).(PlatformConfig)
	if !ok {
		return configError(configCodeUninitializedPlatform, "platform configuration not prepared; PreRunE must execute before RunE")
	}

	logger, loggerErr := newLogger(platformConfig.Environment)
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	refreshStore, storeLabel, storeErr := devplatform.OpenRefreshTokenStore(commandContext(command), platformConfig.DatabaseURL)
	if storeErr != nil {
		return storeErr
	}
	logger.Info("using refresh token store", zap.String("code", "devplatform.refresh_store"), zap.String("backend", storeLabel))

	settings := platformConfig.Platform
	settings.RefreshStore = refreshStore
	settings.Logger = logger
	platform, platformErr := devplatform.NewServer(settings)
	if platformErr != nil {
		return platformErr
	}
	defer platform.Close()

	router := newRouter(logger)
	platform.Mount(router)
	return serveUntilSignal(logger, platformConfig.ListenAddr, router)
}

func closeTokenStore(logger *zap.Logger, store tokenstore.Store) {
	if err := store.Close(); err != nil {
		logger.Warn("token store close failed", zap.String("code", "agent.token_store.close"), zap.Error(err))
	}
}

func newRouter(logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))
	return router
}

func serveUntilSignal(logger *zap.Logger, listenAddr string, handler http.Handler) error {
	server := &http.Server{
		Addr:              listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.String("code", "server.shutdown"), zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("code", "server.listen"), zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("code", "http.request"),
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
