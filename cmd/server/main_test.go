package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/storefront/internal/authkit"
	"github.com/tyemirov/storefront/internal/tokenstore"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLoggerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	logger, err := zap.NewProduction()
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	router := gin.New()
	router.Use(zapLoggerMiddleware(logger))
	router.GET("/ping", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/ping", nil)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
}

func TestRunAgentMissingConfig(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	err := runAgent(&cobra.Command{}, nil)
	expectedMessage := "config.uninitialized_agent_config: agent configuration not prepared; PreRunE must execute before RunE"
	if err == nil || err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %v", expectedMessage, err)
	}
}

func TestRunPlatformMissingConfig(t *testing.T) {
	err := runPlatform(&cobra.Command{}, nil)
	expectedMessage := "config.uninitialized_platform_config: platform configuration not prepared; PreRunE must execute before RunE"
	if err == nil || err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %v", expectedMessage, err)
	}
}

func setValidAgentSettings() {
	viper.Set("auth_url", "https://auth.example.test")
	viper.Set("api_url", "https://api.example.test")
	viper.Set("project_key", "shop")
	viper.Set("client_id", "storefront")
	viper.Set("client_secret", "storefront-secret")
}

func TestLoadAgentConfigReportsMissingFields(t *testing.T) {
	testCases := []struct {
		name            string
		mutate          func()
		expectedMessage string
	}{
		{
			name:            "auth url",
			mutate:          func() { viper.Set("auth_url", " ") },
			expectedMessage: "config.missing_auth_url: auth_url must be provided",
		},
		{
			name:            "api url",
			mutate:          func() { viper.Set("api_url", "") },
			expectedMessage: "config.missing_api_url: api_url must be provided",
		},
		{
			name:            "project key",
			mutate:          func() { viper.Set("project_key", "") },
			expectedMessage: "config.missing_project_key: project_key must be provided",
		},
		{
			name:            "client id",
			mutate:          func() { viper.Set("client_id", "") },
			expectedMessage: "config.missing_client_id: client_id must be provided",
		},
		{
			name:            "client secret",
			mutate:          func() { viper.Set("client_secret", "") },
			expectedMessage: "config.missing_client_secret: client_secret must be provided",
		},
		{
			name:            "refresh timeout",
			mutate:          func() { viper.Set("refresh_timeout", 0) },
			expectedMessage: "config.invalid_refresh_timeout: refresh_timeout must be greater than zero",
		},
		{
			name:            "request timeout",
			mutate:          func() { viper.Set("request_timeout", -time.Second) },
			expectedMessage: "config.invalid_request_timeout: request_timeout must be greater than zero",
		},
		{
			name:            "cors origins",
			mutate:          func() { viper.Set("enable_cors", true) },
			expectedMessage: "config.missing_cors_allowed_origins: cors_allowed_origins must be provided when enable_cors is true",
		},
		{
			name:            "login rate",
			mutate:          func() { viper.Set("login_rate_per_minute", 0) },
			expectedMessage: "config.invalid_login_rate_per_minute: login_rate_per_minute must be greater than zero",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()

			setValidAgentSettings()
			testCase.mutate()

			_, err := LoadAgentConfig()
			if err == nil || err.Error() != testCase.expectedMessage {
				t.Fatalf("expected error %q, got %v", testCase.expectedMessage, err)
			}
		})
	}
}

func TestLoadAgentConfigDefaults(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	setValidAgentSettings()
	viper.Set("user_scopes", []string{"manage_my_orders"})
	viper.Set("login_rate_per_minute", 4)

	agentConfig, err := LoadAgentConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	if agentConfig.ListenAddr != ":8080" {
		t.Fatalf("unexpected listen address %q", agentConfig.ListenAddr)
	}
	if agentConfig.RefreshTimeout != 15*time.Second || agentConfig.RequestTimeout != 10*time.Second {
		t.Fatalf("unexpected timeouts %v %v", agentConfig.RefreshTimeout, agentConfig.RequestTimeout)
	}
	if agentConfig.LoginBurst != 4 {
		t.Fatalf("expected login burst to follow the rate, got %d", agentConfig.LoginBurst)
	}
	if got := agentConfig.Scopes.User.Render("shop"); got != "manage_my_orders:shop" {
		t.Fatalf("unexpected user scopes %q", got)
	}
	if got := agentConfig.Scopes.Basic.Render("shop"); got != authkit.DefaultScopes().Basic.Render("shop") {
		t.Fatalf("expected default basic scopes, got %q", got)
	}
	if agentConfig.Production() {
		t.Fatalf("empty environment must not be treated as production")
	}
}

func setValidPlatformSettings(settings *viper.Viper) {
	settings.Set("project_key", "shop")
	settings.Set("client_id", "storefront")
	settings.Set("client_secret", "storefront-secret")
	settings.Set("jwt_signing_key", "platform-signing-key")
	settings.Set("access_ttl", time.Minute)
	settings.Set("refresh_ttl", time.Hour)
}

func TestLoadPlatformConfigValidation(t *testing.T) {
	testCases := []struct {
		name            string
		mutate          func(settings *viper.Viper)
		expectedMessage string
	}{
		{
			name:            "signing key",
			mutate:          func(settings *viper.Viper) { settings.Set("jwt_signing_key", "") },
			expectedMessage: "config.missing_jwt_signing_key: jwt_signing_key must be provided",
		},
		{
			name:            "access ttl",
			mutate:          func(settings *viper.Viper) { settings.Set("access_ttl", 0) },
			expectedMessage: "config.invalid_access_ttl: access_ttl must be greater than zero",
		},
		{
			name:            "refresh ttl",
			mutate:          func(settings *viper.Viper) { settings.Set("refresh_ttl", 0) },
			expectedMessage: "config.invalid_refresh_ttl: refresh_ttl must be greater than zero",
		},
		{
			name:            "customers",
			mutate:          func(settings *viper.Viper) { settings.Set("customers", []string{"no-password"}) },
			expectedMessage: "config.invalid_customers: devplatform.configuration: customer entry \"no-password\" must be email:password",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			settings := viper.New()
			setValidPlatformSettings(settings)
			testCase.mutate(settings)

			_, err := LoadPlatformConfig(settings)
			if err == nil || err.Error() != testCase.expectedMessage {
				t.Fatalf("expected error %q, got %v", testCase.expectedMessage, err)
			}
		})
	}
}

func TestRunAgentServesSessionAndMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		if server.Addr != ":0" {
			t.Errorf("unexpected listen address %q", server.Addr)
		}
		for _, path := range []string{"/api/session", "/metrics"} {
			recorder := httptest.NewRecorder()
			server.Handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, path, nil))
			if recorder.Code != http.StatusOK {
				t.Errorf("expected 200 from %s, got %d", path, recorder.Code)
			}
		}
		return http.ErrServerClosed
	})
	defer restoreServe()

	setValidAgentSettings()
	viper.Set("listen_addr", ":0")
	viper.Set("environment", "development")
	viper.Set("token_store_url", "sqlite://"+filepath.Join(t.TempDir(), "tokens.db"))
	viper.Set("enable_cors", true)
	viper.Set("cors_allowed_origins", []string{"http://localhost:3000"})

	command := &cobra.Command{}
	if err := prepareAgentConfig(command, nil); err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	if err := runAgent(command, nil); err != nil {
		t.Fatalf("expected runAgent to succeed, got %v", err)
	}
}

func TestRunAgentRejectsUnsupportedTokenStore(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		t.Fatalf("server must not start")
		return nil
	})
	defer restoreServe()

	setValidAgentSettings()
	viper.Set("token_store_url", "mysql://localhost/tokens")

	command := &cobra.Command{}
	if err := prepareAgentConfig(command, nil); err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	if err := runAgent(command, nil); err == nil {
		t.Fatalf("expected unsupported token store error")
	}
}

func TestRunPlatformIssuesClientCredentialsToken(t *testing.T) {
	gin.SetMode(gin.TestMode)

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		form := url.Values{"grant_type": {"client_credentials"}}
		request := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
		request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		request.SetBasicAuth("storefront", "storefront-secret")
		recorder := httptest.NewRecorder()
		server.Handler.ServeHTTP(recorder, request)
		if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), "access_token") {
			t.Errorf("expected token response, got %d %s", recorder.Code, recorder.Body.String())
		}
		return http.ErrServerClosed
	})
	defer restoreServe()

	settings := viper.New()
	setValidPlatformSettings(settings)
	settings.Set("listen_addr", ":0")
	settings.Set("customers", []string{"ada@example.com:hunter2"})

	command := &cobra.Command{}
	command.SetContext(context.Background())
	if err := preparePlatformConfig(command, settings); err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	if err := runPlatform(command, nil); err != nil {
		t.Fatalf("expected runPlatform to succeed, got %v", err)
	}
}

type closeTrackingStore struct {
	*tokenstore.MemoryStore
	closeErr error
	closed   int
}

func (store *closeTrackingStore) Close() error {
	store.closed++
	return store.closeErr
}

func TestCloseTokenStore(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	logger := zap.New(core)

	healthy := &closeTrackingStore{MemoryStore: tokenstore.NewMemoryStore()}
	closeTokenStore(logger, healthy)
	if healthy.closed != 1 || logs.Len() != 0 {
		t.Fatalf("expected one silent close, got %d closes and %d logs", healthy.closed, logs.Len())
	}

	broken := &closeTrackingStore{MemoryStore: tokenstore.NewMemoryStore(), closeErr: errors.New("pool busy")}
	closeTokenStore(logger, broken)
	if broken.closed != 1 || logs.FilterField(zap.String("code", "agent.token_store.close")).Len() != 1 {
		t.Fatalf("expected close failure to be logged, got %v", logs.All())
	}
}

func TestNewRootCommandHelp(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--help"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("expected help execution to succeed: %v", err)
	}

	platformCmd, _, err := newRootCommand().Find([]string{"devplatform"})
	if err != nil || platformCmd.Use != "devplatform" {
		t.Fatalf("expected devplatform subcommand, got %v %v", platformCmd, err)
	}
}

func withServeHTTPStub(stub func(server *http.Server) error) func() {
	previous := serveHTTP
	serveHTTP = stub
	return func() {
		serveHTTP = previous
	}
}
