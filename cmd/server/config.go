package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/tyemirov/storefront/internal/authkit"
	"github.com/tyemirov/storefront/internal/devplatform"
)

const (
	environmentProduction = "production"

	configCodeMissingAuthURL         = "config.missing_auth_url"
	configCodeMissingAPIURL          = "config.missing_api_url"
	configCodeMissingProjectKey      = "config.missing_project_key"
	configCodeMissingClientID        = "config.missing_client_id"
	configCodeMissingClientSecret    = "config.missing_client_secret"
	configCodeInvalidRefreshTimeout  = "config.invalid_refresh_timeout"
	configCodeInvalidRequestTimeout  = "config.invalid_request_timeout"
	configCodeMissingCORSOrigins     = "config.missing_cors_allowed_origins"
	configCodeInvalidLoginRate       = "config.invalid_login_rate_per_minute"
	configCodeMissingJWTSigningKey   = "config.missing_jwt_signing_key"
	configCodeInvalidAccessTTL       = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL      = "config.invalid_refresh_ttl"
	configCodeInvalidCustomers       = "config.invalid_customers"
	configCodeUninitializedAgentConf = "config.uninitialized_agent_config"
	configCodeUninitializedPlatform  = "config.uninitialized_platform_config"
)

// AgentConfig configures the storefront session agent.
type AgentConfig struct {
	ListenAddr         string
	Environment        string
	AuthURL            string
	APIURL             string
	ProjectKey         string
	ClientID           string
	ClientSecret       string
	Scopes             authkit.Scopes
	TokenStoreURL      string
	RefreshTimeout     time.Duration
	RequestTimeout     time.Duration
	EnableCORS         bool
	CORSAllowedOrigins []string
	LoginRatePerMinute int
	LoginBurst         int
}

// Production reports whether the agent runs in the production environment.
func (configuration AgentConfig) Production() bool {
	return strings.EqualFold(configuration.Environment, environmentProduction)
}

// PlatformConfig configures the development commerce platform.
type PlatformConfig struct {
	ListenAddr  string
	Environment string
	DatabaseURL string
	Platform    devplatform.Config
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadAgentConfig reads and validates the agent settings from viper.
func LoadAgentConfig() (AgentConfig, error) {
	authURL := strings.TrimSpace(viper.GetString("auth_url"))
	if authURL == "" {
		return AgentConfig{}, configError(configCodeMissingAuthURL, "auth_url must be provided")
	}
	apiURL := strings.TrimSpace(viper.GetString("api_url"))
	if apiURL == "" {
		return AgentConfig{}, configError(configCodeMissingAPIURL, "api_url must be provided")
	}
	projectKey := strings.TrimSpace(viper.GetString("project_key"))
	if projectKey == "" {
		return AgentConfig{}, configError(configCodeMissingProjectKey, "project_key must be provided")
	}
	clientID := strings.TrimSpace(viper.GetString("client_id"))
	if clientID == "" {
		return AgentConfig{}, configError(configCodeMissingClientID, "client_id must be provided")
	}
	clientSecret := viper.GetString("client_secret")
	if clientSecret == "" {
		return AgentConfig{}, configError(configCodeMissingClientSecret, "client_secret must be provided")
	}

	refreshTimeout := 15 * time.Second
	if viper.IsSet("refresh_timeout") {
		refreshTimeout = viper.GetDuration("refresh_timeout")
	}
	if refreshTimeout <= 0 {
		return AgentConfig{}, configError(configCodeInvalidRefreshTimeout, "refresh_timeout must be greater than zero")
	}
	requestTimeout := 10 * time.Second
	if viper.IsSet("request_timeout") {
		requestTimeout = viper.GetDuration("request_timeout")
	}
	if requestTimeout <= 0 {
		return AgentConfig{}, configError(configCodeInvalidRequestTimeout, "request_timeout must be greater than zero")
	}

	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	if enableCORS && len(corsAllowedOrigins) == 0 {
		return AgentConfig{}, configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
	}

	loginRate := 10
	if viper.IsSet("login_rate_per_minute") {
		loginRate = viper.GetInt("login_rate_per_minute")
	}
	if loginRate <= 0 {
		return AgentConfig{}, configError(configCodeInvalidLoginRate, "login_rate_per_minute must be greater than zero")
	}
	loginBurst := viper.GetInt("login_burst")
	if loginBurst <= 0 {
		loginBurst = loginRate
	}

	scopes := authkit.DefaultScopes()
	if configured := viper.GetStringSlice("basic_scopes"); len(configured) > 0 {
		scopes.Basic = configured
	}
	if configured := viper.GetStringSlice("anonymous_scopes"); len(configured) > 0 {
		scopes.Anonymous = configured
	}
	if configured := viper.GetStringSlice("user_scopes"); len(configured) > 0 {
		scopes.User = configured
	}

	listenAddr := viper.GetString("listen_addr")
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	return AgentConfig{
		ListenAddr:         listenAddr,
		Environment:        viper.GetString("environment"),
		AuthURL:            authURL,
		APIURL:             apiURL,
		ProjectKey:         projectKey,
		ClientID:           clientID,
		ClientSecret:       clientSecret,
		Scopes:             scopes,
		TokenStoreURL:      viper.GetString("token_store_url"),
		RefreshTimeout:     refreshTimeout,
		RequestTimeout:     requestTimeout,
		EnableCORS:         enableCORS,
		CORSAllowedOrigins: corsAllowedOrigins,
		LoginRatePerMinute: loginRate,
		LoginBurst:         loginBurst,
	}, nil
}

// LoadPlatformConfig reads and validates the development platform settings.
func LoadPlatformConfig(settings *viper.Viper) (PlatformConfig, error) {
	projectKey := strings.TrimSpace(settings.GetString("project_key"))
	if projectKey == "" {
		return PlatformConfig{}, configError(configCodeMissingProjectKey, "project_key must be provided")
	}
	clientID := strings.TrimSpace(settings.GetString("client_id"))
	if clientID == "" {
		return PlatformConfig{}, configError(configCodeMissingClientID, "client_id must be provided")
	}
	clientSecret := settings.GetString("client_secret")
	if clientSecret == "" {
		return PlatformConfig{}, configError(configCodeMissingClientSecret, "client_secret must be provided")
	}
	signingKey := settings.GetString("jwt_signing_key")
	if signingKey == "" {
		return PlatformConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}
	accessTTL := settings.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return PlatformConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}
	refreshTTL := settings.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return PlatformConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}
	customers, customersErr := devplatform.ParseCustomers(settings.GetStringSlice("customers"))
	if customersErr != nil {
		return PlatformConfig{}, configError(configCodeInvalidCustomers, customersErr.Error())
	}
	listenAddr := settings.GetString("listen_addr")
	if listenAddr == "" {
		listenAddr = ":8081"
	}

	return PlatformConfig{
		ListenAddr:  listenAddr,
		Environment: settings.GetString("environment"),
		DatabaseURL: settings.GetString("database_url"),
		Platform: devplatform.Config{
			ProjectKey:   projectKey,
			ClientID:     clientID,
			ClientSecret: clientSecret,
			SigningKey:   []byte(signingKey),
			AccessTTL:    accessTTL,
			RefreshTTL:   refreshTTL,
			Customers:    customers,
		},
	}, nil
}
