package authkit

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tyemirov/storefront/internal/commerce"
	"github.com/tyemirov/storefront/internal/metrics"
	"github.com/tyemirov/storefront/internal/tokenstore"
	"go.uber.org/zap"
)

// TokenMaterial is the result of a successful grant.
type TokenMaterial struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
	AnonymousID  string
}

// Introspection is the platform's view of a token.
type Introspection struct {
	Active   bool   `json:"active"`
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Exp      int64  `json:"exp,omitempty"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	RefreshToken string `json:"refresh_token"`
}

// TokenService issues, refreshes, validates and revokes tokens against the
// platform's OAuth endpoints. It holds no session state of its own.
type TokenService struct {
	authURL      string
	projectKey   string
	clientID     string
	clientSecret string
	scopes       Scopes
	transport    *commerce.Transport
	store        *tokenstore.Guard
	logger       *zap.Logger
	metrics      metrics.Recorder
	clock        func() time.Time
}

// NewTokenService validates configuration and builds a TokenService.
func NewTokenService(configuration TokenServiceConfig) (*TokenService, error) {
	if strings.TrimSpace(configuration.AuthURL) == "" {
		return nil, fmt.Errorf("authkit.new_token_service: %w: auth url is required", ErrConfiguration)
	}
	if strings.TrimSpace(configuration.ProjectKey) == "" {
		return nil, fmt.Errorf("authkit.new_token_service: %w: project key is required", ErrConfiguration)
	}
	if strings.TrimSpace(configuration.ClientID) == "" {
		return nil, fmt.Errorf("authkit.new_token_service: %w: client id is required", ErrConfiguration)
	}
	if configuration.Store == nil {
		return nil, fmt.Errorf("authkit.new_token_service: %w: token store is required", ErrConfiguration)
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := configuration.Transport
	if transport == nil {
		transport = commerce.NewTransport(nil, logger)
	}
	recorder := configuration.Metrics
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	clock := configuration.Clock
	if clock == nil {
		clock = time.Now
	}
	scopes := configuration.Scopes
	defaults := DefaultScopes()
	if len(scopes.Basic) == 0 {
		scopes.Basic = defaults.Basic
	}
	if len(scopes.Anonymous) == 0 {
		scopes.Anonymous = defaults.Anonymous
	}
	if len(scopes.User) == 0 {
		scopes.User = defaults.User
	}
	return &TokenService{
		authURL:      strings.TrimSuffix(configuration.AuthURL, "/"),
		projectKey:   configuration.ProjectKey,
		clientID:     configuration.ClientID,
		clientSecret: configuration.ClientSecret,
		scopes:       scopes,
		transport:    transport,
		store:        configuration.Store,
		logger:       logger,
		metrics:      recorder,
		clock:        clock,
	}, nil
}

// IssueBasicToken performs a client credentials grant with the basic scope set.
func (service *TokenService) IssueBasicToken(ctx context.Context) (TokenMaterial, error) {
	form := url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {service.scopes.Basic.Render(service.projectKey)},
	}
	material, err := service.grant(ctx, service.authURL+"/oauth/token", form)
	if err != nil {
		return TokenMaterial{}, fmt.Errorf("authkit.issue_basic: %w", classifyGrantError(err, ErrGrantRejected))
	}
	service.store.Set(ctx, tokenstore.KeyBasicToken, material.AccessToken)
	service.metrics.Increment(metrics.EventIssueBasic)
	return material, nil
}

// IssueAnonymousToken establishes a guest session identified by anonymousID.
func (service *TokenService) IssueAnonymousToken(ctx context.Context, anonymousID string) (TokenMaterial, error) {
	form := url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {service.scopes.Anonymous.Render(service.projectKey)},
	}
	if anonymousID != "" {
		form.Set("anonymous_id", anonymousID)
	}
	material, err := service.grant(ctx, service.authURL+"/oauth/"+url.PathEscape(service.projectKey)+"/anonymous/token", form)
	if err != nil {
		return TokenMaterial{}, fmt.Errorf("authkit.issue_anonymous: %w", classifyGrantError(err, ErrGrantRejected))
	}
	if material.RefreshToken == "" {
		return TokenMaterial{}, fmt.Errorf("authkit.issue_anonymous: %w", ErrMissingRefreshToken)
	}
	material.AnonymousID = anonymousID
	service.store.Set(ctx, tokenstore.KeyAnonymousToken, material.AccessToken)
	service.store.Set(ctx, tokenstore.KeyAnonymousRefreshToken, material.RefreshToken)
	service.store.Set(ctx, tokenstore.KeyAnonymousID, anonymousID)
	service.metrics.Increment(metrics.EventIssueAnonymous)
	return material, nil
}

// IssueUserToken signs a customer in with the password grant. A non-empty
// anonymousID lets the platform carry the guest cart over.
func (service *TokenService) IssueUserToken(ctx context.Context, email string, password string, anonymousID string) (TokenMaterial, error) {
	form := url.Values{
		"grant_type": {"password"},
		"username":   {email},
		"password":   {password},
		"scope":      {service.scopes.User.Render(service.projectKey)},
	}
	if anonymousID != "" {
		form.Set("anonymous_id", anonymousID)
	}
	material, err := service.grant(ctx, service.authURL+"/oauth/"+url.PathEscape(service.projectKey)+"/customers/token", form)
	if err != nil {
		return TokenMaterial{}, fmt.Errorf("authkit.issue_user: %w", classifyGrantError(err, ErrInvalidCredentials))
	}
	if material.RefreshToken == "" {
		return TokenMaterial{}, fmt.Errorf("authkit.issue_user: %w", ErrMissingRefreshToken)
	}
	service.store.Set(ctx, tokenstore.KeyUserToken, material.AccessToken)
	service.store.Set(ctx, tokenstore.KeyUserRefreshToken, material.RefreshToken)
	service.metrics.Increment(metrics.EventIssueUser)
	return material, nil
}

// RefreshToken mints a new access token for role. A 4xx answer yields
// ErrRefreshRejected; any other failure yields ErrTransient and leaves storage untouched.
func (service *TokenService) RefreshToken(ctx context.Context, refreshToken string, role Role) (TokenMaterial, error) {
	accessKey, refreshKey, ok := storageKeys(role)
	if !ok || role == RoleBasic {
		return TokenMaterial{}, fmt.Errorf("authkit.refresh: %w: role %s has no refresh token", ErrIllegalTransition, role)
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	material, err := service.grant(ctx, service.authURL+"/oauth/token", form)
	if err != nil {
		return TokenMaterial{}, fmt.Errorf("authkit.refresh: %w", classifyGrantError(err, ErrRefreshRejected))
	}
	service.store.Set(ctx, accessKey, material.AccessToken)
	if material.RefreshToken != "" && material.RefreshToken != refreshToken {
		service.store.Set(ctx, refreshKey, material.RefreshToken)
	}
	service.metrics.Increment(metrics.EventRefresh)
	return material, nil
}

// ValidateToken introspects token. Callers clear storage when it is inactive.
func (service *TokenService) ValidateToken(ctx context.Context, token string) (Introspection, error) {
	response, err := service.transport.Send(ctx, service.authorize(commerce.Request{
		Method: http.MethodPost,
		URL:    service.authURL + "/oauth/introspect",
		Form:   url.Values{"token": {token}},
	}))
	if err != nil {
		return Introspection{}, fmt.Errorf("authkit.validate: %w: %w", ErrTransient, err)
	}
	var introspection Introspection
	if decodeErr := commerce.DecodeJSON(response, &introspection); decodeErr != nil {
		return Introspection{}, fmt.Errorf("authkit.validate: %w", classifyGrantError(decodeErr, ErrGrantRejected))
	}
	return introspection, nil
}

// RevokeToken removes token from role's storage and asks the platform to revoke
// it. Revocation is advisory: failures are logged, never returned.
func (service *TokenService) RevokeToken(ctx context.Context, token string, role Role) {
	if token == "" {
		return
	}
	if accessKey, refreshKey, ok := storageKeys(role); ok {
		for _, key := range []string{accessKey, refreshKey} {
			if key != "" && service.store.Get(ctx, key) == token {
				service.store.Remove(ctx, key)
			}
		}
	}
	service.metrics.Increment(metrics.EventRevoke)

	response, err := service.transport.Send(ctx, service.authorize(commerce.Request{
		Method: http.MethodPost,
		URL:    service.authURL + "/oauth/token/revoke",
		Form:   url.Values{"token": {token}},
	}))
	if err == nil {
		err = commerce.Classify(response)
	}
	if err != nil {
		service.logger.Info("token revocation failed",
			zap.String("code", "auth.revoke.failed"),
			zap.String("role", string(role)),
			zap.Error(err))
	}
}

// ClearStoredTokens removes every key persisted for role.
func (service *TokenService) ClearStoredTokens(ctx context.Context, role Role) {
	switch role {
	case RoleBasic:
		service.store.Remove(ctx, tokenstore.KeyBasicToken)
	case RoleAnonymous:
		service.store.Remove(ctx, tokenstore.KeyAnonymousToken, tokenstore.KeyAnonymousRefreshToken, tokenstore.KeyAnonymousID)
	case RoleUser:
		service.store.Remove(ctx, tokenstore.KeyUserToken, tokenstore.KeyUserRefreshToken)
	}
}

func (service *TokenService) grant(ctx context.Context, endpoint string, form url.Values) (TokenMaterial, error) {
	response, err := service.transport.Send(ctx, service.authorize(commerce.Request{
		Method: http.MethodPost,
		URL:    endpoint,
		Form:   form,
	}))
	if err != nil {
		return TokenMaterial{}, err
	}
	var payload tokenResponse
	if decodeErr := commerce.DecodeJSON(response, &payload); decodeErr != nil {
		return TokenMaterial{}, decodeErr
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		return TokenMaterial{}, fmt.Errorf("authkit.grant: %w: empty access token", ErrTransient)
	}
	material := TokenMaterial{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		Scope:        payload.Scope,
	}
	if payload.ExpiresIn > 0 {
		material.ExpiresAt = service.clock().Add(time.Duration(payload.ExpiresIn) * time.Second)
	}
	return material, nil
}

func (service *TokenService) authorize(request commerce.Request) commerce.Request {
	credentials := base64.StdEncoding.EncodeToString([]byte(service.clientID + ":" + service.clientSecret))
	request.Header = http.Header{"Authorization": {"Basic " + credentials}}
	return request
}

// classifyGrantError maps 4xx answers to clientErr and everything else to ErrTransient.
func classifyGrantError(err error, clientErr error) error {
	if errors.Is(err, ErrTransient) {
		return err
	}
	if commerce.IsClientError(err) {
		return fmt.Errorf("%w: %w", clientErr, err)
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// storageKeys names the access and refresh keys of role.
func storageKeys(role Role) (string, string, bool) {
	switch role {
	case RoleBasic:
		return tokenstore.KeyBasicToken, "", true
	case RoleAnonymous:
		return tokenstore.KeyAnonymousToken, tokenstore.KeyAnonymousRefreshToken, true
	case RoleUser:
		return tokenstore.KeyUserToken, tokenstore.KeyUserRefreshToken, true
	default:
		return "", "", false
	}
}
