package devplatform

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tyemirov/storefront/internal/commerce"
	"github.com/tyemirov/storefront/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const claimsContextKey = "platform_claims"

// Server is an in-process commerce platform implementing the token and cart
// API the storefront agent talks to.
type Server struct {
	projectKey    string
	clientID      string
	clientSecret  string
	signingKey    []byte
	issuer        string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	refreshTokens RefreshTokenStore
	validator     *sessionvalidator.Validator
	revoked       *revokedAccessTokens
	customers     *customerDirectory
	carts         *cartBook
	logger        *zap.Logger
	clock         func() time.Time
}

type clockFunc func() time.Time

func (clock clockFunc) Now() time.Time {
	return clock()
}

// NewServer validates configuration and builds a Server.
func NewServer(configuration Config) (*Server, error) {
	if err := configuration.validate(); err != nil {
		return nil, fmt.Errorf("devplatform.new_server: %w", err)
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := configuration.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	issuer := configuration.Issuer
	if strings.TrimSpace(issuer) == "" {
		issuer = defaultIssuer
	}
	accessTTL := configuration.AccessTTL
	if accessTTL <= 0 {
		accessTTL = defaultAccessTTL
	}
	refreshTTL := configuration.RefreshTTL
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTTL
	}
	refreshTokens := configuration.RefreshStore
	if refreshTokens == nil {
		refreshTokens = NewMemoryRefreshTokenStore()
	}
	revoked := newRevokedAccessTokens(clock)
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: configuration.SigningKey,
		Issuer:     issuer,
		Clock:      clockFunc(clock),
		Denylist:   revoked,
	})
	if err != nil {
		return nil, fmt.Errorf("devplatform.new_server: %w", err)
	}
	return &Server{
		projectKey:    configuration.ProjectKey,
		clientID:      configuration.ClientID,
		clientSecret:  configuration.ClientSecret,
		signingKey:    configuration.SigningKey,
		issuer:        issuer,
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		refreshTokens: refreshTokens,
		validator:     validator,
		revoked:       revoked,
		customers:     newCustomerDirectory(configuration.Customers),
		carts:         newCartBook(),
		logger:        logger,
		clock:         clock,
	}, nil
}

// Handler builds the gin engine serving the platform routes.
func (server *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	server.Mount(router)
	return router
}

// Mount registers the OAuth endpoints and the project API on router.
func (server *Server) Mount(router gin.IRouter) {
	oauth := router.Group("/oauth")
	oauth.POST("/token", server.requireClient, server.handleToken)
	oauth.POST("/:project/anonymous/token", server.requireClient, server.requireProject, server.handleAnonymousToken)
	oauth.POST("/:project/customers/token", server.requireClient, server.requireProject, server.handleCustomerToken)
	oauth.POST("/introspect", server.requireClient, server.handleIntrospect)
	oauth.POST("/token/revoke", server.requireClient, server.handleRevoke)

	api := router.Group("/:project")
	api.Use(server.requireProject, server.validator.GinMiddleware(claimsContextKey))
	api.GET("/me", server.handleMe)
	api.GET("/me/active-cart", server.handleActiveCart)
	api.POST("/me/carts", server.handleCreateCart)
	api.POST("/me/carts/:id", server.handleUpdateCart)
	api.DELETE("/me/carts/:id", server.handleDeleteCart)
}

type tokenPayload struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

func (server *Server) requireClient(contextGin *gin.Context) {
	clientID, clientSecret, ok := contextGin.Request.BasicAuth()
	if !ok ||
		subtle.ConstantTimeCompare([]byte(clientID), []byte(server.clientID)) != 1 ||
		subtle.ConstantTimeCompare([]byte(clientSecret), []byte(server.clientSecret)) != 1 {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, oauthError("invalid_client", "client authentication failed"))
		return
	}
	contextGin.Next()
}

func (server *Server) requireProject(contextGin *gin.Context) {
	if contextGin.Param("project") != server.projectKey {
		contextGin.AbortWithStatusJSON(http.StatusNotFound, apiError(http.StatusNotFound, "ResourceNotFound", "unknown project"))
		return
	}
	contextGin.Next()
}

func (server *Server) handleToken(contextGin *gin.Context) {
	switch contextGin.PostForm("grant_type") {
	case "client_credentials":
		grant := accessGrant{Role: sessionvalidator.RoleBasic, Scope: server.scopeFor(contextGin, sessionvalidator.RoleBasic)}
		server.respondWithTokens(contextGin, grant, "")
	case "refresh_token":
		server.handleRefreshGrant(contextGin)
	default:
		contextGin.JSON(http.StatusBadRequest, oauthError("unsupported_grant_type", "grant type is not supported"))
	}
}

func (server *Server) handleRefreshGrant(contextGin *gin.Context) {
	subject, tokenID, _, err := server.refreshTokens.Validate(contextGin, contextGin.PostForm("refresh_token"))
	if err != nil {
		server.logger.Debug("refresh token rejected",
			zap.String("code", "devplatform.refresh.rejected"),
			zap.Error(err))
		contextGin.JSON(http.StatusBadRequest, oauthError("invalid_grant", "the refresh token was not found or has expired"))
		return
	}
	grant, ok := grantFromSubject(subject)
	if !ok {
		contextGin.JSON(http.StatusBadRequest, oauthError("invalid_grant", "the refresh token subject is unknown"))
		return
	}
	grant.Scope = server.scopeFor(contextGin, grant.Role)
	if revokeErr := server.refreshTokens.Revoke(contextGin, tokenID); revokeErr != nil {
		server.logger.Warn("refresh token rotation failed",
			zap.String("code", "devplatform.refresh.rotate_failed"),
			zap.Error(revokeErr))
		contextGin.JSON(http.StatusBadRequest, oauthError("invalid_grant", "the refresh token was already used"))
		return
	}
	server.respondWithTokens(contextGin, grant, tokenID)
}

func (server *Server) handleAnonymousToken(contextGin *gin.Context) {
	if contextGin.PostForm("grant_type") != "client_credentials" {
		contextGin.JSON(http.StatusBadRequest, oauthError("unsupported_grant_type", "grant type is not supported"))
		return
	}
	anonymousID := strings.TrimSpace(contextGin.PostForm("anonymous_id"))
	if anonymousID == "" {
		anonymousID = uuid.NewString()
	}
	grant := accessGrant{
		Role:        sessionvalidator.RoleAnonymous,
		AnonymousID: anonymousID,
		Scope:       server.scopeFor(contextGin, sessionvalidator.RoleAnonymous),
	}
	server.respondWithTokens(contextGin, grant, "")
}

func (server *Server) handleCustomerToken(contextGin *gin.Context) {
	if contextGin.PostForm("grant_type") != "password" {
		contextGin.JSON(http.StatusBadRequest, oauthError("unsupported_grant_type", "grant type is not supported"))
		return
	}
	customer, ok := server.customers.Authenticate(contextGin.PostForm("username"), contextGin.PostForm("password"))
	if !ok {
		contextGin.JSON(http.StatusBadRequest, oauthError("invalid_customer_account_credentials", "customer account with the given credentials not found"))
		return
	}
	if anonymousID := strings.TrimSpace(contextGin.PostForm("anonymous_id")); anonymousID != "" {
		server.carts.MergeGuestCart(anonymousID, customer.ID)
	}
	grant := accessGrant{
		Role:       sessionvalidator.RoleUser,
		CustomerID: customer.ID,
		Scope:      server.scopeFor(contextGin, sessionvalidator.RoleUser),
	}
	server.respondWithTokens(contextGin, grant, "")
}

func (server *Server) respondWithTokens(contextGin *gin.Context, grant accessGrant, previousRefreshID string) {
	now := server.clock()
	accessToken, expiresAt, err := mintAccessToken(grant, server.clientID, server.issuer, server.signingKey, now, server.accessTTL)
	if err != nil {
		server.logger.Error("access token signing failed",
			zap.String("code", "devplatform.token.sign_failed"),
			zap.Error(err))
		contextGin.JSON(http.StatusInternalServerError, oauthError("server_error", "token signing failed"))
		return
	}
	payload := tokenPayload{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(expiresAt.Sub(now).Seconds()),
		Scope:       grant.Scope,
	}
	if grant.Role != sessionvalidator.RoleBasic {
		_, refreshOpaque, issueErr := server.refreshTokens.Issue(contextGin, grant.subject(server.clientID), now.Add(server.refreshTTL).Unix(), previousRefreshID)
		if issueErr != nil || strings.TrimSpace(refreshOpaque) == "" {
			server.logger.Error("refresh token issue failed",
				zap.String("code", "devplatform.refresh.issue_failed"),
				zap.Error(issueErr))
			contextGin.JSON(http.StatusInternalServerError, oauthError("server_error", "refresh token issue failed"))
			return
		}
		payload.RefreshToken = refreshOpaque
	}
	contextGin.JSON(http.StatusOK, payload)
}

func (server *Server) handleIntrospect(contextGin *gin.Context) {
	claims, err := server.validator.ValidateToken(contextGin.PostForm("token"))
	if err != nil {
		contextGin.JSON(http.StatusOK, gin.H{"active": false})
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{
		"active":    true,
		"scope":     claims.Scope,
		"client_id": claims.ClientID,
		"exp":       claims.GetExpiresAt().Unix(),
	})
}

// handleRevoke accepts access or refresh tokens and always answers 200.
func (server *Server) handleRevoke(contextGin *gin.Context) {
	token := strings.TrimSpace(contextGin.PostForm("token"))
	if token == "" {
		contextGin.JSON(http.StatusBadRequest, oauthError("invalid_request", "token is required"))
		return
	}
	if claims, err := server.validator.ValidateToken(token); err == nil {
		server.revoked.Revoke(claims.ID, claims.GetExpiresAt())
		contextGin.Status(http.StatusOK)
		return
	}
	if _, tokenID, _, err := server.refreshTokens.Validate(contextGin, token); err == nil {
		if revokeErr := server.refreshTokens.Revoke(contextGin, tokenID); revokeErr != nil && !errors.Is(revokeErr, ErrRefreshTokenAlreadyRevoked) {
			server.logger.Warn("refresh token revoke failed",
				zap.String("code", "devplatform.revoke.failed"),
				zap.Error(revokeErr))
		}
	}
	contextGin.Status(http.StatusOK)
}

func (server *Server) handleMe(contextGin *gin.Context) {
	claims, ok := sessionvalidator.ClaimsFromContext(contextGin, claimsContextKey)
	if !ok || claims.GetRole() != sessionvalidator.RoleUser {
		contextGin.JSON(http.StatusForbidden, apiError(http.StatusForbidden, "insufficient_scope", "a customer token is required"))
		return
	}
	customer, found := server.customers.Lookup(claims.GetCustomerID())
	if !found {
		contextGin.JSON(http.StatusNotFound, apiError(http.StatusNotFound, "ResourceNotFound", "customer not found"))
		return
	}
	contextGin.JSON(http.StatusOK, commerce.Customer{
		ID:        customer.ID,
		Version:   1,
		Email:     customer.Email,
		FirstName: customer.FirstName,
		LastName:  customer.LastName,
	})
}

func (server *Server) handleActiveCart(contextGin *gin.Context) {
	owner, _, ok := server.cartOwner(contextGin)
	if !ok {
		return
	}
	current, found := server.carts.Active(owner)
	if !found {
		contextGin.JSON(http.StatusNotFound, apiError(http.StatusNotFound, "ResourceNotFound", "there is no active cart"))
		return
	}
	contextGin.JSON(http.StatusOK, current)
}

func (server *Server) handleCreateCart(contextGin *gin.Context) {
	owner, grant, ok := server.cartOwner(contextGin)
	if !ok {
		return
	}
	var draft commerce.CartDraft
	if err := contextGin.ShouldBindJSON(&draft); err != nil || strings.TrimSpace(draft.Currency) == "" {
		contextGin.JSON(http.StatusBadRequest, apiError(http.StatusBadRequest, "InvalidInput", "currency is required"))
		return
	}
	contextGin.JSON(http.StatusCreated, server.carts.Create(owner, grant, draft))
}

func (server *Server) handleUpdateCart(contextGin *gin.Context) {
	owner, _, ok := server.cartOwner(contextGin)
	if !ok {
		return
	}
	var update struct {
		Version int64             `json:"version"`
		Actions []cartActionInput `json:"actions"`
	}
	if err := contextGin.ShouldBindJSON(&update); err != nil {
		contextGin.JSON(http.StatusBadRequest, apiError(http.StatusBadRequest, "InvalidJsonInput", "request body is not valid"))
		return
	}
	updated, err := server.carts.Update(owner, contextGin.Param("id"), update.Version, update.Actions)
	if err != nil {
		server.writeCartError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, updated)
}

func (server *Server) handleDeleteCart(contextGin *gin.Context) {
	owner, _, ok := server.cartOwner(contextGin)
	if !ok {
		return
	}
	version, parseErr := strconv.ParseInt(contextGin.Query("version"), 10, 64)
	if parseErr != nil {
		contextGin.JSON(http.StatusBadRequest, apiError(http.StatusBadRequest, "InvalidInput", "version query parameter is required"))
		return
	}
	deleted, err := server.carts.Delete(owner, contextGin.Param("id"), version)
	if err != nil {
		server.writeCartError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, deleted)
}

// cartOwner resolves the cart owner of the caller; basic tokens own no carts.
func (server *Server) cartOwner(contextGin *gin.Context) (string, accessGrant, bool) {
	claims, ok := sessionvalidator.ClaimsFromContext(contextGin, claimsContextKey)
	if !ok {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, oauthError("invalid_token", "missing claims"))
		return "", accessGrant{}, false
	}
	grant := accessGrant{Role: claims.GetRole(), CustomerID: claims.GetCustomerID(), AnonymousID: claims.GetAnonymousID()}
	if grant.Role == sessionvalidator.RoleBasic || !claims.HasScope("manage_my_orders") {
		contextGin.JSON(http.StatusForbidden, apiError(http.StatusForbidden, "insufficient_scope", "the token cannot manage carts"))
		return "", accessGrant{}, false
	}
	return grant.subject(server.clientID), grant, true
}

func (server *Server) writeCartError(contextGin *gin.Context, err error) {
	switch {
	case errors.Is(err, errCartNotFound):
		contextGin.JSON(http.StatusNotFound, apiError(http.StatusNotFound, "ResourceNotFound", "cart not found"))
	case errors.Is(err, errCartVersionConflict):
		contextGin.JSON(http.StatusConflict, apiError(http.StatusConflict, "ConcurrentModification", "the cart version does not match"))
	default:
		contextGin.JSON(http.StatusBadRequest, apiError(http.StatusBadRequest, "InvalidOperation", err.Error()))
	}
}

// scopeFor returns the requested scope or the role's default.
func (server *Server) scopeFor(contextGin *gin.Context, role string) string {
	if requested := strings.TrimSpace(contextGin.PostForm("scope")); requested != "" {
		return requested
	}
	names := []string{"view_published_products"}
	if role != sessionvalidator.RoleBasic {
		names = append(names, "manage_my_orders", "manage_my_profile")
	}
	scopes := make([]string, 0, len(names))
	for _, name := range names {
		scopes = append(scopes, name+":"+server.projectKey)
	}
	return strings.Join(scopes, " ")
}

// Close releases the refresh store when it holds external resources.
func (server *Server) Close() {
	if closer, ok := server.refreshTokens.(interface{ Close() }); ok {
		closer.Close()
	}
}

func oauthError(code string, description string) gin.H {
	return gin.H{"error": code, "error_description": description}
}

func apiError(status int, code string, message string) gin.H {
	return gin.H{
		"statusCode": status,
		"message":    message,
		"errors":     []gin.H{{"code": code, "message": message}},
	}
}
