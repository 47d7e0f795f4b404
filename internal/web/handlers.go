package web

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/storefront/internal/authkit"
	"github.com/tyemirov/storefront/internal/cart"
	"github.com/tyemirov/storefront/internal/commerce"
	"go.uber.org/zap"
)

// Session is the auth coordinator as seen by the UI.
type Session interface {
	State() authkit.TokenState
	Subscribe(listener func(authkit.TokenState)) func()
	LogIn(ctx context.Context, email string, password string) error
	LogOut(ctx context.Context) error
}

// Carts is the cart reconciler as seen by the UI.
type Carts interface {
	IsUpdating() bool
	Subscribe(listener func(bool)) func()
	ActiveCart(ctx context.Context) (*commerce.Cart, error)
	ChangeItemsQuantity(ctx context.Context, draft commerce.CartDraft, desired []cart.DesiredQuantity) (*commerce.Cart, error)
}

// SessionSnapshot is the selector payload rendered for the UI.
type SessionSnapshot struct {
	Role           authkit.Role `json:"role"`
	IsLoading      bool         `json:"isLoading"`
	IsUpdatingCart bool         `json:"isUpdatingCart"`
}

// Handlers serves the UI-facing intents and selectors.
type Handlers struct {
	session  Session
	carts    Carts
	profiles CustomerProfiles
	logger   *zap.Logger
}

// NewHandlers wires the UI-facing handlers.
func NewHandlers(logger *zap.Logger, session Session, carts Carts, profiles CustomerProfiles) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	if session == nil || carts == nil || profiles == nil {
		panic("session, carts and customer profiles are required")
	}
	return &Handlers{session: session, carts: carts, profiles: profiles, logger: logger}
}

// Mount registers the /api routes. loginLimiter may be nil.
func (handlers *Handlers) Mount(router gin.IRouter, loginLimiter *ClientRateLimiter) {
	api := router.Group("/api")
	api.GET("/session", handlers.handleSession)
	api.GET("/session/events", handlers.handleSessionEvents)
	if loginLimiter != nil {
		api.POST("/auth/login", loginLimiter.Middleware(), handlers.handleLogin)
	} else {
		api.POST("/auth/login", handlers.handleLogin)
	}
	api.POST("/auth/logout", handlers.handleLogout)
	api.GET("/me", HandleMe(handlers.logger, handlers.session, handlers.profiles))
	api.GET("/cart", handlers.handleActiveCart)
	api.POST("/cart/quantities", handlers.handleChangeQuantities)
}

// Snapshot reads the current selectors.
func (handlers *Handlers) Snapshot() SessionSnapshot {
	state := handlers.session.State()
	return SessionSnapshot{
		Role:           state.Role,
		IsLoading:      state.IsLoading,
		IsUpdatingCart: handlers.carts.IsUpdating(),
	}
}

func (handlers *Handlers) handleSession(contextGin *gin.Context) {
	contextGin.JSON(http.StatusOK, handlers.Snapshot())
}

// handleSessionEvents streams a snapshot on every selector change. Slow
// readers only see the latest snapshots.
func (handlers *Handlers) handleSessionEvents(contextGin *gin.Context) {
	updates := make(chan SessionSnapshot, 8)
	publish := func() {
		select {
		case updates <- handlers.Snapshot():
		default:
		}
	}
	unsubscribeSession := handlers.session.Subscribe(func(authkit.TokenState) { publish() })
	defer unsubscribeSession()
	unsubscribeCart := handlers.carts.Subscribe(func(bool) { publish() })
	defer unsubscribeCart()

	contextGin.Header("Cache-Control", "no-cache")
	contextGin.Header("Connection", "keep-alive")
	contextGin.SSEvent("session", handlers.Snapshot())
	contextGin.Writer.Flush()
	done := contextGin.Request.Context().Done()
	contextGin.Stream(func(writer io.Writer) bool {
		select {
		case snapshot := <-updates:
			contextGin.SSEvent("session", snapshot)
			return true
		case <-done:
			return false
		}
	})
}

func (handlers *Handlers) handleLogin(contextGin *gin.Context) {
	var inbound struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" || inbound.Password == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	if err := handlers.session.LogIn(contextGin.Request.Context(), inbound.Email, inbound.Password); err != nil {
		writeError(contextGin, handlers.logger, "api.login.failed", err)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"role": handlers.session.State().Role})
}

func (handlers *Handlers) handleLogout(contextGin *gin.Context) {
	if err := handlers.session.LogOut(contextGin.Request.Context()); err != nil {
		writeError(contextGin, handlers.logger, "api.logout.failed", err)
		return
	}
	contextGin.Status(http.StatusNoContent)
}

func (handlers *Handlers) handleActiveCart(contextGin *gin.Context) {
	current, err := handlers.carts.ActiveCart(contextGin.Request.Context())
	if err != nil {
		writeError(contextGin, handlers.logger, "api.cart.failed", err)
		return
	}
	if current == nil {
		contextGin.Status(http.StatusNoContent)
		return
	}
	contextGin.JSON(http.StatusOK, current)
}

func (handlers *Handlers) handleChangeQuantities(contextGin *gin.Context) {
	var inbound struct {
		Draft commerce.CartDraft     `json:"draft"`
		Items []cart.DesiredQuantity `json:"items"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	updated, err := handlers.carts.ChangeItemsQuantity(contextGin.Request.Context(), inbound.Draft, inbound.Items)
	if err != nil {
		writeError(contextGin, handlers.logger, "api.cart.change_failed", err)
		return
	}
	if updated == nil {
		contextGin.Status(http.StatusNoContent)
		return
	}
	contextGin.JSON(http.StatusOK, updated)
}

// writeError renders err as {error: code} with the matching status.
func writeError(contextGin *gin.Context, logger *zap.Logger, logCode string, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		logger.Warn("request failed",
			zap.String("code", logCode),
			zap.Int("status", status),
			zap.Error(err))
	}
	contextGin.AbortWithStatusJSON(status, gin.H{"error": code})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, authkit.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials"
	case errors.Is(err, authkit.ErrIllegalTransition):
		return http.StatusConflict, "illegal_transition"
	case errors.Is(err, commerce.ErrVersionConflict):
		return http.StatusConflict, "version_conflict"
	case errors.Is(err, commerce.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, commerce.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, commerce.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, commerce.ErrRejected), errors.Is(err, authkit.ErrGrantRejected):
		return http.StatusBadRequest, "rejected"
	case errors.Is(err, authkit.ErrTransient), errors.Is(err, commerce.ErrTransient),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
