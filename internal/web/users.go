package web

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/storefront/internal/authkit"
	"github.com/tyemirov/storefront/internal/commerce"
	"go.uber.org/zap"
)

// CustomerProfiles loads the signed-in customer.
type CustomerProfiles interface {
	GetMe(ctx context.Context) (*commerce.Customer, error)
}

// HandleMe returns the signed-in customer's profile. Sessions other than user
// are answered with 403 without calling the platform.
func HandleMe(logger *zap.Logger, session Session, profiles CustomerProfiles) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if session == nil || profiles == nil {
		panic("session and customer profiles are required")
	}

	return func(contextGin *gin.Context) {
		if session.State().Role != authkit.RoleUser {
			contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not_signed_in"})
			return
		}
		customer, err := profiles.GetMe(contextGin.Request.Context())
		if err != nil {
			writeError(contextGin, logger, "api.me.failed", err)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"id":        customer.ID,
			"email":     customer.Email,
			"firstName": customer.FirstName,
			"lastName":  customer.LastName,
		})
	}
}
