package authkit

import (
	"strings"
	"time"

	"github.com/tyemirov/storefront/internal/commerce"
	"github.com/tyemirov/storefront/internal/metrics"
	"github.com/tyemirov/storefront/internal/tokenstore"
	"go.uber.org/zap"
)

// Default scope names per role.
var (
	DefaultBasicScopes     = []string{"view_published_products", "view_categories"}
	DefaultAnonymousScopes = []string{"view_published_products", "view_categories", "manage_my_orders", "manage_my_profile", "create_anonymous_token"}
	DefaultUserScopes      = []string{"view_published_products", "view_categories", "manage_my_orders", "manage_my_profile", "manage_my_payments"}
)

// ScopeSet is an ordered list of scope names granted to one role.
type ScopeSet []string

// Render qualifies each scope with projectKey and joins them with single spaces.
func (scopes ScopeSet) Render(projectKey string) string {
	qualified := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		trimmed := strings.TrimSpace(scope)
		if trimmed == "" {
			continue
		}
		qualified = append(qualified, trimmed+":"+projectKey)
	}
	return strings.Join(qualified, " ")
}

// Scopes holds the scope set of every role.
type Scopes struct {
	Basic     ScopeSet
	Anonymous ScopeSet
	User      ScopeSet
}

// DefaultScopes returns the built-in scope sets.
func DefaultScopes() Scopes {
	return Scopes{
		Basic:     append(ScopeSet(nil), DefaultBasicScopes...),
		Anonymous: append(ScopeSet(nil), DefaultAnonymousScopes...),
		User:      append(ScopeSet(nil), DefaultUserScopes...),
	}
}

// ForRole returns the scope set granted to role.
func (scopes Scopes) ForRole(role Role) ScopeSet {
	switch role {
	case RoleAnonymous:
		return scopes.Anonymous
	case RoleUser:
		return scopes.User
	default:
		return scopes.Basic
	}
}

// TokenServiceConfig configures the OAuth endpoint, client credentials and scopes.
type TokenServiceConfig struct {
	AuthURL      string
	ProjectKey   string
	ClientID     string
	ClientSecret string
	Scopes       Scopes
	Transport    *commerce.Transport
	Store        *tokenstore.Guard
	Logger       *zap.Logger
	Metrics      metrics.Recorder
	Clock        func() time.Time
}

// CoordinatorConfig wires the coordinator's collaborators.
type CoordinatorConfig struct {
	Tokens         TokenOperations
	Store          *tokenstore.Guard
	Logger         *zap.Logger
	Metrics        metrics.Recorder
	RefreshTimeout time.Duration
	// NewAnonymousID generates guest identities; defaults to random UUIDs.
	NewAnonymousID func() string
}
