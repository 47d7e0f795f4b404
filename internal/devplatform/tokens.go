package devplatform

import (
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/tyemirov/storefront/pkg/sessionvalidator"
)

// accessGrant describes the owner of an access token.
type accessGrant struct {
	Role        string
	CustomerID  string
	AnonymousID string
	Scope       string
}

func (grant accessGrant) subject(clientID string) string {
	switch grant.Role {
	case sessionvalidator.RoleUser:
		return "customer:" + grant.CustomerID
	case sessionvalidator.RoleAnonymous:
		return "anonymous:" + grant.AnonymousID
	default:
		return "client:" + clientID
	}
}

// grantFromSubject reverses subject for refresh token owners.
func grantFromSubject(subject string) (accessGrant, bool) {
	kind, identifier, found := strings.Cut(subject, ":")
	if !found || identifier == "" {
		return accessGrant{}, false
	}
	switch kind {
	case "customer":
		return accessGrant{Role: sessionvalidator.RoleUser, CustomerID: identifier}, true
	case "anonymous":
		return accessGrant{Role: sessionvalidator.RoleAnonymous, AnonymousID: identifier}, true
	default:
		return accessGrant{}, false
	}
}

// mintAccessToken creates a signed HS256 access token.
func mintAccessToken(grant accessGrant, clientID string, issuer string, signingKey []byte, issuedAt time.Time, ttl time.Duration) (string, time.Time, error) {
	expiresAt := issuedAt.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionvalidator.Claims{
		Role:        grant.Role,
		CustomerID:  grant.CustomerID,
		AnonymousID: grant.AnonymousID,
		Scope:       grant.Scope,
		ClientID:    clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Subject:   grant.subject(clientID),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(signingKey)
	return signed, expiresAt, err
}

// revokedAccessTokens remembers revoked access token ids until they expire.
type revokedAccessTokens struct {
	mutex   sync.Mutex
	entries map[string]time.Time
	clock   func() time.Time
}

func newRevokedAccessTokens(clock func() time.Time) *revokedAccessTokens {
	return &revokedAccessTokens{entries: make(map[string]time.Time), clock: clock}
}

func (denylist *revokedAccessTokens) Revoke(tokenID string, expiresAt time.Time) {
	denylist.mutex.Lock()
	defer denylist.mutex.Unlock()
	now := denylist.clock()
	for identifier, expiry := range denylist.entries {
		if now.After(expiry) {
			delete(denylist.entries, identifier)
		}
	}
	denylist.entries[tokenID] = expiresAt
}

// IsRevoked implements sessionvalidator.Denylist.
func (denylist *revokedAccessTokens) IsRevoked(tokenID string) bool {
	denylist.mutex.Lock()
	defer denylist.mutex.Unlock()
	_, found := denylist.entries[tokenID]
	return found
}
