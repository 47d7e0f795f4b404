package web

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const anyOrigin = "*"

var (
	errNoAllowedOrigins    = errors.New("web.cors.no_allowed_origins")
	errWildcardWithOrigins = errors.New("web.cors.wildcard_with_origins")
	errInvalidOrigin       = errors.New("web.cors.invalid_origin")
)

// ConfigureCORS lets browser storefronts served from allowedOrigins call the
// agent API. A lone "*" admits every origin. The API carries no cookies, so
// credentialed requests are never allowed.
func ConfigureCORS(logger *zap.Logger, allowedOrigins []string) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins, allowAll, err := parseAllowedOrigins(allowedOrigins)
	if err != nil {
		return nil, fmt.Errorf("web.configure_cors: %w", err)
	}
	policy := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Content-Type", "Accept", "Last-Event-ID"},
		ExposeHeaders: []string{"Retry-After"},
		MaxAge:        10 * time.Minute,
	}
	if allowAll {
		policy.AllowAllOrigins = true
	} else {
		policy.AllowOrigins = origins
	}
	logger.Info("cors enabled",
		zap.String("code", "web.cors.enabled"),
		zap.Bool("any_origin", allowAll),
		zap.Strings("origins", origins))
	return cors.New(policy), nil
}

// parseAllowedOrigins normalizes entries to scheme://host and drops duplicates.
func parseAllowedOrigins(entries []string) ([]string, bool, error) {
	var origins []string
	allowAll := false
	seen := make(map[string]bool)
	for _, entry := range entries {
		candidate := strings.TrimSpace(entry)
		switch {
		case candidate == "":
			continue
		case candidate == anyOrigin:
			allowAll = true
			continue
		}
		origin, err := normalizeOrigin(candidate)
		if err != nil {
			return nil, false, err
		}
		if !seen[origin] {
			seen[origin] = true
			origins = append(origins, origin)
		}
	}
	if allowAll && len(origins) > 0 {
		return nil, false, errWildcardWithOrigins
	}
	if !allowAll && len(origins) == 0 {
		return nil, false, errNoAllowedOrigins
	}
	return origins, allowAll, nil
}

func normalizeOrigin(candidate string) (string, error) {
	parsed, err := url.Parse(candidate)
	if err != nil {
		return "", fmt.Errorf("%w: %q", errInvalidOrigin, candidate)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: %q needs an http or https scheme", errInvalidOrigin, candidate)
	}
	if parsed.Host == "" || parsed.User != nil {
		return "", fmt.Errorf("%w: %q needs a bare host", errInvalidOrigin, candidate)
	}
	if strings.Trim(parsed.Path, "/") != "" || parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", fmt.Errorf("%w: %q must not carry a path, query or fragment", errInvalidOrigin, candidate)
	}
	return scheme + "://" + strings.ToLower(parsed.Host), nil
}
