package devplatform

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrConfiguration indicates an unusable platform configuration.
var ErrConfiguration = errors.New("devplatform.configuration")

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 30 * 24 * time.Hour
	defaultIssuer     = "storefront-devplatform"
)

// Customer is a seeded customer account.
type Customer struct {
	ID        string
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// Config describes a development platform instance.
type Config struct {
	ProjectKey   string
	ClientID     string
	ClientSecret string
	SigningKey   []byte
	Issuer       string
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
	Customers    []Customer
	RefreshStore RefreshTokenStore
	Logger       *zap.Logger
	Clock        func() time.Time
}

func (configuration Config) validate() error {
	if strings.TrimSpace(configuration.ProjectKey) == "" {
		return fmt.Errorf("%w: project key is required", ErrConfiguration)
	}
	if strings.TrimSpace(configuration.ClientID) == "" || configuration.ClientSecret == "" {
		return fmt.Errorf("%w: client credentials are required", ErrConfiguration)
	}
	if len(configuration.SigningKey) == 0 {
		return fmt.Errorf("%w: signing key is required", ErrConfiguration)
	}
	return nil
}

// ParseCustomers turns "email:password" pairs into seeded customers.
func ParseCustomers(entries []string) ([]Customer, error) {
	customers := make([]Customer, 0, len(entries))
	for _, entry := range entries {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		email, password, found := strings.Cut(trimmed, ":")
		email = strings.TrimSpace(email)
		if !found || email == "" || password == "" {
			return nil, fmt.Errorf("%w: customer entry %q must be email:password", ErrConfiguration, trimmed)
		}
		customers = append(customers, Customer{Email: email, Password: password})
	}
	return customers, nil
}
