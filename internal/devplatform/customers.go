package devplatform

import (
	"crypto/subtle"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// customerDirectory holds seeded customer accounts.
type customerDirectory struct {
	mutex   sync.RWMutex
	byEmail map[string]Customer
	byID    map[string]Customer
}

func newCustomerDirectory(customers []Customer) *customerDirectory {
	directory := &customerDirectory{
		byEmail: make(map[string]Customer, len(customers)),
		byID:    make(map[string]Customer, len(customers)),
	}
	for _, customer := range customers {
		if customer.ID == "" {
			customer.ID = uuid.NewString()
		}
		directory.byEmail[strings.ToLower(strings.TrimSpace(customer.Email))] = customer
		directory.byID[customer.ID] = customer
	}
	return directory
}

// Authenticate returns the customer matching email and password.
func (directory *customerDirectory) Authenticate(email string, password string) (Customer, bool) {
	directory.mutex.RLock()
	defer directory.mutex.RUnlock()
	customer, found := directory.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !found {
		return Customer{}, false
	}
	if subtle.ConstantTimeCompare([]byte(customer.Password), []byte(password)) != 1 {
		return Customer{}, false
	}
	return customer, true
}

func (directory *customerDirectory) Lookup(customerID string) (Customer, bool) {
	directory.mutex.RLock()
	defer directory.mutex.RUnlock()
	customer, found := directory.byID[customerID]
	return customer, found
}
