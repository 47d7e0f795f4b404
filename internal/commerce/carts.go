package commerce

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// Customer is the signed-in customer profile.
type Customer struct {
	ID        string `json:"id"`
	Version   int64  `json:"version"`
	Email     string `json:"email"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

// Variant identifies a product variant.
type Variant struct {
	ID int `json:"id"`
}

// LineItem binds a product variant to a quantity.
type LineItem struct {
	ID        string  `json:"id"`
	ProductID string  `json:"productId"`
	Variant   Variant `json:"variant"`
	Quantity  int     `json:"quantity"`
}

// Cart is the caller's active cart. Version must accompany every mutation.
type Cart struct {
	ID          string     `json:"id"`
	Version     int64      `json:"version"`
	Currency    string     `json:"currency"`
	Country     string     `json:"country,omitempty"`
	CustomerID  string     `json:"customerId,omitempty"`
	AnonymousID string     `json:"anonymousId,omitempty"`
	LineItems   []LineItem `json:"lineItems"`
}

// CartDraft creates a cart when none is active.
type CartDraft struct {
	Currency string `json:"currency"`
	Country  string `json:"country,omitempty"`
}

// Action names on the wire.
const (
	ActionAddLineItem    = "addLineItem"
	ActionRemoveLineItem = "removeLineItem"
)

// CartAction is one of AddLineItem or RemoveLineItem.
type CartAction interface {
	ActionName() string
}

// AddLineItem adds quantity units of a product variant.
type AddLineItem struct {
	ProductID string
	VariantID int
	Quantity  int
}

// ActionName implements CartAction.
func (AddLineItem) ActionName() string { return ActionAddLineItem }

// MarshalJSON renders the tagged wire form.
func (action AddLineItem) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Action    string `json:"action"`
		ProductID string `json:"productId"`
		VariantID int    `json:"variantId"`
		Quantity  int    `json:"quantity"`
	}{ActionAddLineItem, action.ProductID, action.VariantID, action.Quantity})
}

// RemoveLineItem removes quantity units from a line item.
type RemoveLineItem struct {
	LineItemID string
	Quantity   int
}

// ActionName implements CartAction.
func (RemoveLineItem) ActionName() string { return ActionRemoveLineItem }

// MarshalJSON renders the tagged wire form.
func (action RemoveLineItem) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Action     string `json:"action"`
		LineItemID string `json:"lineItemId"`
		Quantity   int    `json:"quantity"`
	}{ActionRemoveLineItem, action.LineItemID, action.Quantity})
}

// CartUpdate is the versioned batch update body.
type CartUpdate struct {
	Version int64        `json:"version"`
	Actions []CartAction `json:"actions"`
}

// GetMe loads the signed-in customer.
func (client *Client) GetMe(ctx context.Context) (*Customer, error) {
	response, err := client.Do(ctx, Request{Method: http.MethodGet, URL: client.URL("/me")})
	if err != nil {
		return nil, fmt.Errorf("commerce.get_me: %w", err)
	}
	var customer Customer
	if err := DecodeJSON(response, &customer); err != nil {
		return nil, fmt.Errorf("commerce.get_me: %w", err)
	}
	return &customer, nil
}

// GetActiveCart loads the active cart; ErrNotFound when there is none.
func (client *Client) GetActiveCart(ctx context.Context) (*Cart, error) {
	response, err := client.Do(ctx, Request{Method: http.MethodGet, URL: client.URL("/me/active-cart")})
	if err != nil {
		return nil, fmt.Errorf("commerce.get_active_cart: %w", err)
	}
	return decodeCart(response, "commerce.get_active_cart")
}

// CreateCart creates a cart from draft.
func (client *Client) CreateCart(ctx context.Context, draft CartDraft) (*Cart, error) {
	response, err := client.Do(ctx, Request{Method: http.MethodPost, URL: client.URL("/me/carts"), JSON: draft})
	if err != nil {
		return nil, fmt.Errorf("commerce.create_cart: %w", err)
	}
	return decodeCart(response, "commerce.create_cart")
}

// UpdateCart submits actions as one batch against version.
func (client *Client) UpdateCart(ctx context.Context, cartID string, version int64, actions []CartAction) (*Cart, error) {
	response, err := client.Do(ctx, Request{
		Method: http.MethodPost,
		URL:    client.URL("/me/carts/" + url.PathEscape(cartID)),
		JSON:   CartUpdate{Version: version, Actions: actions},
	})
	if err != nil {
		return nil, fmt.Errorf("commerce.update_cart: %w", err)
	}
	return decodeCart(response, "commerce.update_cart")
}

// DeleteCart deletes the cart at version.
func (client *Client) DeleteCart(ctx context.Context, cartID string, version int64) (*Cart, error) {
	response, err := client.Do(ctx, Request{
		Method: http.MethodDelete,
		URL:    client.URL("/me/carts/" + url.PathEscape(cartID)),
		Query:  url.Values{"version": {strconv.FormatInt(version, 10)}},
	})
	if err != nil {
		return nil, fmt.Errorf("commerce.delete_cart: %w", err)
	}
	return decodeCart(response, "commerce.delete_cart")
}

func decodeCart(response Response, operation string) (*Cart, error) {
	var cart Cart
	if err := DecodeJSON(response, &cart); err != nil {
		return nil, fmt.Errorf("%s: %w", operation, err)
	}
	return &cart, nil
}
