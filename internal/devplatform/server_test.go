package devplatform

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/tyemirov/storefront/internal/commerce"
)

const (
	testProject = "shop"
	testClient  = "client"
	testSecret  = "secret"
)

type platformHarness struct {
	server *Server
	http   *httptest.Server
	offset atomic.Int64
}

func (harness *platformHarness) now() time.Time {
	return time.Now().UTC().Add(time.Duration(harness.offset.Load()))
}

func newPlatformHarness(t *testing.T) *platformHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	harness := &platformHarness{}
	server, err := NewServer(Config{
		ProjectKey:   testProject,
		ClientID:     testClient,
		ClientSecret: testSecret,
		SigningKey:   []byte("platform-signing-key"),
		Customers:    []Customer{{ID: "customer-1", Email: "ada@example.com", Password: "hunter2", FirstName: "Ada"}},
		Clock:        harness.now,
	})
	require.NoError(t, err)
	harness.server = server
	harness.http = httptest.NewServer(server.Handler())
	t.Cleanup(harness.http.Close)
	return harness
}

func (harness *platformHarness) postForm(t *testing.T, path string, form url.Values) (int, map[string]any) {
	t.Helper()
	request, err := http.NewRequest(http.MethodPost, harness.http.URL+path, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.SetBasicAuth(testClient, testSecret)
	return harness.do(t, request)
}

func (harness *platformHarness) call(t *testing.T, method string, path string, token string, body string) (int, map[string]any) {
	t.Helper()
	request, err := http.NewRequest(method, harness.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	return harness.do(t, request)
}

func (harness *platformHarness) do(t *testing.T, request *http.Request) (int, map[string]any) {
	t.Helper()
	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	defer response.Body.Close()
	payload := map[string]any{}
	_ = json.NewDecoder(response.Body).Decode(&payload)
	return response.StatusCode, payload
}

func (harness *platformHarness) anonymousTokens(t *testing.T, anonymousID string) (string, string) {
	t.Helper()
	status, payload := harness.postForm(t, "/oauth/"+testProject+"/anonymous/token", url.Values{
		"grant_type":   {"client_credentials"},
		"anonymous_id": {anonymousID},
	})
	require.Equal(t, http.StatusOK, status)
	return payload["access_token"].(string), payload["refresh_token"].(string)
}

func TestNewServerValidatesConfiguration(t *testing.T) {
	_, err := NewServer(Config{ProjectKey: testProject, ClientID: testClient, ClientSecret: testSecret})
	require.ErrorIs(t, err, ErrConfiguration)
	_, err = NewServer(Config{ClientID: testClient, ClientSecret: testSecret, SigningKey: []byte("k")})
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestParseCustomers(t *testing.T) {
	customers, err := ParseCustomers([]string{"ada@example.com:hunter2", " ", "bob@example.com:pa:ss"})
	require.NoError(t, err)
	require.Equal(t, []Customer{
		{Email: "ada@example.com", Password: "hunter2"},
		{Email: "bob@example.com", Password: "pa:ss"},
	}, customers)

	_, err = ParseCustomers([]string{"missing-password"})
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestTokenEndpointRequiresClientAuthentication(t *testing.T) {
	harness := newPlatformHarness(t)
	request, err := http.NewRequest(http.MethodPost, harness.http.URL+"/oauth/token", strings.NewReader("grant_type=client_credentials"))
	require.NoError(t, err)
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.SetBasicAuth(testClient, "wrong")
	status, payload := harness.do(t, request)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "invalid_client", payload["error"])
}

func TestBasicTokenHasNoRefreshTokenAndCannotOwnCarts(t *testing.T) {
	harness := newPlatformHarness(t)
	status, payload := harness.postForm(t, "/oauth/token", url.Values{"grant_type": {"client_credentials"}})
	require.Equal(t, http.StatusOK, status)
	require.NotContains(t, payload, "refresh_token")
	require.Equal(t, "view_published_products:shop", payload["scope"])

	basicToken := payload["access_token"].(string)
	status, _ = harness.call(t, http.MethodGet, "/shop/me/active-cart", basicToken, "")
	require.Equal(t, http.StatusForbidden, status)
	status, _ = harness.call(t, http.MethodGet, "/shop/me", basicToken, "")
	require.Equal(t, http.StatusForbidden, status)
	status, _ = harness.call(t, http.MethodGet, "/shop/me", "", "")
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestRefreshGrantRotatesRefreshTokens(t *testing.T) {
	harness := newPlatformHarness(t)
	_, refreshToken := harness.anonymousTokens(t, "guest-1")

	status, payload := harness.postForm(t, "/oauth/token", url.Values{"grant_type": {"refresh_token"}, "refresh_token": {refreshToken}})
	require.Equal(t, http.StatusOK, status)
	rotated := payload["refresh_token"].(string)
	require.NotEqual(t, refreshToken, rotated)

	status, payload = harness.postForm(t, "/oauth/token", url.Values{"grant_type": {"refresh_token"}, "refresh_token": {refreshToken}})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "invalid_grant", payload["error"])
}

func TestCustomerTokenRejectsBadCredentials(t *testing.T) {
	harness := newPlatformHarness(t)
	status, payload := harness.postForm(t, "/oauth/shop/customers/token", url.Values{
		"grant_type": {"password"},
		"username":   {"ada@example.com"},
		"password":   {"wrong"},
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "invalid_customer_account_credentials", payload["error"])

	status, _ = harness.postForm(t, "/oauth/other/customers/token", url.Values{"grant_type": {"password"}})
	require.Equal(t, http.StatusNotFound, status)
}

func TestIntrospectionAndRevocation(t *testing.T) {
	harness := newPlatformHarness(t)
	accessToken, refreshToken := harness.anonymousTokens(t, "guest-1")

	status, payload := harness.postForm(t, "/oauth/introspect", url.Values{"token": {accessToken}})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, payload["active"])
	require.Equal(t, testClient, payload["client_id"])

	status, _ = harness.postForm(t, "/oauth/token/revoke", url.Values{"token": {accessToken}})
	require.Equal(t, http.StatusOK, status)
	_, payload = harness.postForm(t, "/oauth/introspect", url.Values{"token": {accessToken}})
	require.Equal(t, false, payload["active"])
	status, _ = harness.call(t, http.MethodGet, "/shop/me/active-cart", accessToken, "")
	require.Equal(t, http.StatusUnauthorized, status)

	status, _ = harness.postForm(t, "/oauth/token/revoke", url.Values{"token": {refreshToken}})
	require.Equal(t, http.StatusOK, status)
	status, _ = harness.postForm(t, "/oauth/token", url.Values{"grant_type": {"refresh_token"}, "refresh_token": {refreshToken}})
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = harness.postForm(t, "/oauth/token/revoke", url.Values{"token": {"unknown"}})
	require.Equal(t, http.StatusOK, status)
}

func TestExpiredAccessTokenIsInactive(t *testing.T) {
	harness := newPlatformHarness(t)
	accessToken, _ := harness.anonymousTokens(t, "guest-1")
	harness.offset.Store(int64(defaultAccessTTL + time.Minute))

	_, payload := harness.postForm(t, "/oauth/introspect", url.Values{"token": {accessToken}})
	require.Equal(t, false, payload["active"])
	status, _ := harness.call(t, http.MethodGet, "/shop/me/active-cart", accessToken, "")
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestCartLifecycle(t *testing.T) {
	harness := newPlatformHarness(t)
	accessToken, _ := harness.anonymousTokens(t, "guest-1")

	status, payload := harness.call(t, http.MethodGet, "/shop/me/active-cart", accessToken, "")
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "ResourceNotFound", payload["errors"].([]any)[0].(map[string]any)["code"])

	status, payload = harness.call(t, http.MethodPost, "/shop/me/carts", accessToken, `{"currency":"EUR","country":"DE"}`)
	require.Equal(t, http.StatusCreated, status)
	cartID := payload["id"].(string)
	require.Equal(t, "guest-1", payload["anonymousId"])

	status, payload = harness.call(t, http.MethodPost, "/shop/me/carts/"+cartID, accessToken,
		`{"version":1,"actions":[{"action":"addLineItem","productId":"product-a","variantId":1,"quantity":2},{"action":"addLineItem","productId":"product-a","variantId":1,"quantity":1}]}`)
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 2, payload["version"])
	lineItems := payload["lineItems"].([]any)
	require.Len(t, lineItems, 1)
	lineItemID := lineItems[0].(map[string]any)["id"].(string)
	require.EqualValues(t, 3, lineItems[0].(map[string]any)["quantity"])

	status, payload = harness.call(t, http.MethodPost, "/shop/me/carts/"+cartID, accessToken,
		`{"version":1,"actions":[{"action":"removeLineItem","lineItemId":"`+lineItemID+`","quantity":1}]}`)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "ConcurrentModification", payload["errors"].([]any)[0].(map[string]any)["code"])

	status, _ = harness.call(t, http.MethodPost, "/shop/me/carts/"+cartID, accessToken,
		`{"version":2,"actions":[{"action":"removeLineItem","lineItemId":"missing","quantity":1}]}`)
	require.Equal(t, http.StatusBadRequest, status)

	status, payload = harness.call(t, http.MethodPost, "/shop/me/carts/"+cartID, accessToken,
		`{"version":2,"actions":[{"action":"removeLineItem","lineItemId":"`+lineItemID+`","quantity":5}]}`)
	require.Equal(t, http.StatusOK, status)
	require.Empty(t, payload["lineItems"])

	status, _ = harness.call(t, http.MethodDelete, "/shop/me/carts/"+cartID+"?version=2", accessToken, "")
	require.Equal(t, http.StatusConflict, status)
	status, _ = harness.call(t, http.MethodDelete, "/shop/me/carts/"+cartID+"?version=3", accessToken, "")
	require.Equal(t, http.StatusOK, status)
	status, _ = harness.call(t, http.MethodGet, "/shop/me/active-cart", accessToken, "")
	require.Equal(t, http.StatusNotFound, status)
}

func TestSignInCarriesGuestCartOver(t *testing.T) {
	harness := newPlatformHarness(t)
	guestToken, _ := harness.anonymousTokens(t, "guest-1")
	_, payload := harness.call(t, http.MethodPost, "/shop/me/carts", guestToken, `{"currency":"EUR"}`)
	cartID := payload["id"].(string)
	status, _ := harness.call(t, http.MethodPost, "/shop/me/carts/"+cartID, guestToken,
		`{"version":1,"actions":[{"action":"addLineItem","productId":"product-a","variantId":1,"quantity":2}]}`)
	require.Equal(t, http.StatusOK, status)

	status, payload = harness.postForm(t, "/oauth/shop/customers/token", url.Values{
		"grant_type":   {"password"},
		"username":     {"ADA@example.com"},
		"password":     {"hunter2"},
		"anonymous_id": {"guest-1"},
	})
	require.Equal(t, http.StatusOK, status)
	customerToken := payload["access_token"].(string)

	status, payload = harness.call(t, http.MethodGet, "/shop/me", customerToken, "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ada@example.com", payload["email"])

	status, payload = harness.call(t, http.MethodGet, "/shop/me/active-cart", customerToken, "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, cartID, payload["id"])
	require.Equal(t, "customer-1", payload["customerId"])

	status, _ = harness.call(t, http.MethodGet, "/shop/me/active-cart", guestToken, "")
	require.Equal(t, http.StatusNotFound, status)
}

func TestMergeGuestCartIntoExistingCustomerCart(t *testing.T) {
	book := newCartBook()
	guest := book.Create("anonymous:guest", accessGrant{AnonymousID: "guest"}, commerce.CartDraft{Currency: "EUR"})
	_, err := book.Update("anonymous:guest", guest.ID, 1, []cartActionInput{{Action: commerce.ActionAddLineItem, ProductID: "product-a", VariantID: 1, Quantity: 2}})
	require.NoError(t, err)
	owned := book.Create("customer:c1", accessGrant{CustomerID: "c1"}, commerce.CartDraft{Currency: "EUR"})
	_, err = book.Update("customer:c1", owned.ID, 1, []cartActionInput{{Action: commerce.ActionAddLineItem, ProductID: "product-a", VariantID: 1, Quantity: 1}})
	require.NoError(t, err)

	book.MergeGuestCart("guest", "c1")

	merged, found := book.Active("customer:c1")
	require.True(t, found)
	require.Equal(t, owned.ID, merged.ID)
	require.EqualValues(t, 3, merged.Version)
	require.Len(t, merged.LineItems, 1)
	require.Equal(t, 3, merged.LineItems[0].Quantity)
	_, found = book.Active("anonymous:guest")
	require.False(t, found)
}

func TestCartBookRejectsInvalidActionsAtomically(t *testing.T) {
	book := newCartBook()
	created := book.Create("anonymous:guest", accessGrant{AnonymousID: "guest"}, commerce.CartDraft{Currency: "EUR"})
	_, err := book.Update("anonymous:guest", created.ID, 1, []cartActionInput{
		{Action: commerce.ActionAddLineItem, ProductID: "product-a", VariantID: 1, Quantity: 1},
		{Action: "setShippingAddress", Quantity: 1},
	})
	require.ErrorIs(t, err, errInvalidCartAction)

	current, _ := book.Active("anonymous:guest")
	require.Empty(t, current.LineItems)
	require.EqualValues(t, 1, current.Version)

	_, err = book.Update("anonymous:guest", "other", 1, nil)
	require.ErrorIs(t, err, errCartNotFound)
}
