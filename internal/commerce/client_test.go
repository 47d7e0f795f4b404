package commerce

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubTokenSource struct {
	mutex     sync.Mutex
	current   string
	next      string
	recovered []string
	err       error
}

func (source *stubTokenSource) AccessToken(ctx context.Context) (string, error) {
	source.mutex.Lock()
	defer source.mutex.Unlock()
	return source.current, nil
}

func (source *stubTokenSource) RecoverUnauthorized(ctx context.Context, rejectedToken string) (string, error) {
	source.mutex.Lock()
	defer source.mutex.Unlock()
	source.recovered = append(source.recovered, rejectedToken)
	if source.err != nil {
		return "", source.err
	}
	source.current = source.next
	return source.current, nil
}

type capturedRequest struct {
	method        string
	path          string
	query         string
	authorization string
	correlationID string
	body          []byte
}

func newCapturingServer(t *testing.T, respond func(writer http.ResponseWriter, request capturedRequest)) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var mutex sync.Mutex
	var captured []capturedRequest
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		body, _ := io.ReadAll(request.Body)
		entry := capturedRequest{
			method:        request.Method,
			path:          request.URL.Path,
			query:         request.URL.RawQuery,
			authorization: request.Header.Get("Authorization"),
			correlationID: request.Header.Get(CorrelationHeader),
			body:          body,
		}
		mutex.Lock()
		captured = append(captured, entry)
		mutex.Unlock()
		respond(writer, entry)
	}))
	t.Cleanup(server.Close)
	return server, func() []capturedRequest {
		mutex.Lock()
		defer mutex.Unlock()
		return append([]capturedRequest(nil), captured...)
	}
}

func respondJSON(writer http.ResponseWriter, status int, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(payload)
}

func TestNewClientRequiresTokenSource(t *testing.T) {
	_, err := NewClient(ClientConfig{APIURL: "http://api", ProjectKey: "shop"})
	require.ErrorIs(t, err, ErrConfiguration)

	_, err = NewClient(ClientConfig{Tokens: &stubTokenSource{}, ProjectKey: "shop"})
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestDoRetriesOnceAfterUnauthorized(t *testing.T) {
	server, requests := newCapturingServer(t, func(writer http.ResponseWriter, request capturedRequest) {
		if request.authorization != "Bearer fresh" {
			respondJSON(writer, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
			return
		}
		respondJSON(writer, http.StatusOK, Customer{ID: "customer-1", Email: "ada@example.com"})
	})
	tokens := &stubTokenSource{current: "stale", next: "fresh"}
	client, err := NewClient(ClientConfig{APIURL: server.URL, ProjectKey: "shop", Tokens: tokens})
	require.NoError(t, err)

	customer, err := client.GetMe(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ada@example.com", customer.Email)

	captured := requests()
	require.Len(t, captured, 2)
	require.Equal(t, "/shop/me", captured[0].path)
	require.Equal(t, "Bearer stale", captured[0].authorization)
	require.Equal(t, "Bearer fresh", captured[1].authorization)
	require.NotEmpty(t, captured[0].correlationID)
	require.Equal(t, captured[0].correlationID, captured[1].correlationID)
	require.Equal(t, []string{"stale"}, tokens.recovered)
}

func TestDoSecondUnauthorizedIsFinal(t *testing.T) {
	server, requests := newCapturingServer(t, func(writer http.ResponseWriter, request capturedRequest) {
		respondJSON(writer, http.StatusUnauthorized, map[string]string{"error": "invalid_token", "error_description": "expired"})
	})
	tokens := &stubTokenSource{current: "stale", next: "fresh"}
	client, err := NewClient(ClientConfig{APIURL: server.URL, ProjectKey: "shop", Tokens: tokens})
	require.NoError(t, err)

	_, err = client.GetMe(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)
	var apiError *APIError
	require.True(t, errors.As(err, &apiError))
	require.Equal(t, "invalid_token", apiError.Code)
	require.Len(t, requests(), 2)
	require.Len(t, tokens.recovered, 1)
}

func TestDoDoesNotRetryOtherStatuses(t *testing.T) {
	testCases := []struct {
		name     string
		status   int
		expected error
	}{
		{name: "forbidden", status: http.StatusForbidden, expected: ErrForbidden},
		{name: "not found", status: http.StatusNotFound, expected: ErrNotFound},
		{name: "conflict", status: http.StatusConflict, expected: ErrVersionConflict},
		{name: "bad request", status: http.StatusBadRequest, expected: ErrRejected},
		{name: "server error", status: http.StatusInternalServerError, expected: ErrTransient},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			server, requests := newCapturingServer(t, func(writer http.ResponseWriter, request capturedRequest) {
				respondJSON(writer, testCase.status, map[string]any{"message": "nope", "errors": []map[string]string{{"code": "Failure"}}})
			})
			tokens := &stubTokenSource{current: "token"}
			client, err := NewClient(ClientConfig{APIURL: server.URL, ProjectKey: "shop", Tokens: tokens})
			require.NoError(t, err)

			_, err = client.GetActiveCart(context.Background())
			require.ErrorIs(t, err, testCase.expected)
			require.Len(t, requests(), 1)
			require.Empty(t, tokens.recovered)
		})
	}
}

func TestDoSurfacesRecoveryFailure(t *testing.T) {
	server, requests := newCapturingServer(t, func(writer http.ResponseWriter, request capturedRequest) {
		respondJSON(writer, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
	})
	tokens := &stubTokenSource{current: "stale", err: ErrTransient}
	client, err := NewClient(ClientConfig{APIURL: server.URL, ProjectKey: "shop", Tokens: tokens})
	require.NoError(t, err)

	_, err = client.GetMe(context.Background())
	require.ErrorIs(t, err, ErrTransient)
	require.Len(t, requests(), 1)
}

func TestTransportFailureIsTransient(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	serverURL := server.URL
	server.Close()

	client, err := NewClient(ClientConfig{APIURL: serverURL, ProjectKey: "shop", Tokens: &stubTokenSource{current: "token"}})
	require.NoError(t, err)
	_, err = client.GetMe(context.Background())
	require.ErrorIs(t, err, ErrTransient)
}

func TestTransportRejectsOversizedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte(strings.Repeat("x", 65)))
	}))
	t.Cleanup(server.Close)

	transport := NewTransport(nil, nil)
	transport.maxBodyBytes = 64
	_, err := transport.Send(context.Background(), Request{Method: http.MethodGet, URL: server.URL})
	require.ErrorIs(t, err, ErrResponseTooLarge)
	require.ErrorIs(t, err, ErrTransient)

	transport.maxBodyBytes = 65
	response, err := transport.Send(context.Background(), Request{Method: http.MethodGet, URL: server.URL})
	require.NoError(t, err)
	require.Len(t, response.Body, 65)
}

func TestCartOperationsWireFormat(t *testing.T) {
	cartPayload := Cart{ID: "cart-1", Version: 4, Currency: "EUR", LineItems: []LineItem{{ID: "line-1", ProductID: "product-a", Variant: Variant{ID: 1}, Quantity: 2}}}
	server, requests := newCapturingServer(t, func(writer http.ResponseWriter, request capturedRequest) {
		respondJSON(writer, http.StatusOK, cartPayload)
	})
	client, err := NewClient(ClientConfig{APIURL: server.URL + "/", ProjectKey: "shop", Tokens: &stubTokenSource{current: "token"}})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = client.CreateCart(ctx, CartDraft{Currency: "EUR", Country: "DE"})
	require.NoError(t, err)
	updated, err := client.UpdateCart(ctx, "cart-1", 3, []CartAction{
		AddLineItem{ProductID: "product-b", VariantID: 2, Quantity: 1},
		RemoveLineItem{LineItemID: "line-1", Quantity: 1},
	})
	require.NoError(t, err)
	require.Equal(t, int64(4), updated.Version)
	_, err = client.DeleteCart(ctx, "cart-1", 4)
	require.NoError(t, err)

	captured := requests()
	require.Len(t, captured, 3)

	require.Equal(t, http.MethodPost, captured[0].method)
	require.Equal(t, "/shop/me/carts", captured[0].path)
	require.JSONEq(t, `{"currency":"EUR","country":"DE"}`, string(captured[0].body))

	require.Equal(t, "/shop/me/carts/cart-1", captured[1].path)
	require.JSONEq(t, `{"version":3,"actions":[
		{"action":"addLineItem","productId":"product-b","variantId":2,"quantity":1},
		{"action":"removeLineItem","lineItemId":"line-1","quantity":1}
	]}`, string(captured[1].body))

	require.Equal(t, http.MethodDelete, captured[2].method)
	require.Equal(t, "version=4", captured[2].query)
}

func TestNewAPIErrorReadsPlatformBodies(t *testing.T) {
	oauth := NewAPIError(http.StatusBadRequest, []byte(`{"error":"invalid_grant","error_description":"The refresh token was not found."}`))
	require.Equal(t, "invalid_grant", oauth.Code)
	require.Equal(t, "The refresh token was not found.", oauth.Message)
	require.True(t, IsClientError(oauth))

	api := NewAPIError(http.StatusConflict, []byte(`{"statusCode":409,"message":"Version mismatch","errors":[{"code":"ConcurrentModification"}]}`))
	require.Equal(t, "ConcurrentModification", api.Code)
	require.ErrorIs(t, api, ErrVersionConflict)

	plain := NewAPIError(http.StatusBadGateway, []byte("upstream down"))
	require.Equal(t, "upstream down", plain.Message)
	require.ErrorIs(t, plain, ErrTransient)
	require.False(t, IsClientError(plain))
}
