package commerce

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/tyemirov/storefront/internal/metrics"
	"go.uber.org/zap"
)

// TokenSource supplies bearer tokens and repairs the session after a 401.
type TokenSource interface {
	// AccessToken returns the current access token, waiting for any in-flight refresh.
	AccessToken(ctx context.Context) (string, error)
	// RecoverUnauthorized refreshes or re-acquires the session token that the platform
	// rejected, or waits for a concurrent repair, and returns the token to retry with.
	RecoverUnauthorized(ctx context.Context, rejectedToken string) (string, error)
}

// ClientConfig configures the authenticated platform client.
type ClientConfig struct {
	APIURL     string
	ProjectKey string
	Transport  *Transport
	Tokens     TokenSource
	Logger     *zap.Logger
	Metrics    metrics.Recorder
}

// Client sends authenticated requests: it attaches the bearer token and retries
// at most once after a 401.
type Client struct {
	baseURL   string
	transport *Transport
	tokens    TokenSource
	logger    *zap.Logger
	metrics   metrics.Recorder
}

// pendingCall is one logical request; retried guards the at-most-once retry.
type pendingCall struct {
	request Request
	retried bool
}

// NewClient validates configuration and builds a Client.
func NewClient(configuration ClientConfig) (*Client, error) {
	if configuration.Tokens == nil {
		return nil, fmt.Errorf("commerce.new_client: %w: token source is required", ErrConfiguration)
	}
	if strings.TrimSpace(configuration.APIURL) == "" || strings.TrimSpace(configuration.ProjectKey) == "" {
		return nil, fmt.Errorf("commerce.new_client: %w: api url and project key are required", ErrConfiguration)
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := configuration.Transport
	if transport == nil {
		transport = NewTransport(nil, logger)
	}
	recorder := configuration.Metrics
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Client{
		baseURL:   strings.TrimSuffix(configuration.APIURL, "/") + "/" + configuration.ProjectKey,
		transport: transport,
		tokens:    configuration.Tokens,
		logger:    logger,
		metrics:   recorder,
	}, nil
}

// URL joins path onto the project base URL.
func (client *Client) URL(path string) string {
	return client.baseURL + path
}

// Do sends request with the current access token. A 401 triggers one session
// repair and one resubmission; a second 401 ends in ErrUnauthorized.
func (client *Client) Do(ctx context.Context, request Request) (Response, error) {
	call := &pendingCall{request: request}
	if call.request.Header == nil {
		call.request.Header = http.Header{}
	} else {
		call.request.Header = call.request.Header.Clone()
	}
	if call.request.Header.Get(CorrelationHeader) == "" {
		call.request.Header.Set(CorrelationHeader, uuid.NewString())
	}

	token, err := client.tokens.AccessToken(ctx)
	if err != nil {
		return Response{}, fmt.Errorf("commerce.do.token: %w", err)
	}
	for {
		call.request.Header.Set("Authorization", "Bearer "+token)
		response, sendErr := client.transport.Send(ctx, call.request)
		if sendErr != nil {
			return Response{}, sendErr
		}
		if response.Status != http.StatusUnauthorized {
			return response, Classify(response)
		}
		if call.retried {
			client.logger.Warn("platform rejected retried request",
				zap.String("code", "commerce.retry.unauthorized"),
				zap.String("method", call.request.Method),
				zap.String("url", call.request.URL))
			return response, Classify(response)
		}
		call.retried = true
		client.metrics.Increment(metrics.EventRetryUnauthorized)

		token, err = client.tokens.RecoverUnauthorized(ctx, token)
		if err != nil {
			return response, fmt.Errorf("commerce.do.recover: %w", err)
		}
	}
}
