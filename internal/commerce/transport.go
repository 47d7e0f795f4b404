package commerce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CorrelationHeader carries the per-request correlation id.
const CorrelationHeader = "X-Correlation-ID"

// MaxResponseBytes caps how much of a platform answer is read.
const MaxResponseBytes = 4 << 20

// Request describes one outgoing platform call.
type Request struct {
	Method string
	URL    string
	Query  url.Values
	Header http.Header
	// JSON is marshalled as the body when set; Form takes precedence.
	JSON any
	Form url.Values
}

// Response is a fully read platform answer.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Transport sends requests without any authentication concerns.
type Transport struct {
	httpClient   *http.Client
	logger       *zap.Logger
	maxBodyBytes int64
}

// NewTransport wraps httpClient; nil selects a client with a 10s timeout.
func NewTransport(httpClient *http.Client, logger *zap.Logger) *Transport {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{httpClient: httpClient, logger: logger, maxBodyBytes: MaxResponseBytes}
}

// Send performs request. Only transport failures are returned as errors;
// callers classify the status with Classify.
func (transport *Transport) Send(ctx context.Context, request Request) (Response, error) {
	httpRequest, err := buildHTTPRequest(ctx, request)
	if err != nil {
		return Response{}, err
	}
	startTime := time.Now()
	httpResponse, err := transport.httpClient.Do(httpRequest)
	if err != nil {
		transport.logger.Debug("platform request failed",
			zap.String("code", "commerce.transport.send_failed"),
			zap.String("method", httpRequest.Method),
			zap.String("path", httpRequest.URL.Path),
			zap.Error(err))
		return Response{}, fmt.Errorf("commerce.transport.send: %w: %w", ErrTransient, err)
	}
	defer httpResponse.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(httpResponse.Body, transport.maxBodyBytes+1))
	if readErr != nil {
		return Response{}, fmt.Errorf("commerce.transport.read: %w: %w", ErrTransient, readErr)
	}
	if int64(len(body)) > transport.maxBodyBytes {
		transport.logger.Warn("platform response too large",
			zap.String("code", "commerce.transport.response_too_large"),
			zap.String("path", httpRequest.URL.Path),
			zap.Int64("limit", transport.maxBodyBytes))
		return Response{}, fmt.Errorf("commerce.transport.read: %w: %w", ErrTransient, ErrResponseTooLarge)
	}
	transport.logger.Debug("platform request",
		zap.String("method", httpRequest.Method),
		zap.String("path", httpRequest.URL.Path),
		zap.Int("status", httpResponse.StatusCode),
		zap.String("correlation_id", httpRequest.Header.Get(CorrelationHeader)),
		zap.Duration("elapsed", time.Since(startTime)))
	return Response{
		Status: httpResponse.StatusCode,
		Header: httpResponse.Header,
		Body:   body,
	}, nil
}

// Classify returns nil for 2xx answers and an *APIError otherwise.
func Classify(response Response) error {
	if response.Status >= 200 && response.Status < 300 {
		return nil
	}
	return NewAPIError(response.Status, response.Body)
}

// DecodeJSON classifies response and decodes a successful body into target.
func DecodeJSON(response Response, target any) error {
	if err := Classify(response); err != nil {
		return err
	}
	if err := json.Unmarshal(response.Body, target); err != nil {
		return fmt.Errorf("commerce.decode: %w", err)
	}
	return nil
}

func buildHTTPRequest(ctx context.Context, request Request) (*http.Request, error) {
	target := request.URL
	if len(request.Query) > 0 {
		separator := "?"
		if strings.Contains(target, "?") {
			separator = "&"
		}
		target += separator + request.Query.Encode()
	}

	var body io.Reader
	contentType := ""
	switch {
	case request.Form != nil:
		body = strings.NewReader(request.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case request.JSON != nil:
		encoded, err := json.Marshal(request.JSON)
		if err != nil {
			return nil, fmt.Errorf("commerce.transport.encode: %w", err)
		}
		body = bytes.NewReader(encoded)
		contentType = "application/json"
	}

	method := request.Method
	if method == "" {
		method = http.MethodGet
	}
	httpRequest, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("commerce.transport.build: %w", err)
	}
	for key, values := range request.Header {
		for _, value := range values {
			httpRequest.Header.Add(key, value)
		}
	}
	if contentType != "" && httpRequest.Header.Get("Content-Type") == "" {
		httpRequest.Header.Set("Content-Type", contentType)
	}
	httpRequest.Header.Set("Accept", "application/json")
	if httpRequest.Header.Get(CorrelationHeader) == "" {
		httpRequest.Header.Set(CorrelationHeader, uuid.NewString())
	}
	return httpRequest, nil
}
