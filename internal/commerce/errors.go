package commerce

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	// ErrConfiguration indicates the client was built without a required collaborator.
	ErrConfiguration = errors.New("commerce.configuration")
	// ErrUnauthorized indicates the platform rejected the bearer token.
	ErrUnauthorized = errors.New("commerce.unauthorized")
	// ErrForbidden indicates the token lacks the scope for the operation.
	ErrForbidden = errors.New("commerce.forbidden")
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("commerce.not_found")
	// ErrVersionConflict indicates a stale optimistic-concurrency version.
	ErrVersionConflict = errors.New("commerce.version_conflict")
	// ErrRejected indicates any other 4xx answer.
	ErrRejected = errors.New("commerce.rejected")
	// ErrTransient indicates a timeout, connectivity failure, or 5xx answer.
	ErrTransient = errors.New("commerce.transient")
	// ErrResponseTooLarge indicates an answer larger than MaxResponseBytes.
	ErrResponseTooLarge = errors.New("commerce.response_too_large")
)

// APIError is a non-2xx platform answer.
type APIError struct {
	Status  int
	Code    string
	Message string
}

// NewAPIError reads the error code and message from an OAuth or API error body.
func NewAPIError(status int, body []byte) *APIError {
	apiError := &APIError{Status: status}
	if gjson.ValidBytes(body) {
		parsed := gjson.ParseBytes(body)
		apiError.Code = firstNonEmpty(parsed.Get("error").String(), parsed.Get("errors.0.code").String())
		apiError.Message = firstNonEmpty(parsed.Get("error_description").String(), parsed.Get("message").String(), parsed.Get("errors.0.message").String())
	} else {
		apiError.Message = strings.TrimSpace(string(body))
	}
	if apiError.Message == "" {
		apiError.Message = http.StatusText(status)
	}
	return apiError
}

// Error implements the error interface.
func (apiError *APIError) Error() string {
	if apiError.Code != "" {
		return fmt.Sprintf("commerce.api.%d: %s: %s", apiError.Status, apiError.Code, apiError.Message)
	}
	return fmt.Sprintf("commerce.api.%d: %s", apiError.Status, apiError.Message)
}

// Unwrap maps the status to its category sentinel.
func (apiError *APIError) Unwrap() error {
	switch {
	case apiError.Status == http.StatusUnauthorized:
		return ErrUnauthorized
	case apiError.Status == http.StatusForbidden:
		return ErrForbidden
	case apiError.Status == http.StatusNotFound:
		return ErrNotFound
	case apiError.Status == http.StatusConflict:
		return ErrVersionConflict
	case apiError.Status >= 500:
		return ErrTransient
	default:
		return ErrRejected
	}
}

// IsClientError reports whether err carries a 4xx platform answer.
func IsClientError(err error) bool {
	var apiError *APIError
	if !errors.As(err, &apiError) {
		return false
	}
	return apiError.Status >= 400 && apiError.Status < 500
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
