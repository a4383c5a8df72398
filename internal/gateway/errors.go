package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/howard-nolan/llmgateway/internal/provider"
	"github.com/howard-nolan/llmgateway/internal/routing"
)

// Error types returned to callers.
const (
	TypeValidation  = "validation_error"
	TypeAuth        = "auth_error"
	TypeNotFound    = "not_found"
	TypeRateLimited = routing.ErrorTypeRateLimited
	TypeNetwork     = routing.ErrorTypeNetwork
	TypeUpstream    = routing.ErrorTypeUpstream
	TypeGateway     = "gateway_error"
	TypeTimeout     = "timeout"

	// TypeClientClosed is only recorded in usage logs; nobody is left to
	// receive it.
	TypeClientClosed = "client_error"
)

// statusClientClosed is the de facto status for a request the client
// abandoned.
const statusClientClosed = 499

// Error is a request failure with the status and type the caller sees.
type Error struct {
	Type    string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func validationError(format string, args ...any) *Error {
	return &Error{Type: TypeValidation, Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) *Error {
	return &Error{Type: TypeNotFound, Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

func authError(format string, args ...any) *Error {
	return &Error{Type: TypeAuth, Status: http.StatusUnauthorized, Message: fmt.Sprintf(format, args...)}
}

func gatewayError(err error) *Error {
	return &Error{Type: TypeGateway, Status: http.StatusInternalServerError, Message: "internal gateway error", Err: err}
}

func clientClosed(err error) *Error {
	return &Error{Type: TypeClientClosed, Status: statusClientClosed, Message: "client closed request", Err: err}
}

func timeoutError(format string, args ...any) *Error {
	return &Error{Type: TypeTimeout, Status: http.StatusGatewayTimeout, Message: fmt.Sprintf(format, args...)}
}

// AsError converts any error into an *Error. Errors that are not already
// classified are internal faults.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return gatewayError(err)
}

// upstreamFailure turns the last failed attempt into the caller's error.
// The provider's real status and message are kept; only transport failures
// are normalized, from 0 to 500.
func upstreamFailure(err error) *Error {
	var ue *provider.UpstreamError
	if !errors.As(err, &ue) {
		return gatewayError(err)
	}

	if ue.StatusCode == 0 {
		return &Error{
			Type:    TypeNetwork,
			Status:  http.StatusInternalServerError,
			Message: "upstream request failed",
			Err:     err,
		}
	}

	typ := TypeUpstream
	switch ue.StatusCode {
	case http.StatusTooManyRequests:
		typ = TypeRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		typ = TypeAuth
	case http.StatusNotFound:
		typ = TypeNotFound
	}
	if ue.StatusCode >= 400 && ue.StatusCode < 500 && typ == TypeUpstream {
		typ = TypeValidation
	}

	return &Error{Type: typ, Status: ue.StatusCode, Message: upstreamMessage(ue)}
}

// upstreamMessage extracts error.message from a provider error body when it
// has one and otherwise returns the body as sent.
func upstreamMessage(ue *provider.UpstreamError) string {
	body := strings.TrimSpace(ue.Body)
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(body), &payload) == nil && payload.Error.Message != "" {
		return payload.Error.Message
	}
	if body == "" {
		return http.StatusText(ue.StatusCode)
	}
	return body
}
