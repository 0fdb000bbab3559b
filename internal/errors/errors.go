// Package errors provides the structured error taxonomy of the auth engine:
// classification of arbitrary failures into retryable/terminal classes plus
// user-presentable guidance per class.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Class categorizes a failure for retry policy, recovery routing and metrics.
type Class string

const (
	// ClassNetwork indicates no connectivity to the backend.
	ClassNetwork Class = "network"
	// ClassTimeout indicates the operation exceeded its budget.
	ClassTimeout Class = "timeout"
	// ClassBackendUnavailable indicates a reachable network but failing remote service.
	ClassBackendUnavailable Class = "backend_unavailable"
	// ClassAuthentication indicates invalid or expired credentials.
	ClassAuthentication Class = "authentication"
	// ClassSessionCorrupted indicates structurally inconsistent persisted state.
	ClassSessionCorrupted Class = "session_corrupted"
	// ClassUnknown is everything else.
	ClassUnknown Class = "unknown"
)

// Transient reports whether the class is retried automatically before being
// surfaced to the caller.
func (c Class) Transient() bool {
	switch c {
	case ClassNetwork, ClassTimeout, ClassBackendUnavailable:
		return true
	}
	return false
}

// Error is a classified failure with message, cause and context fields.
type Error struct {
	Class   Class
	Message string
	Cause   error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the class to a response status code.
func (e *Error) HTTPStatus() int {
	switch e.Class {
	case ClassAuthentication, ClassSessionCorrupted:
		return http.StatusUnauthorized
	case ClassTimeout:
		return http.StatusGatewayTimeout
	case ClassNetwork, ClassBackendUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WithContext adds a context field (chainable).
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// NetworkError creates a network-class error.
func NetworkError(message string, cause error) *Error {
	return &Error{Class: ClassNetwork, Message: message, Cause: cause, Context: make(map[string]any)}
}

// TimeoutError creates a timeout-class error.
func TimeoutError(message string, cause error) *Error {
	return &Error{Class: ClassTimeout, Message: message, Cause: cause, Context: make(map[string]any)}
}

// BackendUnavailableError creates a backend_unavailable-class error.
func BackendUnavailableError(message string, cause error) *Error {
	return &Error{Class: ClassBackendUnavailable, Message: message, Cause: cause, Context: make(map[string]any)}
}

// AuthenticationError creates an authentication-class error.
func AuthenticationError(message string, cause error) *Error {
	return &Error{Class: ClassAuthentication, Message: message, Cause: cause, Context: make(map[string]any)}
}

// SessionCorruptedError creates a session_corrupted-class error.
func SessionCorruptedError(message string, cause error) *Error {
	return &Error{Class: ClassSessionCorrupted, Message: message, Cause: cause, Context: make(map[string]any)}
}

// UnknownError creates an unknown-class error.
func UnknownError(message string, cause error) *Error {
	return &Error{Class: ClassUnknown, Message: message, Cause: cause, Context: make(map[string]any)}
}

// As converts any error into a classified *Error. Already-classified errors
// pass through unchanged; everything else goes through Classify.
func As(err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	return &Error{
		Class:   Classify(err),
		Message: err.Error(),
		Cause:   err,
		Context: make(map[string]any),
	}
}

// Substring patterns used to classify raw errors by message. Matching is
// intentionally loose: these errors arrive from HTTP clients, storage
// drivers and the OS with no common type.
var (
	networkPatterns = []string{
		"connection refused", "connection reset", "no such host",
		"network is unreachable", "broken pipe", "dial tcp", "no route to host",
		"failed to fetch", "econnrefused",
	}
	timeoutPatterns = []string{
		"timeout", "timed out", "deadline exceeded",
	}
	backendPatterns = []string{
		"503", "502", "500", "service unavailable", "bad gateway",
		"internal server error", "too many requests", "rate limit", "circuit breaker",
	}
	authPatterns = []string{
		"invalid token", "token expired", "invalid credentials", "unauthorized",
		"401", "403", "invalid refresh token", "jwt",
	}
	corruptionPatterns = []string{
		"corrupt", "malformed session", "inconsistent session", "invalid session structure",
	}
)

// Classify inspects an error and assigns it a class by sentinel, type and
// message pattern, in that order.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}

	msg := strings.ToLower(err.Error())
	for _, p := range corruptionPatterns {
		if strings.Contains(msg, p) {
			return ClassSessionCorrupted
		}
	}
	for _, p := range authPatterns {
		if strings.Contains(msg, p) {
			return ClassAuthentication
		}
	}
	for _, p := range timeoutPatterns {
		if strings.Contains(msg, p) {
			return ClassTimeout
		}
	}
	for _, p := range networkPatterns {
		if strings.Contains(msg, p) {
			return ClassNetwork
		}
	}
	for _, p := range backendPatterns {
		if strings.Contains(msg, p) {
			return ClassBackendUnavailable
		}
	}

	return ClassUnknown
}

// Guidance is the fixed, user-presentable description of an error class.
type Guidance struct {
	Message              string        `json:"message"`
	TroubleshootingSteps []string      `json:"troubleshooting_steps"`
	CanRetry             bool          `json:"can_retry"`
	RetryDelay           time.Duration `json:"retry_delay_ms"`
}

var guidanceByClass = map[Class]Guidance{
	ClassNetwork: {
		Message: "Unable to reach the server. Please check your connection.",
		TroubleshootingSteps: []string{
			"Check your internet connection",
			"Verify the server address is reachable",
			"Retry in a few seconds",
		},
		CanRetry:   true,
		RetryDelay: 2 * time.Second,
	},
	ClassTimeout: {
		Message: "The request took too long to complete.",
		TroubleshootingSteps: []string{
			"Retry the operation",
			"Check connection quality",
			"Contact support if timeouts persist",
		},
		CanRetry:   true,
		RetryDelay: 3 * time.Second,
	},
	ClassBackendUnavailable: {
		Message: "The service is temporarily unavailable.",
		TroubleshootingSteps: []string{
			"Wait a moment and retry",
			"Check the service status page",
		},
		CanRetry:   true,
		RetryDelay: 5 * time.Second,
	},
	ClassAuthentication: {
		Message: "Your session is no longer valid. Please sign in again.",
		TroubleshootingSteps: []string{
			"Sign in again",
			"Reset your password if the problem persists",
		},
		CanRetry:   false,
		RetryDelay: 0,
	},
	ClassSessionCorrupted: {
		Message: "Your stored session is damaged and has been cleared. Please sign in again.",
		TroubleshootingSteps: []string{
			"Sign in again",
			"Clear local application data if the problem persists",
		},
		CanRetry:   false,
		RetryDelay: 0,
	},
	ClassUnknown: {
		Message: "An unexpected error occurred.",
		TroubleshootingSteps: []string{
			"Retry the operation",
			"Contact support with the error details",
		},
		CanRetry:   true,
		RetryDelay: 2 * time.Second,
	},
}

// GuidanceFor returns the user guidance for a class.
func GuidanceFor(class Class) Guidance {
	if g, ok := guidanceByClass[class]; ok {
		return g
	}
	return guidanceByClass[ClassUnknown]
}

// Response is the JSON shape sent to API clients.
type Response struct {
	Error    string         `json:"error"`
	Class    Class          `json:"class"`
	Guidance Guidance       `json:"guidance"`
	Context  map[string]any `json:"context,omitempty"`
}

// ToResponse converts an Error into its client-facing representation.
func (e *Error) ToResponse() Response {
	return Response{
		Error:    e.Message,
		Class:    e.Class,
		Guidance: GuidanceFor(e.Class),
		Context:  e.Context,
	}
}
