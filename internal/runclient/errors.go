package runclient

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a non-success response from the run service.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// Temporary reports whether the status is worth retrying.
func (e *APIError) Temporary() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// IsNotFound reports whether err is a 404 from the service.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// StreamError is an error event emitted inside a run stream.
type StreamError struct {
	Kind    string
	Message string
}

func (e *StreamError) Error() string {
	if e.Kind == "" {
		return "run stream error: " + e.Message
	}
	return fmt.Sprintf("run stream error (%s): %s", e.Kind, e.Message)
}
