package models

import (
	"errors"
	"fmt"
)

// APIError is the structured error body returned by the backend. Callers
// extract it with errors.As or test a code with IsAPIError.
type APIError struct {
	// Code is one of the Code* constants.
	Code string `json:"code"`
	// Message is the human-readable description from the server.
	Message string `json:"error"`
	// StatusCode is the HTTP status of the response, zero for errors
	// produced without a transport.
	StatusCode int `json:"-"`
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("api: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("api: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Backend error codes.
const (
	CodeConflict     = "conflict"
	CodeNotFound     = "not_found"
	CodeForbidden    = "forbidden"
	CodeUnauthorized = "unauthorized"
	CodeInvalid      = "invalid"
	CodeInternal     = "internal"
)

// IsAPIError reports whether err wraps an *APIError with the given code.
func IsAPIError(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}
