package api

import (
	"errors"
	"fmt"
)

// HTTPError is returned for any response with status >= 400
type HTTPError struct {
	Method     string
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Endpoint, e.StatusCode, e.Body)
}

// Message returns a short explanation suitable for showing to the user
func (e *HTTPError) Message() string {
	switch e.StatusCode {
	case 401:
		return "Invalid or expired API token"
	case 403:
		return "Access forbidden (check user permissions)"
	case 404:
		return "Not found on the server"
	case 409:
		return "The session changed on the server, reload and try again"
	default:
		if e.StatusCode >= 500 {
			return fmt.Sprintf("Server error (HTTP %d)", e.StatusCode)
		}
		return fmt.Sprintf("Request rejected (HTTP %d)", e.StatusCode)
	}
}

// UserMessage turns any error returned by the client into a human-readable message
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Message()
	}
	return fmt.Sprintf("Connection failed: %v", err)
}
