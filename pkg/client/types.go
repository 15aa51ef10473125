package client

import (
	"fmt"
	"net/http"
)

// Health is the body of GET /.
type Health struct {
	Message string `json:"message"`
}

// Counter is the body of every counter endpoint.
type Counter struct {
	Counter int    `json:"counter"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}
