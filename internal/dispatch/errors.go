package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyText is returned when there is nothing to send after trimming.
	ErrEmptyText = errors.New("dispatch text is empty")
	// ErrMissingCredential is returned by chat dispatch when no access token is stored.
	ErrMissingCredential = errors.New("no access token found in client state")
	// ErrEmptyResponse is returned when the speech backend answers 2xx with no audio.
	ErrEmptyResponse = errors.New("empty audio response received")
)

// RemoteServiceError is a non-2xx answer from a backend.
type RemoteServiceError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *RemoteServiceError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Retryable reports whether resending the same request could succeed.
func (e *RemoteServiceError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// TransportError wraps a failure to reach a backend or read its answer, including timeouts.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("request to %s failed: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
