package session

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-voice/internal/capability"
	"github.com/loqalabs/loqa-voice/internal/dispatch"
)

// ErrorKind classifies what went wrong in a session.
type ErrorKind string

const (
	ErrorUnsupportedCapability ErrorKind = "unsupported_capability"
	ErrorMissingCredential     ErrorKind = "missing_credential"
	ErrorRemoteService         ErrorKind = "remote_service"
	ErrorEmptyResponse         ErrorKind = "empty_response"
	ErrorTransportFailure      ErrorKind = "transport_failure"
	ErrorPlaybackFailure       ErrorKind = "playback_failure"
	ErrorRecognitionFailure    ErrorKind = "recognition_failure"
)

// ErrorInfo is the dismissible cause carried by the error state.
type ErrorInfo struct {
	Kind       ErrorKind
	Message    string
	StatusCode int
	Retryable  bool
}

func (e *ErrorInfo) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// classify maps err onto the session error taxonomy. fallback is used for errors that
// carry no recognizable cause.
func classify(err error, fallback ErrorKind) *ErrorInfo {
	var remote *dispatch.RemoteServiceError
	var transport *dispatch.TransportError
	switch {
	case errors.Is(err, capability.ErrUnsupported):
		return &ErrorInfo{Kind: ErrorUnsupportedCapability, Message: err.Error()}
	case errors.Is(err, dispatch.ErrMissingCredential):
		return &ErrorInfo{Kind: ErrorMissingCredential, Message: err.Error()}
	case errors.As(err, &remote):
		msg := remote.Body
		if msg == "" {
			msg = remote.Error()
		}
		return &ErrorInfo{Kind: ErrorRemoteService, Message: msg, StatusCode: remote.StatusCode, Retryable: remote.Retryable()}
	case errors.Is(err, dispatch.ErrEmptyResponse):
		return &ErrorInfo{Kind: ErrorEmptyResponse, Message: err.Error(), Retryable: true}
	case errors.As(err, &transport), errors.Is(err, context.DeadlineExceeded):
		msg := err.Error()
		if dispatch.IsTimeout(err) {
			msg = "request timed out: " + msg
		}
		return &ErrorInfo{Kind: ErrorTransportFailure, Message: msg, Retryable: true}
	default:
		return &ErrorInfo{Kind: fallback, Message: err.Error(), Retryable: true}
	}
}
