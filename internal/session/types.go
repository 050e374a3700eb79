package session

import (
	"errors"
	"time"

	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// State is the single current state of a voice session.
type State string

const (
	StateIdle       State = "idle"
	StateRecording  State = "recording"
	StateProcessing State = "processing"
	StatePlaying    State = "playing"
	StateError      State = "error"
)

// DispatchKind selects the backend a transcript is sent to.
type DispatchKind string

const (
	DispatchSpeech DispatchKind = "speech"
	DispatchChat   DispatchKind = "chat"
)

// ParseDispatchKind validates a dispatch kind coming from config or the API.
func ParseDispatchKind(s string) (DispatchKind, error) {
	switch DispatchKind(s) {
	case DispatchSpeech, DispatchChat:
		return DispatchKind(s), nil
	default:
		return "", errors.New("dispatch kind must be speech or chat")
	}
}

var (
	// ErrBusy rejects a trigger that arrives while recording, processing or playing.
	ErrBusy = errors.New("session is busy")
	// ErrNothingToSend rejects a dispatch of empty or whitespace-only text.
	ErrNothingToSend = errors.New("nothing to send")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("session closed")
)

// Status is a snapshot of the session published after every change.
type Status struct {
	SessionID    string
	Seq          uint64
	State        State
	Transcript   string
	Interim      string
	LastResponse string
	LastError    *ErrorInfo
	Timestamp    time.Time
}

// Wire converts the snapshot into its bus and API representation.
func (s Status) Wire() protocol.SessionState {
	msg := protocol.SessionState{
		SessionID:    s.SessionID,
		Seq:          s.Seq,
		State:        string(s.State),
		Transcript:   s.Transcript,
		Interim:      s.Interim,
		LastResponse: s.LastResponse,
		Timestamp:    s.Timestamp,
	}
	if s.LastError != nil {
		msg.Error = &protocol.SessionError{
			Kind:       string(s.LastError.Kind),
			Message:    s.LastError.Message,
			StatusCode: s.LastError.StatusCode,
			Retryable:  s.LastError.Retryable,
		}
	}
	return msg
}
