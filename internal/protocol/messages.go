package protocol

import "time"

// Transcript represents STT output broadcast on the bus by a loqa STT service.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// CaptureControl asks the STT side of the bus to begin or end listening for a session.
type CaptureControl struct {
	SessionID  string    `json:"session_id"`
	Language   string    `json:"language"`
	Interim    bool      `json:"interim"`
	Continuous bool      `json:"continuous"`
	Timestamp  time.Time `json:"timestamp"`
}

// SessionError is the wire form of a session error.
type SessionError struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code,omitempty"`
	Retryable  bool   `json:"retryable"`
}

// SessionState is published whenever the voice session changes.
type SessionState struct {
	SessionID    string        `json:"session_id"`
	Seq          uint64        `json:"seq"`
	State        string        `json:"state"`
	Transcript   string        `json:"transcript"`
	Interim      string        `json:"interim,omitempty"`
	LastResponse string        `json:"last_response,omitempty"`
	Error        *SessionError `json:"error,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// CapabilityAnnouncement advertises host voice capabilities of a node.
type CapabilityAnnouncement struct {
	NodeID       string            `json:"node_id"`
	Capabilities map[string]bool   `json:"capabilities"`
	Details      map[string]string `json:"details,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

const (
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectTranscriptAll     = "stt.text.*"
	SubjectCaptureStart      = "stt.capture.start"
	SubjectCaptureStop       = "stt.capture.stop"

	SubjectSessionStatePrefix = "voice.session.state"
	SubjectNodeAnnounce       = "ctrl.node.announce"
	SubjectNodeHeartbeat      = "ctrl.node.heartbeat"
)

// SessionStateSubject returns the subject status updates for sessionID are published on.
func SessionStateSubject(sessionID string) string {
	return SubjectSessionStatePrefix + "." + sessionID
}
