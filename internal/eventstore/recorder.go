package eventstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/session"
)

// Recorder is a session sink that writes transitions to the timeline. Snapshots that
// differ from the previous one only in interim text are skipped.
type Recorder struct {
	store *Store
	log   *slog.Logger
	last  *Entry
}

func NewRecorder(store *Store, log *slog.Logger) *Recorder {
	return &Recorder{store: store, log: log.With(slog.String("component", "timeline-recorder"))}
}

func (r *Recorder) StatusChanged(s session.Status) {
	e := entryFromStatus(s)
	if r.last != nil && sameContent(*r.last, e) {
		return
	}
	r.last = &e

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.store.Append(ctx, e); err != nil {
		r.log.Warn("failed to record session transition", slog.String("error", err.Error()))
	}
}

func entryFromStatus(s session.Status) Entry {
	e := Entry{
		SessionID:    s.SessionID,
		Seq:          s.Seq,
		State:        string(s.State),
		Transcript:   s.Transcript,
		LastResponse: s.LastResponse,
		CreatedAt:    s.Timestamp,
	}
	if s.LastError != nil {
		e.ErrorKind = string(s.LastError.Kind)
		e.ErrorMessage = s.LastError.Message
		e.StatusCode = s.LastError.StatusCode
	}
	return e
}

func sameContent(a, b Entry) bool {
	return a.SessionID == b.SessionID &&
		a.State == b.State &&
		a.Transcript == b.Transcript &&
		a.LastResponse == b.LastResponse &&
		a.ErrorKind == b.ErrorKind &&
		a.ErrorMessage == b.ErrorMessage
}
