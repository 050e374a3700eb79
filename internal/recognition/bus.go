package recognition

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/capability"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// BusEngine asks a loqa STT service on the bus to capture for a session and
// relays the transcripts it publishes for that session.
type BusEngine struct {
	bus *bus.Client
	log *slog.Logger
}

func NewBusEngine(client *bus.Client, log *slog.Logger) *BusEngine {
	return &BusEngine{bus: client, log: log.With(slog.String("component", "bus-recognition"))}
}

func (e *BusEngine) Probe() error {
	if !e.bus.Healthy() {
		return capability.Unsupported(capability.Recognition, "bus not connected")
	}
	return nil
}

func (e *BusEngine) Listen(ctx context.Context, opts Options, emit func(Fragment)) error {
	finals := make(chan struct{}, 1)
	handler := func(subject string, data []byte) {
		var t protocol.Transcript
		if err := json.Unmarshal(data, &t); err != nil {
			e.log.Warn("failed to decode transcript", slog.String("error", err.Error()))
			return
		}
		if t.SessionID != opts.SessionID {
			return
		}
		final := subject == protocol.SubjectTranscriptFinal
		emit(Fragment{Text: t.Text, Final: final})
		if final && !opts.Continuous {
			select {
			case finals <- struct{}{}:
			default:
			}
		}
	}

	unsubscribe, err := e.bus.Subscribe(ctx, protocol.SubjectTranscriptAll, handler)
	if err != nil {
		return fmt.Errorf("subscribe transcripts: %w", err)
	}
	defer unsubscribe()

	control := protocol.CaptureControl{
		SessionID:  opts.SessionID,
		Language:   opts.Language,
		Interim:    opts.Interim,
		Continuous: opts.Continuous,
		Timestamp:  time.Now().UTC(),
	}
	if err := e.bus.PublishJSON(protocol.SubjectCaptureStart, control); err != nil {
		return fmt.Errorf("request capture: %w", err)
	}
	defer func() {
		control.Timestamp = time.Now().UTC()
		if err := e.bus.PublishJSON(protocol.SubjectCaptureStop, control); err != nil {
			e.log.Warn("failed to publish capture stop", slog.String("error", err.Error()))
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-finals:
		return nil
	}
}
