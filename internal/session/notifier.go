package session

import (
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// Sink receives every status snapshot in order. Sinks run on the notifier goroutine
// and must not call back into the Controller.
type Sink interface {
	StatusChanged(Status)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Status)

func (f SinkFunc) StatusChanged(s Status) { f(s) }

// notifier delivers snapshots to sinks from a single goroutine so that the controller
// never blocks on a slow sink while holding its lock.
type notifier struct {
	sinks []Sink

	mu      sync.Mutex
	queue   []Status
	closing bool
	wake    chan struct{}
	done    chan struct{}
}

func newNotifier(sinks []Sink) *notifier {
	n := &notifier{
		sinks: sinks,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) push(s Status) {
	n.mu.Lock()
	if n.closing {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, s)
	n.mu.Unlock()
	n.signal()
}

func (n *notifier) signal() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	defer close(n.done)
	for {
		n.mu.Lock()
		batch := n.queue
		n.queue = nil
		closing := n.closing
		n.mu.Unlock()

		for _, s := range batch {
			for _, sink := range n.sinks {
				sink.StatusChanged(s)
			}
		}
		if len(batch) > 0 {
			continue
		}
		if closing {
			return
		}
		<-n.wake
	}
}

// close flushes queued snapshots and stops the goroutine.
func (n *notifier) close() {
	n.mu.Lock()
	n.closing = true
	n.mu.Unlock()
	n.signal()
	<-n.done
}

// BusSink publishes snapshots on voice.session.state.<session id>.
type BusSink struct {
	client *bus.Client
	log    *slog.Logger
}

func NewBusSink(client *bus.Client, log *slog.Logger) *BusSink {
	return &BusSink{client: client, log: log.With(slog.String("component", "session-bus-sink"))}
}

func (b *BusSink) StatusChanged(s Status) {
	if err := b.client.PublishJSON(protocol.SessionStateSubject(s.SessionID), s.Wire()); err != nil {
		b.log.Warn("failed to publish session state", slog.String("error", err.Error()))
	}
}
