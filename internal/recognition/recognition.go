package recognition

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-voice/internal/capability"
)

// Kind tags a recognition event.
type Kind string

const (
	KindInterim Kind = "interim"
	KindFinal   Kind = "final"
	KindEnded   Kind = "ended"
	KindError   Kind = "error"
)

// Event is one item of a capture cycle. Err is set only for KindError.
type Event struct {
	Kind Kind
	Text string
	Err  error
}

// Terminal reports whether the event closes the capture cycle.
func (e Event) Terminal() bool {
	return e.Kind == KindEnded || e.Kind == KindError
}

// Fragment is a piece of transcript produced by an engine.
type Fragment struct {
	Text  string
	Final bool
}

// Options configures one capture cycle.
type Options struct {
	SessionID  string
	Language   string
	Interim    bool
	Continuous bool
}

// Engine is a host speech recognition backend. Listen blocks until the capture
// ends on its own, fails, or ctx is cancelled, and must return promptly on cancellation.
type Engine interface {
	Listen(ctx context.Context, opts Options, emit func(Fragment)) error
}

// Prober is implemented by engines that can tell up front whether the host supports them.
type Prober interface {
	Probe() error
}

const eventBuffer = 32

// Handle is a live capture. Events delivers fragments in emission order followed by
// exactly one terminal event, then the channel is closed. Fragments still unread
// when Stop is called may be discarded to make room for the terminal event.
type Handle struct {
	events  chan Event
	cancel  context.CancelFunc
	stopped chan struct{}
	done    chan struct{}
	interim bool

	stopOnce sync.Once

	mu     sync.Mutex
	closed bool
}

// Start opens a capture on engine. It fails with capability.ErrUnsupported when no
// engine is configured or the engine reports the host cannot serve it.
func Start(ctx context.Context, engine Engine, opts Options) (*Handle, error) {
	if engine == nil {
		return nil, capability.Unsupported(capability.Recognition, "no recognition engine configured")
	}
	if p, ok := engine.(Prober); ok {
		if err := p.Probe(); err != nil {
			if !errors.Is(err, capability.ErrUnsupported) {
				err = capability.Unsupported(capability.Recognition, err.Error())
			}
			return nil, err
		}
	}

	listenCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		events:  make(chan Event, eventBuffer),
		cancel:  cancel,
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
		interim: opts.Interim,
	}

	go func() {
		defer close(h.done)
		defer cancel()
		err := engine.Listen(listenCtx, opts, h.emit)
		h.finish(err)
	}()

	return h, nil
}

// Events returns the event stream of this capture.
func (h *Handle) Events() <-chan Event {
	return h.events
}

// Stop ends the capture. It is idempotent and returns once the engine has let go of
// its resources. No fragment is delivered after Stop returns.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopped)
		h.cancel()
	})
	<-h.done
}

func (h *Handle) isStopped() bool {
	select {
	case <-h.stopped:
		return true
	default:
		return false
	}
}

func (h *Handle) emit(f Fragment) {
	text := strings.TrimSpace(f.Text)
	if text == "" {
		return
	}
	kind := KindInterim
	if f.Final {
		kind = KindFinal
	} else if !h.interim {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.isStopped() {
		return
	}
	select {
	case h.events <- Event{Kind: kind, Text: text}:
	case <-h.stopped:
	}
}

func (h *Handle) finish(err error) {
	term := Event{Kind: KindEnded}
	if err != nil && !h.isStopped() && !errors.Is(err, context.Canceled) {
		term = Event{Kind: KindError, Err: err}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	select {
	case h.events <- term:
	case <-h.stopped:
		h.forceTerminal(term)
	}
	close(h.events)
}

// forceTerminal queues term after Stop, dropping the oldest unread fragments while
// the buffer is full. Caller holds h.mu, so no fragment can be added meanwhile.
func (h *Handle) forceTerminal(term Event) {
	for {
		select {
		case h.events <- term:
			return
		default:
		}
		select {
		case <-h.events:
		default:
		}
	}
}
