package playback

import (
	"context"
	"errors"
	"sync"

	"github.com/loqalabs/loqa-voice/internal/capability"
)

// Source is what to play: encoded audio, or text for the host synthesizer.
type Source struct {
	Audio []byte
	Text  string
}

// IsAudio reports whether the source carries encoded audio.
func (s Source) IsAudio() bool {
	return len(s.Audio) > 0
}

// Output renders a source. Play blocks until playback completes, fails, or ctx is
// cancelled, and must release everything it acquired before returning.
type Output interface {
	Play(ctx context.Context, src Source) error
}

// Prober is implemented by outputs that can check host support before playing.
type Prober interface {
	Probe() error
}

// Handle is one running playback.
type Handle struct {
	cancel   context.CancelFunc
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	err      error
}

// Start begins playing src on out. name identifies the capability in errors.
func Start(ctx context.Context, name string, out Output, src Source) (*Handle, error) {
	if out == nil {
		return nil, capability.Unsupported(name, "no output configured")
	}
	if p, ok := out.(Prober); ok {
		if err := p.Probe(); err != nil {
			if !errors.Is(err, capability.ErrUnsupported) {
				err = capability.Unsupported(name, err.Error())
			}
			return nil, err
		}
	}

	playCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		cancel:  cancel,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go func() {
		defer close(h.done)
		defer cancel()
		err := out.Play(playCtx, src)
		select {
		case <-h.stopped:
		default:
			if !errors.Is(err, context.Canceled) {
				h.err = err
			}
		}
	}()
	return h, nil
}

// Done is closed once playback has finished and its resources are released.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err reports the playback failure, if any. It is valid after Done is closed and is
// nil for completed or stopped playback.
func (h *Handle) Err() error {
	<-h.done
	return h.err
}

// Stop halts playback and waits for release. Safe to call more than once.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopped)
		h.cancel()
	})
	<-h.done
}
