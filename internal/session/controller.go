package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/capability"
	"github.com/loqalabs/loqa-voice/internal/credentials"
	"github.com/loqalabs/loqa-voice/internal/dispatch"
	"github.com/loqalabs/loqa-voice/internal/playback"
	"github.com/loqalabs/loqa-voice/internal/recognition"
)

// NoReplyText replaces an empty chat reply.
const NoReplyText = "No reply from backend."

// Dispatcher sends text to the speech and chat backends.
type Dispatcher interface {
	SendForSpeech(ctx context.Context, text string) ([]byte, error)
	SendForChat(ctx context.Context, text, token string) (string, error)
}

// Credentials gives read access to the persisted client state.
type Credentials interface {
	Load() (credentials.Snapshot, error)
}

// Deps are the host capabilities and backends a Controller drives. Engine, Audio and
// Speech may be nil when the host lacks the capability.
type Deps struct {
	Engine      recognition.Engine
	Dispatcher  Dispatcher
	Audio       playback.Output
	Speech      playback.Output
	Credentials Credentials
	Sinks       []Sink
	Logger      *slog.Logger
}

// Options tune a Controller.
type Options struct {
	SessionID      string
	Language       string
	Interim        bool
	Continuous     bool
	AutoDispatch   DispatchKind
	AppendLocality bool
}

type dispatchRequest struct {
	Kind          DispatchKind
	Text          string
	Token         uint64
	CorrelationID string
}

// Controller is the voice session state machine. All state is guarded by mu; results
// from recognition, dispatch and playback goroutines are applied under mu only when
// their handle or token is still current.
type Controller struct {
	deps    Deps
	opts    Options
	log     *slog.Logger
	metrics *controllerMetrics
	notify  *notifier
	wg      sync.WaitGroup

	mu           sync.Mutex
	closed       bool
	state        State
	transcript   transcriptBuffer
	interim      string
	lastResponse string
	lastError    *ErrorInfo
	seq          uint64

	recog          *recognition.Handle
	token          uint64
	dispatchCancel context.CancelFunc
	play           *playback.Handle
}

func New(deps Deps, opts Options) *Controller {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	log = log.With(slog.String("component", "session"), slog.String("session_id", opts.SessionID))

	metrics, err := newControllerMetrics()
	if err != nil {
		log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if deps.Credentials == nil {
		deps.Credentials = credentials.Static{}
	}

	c := &Controller{
		deps:    deps,
		opts:    opts,
		log:     log,
		metrics: metrics,
		notify:  newNotifier(deps.Sinks),
		state:   StateIdle,
	}
	c.emitLocked()
	return c
}

// ID returns the session identifier.
func (c *Controller) ID() string {
	return c.opts.SessionID
}

// Status returns the current snapshot.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// StartRecording opens a recognition capture. It fails with ErrBusy outside idle and
// with capability.ErrUnsupported, after entering the error state, when the host cannot
// recognize speech.
func (c *Controller) StartRecording(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkIdleLocked(); err != nil {
		return err
	}

	h, err := recognition.Start(context.WithoutCancel(ctx), c.deps.Engine, recognition.Options{
		SessionID:  c.opts.SessionID,
		Language:   c.opts.Language,
		Interim:    c.opts.Interim,
		Continuous: c.opts.Continuous,
	})
	if err != nil {
		c.failLocked(classify(err, ErrorRecognitionFailure))
		return err
	}

	c.recog = h
	c.interim = ""
	c.lastError = nil
	c.transitionLocked(StateRecording)
	c.log.Info("recording started")

	c.wg.Add(1)
	go c.watchRecognition(h)
	return nil
}

// StopRecording ends the capture and returns to idle. The handle is closed before
// StopRecording returns. It is a no-op when not recording.
func (c *Controller) StopRecording() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.state != StateRecording {
		return nil
	}
	c.stopRecognitionLocked()
	c.transitionLocked(StateIdle)
	c.log.Info("recording stopped")
	return nil
}

// Dispatch sends text, or the transcript when text is empty, to the backend selected by
// kind. Empty input returns ErrNothingToSend without any change. A chat dispatch with no
// stored token enters the error state and returns dispatch.ErrMissingCredential.
func (c *Controller) Dispatch(ctx context.Context, kind DispatchKind, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkIdleLocked(); err != nil {
		return err
	}
	if _, err := ParseDispatchKind(string(kind)); err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		text = c.transcript.String()
	}
	return c.startDispatchLocked(ctx, kind, text)
}

// CancelDispatch supersedes the outstanding request and returns to idle. A response
// that arrives later is discarded.
func (c *Controller) CancelDispatch() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.state != StateProcessing {
		return nil
	}
	c.cancelDispatchLocked()
	c.transitionLocked(StateIdle)
	c.log.Info("dispatch cancelled")
	return nil
}

// StopPlayback halts output immediately and returns to idle. No later completion or
// failure from the stopped handle is applied.
func (c *Controller) StopPlayback() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.state != StatePlaying {
		return nil
	}
	c.stopPlaybackLocked()
	c.transitionLocked(StateIdle)
	c.log.Info("playback stopped")
	return nil
}

// Acknowledge dismisses the current error. Nothing is retried.
func (c *Controller) Acknowledge() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.state != StateError {
		return nil
	}
	c.lastError = nil
	c.transitionLocked(StateIdle)
	return nil
}

// SetTranscript replaces the buffer. Editing is refused while recording.
func (c *Controller) SetTranscript(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.state == StateRecording {
		return ErrBusy
	}
	c.transcript.set(text)
	c.emitLocked()
	return nil
}

// Clear cancels all live work, empties the transcript, reply and error, and returns to idle.
func (c *Controller) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.releaseAllLocked()
	c.transcript.reset()
	c.interim = ""
	c.lastResponse = ""
	c.lastError = nil
	c.transitionLocked(StateIdle)
	return nil
}

// Close tears the session down. Live handles are stopped and outstanding responses
// discarded before Close returns; no state changes afterwards.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.releaseAllLocked()
	c.closed = true
	c.mu.Unlock()

	c.wg.Wait()
	c.notify.close()
	c.log.Info("session closed")
	return nil
}

func (c *Controller) checkIdleLocked() error {
	if c.closed {
		return ErrClosed
	}
	if c.state != StateIdle {
		return ErrBusy
	}
	return nil
}

func (c *Controller) startDispatchLocked(ctx context.Context, kind DispatchKind, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrNothingToSend
	}

	if kind == DispatchChat {
		snap, err := c.deps.Credentials.Load()
		if err != nil {
			c.failLocked(&ErrorInfo{Kind: ErrorMissingCredential, Message: err.Error()})
			return fmt.Errorf("%w: %v", dispatch.ErrMissingCredential, err)
		}
		if snap.Token == "" {
			c.failLocked(classify(dispatch.ErrMissingCredential, ErrorMissingCredential))
			return dispatch.ErrMissingCredential
		}
		if c.opts.AppendLocality && snap.Locality != "" {
			text = text + " in city " + snap.Locality
		}
		return c.beginDispatchLocked(ctx, kind, text, snap.Token)
	}
	return c.beginDispatchLocked(ctx, kind, text, "")
}

func (c *Controller) beginDispatchLocked(ctx context.Context, kind DispatchKind, text, authToken string) error {
	c.token++
	req := dispatchRequest{
		Kind:          kind,
		Text:          text,
		Token:         c.token,
		CorrelationID: uuid.NewString(),
	}
	dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.dispatchCancel = cancel
	c.lastError = nil
	c.transitionLocked(StateProcessing)
	c.log.Info("dispatching",
		slog.String("kind", string(kind)),
		slog.String("correlation_id", req.CorrelationID),
		slog.Uint64("token", req.Token))

	c.wg.Add(1)
	go c.runDispatch(dctx, req, authToken)
	return nil
}

func (c *Controller) runDispatch(ctx context.Context, req dispatchRequest, authToken string) {
	defer c.wg.Done()

	start := time.Now()
	var (
		audio []byte
		reply string
		err   error
	)
	switch req.Kind {
	case DispatchSpeech:
		audio, err = c.deps.Dispatcher.SendForSpeech(ctx, req.Text)
	case DispatchChat:
		reply, err = c.deps.Dispatcher.SendForChat(ctx, req.Text, authToken)
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || req.Token != c.token || c.state != StateProcessing {
		c.metrics.recordDispatch(req.Kind, "discarded", time.Since(start))
		c.log.Debug("discarding stale dispatch result",
			slog.String("correlation_id", req.CorrelationID),
			slog.Uint64("token", req.Token))
		return
	}
	c.metrics.recordDispatch(req.Kind, outcome, time.Since(start))
	c.dispatchCancel()
	c.dispatchCancel = nil

	if err != nil {
		info := classify(err, ErrorTransportFailure)
		c.log.Warn("dispatch failed",
			slog.String("correlation_id", req.CorrelationID),
			slog.String("kind", string(info.Kind)),
			slog.String("error", err.Error()))
		c.failLocked(info)
		return
	}

	switch req.Kind {
	case DispatchSpeech:
		c.startPlaybackLocked(capability.AudioOutput, c.deps.Audio, playback.Source{Audio: audio}, true)
	case DispatchChat:
		if reply == "" {
			c.lastResponse = NoReplyText
			c.transitionLocked(StateIdle)
			return
		}
		c.lastResponse = reply
		c.startPlaybackLocked(capability.Synthesis, c.deps.Speech, playback.Source{Text: reply}, false)
	}
}

// startPlaybackLocked moves from processing to playing. With no output configured,
// audio is a failure while a chat reply stays informational. An output the host
// cannot drive is a failure for both.
func (c *Controller) startPlaybackLocked(name string, out playback.Output, src playback.Source, required bool) {
	if out == nil && !required {
		c.transitionLocked(StateIdle)
		return
	}
	h, err := playback.Start(context.Background(), name, out, src)
	if err != nil {
		c.failLocked(classify(err, ErrorPlaybackFailure))
		return
	}
	c.play = h
	c.transitionLocked(StatePlaying)

	c.wg.Add(1)
	go c.watchPlayback(h)
}

func (c *Controller) watchPlayback(h *playback.Handle) {
	defer c.wg.Done()
	<-h.Done()
	err := h.Err()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.play != h {
		return
	}
	c.play = nil
	if err != nil {
		c.log.Warn("playback failed", slog.String("error", err.Error()))
		c.failLocked(classify(err, ErrorPlaybackFailure))
		return
	}
	c.transitionLocked(StateIdle)
}

func (c *Controller) watchRecognition(h *recognition.Handle) {
	defer c.wg.Done()
	for ev := range h.Events() {
		c.applyRecognition(h, ev)
	}
}

func (c *Controller) applyRecognition(h *recognition.Handle, ev recognition.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.recog != h {
		return
	}

	switch ev.Kind {
	case recognition.KindInterim:
		c.interim = ev.Text
		c.emitLocked()
	case recognition.KindFinal:
		c.transcript.append(ev.Text)
		c.interim = ""
		if c.opts.AutoDispatch == "" {
			c.emitLocked()
			return
		}
		c.stopRecognitionLocked()
		c.transitionLocked(StateIdle)
		if err := c.startDispatchLocked(context.Background(), c.opts.AutoDispatch, ev.Text); err != nil && !errors.Is(err, ErrNothingToSend) {
			c.log.Warn("auto dispatch failed", slog.String("error", err.Error()))
		}
	case recognition.KindEnded:
		c.recog = nil
		c.interim = ""
		c.transitionLocked(StateIdle)
	case recognition.KindError:
		c.recog = nil
		c.interim = ""
		c.log.Warn("recognition failed", slog.String("error", ev.Err.Error()))
		c.failLocked(classify(ev.Err, ErrorRecognitionFailure))
	}
}

func (c *Controller) stopRecognitionLocked() {
	if c.recog == nil {
		return
	}
	h := c.recog
	c.recog = nil
	c.interim = ""
	h.Stop()
}

func (c *Controller) cancelDispatchLocked() {
	c.token++
	if c.dispatchCancel != nil {
		c.dispatchCancel()
		c.dispatchCancel = nil
	}
}

func (c *Controller) stopPlaybackLocked() {
	if c.play == nil {
		return
	}
	h := c.play
	c.play = nil
	h.Stop()
}

func (c *Controller) releaseAllLocked() {
	c.stopRecognitionLocked()
	c.cancelDispatchLocked()
	c.stopPlaybackLocked()
}

func (c *Controller) failLocked(info *ErrorInfo) {
	c.lastError = info
	c.transitionLocked(StateError)
}

func (c *Controller) transitionLocked(state State) {
	if c.state != state {
		c.metrics.recordTransition(state)
		c.log.Debug("state transition", slog.String("from", string(c.state)), slog.String("to", string(state)))
	}
	c.state = state
	c.emitLocked()
}

func (c *Controller) emitLocked() {
	if c.closed {
		return
	}
	c.seq++
	c.notify.push(c.snapshotLocked())
}

func (c *Controller) snapshotLocked() Status {
	var lastErr *ErrorInfo
	if c.lastError != nil {
		e := *c.lastError
		lastErr = &e
	}
	return Status{
		SessionID:    c.opts.SessionID,
		Seq:          c.seq,
		State:        c.state,
		Transcript:   c.transcript.String(),
		Interim:      c.interim,
		LastResponse: c.lastResponse,
		LastError:    lastErr,
		Timestamp:    time.Now().UTC(),
	}
}
