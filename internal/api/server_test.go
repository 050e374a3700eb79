package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/capability"
	"github.com/loqalabs/loqa-voice/internal/dispatch"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/session"
)

type fakeController struct {
	mu       sync.Mutex
	status   session.Status
	err      error
	calls    []string
	onStatus func() // runs after the snapshot is taken
}

func (f *fakeController) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeController) ID() string { return "s1" }

func (f *fakeController) Status() session.Status {
	f.mu.Lock()
	st, hook := f.status, f.onStatus
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return st
}

func (f *fakeController) StartRecording(context.Context) error { return f.record("start") }
func (f *fakeController) StopRecording() error { return f.record("stop") }
func (f *fakeController) CancelDispatch() error { return f.record("cancel") }
func (f *fakeController) StopPlayback() error { return f.record("halt") }
func (f *fakeController) Acknowledge() error { return f.record("ack") }
func (f *fakeController) Clear() error { return f.record("clear") }

func (f *fakeController) SetTranscript(text string) error {
	return f.record("edit:" + text)
}

func (f *fakeController) Dispatch(_ context.Context, kind session.DispatchKind, text string) error {
	return f.record(fmt.Sprintf("dispatch:%s:%s", kind, text))
}

type fakeHistory struct {
	entries []eventstore.Entry
	limit   int
}

func (h *fakeHistory) History(_ context.Context, sessionID string, limit int) ([]eventstore.Entry, error) {
	h.limit = limit
	return h.entries, nil
}

type fakeCaps []capability.Status

func (f fakeCaps) Statuses() []capability.Status { return f }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, ctrl *fakeController, hist *fakeHistory) (*httptest.Server, *Hub) {
	t.Helper()
	hub := NewHub(8, discardLogger())
	mux := http.NewServeMux()
	NewServer(ctrl, hist, fakeCaps{{Name: capability.Recognition, Available: true}}, hub, discardLogger()).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return srv, hub
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRoutesInvokeController(t *testing.T) {
	ctrl := &fakeController{status: session.Status{SessionID: "s1", State: session.StateIdle}}
	srv, _ := newTestServer(t, ctrl, &fakeHistory{})

	cases := []struct {
		method string
		path   string
		body   string
		want   string
		status int
	}{
		{http.MethodPost, "/v1/session/recording", "", "start", http.StatusAccepted},
		{http.MethodDelete, "/v1/session/recording", "", "stop", http.StatusOK},
		{http.MethodPut, "/v1/session/transcript", `{"text":"hello"}`, "edit:hello", http.StatusOK},
		{http.MethodDelete, "/v1/session/transcript", "", "clear", http.StatusOK},
		{http.MethodPost, "/v1/session/dispatch", `{"kind":"chat","text":"hi"}`, "dispatch:chat:hi", http.StatusAccepted},
		{http.MethodDelete, "/v1/session/dispatch", "", "cancel", http.StatusOK},
		{http.MethodDelete, "/v1/session/playback", "", "halt", http.StatusOK},
		{http.MethodPost, "/v1/session/ack", "", "ack", http.StatusOK},
	}
	for _, tc := range cases {
		resp := do(t, tc.method, srv.URL+tc.path, tc.body)
		if resp.StatusCode != tc.status {
			t.Fatalf("%s %s: expected %d, got %d", tc.method, tc.path, tc.status, resp.StatusCode)
		}
		ctrl.mu.Lock()
		last := ctrl.calls[len(ctrl.calls)-1]
		ctrl.mu.Unlock()
		if last != tc.want {
			t.Fatalf("%s %s: expected call %q, got %q", tc.method, tc.path, tc.want, last)
		}
	}
}

func TestStatusEndpoint(t *testing.T) {
	ctrl := &fakeController{status: session.Status{
		SessionID:  "s1",
		Seq:        7,
		State:      session.StateError,
		Transcript: "Hello world",
		LastError:  &session.ErrorInfo{Kind: session.ErrorRemoteService, Message: "key missing", StatusCode: 500, Retryable: true},
	}}
	srv, _ := newTestServer(t, ctrl, &fakeHistory{})

	resp := do(t, http.MethodGet, srv.URL+"/v1/session", "")
	var got protocol.SessionState
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.State != "error" || got.Error == nil || got.Error.StatusCode != 500 || got.Error.Message != "key missing" {
		t.Fatalf("unexpected status %+v", got)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{session.ErrBusy, http.StatusConflict},
		{session.ErrNothingToSend, http.StatusBadRequest},
		{capability.Unsupported(capability.Recognition, "no engine"), http.StatusNotImplemented},
		{dispatch.ErrMissingCredential, http.StatusUnauthorized},
		{session.ErrClosed, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		ctrl := &fakeController{err: tc.err}
		srv, _ := newTestServer(t, ctrl, &fakeHistory{})
		resp := do(t, http.MethodPost, srv.URL+"/v1/session/recording", "")
		if resp.StatusCode != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, resp.StatusCode)
		}
		var body errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
			t.Fatalf("%v: expected error body, got %+v (%v)", tc.err, body, err)
		}
	}
}

func TestDispatchRejectsUnknownKind(t *testing.T) {
	ctrl := &fakeController{}
	srv, _ := newTestServer(t, ctrl, &fakeHistory{})
	resp := do(t, http.MethodPost, srv.URL+"/v1/session/dispatch", `{"kind":"tts","text":"hi"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if len(ctrl.calls) != 0 {
		t.Fatalf("controller should not be called, got %v", ctrl.calls)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	hist := &fakeHistory{entries: []eventstore.Entry{{SessionID: "s1", Seq: 1, State: "idle"}}}
	srv, _ := newTestServer(t, &fakeController{}, hist)

	resp := do(t, http.MethodGet, srv.URL+"/v1/session/history?limit=5", "")
	var entries []eventstore.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 || hist.limit != 5 {
		t.Fatalf("unexpected history %v (limit %d)", entries, hist.limit)
	}

	if resp := do(t, http.MethodGet, srv.URL+"/v1/session/history?limit=zero", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", resp.StatusCode)
	}
}

func TestEventsStreamSnapshots(t *testing.T) {
	ctrl := &fakeController{status: session.Status{SessionID: "s1", Seq: 1, State: session.StateIdle}}
	srv, hub := newTestServer(t, ctrl, &fakeHistory{})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/session/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() protocol.SessionState {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg protocol.SessionState
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		return msg
	}

	if first := read(); first.Seq != 1 || first.State != "idle" {
		t.Fatalf("expected initial snapshot, got %+v", first)
	}

	deadline := time.Now().Add(5 * time.Second)
	for hub.Watchers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	hub.StatusChanged(session.Status{SessionID: "s1", Seq: 2, State: session.StateRecording})
	if next := read(); next.Seq != 2 || next.State != "recording" {
		t.Fatalf("expected recording snapshot, got %+v", next)
	}

	hub.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
}

func TestEventsKeepsChangeDeliveredDuringSubscribe(t *testing.T) {
	ctrl := &fakeController{status: session.Status{SessionID: "s1", Seq: 1, State: session.StatePlaying}}
	srv, hub := newTestServer(t, ctrl, &fakeHistory{})
	var once sync.Once
	ctrl.onStatus = func() {
		once.Do(func() {
			hub.StatusChanged(session.Status{SessionID: "s1", Seq: 2, State: session.StateIdle})
		})
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/session/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() protocol.SessionState {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg protocol.SessionState
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		return msg
	}

	if first := read(); first.Seq != 2 || first.State != "idle" {
		t.Fatalf("expected the concurrent idle snapshot first, got %+v", first)
	}
	hub.StatusChanged(session.Status{SessionID: "s1", Seq: 3, State: session.StateRecording})
	if next := read(); next.Seq != 3 {
		t.Fatalf("expected seq 3 after idle, got %+v", next)
	}
}

func TestHubSkipsOlderSnapshots(t *testing.T) {
	ctrl := &fakeController{status: session.Status{SessionID: "s1", Seq: 5, State: session.StateIdle}}
	srv, hub := newTestServer(t, ctrl, &fakeHistory{})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/session/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var msg protocol.SessionState
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil || msg.Seq != 5 {
		t.Fatalf("expected initial seq 5, got %+v, %v", msg, err)
	}
	hub.StatusChanged(session.Status{SessionID: "s1", Seq: 4, State: session.StatePlaying})
	hub.StatusChanged(session.Status{SessionID: "s1", Seq: 6, State: session.StateRecording})
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil || msg.Seq != 6 {
		t.Fatalf("expected seq 6 next, got %+v, %v", msg, err)
	}
}
