package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

type client struct {
	base string
	http *http.Client
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.Status, e.Message)
}

func newClient(base string) *client {
	return &client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err := json.Unmarshal(raw, &e); err != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &apiError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) status(ctx context.Context) (protocol.SessionState, error) {
	var s protocol.SessionState
	err := c.do(ctx, http.MethodGet, "/v1/session", nil, &s)
	return s, err
}

func (c *client) call(ctx context.Context, method, path string, body any) (protocol.SessionState, error) {
	var s protocol.SessionState
	err := c.do(ctx, method, path, body, &s)
	return s, err
}

func (c *client) history(ctx context.Context, limit int) ([]eventstore.Entry, error) {
	var entries []eventstore.Entry
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/session/history?limit=%d", limit), nil, &entries)
	return entries, err
}

// watch streams snapshots to fn until ctx is done or the daemon closes the stream.
// Snapshots older than one already seen are dropped.
func (c *client) watch(ctx context.Context, fn func(protocol.SessionState)) error {
	u, err := url.Parse(c.base + "/v1/session/events")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("connect to event stream: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	var lastSeq uint64
	for {
		var s protocol.SessionState
		if err := conn.ReadJSON(&s); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return fmt.Errorf("event stream closed: %s", closeErr.Text)
			}
			return err
		}
		if s.Seq != 0 && s.Seq <= lastSeq {
			continue
		}
		lastSeq = s.Seq
		fn(s)
	}
}
