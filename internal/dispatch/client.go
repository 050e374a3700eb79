package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/config"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxErrorBody = 64 << 10

// Client sends transcripts to the speech and chat backends. Requests are single-shot.
type Client struct {
	speechURL string
	chatURL   string
	http      *http.Client
	log       *slog.Logger
}

type textRequest struct {
	Text string `json:"text"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

type errorBody struct {
	Error  string          `json:"error"`
	Detail json.RawMessage `json:"detail"`
}

func NewClient(cfg config.DispatchConfig, log *slog.Logger) *Client {
	return &Client{
		speechURL: cfg.SpeechEndpoint,
		chatURL:   cfg.ChatEndpoint,
		http: &http.Client{
			Timeout:   time.Duration(cfg.TimeoutMS) * time.Millisecond,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		log: log.With(slog.String("component", "dispatch")),
	}
}

// SendForSpeech asks the speech backend to synthesize text and returns the encoded audio.
func (c *Client) SendForSpeech(ctx context.Context, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}

	body, err := c.post(ctx, c.speechURL, text, "", "audio/mpeg")
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, ErrEmptyResponse
	}
	return body, nil
}

// SendForChat sends text to the chat backend on behalf of token and returns the reply,
// which may be empty.
func (c *Client) SendForChat(ctx context.Context, text, token string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyText
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingCredential
	}

	body, err := c.post(ctx, c.chatURL, text, token, "application/json")
	if err != nil {
		return "", err
	}
	var resp chatResponse
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", &TransportError{Endpoint: c.chatURL, Err: fmt.Errorf("decode chat reply: %w", err)}
		}
	}
	return strings.TrimSpace(resp.Reply), nil
}

func (c *Client) post(ctx context.Context, endpoint, text, token, accept string) ([]byte, error) {
	payload, err := json.Marshal(textRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: err}
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	req.Header.Set("X-Request-ID", requestID)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("dispatch request failed",
			slog.String("endpoint", endpoint),
			slog.String("request_id", requestID),
			slog.String("error", err.Error()))
		return nil, &TransportError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.log.Warn("dispatch rejected",
			slog.String("endpoint", endpoint),
			slog.String("request_id", requestID),
			slog.Int("status", resp.StatusCode))
		return nil, &RemoteServiceError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: errorMessage(raw)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: fmt.Errorf("read response: %w", err)}
	}

	c.log.Debug("dispatch completed",
		slog.String("endpoint", endpoint),
		slog.String("request_id", requestID),
		slog.Int("bytes", len(body)),
		slog.Duration("elapsed", time.Since(start)))
	return body, nil
}

// errorMessage extracts the human-readable message from a backend error body.
func errorMessage(raw []byte) string {
	trimmed := bytes.TrimSpace(raw)
	var body errorBody
	if err := json.Unmarshal(trimmed, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if len(body.Detail) > 0 {
			var detail string
			if err := json.Unmarshal(body.Detail, &detail); err == nil {
				return detail
			}
			return string(body.Detail)
		}
	}
	return string(trimmed)
}

// IsTimeout reports whether err came from the request deadline expiring.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
