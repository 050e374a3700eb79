package runtime

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/recognition"
)

func newTestRuntime(mutate func(*config.Config)) *Runtime {
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestBuildEngine(t *testing.T) {
	if engine := newTestRuntime(nil).buildEngine(); engine != nil {
		t.Fatalf("expected no engine by default, got %T", engine)
	}

	rt := newTestRuntime(func(c *config.Config) {
		c.Recognition.Mode = "scripted"
		c.Recognition.Script = []string{"hello"}
	})
	if _, ok := rt.buildEngine().(*recognition.ScriptedEngine); !ok {
		t.Fatalf("expected scripted engine")
	}

	rt = newTestRuntime(func(c *config.Config) {
		c.Recognition.Mode = "exec"
		c.Recognition.Command = "whisper-stream --json"
	})
	if _, ok := rt.buildEngine().(*recognition.ExecEngine); !ok {
		t.Fatalf("expected exec engine")
	}

	rt = newTestRuntime(func(c *config.Config) { c.Recognition.Mode = "bus" })
	if engine := rt.buildEngine(); engine != nil {
		t.Fatalf("bus engine without a connection should be nil, got %T", engine)
	}
}

func TestBuildOutputsHonorModes(t *testing.T) {
	rt := newTestRuntime(func(c *config.Config) {
		c.Playback.AudioMode = "none"
		c.Playback.SynthesisMode = "none"
	})
	if rt.buildAudioOutput() != nil || rt.buildSpeechOutput() != nil {
		t.Fatalf("disabled outputs must be nil")
	}
	rt = newTestRuntime(nil)
	if rt.buildAudioOutput() == nil || rt.buildSpeechOutput() == nil {
		t.Fatalf("default outputs should be configured")
	}
}

func TestReadiness(t *testing.T) {
	rt := newTestRuntime(nil)
	rec := httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready before start, got %d", rec.Code)
	}
	rt.ready.Store(true)
	rec = httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d", rec.Code)
	}
}

func TestTraceExporterName(t *testing.T) {
	cases := []struct {
		cfg  config.TelemetryConfig
		want string
	}{
		{config.TelemetryConfig{}, "none"},
		{config.TelemetryConfig{OTLPEndpoint: "collector:4317"}, "otlp"},
		{config.TelemetryConfig{TraceExporter: "stdout", OTLPEndpoint: "collector:4317"}, "stdout"},
		{config.TelemetryConfig{TraceExporter: "none"}, "none"},
	}
	for _, tc := range cases {
		if got := traceExporterName(tc.cfg); got != tc.want {
			t.Fatalf("traceExporterName(%+v) = %q, want %q", tc.cfg, got, tc.want)
		}
	}
}

func TestSetupTelemetryServesMetrics(t *testing.T) {
	cfg := config.Default()
	tel, err := setupTelemetry(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("setup telemetry: %v", err)
	}
	defer tel.Shutdown(t.Context())
	if tel.metrics == nil {
		t.Fatalf("expected metrics handler")
	}
	rec := httptest.NewRecorder()
	tel.metrics.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
