package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/api"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/capability"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/credentials"
	"github.com/loqalabs/loqa-voice/internal/dispatch"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/playback"
	"github.com/loqalabs/loqa-voice/internal/recognition"
	"github.com/loqalabs/loqa-voice/internal/session"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	scriptedFragmentDelay = 300 * time.Millisecond
	pruneInterval         = time.Hour
)

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	telemetry  *telemetry
	busClient  *bus.Client
	ready      atomic.Bool
	wg         sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	defer embedded.Shutdown()
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	if busCfg.Enabled {
		r.busClient, err = bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer r.busClient.Close()
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	defer store.Close()

	statuses := capability.Probe(r.cfg)
	registry := capability.NewRegistry(ctx, r.cfg.Node, statuses, r.busClient, r.logger)
	defer registry.Close()

	sessionID := uuid.NewString()
	if err := store.OpenSession(ctx, sessionID, r.cfg.Node.ID); err != nil {
		r.logger.Warn("failed to record session", slog.String("error", err.Error()))
	}

	hub := api.NewHub(r.cfg.Session.StatusBuffer, r.logger)
	sinks := []session.Sink{hub, eventstore.NewRecorder(store, r.logger)}
	if r.busClient != nil {
		sinks = append(sinks, session.NewBusSink(r.busClient, r.logger))
	}

	ctrl := session.New(session.Deps{
		Engine:      r.buildEngine(),
		Dispatcher:  dispatch.NewClient(r.cfg.Dispatch, r.logger),
		Audio:       r.buildAudioOutput(),
		Speech:      r.buildSpeechOutput(),
		Credentials: credentials.NewFileStore(r.cfg.Credentials.Path, r.cfg.Credentials.DefaultLocality),
		Sinks:       sinks,
		Logger:      r.logger,
	}, session.Options{
		SessionID:      sessionID,
		Language:       r.cfg.Recognition.Language,
		Interim:        r.cfg.Recognition.Interim,
		Continuous:     r.cfg.Recognition.Continuous,
		AutoDispatch:   session.DispatchKind(r.cfg.Session.AutoDispatch),
		AppendLocality: r.cfg.Dispatch.AppendLocality,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if tel.metrics != nil {
		mux.Handle("/metrics", tel.metrics)
	}
	api.NewServer(ctrl, store, registry, hub, r.logger).Register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(mux, r.cfg.RuntimeName),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.wg.Add(1)
	go r.runPrune(ctx, store)

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("session_id", sessionID))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	hub.Close()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if err := ctrl.Close(); err != nil {
		r.logger.Error("session close error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if err := r.telemetry.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}

	return nil
}

func (r *Runtime) buildEngine() recognition.Engine {
	rc := r.cfg.Recognition
	switch rc.Mode {
	case "exec":
		return recognition.NewExecEngine(rc.Command)
	case "bus":
		if r.busClient == nil {
			r.logger.Warn("bus recognition configured without a bus connection")
			return nil
		}
		return recognition.NewBusEngine(r.busClient, r.logger)
	case "scripted":
		return recognition.NewScriptedEngine(rc.Script, scriptedFragmentDelay)
	default:
		return nil
	}
}

func (r *Runtime) buildAudioOutput() playback.Output {
	if r.cfg.Playback.AudioMode != "exec" {
		return nil
	}
	return playback.NewAudioFileOutput(r.cfg.Playback, r.logger)
}

func (r *Runtime) buildSpeechOutput() playback.Output {
	if r.cfg.Playback.SynthesisMode != "exec" {
		return nil
	}
	return playback.NewSpeechOutput(r.cfg.Playback)
}

func (r *Runtime) runPrune(ctx context.Context, store *eventstore.Store) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.busClient == nil || r.busClient.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
