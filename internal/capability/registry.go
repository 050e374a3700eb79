package capability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Registry holds the probed host capabilities, exposes them as gauges and
// announces them on the bus when one is configured.
type Registry struct {
	cfg    config.NodeConfig
	log    *slog.Logger
	bus    *bus.Client
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	statuses []Status
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, statuses []Status, busClient *bus.Client, log *slog.Logger) *Registry {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:      cfg,
		log:      log.With(slog.String("component", "capability-registry")),
		bus:      busClient,
		cancel:   cancel,
		statuses: append([]Status(nil), statuses...),
	}

	for _, s := range statuses {
		if !s.Available {
			r.log.Warn("host capability unavailable", slog.String("capability", s.Name), slog.String("detail", s.Detail))
		}
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if busClient != nil {
		if err := r.announce(protocol.SubjectNodeAnnounce); err != nil {
			r.log.Warn("failed to announce node", slog.String("error", err.Error()))
		}
		r.wg.Add(1)
		go r.runHeartbeat(ctx)
	}
	return r
}

func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
}

// Statuses returns a copy of the probed capabilities.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Status(nil), r.statuses...)
}

// Available reports whether the named capability was found on the host.
func (r *Registry) Available(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := Lookup(r.statuses, name)
	return ok && s.Available
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.announce(protocol.SubjectNodeHeartbeat + "." + r.cfg.ID); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) announce(subject string) error {
	r.mu.RLock()
	msg := protocol.CapabilityAnnouncement{
		NodeID:       r.cfg.ID,
		Capabilities: make(map[string]bool, len(r.statuses)),
		Details:      make(map[string]string, len(r.statuses)),
		Timestamp:    time.Now().UTC(),
	}
	for _, s := range r.statuses {
		msg.Capabilities[s.Name] = s.Available
		if s.Detail != "" {
			msg.Details[s.Name] = s.Detail
		}
	}
	r.mu.RUnlock()
	return r.bus.PublishJSON(subject, msg)
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-voice/capability")
	gauge, err := meter.Int64ObservableGauge("loqa.voice.capability.available",
		metric.WithDescription("1 when the host capability is usable, 0 otherwise"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		for _, s := range r.Statuses() {
			var v int64
			if s.Available {
				v = 1
			}
			obs.ObserveInt64(gauge, v, metric.WithAttributes(attribute.String("capability", s.Name)))
		}
		return nil
	}, gauge)
	return err
}
