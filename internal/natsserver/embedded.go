package natsserver

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const readyTimeout = 5 * time.Second

// Server is a loopback NATS broker for single-host setups where the voice daemon and
// the loqa STT service share a machine.
type Server struct {
	ns  *server.Server
	log *slog.Logger
}

// Start runs a broker when the bus is enabled in embedded mode. It returns a nil
// *Server otherwise; every method is safe on nil.
func Start(cfg config.BusConfig, log *slog.Logger) (*Server, error) {
	if !cfg.Enabled || !cfg.Embedded {
		return nil, nil
	}
	log = log.With(slog.String("component", "nats-embedded"))

	ns, err := server.NewServer(options(cfg))
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, errors.New("embedded NATS server not ready")
	}

	log.Info("embedded NATS server started",
		slog.String("url", ns.ClientURL()),
		slog.Bool("jetstream", ns.JetStreamEnabled()))
	return &Server{ns: ns, log: log}, nil
}

// options binds to loopback only. Port -1 picks a free one.
func options(cfg config.BusConfig) *server.Options {
	opts := &server.Options{
		ServerName: "loqa-voice",
		Host:       "127.0.0.1",
		Port:       cfg.Port,
		NoSigs:     true,
		NoLog:      true,
	}
	if cfg.StoreDir != "" {
		opts.JetStream = true
		opts.StoreDir = cfg.StoreDir
	}
	if cfg.Token != "" {
		opts.Authorization = cfg.Token
	} else if cfg.Username != "" {
		opts.Username = cfg.Username
		opts.Password = cfg.Password
	}
	return opts
}

func (s *Server) ClientURL() string {
	if s == nil || s.ns == nil {
		return ""
	}
	return s.ns.ClientURL()
}

func (s *Server) Shutdown() {
	if s == nil || s.ns == nil {
		return
	}
	s.log.Info("shutting down embedded NATS server")
	s.ns.Shutdown()
	s.ns.WaitForShutdown()
}
