package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel      string `yaml:"log_level"`
	TraceExporter string `yaml:"trace_exporter"` // otlp|stdout|none; empty picks otlp when an endpoint is set
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Node        NodeConfig        `yaml:"node"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Playback    PlaybackConfig    `yaml:"playback"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Session     SessionConfig     `yaml:"session"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// RecognitionConfig selects the speech recognition engine.
type RecognitionConfig struct {
	Mode       string   `yaml:"mode"` // none, exec, bus, scripted
	Command    string   `yaml:"command"`
	Language   string   `yaml:"language"`
	Interim    bool     `yaml:"interim_results"`
	Continuous bool     `yaml:"continuous"`
	Script     []string `yaml:"script"`
}

type DispatchConfig struct {
	SpeechEndpoint string `yaml:"speech_endpoint"`
	ChatEndpoint   string `yaml:"chat_endpoint"`
	TimeoutMS      int    `yaml:"timeout_ms"`
	AppendLocality bool   `yaml:"append_locality"`
}

type PlaybackConfig struct {
	AudioMode        string  `yaml:"audio_mode"` // none, exec
	AudioCommand     string  `yaml:"audio_command"`
	SynthesisMode    string  `yaml:"synthesis_mode"` // none, exec
	SynthesisCommand string  `yaml:"synthesis_command"`
	Language         string  `yaml:"language"`
	Rate             float64 `yaml:"rate"`
	Pitch            float64 `yaml:"pitch"`
	Volume           float64 `yaml:"volume"`
	TempDir          string  `yaml:"temp_dir"`
}

type CredentialsConfig struct {
	Path            string `yaml:"path"`
	DefaultLocality string `yaml:"default_locality"`
}

type SessionConfig struct {
	AutoDispatch string `yaml:"auto_dispatch"` // "", chat, speech
	StatusBuffer int    `yaml:"status_buffer"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-voice-1",
			HeartbeatInterval: 5000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-voice.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Recognition: RecognitionConfig{
			Mode:       "none",
			Language:   "en-US",
			Interim:    true,
			Continuous: false,
		},
		Dispatch: DispatchConfig{
			SpeechEndpoint: "http://localhost:3000/api/speech",
			ChatEndpoint:   "http://127.0.0.1:8000/chat",
			TimeoutMS:      30000,
		},
		Playback: PlaybackConfig{
			AudioMode:        "exec",
			AudioCommand:     "ffplay -nodisp -autoexit -loglevel error",
			SynthesisMode:    "exec",
			SynthesisCommand: "espeak-ng",
			Language:         "en-US",
			Rate:             1,
			Pitch:            1,
			Volume:           1,
		},
		Credentials: CredentialsConfig{
			Path:            "./data/client-state.yaml",
			DefaultLocality: "Unknown City",
		},
		Session: SessionConfig{
			StatusBuffer: 64,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_VOICE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_VOICE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_VOICE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_VOICE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_VOICE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.TraceExporter, "LOQA_VOICE_TELEMETRY_TRACE_EXPORTER")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_VOICE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_VOICE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "LOQA_VOICE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_VOICE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_VOICE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_VOICE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_VOICE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_VOICE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_VOICE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_VOICE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_VOICE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_VOICE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_VOICE_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_VOICE_NODE_HEARTBEAT_INTERVAL_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_VOICE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_VOICE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_VOICE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_VOICE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_VOICE_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Recognition.Mode, "LOQA_VOICE_RECOGNITION_MODE")
	overrideString(&cfg.Recognition.Command, "LOQA_VOICE_RECOGNITION_COMMAND")
	overrideString(&cfg.Recognition.Language, "LOQA_VOICE_RECOGNITION_LANGUAGE")
	overrideBool(&cfg.Recognition.Interim, "LOQA_VOICE_RECOGNITION_INTERIM_RESULTS")
	overrideBool(&cfg.Recognition.Continuous, "LOQA_VOICE_RECOGNITION_CONTINUOUS")
	overrideStringSlice(&cfg.Recognition.Script, "LOQA_VOICE_RECOGNITION_SCRIPT")
	overrideString(&cfg.Dispatch.SpeechEndpoint, "LOQA_VOICE_DISPATCH_SPEECH_ENDPOINT")
	overrideString(&cfg.Dispatch.ChatEndpoint, "LOQA_VOICE_DISPATCH_CHAT_ENDPOINT")
	overrideInt(&cfg.Dispatch.TimeoutMS, "LOQA_VOICE_DISPATCH_TIMEOUT_MS")
	overrideBool(&cfg.Dispatch.AppendLocality, "LOQA_VOICE_DISPATCH_APPEND_LOCALITY")
	overrideString(&cfg.Playback.AudioMode, "LOQA_VOICE_PLAYBACK_AUDIO_MODE")
	overrideString(&cfg.Playback.AudioCommand, "LOQA_VOICE_PLAYBACK_AUDIO_COMMAND")
	overrideString(&cfg.Playback.SynthesisMode, "LOQA_VOICE_PLAYBACK_SYNTHESIS_MODE")
	overrideString(&cfg.Playback.SynthesisCommand, "LOQA_VOICE_PLAYBACK_SYNTHESIS_COMMAND")
	overrideString(&cfg.Playback.Language, "LOQA_VOICE_PLAYBACK_LANGUAGE")
	overrideFloat(&cfg.Playback.Rate, "LOQA_VOICE_PLAYBACK_RATE")
	overrideFloat(&cfg.Playback.Pitch, "LOQA_VOICE_PLAYBACK_PITCH")
	overrideFloat(&cfg.Playback.Volume, "LOQA_VOICE_PLAYBACK_VOLUME")
	overrideString(&cfg.Playback.TempDir, "LOQA_VOICE_PLAYBACK_TEMP_DIR")
	overrideString(&cfg.Credentials.Path, "LOQA_VOICE_CREDENTIALS_PATH")
	overrideString(&cfg.Credentials.DefaultLocality, "LOQA_VOICE_CREDENTIALS_DEFAULT_LOCALITY")
	overrideString(&cfg.Session.AutoDispatch, "LOQA_VOICE_SESSION_AUTO_DISPATCH")
	overrideInt(&cfg.Session.StatusBuffer, "LOQA_VOICE_SESSION_STATUS_BUFFER")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.TraceExporter {
	case "", "otlp", "stdout", "none":
	default:
		return errors.New("telemetry.trace_exporter must be one of otlp|stdout|none")
	}
	if cfg.Telemetry.TraceExporter == "otlp" && strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
		return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port != -1 && (cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535) {
				return errors.New("bus.port must be -1 or between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Recognition.Mode {
	case "none", "scripted":
	case "exec":
		if cfg.Recognition.Command == "" {
			return errors.New("recognition.command must be set when mode=exec")
		}
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("recognition.mode=bus requires bus.enabled")
		}
	default:
		return errors.New("recognition.mode must be one of none|exec|bus|scripted")
	}
	if cfg.Recognition.Language == "" {
		return errors.New("recognition.language must not be empty")
	}
	if cfg.Dispatch.SpeechEndpoint == "" {
		return errors.New("dispatch.speech_endpoint must not be empty")
	}
	if cfg.Dispatch.ChatEndpoint == "" {
		return errors.New("dispatch.chat_endpoint must not be empty")
	}
	if cfg.Dispatch.TimeoutMS <= 0 {
		return errors.New("dispatch.timeout_ms must be positive")
	}
	switch cfg.Playback.AudioMode {
	case "none":
	case "exec":
		if cfg.Playback.AudioCommand == "" {
			return errors.New("playback.audio_command must be set when audio_mode=exec")
		}
	default:
		return errors.New("playback.audio_mode must be one of none|exec")
	}
	switch cfg.Playback.SynthesisMode {
	case "none":
	case "exec":
		if cfg.Playback.SynthesisCommand == "" {
			return errors.New("playback.synthesis_command must be set when synthesis_mode=exec")
		}
	default:
		return errors.New("playback.synthesis_mode must be one of none|exec")
	}
	if cfg.Playback.Rate <= 0 || cfg.Playback.Pitch < 0 || cfg.Playback.Volume < 0 || cfg.Playback.Volume > 1 {
		return errors.New("playback.rate must be positive, pitch >= 0 and volume within [0,1]")
	}
	switch cfg.Session.AutoDispatch {
	case "", "chat", "speech":
	default:
		return errors.New("session.auto_dispatch must be empty or one of chat|speech")
	}
	if cfg.Session.StatusBuffer < 0 {
		return errors.New("session.status_buffer must be >= 0")
	}
	return nil
}
