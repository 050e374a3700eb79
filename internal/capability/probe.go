package capability

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/mattn/go-shellwords"
)

// ErrUnsupported reports that the host lacks a recognition, synthesis or audio capability.
var ErrUnsupported = errors.New("unsupported capability")

// Names of the host capabilities the voice session relies on.
const (
	Recognition = "voice.recognition"
	AudioOutput = "voice.audio_output"
	Synthesis   = "voice.synthesis"
)

// Status describes whether one capability is usable on this host.
type Status struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Detail    string `json:"detail,omitempty"`
}

// Unsupported wraps ErrUnsupported with the capability name and a reason.
func Unsupported(name, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrUnsupported, name, reason)
}

// ParseCommand splits a configured command line and resolves its binary on PATH.
func ParseCommand(name, command string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse %s command: %w", name, err)
	}
	if len(args) == 0 {
		return nil, Unsupported(name, "command is empty")
	}
	path, err := exec.LookPath(args[0])
	if err != nil {
		return nil, Unsupported(name, err.Error())
	}
	args[0] = path
	return args, nil
}

// Probe inspects the configured engines and reports which capabilities are usable.
func Probe(cfg config.Config) []Status {
	return []Status{
		probeRecognition(cfg.Recognition),
		probeExec(AudioOutput, cfg.Playback.AudioMode, cfg.Playback.AudioCommand),
		probeExec(Synthesis, cfg.Playback.SynthesisMode, cfg.Playback.SynthesisCommand),
	}
}

func probeRecognition(cfg config.RecognitionConfig) Status {
	switch cfg.Mode {
	case "exec":
		return probeExec(Recognition, cfg.Mode, cfg.Command)
	case "bus", "scripted":
		return Status{Name: Recognition, Available: true, Detail: cfg.Mode}
	default:
		return Status{Name: Recognition, Available: false, Detail: "no recognition engine configured"}
	}
}

func probeExec(name, mode, command string) Status {
	if mode != "exec" {
		return Status{Name: name, Available: false, Detail: "disabled"}
	}
	args, err := ParseCommand(name, command)
	if err != nil {
		return Status{Name: name, Available: false, Detail: err.Error()}
	}
	return Status{Name: name, Available: true, Detail: args[0]}
}

// Lookup finds the status for name in statuses.
func Lookup(statuses []Status, name string) (Status, bool) {
	for _, s := range statuses {
		if strings.EqualFold(s.Name, name) {
			return s, true
		}
	}
	return Status{}, false
}
