package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/capability"
	"github.com/loqalabs/loqa-voice/internal/config"
)

// AudioFileOutput plays encoded audio by writing it to a temporary file and handing
// the file to an external player such as ffplay.
type AudioFileOutput struct {
	command string
	tempDir string
	log     *slog.Logger
}

func NewAudioFileOutput(cfg config.PlaybackConfig, log *slog.Logger) *AudioFileOutput {
	return &AudioFileOutput{
		command: cfg.AudioCommand,
		tempDir: cfg.TempDir,
		log:     log.With(slog.String("component", "audio-output")),
	}
}

func (o *AudioFileOutput) Probe() error {
	_, err := capability.ParseCommand(capability.AudioOutput, o.command)
	return err
}

func (o *AudioFileOutput) Play(ctx context.Context, src Source) error {
	if !src.IsAudio() {
		return errors.New("no audio to play")
	}
	args, err := capability.ParseCommand(capability.AudioOutput, o.command)
	if err != nil {
		return err
	}

	file, err := os.CreateTemp(o.tempDir, "loqa-voice-*.mp3")
	if err != nil {
		return fmt.Errorf("create audio file: %w", err)
	}
	path := file.Name()
	release := sync.OnceFunc(func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			o.log.Warn("failed to remove audio file", slog.String("path", path), slog.String("error", err.Error()))
		}
	})
	defer release()

	if _, err := file.Write(src.Audio); err != nil {
		_ = file.Close()
		return fmt.Errorf("write audio file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close audio file: %w", err)
	}

	return run(ctx, args, path)
}

// SpeechOutput speaks text through a host synthesizer with espeak-ng style flags.
type SpeechOutput struct {
	command  string
	language string
	rate     float64
	pitch    float64
	volume   float64
}

func NewSpeechOutput(cfg config.PlaybackConfig) *SpeechOutput {
	return &SpeechOutput{
		command:  cfg.SynthesisCommand,
		language: cfg.Language,
		rate:     cfg.Rate,
		pitch:    cfg.Pitch,
		volume:   cfg.Volume,
	}
}

func (o *SpeechOutput) Probe() error {
	_, err := capability.ParseCommand(capability.Synthesis, o.command)
	return err
}

func (o *SpeechOutput) Play(ctx context.Context, src Source) error {
	text := strings.TrimSpace(src.Text)
	if text == "" {
		return errors.New("no text to speak")
	}
	args, err := capability.ParseCommand(capability.Synthesis, o.command)
	if err != nil {
		return err
	}
	return run(ctx, args, append(o.flags(), "--", text)...)
}

// flags maps normalized rate, pitch and volume onto espeak-ng's units:
// words per minute around 175, pitch 0-99 around 50, amplitude 0-200 around 100.
func (o *SpeechOutput) flags() []string {
	var flags []string
	if o.language != "" {
		flags = append(flags, "-v", strings.ToLower(o.language))
	}
	flags = append(flags,
		"-s", strconv.Itoa(clamp(int(175*o.rate), 80, 450)),
		"-p", strconv.Itoa(clamp(int(50*o.pitch), 0, 99)),
		"-a", strconv.Itoa(clamp(int(100*o.volume), 0, 200)),
	)
	return flags
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func run(ctx context.Context, args []string, extra ...string) error {
	cmdArgs := append(append([]string{}, args[1:]...), extra...)
	cmd := exec.CommandContext(ctx, args[0], cmdArgs...)
	cmd.WaitDelay = 2 * time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return fmt.Errorf("%s: %w", args[0], err)
		}
		return fmt.Errorf("%s: %w: %s", args[0], err, msg)
	}
	return nil
}
