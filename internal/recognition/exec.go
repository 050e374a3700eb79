package recognition

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/loqalabs/loqa-voice/internal/capability"
)

// ExecEngine runs a recognizer subprocess that prints one JSON object per line:
// {"text": "...", "final": true} or {"error": "..."}.
type ExecEngine struct {
	command string
}

type execLine struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
	Error string `json:"error"`
}

func NewExecEngine(command string) *ExecEngine {
	return &ExecEngine{command: command}
}

func (e *ExecEngine) Probe() error {
	_, err := capability.ParseCommand(capability.Recognition, e.command)
	return err
}

func (e *ExecEngine) Listen(ctx context.Context, opts Options, emit func(Fragment)) error {
	args, err := capability.ParseCommand(capability.Recognition, e.command)
	if err != nil {
		return err
	}
	cmdArgs := append([]string{}, args[1:]...)
	if opts.Language != "" {
		cmdArgs = append(cmdArgs, "--language", opts.Language)
	}
	if opts.Interim {
		cmdArgs = append(cmdArgs, "--interim")
	}
	if opts.Continuous {
		cmdArgs = append(cmdArgs, "--continuous")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, args[0], cmdArgs...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = 2 * time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("recognizer stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start recognizer: %w", err)
	}

	var lineErr error
	finished := false
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg execLine
		if err := json.Unmarshal(line, &msg); err != nil {
			lineErr = fmt.Errorf("decode recognizer output: %w", err)
			break
		}
		if msg.Error != "" {
			lineErr = errors.New(msg.Error)
			break
		}
		emit(Fragment{Text: msg.Text, Final: msg.Final})
		if msg.Final && !opts.Continuous {
			finished = true
			break
		}
	}
	if finished || lineErr != nil {
		cancel()
	}
	waitErr := cmd.Wait()

	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case lineErr != nil:
		return lineErr
	case finished:
		return nil
	case waitErr != nil:
		return fmt.Errorf("recognizer exited: %w: %s", waitErr, bytes.TrimSpace(stderr.Bytes()))
	default:
		return scanner.Err()
	}
}
