package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/loqalabs/loqa-voice/internal/protocol"
)

var version = "0.1.0-dev"

const usage = `usage: loqa-voicectl <command> [flags] [args]

commands:
  status          show the session state
  record          start recording
  stop            stop recording
  say [text]      send text (or the transcript) for speech synthesis
  chat [text]     send text (or the transcript) to the chat backend
  cancel          cancel the outstanding request
  halt            stop playback
  ack             dismiss the current error
  clear           clear transcript, reply and error
  edit <text>     replace the transcript
  history         show recorded transitions
  watch           stream state changes
  version         print version`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	addr := fs.String("addr", envOr("LOQA_VOICE_ADDR", "http://127.0.0.1:8090"), "Daemon base URL")
	limit := 0
	if command == "history" {
		fs.IntVar(&limit, "limit", 20, "Number of transitions to show")
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	text := strings.Join(fs.Args(), " ")
	c := newClient(*addr)

	var (
		s   protocol.SessionState
		err error
	)
	switch command {
	case "status":
		s, err = c.status(ctx)
	case "record":
		s, err = c.call(ctx, http.MethodPost, "/v1/session/recording", nil)
	case "stop":
		s, err = c.call(ctx, http.MethodDelete, "/v1/session/recording", nil)
	case "say":
		s, err = c.call(ctx, http.MethodPost, "/v1/session/dispatch", map[string]string{"kind": "speech", "text": text})
	case "chat":
		s, err = c.call(ctx, http.MethodPost, "/v1/session/dispatch", map[string]string{"kind": "chat", "text": text})
	case "cancel":
		s, err = c.call(ctx, http.MethodDelete, "/v1/session/dispatch", nil)
	case "halt":
		s, err = c.call(ctx, http.MethodDelete, "/v1/session/playback", nil)
	case "ack":
		s, err = c.call(ctx, http.MethodPost, "/v1/session/ack", nil)
	case "clear":
		s, err = c.call(ctx, http.MethodDelete, "/v1/session/transcript", nil)
	case "edit":
		if text == "" {
			return fmt.Errorf("edit needs the new transcript text")
		}
		s, err = c.call(ctx, http.MethodPut, "/v1/session/transcript", map[string]string{"text": text})
	case "history":
		entries, err := c.history(ctx, limit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			line := fmt.Sprintf("%s #%d %-10s %q", e.CreatedAt.Format("15:04:05.000"), e.Seq, e.State, e.Transcript)
			if e.ErrorKind != "" {
				line += fmt.Sprintf(" error=%s(%s)", e.ErrorKind, e.ErrorMessage)
			}
			fmt.Fprintln(out, line)
		}
		return nil
	case "watch":
		return c.watch(ctx, func(s protocol.SessionState) { printStatus(out, s) })
	case "version":
		fmt.Fprintln(out, version)
		return nil
	default:
		return fmt.Errorf("unknown command %q\n\n%s", command, usage)
	}
	if err != nil {
		return err
	}
	printStatus(out, s)
	return nil
}

func printStatus(out io.Writer, s protocol.SessionState) {
	fmt.Fprintf(out, "state=%s seq=%d\n", s.State, s.Seq)
	if s.Transcript != "" {
		fmt.Fprintf(out, "  transcript: %s\n", s.Transcript)
	}
	if s.Interim != "" {
		fmt.Fprintf(out, "  hearing:    %s\n", s.Interim)
	}
	if s.LastResponse != "" {
		fmt.Fprintf(out, "  reply:      %s\n", s.LastResponse)
	}
	if s.Error != nil {
		fmt.Fprintf(out, "  error:      %s: %s", s.Error.Kind, s.Error.Message)
		if s.Error.StatusCode != 0 {
			fmt.Fprintf(out, " (status %d)", s.Error.StatusCode)
		}
		fmt.Fprintln(out)
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
