package recognition

import (
	"context"
	"strings"
	"time"
)

// ScriptedEngine replays a fixed list of utterances. Each utterance is emitted as
// word-by-word interim fragments followed by a final fragment.
type ScriptedEngine struct {
	Utterances []string
	Delay      time.Duration
}

func NewScriptedEngine(utterances []string, delay time.Duration) *ScriptedEngine {
	return &ScriptedEngine{Utterances: utterances, Delay: delay}
}

func (e *ScriptedEngine) Listen(ctx context.Context, opts Options, emit func(Fragment)) error {
	for _, utterance := range e.Utterances {
		words := strings.Fields(utterance)
		for i := 1; i < len(words); i++ {
			if err := e.wait(ctx); err != nil {
				return err
			}
			emit(Fragment{Text: strings.Join(words[:i], " ")})
		}
		if err := e.wait(ctx); err != nil {
			return err
		}
		emit(Fragment{Text: utterance, Final: true})
	}
	if opts.Continuous {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (e *ScriptedEngine) wait(ctx context.Context) error {
	if e.Delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(e.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
