package subcommands

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"EdgeLLM/internal/engine"
	"EdgeLLM/internal/generation"
	"EdgeLLM/internal/stream"
)

// GenerateOptions capture per-invocation controls beyond the engine config.
type GenerateOptions struct {
	MaxTokens int
	Stream    bool
	ShowStats bool
	// Spinner animates while waiting for the first output. Only useful on
	// a terminal.
	Spinner bool
}

// RunGenerate executes a single prompt and writes the reply to w.
func RunGenerate(ctx context.Context, eng *engine.Engine, w io.Writer, text string, opts GenerateOptions) error {
	res, err := generate(ctx, eng, w, text, opts)
	if err != nil {
		return fmt.Errorf("generation failed: %s", generation.TextOf(err))
	}
	if opts.ShowStats {
		printResponseStats(w, res.Metrics)
	}
	return nil
}

// generate runs text through the engine, printing the reply to w as it is
// produced (stream mode) or once complete.
func generate(ctx context.Context, eng *engine.Engine, w io.Writer, text string, opts GenerateOptions) (generation.Result, error) {
	start := time.Now()

	var spinnerDone, spinnerExited chan struct{}
	stopSpinner := func() {
		if spinnerDone != nil {
			close(spinnerDone)
			<-spinnerExited
			spinnerDone = nil
		}
	}
	if opts.Spinner {
		spinnerDone, spinnerExited = make(chan struct{}), make(chan struct{})
		go func() {
			defer close(spinnerExited)
			runCLISpinner(w, spinnerDone, "Thinking")
		}()
	}

	var (
		res generation.Result
		err error
	)
	if opts.Stream {
		res, err = generateStream(ctx, eng, w, text, opts.MaxTokens, stopSpinner)
	} else {
		res, err = eng.GenerateResult(ctx, text, opts.MaxTokens)
		stopSpinner()
		if err == nil {
			fmt.Fprintln(w, res.Text)
		}
	}
	stopSpinner()

	m := res.Metrics
	log.Printf("completed in %s: in=%d out=%d finish=%s",
		time.Since(start).Truncate(10*time.Millisecond), m.InputTokens, m.OutputTokens, m.Finish)
	return res, err
}

func generateStream(ctx context.Context, eng *engine.Engine, w io.Writer, text string, maxTokens int, first func()) (generation.Result, error) {
	stopAfter := context.AfterFunc(ctx, eng.StopGeneration)
	defer stopAfter()

	var final stream.Fragment
	s := eng.GenerateStream(text, func(f stream.Fragment) error {
		first()
		if f.Final {
			final = f
			fmt.Fprintln(w)
			return nil
		}
		_, err := io.WriteString(w, f.Text)
		return err
	}, maxTokens)
	// Wait joins the sink pump, so final is set once it returns.
	eng.Wait()

	res, err := s.Wait()
	if final.Err != nil {
		err = final.Err
	}
	return res, err
}
