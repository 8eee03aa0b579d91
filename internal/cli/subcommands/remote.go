package subcommands

import (
	"context"
	"fmt"
	"io"

	"EdgeLLM/internal/llmclient"
	"EdgeLLM/internal/server"
)

// RunRemoteGenerate sends text to a running server instead of a local model.
func RunRemoteGenerate(ctx context.Context, c *llmclient.Client, w io.Writer, text string, opts GenerateOptions) error {
	req := server.GenerateRequest{Prompt: text, MaxTokens: opts.MaxTokens}

	if !opts.Stream {
		resp, err := c.Generate(ctx, req)
		if err != nil {
			if resp.Error != "" {
				return fmt.Errorf("generation failed: %s", resp.Error)
			}
			return fmt.Errorf("generation failed: %w", err)
		}
		fmt.Fprintln(w, resp.Text)
		if opts.ShowStats && resp.Metrics != nil {
			printResponseStats(w, *resp.Metrics)
		}
		return nil
	}

	var final server.FragmentEvent
	err := c.GenerateStream(ctx, req, func(ev server.FragmentEvent) error {
		if ev.Done {
			final = ev
			return nil
		}
		_, err := io.WriteString(w, ev.Token)
		return err
	})
	fmt.Fprintln(w)
	if err != nil {
		return fmt.Errorf("generation failed: %w", err)
	}
	if final.Error != "" {
		return fmt.Errorf("generation failed: %s", final.Error)
	}
	if opts.ShowStats && final.Metrics != nil {
		printResponseStats(w, *final.Metrics)
	}
	return nil
}
