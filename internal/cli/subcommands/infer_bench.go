package subcommands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"EdgeLLM/internal/config"
	"EdgeLLM/internal/engine"
	"EdgeLLM/internal/inferbench"
	"EdgeLLM/internal/logging"
)

// BenchOptions mirror the bench command flags.
type BenchOptions struct {
	Iterations int
	MaxTokens  int
	Warmup     int
	Output     string
	Prompt     string
	Verbose    bool
	Stream     bool
	// Compare measures with the tokenization cache off first, then as
	// configured.
	Compare bool
}

// EngineFactory builds a loaded engine for one benchmark pass.
type EngineFactory func(config.Config) (*engine.Engine, error)

func (o BenchOptions) runnerConfig() inferbench.Config {
	bc := inferbench.DefaultConfig()
	if o.Iterations > 0 {
		bc.Iterations = o.Iterations
	}
	if o.MaxTokens > 0 {
		bc.MaxTokens = o.MaxTokens
	}
	if o.Warmup >= 0 {
		bc.WarmupIterations = o.Warmup
	}
	bc.OutputPath = o.Output
	bc.Verbose = o.Verbose
	bc.Stream = o.Stream
	if o.Prompt != "" {
		bc.Workloads = []inferbench.Workload{{Name: "custom", Text: o.Prompt}}
	}
	return bc
}

// RunInferBench measures the configured model and prints a summary per
// workload.
func RunInferBench(ctx context.Context, cfg config.Config, newEngine EngineFactory, w io.Writer, opts BenchOptions) error {
	if !logging.IsFileLogging() {
		logging.Discard()
	}

	bc := opts.runnerConfig()
	path := "generate"
	if bc.Stream {
		path = "stream"
	}
	fmt.Fprintf(w, "EdgeLLM benchmark: %s on %s (%s path)\n", cfg.Model.Path, cfg.Runtime.Backend, path)
	fmt.Fprintf(w, "%d runs per workload after %d warmup, up to %d tokens each\n",
		bc.Iterations, bc.WarmupIterations, bc.MaxTokens)

	if !opts.Compare {
		_, err := benchPass(ctx, cfg, newEngine, w, bc)
		return err
	}

	cold := cfg
	cold.Cache.Enabled = false
	coldBench := bc
	coldBench.OutputPath = ""
	fmt.Fprintln(w, "\n== cache off ==")
	before, err := benchPass(ctx, cold, newEngine, w, coldBench)
	if err != nil {
		return fmt.Errorf("cache-off pass: %w", err)
	}

	fmt.Fprintln(w, "\n== as configured ==")
	after, err := benchPass(ctx, cfg, newEngine, w, bc)
	if err != nil {
		return fmt.Errorf("configured pass: %w", err)
	}

	fmt.Fprintln(w)
	printComparison(w, before, after)
	return nil
}

func benchPass(ctx context.Context, cfg config.Config, newEngine EngineFactory, w io.Writer, bc inferbench.Config) (*inferbench.Report, error) {
	eng, err := newEngine(cfg)
	if err != nil {
		return nil, err
	}
	defer eng.Close()

	r := inferbench.NewRunner(eng, bc)
	r.SetOutput(w)
	rep, err := r.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("benchmark: %w", err)
	}
	return rep, nil
}

// printComparison lists each workload measured in both reports with the
// relative change; negative is faster or smaller.
func printComparison(w io.Writer, before, after *inferbench.Report) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	defer tw.Flush()

	fmt.Fprintln(tw, "workload\tmetric\tcache off\tconfigured\tchange\t")
	for _, b := range before.Summaries {
		var a inferbench.Summary
		found := false
		for _, s := range after.Summaries {
			if s.Name == b.Name {
				a, found = s, true
				break
			}
		}
		if !found {
			continue
		}
		ms := func(d time.Duration) time.Duration { return d.Round(time.Millisecond) }
		fmt.Fprintf(tw, "%s\tttft\t%v\t%v\t%+.1f%%\t\n", b.Name,
			ms(b.TTFT.Mean), ms(a.TTFT.Mean), change(float64(b.TTFT.Mean), float64(a.TTFT.Mean)))
		fmt.Fprintf(tw, "\ttotal\t%v\t%v\t%+.1f%%\t\n",
			ms(b.Duration.Mean), ms(a.Duration.Mean), change(float64(b.Duration.Mean), float64(a.Duration.Mean)))
		fmt.Fprintf(tw, "\ttok/s\t%.1f\t%.1f\t%+.1f%%\t\n",
			b.GenerationTPS.Mean, a.GenerationTPS.Mean, change(b.GenerationTPS.Mean, a.GenerationTPS.Mean))
		if b.PeakRSSBytes > 0 || a.PeakRSSBytes > 0 {
			fmt.Fprintf(tw, "\trss MB\t%.1f\t%.1f\t%+.1f%%\t\n",
				float64(b.PeakRSSBytes)/(1<<20), float64(a.PeakRSSBytes)/(1<<20),
				change(float64(b.PeakRSSBytes), float64(a.PeakRSSBytes)))
		}
	}
}

func change(from, to float64) float64 {
	if from == 0 {
		return 0
	}
	return (to - from) / from * 100
}
