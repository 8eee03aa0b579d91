// Package inferbench measures generation latency, throughput and memory of
// a loaded engine on edge devices.
package inferbench

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"EdgeLLM/internal/generation"
	"EdgeLLM/internal/prompt"
	"EdgeLLM/internal/stream"
	"EdgeLLM/internal/sysinfo"
)

// Generator is the part of the engine the benchmark drives.
type Generator interface {
	GenerateResult(ctx context.Context, prompt string, maxTokens int) (generation.Result, error)
	Stream(prompt string, maxTokens int) *stream.Stream
	SystemInfo() string
}

// warmSuffix labels the immediate re-run of a Repeat workload.
const warmSuffix = "-warm"

// Config selects what a Runner measures.
type Config struct {
	Iterations       int        `json:"iterations"`
	WarmupIterations int        `json:"warmup_iterations"`
	MaxTokens        int        `json:"max_tokens"`
	Workloads        []Workload `json:"workloads"`
	// Stream drains the stream path and records the gap between fragments.
	Stream     bool   `json:"stream"`
	Verbose    bool   `json:"-"`
	OutputPath string `json:"-"`
}

// DefaultConfig suits a small board: a handful of short runs.
func DefaultConfig() Config {
	return Config{Iterations: 5, WarmupIterations: 1, MaxTokens: 128}
}

// Workload is one prompt to measure.
type Workload struct {
	Name string `json:"name"`
	Text string `json:"-"`
	// Repeat re-runs the prompt right after each iteration so the warm run
	// hits the tokenization cache.
	Repeat bool `json:"repeat,omitempty"`
}

// StandardWorkloads covers the prompt templates at a few lengths.
func StandardWorkloads() []Workload {
	return []Workload{
		{Name: "greeting", Text: prompt.Format("Hello!", prompt.Chat)},
		{Name: "explain", Text: prompt.Format(
			"Explain how a ring buffer works and when an embedded system would prefer one over a linked list.", prompt.Llama)},
		{Name: "plan", Text: prompt.Format(`A greenhouse controller on a Raspberry Pi reads soil moisture, air
			temperature and light every minute. Propose a schedule for watering and ventilation, list the
			failure modes to guard against, and describe how to log readings for a week on an SD card.`, prompt.Alpaca)},
		{Name: "repeat", Text: prompt.Format("Name three prime numbers.", prompt.Chat), Repeat: true},
	}
}

// Sample is one measured generation.
type Sample struct {
	Label              string        `json:"label"`
	Iteration          int           `json:"iteration"`
	TTFT               time.Duration `json:"ttft_ns"`
	Duration           time.Duration `json:"duration_ns"`
	InputTokens        int           `json:"input_tokens"`
	OutputTokens       int           `json:"output_tokens"`
	PromptTPS          float64       `json:"prompt_tps"`
	GenerationTPS      float64       `json:"generation_tps"`
	ContextUtilization float64       `json:"context_utilization"`
	Finish             string        `json:"finish"`
	RSSBytes           int64         `json:"rss_bytes"`
	Error              string        `json:"error,omitempty"`

	Chunks      int           `json:"chunks,omitempty"`
	AvgChunkGap time.Duration `json:"avg_chunk_gap_ns,omitempty"`
	MaxChunkGap time.Duration `json:"max_chunk_gap_ns,omitempty"`
}

// Summary aggregates the successful samples of one workload.
type Summary struct {
	Name            string        `json:"name"`
	Runs            int           `json:"runs"`
	Errors          int           `json:"errors"`
	TTFT            DurationStats `json:"ttft_ns"`
	Duration        DurationStats `json:"duration_ns"`
	PromptTPS       FloatStats    `json:"prompt_tps"`
	GenerationTPS   FloatStats    `json:"generation_tps"`
	AvgOutputTokens float64       `json:"avg_output_tokens"`
	PeakRSSBytes    int64         `json:"peak_rss_bytes"`
	WarmTTFTGainPct float64       `json:"warm_ttft_gain_pct,omitempty"`

	Streamed  bool          `json:"streamed,omitempty"`
	AvgChunks float64       `json:"avg_chunks,omitempty"`
	ChunkGap  DurationStats `json:"chunk_gap_ns"`
}

// Report is everything one Run measured.
type Report struct {
	StartedAt  time.Time `json:"started_at"`
	Config     Config    `json:"config"`
	SystemInfo string    `json:"system_info,omitempty"`
	Summaries  []Summary `json:"summaries"`
	Samples    []Sample  `json:"samples,omitempty"`
}

// Runner measures a Generator.
type Runner struct {
	gen Generator
	cfg Config
	out io.Writer
}

// NewRunner prepares a run; progress goes to stdout until SetOutput.
func NewRunner(gen Generator, cfg Config) *Runner {
	if len(cfg.Workloads) == 0 {
		cfg.Workloads = StandardWorkloads()
	}
	return &Runner{gen: gen, cfg: cfg, out: os.Stdout}
}

// SetOutput redirects progress output.
func (r *Runner) SetOutput(w io.Writer) { r.out = w }

// Run measures every workload in order. A cancelled ctx stops between
// generations and returns what was measured so far.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	rep := &Report{StartedAt: time.Now(), Config: r.cfg, SystemInfo: r.gen.SystemInfo()}

	for _, w := range r.cfg.Workloads {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		fmt.Fprintf(r.out, "\n[%s]\n", w.Name)

		samples, err := r.measure(ctx, w)
		rep.Samples = append(rep.Samples, samples...)
		if err != nil {
			return rep, fmt.Errorf("workload %q: %w", w.Name, err)
		}
		sum := summarize(w, samples)
		rep.Summaries = append(rep.Summaries, sum)
		printSummary(r.out, sum)
	}

	if r.cfg.OutputPath != "" {
		if err := writeReport(rep, r.cfg.OutputPath); err != nil {
			fmt.Fprintf(r.out, "warning: report not saved: %v\n", err)
		} else {
			fmt.Fprintf(r.out, "\nreport written to %s\n", r.cfg.OutputPath)
		}
	}
	return rep, nil
}

func (r *Runner) measure(ctx context.Context, w Workload) ([]Sample, error) {
	for i := range r.cfg.WarmupIterations {
		r.logf("  warmup %d/%d\n", i+1, r.cfg.WarmupIterations)
		r.sample(ctx, w.Text, w.Name, -1)
	}

	var samples []Sample
	for i := range r.cfg.Iterations {
		if err := ctx.Err(); err != nil {
			return samples, err
		}
		r.logf("  run %d/%d\n", i+1, r.cfg.Iterations)
		samples = append(samples, r.sample(ctx, w.Text, w.Name, i))
		if w.Repeat {
			samples = append(samples, r.sample(ctx, w.Text, w.Name+warmSuffix, i))
		}
	}
	return samples, nil
}

// sample runs one generation. Failures are recorded in the Sample.
func (r *Runner) sample(ctx context.Context, text, label string, iteration int) Sample {
	s := Sample{Label: label, Iteration: iteration, RSSBytes: sysinfo.ProcessRSS()}

	var (
		res generation.Result
		err error
	)
	if r.cfg.Stream {
		res, err = r.drain(ctx, text, &s)
	} else {
		res, err = r.gen.GenerateResult(ctx, text, r.cfg.MaxTokens)
	}
	if err != nil {
		s.Error = err.Error()
		return s
	}

	m := res.Metrics
	s.TTFT, s.Duration = m.TTFT, m.Elapsed
	s.InputTokens, s.OutputTokens = m.InputTokens, m.OutputTokens
	s.GenerationTPS = m.TokensPerSecond
	if secs := m.TTFT.Seconds(); secs > 0 {
		s.PromptTPS = float64(m.InputTokens) / secs
	}
	s.ContextUtilization = m.ContextUtilization
	s.Finish = string(m.Finish)
	s.RSSBytes = max(s.RSSBytes, sysinfo.ProcessRSS())

	r.logf("    ttft %v, %d tokens at %.1f tok/s, %s\n",
		s.TTFT.Round(time.Millisecond), s.OutputTokens, s.GenerationTPS, m.Finish.Text())
	return s
}

// drain reads one stream to its terminal fragment, timing fragment gaps.
func (r *Runner) drain(ctx context.Context, text string, s *Sample) (generation.Result, error) {
	st := r.gen.Stream(text, r.cfg.MaxTokens)
	defer st.Close()

	var total time.Duration
	last := time.Now()
	for {
		f, err := st.Next(ctx)
		if err != nil {
			return generation.Result{}, err
		}
		if f.Final {
			break
		}
		now := time.Now()
		gap := now.Sub(last)
		last = now
		s.Chunks++
		total += gap
		s.MaxChunkGap = max(s.MaxChunkGap, gap)
	}
	if s.Chunks > 0 {
		s.AvgChunkGap = total / time.Duration(s.Chunks)
	}
	return st.Wait()
}

func (r *Runner) logf(format string, args ...any) {
	if r.cfg.Verbose {
		fmt.Fprintf(r.out, format, args...)
	}
}

func printSummary(w io.Writer, s Summary) {
	ms := func(d time.Duration) time.Duration { return d.Round(time.Millisecond) }
	fmt.Fprintf(w, "  ttft       %v avg, %v min, %v p95\n", ms(s.TTFT.Mean), ms(s.TTFT.Min), ms(s.TTFT.P95))
	fmt.Fprintf(w, "  total      %v avg, %v min, %v p95\n", ms(s.Duration.Mean), ms(s.Duration.Min), ms(s.Duration.P95))
	fmt.Fprintf(w, "  generate   %.1f tok/s avg, %.1f p95\n", s.GenerationTPS.Mean, s.GenerationTPS.P95)
	fmt.Fprintf(w, "  prompt     %.1f tok/s avg, %.1f p95\n", s.PromptTPS.Mean, s.PromptTPS.P95)
	fmt.Fprintf(w, "  output     %.0f tokens avg\n", s.AvgOutputTokens)
	if s.Streamed {
		fmt.Fprintf(w, "  fragments  %.0f avg, gap %v avg, %v p95\n",
			s.AvgChunks, s.ChunkGap.Mean.Round(time.Microsecond), s.ChunkGap.P95.Round(time.Microsecond))
	}
	if s.PeakRSSBytes > 0 {
		fmt.Fprintf(w, "  rss        %.1f MB peak\n", float64(s.PeakRSSBytes)/(1<<20))
	}
	if s.WarmTTFTGainPct != 0 {
		fmt.Fprintf(w, "  warm run   %.1f%% faster first token\n", s.WarmTTFTGainPct)
	}
	if s.Errors > 0 {
		fmt.Fprintf(w, "  errors     %d of %d\n", s.Errors, s.Runs+s.Errors)
	}
}

func writeReport(rep *Report, path string) error {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
