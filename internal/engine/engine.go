// Package engine is the public façade over a loaded model. A single lock
// serialises loading, configuration changes and generation bodies; only
// StopGeneration acts without it.
package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"EdgeLLM/internal/backend"
	"EdgeLLM/internal/config"
	"EdgeLLM/internal/generation"
	"EdgeLLM/internal/history"
	"EdgeLLM/internal/stream"
	"EdgeLLM/internal/sysinfo"
	"EdgeLLM/internal/tokencache"
)

// Recorder receives every finished generation.
type Recorder interface {
	Record(ctx context.Context, entry history.Entry) error
}

// Option customises an Engine.
type Option func(*Engine)

// WithBackend uses b instead of looking the backend up in the registry.
func WithBackend(b backend.Backend) Option {
	return func(e *Engine) { e.backend = b }
}

// WithRecorder journals finished generations.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// Engine owns one model and runs at most one generation at a time.
type Engine struct {
	mu      sync.Mutex
	cfg     config.Config
	backend backend.Backend
	model   *backend.Owner[backend.Model]

	stop atomic.Bool
	// current is the running stream, so StopGeneration can release a
	// producer blocked on a full queue without taking a lock.
	current atomic.Pointer[stream.Stream]

	// workerMu orders stream handoffs; it is never held while waiting on mu.
	workerMu sync.Mutex
	worker   *worker

	deliverer stream.Deliverer
	recorder  Recorder
}

type worker struct {
	stream *stream.Stream
	done   chan struct{}
}

// New returns an engine with no model loaded. Runtime, stream and cache
// settings are fixed for the engine's lifetime; model settings can be
// changed with Initialize, Apply and the setters.
func New(cfg config.Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:       cfg,
		deliverer: stream.DelivererFrom(cfg.Stream),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Initialize loads the model described by m, replacing any loaded model.
// It reports false when loading fails. Callers must not run other
// operations concurrently with Initialize.
func (e *Engine) Initialize(m config.ModelConfig) bool {
	if err := e.Load(m); err != nil {
		log.Printf("engine: initialize: %v", err)
		return false
	}
	return true
}

// Load is Initialize with the failure reason.
func (e *Engine) Load(m config.ModelConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.releaseModel()

	if err := m.Validate(); err != nil {
		return &generation.Error{Kind: generation.KindLoad, Msg: "Invalid model configuration", Err: err}
	}
	b, err := e.openBackend()
	if err != nil {
		return &generation.Error{Kind: generation.KindLoad, Msg: "Failed to initialise backend", Err: err}
	}

	model, err := b.LoadModel(backend.ModelOptionsFrom(m, e.cfg.Runtime.LibPath))
	if err != nil {
		return &generation.Error{Kind: generation.KindLoad, Msg: "Failed to load model", Err: err}
	}
	model = tokencache.Wrap(model, e.cfg.Cache)

	e.model = backend.Own(model, backend.Model.Close)
	e.cfg.Model = m
	log.Printf("engine: loaded %s (%s)", m.Path, model.Description())
	return nil
}

func (e *Engine) openBackend() (backend.Backend, error) {
	if e.backend != nil {
		return e.backend, backend.Init(e.backend)
	}
	b, err := backend.Open(e.cfg.Runtime)
	if err != nil {
		return nil, err
	}
	e.backend = b
	return b, nil
}

// releaseModel frees the loaded model. Callers hold mu.
func (e *Engine) releaseModel() {
	if e.model == nil {
		return
	}
	if err := e.model.Release(); err != nil {
		log.Printf("engine: release model: %v", err)
	}
	e.model = nil
}

// loaded returns the model if one is loaded. Callers hold mu.
func (e *Engine) loaded() (backend.Model, bool) {
	if e.model == nil {
		return nil, false
	}
	return e.model.Get()
}

// IsReady reports whether a model is loaded.
func (e *Engine) IsReady() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.loaded()
	return ok
}

// StopGeneration asks the running generation to stop at its next step.
// It never blocks and is safe to call when nothing is running.
func (e *Engine) StopGeneration() {
	e.stop.Store(true)
	if s := e.current.Load(); s != nil {
		s.Stop()
	}
}

// Generate runs prompt to completion and returns the generated text, or
// the error sentinel text when generation fails.
func (e *Engine) Generate(prompt string, maxTokens int) string {
	res, err := e.GenerateResult(context.Background(), prompt, maxTokens)
	if err != nil {
		return generation.TextOf(err)
	}
	return res.Text
}

// GenerateResult runs prompt synchronously on the caller's goroutine.
// Cancelling ctx stops the generation at its next step.
func (e *Engine) GenerateResult(ctx context.Context, prompt string, maxTokens int) (generation.Result, error) {
	return e.GenerateWith(ctx, prompt, maxTokens, nil)
}

// GenerateWith is GenerateResult with option overrides that hold for this
// generation only; the engine's settings are left unchanged.
func (e *Engine) GenerateWith(ctx context.Context, prompt string, maxTokens int, opts map[string]any) (generation.Result, error) {
	stopAfter := context.AfterFunc(ctx, e.StopGeneration)
	defer stopAfter()

	return e.run(prompt, maxTokens, opts, nil, func() {
		e.stop.Store(ctx.Err() != nil)
	})
}

// GenerateStream starts generating prompt on a background worker and
// delivers each fragment, then one terminal fragment, to sink. It returns
// as soon as the worker has started. Any previous stream is stopped and
// joined first.
func (e *Engine) GenerateStream(prompt string, sink stream.Sink, maxTokens int) *stream.Stream {
	return e.start(prompt, maxTokens, nil, sink)
}

// Stream is GenerateStream for callers that read fragments themselves.
func (e *Engine) Stream(prompt string, maxTokens int) *stream.Stream {
	return e.start(prompt, maxTokens, nil, nil)
}

// StreamWith is Stream with per-generation option overrides. Overrides
// that fail to apply end the stream with an error fragment; call
// CheckOptions first to reject them up front.
func (e *Engine) StreamWith(prompt string, maxTokens int, opts map[string]any) *stream.Stream {
	return e.start(prompt, maxTokens, opts, nil)
}

func (e *Engine) start(prompt string, maxTokens int, opts map[string]any, sink stream.Sink) *stream.Stream {
	e.workerMu.Lock()
	defer e.workerMu.Unlock()

	if prev := e.worker; prev != nil {
		e.stop.Store(true)
		prev.stream.Close()
		<-prev.done
		e.worker = nil
	}
	e.stop.Store(false)

	s := stream.New(e.cfg.Stream.Buffer)
	w := &worker{stream: s, done: make(chan struct{})}
	e.worker = w
	e.current.Store(s)

	stream.Go(s, func(emit generation.EmitFunc) (generation.Result, error) {
		return e.run(prompt, maxTokens, opts, emit, nil)
	})
	if sink == nil {
		go func() {
			<-s.Done()
			close(w.done)
		}()
	} else {
		go func() {
			defer close(w.done)
			if err := e.deliverer.Pump(context.Background(), s, sink); err != nil {
				log.Printf("engine: stream %s: %v", s.ID(), err)
			}
		}()
	}
	return s
}

// Wait blocks until the current stream worker, if any, has finished and
// released its decode state.
func (e *Engine) Wait() {
	e.workerMu.Lock()
	w := e.worker
	e.workerMu.Unlock()
	if w != nil {
		<-w.done
	}
}

// Close stops any running generation, abandons its stream, waits for the
// worker and frees the model.
func (e *Engine) Close() error {
	e.StopGeneration()
	e.workerMu.Lock()
	if w := e.worker; w != nil {
		w.stream.Close()
	}
	e.workerMu.Unlock()
	e.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.releaseModel()
	return nil
}

// run executes one generation under the engine lock. opts override the
// model settings for this generation only. onLocked runs right after the
// lock is taken.
func (e *Engine) run(prompt string, maxTokens int, opts map[string]any, emit generation.EmitFunc, onLocked func()) (generation.Result, error) {
	e.mu.Lock()
	if onLocked != nil {
		onLocked()
	}
	var (
		res generation.Result
		err error
	)
	settings, oerr := overlay(e.cfg.Model, opts)
	model, ok := e.loaded()
	switch {
	case !ok:
		res.Metrics.Finish = generation.FinishError
		err = generation.ErrNotLoaded
	case oerr != nil:
		res.Metrics.Finish = generation.FinishError
		err = &generation.Error{Kind: generation.KindPrecondition, Msg: "Error: Invalid options", Err: oerr}
	default:
		res, err = generation.Run(model, generation.Request{
			Prompt:    prompt,
			MaxTokens: e.budget(maxTokens),
			Model:     settings,
			Stop:      append([]string(nil), e.cfg.Runtime.Stop...),
			Cancel:    &e.stop,
			Emit:      emit,
		})
	}
	e.mu.Unlock()

	m := res.Metrics
	if err != nil {
		log.Printf("engine: generation %s failed: %v", m.ID, err)
	} else {
		log.Printf("engine: generation %s %s: %d in, %d out, %.1f tok/s",
			m.ID, m.Finish.Text(), m.InputTokens, m.OutputTokens, m.TokensPerSecond)
	}
	e.record(prompt, res, err)
	return res, err
}

func (e *Engine) budget(maxTokens int) int {
	if maxTokens > 0 {
		return maxTokens
	}
	if e.cfg.Runtime.MaxTokens > 0 {
		return e.cfg.Runtime.MaxTokens
	}
	return config.DefaultMaxTokens
}

func (e *Engine) record(prompt string, res generation.Result, err error) {
	if e.recorder == nil {
		return
	}
	if rerr := e.recorder.Record(context.Background(), history.EntryFrom(prompt, res, err)); rerr != nil {
		log.Printf("engine: history: %v", rerr)
	}
}

// Config returns a snapshot of the current configuration.
func (e *Engine) Config() config.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg := e.cfg
	cfg.Runtime.Stop = append([]string(nil), e.cfg.Runtime.Stop...)
	return cfg
}

// Apply updates model settings from a camelCase option map. Settings take
// effect from the next generation; modelPath only takes effect on the next
// Initialize.
func (e *Engine) Apply(opts map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, err := overlay(e.cfg.Model, opts)
	if err != nil {
		return err
	}
	e.cfg.Model = m
	return nil
}

// CheckOptions reports whether opts would apply cleanly to the current
// settings without changing them.
func (e *Engine) CheckOptions(opts map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := overlay(e.cfg.Model, opts)
	return err
}

// overlay returns a validated copy of m with opts applied. m itself is
// never modified.
func overlay(m config.ModelConfig, opts map[string]any) (config.ModelConfig, error) {
	if len(opts) == 0 {
		return m, nil
	}
	if err := config.ApplyOptions(&m, opts); err != nil {
		return m, err
	}
	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}

// ModelInfo describes the loaded model's configuration.
func (e *Engine) ModelInfo() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.loaded(); !ok {
		return "No model loaded"
	}
	m := e.cfg.Model
	var b strings.Builder
	fmt.Fprintf(&b, "Model: %s\n", m.Path)
	fmt.Fprintf(&b, "Context size: %d\n", m.ContextSize)
	fmt.Fprintf(&b, "Batch size: %d\n", m.BatchSize)
	fmt.Fprintf(&b, "Threads: %d\n", m.Threads)
	fmt.Fprintf(&b, "GPU layers: %d\n", m.GPULayers)
	fmt.Fprintf(&b, "Temperature: %g\n", m.Temperature)
	fmt.Fprintf(&b, "Top-p: %g\n", m.TopP)
	fmt.Fprintf(&b, "Top-k: %d\n", m.TopK)
	fmt.Fprintf(&b, "Repeat penalty: %g\n", m.RepeatPenalty)
	return b.String()
}

// SystemInfo reports host telemetry.
func (e *Engine) SystemInfo() string {
	return sysinfo.Collect().String()
}
