// Package generation runs one prompt through a decoder: it allocates fresh
// decode state, ingests the prompt in batches, samples tokens until a stop
// condition and releases the decode state exactly once on every exit path.
package generation

import (
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"EdgeLLM/internal/backend"
	"EdgeLLM/internal/config"
	"EdgeLLM/internal/sampler"
)

// State is the lifecycle position of a generation context.
type State int

const (
	StateCreated State = iota
	StatePromptIngested
	StateGenerating
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StatePromptIngested:
		return "prompt_ingested"
	case StateGenerating:
		return "generating"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// EmitFunc receives each text fragment in generation order.
type EmitFunc func(fragment string) error

// Request describes one generation.
type Request struct {
	Prompt    string
	MaxTokens int

	// Model is a snapshot of the configuration taken under the engine lock.
	Model config.ModelConfig
	Stop  []string

	// Cancel is polled at the top of every decode step.
	Cancel *atomic.Bool

	// Emit is optional; synchronous callers only read Result.Text.
	Emit EmitFunc

	// OnState observes every state transition.
	OnState func(State)
}

// Context is a single-use generation context. It owns its decode state
// from Run until Run returns.
type Context struct {
	id    string
	model backend.Model
	req   Request
	state State

	decode  *backend.Owner[backend.Context]
	sampler *sampler.Sampler
	out     *output
	metrics Metrics
}

// Run executes req against model and returns the generated text with its
// terminal metrics. The returned error is a *Error; Result is populated
// (finish "error") even on failure.
func Run(model backend.Model, req Request) (Result, error) {
	c := &Context{
		id:    uuid.NewString(),
		model: model,
		req:   req,
		state: StateCreated,
	}
	return c.run()
}

// State returns the current state.
func (c *Context) State() State { return c.state }

func (c *Context) transition(to State) {
	if c.state.Terminal() {
		return
	}
	c.state = to
	if c.req.OnState != nil {
		c.req.OnState(to)
	}
}

func (c *Context) run() (res Result, err error) {
	start := time.Now()
	c.metrics = Metrics{ID: c.id, Params: sampler.ParamsFrom(c.req.Model)}

	defer func() {
		if c.decode != nil {
			if cerr := c.decode.Release(); cerr != nil {
				log.Printf("generation: release decode state: %v", cerr)
			}
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[PANIC][generation] recovered: %v\n%s", r, debug.Stack())
			err = newError(KindBackendPanic, fmt.Sprintf("Error during generation: %v", r), nil)
			c.transition(StateFailed)
			c.metrics.Finish = FinishError
			c.metrics.finalise(start)
			res = Result{Text: c.released(), Metrics: c.metrics}
		}
	}()

	err = c.execute(start)
	if err != nil {
		c.transition(StateFailed)
		c.metrics.Finish = FinishError
	}
	c.metrics.finalise(start)
	return Result{Text: c.released(), Metrics: c.metrics}, err
}

func (c *Context) released() string {
	if c.out == nil {
		return ""
	}
	return c.out.released()
}

func (c *Context) execute(start time.Time) error {
	if c.model == nil {
		return ErrNotLoaded
	}

	// Created: allocate decode state.
	dctx, err := c.model.NewContext(backend.ContextOptionsFrom(c.req.Model))
	if err != nil {
		return newError(KindContext, "Failed to create context", err)
	}
	c.decode = backend.Own(dctx, backend.Context.Close)
	c.metrics.ContextSize = dctx.Size()

	// PromptIngested: tokenize and decode in batches.
	tokens, err := c.model.Tokenize(c.req.Prompt)
	if err != nil {
		return newError(KindTokenize, "Tokenization failed", err)
	}
	if len(tokens) == 0 {
		return newError(KindTokenize, "Tokenization failed", errors.New("prompt produced no tokens"))
	}
	if c.model.AddBOS() && tokens[0] != c.model.BOS() {
		tokens = append([]backend.Token{c.model.BOS()}, tokens...)
	}
	c.metrics.InputTokens = len(tokens)

	nctx := dctx.Size()
	if nctx > 0 && len(tokens) >= nctx {
		return newError(KindContext, "Prompt exceeds context window",
			fmt.Errorf("%d prompt tokens, context holds %d", len(tokens), nctx))
	}

	batch := c.req.Model.BatchSize
	if batch <= 0 {
		batch = len(tokens)
	}
	for i := 0; i < len(tokens); i += batch {
		end := min(i+batch, len(tokens))
		if err := dctx.Decode(tokens[i:end]); err != nil {
			return newError(KindDecode, "Failed to decode input tokens", err)
		}
	}
	c.transition(StatePromptIngested)

	// Generating.
	maxTokens := c.req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = config.DefaultMaxTokens
	}
	if nctx > 0 && len(tokens)+maxTokens > nctx {
		maxTokens = nctx - len(tokens)
	}

	c.sampler = sampler.New(c.metrics.Params)
	c.out = newOutput(c.req.Stop)
	c.transition(StateGenerating)

	for i := 0; i < maxTokens; i++ {
		if c.req.Cancel != nil && c.req.Cancel.Load() {
			c.metrics.Finish = FinishCancelled
			c.transition(StateCancelled)
			return nil
		}

		logits, err := dctx.Logits()
		if err != nil || logits == nil {
			if err == nil {
				err = backend.ErrNoLogits
			}
			return newError(KindDecode, "Failed to get logits", err)
		}

		tok := c.sampler.Sample(logits)
		if c.metrics.OutputTokens == 0 {
			c.metrics.TTFT = time.Since(start)
		}
		if tok == c.model.EOS() || c.model.IsEOG(tok) {
			if err := c.emit(c.out.flush()); err != nil {
				return c.deliveryFailure(err)
			}
			c.metrics.Finish = FinishEOS
			c.transition(StateCompleted)
			return nil
		}

		piece, err := c.model.TokenToPiece(tok)
		if err != nil {
			return newError(KindTokenize, "Failed to detokenize generated token", err)
		}
		c.metrics.OutputTokens++

		ready, stopped := c.out.add(piece)
		if err := c.emit(ready); err != nil {
			return c.deliveryFailure(err)
		}
		if stopped {
			c.metrics.Finish = FinishStop
			c.transition(StateCompleted)
			return nil
		}

		if i == maxTokens-1 {
			break
		}
		if err := dctx.Decode([]backend.Token{tok}); err != nil {
			return newError(KindDecode, "Failed to decode generated token", err)
		}
	}

	if err := c.emit(c.out.flush()); err != nil {
		return c.deliveryFailure(err)
	}
	c.metrics.Finish = FinishLength
	c.transition(StateCompleted)
	return nil
}

func (c *Context) emit(fragment string) error {
	if fragment == "" || c.req.Emit == nil {
		return nil
	}
	return c.req.Emit(fragment)
}

// deliveryFailure maps an emit error: an abandoned consumer or a stop
// request cancels, any other error fails the context.
func (c *Context) deliveryFailure(err error) error {
	if errors.Is(err, ErrAbandoned) || errors.Is(err, ErrStopped) {
		c.metrics.Finish = FinishCancelled
		c.transition(StateCancelled)
		return nil
	}
	return newError(KindDelivery, "Failed to deliver fragment", err)
}
