// Package fake provides a deterministic in-process decoder. It tokenises
// bytes, produces scripted logits and records how contexts are used so
// tests can assert lifecycle properties (one live context, no decoding
// into released state).
package fake

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"EdgeLLM/internal/backend"
	"EdgeLLM/internal/config"
)

// Vocabulary layout: three specials then one token per byte value.
const (
	PadToken backend.Token = 0
	BOSToken backend.Token = 1
	EOSToken backend.Token = 2

	byteOffset = 3
	VocabSize  = 256 + byteOffset
)

// VirtualPrefix marks model paths that need not exist on disk.
const VirtualPrefix = "fake:"

// LogitsFunc scripts the decoder. fed holds every token decoded so far in
// the context (prompt and generated) and step counts earlier Logits calls.
type LogitsFunc func(fed []backend.Token, step int) []float32

// Option customises a fake backend.
type Option func(*Backend)

// WithLogits installs the logits script.
func WithLogits(fn LogitsFunc) Option { return func(b *Backend) { b.logits = fn } }

// WithAddBOS sets whether the vocabulary requires a leading BOS.
func WithAddBOS(v bool) Option { return func(b *Backend) { b.addBOS = v } }

// WithContextSize caps the context window regardless of the requested size.
func WithContextSize(n int) Option { return func(b *Backend) { b.ctxSize = n } }

// WithDecodeDelay sleeps in every Decode call.
func WithDecodeDelay(d time.Duration) Option { return func(b *Backend) { b.delay = d } }

// WithDecodeFailure makes the n-th Decode call of each context fail (1-based).
func WithDecodeFailure(n int) Option { return func(b *Backend) { b.failDecodeAt = n } }

// WithLogitsFailure makes the n-th Logits call of each context fail (1-based).
func WithLogitsFailure(n int) Option { return func(b *Backend) { b.failLogitsAt = n } }

// WithPanicAt makes the n-th Logits call of each context panic (1-based).
func WithPanicAt(n int) Option { return func(b *Backend) { b.panicAt = n } }

// WithContextFailure makes NewContext fail.
func WithContextFailure() Option { return func(b *Backend) { b.failContext = true } }

// Backend is a fake decoder. Counters are safe to read concurrently.
type Backend struct {
	logits       LogitsFunc
	addBOS       bool
	ctxSize      int
	delay        time.Duration
	failDecodeAt int
	failLogitsAt int
	panicAt      int
	failContext  bool

	inits      atomic.Int32
	shutdowns  atomic.Int32
	tokenizes  atomic.Int64
	contexts   atomic.Int32
	active     atomic.Int32
	maxActive  atomic.Int32
	violations atomic.Int32

	mu     sync.Mutex
	events []string
}

// New returns a fake backend echoing the prompt back, then EOS.
func New(opts ...Option) *Backend {
	b := &Backend{logits: Echo(), addBOS: true}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func init() {
	backend.Register("fake", func(config.RuntimeConfig) (backend.Backend, error) {
		return New(), nil
	})
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return "fake" }

// Init implements backend.Backend.
func (b *Backend) Init() error {
	b.inits.Add(1)
	return nil
}

// Shutdown implements backend.Backend.
func (b *Backend) Shutdown() { b.shutdowns.Add(1) }

// LoadModel accepts existing files and paths carrying VirtualPrefix.
func (b *Backend) LoadModel(opts backend.ModelOptions) (backend.Model, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, errors.New("fake: empty model path")
	}
	if !strings.HasPrefix(path, VirtualPrefix) {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("fake: load %q: %w", path, err)
		}
	}
	return &Model{backend: b, path: path}, nil
}

// Inits reports how many times Init ran.
func (b *Backend) Inits() int { return int(b.inits.Load()) }

// Shutdowns reports how many times Shutdown ran.
func (b *Backend) Shutdowns() int { return int(b.shutdowns.Load()) }

// Tokenizations reports how many Tokenize calls reached the vocabulary.
func (b *Backend) Tokenizations() int { return int(b.tokenizes.Load()) }

// Contexts reports how many contexts were created.
func (b *Backend) Contexts() int { return int(b.contexts.Load()) }

// Active reports how many contexts are currently alive.
func (b *Backend) Active() int { return int(b.active.Load()) }

// MaxActive reports the highest number of simultaneously alive contexts.
func (b *Backend) MaxActive() int { return int(b.maxActive.Load()) }

// Violations counts lifecycle misuse: overlapping contexts, decoding into
// released contexts and double releases.
func (b *Backend) Violations() int { return int(b.violations.Load()) }

// Events returns the lifecycle log ("open 1", "close 1", ...).
func (b *Backend) Events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

func (b *Backend) record(format string, args ...any) {
	b.mu.Lock()
	b.events = append(b.events, fmt.Sprintf(format, args...))
	b.mu.Unlock()
}

// Model is a fake loaded model with a byte vocabulary.
type Model struct {
	backend *Backend
	path    string
	closed  atomic.Bool
}

// Description implements backend.Model.
func (m *Model) Description() string {
	return "fake byte model (" + strings.TrimPrefix(m.path, VirtualPrefix) + ")"
}

// VocabSize implements backend.Model.
func (m *Model) VocabSize() int { return VocabSize }

// Tokenize maps each byte to one token.
func (m *Model) Tokenize(text string) ([]backend.Token, error) {
	if m.closed.Load() {
		return nil, backend.ErrClosed
	}
	m.backend.tokenizes.Add(1)
	out := make([]backend.Token, len(text))
	for i := 0; i < len(text); i++ {
		out[i] = backend.Token(text[i]) + byteOffset
	}
	return out, nil
}

// TokenToPiece maps a byte token back to its byte; specials render empty.
func (m *Model) TokenToPiece(tok backend.Token) (string, error) {
	if tok < 0 || int(tok) >= VocabSize {
		return "", fmt.Errorf("fake: token %d out of range", tok)
	}
	if tok < byteOffset {
		return "", nil
	}
	return string([]byte{byte(tok - byteOffset)}), nil
}

// BOS implements backend.Model.
func (m *Model) BOS() backend.Token { return BOSToken }

// EOS implements backend.Model.
func (m *Model) EOS() backend.Token { return EOSToken }

// IsEOG implements backend.Model.
func (m *Model) IsEOG(tok backend.Token) bool { return tok == EOSToken }

// AddBOS implements backend.Model.
func (m *Model) AddBOS() bool { return m.backend.addBOS }

// NewContext allocates a fake decode context.
func (m *Model) NewContext(opts backend.ContextOptions) (backend.Context, error) {
	if m.closed.Load() {
		return nil, backend.ErrClosed
	}
	b := m.backend
	if b.failContext {
		return nil, errors.New("fake: context allocation failed")
	}

	id := b.contexts.Add(1)
	live := b.active.Add(1)
	if live > 1 {
		b.violations.Add(1)
	}
	for {
		peak := b.maxActive.Load()
		if live <= peak || b.maxActive.CompareAndSwap(peak, live) {
			break
		}
	}
	b.record("open %d", id)

	size := opts.NCtx
	if b.ctxSize > 0 {
		size = b.ctxSize
	}
	if size <= 0 {
		size = 2048
	}
	return &Context{backend: b, id: id, size: size}, nil
}

// Close implements backend.Model.
func (m *Model) Close() error {
	m.closed.Store(true)
	return nil
}

// Context is fake per-call decode state.
type Context struct {
	backend *Backend
	id      int32
	size    int

	fed     []backend.Token
	decodes int
	steps   int
	closed  bool
}

// Decode appends tokens to the fed sequence.
func (c *Context) Decode(tokens []backend.Token) error {
	if c.closed {
		c.backend.violations.Add(1)
		return backend.ErrClosed
	}
	if c.backend.delay > 0 {
		time.Sleep(c.backend.delay)
	}
	c.decodes++
	if c.backend.failDecodeAt > 0 && c.decodes == c.backend.failDecodeAt {
		return errors.New("fake: decode failed")
	}
	if len(c.fed)+len(tokens) > c.size {
		return fmt.Errorf("fake: context full (%d/%d)", len(c.fed)+len(tokens), c.size)
	}
	c.fed = append(c.fed, tokens...)
	return nil
}

// Logits runs the script for the current step.
func (c *Context) Logits() ([]float32, error) {
	if c.closed {
		c.backend.violations.Add(1)
		return nil, backend.ErrClosed
	}
	c.steps++
	if c.backend.panicAt > 0 && c.steps == c.backend.panicAt {
		panic("fake: decoder exploded")
	}
	if c.backend.failLogitsAt > 0 && c.steps == c.backend.failLogitsAt {
		return nil, backend.ErrNoLogits
	}
	out := c.backend.logits(append([]backend.Token(nil), c.fed...), c.steps-1)
	if out == nil {
		return nil, backend.ErrNoLogits
	}
	return out, nil
}

// Size implements backend.Context.
func (c *Context) Size() int { return c.size }

// Close releases the context; a second call is a lifecycle violation.
func (c *Context) Close() error {
	if c.closed {
		c.backend.violations.Add(1)
		return backend.ErrClosed
	}
	c.closed = true
	c.backend.active.Add(-1)
	c.backend.record("close %d", c.id)
	return nil
}

// ---------------------------------------------------------------------------
// Scripts
// ---------------------------------------------------------------------------

// Peak returns logits that strongly favour tok.
func Peak(tok backend.Token) []float32 {
	out := make([]float32, VocabSize)
	if tok >= 0 && int(tok) < VocabSize {
		out[tok] = 30
	}
	return out
}

// ByteToken returns the token for a single byte.
func ByteToken(c byte) backend.Token { return backend.Token(c) + byteOffset }

// AlwaysEOS ends every generation immediately.
func AlwaysEOS() LogitsFunc {
	return func([]backend.Token, int) []float32 { return Peak(EOSToken) }
}

// Constant never ends: every step favours tok.
func Constant(tok backend.Token) LogitsFunc {
	return func([]backend.Token, int) []float32 { return Peak(tok) }
}

// Text emits s byte by byte, then EOS.
func Text(s string) LogitsFunc {
	return func(_ []backend.Token, step int) []float32 {
		if step < len(s) {
			return Peak(ByteToken(s[step]))
		}
		return Peak(EOSToken)
	}
}

// Echo repeats the prompt (without BOS), then EOS.
func Echo() LogitsFunc {
	return func(fed []backend.Token, step int) []float32 {
		prompt := fed[:len(fed)-step]
		if len(prompt) > 0 && prompt[0] == BOSToken {
			prompt = prompt[1:]
		}
		if step < len(prompt) {
			return Peak(prompt[step])
		}
		return Peak(EOSToken)
	}
}

// Uniform gives every token the same score.
func Uniform() LogitsFunc {
	return func([]backend.Token, int) []float32 { return make([]float32, VocabSize) }
}

// Nil makes every step report missing logits.
func Nil() LogitsFunc {
	return func([]backend.Token, int) []float32 { return nil }
}
