//go:build yzma

// Package llamacpp runs GGUF models through llama.cpp, loaded at runtime
// via purego. No cgo toolchain is needed; the shared libraries are found
// through runtime.lib_path, $YZMA_LIB or ./lib/llama.
package llamacpp

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hybridgroup/yzma/pkg/llama"

	"EdgeLLM/internal/backend"
	"EdgeLLM/internal/config"
)

func init() {
	backend.Register("llamacpp", func(cfg config.RuntimeConfig) (backend.Backend, error) {
		return &Backend{libPath: cfg.LibPath}, nil
	})
}

// Backend loads llama.cpp once per process.
type Backend struct {
	libPath string
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return "llamacpp" }

// Init loads the shared libraries and initialises llama.cpp.
func (b *Backend) Init() error {
	libPath := resolveLibPath(b.libPath)
	log.Printf("llamacpp: loading libraries from %s", libPath)
	if err := llama.Load(libPath); err != nil {
		return fmt.Errorf("load llama.cpp libraries from %s: %w", libPath, err)
	}
	llama.Init()
	log.Printf("llamacpp: %s", strings.TrimSpace(llama.PrintSystemInfo()))
	return nil
}

// Shutdown frees the llama.cpp backend.
func (b *Backend) Shutdown() {
	llama.BackendFree()
}

// LoadModel reads GGUF weights.
func (b *Backend) LoadModel(opts backend.ModelOptions) (backend.Model, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("llamacpp: model path is required")
	}
	if _, err := os.Stat(opts.Path); err != nil {
		return nil, fmt.Errorf("llamacpp: %w", err)
	}

	params := llama.ModelDefaultParams()
	params.NGpuLayers = int32(opts.GPULayers)

	handle, err := llama.ModelLoadFromFile(opts.Path, params)
	if err != nil {
		return nil, fmt.Errorf("llamacpp: load %q: %w", opts.Path, err)
	}

	vocab := llama.ModelGetVocab(handle)
	m := &Model{
		handle: handle,
		vocab:  vocab,
		nVocab: int(llama.VocabNTokens(vocab)),
		desc:   llama.ModelDesc(handle),
	}
	log.Printf("llamacpp: model loaded: %s (vocab %d, gpu layers %d)", m.desc, m.nVocab, opts.GPULayers)
	return m, nil
}

func resolveLibPath(configured string) string {
	path := configured
	if path == "" {
		path = os.Getenv("YZMA_LIB")
	}
	if path == "" {
		path = filepath.Join(".", "lib", "llama")
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return path
}

// Model wraps a llama_model and its vocabulary.
type Model struct {
	mu     sync.RWMutex
	handle llama.Model
	vocab  llama.Vocab
	nVocab int
	desc   string
	closed bool
}

// Description implements backend.Model.
func (m *Model) Description() string { return m.desc }

// VocabSize implements backend.Model.
func (m *Model) VocabSize() int { return m.nVocab }

// Tokenize implements backend.Model. Special tokens in the text are parsed.
func (m *Model) Tokenize(text string) ([]backend.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, backend.ErrClosed
	}
	raw := llama.Tokenize(m.vocab, text, false, true)
	out := make([]backend.Token, len(raw))
	for i, t := range raw {
		out[i] = backend.Token(t)
	}
	return out, nil
}

// TokenToPiece implements backend.Model.
func (m *Model) TokenToPiece(tok backend.Token) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", backend.ErrClosed
	}
	buf := make([]byte, 256)
	n := int(llama.TokenToPiece(m.vocab, llama.Token(tok), buf, 0, true))
	if n < 0 {
		return "", fmt.Errorf("llamacpp: token %d has no piece", tok)
	}
	return string(buf[:n]), nil
}

// BOS implements backend.Model.
func (m *Model) BOS() backend.Token { return backend.Token(llama.VocabBOS(m.vocab)) }

// EOS implements backend.Model.
func (m *Model) EOS() backend.Token { return backend.Token(llama.VocabEOS(m.vocab)) }

// IsEOG implements backend.Model.
func (m *Model) IsEOG(tok backend.Token) bool { return llama.VocabIsEOG(m.vocab, llama.Token(tok)) }

// AddBOS implements backend.Model.
func (m *Model) AddBOS() bool { return llama.VocabGetAddBOS(m.vocab) }

// NewContext allocates a llama_context sized from opts.
func (m *Model) NewContext(opts backend.ContextOptions) (backend.Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, backend.ErrClosed
	}

	params := llama.ContextDefaultParams()
	setContextParams(&params, opts)

	lctx, err := llama.InitFromModel(m.handle, params)
	if err != nil {
		return nil, fmt.Errorf("llamacpp: create context: %w", err)
	}
	return &Context{handle: lctx, nVocab: m.nVocab, size: int(llama.NCtx(lctx))}, nil
}

// Close frees the model. Safe to call more than once.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if err := llama.ModelFree(m.handle); err != nil {
		return fmt.Errorf("llamacpp: free model: %w", err)
	}
	return nil
}

// Context wraps a llama_context.
type Context struct {
	handle llama.Context
	nVocab int
	size   int
	closed bool
}

// Decode implements backend.Context. llama_decode reports failure through
// its status: 1 when no KV slot is free, negative on error.
func (c *Context) Decode(tokens []backend.Token) error {
	if c.closed {
		return backend.ErrClosed
	}
	batch := make([]llama.Token, len(tokens))
	for i, t := range tokens {
		batch[i] = llama.Token(t)
	}
	status, err := llama.Decode(c.handle, llama.BatchGetOne(batch))
	return decodeError(status, err)
}

// Logits copies the scores of the last decoded position.
func (c *Context) Logits() ([]float32, error) {
	if c.closed {
		return nil, backend.ErrClosed
	}
	raw, err := llama.GetLogitsIth(c.handle, -1, c.nVocab)
	if err != nil || len(raw) == 0 {
		return nil, backend.ErrNoLogits
	}
	return append([]float32(nil), raw...), nil
}

// Size implements backend.Context.
func (c *Context) Size() int { return c.size }

// Close implements backend.Context.
func (c *Context) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if err := llama.Free(c.handle); err != nil {
		return fmt.Errorf("llamacpp: free context: %w", err)
	}
	return nil
}

// setContextParams copies opts onto p, leaving fields opts has no say in
// at their defaults.
func setContextParams(p *llama.ContextParams, opts backend.ContextOptions) {
	p.NCtx = uint32(opts.NCtx)
	p.NBatch = uint32(opts.NBatch)
	p.NUbatch = uint32(opts.NUbatch)
	p.NThreads = int32(opts.NThreads)
	p.NThreadsBatch = int32(opts.NThreadsBatch)
	p.RopeFreqBase = float32(opts.RopeFreqBase)
	p.RopeFreqScale = float32(opts.RopeFreqScale)
	p.YarnExtFactor = float32(opts.YarnExtFactor)
	p.YarnAttnFactor = float32(opts.YarnAttnFactor)
	p.YarnBetaFast = float32(opts.YarnBetaFast)
	p.YarnBetaSlow = float32(opts.YarnBetaSlow)
	p.YarnOrigCtx = opts.YarnOrigCtx
	p.DefragThold = float32(opts.DefragThold)
	p.Offload_kqv = boolByte(opts.OffloadKQV)
	p.Embeddings = boolByte(opts.Embeddings)
	if opts.FlashAttn {
		p.FlashAttentionType = llama.FlashAttentionTypeEnabled
	} else {
		p.FlashAttentionType = llama.FlashAttentionTypeDisabled
	}
}

func boolByte(v bool) uint8 {
	if v {
		return 1
	}
	return 0
}
