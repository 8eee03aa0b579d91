// Package backend defines the contract between the generation core and a
// model-execution decoder (llama.cpp or the in-process fake), along with
// the process-wide lifecycle every decoder shares.
package backend

import (
	"errors"
	"strings"

	"EdgeLLM/internal/config"
)

// Token is a vocabulary index.
type Token = int32

var (
	// ErrClosed is returned when a handle is used after release.
	ErrClosed = errors.New("backend: handle closed")

	// ErrNoLogits is returned when the decoder has no logits for the last step.
	ErrNoLogits = errors.New("backend: logits unavailable")
)

// Backend is a decoder implementation. Init prepares process-wide native
// state and must only be reached through the package-level Init guard.
type Backend interface {
	Name() string
	Init() error
	LoadModel(opts ModelOptions) (Model, error)
	Shutdown()
}

// Model is a set of loaded weights plus its vocabulary.
type Model interface {
	Description() string
	VocabSize() int

	// Tokenize converts text to tokens without adding BOS; callers decide
	// about BOS through AddBOS.
	Tokenize(text string) ([]Token, error)
	TokenToPiece(tok Token) (string, error)

	BOS() Token
	EOS() Token
	IsEOG(tok Token) bool
	AddBOS() bool

	// NewContext allocates fresh per-call decode state.
	NewContext(opts ContextOptions) (Context, error)
	Close() error
}

// Context is the per-call decode state (KV cache) of one generation.
// It is not safe for concurrent use.
type Context interface {
	// Decode feeds tokens at the current position and advances it.
	Decode(tokens []Token) error

	// Logits returns the next-token scores for the last decoded position.
	// The slice is owned by the caller.
	Logits() ([]float32, error)

	// Size is the context window in tokens.
	Size() int
	Close() error
}

// ModelOptions configures weight loading.
type ModelOptions struct {
	Path      string
	GPULayers int
	LibPath   string
}

// ContextOptions configures a decode context.
type ContextOptions struct {
	NCtx          int
	NBatch        int
	NUbatch       int
	NThreads      int
	NThreadsBatch int
	Seed          int64

	RopeFreqBase   float64
	RopeFreqScale  float64
	YarnExtFactor  float64
	YarnAttnFactor float64
	YarnBetaFast   float64
	YarnBetaSlow   float64
	YarnOrigCtx    uint32
	DefragThold    float64

	FlashAttn  bool
	OffloadKQV bool
	Embeddings bool
}

// ModelOptionsFrom extracts load options from a model configuration.
func ModelOptionsFrom(m config.ModelConfig, libPath string) ModelOptions {
	return ModelOptions{Path: m.Path, GPULayers: m.GPULayers, LibPath: libPath}
}

// ContextOptionsFrom extracts context sizing and kernel options from a
// model configuration.
func ContextOptionsFrom(m config.ModelConfig) ContextOptions {
	return ContextOptions{
		NCtx:           m.ContextSize,
		NBatch:         m.BatchSize,
		NUbatch:        m.UbatchSize,
		NThreads:       m.Threads,
		NThreadsBatch:  m.ThreadsBatch,
		Seed:           m.Seed,
		RopeFreqBase:   m.RopeFreqBase,
		RopeFreqScale:  m.RopeFreqScale,
		YarnExtFactor:  m.YarnExtFactor,
		YarnAttnFactor: m.YarnAttnFactor,
		YarnBetaFast:   m.YarnBetaFast,
		YarnBetaSlow:   m.YarnBetaSlow,
		YarnOrigCtx:    m.YarnOrigCtx,
		DefragThold:    m.DefragThold,
		FlashAttn:      m.FlashAttn,
		OffloadKQV:     m.OffloadKQV,
		Embeddings:     m.Embeddings,
	}
}

// Detokenize concatenates the pieces of tokens.
func Detokenize(m Model, tokens []Token) (string, error) {
	var b strings.Builder
	for _, tok := range tokens {
		piece, err := m.TokenToPiece(tok)
		if err != nil {
			return "", err
		}
		b.WriteString(piece)
	}
	return b.String(), nil
}
