package fake

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EdgeLLM/internal/backend"
)

func loadModel(t *testing.T, opts ...Option) (*Backend, backend.Model) {
	t.Helper()
	b := New(opts...)
	m, err := b.LoadModel(backend.ModelOptions{Path: VirtualPrefix + "tiny"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return b, m
}

func TestTokenizerRoundTrip(t *testing.T) {
	_, m := loadModel(t)

	for _, text := range []string{"", "hello", "héllo wörld", "tabs\tand\nnewlines", "日本語"} {
		t.Run(text, func(t *testing.T) {
			first, err := m.Tokenize(text)
			require.NoError(t, err)
			decoded, err := backend.Detokenize(m, first)
			require.NoError(t, err)
			second, err := m.Tokenize(decoded)
			require.NoError(t, err)
			assert.Equal(t, first, second)
			assert.Equal(t, text, decoded)
		})
	}
}

func TestLoadModelRejectsMissingFile(t *testing.T) {
	b := New()
	_, err := b.LoadModel(backend.ModelOptions{Path: "/definitely/not/here.gguf"})
	require.Error(t, err)
	_, err = b.LoadModel(backend.ModelOptions{})
	require.Error(t, err)
}

func TestContextTracking(t *testing.T) {
	b, m := loadModel(t)

	c1, err := m.NewContext(backend.ContextOptions{NCtx: 64})
	require.NoError(t, err)
	require.NoError(t, c1.Close())

	c2, err := m.NewContext(backend.ContextOptions{NCtx: 64})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Active())
	assert.Equal(t, 0, b.Violations())

	c3, err := m.NewContext(backend.ContextOptions{NCtx: 64})
	require.NoError(t, err)
	assert.Equal(t, 2, b.MaxActive())
	assert.Equal(t, 1, b.Violations(), "overlapping contexts are a violation")

	require.NoError(t, c2.Close())
	require.NoError(t, c3.Close())
	assert.Error(t, c3.Close())
	assert.ErrorIs(t, c3.Decode([]backend.Token{5}), backend.ErrClosed)
	assert.Equal(t, 3, b.Violations())
	assert.Equal(t, []string{"open 1", "close 1", "open 2", "open 3", "close 2", "close 3"}, b.Events())
}

func TestEchoScript(t *testing.T) {
	_, m := loadModel(t)
	ctx, err := m.NewContext(backend.ContextOptions{NCtx: 64})
	require.NoError(t, err)
	defer ctx.Close()

	prompt, err := m.Tokenize("hi")
	require.NoError(t, err)
	require.NoError(t, ctx.Decode(append([]backend.Token{BOSToken}, prompt...)))

	var out []backend.Token
	for i := 0; i < 4; i++ {
		logits, err := ctx.Logits()
		require.NoError(t, err)
		tok := argmax(logits)
		if tok == EOSToken {
			break
		}
		out = append(out, tok)
		require.NoError(t, ctx.Decode([]backend.Token{tok}))
	}
	text, err := backend.Detokenize(m, out)
	require.NoError(t, err)
	assert.Equal(t, "hi", text)
}

func TestContextWindowEnforced(t *testing.T) {
	_, m := loadModel(t, WithContextSize(4))
	ctx, err := m.NewContext(backend.ContextOptions{NCtx: 2048})
	require.NoError(t, err)
	defer ctx.Close()

	assert.Equal(t, 4, ctx.Size())
	require.NoError(t, ctx.Decode([]backend.Token{3, 4, 5}))
	assert.Error(t, ctx.Decode([]backend.Token{6, 7}))
}

func argmax(v []float32) backend.Token {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	return backend.Token(best)
}
