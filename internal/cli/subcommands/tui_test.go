package subcommands

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EdgeLLM/internal/backend/fake"
	"EdgeLLM/internal/config"
	"EdgeLLM/internal/generation"
	"EdgeLLM/internal/prompt"
)

func newTestTui(t *testing.T, opts ReplOptions, fo ...fake.Option) *tuiModel {
	t.Helper()
	cfg := config.Default()
	cfg.Runtime.Backend = "fake"
	m := newTuiModel(context.Background(), cfg, newEngine(t, fo...), nil, opts)
	m.resize(100, 40)
	return &m
}

func lastNote(m *tuiModel) string {
	if len(m.messages) == 0 {
		return ""
	}
	return m.messages[len(m.messages)-1].content
}

func TestTuiStreamingReply(t *testing.T) {
	m := newTestTui(t, ReplOptions{GenerateOptions: GenerateOptions{Stream: true}, Format: prompt.Chat},
		fake.WithLogits(fake.Text("hello there")))

	m.textarea.SetValue("hi")
	require.NotNil(t, m.submit())
	require.True(t, m.loading)
	require.NotNil(t, m.active)

	for m.loading {
		msg := m.nextFragment(m.active)().(fragmentMsg)
		m.handleFragment(msg)
	}

	require.Len(t, m.messages, 2)
	reply := m.messages[1]
	assert.Equal(t, roleBot, reply.role)
	assert.Equal(t, "hello there", reply.content)
	require.NotNil(t, reply.metrics)
	assert.Equal(t, generation.FinishEOS, reply.metrics.Finish)
	assert.Nil(t, m.active)
	assert.Equal(t, 2, m.session.Len())
	assert.Contains(t, m.View(), "EdgeLLM")
}

func TestTuiBlockingReplyError(t *testing.T) {
	m := newTestTui(t, ReplOptions{}, fake.WithLogits(fake.Nil()))

	m.messages = append(m.messages, chatMessage{role: roleUser, content: "x"}, chatMessage{role: roleBot})
	m.loading = true
	msg := m.startReply("x")().(resultMsg)
	next, _ := m.Update(msg)
	got := next.(tuiModel)

	assert.False(t, got.loading)
	assert.Equal(t, "Failed to get logits", got.messages[1].content)
	assert.Nil(t, got.messages[1].metrics)
}

func TestTuiStaleFragmentIgnored(t *testing.T) {
	m := newTestTui(t, ReplOptions{})
	s := m.eng.Stream("old", 4)
	t.Cleanup(s.Close)

	assert.Nil(t, m.handleFragment(fragmentMsg{stream: s}))
	assert.Empty(t, m.messages)
}

func TestTuiCommands(t *testing.T) {
	m := newTestTui(t, ReplOptions{Format: prompt.Chat})

	_, ok := m.runCommand("hello")
	assert.False(t, ok)

	_, ok = m.runCommand("/set topK 3")
	require.True(t, ok)
	assert.Contains(t, lastNote(m), "topK")
	assert.Equal(t, 3, m.eng.Config().Model.TopK)

	m.runCommand("/set stream on")
	assert.True(t, m.opts.Stream)

	m.runCommand("/set temperature")
	assert.Equal(t, "Usage: /set <param> <value>", lastNote(m))

	m.runCommand("/config")
	assert.Contains(t, lastNote(m), "**template**: chat")

	m.runCommand("/history")
	assert.Contains(t, lastNote(m), "History is disabled")

	m.runCommand("/stats")
	assert.Equal(t, "No generation yet.", lastNote(m))

	m.runCommand("/help")
	for _, name := range commandNames() {
		assert.Contains(t, lastNote(m), name)
	}

	m.runCommand("/nope")
	assert.True(t, strings.HasPrefix(lastNote(m), `Unknown command "/nope"`))

	m.runCommand("/clear")
	assert.Empty(t, m.messages)

	cmd, ok := m.runCommand("quit")
	assert.True(t, ok)
	assert.NotNil(t, cmd)
}

func TestTuiSuggestions(t *testing.T) {
	m := newTestTui(t, ReplOptions{})

	m.textarea.SetValue("/s")
	m.refreshSuggestions()
	assert.Equal(t, []string{"/set", "/stats", "/stop", "/sysinfo"}, m.suggestions)
	assert.True(t, m.showSuggestions)

	m.textarea.SetValue("/set temp")
	m.refreshSuggestions()
	assert.False(t, m.showSuggestions)
}

func TestTuiMenu(t *testing.T) {
	m := newTestTui(t, ReplOptions{})

	m.menuAction(1)
	assert.True(t, m.opts.Stream)
	m.menuAction(2)
	assert.True(t, m.opts.ShowStats)
	assert.Len(t, m.messages, 2)

	m.menuAction(0)
	assert.Empty(t, m.messages)
	assert.NotNil(t, m.menuAction(4))
}
