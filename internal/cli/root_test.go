package cli

import (
	"bytes"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EdgeLLM/internal/backend/fake"
	"EdgeLLM/internal/config"
	"EdgeLLM/internal/engine"
	"EdgeLLM/internal/server"
)

func writeConfig(t *testing.T, history bool) string {
	t.Helper()
	dir := t.TempDir()
	body := `runtime:
  backend: fake
  max_tokens: 32
model:
  path: "fake:cli"
  temperature: 0
history:
  enabled: ` + map[bool]string{true: "true", false: "false"}[history] + `
  driver: sqlite
  path: "` + filepath.ToSlash(filepath.Join(dir, "history.db")) + `"
`
	path := filepath.Join(dir, "edgellm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("APP_CONFIG", "")
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestGenerateCommand(t *testing.T) {
	cfg := writeConfig(t, false)

	out, err := run(t, "--config", cfg, "generate", "hello", "world")
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", out)

	out, err = run(t, "--config", cfg, "generate", "--stream", "streamed")
	require.NoError(t, err)
	assert.Contains(t, out, "streamed")
}

func TestGenerateCommandFromFile(t *testing.T) {
	cfg := writeConfig(t, false)
	file := filepath.Join(t.TempDir(), "prompt.txt")
	require.NoError(t, os.WriteFile(file, []byte("from a file"), 0o644))

	out, err := run(t, "--config", cfg, "generate", "--file", file, "--format", "chat")
	require.NoError(t, err)
	assert.Contains(t, out, "User: from a file")
}

func TestGenerateCommandErrors(t *testing.T) {
	cfg := writeConfig(t, false)

	_, err := run(t, "--config", cfg, "generate")
	assert.ErrorContains(t, err, "requires a prompt")

	_, err = run(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "generate", "x")
	assert.ErrorContains(t, err, "not found")

	_, err = run(t, "--config", cfg, "--backend", "nope", "generate", "x")
	assert.Error(t, err)

	_, err = run(t, "--config", cfg, "--model", "/does/not/exist.gguf", "generate", "x")
	assert.ErrorContains(t, err, "Failed to load model")
}

func TestInfoCommand(t *testing.T) {
	cfg := writeConfig(t, false)
	out, err := run(t, "--config", cfg, "--model", "fake:override", "info")
	require.NoError(t, err)
	assert.Contains(t, out, "Model: fake:override")
	assert.Contains(t, out, "Temperature: 0")
}

func TestConfigCommand(t *testing.T) {
	cfg := writeConfig(t, false)

	out, err := run(t, "--config", cfg, "config")
	require.NoError(t, err)
	assert.Contains(t, out, "backend: fake")

	out, err = run(t, "--config", cfg, "config", "--format", "toml")
	require.NoError(t, err)
	assert.Contains(t, out, `path = "fake:cli"`)
}

func TestHistoryCommand(t *testing.T) {
	cfg := writeConfig(t, true)

	_, err := run(t, "--config", cfg, "generate", "remember the weather")
	require.NoError(t, err)
	_, err = run(t, "--config", cfg, "generate", "something else")
	require.NoError(t, err)

	out, err := run(t, "--config", cfg, "history", "--query", "weather")
	require.NoError(t, err)
	assert.Contains(t, out, "remember the weather")
	assert.NotContains(t, out, "something else")

	out, err = run(t, "--config", cfg, "history", "-n", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "something else")
}

func TestSysinfoCommand(t *testing.T) {
	out, err := run(t, "sysinfo")
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(out))
}

func TestGenerateCommandRemote(t *testing.T) {
	cfg := config.Default()
	cfg.Model.Path = fake.VirtualPrefix + "remote"
	cfg.Model.Temperature = 0
	eng := engine.New(cfg, engine.WithBackend(fake.New()))
	require.True(t, eng.Initialize(cfg.Model))
	t.Cleanup(func() { _ = eng.Close() })
	ts := httptest.NewServer(server.NewHTTPServer("127.0.0.1", "0", eng, nil).Handler("fake"))
	t.Cleanup(ts.Close)

	out, err := run(t, "generate", "--remote", ts.URL, "ping")
	require.NoError(t, err)
	assert.Equal(t, "ping\n", out)

	out, err = run(t, "generate", "--remote", ts.URL, "--stream", "--stats", "pong")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "pong\n"), out)
	assert.Contains(t, out, "Statistics")
}
