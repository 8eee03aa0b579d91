package subcommands

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"EdgeLLM/internal/backend/fake"
	"EdgeLLM/internal/config"
	"EdgeLLM/internal/engine"
	"EdgeLLM/internal/prompt"
)

func newEngine(t *testing.T, opts ...fake.Option) *engine.Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Runtime.Backend = "fake"
	cfg.Model.Path = fake.VirtualPrefix + "cli"
	cfg.Model.Temperature = 0
	e := engine.New(cfg, engine.WithBackend(fake.New(opts...)))
	if !e.Initialize(cfg.Model) {
		t.Fatal("initialize failed")
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestRunGenerate(t *testing.T) {
	tests := []struct {
		name   string
		stream bool
	}{
		{"blocking", false},
		{"streaming", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newEngine(t, fake.WithLogits(fake.Text("sunny")))
			var out bytes.Buffer
			err := RunGenerate(context.Background(), e, &out, "weather?", GenerateOptions{Stream: tc.stream, ShowStats: true})
			if err != nil {
				t.Fatalf("RunGenerate: %v", err)
			}
			got := stripANSI(out.String())
			if !strings.Contains(got, "sunny") {
				t.Errorf("output %q lacks reply", got)
			}
			if !strings.Contains(got, "Finish: eos") {
				t.Errorf("output %q lacks stats", got)
			}
		})
	}
}

func TestRunGenerateFailure(t *testing.T) {
	e := newEngine(t, fake.WithLogits(fake.Nil()))
	err := RunGenerate(context.Background(), e, &bytes.Buffer{}, "x", GenerateOptions{})
	if err == nil || err.Error() != "generation failed: Failed to get logits" {
		t.Fatalf("err = %v", err)
	}
}

func TestRunReplConversation(t *testing.T) {
	e := newEngine(t)
	in := strings.NewReader(strings.Join([]string{
		"hello",
		"/stats",
		"/set topK 1",
		"/set stream on",
		"multi\\",
		"line",
		"/bogus",
		"exit",
	}, "\n") + "\n")

	var out bytes.Buffer
	err := RunRepl(context.Background(), e, in, &out, ReplOptions{Format: prompt.Completion, Quiet: true})
	if err != nil {
		t.Fatalf("RunRepl: %v", err)
	}
	got := stripANSI(out.String())

	for _, want := range []string{
		"EdgeLLM: hello",
		"Finish: eos",
		"Param topK set to 1",
		"Param Stream set to true",
		"multi line",
		`Unknown command "/bogus"`,
		"Goodbye!",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output lacks %q:\n%s", want, got)
		}
	}
	if k := e.Config().Model.TopK; k != 1 {
		t.Errorf("topK = %d, want 1", k)
	}
}

func TestRunReplEOF(t *testing.T) {
	e := newEngine(t)
	var out bytes.Buffer
	if err := RunRepl(context.Background(), e, strings.NewReader(""), &out, ReplOptions{Quiet: true}); err != nil {
		t.Fatalf("RunRepl: %v", err)
	}
}

func TestHandleSetParamRejectsBadValues(t *testing.T) {
	e := newEngine(t)
	opts := ReplOptions{}
	var out bytes.Buffer

	handleSetParam(e, &out, &opts, "threads", "-3")
	if !strings.Contains(out.String(), "threads") {
		t.Errorf("expected validation error, got %q", out.String())
	}
	if e.Config().Model.Threads < 0 {
		t.Error("negative threads applied")
	}

	out.Reset()
	handleSetParam(e, &out, &opts, "max-tokens", "12")
	if opts.MaxTokens != 12 {
		t.Errorf("MaxTokens = %d", opts.MaxTokens)
	}
}

func TestRunConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Runtime.Backend = "fake"

	var yml bytes.Buffer
	if err := RunConfig(cfg, &yml, ""); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(yml.String(), "backend: fake") {
		t.Errorf("yaml output:\n%s", yml.String())
	}

	var tml bytes.Buffer
	if err := RunConfig(cfg, &tml, "toml"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(tml.String(), `backend = "fake"`) {
		t.Errorf("toml output:\n%s", tml.String())
	}

	if err := RunConfig(cfg, &bytes.Buffer{}, "xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}
