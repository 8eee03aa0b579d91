package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultModel(t *testing.T) {
	m := DefaultModel()

	cases := []struct {
		name string
		got  float64
		want float64
	}{
		{"context_size", float64(m.ContextSize), 2048},
		{"batch_size", float64(m.BatchSize), 512},
		{"ubatch_size", float64(m.UbatchSize), 512},
		{"threads", float64(m.Threads), 4},
		{"threads_batch", float64(m.ThreadsBatch), 4},
		{"temperature", m.Temperature, 0.7},
		{"top_p", m.TopP, 0.9},
		{"top_k", float64(m.TopK), 40},
		{"typical_p", m.TypicalP, 1.0},
		{"tfs_z", m.TfsZ, 1.0},
		{"repeat_penalty", m.RepeatPenalty, 1.1},
		{"repeat_last_n", float64(m.RepeatLastN), 64},
		{"mirostat_tau", m.MirostatTau, 5.0},
		{"mirostat_eta", m.MirostatEta, 0.1},
		{"mirostat_m", float64(m.MirostatM), 100},
		{"yarn_ext_factor", m.YarnExtFactor, -1.0},
		{"yarn_beta_fast", m.YarnBetaFast, 32.0},
		{"seed", float64(m.Seed), 42},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.got != tc.want {
				t.Errorf("%s = %v, want %v", tc.name, tc.got, tc.want)
			}
		})
	}

	if err := m.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if Default().Runtime.MaxTokens != DefaultMaxTokens {
		t.Errorf("MaxTokens = %d, want %d", Default().Runtime.MaxTokens, DefaultMaxTokens)
	}
}

// ---------------------------------------------------------------------------
// File loading
// ---------------------------------------------------------------------------

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("yaml keeps absent keys and honours explicit zero", func(t *testing.T) {
		path := filepath.Join(dir, "edgellm.yaml")
		body := "model:\n  path: tiny.gguf\n  temperature: 0\n  top_k: 8\nruntime:\n  stop: [\"</s>\"]\n"
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		cfg, err := LoadFile(path, Default())
		if err != nil {
			t.Fatalf("LoadFile: %v", err)
		}
		if cfg.Model.Path != "tiny.gguf" {
			t.Errorf("Path = %q", cfg.Model.Path)
		}
		if cfg.Model.Temperature != 0 {
			t.Errorf("Temperature = %v, want 0", cfg.Model.Temperature)
		}
		if cfg.Model.TopK != 8 {
			t.Errorf("TopK = %d, want 8", cfg.Model.TopK)
		}
		if cfg.Model.ContextSize != 2048 {
			t.Errorf("ContextSize lost: %d", cfg.Model.ContextSize)
		}
		if len(cfg.Runtime.Stop) != 1 || cfg.Runtime.Stop[0] != "</s>" {
			t.Errorf("Stop = %v", cfg.Runtime.Stop)
		}
	})

	t.Run("toml", func(t *testing.T) {
		path := filepath.Join(dir, "edgellm.toml")
		body := "[model]\npath = \"m.gguf\"\nthreads = 2\nflash_attn = true\n\n[history]\ndriver = \"duckdb\"\n"
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		cfg, err := LoadFile(path, Default())
		if err != nil {
			t.Fatalf("LoadFile: %v", err)
		}
		if cfg.Model.Path != "m.gguf" || cfg.Model.Threads != 2 || !cfg.Model.FlashAttn {
			t.Errorf("unexpected model config: %+v", cfg.Model)
		}
		if cfg.History.Driver != "duckdb" {
			t.Errorf("Driver = %q", cfg.History.Driver)
		}
		if cfg.Model.BatchSize != 512 {
			t.Errorf("BatchSize lost: %d", cfg.Model.BatchSize)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadFile(filepath.Join(dir, "nope.yaml"), Default()); err == nil {
			t.Fatal("expected error for missing file")
		}
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		if err := os.WriteFile(path, []byte("model: [unterminated"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadFile(path, Default()); err == nil {
			t.Fatal("expected parse error")
		}
	})
}

func TestResolveEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(path, []byte("model:\n  threads: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("APP_CONFIG", path)
	t.Setenv("APP_THREADS", "6")
	t.Setenv("APP_MODEL_PATH", "/models/env.gguf")
	t.Setenv("APP_TEMPERATURE", "0.2")
	t.Setenv("APP_STOP", "<|im_end|>, </s>")
	t.Setenv("APP_HISTORY_DRIVER", "DuckDB")

	cfg, err := Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.Model.Threads != 6 {
		t.Errorf("Threads = %d, want env override 6", cfg.Model.Threads)
	}
	if cfg.Model.Path != "/models/env.gguf" {
		t.Errorf("Path = %q", cfg.Model.Path)
	}
	if cfg.Model.Temperature != 0.2 {
		t.Errorf("Temperature = %v", cfg.Model.Temperature)
	}
	if len(cfg.Runtime.Stop) != 2 || cfg.Runtime.Stop[1] != "</s>" {
		t.Errorf("Stop = %v", cfg.Runtime.Stop)
	}
	if cfg.History.Driver != "duckdb" {
		t.Errorf("Driver = %q", cfg.History.Driver)
	}
}

func TestResolveMissingConfigFile(t *testing.T) {
	t.Setenv("APP_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := Resolve(); err == nil {
		t.Fatal("expected error for missing APP_CONFIG file")
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"negative context", func(c *Config) { c.Model.ContextSize = -1 }, true},
		{"negative top_k", func(c *Config) { c.Model.TopK = -3 }, true},
		{"nan temperature", func(c *Config) { c.Model.Temperature = math.NaN() }, true},
		{"negative temperature", func(c *Config) { c.Model.Temperature = -0.5 }, true},
		{"mirostat out of range", func(c *Config) { c.Model.Mirostat = 3 }, true},
		{"unknown history driver", func(c *Config) { c.History.Driver = "postgres" }, true},
		{"zero temperature", func(c *Config) { c.Model.Temperature = 0 }, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Option bag
// ---------------------------------------------------------------------------

func TestApplyOptions(t *testing.T) {
	t.Run("recognised keys", func(t *testing.T) {
		m := DefaultModel()
		err := ApplyOptions(&m, map[string]any{
			"modelPath":          "/m/q.gguf",
			"contextSize":        float64(4096),
			"topK":               20,
			"temperature":        "0.3",
			"repeatPenaltyLastN": int64(32),
			"yarnOrigCtx":        uint32(8192),
			"flashAttn":          true,
			"offloadKqv":         "true",
			"seed":               7,
		})
		if err != nil {
			t.Fatalf("ApplyOptions: %v", err)
		}
		if m.Path != "/m/q.gguf" || m.ContextSize != 4096 || m.TopK != 20 {
			t.Errorf("unexpected: %+v", m)
		}
		if m.Temperature != 0.3 || m.RepeatLastN != 32 || m.YarnOrigCtx != 8192 {
			t.Errorf("unexpected: %+v", m)
		}
		if !m.FlashAttn || !m.OffloadKQV || m.Seed != 7 {
			t.Errorf("unexpected: %+v", m)
		}
	})

	t.Run("unknown keys ignored and missing keys kept", func(t *testing.T) {
		m := DefaultModel()
		if err := ApplyOptions(&m, map[string]any{"bogus": 1, "anotherOne": "x"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if m != DefaultModel() {
			t.Errorf("model changed by unknown keys: %+v", m)
		}
	})

	t.Run("bad value reported, others applied", func(t *testing.T) {
		m := DefaultModel()
		err := ApplyOptions(&m, map[string]any{"topK": []int{1}, "threads": 8})
		if err == nil {
			t.Fatal("expected error for slice topK")
		}
		if m.Threads != 8 {
			t.Errorf("Threads = %d, want 8", m.Threads)
		}
		if m.TopK != 40 {
			t.Errorf("TopK changed to %d", m.TopK)
		}
	})
}
