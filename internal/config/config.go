package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config captures runtime, model, streaming, server and history settings for EdgeLLM.
type Config struct {
	Runtime RuntimeConfig `yaml:"runtime" toml:"runtime"`
	Model   ModelConfig   `yaml:"model" toml:"model"`
	Stream  StreamConfig  `yaml:"stream" toml:"stream"`
	Cache   CacheConfig   `yaml:"cache" toml:"cache"`
	Server  ServerConfig  `yaml:"server" toml:"server"`
	History HistoryConfig `yaml:"history" toml:"history"`
}

// RuntimeConfig selects which decoder backend to use and generation-wide limits.
type RuntimeConfig struct {
	Backend   string   `yaml:"backend" toml:"backend"`
	LibPath   string   `yaml:"lib_path" toml:"lib_path"`
	MaxTokens int      `yaml:"max_tokens" toml:"max_tokens"`
	Stop      []string `yaml:"stop" toml:"stop"`
}

// ModelConfig is the per-model runtime and sampling configuration. It is a
// plain value: the engine copies it under its lock at the start of every
// generation, so setters never affect a generation already in flight.
type ModelConfig struct {
	// Model and runtime sizing.
	Path         string `yaml:"path" toml:"path"`
	ContextSize  int    `yaml:"context_size" toml:"context_size"`
	BatchSize    int    `yaml:"batch_size" toml:"batch_size"`
	UbatchSize   int    `yaml:"ubatch_size" toml:"ubatch_size"`
	Threads      int    `yaml:"threads" toml:"threads"`
	ThreadsBatch int    `yaml:"threads_batch" toml:"threads_batch"`
	GPULayers    int    `yaml:"gpu_layers" toml:"gpu_layers"`
	Seed         int64  `yaml:"seed" toml:"seed"`

	// Sampling.
	Temperature float64 `yaml:"temperature" toml:"temperature"`
	TopP        float64 `yaml:"top_p" toml:"top_p"`
	TopK        int     `yaml:"top_k" toml:"top_k"`
	MinP        float64 `yaml:"min_p" toml:"min_p"`
	TypicalP    float64 `yaml:"typical_p" toml:"typical_p"`
	TfsZ        float64 `yaml:"tfs_z" toml:"tfs_z"`
	TopA        float64 `yaml:"top_a" toml:"top_a"`

	// Penalties.
	RepeatPenalty    float64 `yaml:"repeat_penalty" toml:"repeat_penalty"`
	RepeatLastN      int     `yaml:"repeat_last_n" toml:"repeat_last_n"`
	FrequencyPenalty float64 `yaml:"frequency_penalty" toml:"frequency_penalty"`
	PresencePenalty  float64 `yaml:"presence_penalty" toml:"presence_penalty"`

	// Mirostat: 0 disables, 1 and 2 select the algorithm version.
	Mirostat    int     `yaml:"mirostat" toml:"mirostat"`
	MirostatTau float64 `yaml:"mirostat_tau" toml:"mirostat_tau"`
	MirostatEta float64 `yaml:"mirostat_eta" toml:"mirostat_eta"`
	MirostatM   int     `yaml:"mirostat_m" toml:"mirostat_m"`

	// RoPE / YaRN scaling. Zero frequency values mean "use the model's".
	RopeFreqBase   float64 `yaml:"rope_freq_base" toml:"rope_freq_base"`
	RopeFreqScale  float64 `yaml:"rope_freq_scale" toml:"rope_freq_scale"`
	YarnExtFactor  float64 `yaml:"yarn_ext_factor" toml:"yarn_ext_factor"`
	YarnAttnFactor float64 `yaml:"yarn_attn_factor" toml:"yarn_attn_factor"`
	YarnBetaFast   float64 `yaml:"yarn_beta_fast" toml:"yarn_beta_fast"`
	YarnBetaSlow   float64 `yaml:"yarn_beta_slow" toml:"yarn_beta_slow"`
	YarnOrigCtx    uint32  `yaml:"yarn_orig_ctx" toml:"yarn_orig_ctx"`

	// Memory and kernels.
	DefragThold float64 `yaml:"defrag_thold" toml:"defrag_thold"`
	FlashAttn   bool    `yaml:"flash_attn" toml:"flash_attn"`
	OffloadKQV  bool    `yaml:"offload_kqv" toml:"offload_kqv"`
	Embeddings  bool    `yaml:"embeddings" toml:"embeddings"`
}

// StreamConfig tunes fragment delivery between the decode worker and consumers.
type StreamConfig struct {
	Buffer        int    `yaml:"buffer" toml:"buffer"`
	RetryAttempts int    `yaml:"retry_attempts" toml:"retry_attempts"`
	RetryBackoff  string `yaml:"retry_backoff" toml:"retry_backoff"`
}

// CacheConfig configures the tokenization cache.
type CacheConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	TTL      string `yaml:"ttl" toml:"ttl"`
	Capacity int    `yaml:"capacity" toml:"capacity"`
}

// ServerConfig defines HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host" toml:"host"`
	Port int    `yaml:"port" toml:"port"`
}

// HistoryConfig configures the persistent generation journal.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Driver  string `yaml:"driver" toml:"driver"`
	Path    string `yaml:"path" toml:"path"`
}

const (
	defaultConfigFile = "edgellm.yaml"

	// DefaultMaxTokens is the token budget used when a call does not name one.
	DefaultMaxTokens = 256
)

// DefaultModel returns the model configuration defaults tuned for small edge devices.
func DefaultModel() ModelConfig {
	return ModelConfig{
		ContextSize:  2048,
		BatchSize:    512,
		UbatchSize:   512,
		Threads:      4,
		ThreadsBatch: 4,
		GPULayers:    0,
		Seed:         42,

		Temperature: 0.7,
		TopP:        0.9,
		TopK:        40,
		MinP:        0.0,
		TypicalP:    1.0,
		TfsZ:        1.0,
		TopA:        0.0,

		RepeatPenalty:    1.1,
		RepeatLastN:      64,
		FrequencyPenalty: 0.0,
		PresencePenalty:  0.0,

		Mirostat:    0,
		MirostatTau: 5.0,
		MirostatEta: 0.1,
		MirostatM:   100,

		RopeFreqBase:   0.0,
		RopeFreqScale:  0.0,
		YarnExtFactor:  -1.0,
		YarnAttnFactor: 1.0,
		YarnBetaFast:   32.0,
		YarnBetaSlow:   1.0,
		YarnOrigCtx:    0,

		DefragThold: 0.0,
	}
}

// Default returns a Config pre-populated with opinionated defaults for local SLMs.
func Default() Config {
	return Config{
		Runtime: RuntimeConfig{
			Backend:   "llamacpp",
			MaxTokens: DefaultMaxTokens,
		},
		Model: DefaultModel(),
		Stream: StreamConfig{
			Buffer:        64,
			RetryAttempts: 3,
			RetryBackoff:  "25ms",
		},
		Cache: CacheConfig{
			Enabled:  true,
			TTL:      "10m",
			Capacity: 256,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 42068,
		},
		History: HistoryConfig{
			Enabled: false,
			Driver:  "sqlite",
			Path:    "edgellm_history.db",
		},
	}
}

// Resolve loads configuration from file and environment variables.
func Resolve() (Config, error) {
	return ResolvePath(os.Getenv("APP_CONFIG"))
}

// ResolvePath is Resolve with an explicit config file. An empty path falls
// back to edgellm.yaml in the working directory when it exists.
func ResolvePath(path string) (Config, error) {
	cfg := Default()

	path = strings.TrimSpace(path)
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	} else if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("config file %q not found", path)
	}

	if path != "" {
		loaded, err := LoadFile(path, cfg)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFile decodes path on top of base. Keys absent from the file keep the
// value they have in base, so explicit zeros (temperature: 0) are honoured.
// Files ending in .toml are decoded as TOML, everything else as YAML.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return base, fmt.Errorf("failed to read config %q: %w", path, err)
	}

	cfg := base
	cfg.Runtime.Stop = append([]string(nil), base.Runtime.Stop...)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return base, fmt.Errorf("failed to parse config %q: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return base, fmt.Errorf("failed to parse config %q: %w", path, err)
		}
	}

	return cfg, nil
}

// Validate rejects configurations the decoder cannot run with.
func (c Config) Validate() error {
	if err := c.Model.Validate(); err != nil {
		return err
	}
	if c.Runtime.MaxTokens < 0 {
		return fmt.Errorf("config: runtime.max_tokens must be >= 0, got %d", c.Runtime.MaxTokens)
	}
	if c.Stream.Buffer < 0 {
		return fmt.Errorf("config: stream.buffer must be >= 0, got %d", c.Stream.Buffer)
	}
	switch strings.ToLower(c.History.Driver) {
	case "", "sqlite", "duckdb":
	default:
		return fmt.Errorf("config: unsupported history driver %q", c.History.Driver)
	}
	return nil
}

// Validate checks sizes and numeric knobs of a model configuration.
func (m ModelConfig) Validate() error {
	sizes := []struct {
		name string
		v    int
	}{
		{"context_size", m.ContextSize},
		{"batch_size", m.BatchSize},
		{"ubatch_size", m.UbatchSize},
		{"threads", m.Threads},
		{"threads_batch", m.ThreadsBatch},
		{"gpu_layers", m.GPULayers},
		{"top_k", m.TopK},
		{"repeat_last_n", m.RepeatLastN},
		{"mirostat_m", m.MirostatM},
	}
	for _, s := range sizes {
		if s.v < 0 {
			return fmt.Errorf("config: model.%s must be >= 0, got %d", s.name, s.v)
		}
	}

	floats := []struct {
		name string
		v    float64
	}{
		{"temperature", m.Temperature},
		{"top_p", m.TopP},
		{"min_p", m.MinP},
		{"typical_p", m.TypicalP},
		{"tfs_z", m.TfsZ},
		{"top_a", m.TopA},
		{"repeat_penalty", m.RepeatPenalty},
		{"frequency_penalty", m.FrequencyPenalty},
		{"presence_penalty", m.PresencePenalty},
		{"mirostat_tau", m.MirostatTau},
		{"mirostat_eta", m.MirostatEta},
		{"rope_freq_base", m.RopeFreqBase},
		{"rope_freq_scale", m.RopeFreqScale},
		{"yarn_ext_factor", m.YarnExtFactor},
		{"yarn_attn_factor", m.YarnAttnFactor},
		{"yarn_beta_fast", m.YarnBetaFast},
		{"yarn_beta_slow", m.YarnBetaSlow},
		{"defrag_thold", m.DefragThold},
	}
	for _, f := range floats {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return fmt.Errorf("config: model.%s must be finite", f.name)
		}
	}
	if m.Temperature < 0 {
		return fmt.Errorf("config: model.temperature must be >= 0, got %g", m.Temperature)
	}
	if m.Mirostat < 0 || m.Mirostat > 2 {
		return fmt.Errorf("config: model.mirostat must be 0, 1 or 2, got %d", m.Mirostat)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("APP_BACKEND")); v != "" {
		cfg.Runtime.Backend = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_LIB_PATH")); v != "" {
		cfg.Runtime.LibPath = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_MAX_TOKENS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Runtime.MaxTokens = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_STOP")); v != "" {
		cfg.Runtime.Stop = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("APP_MODEL_PATH")); v != "" {
		cfg.Model.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_CONTEXT_SIZE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Model.ContextSize = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_BATCH_SIZE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Model.BatchSize = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_THREADS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Model.Threads = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_GPU_LAYERS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Model.GPULayers = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_SEED")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Model.Seed = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_TEMPERATURE")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.Model.Temperature = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_TOP_K")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Model.TopK = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_TOP_P")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.Model.TopP = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_REPEAT_PENALTY")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.Model.RepeatPenalty = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_FLASH_ATTN")); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Model.FlashAttn = enabled
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_STREAM_BUFFER")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Stream.Buffer = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_CACHE_ENABLED")); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Cache.Enabled = enabled
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_SERVER_HOST")); v != "" {
		cfg.Server.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_SERVER_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Server.Port = port
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_HISTORY_ENABLED")); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.History.Enabled = enabled
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_HISTORY_DRIVER")); v != "" {
		cfg.History.Driver = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("APP_HISTORY_PATH")); v != "" {
		cfg.History.Path = v
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
