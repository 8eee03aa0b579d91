package generation

import (
	"time"

	"EdgeLLM/internal/sampler"
)

// Finish records why a generation ended.
type Finish string

const (
	FinishEOS       Finish = "eos"
	FinishLength    Finish = "length"
	FinishStop      Finish = "stop"
	FinishCancelled Finish = "cancelled"
	FinishError     Finish = "error"
)

// Text is the human-readable reason.
func (f Finish) Text() string {
	switch f {
	case FinishEOS:
		return "end of sequence"
	case FinishLength:
		return "max tokens reached"
	case FinishStop:
		return "stop sequence"
	case FinishCancelled:
		return "cancelled"
	case FinishError:
		return "error"
	default:
		return string(f)
	}
}

// Metrics is the terminal record of one generation.
type Metrics struct {
	ID                 string         `json:"id"`
	InputTokens        int            `json:"input_tokens"`
	OutputTokens       int            `json:"output_tokens"`
	Elapsed            time.Duration  `json:"elapsed_ns"`
	TTFT               time.Duration  `json:"ttft_ns"`
	TokensPerSecond    float64        `json:"tokens_per_second"`
	ContextSize        int            `json:"context_size"`
	ContextUtilization float64        `json:"context_utilization"`
	Params             sampler.Params `json:"params"`
	Finish             Finish         `json:"finish"`
}

// Map renders the record as flat key/value pairs.
func (m Metrics) Map() map[string]any {
	return map[string]any{
		"id":                  m.ID,
		"input_tokens":        m.InputTokens,
		"output_tokens":       m.OutputTokens,
		"elapsed_ms":          float64(m.Elapsed.Microseconds()) / 1000,
		"ttft_ms":             float64(m.TTFT.Microseconds()) / 1000,
		"tokens_per_second":   m.TokensPerSecond,
		"context_size":        m.ContextSize,
		"context_utilization": m.ContextUtilization,
		"temperature":         m.Params.Temperature,
		"top_k":               m.Params.TopK,
		"top_p":               m.Params.TopP,
		"repeat_penalty":      m.Params.RepeatPenalty,
		"finish":              string(m.Finish),
		"finish_reason":       m.Finish.Text(),
	}
}

func (m *Metrics) finalise(start time.Time) {
	m.Elapsed = time.Since(start)
	if secs := m.Elapsed.Seconds(); secs > 0 {
		m.TokensPerSecond = float64(m.OutputTokens) / secs
	}
	if m.ContextSize > 0 {
		m.ContextUtilization = float64(m.InputTokens+m.OutputTokens) / float64(m.ContextSize)
	}
}

// Result is the outcome of a finished generation.
type Result struct {
	Text    string
	Metrics Metrics
}
