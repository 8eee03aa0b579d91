package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ApplyOptions overlays a camelCase option bag (the shape host applications
// send, e.g. {"modelPath": "...", "topK": 20}) onto m. Unrecognised keys are
// ignored and keys that are absent keep their current value. Every key is
// attempted and all conversion failures are reported together. A key that
// fails may leave its field zeroed, so on error m is partially updated and
// callers should apply options to a copy and discard it.
func ApplyOptions(m *ModelConfig, opts map[string]any) error {
	var bad []string
	for key, raw := range opts {
		if err := applyOption(m, key, raw); err != nil {
			bad = append(bad, err.Error())
		}
	}
	if len(bad) > 0 {
		return fmt.Errorf("config: invalid options: %s", strings.Join(bad, "; "))
	}
	return nil
}

func applyOption(m *ModelConfig, key string, raw any) error {
	var err error
	switch key {
	case "modelPath":
		m.Path, err = asString(raw)
	case "contextSize":
		m.ContextSize, err = asInt(raw)
	case "batchSize":
		m.BatchSize, err = asInt(raw)
	case "ubatchSize":
		m.UbatchSize, err = asInt(raw)
	case "threads":
		m.Threads, err = asInt(raw)
	case "threadsBatch":
		m.ThreadsBatch, err = asInt(raw)
	case "gpuLayers":
		m.GPULayers, err = asInt(raw)
	case "seed":
		var n int
		n, err = asInt(raw)
		m.Seed = int64(n)
	case "temperature":
		m.Temperature, err = asFloat(raw)
	case "topP":
		m.TopP, err = asFloat(raw)
	case "topK":
		m.TopK, err = asInt(raw)
	case "minP":
		m.MinP, err = asFloat(raw)
	case "typicalP":
		m.TypicalP, err = asFloat(raw)
	case "tfsZ":
		m.TfsZ, err = asFloat(raw)
	case "topA":
		m.TopA, err = asFloat(raw)
	case "repeatPenalty":
		m.RepeatPenalty, err = asFloat(raw)
	case "repeatPenaltyLastN":
		m.RepeatLastN, err = asInt(raw)
	case "frequencyPenalty":
		m.FrequencyPenalty, err = asFloat(raw)
	case "presencePenalty":
		m.PresencePenalty, err = asFloat(raw)
	case "mirostat":
		m.Mirostat, err = asInt(raw)
	case "mirostatTau":
		m.MirostatTau, err = asFloat(raw)
	case "mirostatEta":
		m.MirostatEta, err = asFloat(raw)
	case "mirostatM":
		m.MirostatM, err = asInt(raw)
	case "ropeFreqBase":
		m.RopeFreqBase, err = asFloat(raw)
	case "ropeFreqScale":
		m.RopeFreqScale, err = asFloat(raw)
	case "yarnExtFactor":
		m.YarnExtFactor, err = asFloat(raw)
	case "yarnAttnFactor":
		m.YarnAttnFactor, err = asFloat(raw)
	case "yarnBetaFast":
		m.YarnBetaFast, err = asFloat(raw)
	case "yarnBetaSlow":
		m.YarnBetaSlow, err = asFloat(raw)
	case "yarnOrigCtx":
		var n int
		n, err = asInt(raw)
		if err == nil && n < 0 {
			err = fmt.Errorf("must be >= 0")
		}
		m.YarnOrigCtx = uint32(n)
	case "defragThold":
		m.DefragThold, err = asFloat(raw)
	case "flashAttn":
		m.FlashAttn, err = asBool(raw)
	case "offloadKqv":
		m.OffloadKQV, err = asBool(raw)
	case "embeddings":
		m.Embeddings, err = asBool(raw)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %v", key, err)
	}
	return nil
}

func asString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case fmt.Stringer:
		return t.String(), nil
	}
	return "", fmt.Errorf("expected string, got %T", v)
}

func asFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint32:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(t), 64)
	}
	return 0, fmt.Errorf("expected number, got %T", v)
}

func asInt(v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int32:
		return int(t), nil
	case int64:
		return int(t), nil
	case uint32:
		return int(t), nil
	case uint64:
		return int(t), nil
	case float64:
		return int(t), nil
	case float32:
		return int(t), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(t))
	}
	return 0, fmt.Errorf("expected integer, got %T", v)
}

func asBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(t))
	case float64:
		return t != 0, nil
	case int:
		return t != 0, nil
	}
	return false, fmt.Errorf("expected bool, got %T", v)
}
