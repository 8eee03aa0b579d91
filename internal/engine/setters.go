package engine

import (
	"log"

	"EdgeLLM/internal/config"
)

// update applies fn to a copy of the model configuration under the engine
// lock and keeps it only if it validates. A generation in flight keeps the
// snapshot it started with.
func (e *Engine) update(name string, fn func(m *config.ModelConfig)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.cfg.Model
	fn(&m)
	if err := m.Validate(); err != nil {
		log.Printf("engine: %s rejected: %v", name, err)
		return err
	}
	e.cfg.Model = m
	return nil
}

// SetTemperature sets the sampling temperature; 0 samples greedily.
func (e *Engine) SetTemperature(v float64) error {
	return e.update("temperature", func(m *config.ModelConfig) { m.Temperature = v })
}

// SetTopP sets the nucleus threshold; 1 disables it.
func (e *Engine) SetTopP(v float64) error {
	return e.update("topP", func(m *config.ModelConfig) { m.TopP = v })
}

// SetTopK keeps the k best tokens; 0 disables it.
func (e *Engine) SetTopK(v int) error {
	return e.update("topK", func(m *config.ModelConfig) { m.TopK = v })
}

// SetMinP drops tokens below p times the best probability.
func (e *Engine) SetMinP(v float64) error {
	return e.update("minP", func(m *config.ModelConfig) { m.MinP = v })
}

// SetTypicalP sets the locally typical mass; 1 disables it.
func (e *Engine) SetTypicalP(v float64) error {
	return e.update("typicalP", func(m *config.ModelConfig) { m.TypicalP = v })
}

// SetTfsZ sets the tail-free threshold; 1 disables it.
func (e *Engine) SetTfsZ(v float64) error {
	return e.update("tfsZ", func(m *config.ModelConfig) { m.TfsZ = v })
}

// SetTopA sets the top-a factor; 0 disables it.
func (e *Engine) SetTopA(v float64) error {
	return e.update("topA", func(m *config.ModelConfig) { m.TopA = v })
}

// SetSeed fixes the sampler seed; a negative seed samples from the clock.
func (e *Engine) SetSeed(v int64) error {
	return e.update("seed", func(m *config.ModelConfig) { m.Seed = v })
}

// SetRepeatPenalty scales down recent tokens; 1 disables it.
func (e *Engine) SetRepeatPenalty(v float64) error {
	return e.update("repeatPenalty", func(m *config.ModelConfig) { m.RepeatPenalty = v })
}

// SetRepeatPenaltyLastN sets how many recent tokens the penalties look at.
// Zero disables every penalty.
func (e *Engine) SetRepeatPenaltyLastN(v int) error {
	return e.update("repeatPenaltyLastN", func(m *config.ModelConfig) { m.RepeatLastN = v })
}

// SetFrequencyPenalty subtracts v per previous occurrence of a token.
func (e *Engine) SetFrequencyPenalty(v float64) error {
	return e.update("frequencyPenalty", func(m *config.ModelConfig) { m.FrequencyPenalty = v })
}

// SetPresencePenalty subtracts v once from every token already seen.
func (e *Engine) SetPresencePenalty(v float64) error {
	return e.update("presencePenalty", func(m *config.ModelConfig) { m.PresencePenalty = v })
}

// SetMirostat selects the mirostat version: 0 off, 1 or 2.
func (e *Engine) SetMirostat(v int) error {
	return e.update("mirostat", func(m *config.ModelConfig) { m.Mirostat = v })
}

// SetMirostatTau sets mirostat's target surprise.
func (e *Engine) SetMirostatTau(v float64) error {
	return e.update("mirostatTau", func(m *config.ModelConfig) { m.MirostatTau = v })
}

// SetMirostatEta sets mirostat's learning rate.
func (e *Engine) SetMirostatEta(v float64) error {
	return e.update("mirostatEta", func(m *config.ModelConfig) { m.MirostatEta = v })
}

// SetMirostatM sets how many tokens mirostat v1 estimates from.
func (e *Engine) SetMirostatM(v int) error {
	return e.update("mirostatM", func(m *config.ModelConfig) { m.MirostatM = v })
}

// The RoPE, YaRN and memory setters shape the decode context and apply
// from the next generation's context.

// SetRopeFreqBase sets the RoPE base frequency; 0 uses the model's.
func (e *Engine) SetRopeFreqBase(v float64) error {
	return e.update("ropeFreqBase", func(m *config.ModelConfig) { m.RopeFreqBase = v })
}

// SetRopeFreqScale sets the RoPE frequency scale; 0 uses the model's.
func (e *Engine) SetRopeFreqScale(v float64) error {
	return e.update("ropeFreqScale", func(m *config.ModelConfig) { m.RopeFreqScale = v })
}

// SetYarnExtFactor sets the YaRN extrapolation mix; negative uses the model's.
func (e *Engine) SetYarnExtFactor(v float64) error {
	return e.update("yarnExtFactor", func(m *config.ModelConfig) { m.YarnExtFactor = v })
}

// SetYarnAttnFactor sets the YaRN magnitude scale.
func (e *Engine) SetYarnAttnFactor(v float64) error {
	return e.update("yarnAttnFactor", func(m *config.ModelConfig) { m.YarnAttnFactor = v })
}

// SetYarnBetaFast sets the YaRN low correction dimension.
func (e *Engine) SetYarnBetaFast(v float64) error {
	return e.update("yarnBetaFast", func(m *config.ModelConfig) { m.YarnBetaFast = v })
}

// SetYarnBetaSlow sets the YaRN high correction dimension.
func (e *Engine) SetYarnBetaSlow(v float64) error {
	return e.update("yarnBetaSlow", func(m *config.ModelConfig) { m.YarnBetaSlow = v })
}

// SetYarnOrigCtx sets the YaRN original context size; 0 uses the model's.
func (e *Engine) SetYarnOrigCtx(v uint32) error {
	return e.update("yarnOrigCtx", func(m *config.ModelConfig) { m.YarnOrigCtx = v })
}

// SetDefragThold sets the KV cache defragmentation threshold.
func (e *Engine) SetDefragThold(v float64) error {
	return e.update("defragThold", func(m *config.ModelConfig) { m.DefragThold = v })
}

// SetFlashAttn toggles flash attention.
func (e *Engine) SetFlashAttn(v bool) error {
	return e.update("flashAttn", func(m *config.ModelConfig) { m.FlashAttn = v })
}

// SetOffloadKqv toggles offloading K, Q and V to the GPU.
func (e *Engine) SetOffloadKqv(v bool) error {
	return e.update("offloadKqv", func(m *config.ModelConfig) { m.OffloadKQV = v })
}

// SetEmbeddings toggles embedding output on the decode context.
func (e *Engine) SetEmbeddings(v bool) error {
	return e.update("embeddings", func(m *config.ModelConfig) { m.Embeddings = v })
}

// SetThreadsBatch sets the threads used for prompt batches.
func (e *Engine) SetThreadsBatch(v int) error {
	return e.update("threadsBatch", func(m *config.ModelConfig) { m.ThreadsBatch = v })
}

// SetUbatchSize sets the physical batch size.
func (e *Engine) SetUbatchSize(v int) error {
	return e.update("ubatchSize", func(m *config.ModelConfig) { m.UbatchSize = v })
}
