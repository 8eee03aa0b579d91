// Package sampler picks the next token from a logit vector.
//
// The pipeline runs, in order: repeat penalty, frequency/presence penalty,
// temperature, top-a, tail-free, typical, top-p, min-p, top-k, mirostat
// truncation, softmax and an inverse-CDF draw. Temperature 0 selects the
// arg-max of the adjusted logits instead of drawing.
package sampler

import (
	"math"
	"math/rand/v2"
	"time"

	"EdgeLLM/internal/config"
)

// Params are the sampling knobs read from the model configuration.
type Params struct {
	Temperature float64 `json:"temperature"`
	TopK        int     `json:"top_k"`
	TopP        float64 `json:"top_p"`
	MinP        float64 `json:"min_p"`
	TypicalP    float64 `json:"typical_p"`
	TfsZ        float64 `json:"tfs_z"`
	TopA        float64 `json:"top_a"`

	RepeatPenalty    float64 `json:"repeat_penalty"`
	RepeatLastN      int     `json:"repeat_last_n"`
	FrequencyPenalty float64 `json:"frequency_penalty"`
	PresencePenalty  float64 `json:"presence_penalty"`

	Mirostat    int     `json:"mirostat"`
	MirostatTau float64 `json:"mirostat_tau"`
	MirostatEta float64 `json:"mirostat_eta"`
	MirostatM   int     `json:"mirostat_m"`

	Seed int64 `json:"seed"`
}

// ParamsFrom copies the sampling fields of m.
func ParamsFrom(m config.ModelConfig) Params {
	return Params{
		Temperature:      m.Temperature,
		TopK:             m.TopK,
		TopP:             m.TopP,
		MinP:             m.MinP,
		TypicalP:         m.TypicalP,
		TfsZ:             m.TfsZ,
		TopA:             m.TopA,
		RepeatPenalty:    m.RepeatPenalty,
		RepeatLastN:      m.RepeatLastN,
		FrequencyPenalty: m.FrequencyPenalty,
		PresencePenalty:  m.PresencePenalty,
		Mirostat:         m.Mirostat,
		MirostatTau:      m.MirostatTau,
		MirostatEta:      m.MirostatEta,
		MirostatM:        m.MirostatM,
		Seed:             m.Seed,
	}
}

// Neutral returns parameters under which every optional stage is a no-op:
// plain softmax sampling at temperature 1.
func Neutral() Params {
	return Params{Temperature: 1, TopP: 1, TypicalP: 1, TfsZ: 1, RepeatPenalty: 1, MirostatTau: 5, MirostatEta: 0.1, MirostatM: 100}
}

// Sampler holds the per-generation state: PRNG, recent-token window and
// mirostat's running surprise target. It is not safe for concurrent use.
type Sampler struct {
	params Params
	rng    *rand.Rand
	window *Window
	mu     float64
}

// New builds a sampler ready for a fresh generation.
func New(p Params) *Sampler {
	s := &Sampler{params: p, window: NewWindow(WindowSize)}
	s.Reset()
	return s
}

// Reset clears the window, re-seeds the PRNG and restarts mirostat.
// A non-negative seed makes every generation reproducible.
func (s *Sampler) Reset() {
	seed := uint64(s.params.Seed)
	if s.params.Seed < 0 {
		seed = uint64(time.Now().UnixNano())
	}
	s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	s.window.Reset()
	s.mu = 2 * s.params.MirostatTau
}

// Params returns the parameters the sampler was built with.
func (s *Sampler) Params() Params { return s.params }

// Window exposes the recent-token window.
func (s *Sampler) Window() *Window { return s.window }

// Sample selects the next token. logits is not modified.
func (s *Sampler) Sample(logits []float32) int32 {
	p := s.params
	work := append([]float32(nil), logits...)

	var recent []int32
	if p.RepeatLastN > 0 {
		recent = s.window.Last(p.RepeatLastN)
	}
	RepeatPenalty(work, recent, p.RepeatPenalty)
	FrequencyPresence(work, recent, p.FrequencyPenalty, p.PresencePenalty)

	greedy := p.Temperature <= 0
	if !greedy {
		Temperature(work, p.Temperature)
	}

	TopA(work, p.TopA)
	TailFree(work, p.TfsZ)
	Typical(work, p.TypicalP)
	TopP(work, p.TopP)
	MinP(work, p.MinP)
	TopK(work, p.TopK)

	var tok int
	if greedy {
		tok = Argmax(work)
	} else {
		switch p.Mirostat {
		case 1:
			s.mirostatV1(work)
		case 2:
			s.mirostatV2(work)
		}
		probs := Softmax(work)
		tok = Draw(probs, s.rng.Float64())
		if tok < 0 {
			tok = Argmax(work)
		}
		if p.Mirostat != 0 && probs[tok] > 0 {
			s.mu -= p.MirostatEta * (-math.Log2(probs[tok]) - p.MirostatTau)
		}
	}

	s.window.Push(int32(tok))
	return int32(tok)
}

// mirostatV2 drops tokens whose surprise exceeds the running target mu.
func (s *Sampler) mirostatV2(logits []float32) {
	cands := candidates(logits)
	keep := 1
	for keep < len(cands) && -math.Log2(cands[keep].p) <= s.mu {
		keep++
	}
	keepOnly(logits, cands[:keep])
}

// mirostatV1 estimates the Zipf exponent from the top m tokens and turns
// mu into a top-k cut.
func (s *Sampler) mirostatV1(logits []float32) {
	cands := candidates(logits)
	if len(cands) < 2 {
		return
	}
	m := s.params.MirostatM
	if m <= 1 || m > len(cands) {
		m = len(cands)
	}

	var sumTB, sumT2 float64
	for i := 0; i < m-1; i++ {
		t := math.Log(float64(i+2) / float64(i+1))
		b := math.Log(cands[i].p / cands[i+1].p)
		sumTB += t * b
		sumT2 += t * t
	}
	if sumT2 == 0 {
		return
	}
	sHat := sumTB / sumT2
	eps := sHat - 1
	if eps <= 0 || sHat <= 0 {
		return
	}
	n := float64(len(logits))
	k := math.Pow(eps*math.Pow(2, s.mu)/(1-math.Pow(n, -eps)), 1/sHat)
	if math.IsNaN(k) || math.IsInf(k, 0) {
		return
	}
	kk := int(math.Round(k))
	if kk < 1 {
		kk = 1
	}
	keepOnly(logits, cands[:min(kk, len(cands))])
}
