package sampler

import (
	"cmp"
	"math"
	"slices"
)

var negInf = float32(math.Inf(-1))

// Every stage edits logits in place and is a no-op at its neutral value.
// Filters that need probabilities compute them from the current logits and
// mask discarded tokens to -Inf; they always keep at least one token.

// RepeatPenalty divides positive (multiplies negative) logits of tokens
// present in recent. penalty 1 (or <= 0) disables it.
func RepeatPenalty(logits []float32, recent []int32, penalty float64) {
	if penalty == 1 || penalty <= 0 || len(recent) == 0 {
		return
	}
	seen := make(map[int32]struct{}, len(recent))
	for _, tok := range recent {
		if tok < 0 || int(tok) >= len(logits) {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		if logits[tok] > 0 {
			logits[tok] /= float32(penalty)
		} else {
			logits[tok] *= float32(penalty)
		}
	}
}

// FrequencyPresence subtracts count*frequency + presence from every token
// that occurs in recent. Both zero disables it.
func FrequencyPresence(logits []float32, recent []int32, frequency, presence float64) {
	if (frequency == 0 && presence == 0) || len(recent) == 0 {
		return
	}
	counts := make(map[int32]int, len(recent))
	for _, tok := range recent {
		if tok >= 0 && int(tok) < len(logits) {
			counts[tok]++
		}
	}
	for tok, n := range counts {
		logits[tok] -= float32(float64(n)*frequency + presence)
	}
}

// Temperature divides every logit by t. Non-positive t is never divided by.
func Temperature(logits []float32, t float64) {
	if t <= 0 || t == 1 {
		return
	}
	inv := float32(1 / t)
	for i := range logits {
		logits[i] *= inv
	}
}

// TopK keeps the k largest logits and forces the rest to -Inf. Ties go to
// the lower index. k <= 0 or k >= len(logits) disables it.
func TopK(logits []float32, k int) {
	if k <= 0 || k >= len(logits) {
		return
	}
	idx := make([]int, len(logits))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		return cmp.Compare(logits[b], logits[a])
	})
	for _, i := range idx[k:] {
		logits[i] = negInf
	}
}

// TopA drops tokens whose probability is below a * pmax^2.
func TopA(logits []float32, a float64) {
	if a <= 0 {
		return
	}
	cands := candidates(logits)
	if len(cands) == 0 {
		return
	}
	threshold := a * cands[0].p * cands[0].p
	keep := 1
	for keep < len(cands) && cands[keep].p >= threshold {
		keep++
	}
	keepOnly(logits, cands[:keep])
}

// TailFree drops the tail of the sorted distribution once the normalised
// second derivative mass exceeds z. z >= 1 disables it.
func TailFree(logits []float32, z float64) {
	if z >= 1 || z <= 0 {
		return
	}
	cands := candidates(logits)
	if len(cands) <= 2 {
		return
	}

	d1 := make([]float64, len(cands)-1)
	for i := range d1 {
		d1[i] = cands[i].p - cands[i+1].p
	}
	d2 := make([]float64, len(d1)-1)
	var sum float64
	for i := range d2 {
		d2[i] = math.Abs(d1[i] - d1[i+1])
		sum += d2[i]
	}
	if sum > 0 {
		for i := range d2 {
			d2[i] /= sum
		}
	}

	keep := len(cands)
	var cum float64
	for i := range d2 {
		cum += d2[i]
		if cum > z && i >= 1 {
			keep = i
			break
		}
	}
	keepOnly(logits, cands[:keep])
}

// Typical keeps the tokens whose surprise is closest to the distribution's
// entropy until their mass reaches p. p >= 1 disables it.
func Typical(logits []float32, p float64) {
	if p >= 1 || p <= 0 {
		return
	}
	cands := candidates(logits)
	if len(cands) <= 1 {
		return
	}

	var entropy float64
	for _, c := range cands {
		if c.p > 0 {
			entropy -= c.p * math.Log(c.p)
		}
	}
	shift := make([]float64, len(logits))
	for _, c := range cands {
		shift[c.id] = math.Abs(-math.Log(c.p) - entropy)
	}
	slices.SortStableFunc(cands, func(a, b candidate) int {
		return cmp.Compare(shift[a.id], shift[b.id])
	})

	keep := len(cands)
	var cum float64
	for i, c := range cands {
		cum += c.p
		if cum > p {
			keep = i + 1
			break
		}
	}
	keepOnly(logits, cands[:keep])
}

// TopP keeps the smallest prefix of the sorted distribution whose mass
// reaches p. p >= 1 disables it.
func TopP(logits []float32, p float64) {
	if p >= 1 || p <= 0 {
		return
	}
	cands := candidates(logits)
	keep := len(cands)
	var cum float64
	for i, c := range cands {
		cum += c.p
		if cum >= p {
			keep = i + 1
			break
		}
	}
	keepOnly(logits, cands[:keep])
}

// MinP drops tokens whose probability is below p times the top probability.
func MinP(logits []float32, p float64) {
	if p <= 0 {
		return
	}
	cands := candidates(logits)
	if len(cands) == 0 {
		return
	}
	threshold := p * cands[0].p
	keep := 1
	for keep < len(cands) && cands[keep].p >= threshold {
		keep++
	}
	keepOnly(logits, cands[:keep])
}

// Softmax converts logits to probabilities, subtracting the maximum before
// exponentiating. Masked (-Inf) entries get exactly zero. A vector with no
// finite entry yields all zeros.
func Softmax(logits []float32) []float64 {
	probs := make([]float64, len(logits))
	maxv := math.Inf(-1)
	for _, l := range logits {
		if v := float64(l); v > maxv && !math.IsInf(v, 1) && !math.IsNaN(v) {
			maxv = v
		}
	}
	if math.IsInf(maxv, -1) {
		return probs
	}
	var sum float64
	for i, l := range logits {
		v := float64(l)
		if math.IsInf(v, -1) || math.IsNaN(v) {
			continue
		}
		probs[i] = math.Exp(v - maxv)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// Draw performs inverse-CDF selection over index order: the first token
// with positive probability whose cumulative mass reaches r. It returns -1
// when rounding leaves r unreached.
func Draw(probs []float64, r float64) int {
	var cum float64
	for i, p := range probs {
		if p <= 0 {
			continue
		}
		cum += p
		if cum >= r {
			return i
		}
	}
	return -1
}

// Argmax returns the index of the largest logit, lowest index on ties.
func Argmax(logits []float32) int {
	best := 0
	for i := 1; i < len(logits); i++ {
		if logits[i] > logits[best] {
			best = i
		}
	}
	return best
}

type candidate struct {
	id int
	p  float64
}

// candidates returns the unmasked tokens sorted by probability, highest
// first, lowest index on ties.
func candidates(logits []float32) []candidate {
	probs := Softmax(logits)
	out := make([]candidate, 0, len(probs))
	for i, p := range probs {
		if p > 0 {
			out = append(out, candidate{id: i, p: p})
		}
	}
	slices.SortStableFunc(out, func(a, b candidate) int {
		return cmp.Compare(b.p, a.p)
	})
	return out
}

func keepOnly(logits []float32, keep []candidate) {
	if len(keep) == 0 {
		return
	}
	mask := make([]bool, len(logits))
	for _, c := range keep {
		mask[c.id] = true
	}
	for i := range logits {
		if !mask[i] {
			logits[i] = negInf
		}
	}
}
