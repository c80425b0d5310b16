// Package ngram generates binary sequences drawn from a random n-gram model.
package ngram

import (
	"math"
	"math/rand"
)

// GenProb generates a probability lookup table for an n-gram model:
// entry i is the probability that the bit following context i is 1.
func GenProb(r *rand.Rand, n int) []float64 {
	probs := make([]float64, 1<<uint(n))
	for i := range probs {
		probs[i] = beta(r)
	}
	return probs
}

// Order returns n for a table built by GenProb.
func Order(prob []float64) int {
	return int(math.Log2(float64(len(prob))))
}

// GenBatch draws batch independent sequences of seqLen bits.
// The input is time-major [seqLen, batch, 1]; target[t*batch+b] is the bit
// following input step t of sequence b.
func GenBatch(r *rand.Rand, prob []float64, seqLen, batch int) (input, target []float64) {
	input = make([]float64, seqLen*batch)
	target = make([]float64, seqLen*batch)
	for b := 0; b < batch; b++ {
		bits := genSeq(r, prob, seqLen+1)
		for t := 0; t < seqLen; t++ {
			input[t*batch+b] = bits[t]
			target[t*batch+b] = bits[t+1]
		}
	}
	return input, target
}

func genSeq(r *rand.Rand, prob []float64, size int) []float64 {
	n := Order(prob)
	bits := make([]float64, size)
	for i := 0; i < n && i < size; i++ {
		bits[i] = float64(r.Intn(2))
	}
	for i := n; i < size; i++ {
		if r.Float64() < prob[Binarize(bits[i-n:i])] {
			bits[i] = 1
		}
	}
	return bits
}

// Binarize returns the table index of a context, least significant bit first.
func Binarize(bits []float64) int {
	idx := 0
	for i, a := range bits {
		idx += int(a) * (1 << uint(i))
	}
	return idx
}

// beta generates a random number from the Beta(1/2, 1/2) distribution.
func beta(r *rand.Rand) float64 {
	x := gamma(r)
	y := gamma(r)
	return x / (x + y)
}

// gamma generates a random number from the Gamma(1/2, 1) distribution.
func gamma(r *rand.Rand) float64 {
	n := r.NormFloat64()
	return 0.5 * n * n
}
