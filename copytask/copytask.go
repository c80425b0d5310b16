// Package copytask generates sequences for the copy task: a block of random
// bit vectors, framed by start and end delimiters, that must be reproduced
// after the end delimiter.
package copytask

import (
	"math/rand"
)

// InputSize returns the width of an input vector: the data bits plus two delimiter channels.
func InputSize(vectorSize int) int {
	return vectorSize + 2
}

// SeqLen returns the number of timesteps of a copy sequence of size vectors.
func SeqLen(size int) int {
	return size*2 + 2
}

// GenBatch draws batch copy sequences of size vectors of vectorSize bits.
// The input is time-major [SeqLen(size), batch, InputSize(vectorSize)];
// the output is time-major [SeqLen(size), batch, vectorSize].
func GenBatch(r *rand.Rand, size, vectorSize, batch int) (input, output []float64) {
	seqLen := SeqLen(size)
	in := InputSize(vectorSize)
	input = make([]float64, seqLen*batch*in)
	output = make([]float64, seqLen*batch*vectorSize)
	for b := 0; b < batch; b++ {
		x, y := genSeq(r, size, vectorSize)
		for t := 0; t < seqLen; t++ {
			copy(input[(t*batch+b)*in:], x[t])
			copy(output[(t*batch+b)*vectorSize:], y[t])
		}
	}
	return input, output
}

func genSeq(r *rand.Rand, size, vectorSize int) ([][]float64, [][]float64) {
	data := make([][]float64, size)
	for i := 0; i < len(data); i++ {
		data[i] = make([]float64, vectorSize)
		for j := 0; j < len(data[i]); j++ {
			data[i][j] = float64(r.Intn(2))
		}
	}

	input := make([][]float64, SeqLen(size))
	for i := 0; i < len(input); i++ {
		input[i] = make([]float64, InputSize(vectorSize))
		if i == 0 {
			input[i][vectorSize] = 1
		} else if i <= size {
			copy(input[i], data[i-1])
		} else if i == size+1 {
			input[i][vectorSize+1] = 1
		}
	}

	output := make([][]float64, SeqLen(size))
	for i := 0; i < len(output); i++ {
		output[i] = make([]float64, vectorSize)
		if i >= size+2 {
			copy(output[i], data[i-(size+2)])
		}
	}

	return input, output
}
