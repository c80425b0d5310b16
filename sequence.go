package zoneout

import (
	"bytes"
	"fmt"
)

// SliceSequence splits a time-major [seqLen, batch, width] buffer into
// seqLen tensors of shape [batch, width].
func SliceSequence(data []float64, seqLen, batch, width int) ([]*Tensor, error) {
	if seqLen <= 0 || batch <= 0 || width <= 0 {
		return nil, fmt.Errorf("%w: sequence shape [%d, %d, %d]", ErrShapeMismatch, seqLen, batch, width)
	}
	step := batch * width
	if len(data) != seqLen*step {
		return nil, fmt.Errorf("%w: %d values for a [%d, %d, %d] sequence", ErrShapeMismatch, len(data), seqLen, batch, width)
	}
	seq := make([]*Tensor, seqLen)
	for t := range seq {
		seq[t] = NewTensorFrom(batch, width, data[t*step:(t+1)*step])
	}
	return seq, nil
}

// Sprint2 formats a sequence of vectors, one timestep per line.
func Sprint2(t [][]float64) string {
	var buf bytes.Buffer
	buf.WriteString("[")
	for i, v := range t {
		if i > 0 {
			buf.WriteString("\n ")
		}
		buf.WriteString("[")
		for j, x := range v {
			if j > 0 {
				buf.WriteString(" ")
			}
			fmt.Fprintf(&buf, "%.3f", x)
		}
		buf.WriteString("]")
	}
	buf.WriteString("]")
	return buf.String()
}
