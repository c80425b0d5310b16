package zoneout

import (
	"bytes"
	"fmt"

	"github.com/gonum/blas/blas64"
)

// A Tensor is a row-major [Rows, Cols] matrix of values, together with the
// gradients accumulated on those values during a backward pass.
// For batched state, Rows indexes the batch and Cols the units.
type Tensor struct {
	Rows int
	Cols int
	Val  []float64
	Grad []float64
}

func NewTensor(rows, cols int) *Tensor {
	return &Tensor{
		Rows: rows,
		Cols: cols,
		Val:  make([]float64, rows*cols),
		Grad: make([]float64, rows*cols),
	}
}

// NewTensorFrom creates a tensor holding a copy of val.
func NewTensorFrom(rows, cols int, val []float64) *Tensor {
	if len(val) != rows*cols {
		panic(fmt.Sprintf("zoneout: %d values for a [%d, %d] tensor", len(val), rows, cols))
	}
	t := NewTensor(rows, cols)
	copy(t.Val, val)
	return t
}

func (t *Tensor) Row(i int) []float64 {
	return t.Val[i*t.Cols : (i+1)*t.Cols]
}

func (t *Tensor) GradRow(i int) []float64 {
	return t.Grad[i*t.Cols : (i+1)*t.Cols]
}

func (t *Tensor) ClearGrad() {
	for i := range t.Grad {
		t.Grad[i] = 0
	}
}

func (t *Tensor) sameShape(u *Tensor) bool {
	return t.Rows == u.Rows && t.Cols == u.Cols
}

func (t *Tensor) vals() blas64.General {
	return blas64.General{Rows: t.Rows, Cols: t.Cols, Stride: t.Cols, Data: t.Val}
}

func (t *Tensor) grads() blas64.General {
	return blas64.General{Rows: t.Rows, Cols: t.Cols, Stride: t.Cols, Data: t.Grad}
}

func (t *Tensor) String() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "[%d, %d]", t.Rows, t.Cols)
	for i := 0; i < t.Rows; i++ {
		buf.WriteString(" [")
		for j, v := range t.Row(i) {
			if j > 0 {
				buf.WriteByte(' ')
			}
			fmt.Fprintf(&buf, "%.3g", v)
		}
		buf.WriteByte(']')
	}
	return buf.String()
}

// A State is the carried memory of one layer: cell state C and hidden state H,
// both [batch, numHidden].
type State struct {
	C *Tensor
	H *Tensor
}

func NewState(batch, numHidden int) State {
	return State{C: NewTensor(batch, numHidden), H: NewTensor(batch, numHidden)}
}

// ZeroStates returns one zeroed State per layer.
func ZeroStates(numLayers, batch, numHidden int) []State {
	s := make([]State, numLayers)
	for i := range s {
		s[i] = NewState(batch, numHidden)
	}
	return s
}

// CopyStates returns states with fresh tensors holding the same values and no gradients.
// It is used to chain unrolls without sharing gradient buffers across them.
func CopyStates(states []State) []State {
	s := make([]State, len(states))
	for i, st := range states {
		s[i] = State{
			C: NewTensorFrom(st.C.Rows, st.C.Cols, st.C.Val),
			H: NewTensorFrom(st.H.Rows, st.H.Cols, st.H.Val),
		}
	}
	return s
}
