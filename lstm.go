package zoneout

import (
	"fmt"
	"time"

	"github.com/fumin/zoneout/internal/logger"
	"github.com/fumin/zoneout/internal/metrics"
)

// A layerStep is one layer at one timestep.
type layerStep struct {
	gate    *GateBlock
	cell    *CellUpdate
	zoneout *ZoneoutCellUpdate
}

func (l *layerStep) backward() {
	l.zoneout.Backward()
	l.cell.Backward()
	l.gate.Backward()
}

// LayerStack runs every layer of the stack for one timestep.
// Layer 0 reads X; layer i > 0 reads the new hidden state of layer i-1.
type LayerStack struct {
	X      *Tensor
	Prev   []State
	States []State // new state of every layer
	Top    *Tensor // hidden state of the last layer

	layers []*layerStep
}

// NewLayerStack computes one timestep. rates holds the input dropout rate of each layer.
// prev is not modified; the returned LayerStack holds a fresh state list.
func NewLayerStack(x *Tensor, prev []State, params *Params, rates []float64, c Config, masks MaskSource) *LayerStack {
	s := LayerStack{
		X:      x,
		Prev:   prev,
		States: make([]State, len(prev)),
		layers: make([]*layerStep, len(prev)),
	}
	hidden := x
	for i, p := range params.Layers {
		gate := NewGateBlock(hidden, prev[i].H, p, rates[i], masks, c.Train)
		cell := NewCellUpdate(gate, prev[i])
		zoneout := NewZoneoutCellUpdate(cell, c.CZoneout, c.HZoneout, masks, c.Train)
		s.layers[i] = &layerStep{gate: gate, cell: cell, zoneout: zoneout}
		s.States[i] = zoneout.Top
		hidden = zoneout.Top.H
	}
	s.Top = hidden
	return &s
}

// Backward runs the layers top down, so that gradients from the layer above
// reach a hidden state before its own layer propagates them.
func (s *LayerStack) Backward() {
	for i := len(s.layers) - 1; i >= 0; i-- {
		s.layers[i].backward()
	}
}

// Unrolled is a stacked zoneout LSTM expanded over a whole sequence.
type Unrolled struct {
	Config  Config
	Params  *Params
	Inputs  []*Tensor
	Init    []State
	Steps   []*LayerStack
	Outputs []*Tensor // top layer hidden state after output dropout, one per timestep

	// LastStates is the state of every layer after the last timestep.
	// Passing it, through CopyStates, as the initial state of the next unroll
	// continues the sequence.
	LastStates []State

	outDrops []*Dropout
}

// Unroll runs the stacked LSTM over seq, one [batch, InputSize] tensor per timestep.
// init holds one initial State per layer, or nil for zero states.
// masks may be nil when c disables every stochastic path.
func Unroll(c Config, params *Params, seq []*Tensor, init []State, masks MaskSource) (*Unrolled, error) {
	start := time.Now()
	if err := c.Validate(); err != nil {
		metrics.RecordValidationError("unroll", "invalid_config")
		return nil, err
	}
	if err := checkShapes(c, params, seq, init); err != nil {
		metrics.RecordValidationError("unroll", "shape_mismatch")
		return nil, err
	}
	if masks == nil && c.stochastic() {
		metrics.RecordValidationError("unroll", "missing_masks")
		return nil, fmt.Errorf("%w: training with dropout or zoneout needs a mask source", ErrInvalidConfig)
	}
	batch := seq[0].Rows
	if init == nil {
		init = ZeroStates(c.NumLayers, batch, c.NumHidden)
	}

	u := Unrolled{
		Config:   c,
		Params:   params,
		Inputs:   seq,
		Init:     init,
		Steps:    make([]*LayerStack, c.SeqLen),
		Outputs:  make([]*Tensor, c.SeqLen),
		outDrops: make([]*Dropout, c.SeqLen),
	}
	rates := c.dropoutRates()
	states := init
	for t := 0; t < c.SeqLen; t++ {
		step := NewLayerStack(seq[t], states, params, rates, c, masks)
		states = step.States
		drop := NewDropout(step.Top, c.Dropout, masks, c.Train)
		metrics.RecordDropout("output", drop.Dropped())
		u.Steps[t] = step
		u.outDrops[t] = drop
		u.Outputs[t] = drop.Top
	}
	u.LastStates = states

	u.checkFinite()
	metrics.RecordUnroll(c.SeqLen, time.Since(start))
	logger.Log.Debug("unrolled sequence",
		"seq_len", c.SeqLen, "layers", c.NumLayers, "batch", batch,
		"train", c.Train, "elapsed", time.Since(start).String())
	return &u, nil
}

// Backward propagates the gradients set on Outputs, and on LastStates if any,
// back through every timestep. Gradients accumulate into Params, Inputs and Init.
func (u *Unrolled) Backward() {
	start := time.Now()
	for t := len(u.Steps) - 1; t >= 0; t-- {
		u.outDrops[t].Backward()
		u.Steps[t].Backward()
	}
	metrics.RecordBackward(time.Since(start))
}

// OutputVals returns a copy of the output values, one flattened [batch, NumHidden] row per timestep.
func (u *Unrolled) OutputVals() [][]float64 {
	out := make([][]float64, len(u.Outputs))
	for t, o := range u.Outputs {
		out[t] = append([]float64(nil), o.Val...)
	}
	return out
}

func (u *Unrolled) checkFinite() {
	var nans, infs int
	for _, o := range u.Outputs {
		n, i := countNonFinite(o.Val)
		nans += n
		infs += i
	}
	if nans > 0 || infs > 0 {
		metrics.RecordNumericalInstability("output", nans, infs)
		logger.Log.Warn("non-finite outputs", "nan", nans, "inf", infs)
	}
}

func checkShapes(c Config, params *Params, seq []*Tensor, init []State) error {
	if params == nil {
		return fmt.Errorf("%w: no parameters", ErrShapeMismatch)
	}
	if err := params.check(c); err != nil {
		return err
	}
	if len(seq) != c.SeqLen {
		return fmt.Errorf("%w: %d timesteps, seq_len is %d", ErrShapeMismatch, len(seq), c.SeqLen)
	}
	if seq[0] == nil || seq[0].Rows <= 0 {
		return fmt.Errorf("%w: empty batch", ErrShapeMismatch)
	}
	batch := seq[0].Rows
	for t, x := range seq {
		if x == nil {
			return fmt.Errorf("%w: timestep %d has no input", ErrShapeMismatch, t)
		}
		if x.Rows != batch || x.Cols != c.InputSize {
			return fmt.Errorf("%w: timestep %d input [%d, %d], want [%d, %d]", ErrShapeMismatch, t, x.Rows, x.Cols, batch, c.InputSize)
		}
	}
	if init == nil {
		return nil
	}
	if len(init) != c.NumLayers {
		return fmt.Errorf("%w: %d initial states for %d layers", ErrShapeMismatch, len(init), c.NumLayers)
	}
	for i, s := range init {
		for _, t := range []*Tensor{s.C, s.H} {
			if t == nil || t.Rows != batch || t.Cols != c.NumHidden {
				return fmt.Errorf("%w: layer %d initial state must be [%d, %d]", ErrShapeMismatch, i, batch, c.NumHidden)
			}
		}
	}
	return nil
}
