package zoneout

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/gonum/floats"
)

func randSeq(r *rand.Rand, seqLen, batch, width int) []*Tensor {
	data := make([]float64, seqLen*batch*width)
	for i := range data {
		data[i] = r.NormFloat64()
	}
	seq, err := SliceSequence(data, seqLen, batch, width)
	if err != nil {
		panic(err)
	}
	return seq
}

func TestUnrollShapes(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	tests := []struct {
		layers, seqLen, batch, in, hidden int
		train                             bool
	}{
		{1, 1, 1, 1, 4, false},
		{2, 5, 3, 2, 3, true},
		{3, 4, 2, 6, 2, true},
		{4, 2, 1, 3, 5, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%+v", tt), func(t *testing.T) {
			c := Config{NumLayers: tt.layers, SeqLen: tt.seqLen, NumHidden: tt.hidden, InputSize: tt.in,
				Dropout: 0.2, CZoneout: 0.5, HZoneout: 0.1, Train: tt.train}
			p := NewParamsFor(c)
			randParams(r, p)
			u, err := Unroll(c, p, randSeq(r, tt.seqLen, tt.batch, tt.in), nil, NewRandMasks(1))
			if err != nil {
				t.Fatalf("%v", err)
			}
			if len(u.Outputs) != tt.seqLen {
				t.Fatalf("expected %d outputs, got %d", tt.seqLen, len(u.Outputs))
			}
			for i, o := range u.Outputs {
				if o.Rows != tt.batch || o.Cols != tt.hidden {
					t.Errorf("output %d is [%d, %d], want [%d, %d]", i, o.Rows, o.Cols, tt.batch, tt.hidden)
				}
			}
			if len(u.LastStates) != tt.layers {
				t.Fatalf("expected %d last states, got %d", tt.layers, len(u.LastStates))
			}
			for _, s := range u.Steps {
				if len(s.States) != tt.layers {
					t.Errorf("step holds %d states, want %d", len(s.States), tt.layers)
				}
			}
		})
	}
}

func TestUnrollZeroScenario(t *testing.T) {
	c := Config{NumLayers: 1, SeqLen: 1, NumHidden: 4, InputSize: 3}
	seq, err := SliceSequence(make([]float64, 3), 1, 1, 3)
	if err != nil {
		t.Fatalf("%v", err)
	}
	u, err := Unroll(c, NewParamsFor(c), seq, nil, nil)
	if err != nil {
		t.Fatalf("%v", err)
	}
	for i, v := range u.Outputs[0].Val {
		if v != 0 {
			t.Errorf("unit %d: expected 0, got %v", i, v)
		}
	}
}

// Unrolling two timesteps at once equals unrolling them one at a time
// and carrying the last states over.
func TestUnrollChaining(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	c := Config{NumLayers: 3, SeqLen: 2, NumHidden: 4, InputSize: 2, Dropout: 0.3, CZoneout: 0.4, HZoneout: 0.2}
	p := NewParamsFor(c)
	randParams(r, p)
	seq := randSeq(r, 2, 3, 2)
	init := []State{randState(r, 3, 4), randState(r, 3, 4), randState(r, 3, 4)}

	whole, err := Unroll(c, p, seq, CopyStates(init), nil)
	if err != nil {
		t.Fatalf("%v", err)
	}

	c1 := c
	c1.SeqLen = 1
	first, err := Unroll(c1, p, seq[:1], CopyStates(init), nil)
	if err != nil {
		t.Fatalf("%v", err)
	}
	second, err := Unroll(c1, p, seq[1:], CopyStates(first.LastStates), nil)
	if err != nil {
		t.Fatalf("%v", err)
	}

	if !floats.EqualApprox(whole.Outputs[0].Val, first.Outputs[0].Val, 1e-12) {
		t.Errorf("timestep 0: %v != %v", whole.Outputs[0].Val, first.Outputs[0].Val)
	}
	if !floats.EqualApprox(whole.Outputs[1].Val, second.Outputs[0].Val, 1e-12) {
		t.Errorf("timestep 1: %v != %v", whole.Outputs[1].Val, second.Outputs[0].Val)
	}
	for i := range whole.LastStates {
		if !floats.EqualApprox(whole.LastStates[i].C.Val, second.LastStates[i].C.Val, 1e-12) {
			t.Errorf("layer %d cell state differs", i)
		}
		if !floats.EqualApprox(whole.LastStates[i].H.Val, second.LastStates[i].H.Val, 1e-12) {
			t.Errorf("layer %d hidden state differs", i)
		}
	}
}

// Changing the parameters of an upper layer never changes a lower layer.
func TestLayerOrdering(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	c := Config{NumLayers: 2, SeqLen: 4, NumHidden: 3, InputSize: 2, CZoneout: 0.3, HZoneout: 0.3}
	p := NewParamsFor(c)
	randParams(r, p)
	seq := randSeq(r, 4, 2, 2)

	before, err := Unroll(c, p, seq, nil, nil)
	if err != nil {
		t.Fatalf("%v", err)
	}
	randTensor(r, p.Layers[1].I2HWeight)
	randTensor(r, p.Layers[1].H2HWeight)
	after, err := Unroll(c, p, seq, nil, nil)
	if err != nil {
		t.Fatalf("%v", err)
	}
	for ts := range before.Steps {
		if !floats.Equal(before.Steps[ts].States[0].H.Val, after.Steps[ts].States[0].H.Val) {
			t.Errorf("timestep %d: layer 0 depends on layer 1", ts)
		}
	}
	if floats.Equal(before.Outputs[3].Val, after.Outputs[3].Val) {
		t.Errorf("top output should depend on layer 1")
	}
}

// The state list passed in is never mutated by a timestep.
func TestLayerStackKeepsPrevious(t *testing.T) {
	r := rand.New(rand.NewSource(4))
	c := Config{NumLayers: 2, SeqLen: 1, NumHidden: 3, InputSize: 2, CZoneout: 0.5, HZoneout: 0.5, Train: true}
	p := NewParamsFor(c)
	randParams(r, p)
	prev := []State{randState(r, 1, 3), randState(r, 1, 3)}
	saved := CopyStates(prev)
	x := randSeq(r, 1, 1, 2)[0]

	s := NewLayerStack(x, prev, p, c.dropoutRates(), c, NewRandMasks(5))
	for i := range prev {
		if prev[i] != s.Prev[i] {
			t.Errorf("layer %d: previous state replaced", i)
		}
		if !floats.Equal(prev[i].C.Val, saved[i].C.Val) || !floats.Equal(prev[i].H.Val, saved[i].H.Val) {
			t.Errorf("layer %d: previous state mutated", i)
		}
		if s.States[i] == prev[i] {
			t.Errorf("layer %d: new state aliases the previous one", i)
		}
	}
}

func TestUnrollErrors(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	c := Config{NumLayers: 2, SeqLen: 3, NumHidden: 4, InputSize: 2, CZoneout: 0.5, Train: true}
	p := NewParamsFor(c)
	seq := randSeq(r, 3, 2, 2)
	masks := NewRandMasks(1)

	tests := []struct {
		name   string
		unroll func() error
		want   error
	}{
		{"zoneout of one", func() error {
			bad := c
			bad.CZoneout = 1
			_, err := Unroll(bad, p, seq, nil, masks)
			return err
		}, ErrInvalidConfig},
		{"no layers", func() error {
			bad := c
			bad.NumLayers = 0
			_, err := Unroll(bad, p, seq, nil, masks)
			return err
		}, ErrInvalidConfig},
		{"missing masks", func() error {
			_, err := Unroll(c, p, seq, nil, nil)
			return err
		}, ErrInvalidConfig},
		{"short sequence", func() error {
			_, err := Unroll(c, p, seq[:2], nil, masks)
			return err
		}, ErrShapeMismatch},
		{"wrong input width", func() error {
			_, err := Unroll(c, p, randSeq(r, 3, 2, 5), nil, masks)
			return err
		}, ErrShapeMismatch},
		{"wrong layer count", func() error {
			_, err := Unroll(c, NewParams(3, 2, 4), seq, nil, masks)
			return err
		}, ErrShapeMismatch},
		{"wrong hidden size", func() error {
			_, err := Unroll(c, NewParams(2, 2, 5), seq, nil, masks)
			return err
		}, ErrShapeMismatch},
		{"wrong initial state count", func() error {
			_, err := Unroll(c, p, seq, ZeroStates(1, 2, 4), masks)
			return err
		}, ErrShapeMismatch},
		{"wrong initial state batch", func() error {
			_, err := Unroll(c, p, seq, ZeroStates(2, 3, 4), masks)
			return err
		}, ErrShapeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.unroll()
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestSliceSequence(t *testing.T) {
	data := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	seq, err := SliceSequence(data, 3, 2, 2)
	if err != nil {
		t.Fatalf("%v", err)
	}
	if len(seq) != 3 {
		t.Fatalf("expected 3 timesteps, got %d", len(seq))
	}
	if !floats.Equal(seq[1].Val, []float64{5, 6, 7, 8}) {
		t.Errorf("timestep 1: got %v", seq[1].Val)
	}
	if !floats.Equal(seq[2].Row(1), []float64{11, 12}) {
		t.Errorf("timestep 2, batch 1: got %v", seq[2].Row(1))
	}
	seq[0].Val[0] = 100
	if data[0] != 1 {
		t.Errorf("sequence must not alias the input buffer")
	}

	if _, err := SliceSequence(data, 5, 2, 2); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
	if _, err := SliceSequence(data, 0, 2, 2); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestParamsWeightsRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(6))
	p := NewParams(2, 3, 4)
	randParams(r, p)
	want := 4*4*3 + 4*4 + 4*4*4 + 4*4 + 2*(4*4*4+4*4)
	if p.NumWeights() != want {
		t.Fatalf("expected %d weights, got %d", want, p.NumWeights())
	}
	q := NewParams(2, 3, 4)
	if err := q.SetWeightsVal(p.WeightsVal()); err != nil {
		t.Fatalf("%v", err)
	}
	if !floats.Equal(p.WeightsVal(), q.WeightsVal()) {
		t.Errorf("weights differ after reload")
	}
	if err := q.SetWeightsVal(make([]float64, 3)); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}

	var tags []string
	p.Weights(func(tag string, _ *Tensor) { tags = append(tags, tag) })
	if tags[0] != "l0_i2h_weight" || tags[7] != "l1_h2h_bias" {
		t.Errorf("unexpected tags %v", tags)
	}
}

// gradProblem is a small unroll with a squared error loss on the outputs
// plus a linear loss on the top cell state after the last timestep.
type gradProblem struct {
	c       Config
	params  *Params
	inputs  [][]float64
	batch   int
	init    []State
	targets [][]float64
	wc      []float64
	pattern []bool
}

func newGradProblem(r *rand.Rand, c Config, batch int, pattern []bool) *gradProblem {
	g := gradProblem{c: c, params: NewParamsFor(c), batch: batch, pattern: pattern}
	randParams(r, g.params)
	g.inputs = MakeTensor2(c.SeqLen, batch*c.InputSize)
	g.targets = MakeTensor2(c.SeqLen, batch*c.NumHidden)
	for ts := 0; ts < c.SeqLen; ts++ {
		for i := range g.inputs[ts] {
			g.inputs[ts][i] = r.NormFloat64()
		}
		for i := range g.targets[ts] {
			g.targets[ts][i] = r.Float64()
		}
	}
	for i := 0; i < c.NumLayers; i++ {
		g.init = append(g.init, randState(r, batch, c.NumHidden))
	}
	g.wc = make([]float64, batch*c.NumHidden)
	for i := range g.wc {
		g.wc[i] = r.NormFloat64()
	}
	return &g
}

func (g *gradProblem) forward() (*Unrolled, float64) {
	seq := make([]*Tensor, len(g.inputs))
	for ts, x := range g.inputs {
		seq[ts] = NewTensorFrom(g.batch, g.c.InputSize, x)
	}
	var masks MaskSource
	if g.pattern != nil {
		masks = &cycleMasks{pattern: g.pattern}
	}
	u, err := Unroll(g.c, g.params, seq, CopyStates(g.init), masks)
	if err != nil {
		panic(err)
	}
	var l float64
	for ts, o := range u.Outputs {
		for i, v := range o.Val {
			d := v - g.targets[ts][i]
			l += 0.5 * d * d
		}
	}
	l += floats.Dot(u.LastStates[g.c.NumLayers-1].C.Val, g.wc)
	return u, l
}

func (g *gradProblem) forwardBackward() (*Unrolled, float64) {
	g.params.ClearGradients()
	u, l := g.forward()
	for ts, o := range u.Outputs {
		for i, v := range o.Val {
			o.Grad[i] += v - g.targets[ts][i]
		}
	}
	floats.Add(u.LastStates[g.c.NumLayers-1].C.Grad, g.wc)
	u.Backward()
	return u, l
}

func (g *gradProblem) loss() float64 {
	_, l := g.forward()
	return l
}

func checkGradient(t *testing.T, tag string, val *float64, grad float64, loss func() float64, lx float64) {
	x := *val
	h := machineEpsilonSqrt * math.Max(math.Abs(x), 1)
	xph := x + h
	*val = xph
	lxph := loss()
	*val = x
	num := (lxph - lx) / (xph - x)

	if math.IsNaN(num) || math.Abs(num-grad) > 1e-5 {
		t.Errorf("wrong %s gradient expected %f, got %f", tag, num, grad)
	}
}

func checkAllGradients(t *testing.T, g *gradProblem) {
	u, l := g.forwardBackward()

	g.params.Weights(func(tag string, w *Tensor) {
		for i := range w.Val {
			checkGradient(t, fmt.Sprintf("%s[%d]", tag, i), &w.Val[i], w.Grad[i], g.loss, l)
		}
	})
	for ts := range g.inputs {
		for i := range g.inputs[ts] {
			checkGradient(t, fmt.Sprintf("x[%d][%d]", ts, i), &g.inputs[ts][i], u.Inputs[ts].Grad[i], g.loss, l)
		}
	}
	for layer, s := range g.init {
		for i := range s.C.Val {
			checkGradient(t, fmt.Sprintf("init_c[%d][%d]", layer, i), &s.C.Val[i], u.Init[layer].C.Grad[i], g.loss, l)
			checkGradient(t, fmt.Sprintf("init_h[%d][%d]", layer, i), &s.H.Val[i], u.Init[layer].H.Grad[i], g.loss, l)
		}
	}
}

func TestGradientsPlain(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	c := Config{NumLayers: 2, SeqLen: 3, NumHidden: 2, InputSize: 3}
	checkAllGradients(t, newGradProblem(r, c, 2, nil))
}

func TestGradientsInference(t *testing.T) {
	r := rand.New(rand.NewSource(8))
	c := Config{NumLayers: 2, SeqLen: 3, NumHidden: 2, InputSize: 3, Dropout: 0.3, CZoneout: 0.4, HZoneout: 0.2}
	checkAllGradients(t, newGradProblem(r, c, 2, nil))
}

func TestGradientsTrain(t *testing.T) {
	r := rand.New(rand.NewSource(9))
	c := Config{NumLayers: 3, SeqLen: 3, NumHidden: 2, InputSize: 2, Dropout: 0.3, CZoneout: 0.4, HZoneout: 0.2, Train: true}
	pattern := []bool{true, true, false, true, false, true, true, true, false}
	checkAllGradients(t, newGradProblem(r, c, 2, pattern))
}
