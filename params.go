package zoneout

import (
	"fmt"
)

// LayerParams holds the parameters of one LSTM layer. Each projects to the
// four concatenated gates [input, transform, forget, output], so weights are
// [4*numHidden, in] and biases [1, 4*numHidden].
// The same LayerParams is read by every timestep of an unroll.
type LayerParams struct {
	I2HWeight *Tensor
	I2HBias   *Tensor
	H2HWeight *Tensor
	H2HBias   *Tensor
}

func NewLayerParams(inputSize, numHidden int) *LayerParams {
	return &LayerParams{
		I2HWeight: NewTensor(numGates*numHidden, inputSize),
		I2HBias:   NewTensor(1, numGates*numHidden),
		H2HWeight: NewTensor(numGates*numHidden, numHidden),
		H2HBias:   NewTensor(1, numGates*numHidden),
	}
}

func (p *LayerParams) inputSize() int {
	return p.I2HWeight.Cols
}

func (p *LayerParams) numHidden() int {
	return p.H2HWeight.Cols
}

// Params owns the parameters of every layer of a stacked LSTM.
// Layer 0 reads inputs of width InputSize, the others the hidden state of the layer below.
type Params struct {
	Layers    []*LayerParams
	InputSize int
	NumHidden int
}

func NewParams(numLayers, inputSize, numHidden int) *Params {
	p := Params{
		Layers:    make([]*LayerParams, numLayers),
		InputSize: inputSize,
		NumHidden: numHidden,
	}
	for i := range p.Layers {
		in := numHidden
		if i == 0 {
			in = inputSize
		}
		p.Layers[i] = NewLayerParams(in, numHidden)
	}
	return &p
}

// NewParamsFor creates zeroed parameters shaped for c.
func NewParamsFor(c Config) *Params {
	return NewParams(c.NumLayers, c.InputSize, c.NumHidden)
}

// Weights calls f on every parameter tensor, in a fixed order, with a tag such as "l1_h2h_weight".
func (p *Params) Weights(f func(tag string, t *Tensor)) {
	for i, l := range p.Layers {
		f(fmt.Sprintf("l%d_i2h_weight", i), l.I2HWeight)
		f(fmt.Sprintf("l%d_i2h_bias", i), l.I2HBias)
		f(fmt.Sprintf("l%d_h2h_weight", i), l.H2HWeight)
		f(fmt.Sprintf("l%d_h2h_bias", i), l.H2HBias)
	}
}

func (p *Params) NumWeights() int {
	n := 0
	p.Weights(func(_ string, t *Tensor) { n += len(t.Val) })
	return n
}

// WeightsVal returns a copy of all parameter values, flattened in Weights order.
func (p *Params) WeightsVal() []float64 {
	ws := make([]float64, 0, p.NumWeights())
	p.Weights(func(_ string, t *Tensor) { ws = append(ws, t.Val...) })
	return ws
}

// WeightsGrad returns a copy of all parameter gradients, flattened in Weights order.
func (p *Params) WeightsGrad() []float64 {
	gs := make([]float64, 0, p.NumWeights())
	p.Weights(func(_ string, t *Tensor) { gs = append(gs, t.Grad...) })
	return gs
}

// SetWeightsVal loads values previously produced by WeightsVal.
func (p *Params) SetWeightsVal(ws []float64) error {
	if len(ws) != p.NumWeights() {
		return fmt.Errorf("%w: %d weights for a model of %d", ErrShapeMismatch, len(ws), p.NumWeights())
	}
	i := 0
	p.Weights(func(_ string, t *Tensor) {
		i += copy(t.Val, ws[i:])
	})
	return nil
}

func (p *Params) ClearGradients() {
	p.Weights(func(_ string, t *Tensor) { t.ClearGrad() })
}

func (p *Params) check(c Config) error {
	if len(p.Layers) != c.NumLayers {
		return fmt.Errorf("%w: %d parameter layers, config has %d", ErrShapeMismatch, len(p.Layers), c.NumLayers)
	}
	for i, l := range p.Layers {
		in := c.NumHidden
		if i == 0 {
			in = c.InputSize
		}
		g := numGates * c.NumHidden
		if l.I2HWeight.Rows != g || l.I2HWeight.Cols != in {
			return fmt.Errorf("%w: layer %d i2h weight [%d, %d], want [%d, %d]", ErrShapeMismatch, i, l.I2HWeight.Rows, l.I2HWeight.Cols, g, in)
		}
		if l.H2HWeight.Rows != g || l.H2HWeight.Cols != c.NumHidden {
			return fmt.Errorf("%w: layer %d h2h weight [%d, %d], want [%d, %d]", ErrShapeMismatch, i, l.H2HWeight.Rows, l.H2HWeight.Cols, g, c.NumHidden)
		}
		if l.I2HBias.Rows != 1 || l.I2HBias.Cols != g || l.H2HBias.Rows != 1 || l.H2HBias.Cols != g {
			return fmt.Errorf("%w: layer %d biases must be [1, %d]", ErrShapeMismatch, i, g)
		}
	}
	return nil
}
