package zoneout

import (
	"math/rand"
)

// A MaskSource decides, unit by unit, which values survive a dropout.
// Implementations need not be safe for concurrent use.
type MaskSource interface {
	// Keep reports whether a unit survives when kept with probability p.
	Keep(p float64) bool
}

// RandMasks draws independent Bernoulli keep decisions from a seeded generator.
type RandMasks struct {
	r *rand.Rand
}

func NewRandMasks(seed int64) *RandMasks {
	return &RandMasks{r: rand.New(rand.NewSource(seed))}
}

func (m *RandMasks) Keep(p float64) bool {
	return m.r.Float64() < p
}

// Dropout is inverted dropout: each unit of X is zeroed with probability P,
// otherwise scaled by 1/(1-P), so that the expected value of Top equals X.
// When P is zero or the pass is not training, Top is X itself.
type Dropout struct {
	X   *Tensor
	P   float64
	Top *Tensor

	mask    []float64
	dropped int
}

func NewDropout(x *Tensor, p float64, masks MaskSource, train bool) *Dropout {
	d := Dropout{X: x, P: p}
	if p == 0 || !train {
		d.Top = x
		return &d
	}
	keep := 1 - p
	scale := 1 / keep
	d.mask = make([]float64, len(x.Val))
	d.Top = NewTensor(x.Rows, x.Cols)
	for i, v := range x.Val {
		if masks.Keep(keep) {
			d.mask[i] = scale
			d.Top.Val[i] = v * scale
		} else {
			d.dropped++
		}
	}
	return &d
}

// Dropped returns the number of units zeroed in the forward pass.
func (d *Dropout) Dropped() int {
	return d.dropped
}

func (d *Dropout) identity() bool {
	return d.mask == nil
}

func (d *Dropout) Backward() {
	if d.identity() {
		return
	}
	for i, g := range d.Top.Grad {
		d.X.Grad[i] += g * d.mask[i]
	}
}
