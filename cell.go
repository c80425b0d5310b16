package zoneout

import (
	"fmt"
	"math"

	"github.com/gonum/blas"
	"github.com/gonum/blas/blas64"
	"github.com/gonum/floats"

	"github.com/fumin/zoneout/internal/metrics"
)

const numGates = 4

// GateBlock computes the gate pre-activations
// affine(X; I2HWeight, I2HBias) + affine(PrevH; H2HWeight, H2HBias),
// optionally dropping out X before the projection.
type GateBlock struct {
	X      *Tensor
	PrevH  *Tensor
	Params *LayerParams
	Top    *Tensor // [batch, 4*numHidden]

	drop *Dropout
}

func NewGateBlock(x, prevH *Tensor, p *LayerParams, dropout float64, masks MaskSource, train bool) *GateBlock {
	if x.Cols != p.inputSize() || prevH.Cols != p.numHidden() || x.Rows != prevH.Rows {
		panic(fmt.Sprintf("zoneout: gate input [%d, %d] and hidden [%d, %d] do not fit i2h %d and h2h %d",
			x.Rows, x.Cols, prevH.Rows, prevH.Cols, p.inputSize(), p.numHidden()))
	}
	g := GateBlock{
		X:      x,
		PrevH:  prevH,
		Params: p,
		drop:   NewDropout(x, dropout, masks, train),
		Top:    NewTensor(x.Rows, p.I2HWeight.Rows),
	}
	metrics.RecordDropout("input", g.drop.Dropped())

	in := g.drop.Top
	blas64.Gemm(blas.NoTrans, blas.Trans, 1, in.vals(), p.I2HWeight.vals(), 0, g.Top.vals())
	blas64.Gemm(blas.NoTrans, blas.Trans, 1, prevH.vals(), p.H2HWeight.vals(), 1, g.Top.vals())
	for i := 0; i < g.Top.Rows; i++ {
		row := g.Top.Row(i)
		floats.Add(row, p.I2HBias.Val)
		floats.Add(row, p.H2HBias.Val)
	}
	return &g
}

func (g *GateBlock) Backward() {
	p := g.Params
	in := g.drop.Top
	// d(in) = dTop * W, dW = dTopᵀ * in
	blas64.Gemm(blas.NoTrans, blas.NoTrans, 1, g.Top.grads(), p.I2HWeight.vals(), 1, in.grads())
	blas64.Gemm(blas.Trans, blas.NoTrans, 1, g.Top.grads(), in.vals(), 1, p.I2HWeight.grads())
	blas64.Gemm(blas.NoTrans, blas.NoTrans, 1, g.Top.grads(), p.H2HWeight.vals(), 1, g.PrevH.grads())
	blas64.Gemm(blas.Trans, blas.NoTrans, 1, g.Top.grads(), g.PrevH.vals(), 1, p.H2HWeight.grads())
	for i := 0; i < g.Top.Rows; i++ {
		row := g.Top.GradRow(i)
		floats.Add(p.I2HBias.Grad, row)
		floats.Add(p.H2HBias.Grad, row)
	}
	g.drop.Backward()
}

// Gates names the four equal-width partitions of a gate vector.
type Gates struct {
	Input     *Tensor
	Transform *Tensor
	Forget    *Tensor
	Output    *Tensor
}

// gateOrder is the layout of the partitions along the columns of a gate tensor,
// and must agree with the rows of the parameter weights.
func (g Gates) gateOrder() [numGates]*Tensor {
	return [numGates]*Tensor{g.Input, g.Transform, g.Forget, g.Output}
}

// SplitGates copies the four contiguous column blocks of t into named tensors.
func SplitGates(t *Tensor) Gates {
	if t.Cols%numGates != 0 {
		panic(fmt.Sprintf("zoneout: cannot split %d columns into %d gates", t.Cols, numGates))
	}
	n := t.Cols / numGates
	g := Gates{
		Input:     NewTensor(t.Rows, n),
		Transform: NewTensor(t.Rows, n),
		Forget:    NewTensor(t.Rows, n),
		Output:    NewTensor(t.Rows, n),
	}
	for k, part := range g.gateOrder() {
		for i := 0; i < t.Rows; i++ {
			copy(part.Row(i), t.Row(i)[k*n:(k+1)*n])
		}
	}
	return g
}

// mergeGrads adds the gradients of the partitions back into the gate tensor t.
func (g Gates) mergeGrads(t *Tensor) {
	n := t.Cols / numGates
	for k, part := range g.gateOrder() {
		for i := 0; i < t.Rows; i++ {
			floats.Add(t.GradRow(i)[k*n:(k+1)*n], part.GradRow(i))
		}
	}
}

// CellUpdate is the plain LSTM recurrence:
//
//	nextC = forget * prevC + input * transform
//	nextH = output * tanh(nextC)
type CellUpdate struct {
	Gates *GateBlock
	Prev  State
	Top   State

	pre   Gates // pre-activations
	act   Gates // activations
	tanhC []float64
}

func NewCellUpdate(g *GateBlock, prev State) *CellUpdate {
	c := CellUpdate{
		Gates: g,
		Prev:  prev,
		pre:   SplitGates(g.Top),
	}
	n := c.pre.Input.Cols
	if !prev.C.sameShape(c.pre.Input) || !prev.H.sameShape(c.pre.Input) {
		panic(fmt.Sprintf("zoneout: state [%d, %d] does not match gates of width %d", prev.C.Rows, prev.C.Cols, n))
	}
	rows := g.Top.Rows
	c.act = Gates{
		Input:     NewTensor(rows, n),
		Transform: NewTensor(rows, n),
		Forget:    NewTensor(rows, n),
		Output:    NewTensor(rows, n),
	}
	c.Top = NewState(rows, n)
	c.tanhC = make([]float64, rows*n)
	for i := range c.tanhC {
		in := Sigmoid(c.pre.Input.Val[i])
		tr := math.Tanh(c.pre.Transform.Val[i])
		fg := Sigmoid(c.pre.Forget.Val[i])
		og := Sigmoid(c.pre.Output.Val[i])
		c.act.Input.Val[i] = in
		c.act.Transform.Val[i] = tr
		c.act.Forget.Val[i] = fg
		c.act.Output.Val[i] = og

		nc := fg*prev.C.Val[i] + in*tr
		c.Top.C.Val[i] = nc
		c.tanhC[i] = math.Tanh(nc)
		c.Top.H.Val[i] = og * c.tanhC[i]
	}
	return &c
}

func (c *CellUpdate) Backward() {
	for i, tc := range c.tanhC {
		in := c.act.Input.Val[i]
		tr := c.act.Transform.Val[i]
		fg := c.act.Forget.Val[i]
		og := c.act.Output.Val[i]

		dh := c.Top.H.Grad[i]
		dc := c.Top.C.Grad[i] + dh*og*(1-tc*tc)

		c.pre.Output.Grad[i] = dh * tc * og * (1 - og)
		c.pre.Forget.Grad[i] = dc * c.Prev.C.Val[i] * fg * (1 - fg)
		c.pre.Input.Grad[i] = dc * tr * in * (1 - in)
		c.pre.Transform.Grad[i] = dc * in * (1 - tr*tr)
		c.Prev.C.Grad[i] += dc * fg
	}
	c.pre.mergeGrads(c.Gates.Top)
}

// ZoneoutCellUpdate blends the candidate state of a CellUpdate with the
// previous state, unit by unit:
//
//	nextC' = (1-CZoneout) * dropout(nextC - prevC, CZoneout) + prevC
//
// and likewise for H. A dropped unit keeps its previous value; a kept unit
// takes the candidate value. A zero rate leaves that state untouched.
type ZoneoutCellUpdate struct {
	Cell     *CellUpdate
	CZoneout float64
	HZoneout float64
	Top      State

	c *zoneoutBlend
	h *zoneoutBlend
}

func NewZoneoutCellUpdate(cell *CellUpdate, cZoneout, hZoneout float64, masks MaskSource, train bool) *ZoneoutCellUpdate {
	z := ZoneoutCellUpdate{
		Cell:     cell,
		CZoneout: cZoneout,
		HZoneout: hZoneout,
		c:        newZoneoutBlend(cell.Top.C, cell.Prev.C, cZoneout, masks, train),
		h:        newZoneoutBlend(cell.Top.H, cell.Prev.H, hZoneout, masks, train),
	}
	z.Top = State{C: z.c.Top, H: z.h.Top}
	metrics.RecordZoneout("c", z.c.ZonedOut())
	metrics.RecordZoneout("h", z.h.ZonedOut())
	return &z
}

func (z *ZoneoutCellUpdate) Backward() {
	z.h.Backward()
	z.c.Backward()
}

type zoneoutBlend struct {
	Next *Tensor
	Prev *Tensor
	Rate float64
	Top  *Tensor

	delta *Tensor
	drop  *Dropout
}

func newZoneoutBlend(next, prev *Tensor, rate float64, masks MaskSource, train bool) *zoneoutBlend {
	b := zoneoutBlend{Next: next, Prev: prev, Rate: rate}
	if rate == 0 {
		b.Top = next
		return &b
	}
	b.delta = NewTensor(next.Rows, next.Cols)
	floats.SubTo(b.delta.Val, next.Val, prev.Val)
	b.drop = NewDropout(b.delta, rate, masks, train)
	b.Top = NewTensor(next.Rows, next.Cols)
	floats.AddScaledTo(b.Top.Val, prev.Val, 1-rate, b.drop.Top.Val)
	return &b
}

// ZonedOut returns the number of units that kept their previous value.
func (b *zoneoutBlend) ZonedOut() int {
	if b.drop == nil {
		return 0
	}
	return b.drop.Dropped()
}

func (b *zoneoutBlend) Backward() {
	if b.drop == nil {
		return
	}
	floats.Add(b.Prev.Grad, b.Top.Grad)
	floats.AddScaled(b.drop.Top.Grad, 1-b.Rate, b.Top.Grad)
	b.drop.Backward()
	floats.Add(b.Next.Grad, b.delta.Grad)
	floats.Sub(b.Prev.Grad, b.delta.Grad)
}
