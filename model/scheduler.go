package model

import (
	"github.com/jmorganca/stagediff/ml"
	"github.com/jmorganca/stagediff/ml/nn"
	"github.com/jmorganca/stagediff/weights"
)

// TimeFeatures maps an i32 timestep of shape [1] to [1, features] half
// precision sinusoidal features, cosines first. The product is taken in f32.
func (m *Model) TimeFeatures(g ml.Graph) (Net, error) {
	b := m.builder(g)
	half := m.TimeWidth() / 2

	t := g.Placeholder(ml.DTypeI32, 1)
	coeffs := b.tensor(weights.Tensor{Name: weights.TembCoefficients, DType: ml.DTypeF32, Shape: []int{half}, Role: weights.RoleConstant})

	x := g.Mul(g.Cast(t, ml.DTypeF32), coeffs)
	x = g.Concat(0, g.Cos(x), g.Sin(x))
	x = g.Reshape(x, 1, 2*half)
	return b.net([]ml.Tensor{t}, []ml.Tensor{g.Cast(x, ml.DTypeF16)})
}

// SchedulerStep applies guidance and one deterministic DDIM update.
//
// Inputs: latent x, unconditional noise, conditional noise, timestep t,
// previous timestep, and an f32 guidance scale. The guided noise is
// etaUncond + tanh(scale·(etaCond − etaUncond)). The previous cumulative
// alpha is read from [1, alphas...] at relu(tPrev+1), so a tPrev of -1 selects
// 1.
func (m *Model) SchedulerStep(g ml.Graph, o Options) (Net, error) {
	b := m.builder(g)
	shape := o.latent(m.Config)

	x := g.Placeholder(b.dtype, shape...)
	etaUncond := g.Placeholder(b.dtype, shape...)
	etaCond := g.Placeholder(b.dtype, shape...)
	t := g.Placeholder(ml.DTypeI32, 1)
	tPrev := g.Placeholder(ml.DTypeI32, 1)
	guidance := g.Placeholder(ml.DTypeF32, 1)

	delta := g.Mul(g.Sub(etaCond, etaUncond), g.Cast(guidance, b.dtype))
	eta := g.Add(etaUncond, g.Tanh(delta))

	alphas := b.tensor(b.weight(weights.AlphasCumprod, weights.RoleConstant, m.TrainTimesteps))
	alpha := g.Gather(alphas, t)

	prev := g.Concat(0, g.Scalar(b.dtype, 1), alphas)
	alphaPrev := g.Gather(prev, g.Relu(g.Add(tPrev, g.Scalar(ml.DTypeI32, 1))))

	sqrtOneMinus := func(a ml.Tensor) ml.Tensor {
		return g.Sqrt(g.Sub(g.Scalar(b.dtype, 1), a))
	}

	predX0 := g.Div(g.Sub(x, g.Mul(sqrtOneMinus(alpha), eta)), g.Sqrt(alpha))
	dir := g.Mul(sqrtOneMinus(alphaPrev), eta)
	out := g.Add(g.Mul(g.Sqrt(alphaPrev), predX0), dir)

	return b.net([]ml.Tensor{x, etaUncond, etaCond, t, tPrev, guidance}, []ml.Tensor{out})
}

// Preview approximates the decoder with a fixed 1×1 projection to RGB and a
// nearest neighbour upsample.
func (m *Model) Preview(g ml.Graph, o Options) (Net, error) {
	b := m.builder(g)
	c := m.Config

	x := g.Placeholder(b.dtype, o.latent(c)...)

	conv := &nn.Conv2D{
		Weight: b.tensor(b.weight(weights.AuxWeight, weights.RoleConstant, 3, c.LatentChannels, 1, 1)),
		Bias:   b.tensor(b.weight(weights.AuxBias, weights.RoleConstant, 3), 1, 1, 1, 3),
	}

	h := conv.Forward(g, x, 1)
	h = g.UpsampleNearest(h, c.Downsample())
	return b.net([]ml.Tensor{x}, []ml.Tensor{rgba(g, h)})
}

// EtaSplit separates a batched [2, H, W, latent] UNet result into its
// unconditional and conditional halves.
func (m *Model) EtaSplit(g ml.Graph, o Options) (Net, error) {
	b := m.builder(g)
	shape := o.latent(m.Config)
	shape[0] = 2

	eta := g.Placeholder(b.dtype, shape...)
	return b.net([]ml.Tensor{eta}, []ml.Tensor{
		g.Slice(eta, 0, 0, 1),
		g.Slice(eta, 0, 1, 1),
	})
}
