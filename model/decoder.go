package model

import (
	"fmt"
	"math"

	"github.com/jmorganca/stagediff/ml"
	"github.com/jmorganca/stagediff/ml/nn"
)

const decoderPrefix = "first_stage_model"

// decoderMult is the channel multiplier per decoder level; levels are walked
// from the last to the first, upsampling between them.
var decoderMult = []int{1, 2, 4, 4}

const decoderBlocks = 3

type decoderResBlock struct {
	Norm1    *nn.GroupNorm
	Conv1    *nn.Conv2D
	Norm2    *nn.GroupNorm
	Conv2    *nn.Conv2D
	Shortcut *nn.Conv2D
}

func newDecoderResBlock(b *builder, name string, in, out int) *decoderResBlock {
	r := &decoderResBlock{
		Norm1: b.groupNorm(name+".norm1", in),
		Conv1: b.conv(name+".conv1", in, out, 3),
		Norm2: b.groupNorm(name+".norm2", out),
		Conv2: b.conv(name+".conv2", out, out, 3),
	}

	if in != out {
		r.Shortcut = b.conv(name+".nin_shortcut", in, out, 1)
	}

	return r
}

func (r *decoderResBlock) Forward(g ml.Graph, x ml.Tensor, eps float32) ml.Tensor {
	h := nn.Swish(g, r.Norm1.Forward(g, x, eps))
	h = r.Conv1.Forward(g, h, 1)
	h = nn.Swish(g, r.Norm2.Forward(g, h, eps))
	h = r.Conv2.Forward(g, h, 1)

	if r.Shortcut != nil {
		x = r.Shortcut.Forward(g, x, 1)
	}

	return g.Add(h, x)
}

// decoderAttention is single head self-attention over spatial positions.
type decoderAttention struct {
	Norm   *nn.GroupNorm
	Query  *nn.Linear
	Key    *nn.Linear
	Value  *nn.Linear
	Output *nn.Linear
}

func newDecoderAttention(b *builder, name string, channels int) *decoderAttention {
	return &decoderAttention{
		Norm:   b.groupNorm(name+".norm", channels),
		Query:  b.linear(name+".q", channels, channels, false),
		Key:    b.linear(name+".k", channels, channels, false),
		Value:  b.linear(name+".v", channels, channels, false),
		Output: b.linear(name+".proj_out", channels, channels, true),
	}
}

func (a *decoderAttention) Forward(g ml.Graph, x ml.Tensor, eps float32) ml.Tensor {
	shape := x.Shape()
	n, h, w, c := shape[0], shape[1], shape[2], shape[3]

	t := a.Norm.Forward(g, x, eps)
	t = g.Reshape(t, n, 1, h*w, c)

	q := a.Query.Forward(g, t)
	k := a.Key.Forward(g, t)
	v := a.Value.Forward(g, t)

	att := nn.Attention(g, q, k, v, float32(1/math.Sqrt(float64(c))), nil)
	att = a.Output.Forward(g, g.Reshape(att, n, h*w, c))
	return g.Add(g.Reshape(att, shape...), x)
}

// Decoder turns a [1, H, W, latent] latent into a [1, 8H, 8W, 4] RGBA image.
func (m *Model) Decoder(g ml.Graph, o Options) (Net, error) {
	b := m.builder(g)
	c := m.Config
	p := decoderPrefix + ".decoder"

	latent := g.Placeholder(b.dtype, o.latent(c)...)

	x := g.Mul(latent, g.Scalar(b.dtype, 1/c.ScaleFactor))
	x = b.conv(decoderPrefix+".post_quant_conv", c.LatentChannels, c.LatentChannels, 1).Forward(g, x, 1)

	channels := c.DecoderChannels * decoderMult[len(decoderMult)-1]
	x = b.conv(p+".conv_in", c.LatentChannels, channels, 3).Forward(g, x, 1)

	x = newDecoderResBlock(b, p+".mid.block_1", channels, channels).Forward(g, x, b.eps)
	x = newDecoderAttention(b, p+".mid.attn_1", channels).Forward(g, x, b.eps)
	x = newDecoderResBlock(b, p+".mid.block_2", channels, channels).Forward(g, x, b.eps)

	for level := len(decoderMult) - 1; level >= 0; level-- {
		out := c.DecoderChannels * decoderMult[level]
		for i := range decoderBlocks {
			name := fmt.Sprintf("%s.up.%d.block.%d", p, level, i)
			x = newDecoderResBlock(b, name, channels, out).Forward(g, x, b.eps)
			channels = out
		}

		if level > 0 {
			x = g.UpsampleNearest(x, 2)
			x = b.conv(fmt.Sprintf("%s.up.%d.upsample.conv", p, level), channels, channels, 3).Forward(g, x, 1)
		}
	}

	x = nn.Swish(g, b.groupNorm(p+".norm_out", channels).Forward(g, x, b.eps))
	x = b.conv(p+".conv_out", channels, 3, 3).Forward(g, x, 1)

	x = g.Add(x, g.Scalar(b.dtype, 1))
	x = g.Mul(x, g.Scalar(b.dtype, 0.5))
	return b.net([]ml.Tensor{latent}, []ml.Tensor{rgba(g, x)})
}

// rgba converts [0, 1] RGB values to bytes and appends an opaque alpha
// channel.
func rgba(g ml.Graph, x ml.Tensor) ml.Tensor {
	x = g.Clamp(x, 0, 1)
	x = g.Mul(x, g.Scalar(x.DType(), 255))
	x = g.Round(x)
	x = g.Cast(x, ml.DTypeU8)

	shape := x.Shape()
	alpha := g.Broadcast(g.Scalar(ml.DTypeU8, 255), shape[0], shape[1], shape[2], 1)
	return g.Concat(3, x, alpha)
}
