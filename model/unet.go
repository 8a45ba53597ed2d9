package model

import (
	"fmt"
	"math"

	"github.com/jmorganca/stagediff/ml"
	"github.com/jmorganca/stagediff/ml/nn"
)

const unetPrefix = "model.diffusion_model"

// unetMult is the channel multiplier per resolution level. The deepest level
// has no spatial transformers and no downsample.
var unetMult = []int{1, 2, 4, 4}

// Stage boundaries in the output blocks. Stage 2 runs [0, 5), stage 3 the
// rest.
const (
	stage2End    = 5
	outputBlocks = 12
)

type resBlock struct {
	InNorm  *nn.GroupNorm
	InConv  *nn.Conv2D
	Emb     *nn.Linear
	OutNorm *nn.GroupNorm
	OutConv *nn.Conv2D
	Skip    *nn.Conv2D
}

func newResBlock(b *builder, c Config, name string, in, out int) *resBlock {
	r := &resBlock{
		InNorm:  b.groupNorm(name+".in_layers.0", in),
		InConv:  b.conv(name+".in_layers.2", in, out, 3),
		Emb:     b.linear(name+".emb_layers.1", c.EmbedWidth(), out, true),
		OutNorm: b.groupNorm(name+".out_layers.0", out),
		OutConv: b.conv(name+".out_layers.3", out, out, 3),
	}

	if in != out {
		r.Skip = b.conv(name+".skip_connection", in, out, 1)
	}

	return r
}

func (r *resBlock) Forward(g ml.Graph, x, emb ml.Tensor, eps float32) ml.Tensor {
	h := nn.Swish(g, r.InNorm.Forward(g, x, eps))
	h = r.InConv.Forward(g, h, 1)

	e := r.Emb.Forward(g, nn.Swish(g, emb))
	e = g.Reshape(e, 1, 1, 1, e.Shape()[1])
	h = g.Add(h, e)

	h = nn.Swish(g, r.OutNorm.Forward(g, h, eps))
	h = r.OutConv.Forward(g, h, 1)

	if r.Skip != nil {
		x = r.Skip.Forward(g, x, 1)
	}

	return g.Add(h, x)
}

type crossAttention struct {
	Query  *nn.Linear
	Key    *nn.Linear
	Value  *nn.Linear
	Output *nn.Linear

	heads  int
	sliced bool
}

func newCrossAttention(b *builder, name string, channels, context, heads int, sliced bool) *crossAttention {
	return &crossAttention{
		Query:  b.linear(name+".to_q", channels, channels, false),
		Key:    b.linear(name+".to_k", context, channels, false),
		Value:  b.linear(name+".to_v", context, channels, false),
		Output: b.linear(name+".to_out.0", channels, channels, true),
		heads:  heads,
		sliced: sliced,
	}
}

// Forward attends from x to context, or to x itself when context is nil.
func (a *crossAttention) Forward(g ml.Graph, x, context ml.Tensor) ml.Tensor {
	if context == nil {
		context = x
	}

	shape := x.Shape()
	n, t, c := shape[0], shape[1], shape[2]
	headDim := c / a.heads

	split := func(h ml.Tensor) ml.Tensor {
		return g.Transpose(g.Reshape(h, n, h.Shape()[1], a.heads, headDim), 1, 2)
	}

	q := split(a.Query.Forward(g, x))
	k := split(a.Key.Forward(g, context))
	v := split(a.Value.Forward(g, context))

	attention := nn.Attention
	if a.sliced {
		attention = nn.SlicedAttention
	}

	att := attention(g, q, k, v, float32(1/math.Sqrt(float64(headDim))), nil)
	att = g.Reshape(g.Transpose(att, 1, 2), n, t, c)
	return a.Output.Forward(g, att)
}

type transformerBlock struct {
	Norm1 *nn.LayerNorm
	Attn1 *crossAttention
	Norm2 *nn.LayerNorm
	Attn2 *crossAttention
	Norm3 *nn.LayerNorm

	// Proj produces the value and gate halves of the gated feed forward.
	Proj *nn.Linear
	Out  *nn.Linear
}

func (t *transformerBlock) Forward(g ml.Graph, x, context ml.Tensor, eps float32) ml.Tensor {
	x = g.Add(t.Attn1.Forward(g, t.Norm1.Forward(g, x, eps), nil), x)
	x = g.Add(t.Attn2.Forward(g, t.Norm2.Forward(g, x, eps), context), x)

	h := t.Proj.Forward(g, t.Norm3.Forward(g, x, eps))
	inner := h.Shape()[2] / 2
	gate := nn.GELU(g, g.Slice(h, 2, inner, inner))
	h = g.Mul(g.Slice(h, 2, 0, inner), gate)
	return g.Add(t.Out.Forward(g, h), x)
}

type spatialTransformer struct {
	Norm    *nn.GroupNorm
	ProjIn  *nn.Conv2D
	Block   *transformerBlock
	ProjOut *nn.Conv2D
}

func newSpatialTransformer(b *builder, c Config, o Options, name string, channels int) *spatialTransformer {
	block := name + ".transformer_blocks.0"
	return &spatialTransformer{
		Norm:   b.groupNorm(name+".norm", channels),
		ProjIn: b.conv(name+".proj_in", channels, channels, 1),
		Block: &transformerBlock{
			Norm1: b.layerNorm(block+".norm1", channels),
			Attn1: newCrossAttention(b, block+".attn1", channels, channels, c.Heads, o.SliceHeads),
			Norm2: b.layerNorm(block+".norm2", channels),
			Attn2: newCrossAttention(b, block+".attn2", channels, c.TextHidden, c.Heads, o.SliceHeads),
			Norm3: b.layerNorm(block+".norm3", channels),
			Proj:  b.linear(block+".ff.net.0.proj", channels, 8*channels, true),
			Out:   b.linear(block+".ff.net.2", 4*channels, channels, true),
		},
		ProjOut: b.conv(name+".proj_out", channels, channels, 1),
	}
}

func (s *spatialTransformer) Forward(g ml.Graph, x, context ml.Tensor, eps float32) ml.Tensor {
	shape := x.Shape()
	n, h, w, c := shape[0], shape[1], shape[2], shape[3]

	t := s.Norm.Forward(g, x, eps)
	t = s.ProjIn.Forward(g, t, 1)
	t = g.Reshape(t, n, h*w, c)
	t = s.Block.Forward(g, t, context, eps)
	t = g.Reshape(t, n, h, w, c)
	t = s.ProjOut.Forward(g, t, 1)
	return g.Add(t, x)
}

func (m *Model) conditioning(g ml.Graph, o Options) ml.Tensor {
	return g.Placeholder(ml.DTypeF16, o.Batch, m.ContextLength, m.TextHidden)
}

// UNetStage1 runs the time embedding MLP, the input blocks and the middle
// block. Inputs are the latent, the text conditioning and the time features.
// Outputs are the twelve skip activations followed by the time embedding and
// the middle block result.
func (m *Model) UNetStage1(g ml.Graph, o Options) (Net, error) {
	b := m.builder(g)
	c := m.Config
	p := unetPrefix

	latent := g.Placeholder(b.dtype, o.latent(c)...)
	cond := m.conditioning(g, o)
	features := g.Placeholder(b.dtype, 1, c.TimeWidth())

	emb := b.linear(p+".time_embed.0", c.TimeWidth(), c.EmbedWidth(), true).Forward(g, features)
	emb = nn.Swish(g, emb)
	emb = b.linear(p+".time_embed.2", c.EmbedWidth(), c.EmbedWidth(), true).Forward(g, emb)

	x := latent
	if o.Batch > 1 {
		x = g.Broadcast(x, o.Batch, o.Height, o.Width, c.LatentChannels)
	}

	channels := c.ModelChannels
	x = b.conv(fmt.Sprintf("%s.input_blocks.0.0", p), c.LatentChannels, channels, 3).Forward(g, x, 1)
	saved := []ml.Tensor{x}

	block := 1
	for level, mult := range unetMult {
		out := mult * c.ModelChannels
		for range 2 {
			name := fmt.Sprintf("%s.input_blocks.%d", p, block)
			x = newResBlock(b, c, name+".0", channels, out).Forward(g, x, emb, b.eps)
			if level < len(unetMult)-1 {
				x = newSpatialTransformer(b, c, o, name+".1", out).Forward(g, x, cond, b.eps)
			}

			channels = out
			saved = append(saved, x)
			block++
		}

		if level < len(unetMult)-1 {
			down := b.conv(fmt.Sprintf("%s.input_blocks.%d.0.op", p, block), channels, channels, 3)
			x = down.Forward(g, x, 2)
			saved = append(saved, x)
			block++
		}
	}

	x = newResBlock(b, c, p+".middle_block.0", channels, channels).Forward(g, x, emb, b.eps)
	x = newSpatialTransformer(b, c, o, p+".middle_block.1", channels).Forward(g, x, cond, b.eps)
	x = newResBlock(b, c, p+".middle_block.2", channels, channels).Forward(g, x, emb, b.eps)

	return b.net([]ml.Tensor{latent, cond, features}, append(saved, emb, x))
}

// UNetStage2 runs the first output blocks. Inputs are stage 1's outputs, as
// described by upstream, followed by the text conditioning. Outputs are the
// unconsumed skip activations, the time embedding and the running result.
func (m *Model) UNetStage2(g ml.Graph, o Options, upstream []ml.Slot) (Net, error) {
	return m.outputStage(g, o, upstream, 0, stage2End)
}

// UNetStage3 runs the remaining output blocks and the output projection,
// producing the predicted noise.
func (m *Model) UNetStage3(g ml.Graph, o Options, upstream []ml.Slot) (Net, error) {
	return m.outputStage(g, o, upstream, stage2End, outputBlocks)
}

func (m *Model) outputStage(g ml.Graph, o Options, upstream []ml.Slot, from, to int) (Net, error) {
	b := m.builder(g)
	c := m.Config
	p := unetPrefix

	if len(upstream) < 2+to-from {
		return Net{}, fmt.Errorf("output blocks %d to %d need %d upstream tensors, have %d", from, to, 2+to-from, len(upstream))
	}

	inputs := make([]ml.Tensor, 0, len(upstream)+1)
	for _, s := range upstream {
		inputs = append(inputs, g.Placeholder(s.DType, s.Shape...))
	}
	cond := m.conditioning(g, o)
	inputs = append(inputs, cond)

	saved := inputs[:len(upstream)-2]
	emb, x := inputs[len(upstream)-2], inputs[len(upstream)-1]

	for i := from; i < to; i++ {
		skip := saved[len(saved)-1]
		saved = saved[:len(saved)-1]
		x = g.Concat(3, x, skip)

		level := len(unetMult) - 1 - i/3
		out := unetMult[level] * c.ModelChannels
		name := fmt.Sprintf("%s.output_blocks.%d", p, i)

		x = newResBlock(b, c, name+".0", x.Shape()[3], out).Forward(g, x, emb, b.eps)

		sub := 1
		if level < len(unetMult)-1 {
			x = newSpatialTransformer(b, c, o, name+".1", out).Forward(g, x, cond, b.eps)
			sub++
		}

		if level > 0 && i%3 == 2 {
			x = g.UpsampleNearest(x, 2)
			x = b.conv(fmt.Sprintf("%s.%d.conv", name, sub), out, out, 3).Forward(g, x, 1)
		}
	}

	if to < outputBlocks {
		return b.net(inputs, append(append([]ml.Tensor{}, saved...), emb, x))
	}

	x = nn.Swish(g, b.groupNorm(p+".out.0", x.Shape()[3]).Forward(g, x, b.eps))
	x = b.conv(p+".out.2", x.Shape()[3], c.LatentChannels, 3).Forward(g, x, 1)
	return b.net(inputs, []ml.Tensor{x})
}
