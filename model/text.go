package model

import (
	"fmt"
	"math"

	"github.com/jmorganca/stagediff/ml"
	"github.com/jmorganca/stagediff/ml/nn"
	"github.com/jmorganca/stagediff/weights"
)

const textPrefix = "cond_stage_model.transformer.text_model"

type textAttention struct {
	Query  *nn.Linear
	Key    *nn.Linear
	Value  *nn.Linear
	Output *nn.Linear

	heads int
}

func (a *textAttention) Forward(g ml.Graph, x, mask ml.Tensor) ml.Tensor {
	shape := x.Shape()
	n, t, c := shape[0], shape[1], shape[2]
	headDim := c / a.heads

	split := func(h ml.Tensor) ml.Tensor {
		return g.Transpose(g.Reshape(h, n, t, a.heads, headDim), 1, 2)
	}

	q := split(a.Query.Forward(g, x))
	k := split(a.Key.Forward(g, x))
	v := split(a.Value.Forward(g, x))

	att := nn.Attention(g, q, k, v, float32(1/math.Sqrt(float64(headDim))), mask)
	att = g.Reshape(g.Transpose(att, 1, 2), n, t, c)
	return a.Output.Forward(g, att)
}

type textLayer struct {
	Norm1     *nn.LayerNorm
	Attention *textAttention
	Norm2     *nn.LayerNorm
	Up        *nn.Linear
	Down      *nn.Linear
}

func newTextLayer(b *builder, c Config, name string) *textLayer {
	d := c.TextHidden
	return &textLayer{
		Norm1: b.layerNorm(name+".layer_norm1", d),
		Attention: &textAttention{
			Query:  b.linear(name+".self_attn.q_proj", d, d, true),
			Key:    b.linear(name+".self_attn.k_proj", d, d, true),
			Value:  b.linear(name+".self_attn.v_proj", d, d, true),
			Output: b.linear(name+".self_attn.out_proj", d, d, true),
			heads:  c.TextHeads,
		},
		Norm2: b.layerNorm(name+".layer_norm2", d),
		Up:    b.linear(name+".mlp.fc1", d, c.TextMLP, true),
		Down:  b.linear(name+".mlp.fc2", c.TextMLP, d, true),
	}
}

func (l *textLayer) Forward(g ml.Graph, x, mask ml.Tensor, eps float32) ml.Tensor {
	residual := x
	x = l.Norm1.Forward(g, x, eps)
	x = l.Attention.Forward(g, x, mask)
	x = g.Add(x, residual)

	residual = x
	x = l.Norm2.Forward(g, x, eps)
	x = nn.GELU(g, l.Up.Forward(g, x))
	x = l.Down.Forward(g, x)
	return g.Add(x, residual)
}

// TextGuidance encodes a [2, context] batch of token ids, unconditional
// prompt first, and returns the two [1, context, hidden] embeddings.
func (m *Model) TextGuidance(g ml.Graph) (Net, error) {
	b := m.builder(g)
	c := m.Config
	t, d := c.ContextLength, c.TextHidden

	ids := g.Placeholder(ml.DTypeI32, 2, t)

	token := &nn.Embedding{
		Weight: b.tensor(b.weight(textPrefix+".embeddings.token_embedding.weight", weights.RoleEmbedding, c.VocabSize, d)),
	}
	position := b.tensor(b.weight(textPrefix+".embeddings.position_embedding.weight", weights.RoleEmbedding, t, d), 1, t, d)
	mask := b.tensor(b.weight(weights.CausalMask, weights.RoleConstant, 1, 1, t, t))

	x := g.Add(token.Forward(g, ids), position)
	for i := range c.TextLayers {
		x = newTextLayer(b, c, fmt.Sprintf("%s.encoder.layers.%d", textPrefix, i)).Forward(g, x, mask, b.eps)
	}

	x = b.layerNorm(textPrefix+".final_layer_norm", d).Forward(g, x, b.eps)

	return b.net([]ml.Tensor{ids}, []ml.Tensor{
		g.Slice(x, 0, 0, 1),
		g.Slice(x, 0, 1, 1),
	})
}

// GuidanceConcat stacks the unconditional and conditional embeddings into
// one [2, context, hidden] batch.
func (m *Model) GuidanceConcat(g ml.Graph) (Net, error) {
	b := m.builder(g)
	uncond := g.Placeholder(b.dtype, 1, m.ContextLength, m.TextHidden)
	cond := g.Placeholder(b.dtype, 1, m.ContextLength, m.TextHidden)
	return b.net([]ml.Tensor{uncond, cond}, []ml.Tensor{g.Concat(0, uncond, cond)})
}
