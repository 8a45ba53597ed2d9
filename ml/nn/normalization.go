package nn

import (
	"github.com/jmorganca/stagediff/ml"
)

// LayerNorm normalizes the last axis of an [N, T, C] tensor.
type LayerNorm struct {
	Weight ml.Tensor
	Bias   ml.Tensor
}

func (m *LayerNorm) Forward(g ml.Graph, t ml.Tensor, eps float32) ml.Tensor {
	axis := len(t.Shape()) - 1
	mean := g.Mean(t, axis)
	variance := g.Variance(t, axis)
	return g.Normalize(t, mean, variance, m.Weight, m.Bias, eps)
}

// GroupNorm normalizes NHWC tensors over spatial positions and channel groups.
// Weight and Bias are shaped [1, 1, 1, groups, channels/groups].
type GroupNorm struct {
	Weight ml.Tensor
	Bias   ml.Tensor
	Groups int
}

func (m *GroupNorm) Forward(g ml.Graph, t ml.Tensor, eps float32) ml.Tensor {
	shape := t.Shape()
	n, h, w, c := shape[0], shape[1], shape[2], shape[3]

	x := g.Reshape(t, n, h, w, m.Groups, c/m.Groups)
	mean := g.Mean(x, 1, 2, 4)
	variance := g.Variance(x, 1, 2, 4)
	x = g.Normalize(x, mean, variance, m.Weight, m.Bias, eps)
	return g.Reshape(x, shape...)
}
