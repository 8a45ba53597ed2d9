package nn

import (
	"math"

	"github.com/jmorganca/stagediff/ml"
)

// Swish is x * sigmoid(x).
func Swish(g ml.Graph, t ml.Tensor) ml.Tensor {
	return g.Mul(t, g.Sigmoid(t))
}

// GELU is the exact erf form, x * (1 + erf(x / √2)) / 2.
func GELU(g ml.Graph, t ml.Tensor) ml.Tensor {
	dtype := t.DType()
	x := g.Mul(t, g.Scalar(dtype, 1/math.Sqrt2))
	x = g.Erf(x)
	x = g.Add(x, g.Scalar(dtype, 1))
	x = g.Mul(x, g.Scalar(dtype, 0.5))
	return g.Mul(t, x)
}
