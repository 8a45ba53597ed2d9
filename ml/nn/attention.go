package nn

import (
	"github.com/jmorganca/stagediff/ml"
)

// Attention implements scaled dot-product attention:
// Attention(Q, K, V) = softmax(QK^T·scale + mask)V
//
// Parameters:
//   - query: [batch, heads, seq_q, d_k]
//   - key: [batch, heads, seq_k, d_k]
//   - value: [batch, heads, seq_k, d_v]
//   - scale: typically 1/√d_k, applied to the keys before the product to keep
//     half precision scores in range
//   - mask: additive mask broadcastable to [batch, heads, seq_q, seq_k], or nil
//
// Returns:
//
//	Attention output with shape [batch, heads, seq_q, d_v]
func Attention(g ml.Graph, query, key, value ml.Tensor, scale float32, mask ml.Tensor) ml.Tensor {
	key = g.Mul(key, g.Scalar(key.DType(), scale))
	kq := g.MatMul(query, g.Transpose(key, 2, 3))
	if mask != nil {
		kq = g.Add(kq, mask)
	}

	kq = g.Softmax(kq, -1)
	return g.MatMul(kq, value)
}

// SlicedAttention computes Attention one head at a time. The result is the
// same; the peak size of the score matrix is divided by the head count.
func SlicedAttention(g ml.Graph, query, key, value ml.Tensor, scale float32, mask ml.Tensor) ml.Tensor {
	heads := query.Shape()[1]
	if heads == 1 {
		return Attention(g, query, key, value, scale, mask)
	}

	out := make([]ml.Tensor, heads)
	for i := range heads {
		out[i] = Attention(g,
			g.Slice(query, 1, i, 1),
			g.Slice(key, 1, i, 1),
			g.Slice(value, 1, i, 1),
			scale, mask)
	}

	return g.Concat(1, out...)
}
