package nn

import "github.com/jmorganca/stagediff/ml"

type Conv2D struct {
	// Weight is OIHW.
	Weight ml.Tensor

	// Bias is shaped [1, 1, 1, out] to broadcast over NHWC outputs.
	Bias ml.Tensor
}

// Forward convolves an NHWC tensor. Padding is half the kernel size so a
// stride of 1 keeps the spatial size.
func (m *Conv2D) Forward(g ml.Graph, t ml.Tensor, stride int) ml.Tensor {
	t = g.Conv2D(t, m.Weight, stride, m.Weight.Shape()[2]/2)
	if m.Bias != nil {
		t = g.Add(t, m.Bias)
	}
	return t
}
