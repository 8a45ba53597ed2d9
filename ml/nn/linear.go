package nn

import "github.com/jmorganca/stagediff/ml"

// Linear holds its weight as [in, out] so inputs multiply on the left.
type Linear struct {
	Weight ml.Tensor
	Bias   ml.Tensor
}

func (m *Linear) Forward(g ml.Graph, t ml.Tensor) ml.Tensor {
	t = g.MatMul(t, m.Weight)
	if m.Bias != nil {
		t = g.Add(t, m.Bias)
	}

	return t
}
