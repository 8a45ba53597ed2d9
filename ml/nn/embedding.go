package nn

import "github.com/jmorganca/stagediff/ml"

type Embedding struct {
	Weight ml.Tensor
}

func (m *Embedding) Forward(g ml.Graph, ids ml.Tensor) ml.Tensor {
	return g.Gather(m.Weight, ids)
}
