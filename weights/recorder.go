package weights

import (
	"slices"
	"sync"
)

// Recorder wraps a source and remembers every tensor requested through it,
// in first request order.
type Recorder struct {
	Source

	mu   sync.Mutex
	seen map[string]bool
	ts   []Tensor
}

func NewRecorder(src Source) *Recorder {
	return &Recorder{Source: src, seen: make(map[string]bool)}
}

func (r *Recorder) Load(t Tensor) ([]float32, error) {
	r.mu.Lock()
	if !r.seen[t.Name] {
		r.seen[t.Name] = true
		r.ts = append(r.ts, t)
	}
	r.mu.Unlock()

	return r.Source.Load(t)
}

func (r *Recorder) Tensors() []Tensor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.ts)
}

// Discard is a source that returns no data. Paired with a Recorder it lists
// the tensors a graph needs without reading anything.
type Discard struct{}

func (Discard) Load(Tensor) ([]float32, error) {
	return nil, nil
}
