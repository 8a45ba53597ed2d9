package weights

import (
	"hash/fnv"
	"math"
	"math/rand/v2"
)

// Synthetic produces deterministic random weights. Each tensor is seeded from
// its name, so the values do not depend on load order. Derived constants get
// their real values.
type Synthetic struct {
	Seed uint64

	// Gain scales weight standard deviations. Zero means 1.
	Gain float64
}

func (s Synthetic) Load(t Tensor) ([]float32, error) {
	if v, ok := Derived(t); ok {
		return v, nil
	}

	h := fnv.New64a()
	h.Write([]byte(t.Name))
	r := rand.New(rand.NewPCG(s.Seed, h.Sum64()))

	gain := s.Gain
	if gain == 0 {
		gain = 1
	}

	out := make([]float32, t.Elems())
	switch t.Role {
	case RoleScale:
		for i := range out {
			out[i] = float32(1 + 0.1*r.NormFloat64())
		}
	case RoleShift, RoleBias:
		for i := range out {
			out[i] = float32(0.02 * r.NormFloat64())
		}
	case RoleEmbedding:
		for i := range out {
			out[i] = float32(0.5 * r.NormFloat64())
		}
	default:
		// weights are [out, in, ...]; scale by fan-in
		fanIn := t.Elems()
		if len(t.Shape) > 1 {
			fanIn /= t.Shape[0]
		}

		std := gain / math.Sqrt(float64(max(fanIn, 1)))
		for i := range out {
			out[i] = float32(std * r.NormFloat64())
		}
	}

	return out, nil
}
