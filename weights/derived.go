package weights

import (
	"fmt"
	"log/slog"
	"math"
)

// Names of the constants that are not part of a checkpoint's state dict.
const (
	TembCoefficients = "temb_coefficients"
	CausalMask       = "causal_mask"
	AlphasCumprod    = "alphas_cumprod"
	AuxWeight        = "aux_output_conv.weight"
	AuxBias          = "aux_output_conv.bias"
)

// MaskValue is the additive mask applied above the diagonal. It must fit in
// half precision.
const MaskValue = -65500

var (
	auxWeight = []float32{
		0.14013671875, 0.0711669921875, -0.03271484375, -0.11407470703125,
		0.126220703125, 0.10101318359375, 0.034515380859375, -0.1383056640625,
		0.126220703125, 0.07733154296875, 0.042633056640625, -0.177978515625,
	}

	auxBias = []float32{0.423828125, 0.471923828125, 0.473876953125}
)

// Frequencies returns exp(-ln(10000) * i / n) for i in [0, n).
func Frequencies(n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = float32(math.Exp(-math.Log(10000) * float64(i) / float64(n)))
	}
	return s
}

// Mask returns an n×n additive causal mask.
func Mask(n int) []float32 {
	s := make([]float32, n*n)
	for i := range n {
		for j := i + 1; j < n; j++ {
			s[i*n+j] = MaskValue
		}
	}
	return s
}

// Schedule returns the cumulative product of (1 - beta) for the scaled linear
// beta schedule used in training.
func Schedule(steps int) []float32 {
	const start, end = 0.00085, 0.012

	s := make([]float32, steps)
	lo, hi := math.Sqrt(start), math.Sqrt(end)
	prod := 1.0
	for i := range s {
		frac := 0.0
		if steps > 1 {
			frac = float64(i) / float64(steps-1)
		}

		beta := lo + (hi-lo)*frac
		prod *= 1 - beta*beta
		s[i] = float32(prod)
	}
	return s
}

// Derived computes one of the constants above for t, or reports false.
func Derived(t Tensor) ([]float32, bool) {
	var s []float32
	switch t.Name {
	case TembCoefficients:
		s = Frequencies(t.Elems())
	case CausalMask:
		s = Mask(t.Shape[len(t.Shape)-1])
	case AlphasCumprod:
		s = Schedule(t.Elems())
	case AuxWeight:
		s = auxWeight
	case AuxBias:
		s = auxBias
	default:
		return nil, false
	}

	if len(s) != t.Elems() {
		return nil, false
	}

	out := make([]float32, len(s))
	copy(out, s)
	return out, true
}

// Fallback serves derived constants that a primary source lacks.
type Fallback struct {
	Source
}

func (f Fallback) Load(t Tensor) ([]float32, error) {
	s, err := f.Source.Load(t)
	if err == nil {
		return s, nil
	}

	if t.Role == RoleConstant {
		if s, ok := Derived(t); ok {
			slog.Debug("using derived constant", "name", t.Name, "error", err)
			return s, nil
		}
	}

	return nil, err
}

// WriteDerived stores every derived constant in ts that d lacks.
func WriteDerived(d Dir, ts []Tensor) ([]Tensor, error) {
	var written []Tensor
	for _, t := range d.Missing(ts) {
		s, ok := Derived(t)
		if !ok {
			continue
		}

		if err := d.Store(t, s); err != nil {
			return written, fmt.Errorf("write %s: %w", t.Name, err)
		}

		slog.Info("wrote derived constant", "name", t.Name, "path", d.Path(t))
		written = append(written, t)
	}

	return written, nil
}
