package diffusion

import (
	"fmt"
	"math"
)

// MaxSteps is the most denoising steps a request may ask for.
const MaxSteps = 999

// Stride is the distance between consecutive timesteps.
func Stride(steps, train int) int {
	return max(1, train/steps)
}

// Timesteps returns the first steps ascending timesteps 1, 1+stride, ...
// below train.
func Timesteps(steps, train int) ([]int, error) {
	if steps < 1 || steps > MaxSteps {
		return nil, &ValidationError{Field: "steps", Reason: fmt.Sprintf("%d is outside [1, %d]", steps, MaxSteps)}
	}

	stride := Stride(steps, train)
	ts := make([]int, 0, steps)
	for t := 1; t < train && len(ts) < steps; t += stride {
		ts = append(ts, t)
	}

	if len(ts) != steps {
		return nil, &ValidationError{Field: "steps", Reason: fmt.Sprintf("stride %d yields %d of %d timesteps below %d", stride, len(ts), steps, train)}
	}

	return ts, ValidateTimesteps(ts, stride, train)
}

// PrevTimestep is the timestep the update at index i lands on: the next
// smaller timestep, or t-stride clamped to -1 for the first.
func PrevTimestep(ts []int, i, stride int) int {
	if i > 0 {
		return ts[i-1]
	}
	return max(-1, ts[i]-stride)
}

// ValidateTimesteps checks that ts is strictly increasing within [0, train)
// and that every previous timestep is addressable.
func ValidateTimesteps(ts []int, stride, train int) error {
	if len(ts) == 0 {
		return &ValidationError{Field: "steps", Reason: "no timesteps"}
	}

	for i, t := range ts {
		if t < 0 || t >= train {
			return &ValidationError{Field: "steps", Reason: fmt.Sprintf("timestep %d outside [0, %d)", t, train)}
		}

		if i > 0 && t <= ts[i-1] {
			return &ValidationError{Field: "steps", Reason: fmt.Sprintf("timesteps not increasing at %d", i)}
		}
	}

	for i := range ts {
		if prev := PrevTimestep(ts, i, stride); prev < -1 || prev >= ts[i] {
			return &ValidationError{Field: "steps", Reason: fmt.Sprintf("previous timestep %d out of range for %d", prev, ts[i])}
		}
	}

	return nil
}

// Schedule is the cumulative alpha product of the scaled linear beta
// schedule, in float64.
func Schedule(train int) []float64 {
	const start, end = 0.00085, 0.012

	ac := make([]float64, train)
	lo, hi := math.Sqrt(start), math.Sqrt(end)
	prod := 1.0
	for i := range ac {
		beta := lo + (hi-lo)*float64(i)/float64(max(train-1, 1))
		prod *= 1 - beta*beta
		ac[i] = prod
	}
	return ac
}

// StepHost is the scheduler step computed on the host in float64. It mirrors
// the graph built by model.SchedulerStep.
func StepHost(ac []float64, x, etaUncond, etaCond []float32, t, tPrev int, scale float64) []float32 {
	alpha := ac[t]
	alphaPrev := 1.0
	if tPrev >= 0 {
		alphaPrev = ac[tPrev]
	}

	out := make([]float32, len(x))
	for i := range x {
		eta := float64(etaUncond[i]) + math.Tanh(scale*float64(etaCond[i]-etaUncond[i]))
		predX0 := (float64(x[i]) - math.Sqrt(1-alpha)*eta) / math.Sqrt(alpha)
		out[i] = float32(math.Sqrt(alphaPrev)*predX0 + math.Sqrt(1-alphaPrev)*eta)
	}
	return out
}
