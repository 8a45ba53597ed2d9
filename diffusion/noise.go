package diffusion

import "math/rand/v2"

// noiseStream separates latent noise from other PCG users of the same seed.
const noiseStream = 0x73746167656469ff

// Noise returns n standard normal values determined by seed.
func Noise(seed int64, n int) []float32 {
	r := rand.New(rand.NewPCG(uint64(seed), noiseStream))
	s := make([]float32, n)
	for i := range s {
		s[i] = float32(r.NormFloat64())
	}
	return s
}
