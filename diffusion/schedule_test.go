package diffusion

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/stagediff/weights"
)

func TestTimesteps(t *testing.T) {
	cases := []struct {
		steps int
		first []int
		last  int
		prev  int
	}{
		{steps: 1, first: []int{1}, last: 1, prev: -1},
		{steps: 2, first: []int{1, 501}, last: 501, prev: -1},
		{steps: 30, first: []int{1, 34, 67}, last: 958, prev: -1},
		{steps: 50, first: []int{1, 21, 41}, last: 981, prev: -1},
		{steps: 333, first: []int{1, 4, 7}, last: 997, prev: -1},
		{steps: 600, first: []int{1, 2, 3}, last: 600, prev: 0},
		{steps: 999, first: []int{1, 2, 3}, last: 999, prev: 0},
	}

	for _, tt := range cases {
		ts, err := Timesteps(tt.steps, 1000)
		require.NoError(t, err)
		assert.Len(t, ts, tt.steps, "steps=%d", tt.steps)
		assert.Equal(t, tt.last, ts[len(ts)-1], "steps=%d", tt.steps)
		if diff := cmp.Diff(tt.first, ts[:len(tt.first)]); diff != "" {
			t.Errorf("steps=%d (-want +got):\n%s", tt.steps, diff)
		}

		stride := Stride(tt.steps, 1000)
		assert.Equal(t, tt.prev, PrevTimestep(ts, 0, stride), "steps=%d", tt.steps)
		for i := 1; i < len(ts); i++ {
			assert.Equal(t, ts[i-1], PrevTimestep(ts, i, stride))
		}
		assert.Less(t, ts[len(ts)-1], 1000)
	}
}

func TestTimestepsInvalid(t *testing.T) {
	for _, steps := range []int{-1, 0, 1000} {
		_, err := Timesteps(steps, 1000)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve, "steps=%d", steps)
		assert.Equal(t, "steps", ve.Field)
	}

	// a short training schedule cannot hold every requested step
	_, err := Timesteps(20, 10)
	var short *ValidationError
	require.ErrorAs(t, err, &short)
	assert.Contains(t, short.Reason, "yields 9 of 20")

	var ve *ValidationError
	require.ErrorAs(t, ValidateTimesteps([]int{1, 1}, 1, 1000), &ve)
	require.ErrorAs(t, ValidateTimesteps([]int{1, 1000}, 1, 1000), &ve)
	require.ErrorAs(t, ValidateTimesteps(nil, 1, 1000), &ve)
}

func TestSchedule(t *testing.T) {
	ac := Schedule(1000)
	require.Len(t, ac, 1000)

	assert.InDelta(t, 1-0.00085, ac[0], 1e-12)
	assert.InDelta(t, 0.0047, ac[999], 1e-4)
	for i := 1; i < len(ac); i++ {
		if ac[i] >= ac[i-1] {
			t.Fatalf("schedule not decreasing at %d", i)
		}
	}

	derived := weights.Schedule(1000)
	for i := range ac {
		assert.InDelta(t, ac[i], float64(derived[i]), 1e-6)
	}
}

func TestStepHost(t *testing.T) {
	ac := Schedule(1000)
	x := []float32{0.5, -1}
	uncond := []float32{0.1, 0.2}
	cond := []float32{0.3, -0.4}

	// a zero guidance scale ignores the conditional prediction
	a := StepHost(ac, x, uncond, cond, 500, 480, 0)
	b := StepHost(ac, x, uncond, uncond, 500, 480, 7.5)
	assert.Equal(t, a, b)

	// the guidance correction saturates at one
	big := StepHost(ac, x, []float32{0, 0}, []float32{1, -1}, 500, 480, 1e6)
	plusOne := StepHost(ac, x, []float32{1, -1}, []float32{1, -1}, 500, 480, 0)
	assert.InDeltaSlice(t, plusOne, big, 1e-6)

	// the final step lands on the predicted sample
	last := StepHost(ac, x, uncond, uncond, 1, -1, 1)
	for i := range x {
		want := (float64(x[i]) - math.Sqrt(1-ac[1])*float64(uncond[i])) / math.Sqrt(ac[1])
		assert.InDelta(t, want, float64(last[i]), 1e-6)
	}
}

func TestNoise(t *testing.T) {
	a := Noise(42, 4096)
	assert.Equal(t, a, Noise(42, 4096))
	assert.NotEqual(t, a, Noise(43, 4096))
	assert.Equal(t, a[:16], Noise(42, 16))

	var sum, sq float64
	for _, v := range a {
		sum += float64(v)
		sq += float64(v) * float64(v)
	}
	mean := sum / float64(len(a))
	assert.InDelta(t, 0, mean, 0.1)
	assert.InDelta(t, 1, sq/float64(len(a))-mean*mean, 0.1)
}
