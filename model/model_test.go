package model

import (
	"math"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gfs "gotest.tools/v3/fs"

	"github.com/jmorganca/stagediff/ml"
	"github.com/jmorganca/stagediff/weights"
)

func tinyConfig() Config {
	return Config{
		VocabSize:       64,
		ContextLength:   77,
		TextHidden:      16,
		TextLayers:      2,
		TextHeads:       2,
		TextMLP:         32,
		ModelChannels:   8,
		Heads:           2,
		Groups:          2,
		LatentChannels:  4,
		DecoderChannels: 4,
		ScaleFactor:     0.18215,
		TrainTimesteps:  1000,
		Eps:             1e-5,
	}
}

func setup(tb testing.TB) (ml.Backend, *Model) {
	tb.Helper()

	b, err := ml.NewBackend("cpu", ml.Options{Threads: 2})
	require.NoError(tb, err)
	tb.Cleanup(func() { b.Close() })

	return b, New(tinyConfig(), weights.Synthetic{Seed: 1})
}

// run compiles n and feeds inputs given in declaration order.
func run(tb testing.TB, b ml.Backend, g ml.Graph, n Net, inputs ...ml.Array) []ml.Array {
	tb.Helper()

	exe, err := g.Compile(n.Inputs, n.Outputs)
	require.NoError(tb, err)
	defer exe.Close()

	ordered := make([]ml.Array, 0, len(inputs))
	for _, slot := range exe.Feeds() {
		i := slices.IndexFunc(n.Inputs, func(t ml.Tensor) bool { return t.ID() == slot.ID })
		require.GreaterOrEqual(tb, i, 0)
		ordered = append(ordered, inputs[i])
	}

	out, err := exe.Run(tb.Context(), ordered...)
	require.NoError(tb, err)
	return out
}

func halfs(tb testing.TB, b ml.Backend, s []float32, shape ...int) ml.Array {
	tb.Helper()
	a, err := b.FromFloats(ml.DTypeF16, s, shape...)
	require.NoError(tb, err)
	return a
}

func ints(tb testing.TB, b ml.Backend, s ...int32) ml.Array {
	tb.Helper()
	a, err := b.FromInts(s, len(s))
	require.NoError(tb, err)
	return a
}

func ramp(n int, scale float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = scale * float32(math.Sin(float64(i)*0.7))
	}
	return s
}

func TestLoadConfig(t *testing.T) {
	dir := gfs.NewDir(t, "models",
		gfs.WithFile("config.json", `{"model_channels": 64, "norm_groups": 8, "decoder_channels": 64}`),
		gfs.WithFile("bad.json", `{"num_heads": 3}`),
	)

	c, err := LoadConfig(dir.Join("config.json"))
	require.NoError(t, err)
	assert.Equal(t, 64, c.ModelChannels)
	assert.Equal(t, 8, c.Groups)
	assert.Equal(t, 768, c.TextHidden)

	c, err = LoadConfig(dir.Join("missing.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), c)

	_, err = LoadConfig(dir.Join("bad.json"))
	assert.ErrorContains(t, err, "num_heads")

	assert.NoError(t, tinyConfig().Validate())
	assert.Equal(t, 8, DefaultConfig().Downsample())
}

func TestTimeFeatures(t *testing.T) {
	b, m := setup(t)
	g := b.NewGraph()

	n, err := m.TimeFeatures(g)
	require.NoError(t, err)

	out := run(t, b, g, n, ints(t, b, 10))
	require.Equal(t, []int{1, 8}, out[0].Shape())
	assert.Equal(t, ml.DTypeF16, out[0].DType())

	freqs := weights.Frequencies(4)
	want := make([]float32, 8)
	for i, f := range freqs {
		want[i] = float32(math.Cos(10 * float64(f)))
		want[4+i] = float32(math.Sin(10 * float64(f)))
	}

	if diff := cmp.Diff(want, out[0].Floats(), cmpopts.EquateApprox(0, 2e-3)); diff != "" {
		t.Errorf("features mismatch (-want +got):\n%s", diff)
	}
}

func TestSchedulerStep(t *testing.T) {
	b, m := setup(t)
	o := Options{Height: 2, Width: 2, Batch: 1}
	ac := weights.Schedule(1000)

	x := ramp(16, 1)
	etaUncond := ramp(16, 0.3)
	etaCond := make([]float32, 16)
	for i := range etaCond {
		etaCond[i] = etaUncond[i] + 0.1*float32(i%3)
	}

	cases := []struct {
		name     string
		t, tPrev int32
		scale    float32
	}{
		{"middle", 501, 401, 7.5},
		{"last", 1, -99, 7.5},
		{"no guidance", 901, 801, 0},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			g := b.NewGraph()
			n, err := m.SchedulerStep(g, o)
			require.NoError(t, err)

			scale, err := b.FromFloats(ml.DTypeF32, []float32{tt.scale}, 1)
			require.NoError(t, err)

			out := run(t, b, g, n,
				halfs(t, b, x, 1, 2, 2, 4),
				halfs(t, b, etaUncond, 1, 2, 2, 4),
				halfs(t, b, etaCond, 1, 2, 2, 4),
				ints(t, b, tt.t),
				ints(t, b, tt.tPrev),
				scale,
			)

			alpha := float64(ac[tt.t])
			alphaPrev := 1.0
			if tt.tPrev >= 0 {
				alphaPrev = float64(ac[tt.tPrev])
			}

			want := make([]float32, 16)
			for i := range want {
				eta := float64(etaUncond[i]) + math.Tanh(float64(tt.scale)*float64(etaCond[i]-etaUncond[i]))
				predX0 := (float64(x[i]) - math.Sqrt(1-alpha)*eta) / math.Sqrt(alpha)
				want[i] = float32(math.Sqrt(alphaPrev)*predX0 + math.Sqrt(1-alphaPrev)*eta)
			}

			if diff := cmp.Diff(want, out[0].Floats(), cmpopts.EquateApprox(0.01, 0.02)); diff != "" {
				t.Errorf("step mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPreview(t *testing.T) {
	b, m := setup(t)
	g := b.NewGraph()

	n, err := m.Preview(g, Options{Height: 2, Width: 3, Batch: 1})
	require.NoError(t, err)

	out := run(t, b, g, n, halfs(t, b, make([]float32, 24), 1, 2, 3, 4))
	require.Equal(t, []int{1, 16, 24, 4}, out[0].Shape())
	assert.Equal(t, ml.DTypeU8, out[0].DType())

	// a zero latent shows the bias
	px := out[0].Bytes()
	for i := 0; i < len(px); i += 4 {
		require.Equal(t, []byte{108, 120, 121, 255}, px[i:i+4], "pixel %d", i/4)
	}
}

func TestTextGuidance(t *testing.T) {
	b, m := setup(t)
	g := b.NewGraph()

	n, err := m.TextGuidance(g)
	require.NoError(t, err)

	ids := make([]int32, 2*77)
	for i := range 77 {
		ids[i] = int32(i % 7)
		ids[77+i] = int32(i % 7)
	}
	ids[77+3] = 40

	arr, err := b.FromInts(ids, 2, 77)
	require.NoError(t, err)

	out := run(t, b, g, n, arr)
	require.Len(t, out, 2)
	assert.Equal(t, []int{1, 77, 16}, out[0].Shape())
	assert.Equal(t, []int{1, 77, 16}, out[1].Shape())

	uncond, cond := out[0].Floats(), out[1].Floats()

	// causal: positions before the differing token agree
	assert.Equal(t, uncond[:3*16], cond[:3*16])
	assert.NotEqual(t, uncond[3*16:4*16], cond[3*16:4*16])

	for _, v := range cond {
		require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
	}
}

func TestGuidanceConcatAndEtaSplit(t *testing.T) {
	b, m := setup(t)

	g := b.NewGraph()
	n, err := m.GuidanceConcat(g)
	require.NoError(t, err)

	uncond, cond := ramp(77*16, 1), ramp(77*16, -1)
	out := run(t, b, g, n, halfs(t, b, uncond, 1, 77, 16), halfs(t, b, cond, 1, 77, 16))
	require.Equal(t, []int{2, 77, 16}, out[0].Shape())

	g = b.NewGraph()
	o := Options{Height: 2, Width: 2, Batch: 2}
	n, err = m.EtaSplit(g, o)
	require.NoError(t, err)

	eta := ramp(32, 1)
	out = run(t, b, g, n, halfs(t, b, eta, 2, 2, 2, 4))
	require.Len(t, out, 2)
	assert.Equal(t, []int{1, 2, 2, 4}, out[0].Shape())
	assert.Equal(t, out[0].Floats(), halfs(t, b, eta[:16], 1, 2, 2, 4).Floats())
	assert.Equal(t, out[1].Floats(), halfs(t, b, eta[16:], 1, 2, 2, 4).Floats())
}

// unet runs the three stages chained the way the sampler does.
func unet(t *testing.T, b ml.Backend, m *Model, o Options, latent, cond, features ml.Array) ml.Array {
	t.Helper()

	g := b.NewGraph()
	n, err := m.UNetStage1(g, o)
	require.NoError(t, err)
	out := run(t, b, g, n, latent, cond, features)
	require.Len(t, out, 14)

	for _, build := range []func(ml.Graph, Options, []ml.Slot) (Net, error){m.UNetStage2, m.UNetStage3} {
		upstream := make([]ml.Slot, len(out))
		for i, a := range out {
			upstream[i] = ml.Slot{Shape: a.Shape(), DType: a.DType()}
		}

		g := b.NewGraph()
		n, err := build(g, o, upstream)
		require.NoError(t, err)
		out = run(t, b, g, n, append(out, cond)...)
	}

	require.Len(t, out, 1)
	return out[0]
}

func TestUNet(t *testing.T) {
	b, m := setup(t)

	latent := halfs(t, b, ramp(8*8*4, 1), 1, 8, 8, 4)
	features := halfs(t, b, ramp(8, 1), 1, 8)
	cond := halfs(t, b, ramp(77*16, 0.5), 1, 77, 16)

	o := Options{Height: 8, Width: 8, Batch: 1}
	eta := unet(t, b, m, o, latent, cond, features)
	assert.Equal(t, []int{1, 8, 8, 4}, eta.Shape())
	for _, v := range eta.Floats() {
		require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
	}

	t.Run("sliced heads", func(t *testing.T) {
		o := o
		o.SliceHeads = true
		sliced := unet(t, b, m, o, latent, cond, features)
		if diff := cmp.Diff(eta.Floats(), sliced.Floats(), cmpopts.EquateApprox(0, 1e-2)); diff != "" {
			t.Errorf("sliced attention differs (-full +sliced):\n%s", diff)
		}
	})

	t.Run("batched", func(t *testing.T) {
		g := b.NewGraph()
		n, err := m.GuidanceConcat(g)
		require.NoError(t, err)
		pair := run(t, b, g, n, cond, cond)[0]

		o := Options{Height: 8, Width: 8, Batch: 2}
		batched := unet(t, b, m, o, latent, pair, features)
		require.Equal(t, []int{2, 8, 8, 4}, batched.Shape())

		s := batched.Floats()
		if diff := cmp.Diff(eta.Floats(), s[:len(s)/2], cmpopts.EquateApprox(0, 1e-2)); diff != "" {
			t.Errorf("batched pass differs (-single +batched):\n%s", diff)
		}
	})

	t.Run("short upstream", func(t *testing.T) {
		_, err := m.UNetStage2(b.NewGraph(), o, make([]ml.Slot, 3))
		assert.Error(t, err)
	})
}

func TestDecoder(t *testing.T) {
	b, m := setup(t)
	g := b.NewGraph()

	n, err := m.Decoder(g, Options{Height: 4, Width: 6, Batch: 1})
	require.NoError(t, err)

	out := run(t, b, g, n, halfs(t, b, ramp(4*6*4, 1), 1, 4, 6, 4))
	require.Equal(t, []int{1, 32, 48, 4}, out[0].Shape())

	px := out[0].Bytes()
	for i := 3; i < len(px); i += 4 {
		require.Equal(t, byte(255), px[i])
	}
}

func TestMissingWeight(t *testing.T) {
	b, _ := setup(t)
	m := New(tinyConfig(), weights.Map{})

	_, err := m.Decoder(b.NewGraph(), Options{Height: 2, Width: 2, Batch: 1})
	assert.ErrorContains(t, err, "first_stage_model.post_quant_conv.weight")
}

func TestTensors(t *testing.T) {
	b, _ := setup(t)

	ts, err := Tensors(tinyConfig(), b)
	require.NoError(t, err)

	names := make(map[string]weights.Tensor)
	for _, tensor := range ts {
		_, dup := names[tensor.Name]
		require.False(t, dup, tensor.Name)
		names[tensor.Name] = tensor
	}

	for _, name := range []string{
		weights.CausalMask,
		weights.TembCoefficients,
		weights.AlphasCumprod,
		weights.AuxWeight,
		textPrefix + ".embeddings.token_embedding.weight",
		"model.diffusion_model.input_blocks.3.0.op.weight",
		"model.diffusion_model.middle_block.1.transformer_blocks.0.attn2.to_k.weight",
		"model.diffusion_model.output_blocks.8.2.conv.weight",
		"model.diffusion_model.output_blocks.2.1.conv.weight",
		"model.diffusion_model.out.2.bias",
		"first_stage_model.decoder.up.1.block.0.nin_shortcut.weight",
		"first_stage_model.decoder.mid.attn_1.proj_out.bias",
	} {
		assert.Contains(t, names, name)
	}

	assert.NotContains(t, names, "model.diffusion_model.input_blocks.10.1.norm.weight")
	assert.NotContains(t, names, "model.diffusion_model.output_blocks.0.1.norm.weight")
	assert.Equal(t, []int{32, 16}, names["model.diffusion_model.middle_block.1.transformer_blocks.0.attn2.to_k.weight"].Shape)
}
