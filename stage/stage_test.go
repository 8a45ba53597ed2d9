package stage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/stagediff/ml"
	_ "github.com/jmorganca/stagediff/ml/backend"
)

func setup(tb testing.TB, opts ...ml.Options) (ml.Backend, *Pool) {
	tb.Helper()

	if len(opts) == 0 {
		opts = append(opts, ml.Options{Threads: 1})
	}

	b, err := ml.NewBackend("cpu", opts[0])
	require.NoError(tb, err)

	p := NewPool(b)
	tb.Cleanup(func() {
		p.Close()
		b.Close()
	})
	return b, p
}

func floats(tb testing.TB, b ml.Backend, s ...float32) ml.Array {
	tb.Helper()
	a, err := b.FromFloats(ml.DTypeF32, s, len(s))
	require.NoError(tb, err)
	return a
}

// first declares x then y, but consumes y first so the backend feeds y
// before x.
func first(g ml.Graph, _ []ml.Slot) (Definition, error) {
	x := g.Placeholder(ml.DTypeF32, 2)
	y := g.Placeholder(ml.DTypeF32, 3)

	doubled := g.Mul(y, g.Scalar(ml.DTypeF32, 2))
	inc := g.Add(x, g.Scalar(ml.DTypeF32, 1))
	return Definition{Inputs: []ml.Tensor{x, y}, Outputs: []ml.Tensor{doubled, inc}}, nil
}

// second adds a bias to each upstream output; the bias is declared last but
// used first.
func second(g ml.Graph, upstream []ml.Slot) (Definition, error) {
	bias := g.Placeholder(ml.DTypeF32, 1)

	var inputs, outputs []ml.Tensor
	for _, s := range upstream {
		in := g.Placeholder(s.DType, s.Shape...)
		inputs = append(inputs, in)
		outputs = append(outputs, g.Add(bias, in))
	}

	return Definition{Inputs: append(inputs, bias), Outputs: outputs}, nil
}

func register(tb testing.TB, p *Pool) (*Stage, *Stage) {
	tb.Helper()

	a, err := p.Register(Config{Name: "a", Build: first, Binding: ByShape})
	require.NoError(tb, err)

	b, err := p.Register(Config{Name: "b", Build: second, Binding: ByIdentity, Upstream: "a"})
	require.NoError(tb, err)

	return a, b
}

func TestRunReordersFeeds(t *testing.T) {
	backend, p := setup(t)
	a, b := register(t, p)

	require.NoError(t, p.Acquire())
	assert.Equal(t, Loaded, a.State())
	assert.Equal(t, Loaded, b.State())

	out, err := a.Run(t.Context(), floats(t, backend, 1, 2), floats(t, backend, 10, 20, 30))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, []float32{20, 40, 60}, out[0].Floats())
	assert.Equal(t, []float32{2, 3}, out[1].Floats())

	out, err = b.Run(t.Context(), append(out, floats(t, backend, 0.5))...)
	require.NoError(t, err)
	assert.Equal(t, []float32{20.5, 40.5, 60.5}, out[0].Floats())
	assert.Equal(t, []float32{2.5, 3.5}, out[1].Floats())
}

func TestReacquireKeepsFingerprint(t *testing.T) {
	_, p := setup(t)
	a, b := register(t, p)

	require.NoError(t, p.Acquire())
	fa, fb := a.Fingerprint(), b.Fingerprint()
	require.NotEmpty(t, fa)
	require.NotEmpty(t, fb)

	require.NoError(t, p.Release("b", "a"))
	assert.Equal(t, Unloaded, a.State())
	assert.Zero(t, a.Footprint())
	assert.NotEmpty(t, a.Outputs(), "signature survives release")

	require.NoError(t, p.Acquire("a", "b"))
	assert.Equal(t, fa, a.Fingerprint())
	assert.Equal(t, fb, b.Fingerprint())
}

func TestChangedSignature(t *testing.T) {
	_, p := setup(t)

	size := 2
	s, err := p.Register(Config{Name: "s", Build: func(g ml.Graph, _ []ml.Slot) (Definition, error) {
		x := g.Placeholder(ml.DTypeF32, size)
		return Definition{Inputs: []ml.Tensor{x}, Outputs: []ml.Tensor{g.Sqrt(x)}}, nil
	}})
	require.NoError(t, err)

	require.NoError(t, s.Acquire())
	require.NoError(t, s.Release())

	size = 4
	assert.ErrorContains(t, s.Acquire(), "changed")
	assert.Equal(t, Unloaded, s.State())

	require.NoError(t, p.Reset())
	require.NoError(t, s.Acquire())
	assert.Equal(t, []int{4}, s.Inputs()[0].Shape)
}

func TestRunErrors(t *testing.T) {
	backend, p := setup(t)
	a, _ := register(t, p)

	_, err := a.Run(t.Context())
	assert.ErrorIs(t, err, ErrNotLoaded)

	require.NoError(t, a.Acquire())

	cases := []struct {
		name   string
		inputs []ml.Array
		index  int
	}{
		{"count", []ml.Array{floats(t, backend, 1, 2)}, -1},
		{"swapped", []ml.Array{floats(t, backend, 1, 2, 3), floats(t, backend, 1, 2)}, 0},
		{"dtype", []ml.Array{floats(t, backend, 1, 2), func() ml.Array {
			a, err := backend.FromInts([]int32{1, 2, 3}, 3)
			require.NoError(t, err)
			return a
		}()}, 1},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Run(t.Context(), tt.inputs...)
			var mismatch *MismatchError
			require.True(t, errors.As(err, &mismatch), "got %v", err)
			assert.Equal(t, "a", mismatch.Stage)
			assert.Equal(t, tt.index, mismatch.Index)
		})
	}
}

func TestAcquireErrors(t *testing.T) {
	_, p := setup(t)

	t.Run("upstream never loaded", func(t *testing.T) {
		_, b := register(t, p)
		assert.ErrorContains(t, b.Acquire(), "never been loaded")
	})

	t.Run("ambiguous shapes", func(t *testing.T) {
		s, err := p.Register(Config{Name: "twins", Binding: ByShape, Build: func(g ml.Graph, _ []ml.Slot) (Definition, error) {
			x := g.Placeholder(ml.DTypeF32, 2)
			y := g.Placeholder(ml.DTypeF32, 2)
			return Definition{Inputs: []ml.Tensor{x, y}, Outputs: []ml.Tensor{g.Sub(x, y)}}, nil
		}})
		require.NoError(t, err)
		assert.ErrorContains(t, s.Acquire(), "matches inputs")
	})

	t.Run("registration", func(t *testing.T) {
		_, err := p.Register(Config{Name: "a", Build: first})
		assert.Error(t, err)

		_, err = p.Register(Config{Name: "c", Build: first, Upstream: "nope"})
		assert.Error(t, err)

		assert.Error(t, p.Acquire("nope"))
	})
}

func TestOutOfMemory(t *testing.T) {
	_, p := setup(t, ml.Options{Threads: 1, MemoryLimit: 64})

	s, err := p.Register(Config{Name: "big", Build: func(g ml.Graph, _ []ml.Slot) (Definition, error) {
		x := g.Placeholder(ml.DTypeF32, 4)
		w := g.Constant(ml.DTypeF32, make([]float32, 64), 64)
		return Definition{Inputs: []ml.Tensor{x}, Outputs: []ml.Tensor{g.Add(g.Slice(w, 0, 0, 4), x)}}, nil
	}})
	require.NoError(t, err)

	err = s.Acquire()
	assert.ErrorIs(t, err, ml.ErrOutOfMemory)
	assert.Equal(t, Unloaded, s.State())
}

func TestStatus(t *testing.T) {
	_, p := setup(t)
	register(t, p)

	require.NoError(t, p.Acquire("a"))

	status := p.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "a", status[0].Name)
	assert.Equal(t, "loaded", status[0].State)
	assert.Equal(t, "shape", status[0].Binding)
	assert.Len(t, status[0].Inputs, 2)
	assert.Equal(t, "unloaded", status[1].State)
	assert.Empty(t, status[1].Outputs)
	assert.Equal(t, p.Resident(), status[0].Footprint)
}

// crossed declares one placeholder per upstream slot, all the same shape,
// and uses the second before the first so the backend feeds them swapped.
func crossed(offset, scale float32) BuildFunc {
	return func(g ml.Graph, upstream []ml.Slot) (Definition, error) {
		p0 := g.Placeholder(upstream[0].DType, upstream[0].Shape...)
		p1 := g.Placeholder(upstream[1].DType, upstream[1].Shape...)

		out0 := g.Add(g.Mul(p1, g.Scalar(ml.DTypeF32, scale)), g.Scalar(ml.DTypeF32, offset))
		out1 := g.Sub(p0, p1)
		return Definition{Inputs: []ml.Tensor{p0, p1}, Outputs: []ml.Tensor{out0, out1}}, nil
	}
}

func TestSameShapeChain(t *testing.T) {
	backend, p := setup(t)

	a, err := p.Register(Config{Name: "a", Binding: ByShape, Build: func(g ml.Graph, _ []ml.Slot) (Definition, error) {
		x := g.Placeholder(ml.DTypeF32, 2)
		return Definition{
			Inputs:  []ml.Tensor{x},
			Outputs: []ml.Tensor{g.Add(x, g.Scalar(ml.DTypeF32, 1)), g.Mul(x, g.Scalar(ml.DTypeF32, 10))},
		}, nil
	}})
	require.NoError(t, err)

	b, err := p.Register(Config{Name: "b", Upstream: "a", Build: crossed(100, 1)})
	require.NoError(t, err)

	c, err := p.Register(Config{Name: "c", Upstream: "b", Build: crossed(0.5, 2)})
	require.NoError(t, err)

	require.NoError(t, p.Acquire())
	for _, s := range []*Stage{b, c} {
		require.Len(t, s.Inputs(), 2)
		assert.Equal(t, s.Inputs()[0].Shape, s.Inputs()[1].Shape, s.Name())
	}

	out, err := a.Run(t.Context(), floats(t, backend, 1, 2))
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 3}, out[0].Floats())
	assert.Equal(t, []float32{10, 20}, out[1].Floats())

	// b: [a1 + 100, a0 - a1]
	out, err = b.Run(t.Context(), out...)
	require.NoError(t, err)
	assert.Equal(t, []float32{110, 120}, out[0].Floats())
	assert.Equal(t, []float32{-8, -17}, out[1].Floats())

	// c: [2*b1 + 0.5, b0 - b1]
	out, err = c.Run(t.Context(), out...)
	require.NoError(t, err)
	assert.Equal(t, []float32{-15.5, -33.5}, out[0].Floats())
	assert.Equal(t, []float32{118, 137}, out[1].Floats())

	// the routing survives a release and reload
	require.NoError(t, p.Release("c", "b"))
	require.NoError(t, p.Acquire("b", "c"))

	out, err = b.Run(t.Context(), floats(t, backend, 2, 3), floats(t, backend, 10, 20))
	require.NoError(t, err)
	assert.Equal(t, []float32{110, 120}, out[0].Floats())
	assert.Equal(t, []float32{-8, -17}, out[1].Floats())
}

func TestSameShapeByShapeAmbiguous(t *testing.T) {
	_, p := setup(t)

	_, err := p.Register(Config{Name: "a", Binding: ByShape, Build: func(g ml.Graph, _ []ml.Slot) (Definition, error) {
		x := g.Placeholder(ml.DTypeF32, 2)
		y := g.Placeholder(ml.DTypeF32, 2)
		return Definition{Inputs: []ml.Tensor{x, y}, Outputs: []ml.Tensor{g.Sub(y, x)}}, nil
	}})
	require.NoError(t, err)

	require.ErrorContains(t, p.Acquire("a"), "matches inputs")
}
