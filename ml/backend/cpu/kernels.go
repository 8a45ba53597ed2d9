package cpu

import (
	"context"
	"fmt"
	"math"
	"slices"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/jmorganca/stagediff/ml"
)

// im2colRows bounds the rows of a single unrolled convolution block.
const im2colRows = 256

type kernels struct {
	threads int
}

func (k kernels) eval(ctx context.Context, n *node, in []*array) ([]float32, error) {
	switch n.op {
	case opAdd:
		return binary(n.shape, in[0], in[1], func(a, b float32) float32 { return a + b }), nil
	case opSub:
		return binary(n.shape, in[0], in[1], func(a, b float32) float32 { return a - b }), nil
	case opMul:
		return binary(n.shape, in[0], in[1], func(a, b float32) float32 { return a * b }), nil
	case opDiv:
		if n.dtype == ml.DTypeI32 || n.dtype == ml.DTypeU8 {
			if slices.Contains(in[1].data, 0) {
				return nil, fmt.Errorf("integer division by zero")
			}
		}
		return binary(n.shape, in[0], in[1], func(a, b float32) float32 { return a / b }), nil
	case opSigmoid:
		return unary(in[0], func(x float64) float64 { return 1 / (1 + math.Exp(-x)) }), nil
	case opTanh:
		return unary(in[0], math.Tanh), nil
	case opErf:
		return unary(in[0], math.Erf), nil
	case opSqrt:
		return unary(in[0], math.Sqrt), nil
	case opExp:
		return unary(in[0], math.Exp), nil
	case opSin:
		return unary(in[0], math.Sin), nil
	case opCos:
		return unary(in[0], math.Cos), nil
	case opRound:
		return unary(in[0], math.Round), nil
	case opRelu:
		return unary(in[0], func(x float64) float64 { return max(x, 0) }), nil
	case opClamp:
		lo, hi := float64(n.floats[0]), float64(n.floats[1])
		return unary(in[0], func(x float64) float64 { return min(max(x, lo), hi) }), nil
	case opMatMul:
		return k.matmul(ctx, n, in[0], in[1])
	case opConv2D:
		return k.conv2d(ctx, n, in[0], in[1])
	case opSoftmax:
		return softmax(in[0], n.ints[0]), nil
	case opMean:
		return mean(n.shape, in[0]), nil
	case opVariance:
		return variance(n.shape, in[0]), nil
	case opNormalize:
		return normalize(in, float64(n.floats[0])), nil
	case opReshape, opCast:
		return slices.Clone(in[0].data), nil
	case opTranspose:
		return transpose(n, in[0]), nil
	case opBroadcast:
		out := make([]float32, ml.Elems(n.shape...))
		walk(n.shape, [][]int{broadcastStrides(n.shape, in[0].shape)}, func(o int, offs []int) {
			out[o] = in[0].data[offs[0]]
		})
		return out, nil
	case opSlice:
		return slice(n, in[0]), nil
	case opConcat:
		return concat(n, in), nil
	case opGather:
		return gather(n, in[0], in[1])
	case opUpsample:
		return upsample(n, in[0]), nil
	default:
		return nil, fmt.Errorf("unsupported op %s", n.op)
	}
}

// contiguousStrides returns row-major strides for shape.
func contiguousStrides(shape []int) []int {
	s := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = stride
		stride *= shape[i]
	}
	return s
}

// broadcastStrides returns strides of in aligned to out, with zero strides on
// broadcast dimensions.
func broadcastStrides(out, in []int) []int {
	s := make([]int, len(out))
	stride := 1
	for i := len(in) - 1; i >= 0; i-- {
		if in[i] != 1 {
			s[len(out)-len(in)+i] = stride
		}
		stride *= in[i]
	}
	return s
}

// walk visits every element of shape in row-major order, tracking one offset
// per strides entry.
func walk(shape []int, strides [][]int, f func(o int, offs []int)) {
	idx := make([]int, len(shape))
	offs := make([]int, len(strides))
	total := ml.Elems(shape...)
	for o := range total {
		f(o, offs)
		for d := len(shape) - 1; d >= 0; d-- {
			idx[d]++
			for i := range offs {
				offs[i] += strides[i][d]
			}

			if idx[d] < shape[d] {
				break
			}

			for i := range offs {
				offs[i] -= strides[i][d] * shape[d]
			}
			idx[d] = 0
		}
	}
}

func binary(shape []int, a, b *array, f func(a, b float32) float32) []float32 {
	out := make([]float32, ml.Elems(shape...))
	switch {
	case len(a.data) == len(out) && len(b.data) == len(out) && slices.Equal(a.shape, b.shape):
		for i := range out {
			out[i] = f(a.data[i], b.data[i])
		}
	case len(b.data) == 1 && len(a.data) == len(out):
		for i := range out {
			out[i] = f(a.data[i], b.data[0])
		}
	case len(a.data) == 1 && len(b.data) == len(out):
		for i := range out {
			out[i] = f(a.data[0], b.data[i])
		}
	default:
		walk(shape, [][]int{broadcastStrides(shape, a.shape), broadcastStrides(shape, b.shape)}, func(o int, offs []int) {
			out[o] = f(a.data[offs[0]], b.data[offs[1]])
		})
	}
	return out
}

func unary(a *array, f func(float64) float64) []float32 {
	out := make([]float32, len(a.data))
	for i, v := range a.data {
		out[i] = float32(f(float64(v)))
	}
	return out
}

func gemm(transB bool, m, n, k int, a, b, c []float32) {
	tb, bm := blas.NoTrans, blas32.General{Rows: k, Cols: n, Stride: n, Data: b}
	if transB {
		tb, bm = blas.Trans, blas32.General{Rows: n, Cols: k, Stride: k, Data: b}
	}

	blas32.Gemm(blas.NoTrans, tb, 1,
		blas32.General{Rows: m, Cols: k, Stride: k, Data: a},
		bm,
		0,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: c})
}

func (k kernels) matmul(ctx context.Context, n *node, a, b *array) ([]float32, error) {
	rank := len(n.shape)
	m, cols := n.shape[rank-2], n.shape[rank-1]
	inner := a.shape[len(a.shape)-1]

	batch := n.shape[:rank-2]
	aStrides := broadcastStrides(batch, a.shape[:len(a.shape)-2])
	bStrides := broadcastStrides(batch, b.shape[:len(b.shape)-2])

	type job struct{ o, a, b int }
	var jobs []job
	walk(batch, [][]int{aStrides, bStrides}, func(o int, offs []int) {
		jobs = append(jobs, job{o, offs[0], offs[1]})
	})

	out := make([]float32, ml.Elems(n.shape...))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(k.threads)
	for _, j := range jobs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			gemm(false, m, cols, inner,
				a.data[j.a*m*inner:(j.a+1)*m*inner],
				b.data[j.b*inner*cols:(j.b+1)*inner*cols],
				out[j.o*m*cols:(j.o+1)*m*cols])
			return nil
		})
	}

	return out, g.Wait()
}

// conv2d lowers the convolution to a matrix product: each output pixel's
// receptive field is unrolled into a row ordered like the OIHW weight.
func (k kernels) conv2d(ctx context.Context, n *node, x, w *array) ([]float32, error) {
	stride, pad := n.ints[0], n.ints[1]
	batch, h, wd, c := x.shape[0], x.shape[1], x.shape[2], x.shape[3]
	o, kh, kw := w.shape[0], w.shape[2], w.shape[3]
	ho, wo := n.shape[1], n.shape[2]
	depth := c * kh * kw

	out := make([]float32, ml.Elems(n.shape...))
	if kh == 1 && kw == 1 && stride == 1 && pad == 0 {
		gemm(true, batch*h*wd, o, c, x.data, w.data, out)
		return out, nil
	}

	rows := ho * wo
	chunk := min(im2colRows, max(1, (rows+k.threads-1)/k.threads))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(k.threads)
	for b := range batch {
		for r0 := 0; r0 < rows; r0 += chunk {
			r1 := min(r0+chunk, rows)
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}

				col := make([]float32, (r1-r0)*depth)
				for r := r0; r < r1; r++ {
					oy, ox := r/wo, r%wo
					row := col[(r-r0)*depth : (r-r0+1)*depth]
					for ky := range kh {
						iy := oy*stride - pad + ky
						if iy < 0 || iy >= h {
							continue
						}

						for kx := range kw {
							ix := ox*stride - pad + kx
							if ix < 0 || ix >= wd {
								continue
							}

							src := x.data[((b*h+iy)*wd+ix)*c:]
							for ch := range c {
								row[(ch*kh+ky)*kw+kx] = src[ch]
							}
						}
					}
				}

				gemm(true, r1-r0, o, depth, col, w.data, out[(b*rows+r0)*o:(b*rows+r1)*o])
				return nil
			})
		}
	}

	return out, g.Wait()
}

// split returns the sizes before, along and after axis.
func split(shape []int, axis int) (outer, dim, inner int) {
	return ml.Elems(shape[:axis]...), shape[axis], ml.Elems(shape[axis+1:]...)
}

func softmax(a *array, axis int) []float32 {
	outer, dim, inner := split(a.shape, axis)
	out := make([]float32, len(a.data))
	for i := range outer {
		for j := range inner {
			base := i*dim*inner + j
			hi := math.Inf(-1)
			for d := range dim {
				hi = max(hi, float64(a.data[base+d*inner]))
			}

			var sum float64
			for d := range dim {
				sum += math.Exp(float64(a.data[base+d*inner]) - hi)
			}

			for d := range dim {
				out[base+d*inner] = float32(math.Exp(float64(a.data[base+d*inner])-hi) / sum)
			}
		}
	}
	return out
}

func mean(shape []int, a *array) []float32 {
	sums := make([]float64, ml.Elems(shape...))
	walk(a.shape, [][]int{broadcastStrides(a.shape, shape)}, func(o int, offs []int) {
		sums[offs[0]] += float64(a.data[o])
	})

	count := float64(len(a.data) / len(sums))
	out := make([]float32, len(sums))
	for i, s := range sums {
		out[i] = float32(s / count)
	}
	return out
}

func variance(shape []int, a *array) []float32 {
	strides := [][]int{broadcastStrides(a.shape, shape)}
	means := make([]float64, ml.Elems(shape...))
	walk(a.shape, strides, func(o int, offs []int) {
		means[offs[0]] += float64(a.data[o])
	})

	count := float64(len(a.data) / len(means))
	for i := range means {
		means[i] /= count
	}

	sq := make([]float64, len(means))
	walk(a.shape, strides, func(o int, offs []int) {
		d := float64(a.data[o]) - means[offs[0]]
		sq[offs[0]] += d * d
	})

	out := make([]float32, len(sq))
	for i, s := range sq {
		out[i] = float32(s / count)
	}
	return out
}

// normalize computes (x - mean) / sqrt(variance + eps) * gamma + beta.
func normalize(in []*array, eps float64) []float32 {
	x := in[0]
	strides := make([][]int, len(in)-1)
	for i, t := range in[1:] {
		strides[i] = broadcastStrides(x.shape, t.shape)
	}

	m, v, gamma, beta := in[1].data, in[2].data, in[3].data, in[4].data
	out := make([]float32, len(x.data))
	walk(x.shape, strides, func(o int, offs []int) {
		norm := (float64(x.data[o]) - float64(m[offs[0]])) / math.Sqrt(float64(v[offs[1]])+eps)
		out[o] = float32(norm*float64(gamma[offs[2]]) + float64(beta[offs[3]]))
	})
	return out
}

func transpose(n *node, a *array) []float32 {
	i, j := n.ints[0], n.ints[1]
	strides := contiguousStrides(a.shape)
	strides[i], strides[j] = strides[j], strides[i]

	out := make([]float32, len(a.data))
	walk(n.shape, [][]int{strides}, func(o int, offs []int) {
		out[o] = a.data[offs[0]]
	})
	return out
}

func slice(n *node, a *array) []float32 {
	axis, start := n.ints[0], n.ints[1]
	outer, dim, inner := split(a.shape, axis)
	length := n.shape[axis]

	out := make([]float32, 0, outer*length*inner)
	for i := range outer {
		base := (i*dim + start) * inner
		out = append(out, a.data[base:base+length*inner]...)
	}
	return out
}

func concat(n *node, in []*array) []float32 {
	axis := n.ints[0]
	outer, _, _ := split(n.shape, axis)

	out := make([]float32, 0, ml.Elems(n.shape...))
	for i := range outer {
		for _, a := range in {
			_, dim, inner := split(a.shape, axis)
			out = append(out, a.data[i*dim*inner:(i+1)*dim*inner]...)
		}
	}
	return out
}

func gather(n *node, table, indices *array) ([]float32, error) {
	rows := table.shape[0]
	width := len(table.data) / rows

	out := make([]float32, 0, ml.Elems(n.shape...))
	for _, v := range indices.data {
		i := int(v)
		if i < 0 || i >= rows {
			return nil, fmt.Errorf("gather index %d out of range [0, %d)", i, rows)
		}
		out = append(out, table.data[i*width:(i+1)*width]...)
	}
	return out, nil
}

func upsample(n *node, a *array) []float32 {
	factor := n.ints[0]
	batch, h, w, c := n.shape[0], n.shape[1], n.shape[2], n.shape[3]
	ih, iw := a.shape[1], a.shape[2]

	out := make([]float32, 0, ml.Elems(n.shape...))
	for b := range batch {
		for y := range h {
			for x := range w {
				src := ((b*ih+y/factor)*iw + x/factor) * c
				out = append(out, a.data[src:src+c]...)
			}
		}
	}
	return out
}
