package cpu

import (
	"errors"
	"fmt"
	"slices"

	"github.com/jmorganca/stagediff/ml"
)

type opcode int

const (
	opPlaceholder opcode = iota
	opConstant
	opAdd
	opSub
	opMul
	opDiv
	opSigmoid
	opTanh
	opErf
	opSqrt
	opExp
	opSin
	opCos
	opRound
	opRelu
	opClamp
	opMatMul
	opConv2D
	opSoftmax
	opMean
	opVariance
	opNormalize
	opReshape
	opTranspose
	opBroadcast
	opSlice
	opConcat
	opGather
	opUpsample
	opCast
)

var opNames = [...]string{
	"placeholder", "constant",
	"add", "sub", "mul", "div",
	"sigmoid", "tanh", "erf", "sqrt", "exp", "sin", "cos", "round", "relu", "clamp",
	"matmul", "conv2d", "softmax",
	"mean", "variance", "normalize",
	"reshape", "transpose", "broadcast", "slice", "concat", "gather", "upsample", "cast",
}

func (o opcode) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", int(o))
}

type node struct {
	g      *graph
	id     int
	op     opcode
	inputs []*node
	shape  []int
	dtype  ml.DType

	// ints holds axes, stride/padding, slice bounds or factors
	ints []int
	// floats holds clamp bounds or epsilon
	floats []float32
	// value is set for constants
	value []float32
}

var _ ml.Tensor = (*node)(nil)

func (n *node) ID() int           { return n.id }
func (n *node) Shape() []int      { return slices.Clone(n.shape) }
func (n *node) DType() ml.DType   { return n.dtype }
func (n *node) String() string    { return fmt.Sprintf("%s#%d%s%v", n.op, n.id, n.dtype, n.shape) }
func (n *node) bytes() int64      { return int64(ml.Elems(n.shape...) * n.dtype.Size()) }
func (n *node) rank() int         { return len(n.shape) }
func (n *node) is(op opcode) bool { return n.op == op }

type graph struct {
	b        *Backend
	nodes    []*node
	err      error
	compiled bool
}

var _ ml.Graph = (*graph)(nil)

func (g *graph) Err() error {
	return g.err
}

func (g *graph) fail(err error) {
	if g.err == nil {
		g.err = err
	}
}

func (g *graph) failShape(op opcode, reason string, ts ...*node) {
	shapes := make([][]int, len(ts))
	for i, t := range ts {
		shapes[i] = t.shape
	}
	g.fail(&ml.ShapeError{Op: op.String(), Shapes: shapes, Reason: reason})
}

func (g *graph) add(n *node) *node {
	n.g = g
	n.id = len(g.nodes)
	g.nodes = append(g.nodes, n)
	return n
}

// poisoned returns a stand-in node after a construction error so callers can
// keep chaining ops. Its shape is borrowed from a reference when available.
func (g *graph) poisoned(dtype ml.DType, ref ...*node) *node {
	shape := []int{1}
	if len(ref) > 0 && ref[0] != nil {
		shape = slices.Clone(ref[0].shape)
	}
	return g.add(&node{op: opConstant, dtype: dtype, shape: shape, value: make([]float32, ml.Elems(shape...))})
}

func (g *graph) node(t ml.Tensor) *node {
	n, ok := t.(*node)
	if !ok || n == nil {
		g.fail(errors.New("cpu: tensor is nil or from another backend"))
		return nil
	}

	if n.g != g {
		g.fail(fmt.Errorf("cpu: tensor %s belongs to another graph", n))
		return nil
	}

	return n
}

func (g *graph) nodes2(a, b ml.Tensor) (*node, *node, bool) {
	x, y := g.node(a), g.node(b)
	return x, y, x != nil && y != nil
}

func (g *graph) Placeholder(dtype ml.DType, shape ...int) ml.Tensor {
	if err := checkShape(shape); err != nil {
		g.fail(err)
		return g.poisoned(dtype)
	}
	return g.add(&node{op: opPlaceholder, dtype: dtype, shape: slices.Clone(shape)})
}

func (g *graph) Constant(dtype ml.DType, values []float32, shape ...int) ml.Tensor {
	if err := checkShape(shape); err != nil {
		g.fail(err)
		return g.poisoned(dtype)
	}

	if ml.Elems(shape...) != len(values) {
		g.fail(&ml.ShapeError{Op: "constant", Shapes: [][]int{shape}, Reason: fmt.Sprintf("have %d values", len(values))})
		return g.poisoned(dtype)
	}

	value := slices.Clone(values)
	round(dtype, value)
	return g.add(&node{op: opConstant, dtype: dtype, shape: slices.Clone(shape), value: value})
}

func (g *graph) Scalar(dtype ml.DType, v float32) ml.Tensor {
	return g.Constant(dtype, []float32{v}, 1)
}

// broadcastShapes applies numpy broadcasting rules.
func broadcastShapes(a, b []int) ([]int, bool) {
	rank := max(len(a), len(b))
	out := make([]int, rank)
	for i := range rank {
		da, db := 1, 1
		if j := len(a) - rank + i; j >= 0 {
			da = a[j]
		}
		if j := len(b) - rank + i; j >= 0 {
			db = b[j]
		}

		switch {
		case da == db, db == 1:
			out[i] = da
		case da == 1:
			out[i] = db
		default:
			return nil, false
		}
	}
	return out, true
}

func (g *graph) binary(op opcode, a, b ml.Tensor) ml.Tensor {
	x, y, ok := g.nodes2(a, b)
	if !ok {
		return g.poisoned(ml.DTypeF32, x)
	}

	if x.dtype != y.dtype {
		g.failShape(op, fmt.Sprintf("dtype mismatch %s and %s", x.dtype, y.dtype), x, y)
		return g.poisoned(x.dtype, x)
	}

	shape, ok := broadcastShapes(x.shape, y.shape)
	if !ok {
		g.failShape(op, "shapes do not broadcast", x, y)
		return g.poisoned(x.dtype, x)
	}

	return g.add(&node{op: op, inputs: []*node{x, y}, dtype: x.dtype, shape: shape})
}

func (g *graph) Add(a, b ml.Tensor) ml.Tensor { return g.binary(opAdd, a, b) }
func (g *graph) Sub(a, b ml.Tensor) ml.Tensor { return g.binary(opSub, a, b) }
func (g *graph) Mul(a, b ml.Tensor) ml.Tensor { return g.binary(opMul, a, b) }
func (g *graph) Div(a, b ml.Tensor) ml.Tensor { return g.binary(opDiv, a, b) }

func (g *graph) unary(op opcode, t ml.Tensor, floats ...float32) ml.Tensor {
	x := g.node(t)
	if x == nil {
		return g.poisoned(ml.DTypeF32)
	}
	return g.add(&node{op: op, inputs: []*node{x}, dtype: x.dtype, shape: slices.Clone(x.shape), floats: floats})
}

func (g *graph) Sigmoid(t ml.Tensor) ml.Tensor { return g.unary(opSigmoid, t) }
func (g *graph) Tanh(t ml.Tensor) ml.Tensor    { return g.unary(opTanh, t) }
func (g *graph) Erf(t ml.Tensor) ml.Tensor     { return g.unary(opErf, t) }
func (g *graph) Sqrt(t ml.Tensor) ml.Tensor    { return g.unary(opSqrt, t) }
func (g *graph) Exp(t ml.Tensor) ml.Tensor     { return g.unary(opExp, t) }
func (g *graph) Sin(t ml.Tensor) ml.Tensor     { return g.unary(opSin, t) }
func (g *graph) Cos(t ml.Tensor) ml.Tensor     { return g.unary(opCos, t) }
func (g *graph) Round(t ml.Tensor) ml.Tensor   { return g.unary(opRound, t) }
func (g *graph) Relu(t ml.Tensor) ml.Tensor    { return g.unary(opRelu, t) }

func (g *graph) Clamp(t ml.Tensor, lo, hi float32) ml.Tensor {
	if lo > hi {
		g.fail(fmt.Errorf("clamp: lower bound %v above upper bound %v", lo, hi))
	}
	return g.unary(opClamp, t, lo, hi)
}

// MatMul multiplies the trailing two dimensions and broadcasts the rest.
func (g *graph) MatMul(a, b ml.Tensor) ml.Tensor {
	x, y, ok := g.nodes2(a, b)
	if !ok {
		return g.poisoned(ml.DTypeF32, x)
	}

	if x.rank() < 2 || y.rank() < 2 {
		g.failShape(opMatMul, "operands must have rank 2 or more", x, y)
		return g.poisoned(x.dtype, x)
	}

	if x.dtype != y.dtype || !x.dtype.IsFloat() {
		g.failShape(opMatMul, "operands must share a float dtype", x, y)
		return g.poisoned(x.dtype, x)
	}

	m, k := x.shape[x.rank()-2], x.shape[x.rank()-1]
	k2, n := y.shape[y.rank()-2], y.shape[y.rank()-1]
	if k != k2 {
		g.failShape(opMatMul, "inner dimensions differ", x, y)
		return g.poisoned(x.dtype, x)
	}

	batch, ok := broadcastShapes(x.shape[:x.rank()-2], y.shape[:y.rank()-2])
	if !ok {
		g.failShape(opMatMul, "batch dimensions do not broadcast", x, y)
		return g.poisoned(x.dtype, x)
	}

	shape := append(batch, m, n)
	return g.add(&node{op: opMatMul, inputs: []*node{x, y}, dtype: x.dtype, shape: shape})
}

// Conv2D convolves an NHWC input with an OIHW weight.
func (g *graph) Conv2D(x, weight ml.Tensor, stride, padding int) ml.Tensor {
	in, w, ok := g.nodes2(x, weight)
	if !ok {
		return g.poisoned(ml.DTypeF32, in)
	}

	if in.rank() != 4 || w.rank() != 4 {
		g.failShape(opConv2D, "want NHWC input and OIHW weight", in, w)
		return g.poisoned(in.dtype, in)
	}

	if in.dtype != w.dtype || !in.dtype.IsFloat() {
		g.failShape(opConv2D, "operands must share a float dtype", in, w)
		return g.poisoned(in.dtype, in)
	}

	if stride < 1 || padding < 0 {
		g.failShape(opConv2D, fmt.Sprintf("invalid stride %d or padding %d", stride, padding), in, w)
		return g.poisoned(in.dtype, in)
	}

	n, h, wd, c := in.shape[0], in.shape[1], in.shape[2], in.shape[3]
	o, ci, kh, kw := w.shape[0], w.shape[1], w.shape[2], w.shape[3]
	if c != ci {
		g.failShape(opConv2D, "input channels differ", in, w)
		return g.poisoned(in.dtype, in)
	}

	ho := (h+2*padding-kh)/stride + 1
	wo := (wd+2*padding-kw)/stride + 1
	if ho < 1 || wo < 1 {
		g.failShape(opConv2D, "kernel larger than padded input", in, w)
		return g.poisoned(in.dtype, in)
	}

	return g.add(&node{op: opConv2D, inputs: []*node{in, w}, dtype: in.dtype, shape: []int{n, ho, wo, o}, ints: []int{stride, padding}})
}

func axis(rank, a int) (int, bool) {
	if a < 0 {
		a += rank
	}
	return a, a >= 0 && a < rank
}

func (g *graph) Softmax(t ml.Tensor, ax int) ml.Tensor {
	x := g.node(t)
	if x == nil {
		return g.poisoned(ml.DTypeF32)
	}

	a, ok := axis(x.rank(), ax)
	if !ok || !x.dtype.IsFloat() {
		g.failShape(opSoftmax, fmt.Sprintf("invalid axis %d or dtype %s", ax, x.dtype), x)
		return g.poisoned(x.dtype, x)
	}

	return g.add(&node{op: opSoftmax, inputs: []*node{x}, dtype: x.dtype, shape: slices.Clone(x.shape), ints: []int{a}})
}

func (g *graph) reduce(op opcode, t ml.Tensor, axes ...int) ml.Tensor {
	x := g.node(t)
	if x == nil {
		return g.poisoned(ml.DTypeF32)
	}

	if len(axes) == 0 || !x.dtype.IsFloat() {
		g.failShape(op, "need at least one axis and a float dtype", x)
		return g.poisoned(x.dtype, x)
	}

	shape := slices.Clone(x.shape)
	normalized := make([]int, len(axes))
	for i, ax := range axes {
		a, ok := axis(x.rank(), ax)
		if !ok || slices.Contains(normalized[:i], a) {
			g.failShape(op, fmt.Sprintf("invalid axis %d", ax), x)
			return g.poisoned(x.dtype, x)
		}
		normalized[i] = a
		shape[a] = 1
	}

	slices.Sort(normalized)
	return g.add(&node{op: op, inputs: []*node{x}, dtype: x.dtype, shape: shape, ints: normalized})
}

// Mean reduces over axes, keeping reduced dimensions as 1.
func (g *graph) Mean(t ml.Tensor, axes ...int) ml.Tensor { return g.reduce(opMean, t, axes...) }

// Variance is the population variance over axes, keeping reduced dimensions as 1.
func (g *graph) Variance(t ml.Tensor, axes ...int) ml.Tensor {
	return g.reduce(opVariance, t, axes...)
}

func (g *graph) Normalize(t, mean, variance, gamma, beta ml.Tensor, eps float32) ml.Tensor {
	ns := make([]*node, 5)
	for i, in := range []ml.Tensor{t, mean, variance, gamma, beta} {
		if ns[i] = g.node(in); ns[i] == nil {
			return g.poisoned(ml.DTypeF32)
		}
	}

	x := ns[0]
	for _, n := range ns[1:] {
		if n.dtype != x.dtype {
			g.failShape(opNormalize, "dtype mismatch", ns...)
			return g.poisoned(x.dtype, x)
		}

		if shape, ok := broadcastShapes(x.shape, n.shape); !ok || !slices.Equal(shape, x.shape) {
			g.failShape(opNormalize, "statistics do not broadcast to input", ns...)
			return g.poisoned(x.dtype, x)
		}
	}

	return g.add(&node{op: opNormalize, inputs: ns, dtype: x.dtype, shape: slices.Clone(x.shape), floats: []float32{eps}})
}

func (g *graph) Reshape(t ml.Tensor, shape ...int) ml.Tensor {
	x := g.node(t)
	if x == nil {
		return g.poisoned(ml.DTypeF32)
	}

	if err := checkShape(shape); err != nil || ml.Elems(shape...) != ml.Elems(x.shape...) {
		g.fail(&ml.ShapeError{Op: "reshape", Shapes: [][]int{x.shape, shape}, Reason: "element counts differ"})
		return g.poisoned(x.dtype, x)
	}

	return g.add(&node{op: opReshape, inputs: []*node{x}, dtype: x.dtype, shape: slices.Clone(shape)})
}

// Transpose swaps two axes.
func (g *graph) Transpose(t ml.Tensor, a, b int) ml.Tensor {
	x := g.node(t)
	if x == nil {
		return g.poisoned(ml.DTypeF32)
	}

	i, ok1 := axis(x.rank(), a)
	j, ok2 := axis(x.rank(), b)
	if !ok1 || !ok2 {
		g.failShape(opTranspose, fmt.Sprintf("invalid axes %d, %d", a, b), x)
		return g.poisoned(x.dtype, x)
	}

	shape := slices.Clone(x.shape)
	shape[i], shape[j] = shape[j], shape[i]
	return g.add(&node{op: opTranspose, inputs: []*node{x}, dtype: x.dtype, shape: shape, ints: []int{i, j}})
}

func (g *graph) Broadcast(t ml.Tensor, shape ...int) ml.Tensor {
	x := g.node(t)
	if x == nil {
		return g.poisoned(ml.DTypeF32)
	}

	if got, ok := broadcastShapes(shape, x.shape); !ok || !slices.Equal(got, shape) || checkShape(shape) != nil {
		g.fail(&ml.ShapeError{Op: "broadcast", Shapes: [][]int{x.shape, shape}, Reason: "cannot broadcast"})
		return g.poisoned(x.dtype, x)
	}

	return g.add(&node{op: opBroadcast, inputs: []*node{x}, dtype: x.dtype, shape: slices.Clone(shape)})
}

func (g *graph) Slice(t ml.Tensor, ax, start, length int) ml.Tensor {
	x := g.node(t)
	if x == nil {
		return g.poisoned(ml.DTypeF32)
	}

	a, ok := axis(x.rank(), ax)
	if !ok || start < 0 || length < 1 || start+length > x.shape[a] {
		g.failShape(opSlice, fmt.Sprintf("invalid slice axis %d [%d:%d]", ax, start, start+length), x)
		return g.poisoned(x.dtype, x)
	}

	shape := slices.Clone(x.shape)
	shape[a] = length
	return g.add(&node{op: opSlice, inputs: []*node{x}, dtype: x.dtype, shape: shape, ints: []int{a, start}})
}

func (g *graph) Concat(ax int, ts ...ml.Tensor) ml.Tensor {
	if len(ts) == 0 {
		g.fail(errors.New("concat: no inputs"))
		return g.poisoned(ml.DTypeF32)
	}

	ns := make([]*node, len(ts))
	for i, t := range ts {
		if ns[i] = g.node(t); ns[i] == nil {
			return g.poisoned(ml.DTypeF32)
		}
	}

	first := ns[0]
	a, ok := axis(first.rank(), ax)
	if !ok {
		g.failShape(opConcat, fmt.Sprintf("invalid axis %d", ax), ns...)
		return g.poisoned(first.dtype, first)
	}

	shape := slices.Clone(first.shape)
	for _, n := range ns[1:] {
		if n.dtype != first.dtype || n.rank() != first.rank() {
			g.failShape(opConcat, "rank or dtype mismatch", ns...)
			return g.poisoned(first.dtype, first)
		}

		for i := range shape {
			if i != a && n.shape[i] != shape[i] {
				g.failShape(opConcat, "non-concatenated dimensions differ", ns...)
				return g.poisoned(first.dtype, first)
			}
		}
		shape[a] += n.shape[a]
	}

	return g.add(&node{op: opConcat, inputs: ns, dtype: first.dtype, shape: shape, ints: []int{a}})
}

// Gather selects rows of table along its first axis.
func (g *graph) Gather(table, indices ml.Tensor) ml.Tensor {
	t, idx, ok := g.nodes2(table, indices)
	if !ok {
		return g.poisoned(ml.DTypeF32, t)
	}

	if idx.dtype != ml.DTypeI32 {
		g.failShape(opGather, "indices must be i32", t, idx)
		return g.poisoned(t.dtype, t)
	}

	shape := append(slices.Clone(idx.shape), t.shape[1:]...)
	return g.add(&node{op: opGather, inputs: []*node{t, idx}, dtype: t.dtype, shape: shape})
}

// UpsampleNearest scales the spatial dimensions of an NHWC tensor.
func (g *graph) UpsampleNearest(t ml.Tensor, factor int) ml.Tensor {
	x := g.node(t)
	if x == nil {
		return g.poisoned(ml.DTypeF32)
	}

	if x.rank() != 4 || factor < 1 {
		g.failShape(opUpsample, fmt.Sprintf("want NHWC input and positive factor, got %d", factor), x)
		return g.poisoned(x.dtype, x)
	}

	shape := []int{x.shape[0], x.shape[1] * factor, x.shape[2] * factor, x.shape[3]}
	return g.add(&node{op: opUpsample, inputs: []*node{x}, dtype: x.dtype, shape: shape, ints: []int{factor}})
}

func (g *graph) Cast(t ml.Tensor, dtype ml.DType) ml.Tensor {
	x := g.node(t)
	if x == nil {
		return g.poisoned(dtype)
	}

	if x.dtype == dtype {
		return x
	}

	if dtype.Size() == 0 {
		g.failShape(opCast, fmt.Sprintf("unknown dtype %s", dtype), x)
		return g.poisoned(x.dtype, x)
	}

	return g.add(&node{op: opCast, inputs: []*node{x}, dtype: dtype, shape: slices.Clone(x.shape)})
}
