package ml

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// Options configure a backend instance.
type Options struct {
	// Threads bounds the number of goroutines a single invocation may use. Zero means GOMAXPROCS.
	Threads int

	// MemoryLimit is the device memory ceiling in bytes. Zero disables the check.
	MemoryLimit int64
}

type Backend interface {
	Name() string
	NewGraph() Graph

	FromFloats(dtype DType, s []float32, shape ...int) (Array, error)
	FromInts(s []int32, shape ...int) (Array, error)

	// Resident reports the bytes currently held by live executables.
	Resident() int64
	Close() error
}

var backends = make(map[string]func(Options) (Backend, error))

func RegisterBackend(name string, f func(Options) (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("backend: backend already registered")
	}

	backends[name] = f
}

func NewBackend(name string, opts Options) (Backend, error) {
	if backend, ok := backends[name]; ok {
		return backend(opts)
	}

	return nil, fmt.Errorf("unsupported backend %q", name)
}

// Backends lists the registered backend names.
func Backends() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Graph is a mutable build-time compute graph. Ops never fail eagerly; the
// first construction error is kept and returned by Compile.
type Graph interface {
	Placeholder(dtype DType, shape ...int) Tensor
	Constant(dtype DType, values []float32, shape ...int) Tensor
	Scalar(dtype DType, v float32) Tensor

	Add(a, b Tensor) Tensor
	Sub(a, b Tensor) Tensor
	Mul(a, b Tensor) Tensor
	Div(a, b Tensor) Tensor

	Sigmoid(t Tensor) Tensor
	Tanh(t Tensor) Tensor
	Erf(t Tensor) Tensor
	Sqrt(t Tensor) Tensor
	Exp(t Tensor) Tensor
	Sin(t Tensor) Tensor
	Cos(t Tensor) Tensor
	Round(t Tensor) Tensor
	Relu(t Tensor) Tensor
	Clamp(t Tensor, lo, hi float32) Tensor

	MatMul(a, b Tensor) Tensor
	Conv2D(x, weight Tensor, stride, padding int) Tensor
	Softmax(t Tensor, axis int) Tensor

	Mean(t Tensor, axes ...int) Tensor
	Variance(t Tensor, axes ...int) Tensor
	Normalize(t, mean, variance, gamma, beta Tensor, eps float32) Tensor

	Reshape(t Tensor, shape ...int) Tensor
	Transpose(t Tensor, a, b int) Tensor
	Broadcast(t Tensor, shape ...int) Tensor
	Slice(t Tensor, axis, start, length int) Tensor
	Concat(axis int, ts ...Tensor) Tensor
	Gather(table, indices Tensor) Tensor
	UpsampleNearest(t Tensor, factor int) Tensor
	Cast(t Tensor, dtype DType) Tensor

	// Err reports the first construction error, if any.
	Err() error

	// Compile freezes the graph. The returned executable's feed order is
	// chosen by the backend and need not match feeds.
	Compile(feeds, targets []Tensor) (Executable, error)
}

// Tensor is a symbolic value inside a Graph.
type Tensor interface {
	ID() int
	Shape() []int
	DType() DType
}

// Slot describes one executable input or output.
type Slot struct {
	ID    int   `cbor:"-" json:"-"`
	Shape []int `cbor:"1,keyasint" json:"shape"`
	DType DType `cbor:"2,keyasint" json:"dtype"`
}

func (s Slot) String() string {
	return fmt.Sprintf("%s%v", s.DType, s.Shape)
}

// Matches reports whether an array can be fed into the slot.
func (s Slot) Matches(a Array) bool {
	return a.DType() == s.DType && slices.Equal(a.Shape(), s.Shape)
}

type Executable interface {
	Feeds() []Slot
	Outputs() []Slot

	// Run requires exactly one input per feed slot, in Feeds order.
	Run(ctx context.Context, inputs ...Array) ([]Array, error)

	// Footprint is the number of resident bytes held by the executable.
	Footprint() int64
	Close() error
}

// Array is a concrete tensor buffer owned by the caller.
type Array interface {
	Shape() []int
	DType() DType

	Floats() []float32
	Ints() []int32
	Bytes() []byte
}

type number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

func mul[T number](s ...T) T {
	p := T(1)
	for _, v := range s {
		p *= v
	}

	return p
}

// Elems is the number of elements in a tensor of the given shape.
func Elems(shape ...int) int {
	return mul(shape...)
}

type DumpOptions struct {
	// Items is the number of elements to print at the beginning and end of each dimension.
	Items int

	// Precision is the number of decimal places to print. Applies to float types.
	Precision int
}

func Dump(a Array, opts ...DumpOptions) string {
	if len(opts) < 1 {
		opts = append(opts, DumpOptions{
			Items:     3,
			Precision: 4,
		})
	}

	switch a.DType() {
	case DTypeF16, DTypeF32:
		return dump(a.Floats(), a.Shape(), func(f float32) string {
			return fmt.Sprintf("%.*f", opts[0].Precision, f)
		}, opts[0])
	case DTypeI32:
		return dump(a.Ints(), a.Shape(), func(i int32) string {
			return fmt.Sprint(i)
		}, opts[0])
	case DTypeU8:
		return dump(a.Bytes(), a.Shape(), func(b byte) string {
			return fmt.Sprint(b)
		}, opts[0])
	default:
		return "<unsupported>"
	}
}

func dump[S ~[]E, E any](s S, shape []int, format func(E) string, opts DumpOptions) string {
	if s == nil {
		return "<nil>"
	}

	if len(shape) == 0 {
		shape = []int{len(s)}
	}

	var sb strings.Builder
	var f func([]int, int)
	f = func(dims []int, stride int) {
		prefix := strings.Repeat(" ", len(shape)-len(dims)+1)
		fmt.Fprint(&sb, "[")
		defer func() { fmt.Fprint(&sb, "]") }()
		for i := 0; i < dims[0]; i++ {
			if i >= opts.Items && i < dims[0]-opts.Items {
				fmt.Fprint(&sb, "..., ")
				// skip to next printable element
				skip := dims[0] - 2*opts.Items
				if len(dims) > 1 {
					stride += mul(append(slices.Clone(dims[1:]), skip)...)
					fmt.Fprint(&sb, strings.Repeat("\n", len(dims)-1), prefix)
				}
				i += skip - 1
			} else if len(dims) > 1 {
				f(dims[1:], stride)
				stride += mul(dims[1:]...)
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ",", strings.Repeat("\n", len(dims)-1), prefix)
				}
			} else {
				fmt.Fprint(&sb, format(s[stride+i]))
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ", ")
				}
			}
		}
	}
	f(shape, 0)

	return sb.String()
}

type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeI32
	DTypeU8
)

// Size is the number of bytes per element.
func (d DType) Size() int {
	switch d {
	case DTypeF32, DTypeI32:
		return 4
	case DTypeF16:
		return 2
	case DTypeU8:
		return 1
	default:
		return 0
	}
}

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeI32:
		return "i32"
	case DTypeU8:
		return "u8"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// IsFloat reports whether the type holds floating point values.
func (d DType) IsFloat() bool {
	return d == DTypeF32 || d == DTypeF16
}
