package cpu

import (
	"fmt"
	"math"
	"slices"

	"github.com/x448/float16"

	"github.com/jmorganca/stagediff/ml"
)

// array is a host-resident buffer. Every dtype is held as float32; the dtype
// decides how values are rounded after each op.
type array struct {
	shape []int
	dtype ml.DType
	data  []float32
}

var _ ml.Array = (*array)(nil)

func newArray(dtype ml.DType, data []float32, shape ...int) *array {
	return &array{shape: slices.Clone(shape), dtype: dtype, data: data}
}

func (a *array) Shape() []int {
	return slices.Clone(a.shape)
}

func (a *array) DType() ml.DType {
	return a.dtype
}

func (a *array) Floats() []float32 {
	return slices.Clone(a.data)
}

func (a *array) Ints() []int32 {
	s := make([]int32, len(a.data))
	for i, v := range a.data {
		s[i] = int32(v)
	}
	return s
}

func (a *array) Bytes() []byte {
	s := make([]byte, len(a.data))
	for i, v := range a.data {
		s[i] = byte(saturate(v, 0, math.MaxUint8))
	}
	return s
}

func (a *array) String() string {
	return fmt.Sprintf("%s%v", a.dtype, a.shape)
}

func (a *array) bytes() int64 {
	return int64(len(a.data) * a.dtype.Size())
}

// round applies the storage precision of dtype to s in place.
func round(dtype ml.DType, s []float32) {
	switch dtype {
	case ml.DTypeF16:
		for i, v := range s {
			s[i] = float16.Fromfloat32(v).Float32()
		}
	case ml.DTypeI32:
		for i, v := range s {
			s[i] = float32(math.Trunc(float64(v)))
		}
	case ml.DTypeU8:
		for i, v := range s {
			s[i] = saturate(float32(math.Trunc(float64(v))), 0, math.MaxUint8)
		}
	}
}

func saturate(v, lo, hi float32) float32 {
	return min(max(v, lo), hi)
}
