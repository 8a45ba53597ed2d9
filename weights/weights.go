// Package weights loads named parameter tensors for the network definition.
package weights

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	"github.com/x448/float16"

	"github.com/jmorganca/stagediff/ml"
)

// Role hints how a tensor is used. Sources that read from disk ignore it;
// Synthetic uses it to pick an initialization.
type Role int

const (
	RoleWeight Role = iota
	RoleBias
	RoleScale
	RoleShift
	RoleEmbedding
	RoleConstant
)

func (r Role) String() string {
	switch r {
	case RoleWeight:
		return "weight"
	case RoleBias:
		return "bias"
	case RoleScale:
		return "scale"
	case RoleShift:
		return "shift"
	case RoleEmbedding:
		return "embedding"
	case RoleConstant:
		return "constant"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Tensor identifies one weight blob.
type Tensor struct {
	Name  string
	DType ml.DType
	Shape []int
	Role  Role
}

func (t Tensor) Elems() int {
	return ml.Elems(t.Shape...)
}

// File is the blob's file name. Full precision blobs carry an _fp32 suffix.
func (t Tensor) File() string {
	if t.DType == ml.DTypeF32 {
		return t.Name + "_fp32.bin"
	}
	return t.Name + ".bin"
}

type Source interface {
	Load(t Tensor) ([]float32, error)
}

// SizeError reports a blob whose byte length does not match its declared shape.
type SizeError struct {
	Name      string
	Want, Got int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("%s: want %d bytes, got %d", e.Name, e.Want, e.Got)
}

// Map is an in-memory source keyed by tensor name.
type Map map[string][]float32

func (m Map) Load(t Tensor) ([]float32, error) {
	s, ok := m[t.Name]
	if !ok {
		return nil, fmt.Errorf("%s: tensor not found", t.Name)
	}

	if len(s) != t.Elems() {
		return nil, &SizeError{Name: t.Name, Want: t.Elems() * t.DType.Size(), Got: len(s) * t.DType.Size()}
	}

	return slices.Clone(s), nil
}

// Decode reads little-endian f16 or f32 values.
func Decode(dtype ml.DType, b []byte) ([]float32, error) {
	switch dtype {
	case ml.DTypeF16:
		s := make([]float32, len(b)/2)
		for i := range s {
			s[i] = float16.Frombits(binary.LittleEndian.Uint16(b[2*i:])).Float32()
		}
		return s, nil
	case ml.DTypeF32:
		s := make([]float32, len(b)/4)
		for i := range s {
			s[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported blob dtype %s", dtype)
	}
}

// Encode is the inverse of Decode.
func Encode(dtype ml.DType, s []float32) ([]byte, error) {
	switch dtype {
	case ml.DTypeF16:
		b := make([]byte, 2*len(s))
		for i, v := range s {
			binary.LittleEndian.PutUint16(b[2*i:], float16.Fromfloat32(v).Bits())
		}
		return b, nil
	case ml.DTypeF32:
		b := make([]byte, 4*len(s))
		for i, v := range s {
			binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported blob dtype %s", dtype)
	}
}
