// Package cpu is a deterministic reference backend. It interprets compiled
// graphs on the host and is used for tests and for machines without an
// accelerator.
package cpu

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"

	"github.com/jmorganca/stagediff/ml"
)

func init() {
	ml.RegisterBackend("cpu", New)
}

type Backend struct {
	threads  int
	limit    int64
	resident atomic.Int64
}

var _ ml.Backend = (*Backend)(nil)

func New(opts ml.Options) (ml.Backend, error) {
	threads := opts.Threads
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}

	if opts.MemoryLimit < 0 {
		return nil, fmt.Errorf("cpu: invalid memory limit %d", opts.MemoryLimit)
	}

	slog.Debug("cpu backend", "threads", threads, "memory_limit", opts.MemoryLimit)
	return &Backend{threads: threads, limit: opts.MemoryLimit}, nil
}

func (b *Backend) Name() string {
	return "cpu"
}

func (b *Backend) NewGraph() ml.Graph {
	return &graph{b: b}
}

func (b *Backend) FromFloats(dtype ml.DType, s []float32, shape ...int) (ml.Array, error) {
	if !dtype.IsFloat() && dtype != ml.DTypeU8 {
		return nil, fmt.Errorf("cpu: cannot upload floats as %s", dtype)
	}

	if err := checkShape(shape); err != nil {
		return nil, err
	}

	if ml.Elems(shape...) != len(s) {
		return nil, &ml.ShapeError{Op: "upload", Shapes: [][]int{shape}, Reason: fmt.Sprintf("have %d values", len(s))}
	}

	data := make([]float32, len(s))
	copy(data, s)
	round(dtype, data)
	return newArray(dtype, data, shape...), nil
}

func (b *Backend) FromInts(s []int32, shape ...int) (ml.Array, error) {
	if err := checkShape(shape); err != nil {
		return nil, err
	}

	if ml.Elems(shape...) != len(s) {
		return nil, &ml.ShapeError{Op: "upload", Shapes: [][]int{shape}, Reason: fmt.Sprintf("have %d values", len(s))}
	}

	data := make([]float32, len(s))
	for i, v := range s {
		data[i] = float32(v)
	}
	return newArray(ml.DTypeI32, data, shape...), nil
}

func (b *Backend) Resident() int64 {
	return b.resident.Load()
}

func (b *Backend) Close() error {
	if n := b.resident.Load(); n != 0 {
		slog.Warn("cpu backend closed with live executables", "resident", n)
	}
	return nil
}

// reserve accounts for an executable's constants. It fails when the
// constants plus the executable's transient peak exceed the limit.
func (b *Backend) reserve(constants, peak int64) error {
	for {
		resident := b.resident.Load()
		if b.limit > 0 && resident+constants+peak > b.limit {
			return &ml.MemoryError{Op: "compile", Required: constants + peak, Available: b.limit - resident}
		}

		if b.resident.CompareAndSwap(resident, resident+constants) {
			return nil
		}
	}
}

func (b *Backend) free(constants int64) {
	b.resident.Add(-constants)
}

// admit checks that a run's transient buffers fit next to everything resident.
func (b *Backend) admit(peak int64) error {
	if b.limit <= 0 {
		return nil
	}

	resident := b.resident.Load()
	if resident+peak > b.limit {
		return &ml.MemoryError{Op: "run", Required: peak, Available: b.limit - resident}
	}

	return nil
}

func checkShape(shape []int) error {
	if len(shape) == 0 {
		return &ml.ShapeError{Op: "shape", Shapes: [][]int{shape}, Reason: "rank 0"}
	}

	for _, d := range shape {
		if d <= 0 {
			return &ml.ShapeError{Op: "shape", Shapes: [][]int{shape}, Reason: "dimensions must be positive"}
		}
	}

	return nil
}
