package ml

import (
	"errors"
	"fmt"
)

// ErrOutOfMemory is returned when compiling or running an executable would
// exceed the backend's memory limit.
var ErrOutOfMemory = errors.New("out of device memory")

// MemoryError carries the accounting behind an ErrOutOfMemory.
type MemoryError struct {
	Op        string
	Required  int64
	Available int64
}

func (e *MemoryError) Error() string {
	return fmt.Sprintf("%s: need %d bytes, %d available: %v", e.Op, e.Required, e.Available, ErrOutOfMemory)
}

func (e *MemoryError) Unwrap() error {
	return ErrOutOfMemory
}

// ShapeError reports an invalid shape or dtype combination.
type ShapeError struct {
	Op     string
	Shapes [][]int
	Reason string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s %v: %s", e.Op, e.Shapes, e.Reason)
}
