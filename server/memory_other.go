//go:build !linux

package server

import "errors"

func systemMemory() (uint64, error) {
	return 0, errors.ErrUnsupported
}
