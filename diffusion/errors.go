package diffusion

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmorganca/stagediff/ml"
)

// ErrBusy is returned when a generation or model load is already running.
var ErrBusy = errors.New("engine busy")

// ConfigError wraps failures caused by the model files or the network
// definition: missing or mis-sized weights, a corrupt merge table, graph
// construction errors and feed mismatches.
type ConfigError struct {
	Op  string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ValidationError rejects a request before any work is done.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// classify wraps err in a ConfigError unless it is resource exhaustion,
// cancellation or already classified.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var ce *ConfigError
	var ve *ValidationError
	switch {
	case errors.Is(err, ml.ErrOutOfMemory),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrBusy),
		errors.As(err, &ce),
		errors.As(err, &ve):
		return err
	}

	return &ConfigError{Op: op, Err: err}
}
