// Package stage loads, runs and unloads compiled sub-graphs on a shared
// backend. A stage's feed order is chosen by the backend at compile time, so
// each stage keeps a plan mapping feed slots back to the inputs its caller
// declared.
package stage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/jmorganca/stagediff/logutil"
	"github.com/jmorganca/stagediff/ml"
)

var ErrNotLoaded = errors.New("stage not loaded")

type State int

const (
	Unloaded State = iota
	Loaded
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loaded:
		return "loaded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Binding selects how compiled feed slots are matched to declared inputs.
type Binding int

const (
	// ByIdentity matches slots to the placeholders they were compiled from.
	ByIdentity Binding = iota

	// ByShape matches slots by shape and dtype. Two declared inputs with the
	// same shape and dtype are rejected as ambiguous.
	ByShape
)

func (b Binding) String() string {
	if b == ByShape {
		return "shape"
	}
	return "identity"
}

// Definition is what a BuildFunc declares: inputs in the order callers will
// supply them, and outputs in the order Run returns them.
type Definition struct {
	Inputs  []ml.Tensor
	Outputs []ml.Tensor
}

// BuildFunc constructs a stage's graph. upstream is the remembered output
// signature of the stage named as upstream, or nil.
type BuildFunc func(g ml.Graph, upstream []ml.Slot) (Definition, error)

// MismatchError reports inputs that do not fit a stage's declared inputs.
// Inputs are never coerced.
type MismatchError struct {
	Stage string

	// Index is the offending input, or -1 when the count is wrong.
	Index int

	Want string
	Got  string
}

func (e *MismatchError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("stage %s: want %s inputs, got %s", e.Stage, e.Want, e.Got)
	}
	return fmt.Sprintf("stage %s: input %d: want %s, got %s", e.Stage, e.Index, e.Want, e.Got)
}

type Stage struct {
	name     string
	build    BuildFunc
	binding  Binding
	upstream *Stage
	backend  ml.Backend

	mu    sync.Mutex
	state State
	exe   ml.Executable

	inputs  []ml.Slot
	outputs []ml.Slot

	// plan[i] is the declared input fed into the executable's i-th slot.
	plan []int

	fingerprint []byte
}

func (s *Stage) Name() string {
	return s.name
}

func (s *Stage) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Inputs is the declared input signature from the most recent load.
func (s *Stage) Inputs() []ml.Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.inputs)
}

// Outputs is the output signature from the most recent load. It is kept
// across Release.
func (s *Stage) Outputs() []ml.Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.outputs)
}

// Fingerprint identifies the plan and signatures of the most recent load.
func (s *Stage) Fingerprint() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.fingerprint)
}

// Acquire builds and compiles the stage if it is not loaded. A stage loaded
// before must reproduce its earlier fingerprint.
func (s *Stage) Acquire() error {
	var upstream []ml.Slot
	if s.upstream != nil {
		if upstream = s.upstream.Outputs(); upstream == nil {
			return fmt.Errorf("stage %s: upstream %s has never been loaded", s.name, s.upstream.name)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Loaded {
		return nil
	}

	startedAt := time.Now()

	g := s.backend.NewGraph()
	def, err := s.build(g, upstream)
	if err != nil {
		return fmt.Errorf("stage %s: build: %w", s.name, err)
	}

	exe, err := g.Compile(def.Inputs, def.Outputs)
	if err != nil {
		return fmt.Errorf("stage %s: compile: %w", s.name, err)
	}

	inputs := make([]ml.Slot, len(def.Inputs))
	for i, t := range def.Inputs {
		inputs[i] = ml.Slot{ID: t.ID(), Shape: t.Shape(), DType: t.DType()}
	}

	plan, err := s.bind(inputs, exe.Feeds())
	if err != nil {
		exe.Close()
		return err
	}

	fingerprint, err := fingerprintOf(s.binding, inputs, plan, exe.Outputs())
	if err != nil {
		exe.Close()
		return fmt.Errorf("stage %s: %w", s.name, err)
	}

	if s.fingerprint != nil && !bytes.Equal(s.fingerprint, fingerprint) {
		exe.Close()
		return fmt.Errorf("stage %s: feed plan or signature changed since the last load", s.name)
	}

	s.exe = exe
	s.inputs = inputs
	s.outputs = exe.Outputs()
	s.plan = plan
	s.fingerprint = fingerprint
	s.state = Loaded

	slog.Debug("loaded stage", "stage", s.name, "binding", s.binding, "inputs", len(inputs), "outputs", len(s.outputs), "footprint", exe.Footprint(), "duration", time.Since(startedAt))
	return nil
}

// Release frees the stage's executable. Signatures and the fingerprint are
// kept so a later Acquire can be checked against them.
func (s *Stage) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.release()
}

func (s *Stage) release() error {
	if s.state != Loaded {
		return nil
	}

	err := s.exe.Close()
	s.exe = nil
	s.state = Unloaded
	slog.Debug("released stage", "stage", s.name)
	return err
}

// reset releases the stage and forgets everything learned from earlier
// loads.
func (s *Stage) reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.release()
	s.inputs, s.outputs, s.plan, s.fingerprint = nil, nil, nil, nil
	return err
}

// Footprint is the number of bytes the loaded executable holds, or 0.
func (s *Stage) Footprint() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exe == nil {
		return 0
	}
	return s.exe.Footprint()
}

// Run validates inputs against the declared signature, reorders them for the
// executable and runs it.
func (s *Stage) Run(ctx context.Context, inputs ...ml.Array) ([]ml.Array, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Loaded {
		return nil, fmt.Errorf("stage %s: %w", s.name, ErrNotLoaded)
	}

	if len(inputs) != len(s.inputs) {
		return nil, &MismatchError{Stage: s.name, Index: -1, Want: fmt.Sprint(len(s.inputs)), Got: fmt.Sprint(len(inputs))}
	}

	for i, a := range inputs {
		if !s.inputs[i].Matches(a) {
			return nil, &MismatchError{
				Stage: s.name,
				Index: i,
				Want:  s.inputs[i].String(),
				Got:   ml.Slot{Shape: a.Shape(), DType: a.DType()}.String(),
			}
		}
	}

	feeds := make([]ml.Array, len(s.plan))
	for i, j := range s.plan {
		feeds[i] = inputs[j]
	}

	logutil.TraceContext(ctx, "running stage", "stage", s.name, "plan", s.plan)
	return s.exe.Run(ctx, feeds...)
}

func (s *Stage) bind(inputs, feeds []ml.Slot) ([]int, error) {
	if len(feeds) != len(inputs) {
		return nil, fmt.Errorf("stage %s: executable has %d feeds for %d declared inputs", s.name, len(feeds), len(inputs))
	}

	plan := make([]int, len(feeds))
	used := make([]bool, len(inputs))
	for i, feed := range feeds {
		j := -1
		switch s.binding {
		case ByIdentity:
			j = slices.IndexFunc(inputs, func(in ml.Slot) bool { return in.ID == feed.ID })
		case ByShape:
			for k, in := range inputs {
				if in.DType != feed.DType || !slices.Equal(in.Shape, feed.Shape) {
					continue
				}

				if j >= 0 {
					return nil, fmt.Errorf("stage %s: feed %s matches inputs %d and %d", s.name, feed, j, k)
				}
				j = k
			}
		}

		if j < 0 || used[j] {
			return nil, fmt.Errorf("stage %s: no declared input for feed %d %s", s.name, i, feed)
		}

		used[j] = true
		plan[i] = j
	}

	return plan, nil
}

var fingerprintMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func fingerprintOf(binding Binding, inputs []ml.Slot, plan []int, outputs []ml.Slot) ([]byte, error) {
	return fingerprintMode.Marshal(struct {
		Binding Binding   `cbor:"1,keyasint"`
		Inputs  []ml.Slot `cbor:"2,keyasint"`
		Plan    []int     `cbor:"3,keyasint"`
		Outputs []ml.Slot `cbor:"4,keyasint"`
	}{binding, inputs, plan, outputs})
}
