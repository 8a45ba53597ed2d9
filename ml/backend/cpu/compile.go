package cpu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/jmorganca/stagediff/logutil"
	"github.com/jmorganca/stagediff/ml"
)

// step is one scheduled node with its inputs resolved to schedule positions.
type step struct {
	n  *node
	in []int
	// last is the schedule position after which the value can be released.
	last int
}

type executable struct {
	b *Backend

	steps   []step
	feeds   []int
	targets []int

	feedSlots   []ml.Slot
	outputSlots []ml.Slot

	constants int64
	peak      int64
	closed    atomic.Bool
}

var _ ml.Executable = (*executable)(nil)

// Compile schedules the nodes needed for targets in dependency order. Feeds
// are ordered by first use in that schedule; feeds no target depends on come
// last, in the order given.
func (g *graph) Compile(feeds, targets []ml.Tensor) (ml.Executable, error) {
	if g.err != nil {
		return nil, g.err
	}

	if g.compiled {
		return nil, errors.New("cpu: graph already compiled")
	}

	if len(targets) == 0 {
		return nil, errors.New("cpu: no targets")
	}

	fed := make(map[*node]bool, len(feeds))
	for _, t := range feeds {
		n := g.node(t)
		if n == nil {
			return nil, g.err
		}

		if !n.is(opPlaceholder) {
			return nil, fmt.Errorf("cpu: feed %s is not a placeholder", n)
		}

		if fed[n] {
			return nil, fmt.Errorf("cpu: feed %s given twice", n)
		}
		fed[n] = true
	}

	outs := make([]*node, len(targets))
	for i, t := range targets {
		if outs[i] = g.node(t); outs[i] == nil {
			return nil, g.err
		}
	}

	var order []*node
	pos := make(map[*node]int)
	var visit func(*node) error
	visit = func(n *node) error {
		if _, ok := pos[n]; ok {
			return nil
		}

		if n.is(opPlaceholder) && !fed[n] {
			return fmt.Errorf("cpu: placeholder %s is not fed", n)
		}

		for _, in := range n.inputs {
			if err := visit(in); err != nil {
				return err
			}
		}

		pos[n] = len(order)
		order = append(order, n)
		return nil
	}

	for _, n := range outs {
		if err := visit(n); err != nil {
			return nil, err
		}
	}

	e := executable{b: g.b, steps: make([]step, len(order))}
	for i, n := range order {
		s := step{n: n, last: i}
		for _, in := range n.inputs {
			s.in = append(s.in, pos[in])
		}
		e.steps[i] = s

		if n.is(opPlaceholder) {
			e.feeds = append(e.feeds, i)
		}

		if n.is(opConstant) {
			e.constants += n.bytes()
		}
	}

	// unreachable feeds still take an input position
	for _, t := range feeds {
		n := t.(*node)
		if _, ok := pos[n]; !ok {
			pos[n] = len(e.steps)
			e.steps = append(e.steps, step{n: n, last: len(e.steps)})
			e.feeds = append(e.feeds, pos[n])
		}
	}

	for i, s := range e.steps {
		for _, j := range s.in {
			e.steps[j].last = max(e.steps[j].last, i)
		}
	}

	for _, n := range outs {
		e.targets = append(e.targets, pos[n])
		// outputs live until the end of the run
		e.steps[pos[n]].last = len(e.steps)
	}

	for _, i := range e.feeds {
		n := e.steps[i].n
		e.feedSlots = append(e.feedSlots, ml.Slot{ID: n.id, Shape: slices.Clone(n.shape), DType: n.dtype})
	}

	for _, i := range e.targets {
		n := e.steps[i].n
		e.outputSlots = append(e.outputSlots, ml.Slot{ID: n.id, Shape: slices.Clone(n.shape), DType: n.dtype})
	}

	e.peak = e.transientPeak()
	if err := g.b.reserve(e.constants, e.peak); err != nil {
		return nil, err
	}

	g.compiled = true
	slog.Debug("compiled graph", "nodes", len(g.nodes), "scheduled", len(e.steps), "feeds", len(e.feeds), "constants", e.constants, "peak", e.peak)
	return &e, nil
}

// transientPeak walks the schedule and reports the largest number of bytes
// held by non-constant values at any point.
func (e *executable) transientPeak() int64 {
	var live, peak int64
	release := make(map[int][]int)
	for i, s := range e.steps {
		if !s.n.is(opConstant) {
			live += s.n.bytes()
			release[s.last] = append(release[s.last], i)
		}

		peak = max(peak, live)
		for _, j := range release[i] {
			live -= e.steps[j].n.bytes()
		}
	}
	return peak
}

func (e *executable) Feeds() []ml.Slot {
	return slices.Clone(e.feedSlots)
}

func (e *executable) Outputs() []ml.Slot {
	return slices.Clone(e.outputSlots)
}

func (e *executable) Footprint() int64 {
	if e.closed.Load() {
		return 0
	}
	return e.constants
}

func (e *executable) Close() error {
	if e.closed.CompareAndSwap(false, true) {
		e.b.free(e.constants)
	}
	return nil
}

func (e *executable) Run(ctx context.Context, inputs ...ml.Array) ([]ml.Array, error) {
	if e.closed.Load() {
		return nil, errors.New("cpu: executable is closed")
	}

	if len(inputs) != len(e.feeds) {
		return nil, fmt.Errorf("cpu: want %d inputs, got %d", len(e.feeds), len(inputs))
	}

	values := make([]*array, len(e.steps))
	for i, in := range inputs {
		slot := e.feedSlots[i]
		if in == nil || !slot.Matches(in) {
			return nil, &ml.ShapeError{Op: "run", Shapes: [][]int{slot.Shape, shapeOf(in)}, Reason: fmt.Sprintf("input %d does not match %s", i, slot)}
		}

		a, ok := in.(*array)
		if !ok {
			// arrays from other backends are copied through the host
			a = newArray(in.DType(), in.Floats(), in.Shape()...)
			round(a.dtype, a.data)
		}
		values[e.feeds[i]] = a
	}

	if err := e.b.admit(e.peak); err != nil {
		return nil, err
	}

	k := kernels{threads: e.b.threads}
	for i, s := range e.steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		switch s.n.op {
		case opPlaceholder:
		case opConstant:
			values[i] = &array{shape: s.n.shape, dtype: s.n.dtype, data: s.n.value}
		default:
			in := make([]*array, len(s.in))
			for j, p := range s.in {
				in[j] = values[p]
			}

			out, err := k.eval(ctx, s.n, in)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", s.n, err)
			}

			round(s.n.dtype, out)
			values[i] = &array{shape: s.n.shape, dtype: s.n.dtype, data: out}
		}

		logutil.TraceContext(ctx, "eval", "node", s.n)
		for _, p := range s.in {
			if e.steps[p].last == i {
				values[p] = nil
			}
		}
	}

	outputs := make([]ml.Array, len(e.targets))
	for i, p := range e.targets {
		v := values[p]
		outputs[i] = newArray(v.dtype, slices.Clone(v.data), v.shape...)
	}
	return outputs, nil
}

func shapeOf(a ml.Array) []int {
	if a == nil {
		return nil
	}
	return a.Shape()
}
