package stage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/jmorganca/stagediff/ml"
)

// Config registers a stage with a Pool.
type Config struct {
	Name    string
	Build   BuildFunc
	Binding Binding

	// Upstream names a stage whose output signature is passed to Build.
	Upstream string
}

// Pool owns a set of stages sharing one backend.
type Pool struct {
	backend ml.Backend

	mu     sync.Mutex
	stages []*Stage
	byName map[string]*Stage
}

func NewPool(b ml.Backend) *Pool {
	return &Pool{backend: b, byName: make(map[string]*Stage)}
}

func (p *Pool) Register(c Config) (*Stage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c.Name == "" || c.Build == nil {
		return nil, errors.New("stage needs a name and a build function")
	}

	if _, ok := p.byName[c.Name]; ok {
		return nil, fmt.Errorf("stage %s already registered", c.Name)
	}

	s := &Stage{name: c.Name, build: c.Build, binding: c.Binding, backend: p.backend}
	if c.Upstream != "" {
		up, ok := p.byName[c.Upstream]
		if !ok {
			return nil, fmt.Errorf("stage %s: unknown upstream %s", c.Name, c.Upstream)
		}
		s.upstream = up
	}

	p.stages = append(p.stages, s)
	p.byName[c.Name] = s
	return s, nil
}

func (p *Pool) Stage(name string) (*Stage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.byName[name]
	return s, ok
}

func (p *Pool) lookup(names []string) ([]*Stage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(names) == 0 {
		return append([]*Stage(nil), p.stages...), nil
	}

	stages := make([]*Stage, len(names))
	for i, name := range names {
		s, ok := p.byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown stage %s", name)
		}
		stages[i] = s
	}
	return stages, nil
}

// Acquire loads the named stages in order, or every stage in registration
// order when no names are given.
func (p *Pool) Acquire(names ...string) error {
	stages, err := p.lookup(names)
	if err != nil {
		return err
	}

	for _, s := range stages {
		if err := s.Acquire(); err != nil {
			return err
		}
	}
	return nil
}

// Release unloads the named stages, or every stage when no names are given.
func (p *Pool) Release(names ...string) error {
	stages, err := p.lookup(names)
	if err != nil {
		return err
	}

	var errs []error
	for _, s := range stages {
		errs = append(errs, s.Release())
	}
	return errors.Join(errs...)
}

// Reset unloads every stage and forgets remembered signatures, so the next
// Acquire may produce different shapes.
func (p *Pool) Reset() error {
	stages, _ := p.lookup(nil)

	var errs []error
	for _, s := range stages {
		errs = append(errs, s.reset())
	}
	return errors.Join(errs...)
}

// Resident is the sum of loaded stage footprints.
func (p *Pool) Resident() int64 {
	stages, _ := p.lookup(nil)

	var n int64
	for _, s := range stages {
		n += s.Footprint()
	}
	return n
}

type Status struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Binding   string    `json:"binding"`
	Footprint int64     `json:"footprint"`
	Inputs    []ml.Slot `json:"inputs,omitempty"`
	Outputs   []ml.Slot `json:"outputs,omitempty"`
}

func (p *Pool) Status() []Status {
	stages, _ := p.lookup(nil)

	status := make([]Status, len(stages))
	for i, s := range stages {
		status[i] = Status{
			Name:      s.name,
			State:     s.State().String(),
			Binding:   s.binding.String(),
			Footprint: s.Footprint(),
			Inputs:    s.Inputs(),
			Outputs:   s.Outputs(),
		}
	}
	return status
}

func (p *Pool) Close() error {
	return p.Release()
}
