// Package model defines the Stable Diffusion v1 networks as graphs on an
// ml.Graph: the text encoder, the three UNet stages, the decoder and the
// small per-step graphs around them.
package model

import (
	"fmt"

	"github.com/jmorganca/stagediff/ml"
	_ "github.com/jmorganca/stagediff/ml/backend"
	"github.com/jmorganca/stagediff/ml/nn"
	"github.com/jmorganca/stagediff/weights"
)

// Net is a built graph's declared inputs and outputs, inputs in the order a
// caller supplies them.
type Net struct {
	Inputs  []ml.Tensor
	Outputs []ml.Tensor
}

// Options describe the shapes a graph is built for.
type Options struct {
	// Height and Width are latent sizes, an eighth of the image.
	Height, Width int

	// Batch is 2 when the unconditional and conditional passes are batched
	// through the UNet together, 1 otherwise.
	Batch int

	// SliceHeads computes cross-attention one head at a time.
	SliceHeads bool
}

func (o Options) latent(c Config) []int {
	return []int{1, o.Height, o.Width, c.LatentChannels}
}

type Model struct {
	Config
	Source weights.Source

	dry bool
}

func New(c Config, src weights.Source) *Model {
	return &Model{Config: c, Source: src}
}

// Tensors lists every weight and constant the networks read, in first use
// order. No data is loaded.
func Tensors(c Config, b ml.Backend) ([]weights.Tensor, error) {
	r := weights.NewRecorder(weights.Discard{})
	m := &Model{Config: c, Source: r, dry: true}

	o := Options{Height: 8, Width: 8, Batch: 1}
	var upstream []ml.Slot
	builds := []func(ml.Graph) (Net, error){
		m.TextGuidance,
		m.TimeFeatures,
		func(g ml.Graph) (Net, error) { return m.UNetStage1(g, o) },
		func(g ml.Graph) (Net, error) { return m.UNetStage2(g, o, upstream) },
		func(g ml.Graph) (Net, error) { return m.UNetStage3(g, o, upstream) },
		func(g ml.Graph) (Net, error) { return m.SchedulerStep(g, o) },
		func(g ml.Graph) (Net, error) { return m.Preview(g, o) },
		func(g ml.Graph) (Net, error) { return m.Decoder(g, o) },
	}

	for _, build := range builds {
		n, err := build(b.NewGraph())
		if err != nil {
			return nil, err
		}

		upstream = Slots(n.Outputs)
	}

	return r.Tensors(), nil
}

// Slots describes tensors the way a compiled executable describes its
// outputs.
func Slots(ts []ml.Tensor) []ml.Slot {
	slots := make([]ml.Slot, len(ts))
	for i, t := range ts {
		slots[i] = ml.Slot{ID: t.ID(), Shape: t.Shape(), DType: t.DType()}
	}
	return slots
}

// builder loads weights into graph constants. The first failure is kept and
// later loads are skipped; stand-ins with the right shape keep graph
// construction going so the error surfaces once.
type builder struct {
	g   ml.Graph
	src weights.Source
	dry bool
	err error

	dtype  ml.DType
	groups int
	eps    float32
}

func (m *Model) builder(g ml.Graph) *builder {
	return &builder{
		g:      g,
		src:    m.Source,
		dry:    m.dry,
		dtype:  ml.DTypeF16,
		groups: m.Groups,
		eps:    m.Eps,
	}
}

func (b *builder) load(t weights.Tensor) []float32 {
	if b.err != nil {
		return nil
	}

	s, err := b.src.Load(t)
	if err != nil {
		b.err = fmt.Errorf("load %s: %w", t.Name, err)
		return nil
	}

	if b.dry {
		return nil
	}

	if len(s) != t.Elems() {
		b.err = fmt.Errorf("load %s: have %d values, want %d", t.Name, len(s), t.Elems())
		return nil
	}

	return s
}

func (b *builder) zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return b.g.Broadcast(b.g.Scalar(dtype, 0), shape...)
}

// tensor loads t and places it in the graph with the given shape, or with
// t's own shape when none is given.
func (b *builder) tensor(t weights.Tensor, shape ...int) ml.Tensor {
	if len(shape) == 0 {
		shape = t.Shape
	}

	s := b.load(t)
	if s == nil {
		return b.zeros(t.DType, shape...)
	}

	return b.g.Constant(t.DType, s, shape...)
}

func (b *builder) weight(name string, role weights.Role, shape ...int) weights.Tensor {
	return weights.Tensor{Name: name, DType: b.dtype, Shape: shape, Role: role}
}

// linear loads a [out, in] checkpoint weight and stores it transposed.
func (b *builder) linear(name string, in, out int, bias bool) *nn.Linear {
	m := &nn.Linear{}

	if s := b.load(b.weight(name+".weight", weights.RoleWeight, out, in)); s != nil {
		t := make([]float32, len(s))
		for o := range out {
			for i := range in {
				t[i*out+o] = s[o*in+i]
			}
		}
		m.Weight = b.g.Constant(b.dtype, t, in, out)
	} else {
		m.Weight = b.zeros(b.dtype, in, out)
	}

	if bias {
		m.Bias = b.tensor(b.weight(name+".bias", weights.RoleBias, out))
	}

	return m
}

func (b *builder) conv(name string, in, out, kernel int) *nn.Conv2D {
	return &nn.Conv2D{
		Weight: b.tensor(b.weight(name+".weight", weights.RoleWeight, out, in, kernel, kernel)),
		Bias:   b.tensor(b.weight(name+".bias", weights.RoleBias, out), 1, 1, 1, out),
	}
}

func (b *builder) groupNorm(name string, channels int) *nn.GroupNorm {
	shape := []int{1, 1, 1, b.groups, channels / b.groups}
	return &nn.GroupNorm{
		Weight: b.tensor(b.weight(name+".weight", weights.RoleScale, channels), shape...),
		Bias:   b.tensor(b.weight(name+".bias", weights.RoleShift, channels), shape...),
		Groups: b.groups,
	}
}

func (b *builder) layerNorm(name string, channels int) *nn.LayerNorm {
	return &nn.LayerNorm{
		Weight: b.tensor(b.weight(name+".weight", weights.RoleScale, channels), 1, 1, channels),
		Bias:   b.tensor(b.weight(name+".bias", weights.RoleShift, channels), 1, 1, channels),
	}
}

func (b *builder) net(inputs, outputs []ml.Tensor) (Net, error) {
	if b.err != nil {
		return Net{}, b.err
	}

	if err := b.g.Err(); err != nil {
		return Net{}, err
	}

	return Net{Inputs: inputs, Outputs: outputs}, nil
}
