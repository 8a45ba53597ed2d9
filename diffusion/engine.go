// Package diffusion runs text-to-image sampling on top of the staged
// networks: tokenizing, text encoding, noise, the denoising loop and the
// final decode.
package diffusion

import (
	"context"
	"errors"
	"fmt"
	"image"
	"iter"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jmorganca/stagediff/logutil"
	"github.com/jmorganca/stagediff/ml"
	"github.com/jmorganca/stagediff/model"
	"github.com/jmorganca/stagediff/stage"
	"github.com/jmorganca/stagediff/tokenizer"
	"github.com/jmorganca/stagediff/weights"
)

// Stage names registered with the engine's pool.
const (
	StageText    = "text"
	StageTime    = "time"
	StageUNet1   = "unet1"
	StageUNet2   = "unet2"
	StageUNet3   = "unet3"
	StageStep    = "step"
	StagePreview = "preview"
	StageDecoder = "decoder"
	StageConcat  = "concat"
	StageSplit   = "split"
)

var unetStages = []string{StageUNet1, StageUNet2, StageUNet3}

// DefaultSize is the image width and height used when a request names none.
const DefaultSize = 512

type Options struct {
	// SaveMemory keeps fewer stages resident: the text encoder is released
	// after encoding, the UNet is released while decoding, the guidance
	// passes run one at a time and cross-attention runs per head.
	SaveMemory bool

	// Width and Height are the initial image size.
	Width, Height int
}

type Engine struct {
	backend    ml.Backend
	model      *model.Model
	tokenizer  *tokenizer.CLIP
	saveMemory bool

	pool   *stage.Pool
	stages map[string]*stage.Stage

	// size is swapped whole by resize and read by stage builds and Size.
	size atomic.Pointer[imageSize]

	busy atomic.Bool
}

type imageSize struct {
	width, height int
}

func New(b ml.Backend, m *model.Model, tok *tokenizer.CLIP, opts Options) (*Engine, error) {
	e := &Engine{
		backend:    b,
		model:      m,
		tokenizer:  tok,
		saveMemory: opts.SaveMemory,
		pool:       stage.NewPool(b),
		stages:     make(map[string]*stage.Stage),
	}

	size := imageSize{width: cmpOr(opts.Width, DefaultSize), height: cmpOr(opts.Height, DefaultSize)}
	if err := e.checkSize(size.width, size.height); err != nil {
		return nil, err
	}
	e.size.Store(&size)

	def := func(n model.Net, err error) (stage.Definition, error) {
		return stage.Definition(n), err
	}

	configs := []stage.Config{
		{Name: StageText, Build: func(g ml.Graph, _ []ml.Slot) (stage.Definition, error) {
			return def(m.TextGuidance(g))
		}},
		{Name: StageTime, Build: func(g ml.Graph, _ []ml.Slot) (stage.Definition, error) {
			return def(m.TimeFeatures(g))
		}},
		{Name: StageUNet1, Binding: stage.ByShape, Build: func(g ml.Graph, _ []ml.Slot) (stage.Definition, error) {
			return def(m.UNetStage1(g, e.options()))
		}},
		{Name: StageUNet2, Upstream: StageUNet1, Build: func(g ml.Graph, up []ml.Slot) (stage.Definition, error) {
			return def(m.UNetStage2(g, e.options(), up))
		}},
		{Name: StageUNet3, Upstream: StageUNet2, Build: func(g ml.Graph, up []ml.Slot) (stage.Definition, error) {
			return def(m.UNetStage3(g, e.options(), up))
		}},
		{Name: StageStep, Build: func(g ml.Graph, _ []ml.Slot) (stage.Definition, error) {
			return def(m.SchedulerStep(g, e.options()))
		}},
		{Name: StagePreview, Build: func(g ml.Graph, _ []ml.Slot) (stage.Definition, error) {
			return def(m.Preview(g, e.options()))
		}},
		{Name: StageDecoder, Build: func(g ml.Graph, _ []ml.Slot) (stage.Definition, error) {
			return def(m.Decoder(g, e.options()))
		}},
		{Name: StageConcat, Build: func(g ml.Graph, _ []ml.Slot) (stage.Definition, error) {
			return def(m.GuidanceConcat(g))
		}},
		{Name: StageSplit, Build: func(g ml.Graph, _ []ml.Slot) (stage.Definition, error) {
			return def(m.EtaSplit(g, e.options()))
		}},
	}

	for _, c := range configs {
		s, err := e.pool.Register(c)
		if err != nil {
			return nil, err
		}
		e.stages[c.Name] = s
	}

	return e, nil
}

// Load opens the merge table, config.json and weight blobs under d.
func Load(b ml.Backend, d weights.Dir, opts Options) (*Engine, error) {
	c, err := model.LoadConfig(d.ConfigPath())
	if err != nil {
		return nil, &ConfigError{Op: "load config", Err: err}
	}

	tok, err := tokenizer.Open(d.VocabPath())
	if err != nil {
		return nil, &ConfigError{Op: "load tokenizer", Err: err}
	}

	if tok.Vocabulary().Size() > c.VocabSize {
		return nil, &ConfigError{Op: "load tokenizer", Err: fmt.Errorf("tokenizer has %d ids, text encoder %d", tok.Vocabulary().Size(), c.VocabSize)}
	}

	return New(b, model.New(c, weights.Fallback{Source: d}), tok, opts)
}

func cmpOr(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

func (e *Engine) options() model.Options {
	ds := e.model.Downsample()
	size := e.size.Load()
	o := model.Options{Height: size.height / ds, Width: size.width / ds, Batch: 2}
	if e.saveMemory {
		o.Batch = 1
		o.SliceHeads = true
	}
	return o
}

// sizeMultiple is the granularity of image sizes: the decoder's downsample
// times the UNet's.
func (e *Engine) sizeMultiple() int {
	return 8 * e.model.Downsample()
}

func (e *Engine) checkSize(width, height int) error {
	m := e.sizeMultiple()
	if width <= 0 || width%m != 0 {
		return &ValidationError{Field: "width", Reason: fmt.Sprintf("%d is not a positive multiple of %d", width, m)}
	}
	if height <= 0 || height%m != 0 {
		return &ValidationError{Field: "height", Reason: fmt.Sprintf("%d is not a positive multiple of %d", height, m)}
	}
	return nil
}

func (e *Engine) Tokenizer() *tokenizer.CLIP {
	return e.tokenizer
}

func (e *Engine) SaveMemory() bool {
	return e.saveMemory
}

func (e *Engine) Size() (width, height int) {
	size := e.size.Load()
	return size.width, size.height
}

func (e *Engine) Status() []stage.Status {
	return e.pool.Status()
}

func (e *Engine) Close() error {
	return e.pool.Close()
}

func (e *Engine) acquire(names ...string) error {
	return classify("load stages", e.pool.Acquire(names...))
}

func (e *Engine) release(names ...string) error {
	return e.pool.Release(names...)
}

// resident lists the stages kept loaded between requests.
func (e *Engine) resident() []string {
	names := []string{StageText, StageUNet1, StageUNet2, StageUNet3, StageTime, StageStep, StagePreview}
	if !e.saveMemory {
		names = append(names, StageConcat, StageSplit, StageDecoder)
	}
	return names
}

type Phase int

const (
	PhaseLoading Phase = iota
	PhaseTokenizing
	PhaseEncoding
	PhaseNoise
	PhaseDenoising
	PhaseDecoding
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseLoading:
		return "loading"
	case PhaseTokenizing:
		return "tokenizing"
	case PhaseEncoding:
		return "encoding"
	case PhaseNoise:
		return "noise"
	case PhaseDenoising:
		return "denoising"
	case PhaseDecoding:
		return "decoding"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

type Event struct {
	Phase    Phase
	Step     int
	Steps    int
	Progress float32
	Status   string

	Preview *image.RGBA
	Image   *image.RGBA

	Warning string
}

// InitModels loads the text encoder, the three UNet stages and the small
// per-step graphs.
func (e *Engine) InitModels(ctx context.Context) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		if !e.busy.CompareAndSwap(false, true) {
			yield(Event{Phase: PhaseFailed, Status: ErrBusy.Error()}, ErrBusy)
			return
		}
		defer e.busy.Store(false)

		steps := []struct {
			progress float32
			status   string
			stages   []string
		}{
			{0, "Loading text guidance...", []string{StageText}},
			{0.25, "Loading UNet part 1/3...", []string{StageUNet1}},
			{0.5, "Loading UNet part 2/3...", []string{StageUNet2}},
			{0.75, "Loading UNet part 3/3...", []string{StageUNet3}},
		}

		for _, step := range steps {
			if !yield(Event{Phase: PhaseLoading, Progress: step.progress, Status: step.status}, nil) {
				return
			}

			if err := ctx.Err(); err != nil {
				yield(Event{Phase: PhaseFailed, Status: err.Error()}, err)
				return
			}

			if err := e.acquire(step.stages...); err != nil {
				yield(Event{Phase: PhaseFailed, Status: err.Error()}, err)
				return
			}
		}

		if err := e.acquire(e.resident()...); err != nil {
			yield(Event{Phase: PhaseFailed, Status: err.Error()}, err)
			return
		}

		slog.Info("loaded models", "save_memory", e.saveMemory, "resident", e.pool.Resident())
		yield(Event{Phase: PhaseDone, Progress: 1, Status: "Loaded models"}, nil)
	}
}

type Request struct {
	ID             string
	Prompt         string
	NegativePrompt string
	Seed           int64
	Steps          int
	GuidanceScale  float32

	// Width and Height default to the engine's current size.
	Width, Height int

	NoPreview bool
}

// validate fills defaults and rejects requests that cannot run.
func (e *Engine) validate(r *Request) ([]int, error) {
	size := e.size.Load()
	r.Width = cmpOr(r.Width, size.width)
	r.Height = cmpOr(r.Height, size.height)
	if err := e.checkSize(r.Width, r.Height); err != nil {
		return nil, err
	}

	if math.IsNaN(float64(r.GuidanceScale)) || math.IsInf(float64(r.GuidanceScale), 0) {
		return nil, &ValidationError{Field: "guidance_scale", Reason: "must be finite"}
	}

	return Timesteps(r.Steps, e.model.TrainTimesteps)
}

// resize rebuilds stages for a new image size.
func (e *Engine) resize(width, height int) error {
	cur := e.size.Load()
	if width == cur.width && height == cur.height {
		return nil
	}

	slog.Info("resizing", "from", fmt.Sprintf("%dx%d", cur.width, cur.height), "to", fmt.Sprintf("%dx%d", width, height))
	if err := e.pool.Reset(); err != nil {
		return err
	}

	e.size.Store(&imageSize{width: width, height: height})
	return nil
}

// Generate streams the events of one text-to-image request. The final event
// carries the decoded image at progress 1. A failure ends the stream with a
// PhaseFailed event and the error.
func (e *Engine) Generate(ctx context.Context, r Request) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		r := r
		fail := func(err error) {
			logutil.FromContext(ctx).Error("generate failed", "error", err)
			yield(Event{Phase: PhaseFailed, Status: err.Error()}, err)
		}

		ts, err := e.validate(&r)
		if err != nil {
			fail(err)
			return
		}

		if !e.busy.CompareAndSwap(false, true) {
			fail(ErrBusy)
			return
		}
		defer e.busy.Store(false)

		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		ctx := logutil.With(ctx, "request", r.ID)

		if err := e.resize(r.Width, r.Height); err != nil {
			fail(err)
			return
		}

		s := sampler{Engine: e, ctx: ctx, req: r, timesteps: ts, yield: yield}
		if err := s.run(); err != nil {
			if !errors.Is(err, errStopped) {
				fail(err)
			}
		}
	}
}

// errStopped ends a run whose consumer stopped ranging.
var errStopped = errors.New("stopped")

type sampler struct {
	*Engine
	ctx       context.Context
	req       Request
	timesteps []int
	yield     func(Event, error) bool
}

func (s *sampler) emit(ev Event) error {
	ev.Steps = len(s.timesteps)
	if !s.yield(ev, nil) {
		return errStopped
	}
	return nil
}

func (s *sampler) exec(name string, inputs ...ml.Array) ([]ml.Array, error) {
	out, err := s.stages[name].Run(s.ctx, inputs...)
	return out, classify(name, err)
}

func (s *sampler) run() error {
	log := logutil.FromContext(s.ctx)
	n := float32(len(s.timesteps))
	startedAt := time.Now()

	needed := []string{StageText, StageTime, StageStep, StageUNet1, StageUNet2, StageUNet3}
	if !s.req.NoPreview {
		needed = append(needed, StagePreview)
	}
	if !s.saveMemory {
		needed = append(needed, StageConcat, StageSplit, StageDecoder)
	}
	if err := s.acquire(needed...); err != nil {
		return err
	}

	if err := s.emit(Event{Phase: PhaseTokenizing, Status: "Tokenizing..."}); err != nil {
		return err
	}

	ids := make([]int32, 0, 2*tokenizer.ContextLength)
	for _, prompt := range []string{s.req.NegativePrompt, s.req.Prompt} {
		tokens, dropped, err := s.tokenizer.Encode(prompt)
		if err != nil {
			return &ConfigError{Op: "tokenize", Err: err}
		}

		if dropped > 0 {
			warning := fmt.Sprintf("prompt truncated: %d tokens over the %d token limit were dropped", dropped, tokenizer.MaxContent)
			log.Warn("prompt truncated", "dropped", dropped)
			if err := s.emit(Event{Phase: PhaseTokenizing, Status: "Tokenizing...", Warning: warning}); err != nil {
				return err
			}
		}

		ids = append(ids, tokens...)
	}

	if err := s.emit(Event{Phase: PhaseEncoding, Progress: 0.25 / n, Status: "Encoding..."}); err != nil {
		return err
	}

	tokens, err := s.backend.FromInts(ids, 2, tokenizer.ContextLength)
	if err != nil {
		return classify("tokenize", err)
	}

	guidance, err := s.exec(StageText, tokens)
	if err != nil {
		return err
	}
	uncond, cond := guidance[0], guidance[1]

	if s.saveMemory {
		if err := s.release(StageText); err != nil {
			return err
		}
	}

	if err := s.emit(Event{Phase: PhaseNoise, Progress: 0.5 / n, Status: "Generating noise..."}); err != nil {
		return err
	}

	o := s.options()
	latent, err := s.backend.FromFloats(ml.DTypeF16, Noise(s.req.Seed, o.Height*o.Width*s.model.LatentChannels), 1, o.Height, o.Width, s.model.LatentChannels)
	if err != nil {
		return classify("noise", err)
	}

	if err := s.emit(Event{Phase: PhaseNoise, Progress: 0.75 / n, Status: "Starting diffusion..."}); err != nil {
		return err
	}

	scale, err := s.backend.FromFloats(ml.DTypeF32, []float32{s.req.GuidanceScale}, 1)
	if err != nil {
		return classify("guidance", err)
	}

	stride := Stride(s.req.Steps, s.model.TrainTimesteps)
	for i := len(s.timesteps) - 1; i >= 0; i-- {
		if err := s.ctx.Err(); err != nil {
			return err
		}

		tick := time.Now()
		t, tPrev := s.timesteps[i], PrevTimestep(s.timesteps, i, stride)

		latent, err = s.step(latent, uncond, cond, scale, t, tPrev)
		if err != nil {
			return err
		}

		ev := Event{
			Phase:    PhaseDenoising,
			Step:     len(s.timesteps) - i,
			Progress: float32(len(s.timesteps)-i) / n,
			Status:   fmt.Sprintf("Step %d / %d (%.2fs / step)", len(s.timesteps)-i, len(s.timesteps), time.Since(tick).Seconds()),
		}
		if i == 0 {
			ev.Status = "Decoding..."
		}

		if !s.req.NoPreview {
			out, err := s.exec(StagePreview, latent)
			if err != nil {
				return err
			}

			if ev.Preview, err = ToImage(out[0]); err != nil {
				return err
			}
		}

		logutil.TraceContext(s.ctx, "step", "t", t, "prev", tPrev, "duration", time.Since(tick))
		if err := s.emit(ev); err != nil {
			return err
		}
	}

	img, err := s.decode(latent)
	if err != nil {
		return err
	}

	log.Info("generated image", "steps", len(s.timesteps), "size", fmt.Sprintf("%dx%d", s.req.Width, s.req.Height), "duration", time.Since(startedAt))
	emitted := s.emit(Event{Phase: PhaseDone, Step: len(s.timesteps), Progress: 1, Status: "Cooling down...", Image: img})

	// reload even when the consumer stopped at the final image
	if s.saveMemory {
		if err := s.acquire(StageUNet1, StageUNet2, StageUNet3, StageText); err != nil {
			if emitted != nil {
				log.Warn("reloading stages", "error", err)
				return emitted
			}
			return err
		}
	}
	return emitted
}

// step computes the guided noise pair and applies one scheduler update.
func (s *sampler) step(latent, uncond, cond, scale ml.Array, t, tPrev int) (ml.Array, error) {
	ts, err := s.backend.FromInts([]int32{int32(t)}, 1)
	if err != nil {
		return nil, classify("timestep", err)
	}

	prev, err := s.backend.FromInts([]int32{int32(tPrev)}, 1)
	if err != nil {
		return nil, classify("timestep", err)
	}

	temb, err := s.exec(StageTime, ts)
	if err != nil {
		return nil, err
	}

	var etaUncond, etaCond ml.Array
	if s.saveMemory {
		if etaUncond, err = s.unet(latent, uncond, temb[0]); err != nil {
			return nil, err
		}

		if etaCond, err = s.unet(latent, cond, temb[0]); err != nil {
			return nil, err
		}
	} else {
		pair, err := s.exec(StageConcat, uncond, cond)
		if err != nil {
			return nil, err
		}

		eta, err := s.unet(latent, pair[0], temb[0])
		if err != nil {
			return nil, err
		}

		etas, err := s.exec(StageSplit, eta)
		if err != nil {
			return nil, err
		}
		etaUncond, etaCond = etas[0], etas[1]
	}

	out, err := s.exec(StageStep, latent, etaUncond, etaCond, ts, prev, scale)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (s *sampler) unet(latent, cond, temb ml.Array) (ml.Array, error) {
	out, err := s.exec(StageUNet1, latent, cond, temb)
	if err != nil {
		return nil, err
	}

	for _, name := range unetStages[1:] {
		if out, err = s.exec(name, append(out, cond)...); err != nil {
			return nil, err
		}
	}

	return out[0], nil
}

func (s *sampler) decode(latent ml.Array) (*image.RGBA, error) {
	if s.saveMemory {
		if err := s.release(unetStages...); err != nil {
			return nil, err
		}

		if err := s.acquire(StageDecoder); err != nil {
			return nil, err
		}
	}

	out, err := s.exec(StageDecoder, latent)
	if s.saveMemory {
		if rerr := s.release(StageDecoder); rerr != nil {
			logutil.FromContext(s.ctx).Warn("releasing decoder", "error", rerr)
		}
	}
	if err != nil {
		return nil, err
	}

	return ToImage(out[0])
}
