package diffusion

import (
	"context"
	"errors"
	"image"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/stagediff/ml"
	_ "github.com/jmorganca/stagediff/ml/backend"
	"github.com/jmorganca/stagediff/model"
	"github.com/jmorganca/stagediff/stage"
	"github.com/jmorganca/stagediff/tokenizer"
	"github.com/jmorganca/stagediff/weights"
)

const merges = `#version: 0.2
h e
l o</w>
he l
hel lo</w>
c a
ca t</w>
`

func setup(tb testing.TB, saveMemory bool) *Engine {
	tb.Helper()
	return setupWith(tb, ml.Options{Threads: 2}, saveMemory)
}

func setupWith(tb testing.TB, opts ml.Options, saveMemory bool) *Engine {
	tb.Helper()

	m, err := tokenizer.ReadMerges(strings.NewReader(merges))
	require.NoError(tb, err)
	tok := tokenizer.NewCLIP(tokenizer.NewVocabulary(m))

	b, err := ml.NewBackend("cpu", opts)
	require.NoError(tb, err)
	tb.Cleanup(func() { b.Close() })

	c := model.Config{
		VocabSize:       tok.Vocabulary().Size(),
		ContextLength:   tokenizer.ContextLength,
		TextHidden:      16,
		TextLayers:      1,
		TextHeads:       2,
		TextMLP:         32,
		ModelChannels:   8,
		Heads:           2,
		Groups:          2,
		LatentChannels:  4,
		DecoderChannels: 4,
		ScaleFactor:     0.18215,
		TrainTimesteps:  1000,
		Eps:             1e-5,
	}

	e, err := New(b, model.New(c, weights.Synthetic{Seed: 7}), tok, Options{SaveMemory: saveMemory, Width: 64, Height: 64})
	require.NoError(tb, err)
	tb.Cleanup(func() { e.Close() })
	return e
}

func collect(tb testing.TB, seq func(func(Event, error) bool)) ([]Event, error) {
	tb.Helper()

	var events []Event
	for ev, err := range seq {
		events = append(events, ev)
		if err != nil {
			return events, err
		}
	}
	return events, nil
}

func generate(tb testing.TB, e *Engine, r Request) *image.RGBA {
	tb.Helper()

	events, err := collect(tb, e.Generate(tb.Context(), r))
	require.NoError(tb, err)
	require.NotEmpty(tb, events)

	last := events[len(events)-1]
	require.Equal(tb, PhaseDone, last.Phase)
	require.NotNil(tb, last.Image)
	return last.Image
}

func request() Request {
	return Request{Prompt: "hello cat", NegativePrompt: "", Seed: 42, Steps: 2, GuidanceScale: 7.5}
}

func TestGenerateEvents(t *testing.T) {
	e := setup(t, false)

	events, err := collect(t, e.Generate(t.Context(), request()))
	require.NoError(t, err)

	var statuses []string
	var progress []float32
	for _, ev := range events {
		statuses = append(statuses, ev.Status)
		progress = append(progress, ev.Progress)
		assert.Equal(t, 2, ev.Steps)
		assert.Empty(t, ev.Warning)
	}

	require.Len(t, statuses, 7)
	assert.Equal(t, "Tokenizing...", statuses[0])
	assert.Equal(t, "Encoding...", statuses[1])
	assert.Equal(t, "Generating noise...", statuses[2])
	assert.Equal(t, "Starting diffusion...", statuses[3])
	assert.True(t, strings.HasPrefix(statuses[4], "Step 1 / 2 ("), statuses[4])
	assert.True(t, strings.HasSuffix(statuses[4], "s / step)"), statuses[4])
	assert.Equal(t, "Decoding...", statuses[5])
	assert.Equal(t, "Cooling down...", statuses[6])

	assert.InDeltaSlice(t, []float32{0, 0.125, 0.25, 0.375, 0.5, 1, 1}, progress, 1e-6)

	for _, ev := range events[4:6] {
		require.NotNil(t, ev.Preview)
		assert.Equal(t, image.Rect(0, 0, 64, 64), ev.Preview.Rect)
	}

	img := events[6].Image
	require.NotNil(t, img)
	assert.Equal(t, image.Rect(0, 0, 64, 64), img.Rect)
	for i := 3; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 255 {
			t.Fatalf("alpha at %d is %d", i/4, img.Pix[i])
		}
	}
}

func TestGenerateDeterministic(t *testing.T) {
	e := setup(t, false)

	a := generate(t, e, request())
	b := generate(t, e, request())
	assert.Equal(t, a.Pix, b.Pix)

	r := request()
	r.Seed = 43
	c := generate(t, e, r)
	assert.NotEqual(t, a.Pix, c.Pix)
}

func TestSaveMemoryMatchesFast(t *testing.T) {
	fast := generate(t, setup(t, false), request())

	e := setup(t, true)
	saving := generate(t, e, request())

	require.Len(t, saving.Pix, len(fast.Pix))
	for i := range fast.Pix {
		d := math.Abs(float64(fast.Pix[i]) - float64(saving.Pix[i]))
		if d > 3 {
			t.Fatalf("pixel byte %d differs: %d vs %d", i, fast.Pix[i], saving.Pix[i])
		}
	}

	states := make(map[string]string)
	for _, s := range e.Status() {
		states[s.Name] = s.State
	}

	assert.Equal(t, stage.Unloaded.String(), states[StageDecoder])
	assert.Equal(t, stage.Unloaded.String(), states[StageConcat])
	assert.Equal(t, stage.Loaded.String(), states[StageText])
	assert.Equal(t, stage.Loaded.String(), states[StageUNet3])
}

func TestInitModels(t *testing.T) {
	e := setup(t, false)

	events, err := collect(t, e.InitModels(t.Context()))
	require.NoError(t, err)

	var statuses []string
	for _, ev := range events {
		statuses = append(statuses, ev.Status)
	}

	assert.Equal(t, []string{
		"Loading text guidance...",
		"Loading UNet part 1/3...",
		"Loading UNet part 2/3...",
		"Loading UNet part 3/3...",
		"Loaded models",
	}, statuses)
	assert.InDelta(t, 1, events[len(events)-1].Progress, 1e-6)

	for _, s := range e.Status() {
		assert.Equal(t, stage.Loaded.String(), s.State, s.Name)
	}
}

func TestGenerateBusy(t *testing.T) {
	e := setup(t, false)
	e.busy.Store(true)

	events, err := collect(t, e.Generate(t.Context(), request()))
	require.ErrorIs(t, err, ErrBusy)
	require.Len(t, events, 1)
	assert.Equal(t, PhaseFailed, events[0].Phase)

	_, err = collect(t, e.InitModels(t.Context()))
	require.ErrorIs(t, err, ErrBusy)
}

func TestGenerateCancel(t *testing.T) {
	e := setup(t, false)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	var events []Event
	var err error
	for ev, evErr := range e.Generate(ctx, request()) {
		events = append(events, ev)
		if ev.Status == "Starting diffusion..." {
			cancel()
		}
		if evErr != nil {
			err = evErr
			break
		}
	}

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, PhaseFailed, events[len(events)-1].Phase)
	for _, ev := range events {
		assert.NotEqual(t, PhaseDenoising, ev.Phase)
	}

	// the engine is free again
	generate(t, e, request())
}

func TestGenerateValidation(t *testing.T) {
	e := setup(t, false)

	cases := []struct {
		name  string
		field string
		edit  func(*Request)
	}{
		{"no steps", "steps", func(r *Request) { r.Steps = 0 }},
		{"too many steps", "steps", func(r *Request) { r.Steps = MaxSteps + 1 }},
		{"odd width", "width", func(r *Request) { r.Width = 100 }},
		{"negative height", "height", func(r *Request) { r.Height = -64 }},
		{"nan guidance", "guidance_scale", func(r *Request) { r.GuidanceScale = float32(math.NaN()) }},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			r := request()
			tt.edit(&r)

			events, err := collect(t, e.Generate(t.Context(), r))
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
			assert.Len(t, events, 1)
		})
	}

	for _, s := range e.Status() {
		assert.Equal(t, stage.Unloaded.String(), s.State, s.Name)
	}
}

func TestGenerateTruncation(t *testing.T) {
	e := setup(t, false)

	r := request()
	r.Prompt = strings.Repeat("cat ", 80)

	events, err := collect(t, e.Generate(t.Context(), r))
	require.NoError(t, err)

	var warnings []string
	for _, ev := range events {
		if ev.Warning != "" {
			warnings = append(warnings, ev.Warning)
		}
	}

	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "5 tokens")
}

func TestGenerateResize(t *testing.T) {
	e := setup(t, false)
	generate(t, e, request())

	r := request()
	r.Width = 128
	img := generate(t, e, r)
	assert.Equal(t, image.Rect(0, 0, 128, 64), img.Rect)

	w, h := e.Size()
	assert.Equal(t, 128, w)
	assert.Equal(t, 64, h)
}

func TestSizeDuringResize(t *testing.T) {
	e := setup(t, false)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}

			w, h := e.Size()
			if (w != 64 && w != 128) || h != 64 {
				t.Errorf("unexpected size %dx%d", w, h)
				return
			}
		}
	}()

	r := request()
	r.Width = 128
	img := generate(t, e, r)
	close(done)
	wg.Wait()

	assert.Equal(t, image.Rect(0, 0, 128, 64), img.Rect)
	w, h := e.Size()
	assert.Equal(t, 128, w)
	assert.Equal(t, 64, h)
}

func TestGenerateStopAtImage(t *testing.T) {
	e := setup(t, true)

	var img *image.RGBA
	for ev, err := range e.Generate(t.Context(), request()) {
		require.NoError(t, err)
		if ev.Image != nil {
			img = ev.Image
			break
		}
	}
	require.NotNil(t, img)

	states := make(map[string]string)
	for _, s := range e.Status() {
		states[s.Name] = s.State
	}

	for _, name := range []string{StageText, StageUNet1, StageUNet2, StageUNet3} {
		assert.Equal(t, stage.Loaded.String(), states[name], name)
	}
	assert.Equal(t, stage.Unloaded.String(), states[StageDecoder])
	assert.False(t, e.busy.Load())
}

func TestGenerateOutOfMemory(t *testing.T) {
	e := setupWith(t, ml.Options{MemoryLimit: 1 << 10}, false)

	_, err := collect(t, e.InitModels(t.Context()))
	require.ErrorIs(t, err, ml.ErrOutOfMemory)

	var ce *ConfigError
	assert.False(t, errors.As(err, &ce))

	_, err = collect(t, e.Generate(t.Context(), request()))
	require.ErrorIs(t, err, ml.ErrOutOfMemory)
}
