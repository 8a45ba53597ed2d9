package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/stagediff/api"
	"github.com/jmorganca/stagediff/diffusion"
	"github.com/jmorganca/stagediff/ml"
	"github.com/jmorganca/stagediff/model"
	"github.com/jmorganca/stagediff/tokenizer"
	"github.com/jmorganca/stagediff/weights"
)

const merges = `#version: 0.2
c a
ca t</w>
`

func setup(tb testing.TB) (*Server, http.Handler) {
	tb.Helper()
	gin.SetMode(gin.TestMode)

	m, err := tokenizer.ReadMerges(strings.NewReader(merges))
	require.NoError(tb, err)
	tok := tokenizer.NewCLIP(tokenizer.NewVocabulary(m))

	b, err := ml.NewBackend("cpu", ml.Options{Threads: 2})
	require.NoError(tb, err)

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

	e, err := diffusion.New(b, model.New(c, weights.Synthetic{Seed: 3}), tok, diffusion.Options{Width: 64, Height: 64})
	require.NoError(tb, err)
	tb.Cleanup(func() {
		e.Close()
		b.Close()
	})

	s := New(b, e)
	return s, s.GenerateRoutes()
}

func post(tb testing.TB, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	tb.Helper()

	var buf bytes.Buffer
	require.NoError(tb, json.NewEncoder(&buf).Encode(body))

	req := httptest.NewRequestWithContext(tb.Context(), http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	h.ServeHTTP(closeNotifyRecorder{w}, req)
	return w
}

// closeNotifyRecorder adds http.CloseNotifier, which gin's c.Stream requires.
type closeNotifyRecorder struct {
	*httptest.ResponseRecorder
}

func (closeNotifyRecorder) CloseNotify() <-chan bool { return make(chan bool) }

func lines[T any](tb testing.TB, w *httptest.ResponseRecorder) []T {
	tb.Helper()

	var out []T
	scanner := bufio.NewScanner(w.Body)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<24)
	for scanner.Scan() {
		var v T
		require.NoError(tb, json.Unmarshal(scanner.Bytes(), &v))
		out = append(out, v)
	}
	require.NoError(tb, scanner.Err())
	return out
}

func options() map[string]any {
	return map[string]any{"steps": 2, "seed": 5, "guidance_scale": 7.5, "width": 64, "height": 64}
}

func TestGenerateStream(t *testing.T) {
	_, h := setup(t)

	w := post(t, h, "/api/generate", api.GenerateRequest{Prompt: "cat", Preview: true, Options: options()})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))

	events := lines[api.GenerateResponse](t, w)
	require.Len(t, events, 7)

	assert.Equal(t, "tokenizing", events[0].Phase)
	assert.Equal(t, "Tokenizing...", events[0].Status)
	assert.NotEmpty(t, events[4].Preview)

	last := events[len(events)-1]
	assert.True(t, last.Done)
	assert.Equal(t, "Cooling down...", last.Status)
	assert.EqualValues(t, 5, last.Seed)
	assert.Positive(t, last.TotalDuration)

	for _, ev := range events {
		assert.Equal(t, last.ID, ev.ID)
	}

	bts, err := base64.StdEncoding.DecodeString(last.Image)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(bts))
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())
	assert.Equal(t, 64, img.Bounds().Dy())
}

func TestGenerateNoStream(t *testing.T) {
	_, h := setup(t)

	stream := false
	w := post(t, h, "/api/generate", api.GenerateRequest{Prompt: "cat", Stream: &stream, Options: options()})
	require.Equal(t, http.StatusOK, w.Code)

	var resp api.GenerateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Done)
	assert.NotEmpty(t, resp.Image)
	assert.Empty(t, resp.Preview)
}

func TestGenerateInvalid(t *testing.T) {
	_, h := setup(t)

	cases := []struct {
		name    string
		options map[string]any
		message string
	}{
		{"zero steps", map[string]any{"steps": 0}, "steps"},
		{"odd size", map[string]any{"steps": 2, "width": 100}, "width"},
		{"unknown option", map[string]any{"temperature": 0.5}, "invalid options"},
		{"wrong type", map[string]any{"steps": "many"}, "invalid options"},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			w := post(t, h, "/api/generate", api.GenerateRequest{Prompt: "cat", Options: tt.options})
			require.Equal(t, http.StatusBadRequest, w.Code)

			var resp api.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, api.ErrCodeInvalid, resp.Code)
			assert.Contains(t, resp.Message, tt.message)
		})
	}
}

func TestGenerateBusy(t *testing.T) {
	s, h := setup(t)

	var w *httptest.ResponseRecorder
	for ev, err := range s.engine.InitModels(t.Context()) {
		require.NoError(t, err)
		w = post(t, h, "/api/generate", api.GenerateRequest{Prompt: "cat", Options: options()})
		assert.Equal(t, "Loading text guidance...", ev.Status)
		break
	}

	require.NotNil(t, w)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp api.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, api.ErrCodeBusy, resp.Code)

	// the engine is released once the loader stops
	w = post(t, h, "/api/generate", api.GenerateRequest{Prompt: "cat", Options: options()})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLoadAndPs(t *testing.T) {
	_, h := setup(t)

	w := post(t, h, "/api/load", nil)
	require.Equal(t, http.StatusOK, w.Code)

	events := lines[api.LoadResponse](t, w)
	require.Len(t, events, 5)
	assert.Equal(t, "Loading UNet part 2/3...", events[2].Status)
	assert.True(t, events[4].Done)

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "/api/ps", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var ps api.ProcessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ps))
	assert.Equal(t, "cpu", ps.Backend)
	assert.Equal(t, 64, ps.Width)
	assert.Positive(t, ps.Resident)

	byName := make(map[string]api.StageStatus)
	for _, st := range ps.Stages {
		byName[st.Name] = st
	}

	require.Contains(t, byName, diffusion.StageUNet1)
	assert.Equal(t, "loaded", byName[diffusion.StageUNet1].State)
	assert.Equal(t, "shape", byName[diffusion.StageUNet1].Binding)
	assert.Equal(t, "identity", byName[diffusion.StageUNet2].Binding)
	assert.Contains(t, byName[diffusion.StageText].Inputs, "i32[2 77]")
}

func TestTokenize(t *testing.T) {
	_, h := setup(t)

	w := post(t, h, "/api/tokenize", api.TokenizeRequest{Prompt: "cat cat"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp api.TokenizeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Tokens, tokenizer.ContextLength)
	assert.Equal(t, []string{"cat</w>", "cat</w>"}, resp.Pieces[1:3])
	assert.Zero(t, resp.Dropped)
}

func TestVersionAndHealth(t *testing.T) {
	_, h := setup(t)

	for _, path := range []string{"/", "/api/version", "/api/health"} {
		req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestErrorResponse(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   api.ErrorCode
	}{
		{&diffusion.ValidationError{Field: "steps", Reason: "bad"}, http.StatusBadRequest, api.ErrCodeInvalid},
		{diffusion.ErrBusy, http.StatusServiceUnavailable, api.ErrCodeBusy},
		{fmt.Errorf("acquire: %w", &ml.MemoryError{Op: "compile", Required: 2, Available: 1}), http.StatusInsufficientStorage, api.ErrCodeOutOfMemory},
		{context.Canceled, http.StatusRequestTimeout, api.ErrCodeCanceled},
		{&diffusion.ConfigError{Op: "load", Err: errors.New("missing")}, http.StatusInternalServerError, api.ErrCodeConfig},
		{errors.New("other"), http.StatusInternalServerError, api.ErrCodeGeneral},
	}

	for _, tt := range cases {
		e := errorResponse(tt.err)
		assert.Equal(t, tt.status, e.status, tt.err.Error())
		assert.Equal(t, tt.code, e.Code, tt.err.Error())
	}

	assert.NotEmpty(t, errorResponse(ml.ErrOutOfMemory).Hint)
}
