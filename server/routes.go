package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jmorganca/stagediff/api"
	"github.com/jmorganca/stagediff/diffusion"
	"github.com/jmorganca/stagediff/envconfig"
	"github.com/jmorganca/stagediff/logutil"
	"github.com/jmorganca/stagediff/ml"
	_ "github.com/jmorganca/stagediff/ml/backend"
	"github.com/jmorganca/stagediff/version"
	"github.com/jmorganca/stagediff/weights"
)

type Server struct {
	backend ml.Backend
	engine  *diffusion.Engine
}

func New(b ml.Backend, e *diffusion.Engine) *Server {
	return &Server{backend: b, engine: e}
}

// streamError ends a stream with an HTTP status and an error body.
type streamError struct {
	status int
	api.ErrorResponse
}

// errorResponse maps engine errors onto HTTP statuses.
func errorResponse(err error) streamError {
	var ve *diffusion.ValidationError
	var ce *diffusion.ConfigError
	switch {
	case errors.As(err, &ve):
		return streamError{http.StatusBadRequest, api.ErrorResponse{Message: err.Error(), Code: api.ErrCodeInvalid}}
	case errors.Is(err, diffusion.ErrBusy):
		return streamError{http.StatusServiceUnavailable, api.ErrorResponse{Message: err.Error(), Code: api.ErrCodeBusy}}
	case errors.Is(err, ml.ErrOutOfMemory):
		return streamError{http.StatusInsufficientStorage, api.ErrorResponse{
			Message: err.Error(),
			Code:    api.ErrCodeOutOfMemory,
			Hint:    "enable memory-saving mode with STAGEDIFF_SAVE_MEMORY=1 or lower the image size",
		}}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return streamError{http.StatusRequestTimeout, api.ErrorResponse{Message: err.Error(), Code: api.ErrCodeCanceled}}
	case errors.As(err, &ce):
		return streamError{http.StatusInternalServerError, api.ErrorResponse{Message: err.Error(), Code: api.ErrCodeConfig}}
	default:
		return streamError{http.StatusInternalServerError, api.ErrorResponse{Message: err.Error(), Code: api.ErrCodeGeneral}}
	}
}

func (s *Server) GenerateHandler(c *gin.Context) {
	var req api.GenerateRequest
	if err := c.ShouldBindJSON(&req); errors.Is(err, io.EOF) {
		c.AbortWithStatusJSON(http.StatusBadRequest, api.ErrorResponse{Message: "missing request body", Code: api.ErrCodeInvalid})
		return
	} else if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, api.ErrorResponse{Message: err.Error(), Code: api.ErrCodeInvalid})
		return
	}

	opts := api.DefaultOptions()
	if err := opts.FromMap(req.Options); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, api.ErrorResponse{Message: err.Error(), Code: api.ErrCodeInvalid})
		return
	}

	if opts.Seed < 0 {
		opts.Seed = rand.Int64N(1 << 31)
	}

	r := diffusion.Request{
		ID:             uuid.NewString(),
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Seed:           opts.Seed,
		Steps:          opts.Steps,
		GuidanceScale:  opts.GuidanceScale,
		Width:          opts.Width,
		Height:         opts.Height,
		NoPreview:      !req.Preview,
	}

	ctx := logutil.With(c.Request.Context(), "request", r.ID)
	logutil.FromContext(ctx).Info("generate", "steps", r.Steps, "seed", r.Seed, "guidance", r.GuidanceScale)

	ch := make(chan any)
	go func() {
		defer close(ch)

		started := time.Now()
		for ev, err := range s.engine.Generate(ctx, r) {
			if err != nil {
				send(ctx, ch, errorResponse(err))
				return
			}

			resp, err := generateResponse(r, ev)
			if err != nil {
				send(ctx, ch, errorResponse(err))
				return
			}

			if resp.Done {
				resp.TotalDuration = time.Since(started)
			}

			if !send(ctx, ch, resp) {
				return
			}
		}
	}()

	if req.Stream != nil && !*req.Stream {
		waitForResponse(c, ch)
		return
	}

	streamResponse(c, ch)
}

func generateResponse(r diffusion.Request, ev diffusion.Event) (api.GenerateResponse, error) {
	resp := api.GenerateResponse{
		ID:        r.ID,
		CreatedAt: time.Now().UTC(),
		Phase:     ev.Phase.String(),
		Status:    ev.Status,
		Step:      ev.Step,
		Steps:     ev.Steps,
		Progress:  ev.Progress,
		Warning:   ev.Warning,
		Seed:      r.Seed,
		Done:      ev.Phase == diffusion.PhaseDone,
	}

	var err error
	if ev.Preview != nil {
		if resp.Preview, err = diffusion.EncodeBase64(ev.Preview); err != nil {
			return resp, err
		}
	}

	if ev.Image != nil {
		if resp.Image, err = diffusion.EncodeBase64(ev.Image); err != nil {
			return resp, err
		}
	}

	return resp, nil
}

func (s *Server) LoadHandler(c *gin.Context) {
	ctx := c.Request.Context()
	ch := make(chan any)
	go func() {
		defer close(ch)

		for ev, err := range s.engine.InitModels(ctx) {
			if err != nil {
				send(ctx, ch, errorResponse(err))
				return
			}

			if !send(ctx, ch, api.LoadResponse{Status: ev.Status, Progress: ev.Progress, Done: ev.Phase == diffusion.PhaseDone}) {
				return
			}
		}
	}()

	streamResponse(c, ch)
}

func (s *Server) PsHandler(c *gin.Context) {
	width, height := s.engine.Size()
	resp := api.ProcessResponse{
		Backend:    s.backend.Name(),
		SaveMemory: s.engine.SaveMemory(),
		Width:      width,
		Height:     height,
		Resident:   s.backend.Resident(),
	}

	for _, st := range s.engine.Status() {
		ss := api.StageStatus{
			Name:      st.Name,
			State:     st.State,
			Binding:   st.Binding,
			Footprint: st.Footprint,
		}

		for _, slot := range st.Inputs {
			ss.Inputs = append(ss.Inputs, slot.String())
		}

		for _, slot := range st.Outputs {
			ss.Outputs = append(ss.Outputs, slot.String())
		}

		resp.Stages = append(resp.Stages, ss)
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) TokenizeHandler(c *gin.Context) {
	var req api.TokenizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, api.ErrorResponse{Message: err.Error(), Code: api.ErrCodeInvalid})
		return
	}

	tok := s.engine.Tokenizer()
	ids, dropped, err := tok.Encode(req.Prompt)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, api.ErrorResponse{Message: err.Error(), Code: api.ErrCodeInvalid})
		return
	}

	c.JSON(http.StatusOK, api.TokenizeResponse{Tokens: ids, Pieces: tok.Tokens(ids), Dropped: dropped})
}

func (s *Server) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "resident": s.backend.Resident()})
}

// send delivers v unless the client has gone away. Returning false stops the
// engine's iterator, which frees it for the next request.
func send(ctx context.Context, ch chan<- any, v any) bool {
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		return false
	}
}

// waitForResponse answers a non-streaming request with the final event.
func waitForResponse(c *gin.Context, ch chan any) {
	var latest any
	for resp := range ch {
		switch r := resp.(type) {
		case streamError:
			c.JSON(r.status, r.ErrorResponse)
			return
		default:
			latest = r
		}
	}

	c.JSON(http.StatusOK, latest)
}

func streamResponse(c *gin.Context, ch chan any) {
	c.Header("Content-Type", "application/x-ndjson")
	c.Stream(func(w io.Writer) bool {
		val, ok := <-ch
		if !ok {
			return false
		}

		if e, ok := val.(streamError); ok {
			if !c.Writer.Written() {
				c.Header("Content-Type", "application/json")
				c.JSON(e.status, e.ErrorResponse)
			} else if err := json.NewEncoder(c.Writer).Encode(e.ErrorResponse); err != nil {
				slog.Error("streamResponse failed to encode json error", "error", err)
			}

			return false
		}

		bts, err := json.Marshal(val)
		if err != nil {
			slog.Info(fmt.Sprintf("streamResponse: json.Marshal failed with %s", err))
			return false
		}

		bts = append(bts, '\n')
		if _, err := w.Write(bts); err != nil {
			slog.Info(fmt.Sprintf("streamResponse: w.Write failed with %s", err))
			return false
		}

		return true
	})
}

func (s *Server) GenerateRoutes() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowWildcard = true
	corsConfig.AllowBrowserExtensions = true
	corsConfig.AllowHeaders = []string{
		"Authorization",
		"Content-Type",
		"User-Agent",
		"Accept",
		"X-Requested-With",
	}
	corsConfig.AllowOrigins = envconfig.AllowOrigins

	r := gin.Default()
	r.HandleMethodNotAllowed = true
	r.Use(cors.New(corsConfig))

	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "stagediff is running") })
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "stagediff is running") })
	r.HEAD("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, api.VersionResponse{Version: version.Version}) })
	r.GET("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, api.VersionResponse{Version: version.Version}) })
	r.GET("/api/health", s.HealthHandler)

	r.POST("/api/load", s.LoadHandler)
	r.POST("/api/generate", s.GenerateHandler)
	r.POST("/api/tokenize", s.TokenizeHandler)
	r.GET("/api/ps", s.PsHandler)

	return r
}

// Open creates the configured backend and engine over the models directory.
func Open() (ml.Backend, *diffusion.Engine, error) {
	checkMemory(envconfig.MaxMemory)

	b, err := ml.NewBackend(envconfig.Backend, ml.Options{
		Threads:     envconfig.NumThreads,
		MemoryLimit: int64(envconfig.MaxMemory),
	})
	if err != nil {
		return nil, nil, err
	}

	e, err := diffusion.Load(b, weights.Dir(envconfig.ModelsDir), diffusion.Options{SaveMemory: envconfig.SaveMemory})
	if err != nil {
		b.Close()
		return nil, nil, err
	}

	return b, e, nil
}

func Serve(ln net.Listener) error {
	slog.SetDefault(logutil.NewLogger(os.Stderr, logutil.Level(envconfig.Debug)))
	slog.Info("server config", "env", envconfig.Values())

	b, e, err := Open()
	if err != nil {
		return err
	}

	s := New(b, e)

	slog.Info(fmt.Sprintf("Listening on %s (version %s)", ln.Addr(), version.Version))
	srvr := &http.Server{Handler: s.GenerateRoutes()}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		srvr.Close()
	}()

	err = srvr.Serve(ln)
	if closeErr := errors.Join(e.Close(), b.Close()); closeErr != nil {
		slog.Warn("failed to release backend", "error", closeErr)
	}

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
