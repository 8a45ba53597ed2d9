package api

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/jmorganca/stagediff/envconfig"
)

// GenerateRequest describes one text-to-image request.
type GenerateRequest struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`

	// Stream enables ndjson progress events. Defaults to true.
	Stream *bool `json:"stream,omitempty"`

	// Preview includes a base64 PNG preview with every step event.
	Preview bool `json:"preview,omitempty"`

	// Options holds sampling parameters; see Options for the keys.
	Options map[string]any `json:"options,omitempty"`
}

// Options are the sampling parameters accepted in GenerateRequest.Options.
type Options struct {
	// Seed selects the initial noise. Negative picks a random seed.
	Seed          int64   `mapstructure:"seed" json:"seed"`
	Steps         int     `mapstructure:"steps" json:"steps"`
	GuidanceScale float32 `mapstructure:"guidance_scale" json:"guidance_scale"`
	Width         int     `mapstructure:"width" json:"width,omitempty"`
	Height        int     `mapstructure:"height" json:"height,omitempty"`
}

func DefaultOptions() Options {
	return Options{
		Seed:          -1,
		Steps:         envconfig.Steps,
		GuidanceScale: float32(envconfig.Guidance),
	}
}

// FromMap overrides o with the values in m. Unknown keys are an error.
func (o *Options) FromMap(m map[string]any) error {
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           o,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}

	if err := d.Decode(m); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	return nil
}

type GenerateResponse struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`

	Phase    string  `json:"phase"`
	Status   string  `json:"status"`
	Step     int     `json:"step,omitempty"`
	Steps    int     `json:"steps,omitempty"`
	Progress float32 `json:"progress"`
	Warning  string  `json:"warning,omitempty"`

	// Preview and Image are base64 encoded PNGs.
	Preview string `json:"preview,omitempty"`
	Image   string `json:"image,omitempty"`

	Seed          int64         `json:"seed,omitempty"`
	Done          bool          `json:"done"`
	TotalDuration time.Duration `json:"total_duration,omitempty"`
}

type LoadResponse struct {
	Status   string  `json:"status"`
	Progress float32 `json:"progress"`
	Done     bool    `json:"done"`
}

type StageStatus struct {
	Name      string   `json:"name"`
	State     string   `json:"state"`
	Binding   string   `json:"binding"`
	Footprint int64    `json:"footprint"`
	Inputs    []string `json:"inputs,omitempty"`
	Outputs   []string `json:"outputs,omitempty"`
}

type ProcessResponse struct {
	Backend    string        `json:"backend"`
	SaveMemory bool          `json:"save_memory"`
	Width      int           `json:"width"`
	Height     int           `json:"height"`
	Resident   int64         `json:"resident"`
	Stages     []StageStatus `json:"stages"`
}

type TokenizeRequest struct {
	Prompt string `json:"prompt"`
}

type TokenizeResponse struct {
	Tokens  []int32  `json:"tokens"`
	Pieces  []string `json:"pieces"`
	Dropped int      `json:"dropped"`
}

type VersionResponse struct {
	Version string `json:"version"`
}
