package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// Config holds the dimensions of a Stable Diffusion v1 network. The block
// layout is fixed; only widths and counts vary.
type Config struct {
	VocabSize     int `json:"vocab_size"`
	ContextLength int `json:"context_length"`
	TextHidden    int `json:"text_hidden_size"`
	TextLayers    int `json:"text_layers"`
	TextHeads     int `json:"text_heads"`
	TextMLP       int `json:"text_intermediate_size"`

	ModelChannels  int `json:"model_channels"`
	Heads          int `json:"num_heads"`
	Groups         int `json:"norm_groups"`
	LatentChannels int `json:"latent_channels"`

	DecoderChannels int `json:"decoder_channels"`

	ScaleFactor    float32 `json:"scale_factor"`
	TrainTimesteps int     `json:"train_timesteps"`
	Eps            float32 `json:"eps"`
}

func DefaultConfig() Config {
	return Config{
		VocabSize:       49408,
		ContextLength:   77,
		TextHidden:      768,
		TextLayers:      12,
		TextHeads:       12,
		TextMLP:         3072,
		ModelChannels:   320,
		Heads:           8,
		Groups:          32,
		LatentChannels:  4,
		DecoderChannels: 128,
		ScaleFactor:     0.18215,
		TrainTimesteps:  1000,
		Eps:             1e-5,
	}
}

// LoadConfig reads overrides from a JSON file on top of DefaultConfig. A
// missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()

	bts, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return c, nil
	} else if err != nil {
		return c, err
	}

	if err := json.Unmarshal(bts, &c); err != nil {
		return c, fmt.Errorf("parse %s: %w", path, err)
	}

	return c, c.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.VocabSize < 1, c.ContextLength < 1, c.TextLayers < 0, c.TextMLP < 1:
		return errors.New("config: text encoder dimensions must be positive")
	case c.TextHeads < 1 || c.TextHidden%c.TextHeads != 0:
		return fmt.Errorf("config: text_hidden_size %d not divisible by text_heads %d", c.TextHidden, c.TextHeads)
	case c.Heads < 1 || c.ModelChannels%c.Heads != 0:
		return fmt.Errorf("config: model_channels %d not divisible by num_heads %d", c.ModelChannels, c.Heads)
	case c.ModelChannels%2 != 0:
		return fmt.Errorf("config: model_channels %d must be even", c.ModelChannels)
	case c.Groups < 1 || c.ModelChannels%c.Groups != 0 || c.DecoderChannels%c.Groups != 0:
		return fmt.Errorf("config: channels must be divisible by norm_groups %d", c.Groups)
	case c.LatentChannels < 1:
		return errors.New("config: latent_channels must be positive")
	case c.ScaleFactor == 0:
		return errors.New("config: scale_factor must be non-zero")
	case c.TrainTimesteps < 2:
		return errors.New("config: train_timesteps must be at least 2")
	}

	return nil
}

// TimeWidth is the width of the sinusoidal timestep features.
func (c Config) TimeWidth() int {
	return c.ModelChannels
}

// EmbedWidth is the width of the projected timestep embedding.
func (c Config) EmbedWidth() int {
	return 4 * c.ModelChannels
}

// Downsample is the ratio between image and latent sizes.
func (c Config) Downsample() int {
	return 1 << (len(decoderMult) - 1)
}
