package bubble

import (
	"fmt"
	"image"
	"image/color"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
)

// Hough circle parameters.
const (
	defaultDp        = 1.0
	defaultMinDist   = 10.0
	defaultParam1    = 100.0 // upper canny threshold
	defaultParam2    = 30.0  // accumulator threshold
	defaultMinRadius = 1
	defaultMaxRadius = 25
)

// Preprocessing and contour parameters.
const (
	defaultBlurKernel   = 3
	defaultBlurSigma    = 1.0
	defaultThreshold    = 20.0
	defaultThresholdMax = 255.0

	// orange, BGR (0,165,255)
	defaultFillColor = "#ffa500"
)

// Config contains the tuning parameters for the detector and, when run as a
// vision service, the name of the camera to read frames from.
type Config struct {
	CameraName string `json:"camera_name,omitempty"`

	Dp        float64 `json:"dp,omitempty"`
	MinDist   float64 `json:"min_dist,omitempty"`
	Param1    float64 `json:"param1,omitempty"`
	Param2    float64 `json:"param2,omitempty"`
	MinRadius int     `json:"min_radius,omitempty"`
	MaxRadius int     `json:"max_radius,omitempty"`

	BlurKernel   int     `json:"blur_kernel,omitempty"`
	BlurSigma    float64 `json:"blur_sigma,omitempty"`
	Threshold    float64 `json:"threshold,omitempty"`
	ThresholdMax float64 `json:"threshold_max,omitempty"`
	FillColor    string  `json:"fill_color,omitempty"`

	Crop *image.Rectangle `json:"crop,omitempty"`
}

// DefaultConfig returns the parameters the detector was tuned with.
func DefaultConfig() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

// Validate validates the config and returns implicit dependencies.
func (cfg *Config) Validate(path string) ([]string, error) {
	if cfg.CameraName == "" {
		return nil, fmt.Errorf(`expected "camera_name" attribute for bubble detector %q`, path)
	}
	if err := cfg.validateParams(); err != nil {
		return nil, errors.Wrapf(err, "invalid bubble detector config %q", path)
	}
	return []string{cfg.CameraName}, nil
}

// validateParams checks the tuning parameters only. Zero values are allowed
// since setDefaults replaces them.
func (cfg *Config) validateParams() error {
	if cfg.Dp < 0 {
		return errors.New("dp cannot be negative (def 1)")
	}
	if cfg.MinDist < 0 {
		return errors.New("min_dist cannot be negative (def 10)")
	}
	if cfg.Param1 < 0 {
		return errors.New("param1 cannot be negative (def 100)")
	}
	if cfg.Param2 < 0 {
		return errors.New("param2 cannot be negative (def 30)")
	}
	if cfg.MinRadius < 0 || cfg.MaxRadius < 0 {
		return errors.New("min_radius and max_radius cannot be negative (def 1, 25)")
	}
	if cfg.MaxRadius != 0 && cfg.MinRadius > cfg.MaxRadius {
		return errors.Errorf("min_radius %d is larger than max_radius %d", cfg.MinRadius, cfg.MaxRadius)
	}
	if cfg.BlurKernel < 0 || (cfg.BlurKernel != 0 && cfg.BlurKernel%2 == 0) {
		return errors.Errorf("blur_kernel must be a positive odd number, got %d (def 3)", cfg.BlurKernel)
	}
	if cfg.BlurSigma < 0 {
		return errors.New("blur_sigma cannot be negative (def 1)")
	}
	if cfg.Threshold < 0 || cfg.Threshold > 255 || cfg.ThresholdMax < 0 || cfg.ThresholdMax > 255 {
		return errors.New("threshold and threshold_max must be within [0, 255] (def 20, 255)")
	}
	if cfg.FillColor != "" {
		if _, err := colorful.Hex(cfg.FillColor); err != nil {
			return errors.Wrapf(err, "fill_color %q", cfg.FillColor)
		}
	}
	if cfg.Crop != nil && cfg.Crop.Empty() {
		return errors.New("crop rectangle is empty")
	}
	return nil
}

func (cfg *Config) setDefaults() {
	if cfg.Dp == 0 {
		cfg.Dp = defaultDp
	}
	if cfg.MinDist == 0 {
		cfg.MinDist = defaultMinDist
	}
	if cfg.Param1 == 0 {
		cfg.Param1 = defaultParam1
	}
	if cfg.Param2 == 0 {
		cfg.Param2 = defaultParam2
	}
	if cfg.MinRadius == 0 {
		cfg.MinRadius = defaultMinRadius
	}
	if cfg.MaxRadius == 0 {
		cfg.MaxRadius = defaultMaxRadius
	}
	if cfg.BlurKernel == 0 {
		cfg.BlurKernel = defaultBlurKernel
	}
	if cfg.BlurSigma == 0 {
		cfg.BlurSigma = defaultBlurSigma
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = defaultThreshold
	}
	if cfg.ThresholdMax == 0 {
		cfg.ThresholdMax = defaultThresholdMax
	}
	if cfg.FillColor == "" {
		cfg.FillColor = defaultFillColor
	}
}

// fillColor returns the drawing colour. gocv reorders RGBA into BGR scalars.
func (cfg *Config) fillColor() (color.RGBA, error) {
	c, err := colorful.Hex(cfg.FillColor)
	if err != nil {
		return color.RGBA{}, errors.Wrapf(err, "fill_color %q", cfg.FillColor)
	}
	r, g, b := c.RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 0}, nil
}
