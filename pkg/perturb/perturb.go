// Package perturb applies bounded adversarial noise that degrades an image
// as AI training data while keeping it visually faithful. Two variants
// exist: a latent-space projected-gradient attack and a cheaper
// frequency-domain injection used as the fallback. Both are deterministic,
// so a retried task produces an identical artifact.
package perturb

import (
	"fmt"
	"log/slog"

	"github.com/lore-anchor/anchor/pkg/imaging"
)

const (
	ModeLatent = "latent"
	ModeFreq   = "freq"
)

// seed fixes every pseudo-random draw inside the variants.
const seed = 42

// Params bound every variant. Epsilon is the largest per-channel change in
// 0-255 units; Steps is the iteration count for the gradient variant.
type Params struct {
	Epsilon float64
	Steps   int
}

// DefaultParams mirror the production worker settings.
func DefaultParams() Params {
	return Params{Epsilon: 8, Steps: 3}
}

func (p Params) validate() error {
	if p.Epsilon <= 0 || p.Epsilon > 255 {
		return fmt.Errorf("perturb: epsilon must be in (0, 255], got %g", p.Epsilon)
	}
	if p.Steps < 1 {
		return fmt.Errorf("perturb: steps must be at least 1, got %d", p.Steps)
	}
	return nil
}

// Perturber rewrites an image into an adversarial copy of the same shape
// with every channel within Epsilon of the input.
type Perturber interface {
	Name() string
	Apply(img *imaging.Image) (*imaging.Image, error)
}

// New returns the requested variant without proving it works; use Select at
// worker startup to get the fallback behavior.
func New(mode string, p Params) (Perturber, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	switch mode {
	case ModeLatent:
		return &latentPerturber{params: p}, nil
	case ModeFreq:
		return &freqPerturber{params: p}, nil
	default:
		return nil, fmt.Errorf("perturb: unknown mode %q", mode)
	}
}

// Select builds the requested variant and warms it up by pushing a probe
// image through it. When the requested variant fails its probe the freq
// variant is selected instead and the degradation is logged; the worker must
// keep consuming even when the heavier attack is unavailable.
func Select(mode string, p Params, logger *slog.Logger) (Perturber, error) {
	pert, err := New(mode, p)
	if err != nil {
		return nil, err
	}
	probeErr := Probe(pert, p.Epsilon)
	if probeErr == nil {
		return pert, nil
	}
	if mode == ModeFreq {
		return nil, fmt.Errorf("perturb: freq variant failed warm-up: %w", probeErr)
	}
	logger.Warn("perturb variant failed warm-up, degrading to freq",
		"requested", mode, "error", probeErr)
	fallback, err := New(ModeFreq, p)
	if err != nil {
		return nil, err
	}
	if err := Probe(fallback, p.Epsilon); err != nil {
		return nil, fmt.Errorf("perturb: fallback variant failed warm-up: %w", err)
	}
	return fallback, nil
}

// Probe runs one small image through pert and checks the contract: shape
// preserved, bounded by eps, and not a no-op.
func Probe(pert Perturber, eps float64) error {
	in := probeImage()
	out, err := pert.Apply(in)
	if err != nil {
		return err
	}
	diff, err := imaging.MaxChannelDiff(in, out)
	if err != nil {
		return err
	}
	if float64(diff) > eps {
		return fmt.Errorf("perturb: probe exceeded epsilon bound: %d > %g", diff, eps)
	}
	if diff == 0 {
		return fmt.Errorf("perturb: probe left the image unchanged")
	}
	return nil
}

// probeImage is a 32x32 gradient, large enough to exercise full blocks.
func probeImage() *imaging.Image {
	img := imaging.New(32, 32)
	for y := 0; y < img.H; y++ {
		for x := 0; x < img.W; x++ {
			img.Set(x, y, 0, uint8(x*8))
			img.Set(x, y, 1, uint8(y*8))
			img.Set(x, y, 2, uint8((x+y)*4))
		}
	}
	return img
}

func clamp255(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return v
}
