package perturb

import (
	"math"
	"math/rand"

	"github.com/lore-anchor/anchor/pkg/imaging"
)

// blockSize is the downsampling factor of the latent encoder: one latent
// cell summarizes an 8x8 pixel block of one channel.
const blockSize = 8

// Checkerboard target levels. Pulling the latent toward alternating grey
// tiles makes the optimum structured noise instead of arbitrary drift.
const (
	checkerLow  = 96
	checkerHigh = 160
)

// latentPerturber runs projected gradient descent against a block-mean
// latent. The loss pushes the latent away from the clean latent while
// pulling it toward the checkerboard texture:
//
//	L = -|z - z_orig|^2 + 1/2 |z - z_target|^2
//
// Every pixel of a block shares its cell's gradient sign, so steps move
// whole blocks and the attack stays low-frequency.
type latentPerturber struct {
	params Params
}

func (l *latentPerturber) Name() string { return ModeLatent }

func (l *latentPerturber) Apply(img *imaging.Image) (*imaging.Image, error) {
	// Rounding back to bytes must not overshoot the ball, so the working
	// bound is floored once.
	eps := math.Floor(l.params.Epsilon)
	alpha := 2 * eps / float64(l.params.Steps)
	rng := rand.New(rand.NewSource(seed))

	out := img.Clone()
	lw, lh := latentDims(img.W, img.H)
	zTarget := checkerTarget(lw, lh)

	for c := 0; c < 3; c++ {
		orig := img.Plane(c)
		zOrig := blockMeans(orig, img.W, img.H)

		// Random start inside the epsilon ball.
		adv := make([]float64, len(orig))
		for i, v := range orig {
			adv[i] = clamp255(v + (rng.Float64()*2-1)*eps)
		}

		for step := 0; step < l.params.Steps; step++ {
			z := blockMeans(adv, img.W, img.H)
			for by := 0; by < lh; by++ {
				for bx := 0; bx < lw; bx++ {
					cell := by*lw + bx
					g := -2*(z[cell]-zOrig[cell]) + (z[cell] - zTarget[cell])
					if g == 0 {
						continue
					}
					delta := alpha
					if g > 0 {
						delta = -alpha
					}
					for y := by * blockSize; y < min((by+1)*blockSize, img.H); y++ {
						for x := bx * blockSize; x < min((bx+1)*blockSize, img.W); x++ {
							i := y*img.W + x
							v := adv[i] + delta
							if v > orig[i]+eps {
								v = orig[i] + eps
							}
							if v < orig[i]-eps {
								v = orig[i] - eps
							}
							adv[i] = clamp255(v)
						}
					}
				}
			}
		}
		out.SetPlane(c, adv)
	}
	return out, nil
}

func latentDims(w, h int) (int, int) {
	return (w + blockSize - 1) / blockSize, (h + blockSize - 1) / blockSize
}

// blockMeans downsamples a channel plane to its latent: the mean of each
// 8x8 block. Ragged edge blocks average whatever pixels they cover.
func blockMeans(plane []float64, w, h int) []float64 {
	lw, lh := latentDims(w, h)
	z := make([]float64, lw*lh)
	for by := 0; by < lh; by++ {
		for bx := 0; bx < lw; bx++ {
			var sum float64
			n := 0
			for y := by * blockSize; y < min((by+1)*blockSize, h); y++ {
				for x := bx * blockSize; x < min((bx+1)*blockSize, w); x++ {
					sum += plane[y*w+x]
					n++
				}
			}
			z[by*lw+bx] = sum / float64(n)
		}
	}
	return z
}

func checkerTarget(lw, lh int) []float64 {
	z := make([]float64, lw*lh)
	for by := 0; by < lh; by++ {
		for bx := 0; bx < lw; bx++ {
			v := float64(checkerLow)
			if (bx+by)%2 == 0 {
				v = checkerHigh
			}
			z[by*lw+bx] = v
		}
	}
	return z
}
