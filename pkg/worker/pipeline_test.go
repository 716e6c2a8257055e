package worker_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lore-anchor/anchor/pkg/imaging"
	"github.com/lore-anchor/anchor/pkg/perturb"
	"github.com/lore-anchor/anchor/pkg/provenance"
	"github.com/lore-anchor/anchor/pkg/storage"
	"github.com/lore-anchor/anchor/pkg/watermark"
	"github.com/lore-anchor/anchor/pkg/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func syntheticPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := imaging.New(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			fx, fy := float64(x)/float64(w), float64(y)/float64(h)
			img.Set(x, y, 0, uint8(96+64*math.Sin(6*fx)))
			img.Set(x, y, 1, uint8(96+64*math.Cos(5*fy)))
			img.Set(x, y, 2, uint8(96+48*math.Sin(4*(fx+fy))))
		}
	}
	png, err := imaging.EncodePNG(img)
	require.NoError(t, err)
	return png
}

func newPipeline(t *testing.T, objects storage.ObjectStore) *worker.Pipeline {
	t.Helper()
	pert, err := perturb.New(perturb.ModeFreq, perturb.DefaultParams())
	require.NoError(t, err)
	signer, err := provenance.NewDevSigner()
	require.NoError(t, err)
	return &worker.Pipeline{
		Objects:   objects,
		Perturber: pert,
		Signer:    signer,
		Epsilon:   8,
		Logger:    testLogger(),
	}
}

func TestPipeline_ProtectsImage(t *testing.T) {
	ctx := context.Background()
	objects := storage.NewMemStore()
	require.NoError(t, objects.Put(ctx, "raw/owner/a1.png", syntheticPNG(t, 96, 96), "image/png"))

	p := newPipeline(t, objects)
	res, err := p.Process(ctx, "img-1", "raw/owner/a1.png")
	require.NoError(t, err)

	assert.Equal(t, "protected/img-1.png", res.ProtectedKey)
	assert.NotEmpty(t, res.WatermarkID)

	blob, err := objects.Get(ctx, res.ProtectedKey)
	require.NoError(t, err)

	img, format, err := imaging.Decode(blob)
	require.NoError(t, err)
	assert.Equal(t, "png", format)

	report, err := watermark.Verify(img, res.WatermarkID)
	require.NoError(t, err)
	assert.True(t, report.Survives(), "published watermark accuracy %.3f", report.Accuracy)

	sm, err := provenance.ExtractPNG(blob)
	require.NoError(t, err)
	require.NoError(t, provenance.Verify(sm))

	var fromResult provenance.SignedManifest
	require.NoError(t, json.Unmarshal([]byte(res.Manifest), &fromResult))
	assert.Equal(t, sm.Signature, fromResult.Signature)

	var m provenance.Manifest
	require.NoError(t, json.Unmarshal(sm.Manifest, &m))
	assert.Equal(t, "img-1", m.ImageID)
	assert.Equal(t, res.WatermarkID, m.WatermarkID)
}

func TestPipeline_TinyImageWithinEpsilon(t *testing.T) {
	ctx := context.Background()
	objects := storage.NewMemStore()

	// A 1x1 image has no chip capacity, so the watermark verifies
	// vacuously and the only pixel movement comes from the perturbation.
	tiny := imaging.New(1, 1)
	tiny.Set(0, 0, 0, 255)
	tiny.Set(0, 0, 1, 255)
	tiny.Set(0, 0, 2, 255)
	png, err := imaging.EncodePNG(tiny)
	require.NoError(t, err)
	require.NoError(t, objects.Put(ctx, "raw/owner/tiny.png", png, "image/png"))

	p := newPipeline(t, objects)
	res, err := p.Process(ctx, "img-tiny", "raw/owner/tiny.png")
	require.NoError(t, err)

	blob, err := objects.Get(ctx, res.ProtectedKey)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(blob, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}),
		"protected output must be a PNG")

	out, _, err := imaging.Decode(blob)
	require.NoError(t, err)
	diff, err := imaging.MaxChannelDiff(tiny, out)
	require.NoError(t, err)
	assert.LessOrEqual(t, diff, 8)
}

func TestPipeline_MissingObjectFailsAtDownload(t *testing.T) {
	p := newPipeline(t, storage.NewMemStore())
	_, err := p.Process(context.Background(), "img-x", "raw/owner/missing.png")
	require.Error(t, err)
	assert.Equal(t, worker.StageDownload, worker.StageOf(err))
}

func TestPipeline_CorruptBytesFailAtDownload(t *testing.T) {
	ctx := context.Background()
	objects := storage.NewMemStore()
	require.NoError(t, objects.Put(ctx, "raw/owner/junk", []byte("not an image at all"), "image/png"))

	p := newPipeline(t, objects)
	_, err := p.Process(ctx, "img-x", "raw/owner/junk")
	require.Error(t, err)
	assert.Equal(t, worker.StageDownload, worker.StageOf(err))
}

// hotPerturber moves one channel far past any sane epsilon.
type hotPerturber struct{}

func (hotPerturber) Name() string { return "hot" }

func (hotPerturber) Apply(img *imaging.Image) (*imaging.Image, error) {
	out := img.Clone()
	v := out.At(0, 0, 0)
	if v > 127 {
		out.Set(0, 0, 0, v-100)
	} else {
		out.Set(0, 0, 0, v+100)
	}
	return out, nil
}

func TestPipeline_PerturbationBudgetEnforced(t *testing.T) {
	ctx := context.Background()
	objects := storage.NewMemStore()
	require.NoError(t, objects.Put(ctx, "raw/owner/a2.png", syntheticPNG(t, 32, 32), "image/png"))

	p := newPipeline(t, objects)
	p.Perturber = hotPerturber{}

	_, err := p.Process(ctx, "img-2", "raw/owner/a2.png")
	require.Error(t, err)
	assert.Equal(t, worker.StagePerturb, worker.StageOf(err))
	assert.Contains(t, err.Error(), "budget")
}

// wipePerturber returns a blank image of the same shape, erasing the
// watermark without tripping the shape check.
type wipePerturber struct{}

func (wipePerturber) Name() string { return "wipe" }

func (wipePerturber) Apply(img *imaging.Image) (*imaging.Image, error) {
	return imaging.New(img.W, img.H), nil
}

func TestPipeline_DestroyedWatermarkFailsVerification(t *testing.T) {
	ctx := context.Background()
	objects := storage.NewMemStore()
	require.NoError(t, objects.Put(ctx, "raw/owner/a3.png", syntheticPNG(t, 96, 96), "image/png"))

	p := newPipeline(t, objects)
	p.Perturber = wipePerturber{}
	p.Epsilon = 0

	_, err := p.Process(ctx, "img-3", "raw/owner/a3.png")
	require.Error(t, err)
	assert.Equal(t, worker.StageWatermarkVerify, worker.StageOf(err))
	assert.Contains(t, err.Error(), "accuracy")
}

func TestPipeline_NothingStoredOnFailure(t *testing.T) {
	ctx := context.Background()
	objects := storage.NewMemStore()
	require.NoError(t, objects.Put(ctx, "raw/owner/a4.png", syntheticPNG(t, 32, 32), "image/png"))

	p := newPipeline(t, objects)
	p.Perturber = hotPerturber{}

	_, err := p.Process(ctx, "img-4", "raw/owner/a4.png")
	require.Error(t, err)
	assert.Equal(t, 1, objects.Len(), "failed run must not publish a protected object")
}

func TestStageError_UnwrapsAndNames(t *testing.T) {
	serr := &worker.StageError{Stage: worker.StagePerturb, Err: assert.AnError}
	assert.Contains(t, serr.Error(), "perturb")
	assert.ErrorIs(t, serr, assert.AnError)
	assert.Equal(t, worker.StagePerturb, worker.StageOf(serr))
	assert.Equal(t, "pipeline", worker.StageOf(assert.AnError))
}
