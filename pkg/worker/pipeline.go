package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lore-anchor/anchor/pkg/imaging"
	"github.com/lore-anchor/anchor/pkg/observability"
	"github.com/lore-anchor/anchor/pkg/perturb"
	"github.com/lore-anchor/anchor/pkg/provenance"
	"github.com/lore-anchor/anchor/pkg/storage"
	"github.com/lore-anchor/anchor/pkg/watermark"
)

// Processor turns one original image into its protected counterpart. The
// worker loop owns catalog state; implementations own only the image work.
type Processor interface {
	Process(ctx context.Context, imageID, originalKey string) (*Result, error)
}

// Result is what a successful pipeline run writes back to the catalog.
type Result struct {
	ProtectedKey string
	WatermarkID  string
	Manifest     string
}

// Pipeline is the production Processor: download, watermark embed,
// adversarial perturbation, watermark verify, provenance sign, upload.
// Failures carry the stage they happened in so the catalog error log and
// metrics can name it.
type Pipeline struct {
	Objects   storage.ObjectStore
	Perturber perturb.Perturber
	Signer    *provenance.Signer
	// Epsilon bounds the per-channel pixel delta the perturbation may
	// introduce. Zero disables the post-apply distance check.
	Epsilon int
	Logger  *slog.Logger
	Obs     *observability.Provider
}

func (p *Pipeline) Process(ctx context.Context, imageID, originalKey string) (*Result, error) {
	workDir, err := os.MkdirTemp("", "anchor-work-")
	if err != nil {
		return nil, stageErr(StageDownload, fmt.Errorf("workspace: %w", err))
	}
	defer os.RemoveAll(workDir)

	var (
		original  *imaging.Image
		marked    *imaging.Image
		hardened  *imaging.Image
		wmID      string
		protected []byte
		manifest  string
	)

	err = p.run(ctx, StageDownload, func() error {
		data, err := p.Objects.Get(ctx, originalKey)
		if err != nil {
			return err
		}
		// Spool to disk so a later forensic pass can inspect exactly what
		// was processed when a stage misbehaves.
		if err := os.WriteFile(filepath.Join(workDir, "original"), data, 0o600); err != nil {
			return fmt.Errorf("spool original: %w", err)
		}
		img, format, err := imaging.Decode(data)
		if err != nil {
			return err
		}
		p.Logger.Debug("decoded original", "image_id", imageID, "format", format,
			"width", img.W, "height", img.H)
		original = img
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = p.run(ctx, StageWatermarkEmbed, func() error {
		id, err := watermark.MintID()
		if err != nil {
			return err
		}
		out, err := watermark.Embed(original, id)
		if err != nil {
			return err
		}
		if err := watermark.EnsureShape(original, out); err != nil {
			return err
		}
		wmID = id
		marked = out
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = p.run(ctx, StagePerturb, func() error {
		out, err := p.Perturber.Apply(marked)
		if err != nil {
			return err
		}
		if err := watermark.EnsureShape(marked, out); err != nil {
			return err
		}
		if p.Epsilon > 0 {
			diff, err := imaging.MaxChannelDiff(marked, out)
			if err != nil {
				return err
			}
			if diff > p.Epsilon {
				return fmt.Errorf("perturbation moved a channel by %d, budget is %d", diff, p.Epsilon)
			}
		}
		hardened = out
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = p.run(ctx, StageWatermarkVerify, func() error {
		report, err := watermark.Verify(hardened, wmID)
		if err != nil {
			return err
		}
		if !report.Survives() {
			return fmt.Errorf("watermark accuracy %.3f below %.2f after perturbation",
				report.Accuracy, watermark.MinAccuracy)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = p.run(ctx, StageProvenanceSign, func() error {
		png, err := imaging.EncodePNG(hardened)
		if err != nil {
			return err
		}
		sm, err := p.Signer.Sign(provenance.NewManifest(imageID, wmID, png))
		if err != nil {
			return err
		}
		out, err := provenance.EmbedPNG(png, sm)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(sm)
		if err != nil {
			return fmt.Errorf("encode manifest: %w", err)
		}
		if err := os.WriteFile(filepath.Join(workDir, "protected.png"), out, 0o600); err != nil {
			return fmt.Errorf("spool protected: %w", err)
		}
		protected = out
		manifest = string(raw)
		return nil
	})
	if err != nil {
		return nil, err
	}

	key := "protected/" + imageID + ".png"
	err = p.run(ctx, StageUpload, func() error {
		return p.Objects.Put(ctx, key, protected, "image/png")
	})
	if err != nil {
		return nil, err
	}

	return &Result{ProtectedKey: key, WatermarkID: wmID, Manifest: manifest}, nil
}

// run executes one stage, records its duration, and wraps any failure with
// the stage name.
func (p *Pipeline) run(ctx context.Context, stage string, fn func() error) error {
	start := time.Now()
	err := fn()
	if p.Obs != nil {
		p.Obs.RecordStageDuration(ctx, stage, time.Since(start))
	}
	if err != nil {
		return stageErr(stage, err)
	}
	p.Logger.Debug("stage complete", "stage", stage, "duration", time.Since(start))
	return nil
}
