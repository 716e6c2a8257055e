package worker

import (
	"errors"
	"fmt"
)

// Stage names appear in task error logs and metrics; operators grep for
// them, so they are stable identifiers.
const (
	StageDownload        = "download"
	StageWatermarkEmbed  = "watermark_embed"
	StagePerturb         = "perturb"
	StageWatermarkVerify = "watermark_verify"
	StageProvenanceSign  = "provenance_sign"
	StageUpload          = "upload"
)

// StageError attributes a pipeline failure to the stage that produced it.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage string, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// StageOf extracts the stage name from a pipeline error, or "pipeline"
// when the failure happened outside any stage.
func StageOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return "pipeline"
}
