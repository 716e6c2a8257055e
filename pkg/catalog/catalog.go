// Package catalog persists image records, protection task attempts, and
// subscriber profiles. Status changes go through guarded conditional
// updates so concurrent writers cannot corrupt the lifecycle.
package catalog

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"
)

// Status is the lifecycle state of an image.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeleted    Status = "deleted"
)

// MaxErrorLogBytes caps the persisted error log so one failure cannot bloat
// a row.
const MaxErrorLogBytes = 4096

var (
	ErrNotFound          = errors.New("catalog: not found")
	ErrInvalidTransition = errors.New("catalog: invalid status transition")
)

// legalPredecessors maps a target status to the statuses a row must hold
// for the transition to be legal. Completed and failed are terminal except
// for deletion; failed may also be retried back to pending. A pending row
// may be failed directly when the gateway could not enqueue its envelope.
var legalPredecessors = map[Status][]Status{
	StatusProcessing: {StatusPending},
	StatusCompleted:  {StatusProcessing},
	StatusFailed:     {StatusProcessing, StatusPending},
	StatusPending:    {StatusFailed},
	StatusDeleted:    {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, p := range legalPredecessors[to] {
		if p == from {
			return true
		}
	}
	return false
}

// LegalPredecessors returns the statuses from which to may be reached.
func LegalPredecessors(to Status) []Status {
	preds := legalPredecessors[to]
	out := make([]Status, len(preds))
	copy(out, preds)
	return out
}

// Image is a catalog row for one uploaded image. ProvenanceManifest holds
// the signed manifest JSON once protection completes.
type Image struct {
	ID                 string    `json:"id"`
	OwnerID            string    `json:"owner_id"`
	OriginalKey        string    `json:"original_key"`
	ProtectedKey       string    `json:"protected_key,omitempty"`
	WatermarkID        string    `json:"watermark_id,omitempty"`
	ProvenanceManifest string    `json:"provenance_manifest,omitempty"`
	MimeType           string    `json:"mime_type"`
	SizeBytes          int64     `json:"size_bytes"`
	Status             Status    `json:"status"`
	ErrorLog           string    `json:"error_log,omitempty"`
	DownloadCount      int64     `json:"download_count"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Task records one protection attempt. Rows are never deleted; a retried
// image accumulates one row per attempt.
type Task struct {
	ID          string     `json:"id"`
	ImageID     string     `json:"image_id"`
	WorkerID    string     `json:"worker_id"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ErrorLog    string     `json:"error_log,omitempty"`
}

// Profile carries the subscription tier for an owner. Owners without a row
// are treated as free tier.
type Profile struct {
	OwnerID          string    `json:"owner_id"`
	SubscriptionTier string    `json:"subscription_tier"`
	CreatedAt        time.Time `json:"created_at"`
}

// Store defines the catalog operations used by the gateway and the worker.
type Store interface {
	CreateImage(ctx context.Context, img *Image) error
	GetImage(ctx context.Context, id string) (*Image, error)
	ListImagesByOwner(ctx context.Context, ownerID string, page, pageSize int) ([]*Image, int64, error)

	// UpdateStatus applies a guarded transition to the target status. It
	// returns ErrInvalidTransition when the row is not in a legal
	// predecessor state and ErrNotFound when no row exists.
	UpdateStatus(ctx context.Context, id string, to Status) error
	SetProtected(ctx context.Context, id, protectedKey, watermarkID, manifest string) error
	SetFailed(ctx context.Context, id, errorLog string) error
	SetPending(ctx context.Context, id string) error
	SoftDelete(ctx context.Context, id string) error
	IncrementDownloadCount(ctx context.Context, id string) (int64, error)

	// CountImagesSince counts non-deleted images an owner created at or
	// after the cutoff. excludeID, when non-empty, removes one image from
	// the count (used when re-queueing an already-counted upload).
	CountImagesSince(ctx context.Context, ownerID string, since time.Time, excludeID string) (int64, error)

	InsertTask(ctx context.Context, task *Task) error
	CompleteTask(ctx context.Context, taskID string) error
	FailTask(ctx context.Context, taskID, errorLog string) error
	LatestTaskForImage(ctx context.Context, imageID string) (*Task, error)

	GetProfile(ctx context.Context, ownerID string) (*Profile, error)
	UpsertProfile(ctx context.Context, ownerID, tier string) error
}

// MonthStart returns the first instant of t's calendar month in UTC. Quota
// windows reset here.
func MonthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// TruncateErrorLog trims a message to MaxErrorLogBytes without splitting a
// rune.
func TruncateErrorLog(s string) string {
	if len(s) <= MaxErrorLogBytes {
		return s
	}
	cut := MaxErrorLogBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
