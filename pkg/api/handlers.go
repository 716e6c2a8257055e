package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lore-anchor/anchor/pkg/catalog"
	"github.com/lore-anchor/anchor/pkg/queue"
	"github.com/lore-anchor/anchor/pkg/storage"
	"github.com/lore-anchor/anchor/pkg/tiers"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Handler serves the gateway routes. All dependencies are injected at
// startup; there is no process-global state.
type Handler struct {
	Catalog catalog.Store
	Objects storage.ObjectStore
	Queue   queue.Queue
	Logger  *slog.Logger

	// FreeTierMonthlyLimit caps uploads per calendar month for free-tier
	// owners. Pro owners are unlimited.
	FreeTierMonthlyLimit int64

	// PresignTTL bounds the lifetime of protected download URLs.
	PresignTTL time.Duration

	// PublicBaseURL, when set, serves protected artifacts from a public CDN
	// base instead of presigning per request.
	PublicBaseURL string

	// DevMode surfaces internal error detail in responses.
	DevMode bool
}

// Middleware wraps one route group.
type Middleware func(http.Handler) http.Handler

// RegisterRoutes mounts the gateway routes on mux. The write middleware
// guards the mutating routes (upload, delete, retry), the read middleware
// the rest. The health route stays unwrapped so probes never hit a limiter.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, write, read Middleware) {
	mux.HandleFunc("GET /api/v1/health", h.Health)
	mux.Handle("POST /api/v1/images/upload", wrap(write, http.HandlerFunc(h.Upload)))
	mux.Handle("GET /api/v1/images/{$}", wrap(read, http.HandlerFunc(h.List)))
	mux.Handle("GET /api/v1/images/{image_id}", wrap(read, http.HandlerFunc(h.Get)))
	mux.Handle("DELETE /api/v1/images/{image_id}", wrap(write, http.HandlerFunc(h.Delete)))
	mux.Handle("POST /api/v1/images/{image_id}/downloaded", wrap(read, http.HandlerFunc(h.TrackDownload)))
	mux.Handle("GET /api/v1/tasks/{image_id}/status", wrap(read, http.HandlerFunc(h.TaskStatus)))
	mux.Handle("POST /api/v1/tasks/{image_id}/retry", wrap(write, http.HandlerFunc(h.Retry)))
}

func wrap(mw Middleware, next http.Handler) http.Handler {
	if mw == nil {
		return next
	}
	return mw(next)
}

// Health reports gateway liveness. Reachable without a token.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Upload accepts a multipart image, stores the original, records a pending
// image, and enqueues a protection envelope. The three writes are ordered
// so a success response implies all of them happened; on a failed enqueue
// the image is compensated to failed so no pending row is left without an
// envelope.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	allowed, err := h.quotaAllows(ctx, ownerID, "")
	if err != nil {
		h.internal(w, fmt.Errorf("quota check: %w", err))
		return
	}
	if !allowed {
		WriteQuotaExceeded(w, fmt.Sprintf(
			"Free tier allows %d uploads per calendar month. Upgrade to Pro for unlimited uploads.",
			h.FreeTierMonthlyLimit))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes+multipartSlack)
	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			WritePayloadTooLarge(w, fmt.Sprintf("Upload exceeds the %d MiB limit", MaxUploadBytes>>20))
			return
		}
		WriteBadRequest(w, `Request must be multipart/form-data with a "file" field`)
		return
	}
	defer func() { _ = file.Close() }()

	declared := header.Header.Get("Content-Type")
	ext, typeOK := ExtensionFor(declared)
	if !typeOK {
		WriteUnsupportedMediaType(w, fmt.Sprintf(
			"Media type %q is not supported; use image/png, image/jpeg, or image/webp", declared))
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, MaxUploadBytes+1))
	if err != nil {
		h.internal(w, fmt.Errorf("read upload: %w", err))
		return
	}
	if err := ValidateUpload(data, declared); err != nil {
		switch {
		case errors.Is(err, ErrTooLarge):
			WritePayloadTooLarge(w, fmt.Sprintf("Upload exceeds the %d MiB limit", MaxUploadBytes>>20))
		case errors.Is(err, ErrContentMismatch):
			WriteUnsupportedMediaType(w, fmt.Sprintf("File content does not match declared type %q", declared))
		default:
			WriteUnsupportedMediaType(w, fmt.Sprintf(
				"Media type %q is not supported; use image/png, image/jpeg, or image/webp", declared))
		}
		return
	}

	imageID := uuid.New().String()
	key := fmt.Sprintf("raw/%s/%s%s", ownerID, strings.ReplaceAll(imageID, "-", ""), ext)

	if err := h.Objects.Put(ctx, key, data, declared); err != nil {
		h.internal(w, fmt.Errorf("store original: %w", err))
		return
	}
	now := time.Now().UTC()
	img := &catalog.Image{
		ID:          imageID,
		OwnerID:     ownerID,
		OriginalKey: key,
		MimeType:    declared,
		SizeBytes:   int64(len(data)),
		Status:      catalog.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.Catalog.CreateImage(ctx, img); err != nil {
		// The blob is orphaned; the object-store lifecycle reaps it.
		h.internal(w, fmt.Errorf("create image record: %w", err))
		return
	}
	if err := h.Queue.Enqueue(ctx, queue.Envelope{ImageID: imageID, OriginalKey: key}); err != nil {
		// A pending row with no envelope would never progress.
		if ferr := h.Catalog.SetFailed(ctx, imageID, catalog.TruncateErrorLog("enqueue failed: "+err.Error())); ferr != nil {
			h.Logger.Error("compensating write after enqueue failure",
				"image_id", imageID, "error", ferr)
		}
		h.internal(w, fmt.Errorf("enqueue envelope: %w", err))
		return
	}

	h.Logger.Info("image accepted",
		"image_id", imageID, "owner_id", ownerID, "bytes", len(data), "mime_type", declared)
	writeJSON(w, http.StatusCreated, map[string]any{
		"image_id": imageID,
		"status":   catalog.StatusPending,
	})
}

// ImageView is the API shape of a catalog row. ProtectedURL carries a
// time-limited download URL in place of the raw object key.
type ImageView struct {
	ID                 string         `json:"id"`
	OwnerID            string         `json:"owner_id"`
	WatermarkID        string         `json:"watermark_id,omitempty"`
	ProvenanceManifest string         `json:"provenance_manifest,omitempty"`
	MimeType           string         `json:"mime_type"`
	SizeBytes          int64          `json:"size_bytes"`
	Status             catalog.Status `json:"status"`
	ErrorLog           string         `json:"error_log,omitempty"`
	DownloadCount      int64          `json:"download_count"`
	ProtectedURL       string         `json:"protected_url,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// view converts a row, rewriting protected_key into a download URL: a CDN
// URL when a public base is configured, a presigned URL otherwise. A presign
// failure degrades to the raw key rather than hiding a finished artifact.
func (h *Handler) view(ctx context.Context, img *catalog.Image) ImageView {
	v := ImageView{
		ID:                 img.ID,
		OwnerID:            img.OwnerID,
		WatermarkID:        img.WatermarkID,
		ProvenanceManifest: img.ProvenanceManifest,
		MimeType:           img.MimeType,
		SizeBytes:          img.SizeBytes,
		Status:             img.Status,
		ErrorLog:           img.ErrorLog,
		DownloadCount:      img.DownloadCount,
		CreatedAt:          img.CreatedAt,
		UpdatedAt:          img.UpdatedAt,
	}
	if img.ProtectedKey == "" {
		return v
	}
	if h.PublicBaseURL != "" {
		v.ProtectedURL = storage.PublicURL(h.PublicBaseURL, img.ProtectedKey)
		return v
	}
	url, err := h.Objects.PresignGet(ctx, img.ProtectedKey, h.presignTTL())
	if err != nil {
		h.Logger.Warn("presign failed, serving raw key", "image_id", img.ID, "error", err)
		v.ProtectedURL = img.ProtectedKey
		return v
	}
	v.ProtectedURL = url
	return v
}

func (h *Handler) presignTTL() time.Duration {
	if h.PresignTTL > 0 {
		return h.PresignTTL
	}
	return time.Hour
}

// List returns the owner's images, newest first. page and page_size are
// clamped rather than rejected.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}

	page := queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	pageSize := queryInt(r, "page_size", defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	images, total, err := h.Catalog.ListImagesByOwner(r.Context(), ownerID, page, pageSize)
	if err != nil {
		h.internal(w, fmt.Errorf("list images: %w", err))
		return
	}

	views := make([]ImageView, 0, len(images))
	for _, img := range images {
		views = append(views, h.view(r.Context(), img))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"images":    views,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
		"has_more":  int64(page*pageSize) < total,
	})
}

// Get returns one image with a presigned protected URL.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	img, ok := h.fetchVisible(w, r, ownerID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.view(r.Context(), img))
}

// Delete soft-deletes an image and best-effort removes its blobs. Deleting
// an already-deleted image is a no-op success.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	img, err := h.Catalog.GetImage(ctx, r.PathValue("image_id"))
	if errors.Is(err, catalog.ErrNotFound) {
		WriteNotFound(w, "Image not found")
		return
	}
	if err != nil {
		h.internal(w, fmt.Errorf("get image: %w", err))
		return
	}
	if img.OwnerID != ownerID {
		WriteForbidden(w, "")
		return
	}

	if img.Status != catalog.StatusDeleted {
		if err := h.Catalog.SoftDelete(ctx, img.ID); err != nil {
			if errors.Is(err, catalog.ErrInvalidTransition) {
				WriteConflict(w, fmt.Sprintf("Image is %s; only completed or failed images can be deleted", img.Status))
				return
			}
			h.internal(w, fmt.Errorf("soft delete: %w", err))
			return
		}
		// Blob removal is best effort; the catalog row is the source of
		// truth and stays for audit.
		for _, key := range []string{img.OriginalKey, img.ProtectedKey} {
			if key == "" {
				continue
			}
			if err := h.Objects.Delete(ctx, key); err != nil {
				h.Logger.Warn("blob delete failed", "image_id", img.ID, "key", key, "error", err)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"image_id": img.ID,
		"deleted":  true,
	})
}

// TrackDownload increments the download counter of a completed image and
// returns the new count.
func (h *Handler) TrackDownload(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	img, ok := h.fetchVisible(w, r, ownerID)
	if !ok {
		return
	}

	count, err := h.Catalog.IncrementDownloadCount(r.Context(), img.ID)
	if errors.Is(err, catalog.ErrInvalidTransition) {
		WriteConflict(w, fmt.Sprintf("Image is %s; downloads are tracked only for completed images", img.Status))
		return
	}
	if err != nil {
		h.internal(w, fmt.Errorf("increment downloads: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"image_id":       img.ID,
		"download_count": count,
	})
}

// TaskStatus reports the image status together with the latest protection
// attempt, if one exists.
func (h *Handler) TaskStatus(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	img, ok := h.fetchVisible(w, r, ownerID)
	if !ok {
		return
	}

	resp := map[string]any{
		"image_id":     img.ID,
		"status":       img.Status,
		"error_log":    img.ErrorLog,
		"started_at":   nil,
		"completed_at": nil,
	}
	task, err := h.Catalog.LatestTaskForImage(r.Context(), img.ID)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		// No attempt yet; the image is still waiting for a worker.
	case err != nil:
		h.internal(w, fmt.Errorf("latest task: %w", err))
		return
	default:
		resp["started_at"] = task.StartedAt
		resp["completed_at"] = task.CompletedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// Retry re-queues a failed image. The quota check excludes the image
// itself: a retry reuses its original upload slot rather than consuming a
// new one.
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	img, ok := h.fetchVisible(w, r, ownerID)
	if !ok {
		return
	}

	if img.Status != catalog.StatusFailed {
		WriteConflict(w, fmt.Sprintf("Image is %s; only failed images can be retried", img.Status))
		return
	}
	if img.OriginalKey == "" {
		WriteUnprocessable(w, "Image has no original bytes to reprocess")
		return
	}

	allowed, err := h.quotaAllows(ctx, ownerID, img.ID)
	if err != nil {
		h.internal(w, fmt.Errorf("quota check: %w", err))
		return
	}
	if !allowed {
		WriteQuotaExceeded(w, fmt.Sprintf(
			"Free tier allows %d uploads per calendar month. Upgrade to Pro for unlimited uploads.",
			h.FreeTierMonthlyLimit))
		return
	}

	if err := h.Catalog.SetPending(ctx, img.ID); err != nil {
		if errors.Is(err, catalog.ErrInvalidTransition) {
			// Lost a race with a concurrent retry or worker write.
			WriteConflict(w, "Image state changed; refresh and try again")
			return
		}
		h.internal(w, fmt.Errorf("set pending: %w", err))
		return
	}
	if err := h.Queue.Enqueue(ctx, queue.Envelope{ImageID: img.ID, OriginalKey: img.OriginalKey}); err != nil {
		if ferr := h.Catalog.SetFailed(ctx, img.ID, catalog.TruncateErrorLog("enqueue failed: "+err.Error())); ferr != nil {
			h.Logger.Error("compensating write after enqueue failure",
				"image_id", img.ID, "error", ferr)
		}
		h.internal(w, fmt.Errorf("enqueue envelope: %w", err))
		return
	}

	h.Logger.Info("image re-queued", "image_id", img.ID, "owner_id", ownerID)
	writeJSON(w, http.StatusOK, map[string]any{
		"image_id": img.ID,
		"status":   catalog.StatusPending,
		"queued":   true,
	})
}

// owner pulls the authenticated owner id out of the context. The auth
// middleware populates it; a miss means the route was mounted without it.
func (h *Handler) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	ownerID, ok := OwnerID(r.Context())
	if !ok {
		WriteUnauthorized(w, "")
	}
	return ownerID, ok
}

// fetchVisible loads the image named in the path and enforces visibility:
// absent and soft-deleted rows read as 404, foreign rows as 403. A false
// return means the response has already been written.
func (h *Handler) fetchVisible(w http.ResponseWriter, r *http.Request, ownerID string) (*catalog.Image, bool) {
	img, err := h.Catalog.GetImage(r.Context(), r.PathValue("image_id"))
	if errors.Is(err, catalog.ErrNotFound) {
		WriteNotFound(w, "Image not found")
		return nil, false
	}
	if err != nil {
		h.internal(w, fmt.Errorf("get image: %w", err))
		return nil, false
	}
	if img.Status == catalog.StatusDeleted {
		WriteNotFound(w, "Image not found")
		return nil, false
	}
	if img.OwnerID != ownerID {
		WriteForbidden(w, "")
		return nil, false
	}
	return img, true
}

// quotaAllows applies the owner's tier cap to the month-to-date upload
// count. excludeID removes the image being retried from the count so a
// retry never burns a second slot.
func (h *Handler) quotaAllows(ctx context.Context, ownerID, excludeID string) (bool, error) {
	tier := tiers.Free
	profile, err := h.Catalog.GetProfile(ctx, ownerID)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		// Owners without a profile row are free tier.
	case err != nil:
		return false, err
	default:
		tier = tiers.Parse(profile.SubscriptionTier)
	}
	if tiers.IsUnlimited(tier.Limits.MonthlyUploads) {
		return true, nil
	}

	limit := tier.Limits.MonthlyUploads
	if tier.ID == tiers.TierFree && h.FreeTierMonthlyLimit > 0 {
		limit = h.FreeTierMonthlyLimit
	}
	count, err := h.Catalog.CountImagesSince(ctx, ownerID, catalog.MonthStart(time.Now()), excludeID)
	if err != nil {
		return false, err
	}
	return count < limit, nil
}

// internal logs err and answers 500. Detail reaches the client only in dev
// mode.
func (h *Handler) internal(w http.ResponseWriter, err error) {
	if h.DevMode {
		h.Logger.Error("internal server error", "error", err)
		WriteError(w, http.StatusInternalServerError, "Internal Server Error", err.Error())
		return
	}
	WriteInternal(w, err)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
