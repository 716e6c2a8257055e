package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PostgresStore is the durable catalog used in production.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS images (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	original_key TEXT NOT NULL,
	protected_key TEXT,
	watermark_id TEXT,
	provenance_manifest TEXT,
	mime_type TEXT NOT NULL DEFAULT '',
	size_bytes BIGINT NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	error_log TEXT,
	download_count BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_images_owner_created ON images(owner_id, created_at DESC);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	image_id TEXT NOT NULL,
	worker_id TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	error_log TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_image_started ON tasks(image_id, started_at DESC);

CREATE TABLE IF NOT EXISTS profiles (
	owner_id TEXT PRIMARY KEY,
	subscription_tier TEXT NOT NULL DEFAULT 'free',
	created_at TIMESTAMPTZ NOT NULL
);
`

// Init creates the necessary database tables.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, postgresSchema)
	return err
}

const imageColumns = `id, owner_id, original_key, protected_key, watermark_id, provenance_manifest, mime_type, size_bytes, status, error_log, download_count, created_at, updated_at`

func (s *PostgresStore) CreateImage(ctx context.Context, img *Image) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO images (`+imageColumns+`)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9, NULLIF($10, ''), $11, $12, $13)
	`, img.ID, img.OwnerID, img.OriginalKey, img.ProtectedKey, img.WatermarkID,
		img.ProvenanceManifest, img.MimeType, img.SizeBytes, img.Status, img.ErrorLog,
		img.DownloadCount, img.CreatedAt, img.UpdatedAt)
	if err != nil {
		return fmt.Errorf("catalog: failed to insert image: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetImage(ctx context.Context, id string) (*Image, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+imageColumns+` FROM images WHERE id = $1`, id)
	img, err := scanImage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("catalog: failed to load image: %w", err)
	}
	return img, nil
}

func (s *PostgresStore) ListImagesByOwner(ctx context.Context, ownerID string, page, pageSize int) ([]*Image, int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM images WHERE owner_id = $1 AND status <> 'deleted'
	`, ownerID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("catalog: failed to count images: %w", err)
	}

	offset := (page - 1) * pageSize
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+imageColumns+`
		FROM images
		WHERE owner_id = $1 AND status <> 'deleted'
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, ownerID, pageSize, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("catalog: failed to list images: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var images []*Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("catalog: failed to scan image: %w", err)
		}
		images = append(images, img)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return images, total, nil
}

// statusPredicate renders the guard clause for a transition target. Status
// values are package constants, never user input.
func statusPredicate(to Status) string {
	preds := legalPredecessors[to]
	quoted := make([]string, len(preds))
	for i, p := range preds {
		quoted[i] = "'" + string(p) + "'"
	}
	return "status IN (" + strings.Join(quoted, ", ") + ")"
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, to Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE images SET status = $1, updated_at = $2 WHERE id = $3 AND `+statusPredicate(to),
		to, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("catalog: failed to update status: %w", err)
	}
	return s.resolveGuard(ctx, res, id)
}

func (s *PostgresStore) SetProtected(ctx context.Context, id, protectedKey, watermarkID, manifest string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE images
		SET status = 'completed', protected_key = $1, watermark_id = $2, provenance_manifest = NULLIF($3, ''), error_log = NULL, updated_at = $4
		WHERE id = $5 AND `+statusPredicate(StatusCompleted),
		protectedKey, watermarkID, manifest, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("catalog: failed to mark completed: %w", err)
	}
	return s.resolveGuard(ctx, res, id)
}

func (s *PostgresStore) SetFailed(ctx context.Context, id, errorLog string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE images
		SET status = 'failed', error_log = $1, updated_at = $2
		WHERE id = $3 AND `+statusPredicate(StatusFailed),
		TruncateErrorLog(errorLog), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("catalog: failed to mark failed: %w", err)
	}
	return s.resolveGuard(ctx, res, id)
}

func (s *PostgresStore) SetPending(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE images
		SET status = 'pending', error_log = NULL, updated_at = $1
		WHERE id = $2 AND `+statusPredicate(StatusPending),
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("catalog: failed to mark pending: %w", err)
	}
	return s.resolveGuard(ctx, res, id)
}

func (s *PostgresStore) SoftDelete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE images SET status = 'deleted', updated_at = $1
		WHERE id = $2 AND `+statusPredicate(StatusDeleted),
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("catalog: failed to delete image: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("catalog: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	status, err := s.currentStatus(ctx, id)
	if err != nil {
		return err
	}
	// Deleting twice is a no-op.
	if status == StatusDeleted {
		return nil
	}
	return ErrInvalidTransition
}

func (s *PostgresStore) IncrementDownloadCount(ctx context.Context, id string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE images SET download_count = download_count + 1, updated_at = $1
		WHERE id = $2 AND status = 'completed'
		RETURNING download_count
	`, time.Now().UTC(), id).Scan(&count)
	if err == nil {
		return count, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("catalog: failed to increment downloads: %w", err)
	}
	if _, err := s.currentStatus(ctx, id); err != nil {
		return 0, err
	}
	return 0, ErrInvalidTransition
}

func (s *PostgresStore) CountImagesSince(ctx context.Context, ownerID string, since time.Time, excludeID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM images
		WHERE owner_id = $1 AND created_at >= $2 AND status <> 'deleted'
		  AND ($3 = '' OR id <> $3)
	`, ownerID, since, excludeID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("catalog: failed to count uploads: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) InsertTask(ctx context.Context, task *Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, image_id, worker_id, started_at)
		VALUES ($1, $2, $3, $4)
	`, task.ID, task.ImageID, task.WorkerID, task.StartedAt)
	if err != nil {
		return fmt.Errorf("catalog: failed to insert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) CompleteTask(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET completed_at = $1 WHERE id = $2
	`, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("catalog: failed to complete task: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailTask(ctx context.Context, taskID, errorLog string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET completed_at = $1, error_log = $2 WHERE id = $3
	`, time.Now().UTC(), TruncateErrorLog(errorLog), taskID)
	if err != nil {
		return fmt.Errorf("catalog: failed to record task failure: %w", err)
	}
	return nil
}

func (s *PostgresStore) LatestTaskForImage(ctx context.Context, imageID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, image_id, worker_id, started_at, completed_at, error_log
		FROM tasks
		WHERE image_id = $1
		ORDER BY started_at DESC, id DESC
		LIMIT 1
	`, imageID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("catalog: failed to load task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, ownerID string) (*Profile, error) {
	var p Profile
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id, subscription_tier, created_at FROM profiles WHERE owner_id = $1
	`, ownerID).Scan(&p.OwnerID, &p.SubscriptionTier, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("catalog: failed to load profile: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) UpsertProfile(ctx context.Context, ownerID, tier string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (owner_id, subscription_tier, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id) DO UPDATE SET subscription_tier = EXCLUDED.subscription_tier
	`, ownerID, tier, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("catalog: failed to upsert profile: %w", err)
	}
	return nil
}

// resolveGuard turns a zero-row conditional update into the precise error:
// the row is either missing or in a state the transition does not allow.
func (s *PostgresStore) resolveGuard(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("catalog: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.currentStatus(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

func (s *PostgresStore) currentStatus(ctx context.Context, id string) (Status, error) {
	var status Status
	err := s.db.QueryRowContext(ctx, `SELECT status FROM images WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("catalog: failed to load status: %w", err)
	}
	return status, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImage(row rowScanner) (*Image, error) {
	var (
		img          Image
		protectedKey sql.NullString
		watermarkID  sql.NullString
		manifest     sql.NullString
		errorLog     sql.NullString
	)
	err := row.Scan(&img.ID, &img.OwnerID, &img.OriginalKey, &protectedKey, &watermarkID,
		&manifest, &img.MimeType, &img.SizeBytes, &img.Status, &errorLog,
		&img.DownloadCount, &img.CreatedAt, &img.UpdatedAt)
	if err != nil {
		return nil, err
	}
	img.ProtectedKey = protectedKey.String
	img.WatermarkID = watermarkID.String
	img.ProvenanceManifest = manifest.String
	img.ErrorLog = errorLog.String
	return &img, nil
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task        Task
		completedAt sql.NullTime
		errorLog    sql.NullString
	)
	err := row.Scan(&task.ID, &task.ImageID, &task.WorkerID, &task.StartedAt, &completedAt, &errorLog)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	task.ErrorLog = errorLog.String
	return &task, nil
}
