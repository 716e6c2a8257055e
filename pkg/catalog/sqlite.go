package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore backs the catalog in dev mode and in tests. Timestamps are
// stored as RFC 3339 UTC strings so range comparisons stay lexicographic.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens (or creates) a SQLite catalog at path. ":memory:" gives
// a throwaway catalog.
func OpenSQLite(path string) (*SQLiteStore, *sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("catalog: failed to open sqlite: %w", err)
	}
	// The modernc driver is not safe for concurrent writers on one file.
	db.SetMaxOpenConns(1)
	store, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return store, db, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS images (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		original_key TEXT NOT NULL,
		protected_key TEXT,
		watermark_id TEXT,
		provenance_manifest TEXT,
		mime_type TEXT NOT NULL DEFAULT '',
		size_bytes INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		error_log TEXT,
		download_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_images_owner_created ON images(owner_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		image_id TEXT NOT NULL,
		worker_id TEXT NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		error_log TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_image_started ON tasks(image_id, started_at DESC);

	CREATE TABLE IF NOT EXISTS profiles (
		owner_id TEXT PRIMARY KEY,
		subscription_tier TEXT NOT NULL DEFAULT 'free',
		created_at TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func sqliteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func (s *SQLiteStore) CreateImage(ctx context.Context, img *Image) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO images (`+imageColumns+`)
		VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, NULLIF(?, ''), ?, ?, ?)
	`, img.ID, img.OwnerID, img.OriginalKey, img.ProtectedKey, img.WatermarkID,
		img.ProvenanceManifest, img.MimeType, img.SizeBytes, img.Status, img.ErrorLog,
		img.DownloadCount, sqliteTime(img.CreatedAt), sqliteTime(img.UpdatedAt))
	if err != nil {
		return fmt.Errorf("catalog: failed to insert image: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetImage(ctx context.Context, id string) (*Image, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+imageColumns+` FROM images WHERE id = ?`, id)
	img, err := scanImageLite(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("catalog: failed to load image: %w", err)
	}
	return img, nil
}

func (s *SQLiteStore) ListImagesByOwner(ctx context.Context, ownerID string, page, pageSize int) ([]*Image, int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM images WHERE owner_id = ? AND status <> 'deleted'
	`, ownerID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("catalog: failed to count images: %w", err)
	}

	offset := (page - 1) * pageSize
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+imageColumns+`
		FROM images
		WHERE owner_id = ? AND status <> 'deleted'
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, ownerID, pageSize, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("catalog: failed to list images: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var images []*Image
	for rows.Next() {
		img, err := scanImageLite(rows)
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

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, to Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE images SET status = ?, updated_at = ? WHERE id = ? AND `+statusPredicate(to),
		to, sqliteTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("catalog: failed to update status: %w", err)
	}
	return s.resolveGuard(ctx, res, id)
}

func (s *SQLiteStore) SetProtected(ctx context.Context, id, protectedKey, watermarkID, manifest string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE images
		SET status = 'completed', protected_key = ?, watermark_id = ?, provenance_manifest = NULLIF(?, ''), error_log = NULL, updated_at = ?
		WHERE id = ? AND `+statusPredicate(StatusCompleted),
		protectedKey, watermarkID, manifest, sqliteTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("catalog: failed to mark completed: %w", err)
	}
	return s.resolveGuard(ctx, res, id)
}

func (s *SQLiteStore) SetFailed(ctx context.Context, id, errorLog string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE images
		SET status = 'failed', error_log = ?, updated_at = ?
		WHERE id = ? AND `+statusPredicate(StatusFailed),
		TruncateErrorLog(errorLog), sqliteTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("catalog: failed to mark failed: %w", err)
	}
	return s.resolveGuard(ctx, res, id)
}

func (s *SQLiteStore) SetPending(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE images
		SET status = 'pending', error_log = NULL, updated_at = ?
		WHERE id = ? AND `+statusPredicate(StatusPending),
		sqliteTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("catalog: failed to mark pending: %w", err)
	}
	return s.resolveGuard(ctx, res, id)
}

func (s *SQLiteStore) SoftDelete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE images SET status = 'deleted', updated_at = ?
		WHERE id = ? AND `+statusPredicate(StatusDeleted),
		sqliteTime(time.Now()), id)
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
	if status == StatusDeleted {
		return nil
	}
	return ErrInvalidTransition
}

func (s *SQLiteStore) IncrementDownloadCount(ctx context.Context, id string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE images SET download_count = download_count + 1, updated_at = ?
		WHERE id = ? AND status = 'completed'
		RETURNING download_count
	`, sqliteTime(time.Now()), id).Scan(&count)
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

func (s *SQLiteStore) CountImagesSince(ctx context.Context, ownerID string, since time.Time, excludeID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM images
		WHERE owner_id = ? AND created_at >= ? AND status <> 'deleted'
		  AND (? = '' OR id <> ?)
	`, ownerID, sqliteTime(since), excludeID, excludeID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("catalog: failed to count uploads: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) InsertTask(ctx context.Context, task *Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, image_id, worker_id, started_at)
		VALUES (?, ?, ?, ?)
	`, task.ID, task.ImageID, task.WorkerID, sqliteTime(task.StartedAt))
	if err != nil {
		return fmt.Errorf("catalog: failed to insert task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CompleteTask(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET completed_at = ? WHERE id = ?
	`, sqliteTime(time.Now()), taskID)
	if err != nil {
		return fmt.Errorf("catalog: failed to complete task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailTask(ctx context.Context, taskID, errorLog string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET completed_at = ?, error_log = ? WHERE id = ?
	`, sqliteTime(time.Now()), TruncateErrorLog(errorLog), taskID)
	if err != nil {
		return fmt.Errorf("catalog: failed to record task failure: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LatestTaskForImage(ctx context.Context, imageID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, image_id, worker_id, started_at, completed_at, error_log
		FROM tasks
		WHERE image_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT 1
	`, imageID)
	task, err := scanTaskLite(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("catalog: failed to load task: %w", err)
	}
	return task, nil
}

func (s *SQLiteStore) GetProfile(ctx context.Context, ownerID string) (*Profile, error) {
	var (
		p         Profile
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id, subscription_tier, created_at FROM profiles WHERE owner_id = ?
	`, ownerID).Scan(&p.OwnerID, &p.SubscriptionTier, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("catalog: failed to load profile: %w", err)
	}
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

func (s *SQLiteStore) UpsertProfile(ctx context.Context, ownerID, tier string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (owner_id, subscription_tier, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (owner_id) DO UPDATE SET subscription_tier = excluded.subscription_tier
	`, ownerID, tier, sqliteTime(time.Now()))
	if err != nil {
		return fmt.Errorf("catalog: failed to upsert profile: %w", err)
	}
	return nil
}

func (s *SQLiteStore) resolveGuard(ctx context.Context, res sql.Result, id string) error {
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

func (s *SQLiteStore) currentStatus(ctx context.Context, id string) (Status, error) {
	var status Status
	err := s.db.QueryRowContext(ctx, `SELECT status FROM images WHERE id = ?`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("catalog: failed to load status: %w", err)
	}
	return status, nil
}

func scanImageLite(row rowScanner) (*Image, error) {
	var (
		img          Image
		protectedKey sql.NullString
		watermarkID  sql.NullString
		manifest     sql.NullString
		errorLog     sql.NullString
		createdAt    string
		updatedAt    string
	)
	err := row.Scan(&img.ID, &img.OwnerID, &img.OriginalKey, &protectedKey, &watermarkID,
		&manifest, &img.MimeType, &img.SizeBytes, &img.Status, &errorLog,
		&img.DownloadCount, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	img.ProtectedKey = protectedKey.String
	img.WatermarkID = watermarkID.String
	img.ProvenanceManifest = manifest.String
	img.ErrorLog = errorLog.String
	img.CreatedAt = parseTime(createdAt)
	img.UpdatedAt = parseTime(updatedAt)
	return &img, nil
}

func scanTaskLite(row rowScanner) (*Task, error) {
	var (
		task        Task
		startedAt   string
		completedAt sql.NullString
		errorLog    sql.NullString
	)
	if err := row.Scan(&task.ID, &task.ImageID, &task.WorkerID, &startedAt, &completedAt, &errorLog); err != nil {
		return nil, err
	}
	task.StartedAt = parseTime(startedAt)
	if completedAt.Valid && completedAt.String != "" {
		t := parseTime(completedAt.String)
		task.CompletedAt = &t
	}
	task.ErrorLog = errorLog.String
	return &task, nil
}
