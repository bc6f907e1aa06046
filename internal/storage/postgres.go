package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/vidreview/worker/internal/models"
)

// Sentinel errors surfaced to callers instead of driver-level failures.
var (
	ErrVideoNotFound      = errors.New("video not found")
	ErrTaskNotFound       = errors.New("task not found")
	ErrDuplicateNote      = errors.New("note already exists at this timestamp")
	ErrMissingCredentials = errors.New("owner has no remote-service credentials")
)

// Store handles PostgreSQL persistence for videos, notes, users and the
// task queue.
type Store struct {
	db *sql.DB
}

// NewStore opens the PostgreSQL connection and initializes the schema.
func NewStore(postgresURL string) (*Store, error) {
	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// initSchema creates tables and indexes if they don't exist.
func (s *Store) initSchema() error {
	tableSchema := `
	CREATE TABLE IF NOT EXISTS users (
		id VARCHAR(255) PRIMARY KEY,
		display_name VARCHAR(255),
		avatar_url TEXT,
		is_admin BOOLEAN DEFAULT FALSE,
		youtube_credentials TEXT,
		created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS videos (
		id VARCHAR(255) PRIMARY KEY,
		owner_id VARCHAR(255) NOT NULL,
		title VARCHAR(255) NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		local_file_path TEXT NOT NULL DEFAULT '',
		remote_id VARCHAR(64) UNIQUE,
		remote_url TEXT,
		thumbnail_url TEXT,
		status VARCHAR(20) NOT NULL DEFAULT 'pending',
		upload_state VARCHAR(20) NOT NULL DEFAULT 'not_started',
		analysis_state VARCHAR(20) NOT NULL DEFAULT 'not_started',
		error_message TEXT NOT NULL DEFAULT '',
		analysis_summary TEXT NOT NULL DEFAULT '',
		analysis_data JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS timestamped_notes (
		id VARCHAR(255) PRIMARY KEY,
		video_id VARCHAR(255) NOT NULL REFERENCES videos(id) ON DELETE CASCADE,
		timestamp_seconds INT NOT NULL CHECK (timestamp_seconds >= 0),
		content TEXT NOT NULL,
		sentiment_score DOUBLE PRECISION,
		created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
		CONSTRAINT notes_video_timestamp_key UNIQUE (video_id, timestamp_seconds)
	);

	CREATE TABLE IF NOT EXISTS task_queue (
		id VARCHAR(255) PRIMARY KEY,
		video_id VARCHAR(255) NOT NULL REFERENCES videos(id) ON DELETE CASCADE,
		kind VARCHAR(20) NOT NULL,
		priority INT NOT NULL DEFAULT 0,
		attempts INT NOT NULL DEFAULT 0,
		max_attempts INT NOT NULL DEFAULT 3,
		last_attempt_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	);
	`

	if _, err := s.db.Exec(tableSchema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_videos_owner_id ON videos(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_videos_status ON videos(status)`,
		`CREATE INDEX IF NOT EXISTS idx_notes_video_id ON timestamped_notes(video_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_video_id ON task_queue(video_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_order ON task_queue(priority DESC, created_at ASC)`,
		// Backs the get-or-create contract: at most one live entry per
		// (video, kind); exhausted entries stay behind for inspection.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_pending_unique ON task_queue(video_id, kind) WHERE attempts < max_attempts`,
	}

	for _, stmt := range indexStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create index: %w (statement: %s)", err, stmt)
		}
	}

	return nil
}

// Ping reports connection health.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---- videos ----

const videoColumns = `id, owner_id, title, description, local_file_path,
	COALESCE(remote_id, ''), COALESCE(remote_url, ''), COALESCE(thumbnail_url, ''),
	status, upload_state, analysis_state, error_message,
	analysis_summary, analysis_data, created_at, updated_at`

// CreateVideo inserts a new video record in its initial pending state.
func (s *Store) CreateVideo(ctx context.Context, v *models.Video) error {
	query := `
		INSERT INTO videos (id, owner_id, title, description, local_file_path, status, upload_state, analysis_state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		v.ID, v.OwnerID, v.Title, v.Description, v.LocalFilePath,
		models.StatusPending, models.StageNotStarted, models.StageNotStarted,
	)
	if err != nil {
		return fmt.Errorf("failed to create video: %w", err)
	}
	return nil
}

// GetVideo fetches a video by id.
func (s *Store) GetVideo(ctx context.Context, id string) (*models.Video, error) {
	query := `SELECT ` + videoColumns + ` FROM videos WHERE id = $1`
	return s.scanVideo(s.db.QueryRowContext(ctx, query, id))
}

func (s *Store) scanVideo(row *sql.Row) (*models.Video, error) {
	var v models.Video
	var dataJSON []byte
	err := row.Scan(
		&v.ID, &v.OwnerID, &v.Title, &v.Description, &v.LocalFilePath,
		&v.RemoteID, &v.RemoteURL, &v.ThumbnailURL,
		&v.Status, &v.UploadState, &v.AnalysisState, &v.ErrorMessage,
		&v.AnalysisSummary, &dataJSON, &v.CreatedAt, &v.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVideoNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan video: %w", err)
	}
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &v.AnalysisData); err != nil {
			return nil, fmt.Errorf("failed to decode analysis data: %w", err)
		}
	}
	return &v, nil
}

// ListVideos returns videos for one owner, newest first. An empty ownerID
// returns all videos (admin view).
func (s *Store) ListVideos(ctx context.Context, ownerID string) ([]*models.Video, error) {
	query := `SELECT ` + videoColumns + ` FROM videos
		WHERE ($1 = '' OR owner_id = $1)
		ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list videos: %w", err)
	}
	defer rows.Close()

	var videos []*models.Video
	for rows.Next() {
		var v models.Video
		var dataJSON []byte
		if err := rows.Scan(
			&v.ID, &v.OwnerID, &v.Title, &v.Description, &v.LocalFilePath,
			&v.RemoteID, &v.RemoteURL, &v.ThumbnailURL,
			&v.Status, &v.UploadState, &v.AnalysisState, &v.ErrorMessage,
			&v.AnalysisSummary, &dataJSON, &v.CreatedAt, &v.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan video: %w", err)
		}
		if len(dataJSON) > 0 {
			if err := json.Unmarshal(dataJSON, &v.AnalysisData); err != nil {
				return nil, fmt.Errorf("failed to decode analysis data: %w", err)
			}
		}
		videos = append(videos, &v)
	}
	return videos, rows.Err()
}

// ListUnanalyzedIDs returns ids of videos that are uploaded but have no
// analysis summary yet. Feeds the bulk-analyze operation.
func (s *Store) ListUnanalyzedIDs(ctx context.Context) ([]string, error) {
	query := `SELECT id FROM videos WHERE remote_url IS NOT NULL AND remote_url <> '' AND analysis_summary = ''`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list unanalyzed videos: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan video id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// KnownRemoteIDs returns every remote id that has a local record. Used by the
// reconciliation sweep to spot orphaned remote videos.
func (s *Store) KnownRemoteIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT remote_id FROM videos WHERE remote_id IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to list remote ids: %w", err)
	}
	defer rows.Close()

	known := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan remote id: %w", err)
		}
		known[id] = true
	}
	return known, rows.Err()
}

// DeleteVideo removes a video; notes and queue entries cascade.
func (s *Store) DeleteVideo(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM videos WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete video: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVideoNotFound
	}
	return nil
}

// MarkUploading moves a video into the uploading state and clears any
// previous failure.
func (s *Store) MarkUploading(ctx context.Context, id string) error {
	query := `
		UPDATE videos
		SET status = $2, upload_state = $3, error_message = '', updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`
	return s.execVideoUpdate(ctx, query, id, models.StatusUploading, models.StageRunning)
}

// MarkUploadCompleted records the remote identity of a successfully uploaded
// video. The local file path is cleared: the remote copy is authoritative
// from here on.
func (s *Store) MarkUploadCompleted(ctx context.Context, id, remoteID, remoteURL, thumbnailURL string) error {
	query := `
		UPDATE videos
		SET status = $2, upload_state = $3,
			remote_id = $4, remote_url = $5, thumbnail_url = $6,
			local_file_path = '', error_message = '', updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query, id,
		models.StatusCompleted, models.StageCompleted, remoteID, remoteURL, thumbnailURL)
	if err != nil {
		return fmt.Errorf("failed to mark upload completed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVideoNotFound
	}
	return nil
}

// MarkAnalyzing moves a video into the analyzing state.
func (s *Store) MarkAnalyzing(ctx context.Context, id string) error {
	query := `
		UPDATE videos
		SET status = $2, analysis_state = $3, error_message = '', updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`
	return s.execVideoUpdate(ctx, query, id, models.StatusAnalyzing, models.StageRunning)
}

// MarkAnalysisCompleted persists the analysis result.
func (s *Store) MarkAnalysisCompleted(ctx context.Context, id, summary string, data map[string]interface{}) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal analysis data: %w", err)
	}

	query := `
		UPDATE videos
		SET status = $2, analysis_state = $3,
			analysis_summary = $4, analysis_data = $5,
			error_message = '', updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query, id,
		models.StatusCompleted, models.StageCompleted, summary, dataJSON)
	if err != nil {
		return fmt.Errorf("failed to mark analysis completed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVideoNotFound
	}
	return nil
}

// MarkFailed records a stage failure on the video record. The failing stage
// determines which axis flips to failed.
func (s *Store) MarkFailed(ctx context.Context, id string, stage models.TaskKind, errMsg string) error {
	column := "upload_state"
	if stage == models.TaskAnalyze {
		column = "analysis_state"
	}
	query := fmt.Sprintf(`
		UPDATE videos
		SET status = $2, %s = $3, error_message = $4, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`, column)

	res, err := s.db.ExecContext(ctx, query, id, models.StatusFailed, models.StageFailed, errMsg)
	if err != nil {
		return fmt.Errorf("failed to mark video failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVideoNotFound
	}
	return nil
}

func (s *Store) execVideoUpdate(ctx context.Context, query, id string, args ...interface{}) error {
	all := append([]interface{}{id}, args...)
	res, err := s.db.ExecContext(ctx, query, all...)
	if err != nil {
		return fmt.Errorf("failed to update video: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVideoNotFound
	}
	return nil
}

// ---- timestamped notes ----

// CreateNote inserts a timestamped note. A second note at the same second
// for the same video is rejected with ErrDuplicateNote, not upserted.
func (s *Store) CreateNote(ctx context.Context, n *models.TimestampedNote) error {
	query := `
		INSERT INTO timestamped_notes (id, video_id, timestamp_seconds, content, sentiment_score)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.db.ExecContext(ctx, query, n.ID, n.VideoID, n.TimestampSeconds, n.Content, n.SentimentScore)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrDuplicateNote
		}
		return fmt.Errorf("failed to create note: %w", err)
	}
	return nil
}

// ListNotes returns a video's notes ordered by timestamp.
func (s *Store) ListNotes(ctx context.Context, videoID string) ([]*models.TimestampedNote, error) {
	query := `
		SELECT id, video_id, timestamp_seconds, content, sentiment_score, created_at
		FROM timestamped_notes
		WHERE video_id = $1
		ORDER BY timestamp_seconds ASC
	`
	rows, err := s.db.QueryContext(ctx, query, videoID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}
	defer rows.Close()

	var notes []*models.TimestampedNote
	for rows.Next() {
		var n models.TimestampedNote
		if err := rows.Scan(&n.ID, &n.VideoID, &n.TimestampSeconds, &n.Content, &n.SentimentScore, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		notes = append(notes, &n)
	}
	return notes, rows.Err()
}

// ---- users / credentials ----

// Credentials returns the opaque remote-service credential blob for an owner.
// The identity collaborator writes it; the pipeline only reads it.
func (s *Store) Credentials(ctx context.Context, ownerID string) ([]byte, error) {
	var blob sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT youtube_credentials FROM users WHERE id = $1`, ownerID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMissingCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}
	if !blob.Valid || blob.String == "" {
		return nil, ErrMissingCredentials
	}
	return []byte(blob.String), nil
}

// UpsertUser stores or refreshes a user row, including the opaque credential
// blob handed over by the identity collaborator.
func (s *Store) UpsertUser(ctx context.Context, id, displayName, avatarURL string, credentials []byte) error {
	query := `
		INSERT INTO users (id, display_name, avatar_url, youtube_credentials)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			avatar_url = EXCLUDED.avatar_url,
			youtube_credentials = EXCLUDED.youtube_credentials,
			updated_at = CURRENT_TIMESTAMP
	`
	_, err := s.db.ExecContext(ctx, query, id, displayName, avatarURL, string(credentials))
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// CredentialedOwners returns ids of users holding a credential blob. Used by
// the reconciliation sweep.
func (s *Store) CredentialedOwners(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM users WHERE youtube_credentials IS NOT NULL AND youtube_credentials <> ''`)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentialed owners: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan owner id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
