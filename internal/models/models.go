package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// VideoStatus is the combined pipeline status projection exposed to the UI.
type VideoStatus string

const (
	StatusPending   VideoStatus = "pending"
	StatusUploading VideoStatus = "uploading"
	StatusAnalyzing VideoStatus = "analyzing"
	StatusCompleted VideoStatus = "completed"
	StatusFailed    VideoStatus = "failed"
)

// StageState tracks one axis of the pipeline (upload or analysis)
// independently of the combined status, so "completed" is never ambiguous
// between upload-only and fully-analyzed videos.
type StageState string

const (
	StageNotStarted StageState = "not_started"
	StageRunning    StageState = "running"
	StageCompleted  StageState = "completed"
	StageFailed     StageState = "failed"
)

// TaskKind identifies which pipeline stage a queue entry drives.
type TaskKind string

const (
	TaskUpload  TaskKind = "upload"
	TaskAnalyze TaskKind = "analyze"
)

// DefaultMaxAttempts is the retry budget for new queue entries.
const DefaultMaxAttempts = 3

// Video is the durable record mutated exclusively by the pipeline.
type Video struct {
	ID            string
	OwnerID       string
	Title         string
	Description   string
	LocalFilePath string
	RemoteID      string
	RemoteURL     string
	ThumbnailURL  string
	Status        VideoStatus
	UploadState   StageState
	AnalysisState StageState
	ErrorMessage  string

	AnalysisSummary string
	AnalysisData    map[string]interface{}

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Uploaded reports whether the video already has a remote counterpart.
// RemoteID and RemoteURL are set together or not at all.
func (v *Video) Uploaded() bool {
	return v.RemoteID != ""
}

// Task is one durable queue entry. Entries with Attempts == MaxAttempts are
// inert: kept for operator inspection, never claimed again.
type Task struct {
	ID            string
	VideoID       string
	Kind          TaskKind
	Priority      int
	Attempts      int
	MaxAttempts   int
	LastAttemptAt *time.Time
	CreatedAt     time.Time
}

// Exhausted reports whether the entry has used up its retry budget.
func (t *Task) Exhausted() bool {
	return t.Attempts >= t.MaxAttempts
}

// TimestampedNote is a sentiment-scored note at a second offset into a video.
// (VideoID, TimestampSeconds) is unique per video.
type TimestampedNote struct {
	ID               string
	VideoID          string
	TimestampSeconds int
	Content          string
	SentimentScore   *float64
	CreatedAt        time.Time
}

// StatusProjection is the read surface returned to the UI/API layer.
type StatusProjection struct {
	Status          VideoStatus `json:"status"`
	ErrorMessage    string      `json:"errorMessage,omitempty"`
	RemoteURL       string      `json:"remoteUrl,omitempty"`
	AnalysisSummary string      `json:"analysisSummary,omitempty"`
}

// Projection returns the status read surface for a video.
func (v *Video) Projection() StatusProjection {
	return StatusProjection{
		Status:          v.Status,
		ErrorMessage:    v.ErrorMessage,
		RemoteURL:       v.RemoteURL,
		AnalysisSummary: v.AnalysisSummary,
	}
}

// StatusEvent is published to Redis for real-time UI updates.
type StatusEvent struct {
	VideoID   string      `json:"videoId"`
	Status    VideoStatus `json:"status"`
	Stage     TaskKind    `json:"stage,omitempty"`
	Progress  int         `json:"progress,omitempty"` // 0-100, upload only
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// AnalysisPayload is the structured result the analysis gateway must produce.
type AnalysisPayload struct {
	Summary     string         `json:"summary"`
	Topics      []string       `json:"topics"`
	Notes       []AnalysisNote `json:"notes"`
	Suggestions []string       `json:"suggestions"`
}

// AnalysisNote is a single timestamped observation in an analysis payload.
type AnalysisNote struct {
	TimeSeconds    int      `json:"timeSeconds"`
	Content        string   `json:"content"`
	SentimentScore *float64 `json:"sentimentScore"`
}

// ParseAnalysisPayload parses the concatenated analysis response into a
// structured payload. Model output is often wrapped in a markdown code fence,
// so fences are stripped before decoding. A missing summary or a note with a
// negative timestamp makes the whole payload invalid; there is no
// partial-credit persistence of half-parsed results.
func ParseAnalysisPayload(raw string) (*AnalysisPayload, error) {
	text := stripCodeFence(strings.TrimSpace(raw))
	if text == "" {
		return nil, fmt.Errorf("empty analysis response")
	}

	var payload AnalysisPayload
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil, fmt.Errorf("analysis response is not valid JSON: %w", err)
	}

	if payload.Summary == "" {
		return nil, fmt.Errorf("analysis response missing required summary")
	}
	for i, note := range payload.Notes {
		if note.TimeSeconds < 0 {
			return nil, fmt.Errorf("analysis note %d has negative timestamp %d", i, note.TimeSeconds)
		}
		if note.Content == "" {
			return nil, fmt.Errorf("analysis note %d has empty content", i)
		}
	}

	return &payload, nil
}

// Data flattens the payload into the free-form analysis_data dictionary
// stored on the video record.
func (p *AnalysisPayload) Data() map[string]interface{} {
	notes := make([]map[string]interface{}, 0, len(p.Notes))
	for _, n := range p.Notes {
		m := map[string]interface{}{
			"timeSeconds": n.TimeSeconds,
			"content":     n.Content,
		}
		if n.SentimentScore != nil {
			m["sentimentScore"] = *n.SentimentScore
		}
		notes = append(notes, m)
	}
	return map[string]interface{}{
		"topics":      p.Topics,
		"notes":       notes,
		"suggestions": p.Suggestions,
	}
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// WatchURL builds the canonical watch URL for a remote video id.
func WatchURL(remoteID string) string {
	return fmt.Sprintf("https://www.youtube.com/watch?v=%s", remoteID)
}

// ThumbnailURL builds the canonical thumbnail URL for a remote video id.
func ThumbnailURL(remoteID string) string {
	return fmt.Sprintf("https://img.youtube.com/vi/%s/hqdefault.jpg", remoteID)
}

// NewVideoID generates a unique video ID.
func NewVideoID() string {
	return uuid.New().String()
}

// NewTaskID generates a unique task ID.
func NewTaskID() string {
	return uuid.New().String()
}

// NewNoteID generates a unique note ID.
func NewNoteID() string {
	return uuid.New().String()
}
