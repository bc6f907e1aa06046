// Package pipeline implements the asynchronous video-processing pipeline:
// claiming queued tasks, driving the upload and analysis stages against the
// external gateways, and recording state transitions on video records.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/vidreview/worker/internal/models"
)

// Visibility applied to every remote upload.
const VisibilityUnlisted = "unlisted"

// Chained analyze tasks run ahead of freshly submitted uploads.
const analyzeChainPriority = 1

// ErrNotUploaded is returned when analysis is requested for a video that has
// no remote counterpart yet.
var ErrNotUploaded = errors.New("video has not been uploaded yet")

// Store is the persistence contract the pipeline drives. *storage.Store
// satisfies it; tests substitute an in-memory fake.
type Store interface {
	GetVideo(ctx context.Context, id string) (*models.Video, error)
	MarkUploading(ctx context.Context, id string) error
	MarkUploadCompleted(ctx context.Context, id, remoteID, remoteURL, thumbnailURL string) error
	MarkAnalyzing(ctx context.Context, id string) error
	MarkAnalysisCompleted(ctx context.Context, id, summary string, data map[string]interface{}) error
	MarkFailed(ctx context.Context, id string, stage models.TaskKind, errMsg string) error
	DeleteVideo(ctx context.Context, id string) error
	ListUnanalyzedIDs(ctx context.Context) ([]string, error)
	KnownRemoteIDs(ctx context.Context) (map[string]bool, error)

	CreateNote(ctx context.Context, n *models.TimestampedNote) error

	Credentials(ctx context.Context, ownerID string) ([]byte, error)
	CredentialedOwners(ctx context.Context) ([]string, error)

	ClaimEligible(ctx context.Context, now time.Time, limit int) ([]*models.Task, error)
	GetOrCreateTask(ctx context.Context, videoID string, kind models.TaskKind, priority int) (*models.Task, bool, error)
	DeleteTask(ctx context.Context, id string) error
}

// UploadRequest describes one local file to push to the remote service.
type UploadRequest struct {
	FilePath    string
	Title       string
	Description string
	Visibility  string
}

// UploadHandle reports progress of an in-flight upload. The caller drains it
// with NextChunk until done; RemoteID is valid only after completion.
type UploadHandle interface {
	NextChunk() (progress int, done bool, err error)
	RemoteID() string
}

// UploadGateway abstracts the remote video service. Credential blobs are
// opaque to the pipeline; the gateway implementation interprets them.
type UploadGateway interface {
	CreateRemoteVideo(ctx context.Context, creds []byte, req UploadRequest) (UploadHandle, error)
	DeleteRemoteVideo(ctx context.Context, creds []byte, remoteID string) error
	RemoteVideoMetadata(ctx context.Context, creds []byte, remoteID string) (title, description string, err error)
	ListRemoteVideos(ctx context.Context, creds []byte) ([]string, error)
}

// AnalysisGateway abstracts the generative analysis service. Streamed
// responses are concatenated by the implementation; the pipeline only sees
// the final text.
type AnalysisGateway interface {
	Analyze(ctx context.Context, prompt string) (string, error)
}

// EventPublisher receives status events for real-time consumers.
type EventPublisher interface {
	Publish(ctx context.Context, ev models.StatusEvent)
}

// Notifier receives terminal task outcomes for user-facing notification
// fan-out.
type Notifier interface {
	Notify(ctx context.Context, videoID string, kind models.TaskKind, succeeded bool, message string)
}

// Scheduler polls the task store and executes claimed tasks.
type Scheduler struct {
	store    Store
	uploads  UploadGateway
	analysis AnalysisGateway
	events   EventPublisher
	notifier Notifier

	concurrency int
	claimLimit  int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithEventPublisher wires real-time status events.
func WithEventPublisher(p EventPublisher) Option {
	return func(s *Scheduler) { s.events = p }
}

// WithNotifier wires terminal-outcome notifications.
func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// WithConcurrency bounds in-flight task executions per poll pass.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithClaimLimit caps how many entries one poll pass claims.
func WithClaimLimit(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.claimLimit = n
		}
	}
}

// NewScheduler creates a pipeline scheduler.
func NewScheduler(store Store, uploads UploadGateway, analysis AnalysisGateway, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:       store,
		uploads:     uploads,
		analysis:    analysis,
		concurrency: 3,
		claimLimit:  50,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) publish(ctx context.Context, ev models.StatusEvent) {
	if s.events == nil {
		return
	}
	ev.Timestamp = time.Now().UTC()
	s.events.Publish(ctx, ev)
}

func (s *Scheduler) notify(ctx context.Context, videoID string, kind models.TaskKind, succeeded bool, message string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, videoID, kind, succeeded, message)
}
