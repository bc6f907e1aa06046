package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/vidreview/worker/internal/models"
)

// runUpload executes the upload stage for one claimed task.
func (s *Scheduler) runUpload(ctx context.Context, t *models.Task) error {
	video, err := s.store.GetVideo(ctx, t.VideoID)
	if err != nil {
		// Nothing to mark failed; the record is gone or unreadable.
		return fmt.Errorf("video lookup failed: %w", err)
	}

	if video.Uploaded() {
		// Re-invocation after a crash between remote success and local
		// bookkeeping: the remote copy already exists, skip the transfer.
		log.Printf("pipeline: video %s already has remote id %s, skipping upload", video.ID, video.RemoteID)
		return nil
	}

	if video.LocalFilePath == "" {
		return s.failStage(ctx, video, models.TaskUpload, errors.New("no local file recorded for video"))
	}
	info, err := os.Stat(video.LocalFilePath)
	if err != nil {
		return s.failStage(ctx, video, models.TaskUpload, fmt.Errorf("local file not found: %w", err))
	}
	if info.Size() == 0 {
		return s.failStage(ctx, video, models.TaskUpload, errors.New("local file is empty"))
	}

	creds, err := s.store.Credentials(ctx, video.OwnerID)
	if err != nil {
		return s.failStage(ctx, video, models.TaskUpload, fmt.Errorf("credential error: %w", err))
	}

	if err := s.store.MarkUploading(ctx, video.ID); err != nil {
		return err
	}
	s.publish(ctx, models.StatusEvent{
		VideoID: video.ID,
		Status:  models.StatusUploading,
		Stage:   models.TaskUpload,
	})

	log.Printf("pipeline: uploading video %s (%s, %d bytes)", video.ID, video.LocalFilePath, info.Size())

	handle, err := s.uploads.CreateRemoteVideo(ctx, creds, UploadRequest{
		FilePath:    video.LocalFilePath,
		Title:       video.Title,
		Description: video.Description,
		Visibility:  VisibilityUnlisted,
	})
	if err != nil {
		return s.failStage(ctx, video, models.TaskUpload, fmt.Errorf("failed to start upload: %w", err))
	}

	// Drain the handle until a terminal remote id. Log only on increase to
	// keep the progress output monotonic.
	lastProgress := 0
	for {
		progress, done, err := handle.NextChunk()
		if err != nil {
			return s.failStage(ctx, video, models.TaskUpload, fmt.Errorf("upload failed: %w", err))
		}
		if progress > lastProgress {
			log.Printf("pipeline: video %s upload progress: %d%%", video.ID, progress)
			s.publish(ctx, models.StatusEvent{
				VideoID:  video.ID,
				Status:   models.StatusUploading,
				Stage:    models.TaskUpload,
				Progress: progress,
			})
			lastProgress = progress
		}
		if done {
			break
		}
	}

	remoteID := handle.RemoteID()
	if remoteID == "" {
		return s.failStage(ctx, video, models.TaskUpload, errors.New("upload finished without a remote id"))
	}

	remoteURL := models.WatchURL(remoteID)
	if err := s.store.MarkUploadCompleted(ctx, video.ID, remoteID, remoteURL, models.ThumbnailURL(remoteID)); err != nil {
		return err
	}

	s.publish(ctx, models.StatusEvent{
		VideoID: video.ID,
		Status:  models.StatusCompleted,
		Stage:   models.TaskUpload,
		Message: remoteURL,
	})
	log.Printf("pipeline: video %s uploaded, available at %s", video.ID, remoteURL)
	return nil
}

// failStage records a stage failure on the video before propagating, so the
// failure stays observable regardless of how the caller handles the error.
func (s *Scheduler) failStage(ctx context.Context, video *models.Video, stage models.TaskKind, cause error) error {
	if err := s.store.MarkFailed(ctx, video.ID, stage, cause.Error()); err != nil {
		log.Printf("pipeline: video %s: failed to record %s failure: %v", video.ID, stage, err)
	}
	s.publish(ctx, models.StatusEvent{
		VideoID: video.ID,
		Status:  models.StatusFailed,
		Stage:   stage,
		Message: cause.Error(),
	})
	return cause
}
