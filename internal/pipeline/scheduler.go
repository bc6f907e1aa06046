package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/vidreview/worker/internal/models"
	"github.com/vidreview/worker/internal/storage"
)

// RunPendingTasks executes one poll pass: claim eligible entries, run each in
// its own goroutine behind a bounded semaphore, and wait for all of them.
// Safe to invoke repeatedly from a periodic trigger. Per-task failures are
// absorbed (the video record carries them); only store-level failures are
// returned to the caller.
func (s *Scheduler) RunPendingTasks(ctx context.Context) error {
	now := time.Now().UTC()

	tasks, err := s.store.ClaimEligible(ctx, now, s.claimLimit)
	if err != nil {
		return fmt.Errorf("failed to claim eligible tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil
	}

	log.Printf("pipeline: claimed %d task(s)", len(tasks))

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, s.concurrency)
	for _, task := range tasks {
		wg.Add(1)
		go func(t *models.Task) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()
			s.runTask(ctx, t)
		}(task)
	}
	wg.Wait()

	return nil
}

// runTask dispatches one claimed entry by kind. One poison task never halts
// the pass: every failure path ends here.
func (s *Scheduler) runTask(ctx context.Context, t *models.Task) {
	log.Printf("pipeline: task %s video=%s kind=%s attempt=%d/%d",
		t.ID, t.VideoID, t.Kind, t.Attempts, t.MaxAttempts)

	tasksInFlight.Inc()
	defer tasksInFlight.Dec()
	start := time.Now()

	var err error
	switch t.Kind {
	case models.TaskUpload:
		err = s.runUpload(ctx, t)
	case models.TaskAnalyze:
		err = s.runAnalysis(ctx, t)
	default:
		err = fmt.Errorf("unknown task kind %q", t.Kind)
	}
	stageDuration.WithLabelValues(string(t.Kind)).Observe(time.Since(start).Seconds())

	if err != nil {
		s.handleTaskFailure(ctx, t, err)
		return
	}

	if t.Kind == models.TaskUpload {
		// Chain analysis before dropping the upload entry: if chaining
		// fails the entry stays claimed-but-present and the next attempt
		// reaches this point again without re-uploading.
		if _, _, cerr := s.store.GetOrCreateTask(ctx, t.VideoID, models.TaskAnalyze, analyzeChainPriority); cerr != nil {
			log.Printf("pipeline: task %s: failed to chain analyze task: %v", t.ID, cerr)
			tasksProcessed.WithLabelValues(string(t.Kind), "failure").Inc()
			return
		}
	}

	if derr := s.store.DeleteTask(ctx, t.ID); derr != nil && !errors.Is(derr, storage.ErrTaskNotFound) {
		log.Printf("pipeline: task %s: failed to delete completed entry: %v", t.ID, derr)
	}

	tasksProcessed.WithLabelValues(string(t.Kind), "success").Inc()
	s.notify(ctx, t.VideoID, t.Kind, true, fmt.Sprintf("%s completed", t.Kind))
	log.Printf("pipeline: task %s completed", t.ID)
}

// handleTaskFailure leaves the entry in place (the attempt was charged at
// claim time) and records the failure on the owning video. The stage already
// did that before propagating; doing it again here keeps the failure
// observable even if a stage's own handling is broken.
func (s *Scheduler) handleTaskFailure(ctx context.Context, t *models.Task, cause error) {
	tasksProcessed.WithLabelValues(string(t.Kind), "failure").Inc()

	if merr := s.store.MarkFailed(ctx, t.VideoID, t.Kind, cause.Error()); merr != nil && !errors.Is(merr, storage.ErrVideoNotFound) {
		log.Printf("pipeline: task %s: failed to record failure on video %s: %v", t.ID, t.VideoID, merr)
	}

	s.notify(ctx, t.VideoID, t.Kind, false, cause.Error())

	remaining := t.MaxAttempts - t.Attempts
	if remaining > 0 {
		log.Printf("pipeline: task %s failed (attempt %d/%d, will retry): %v",
			t.ID, t.Attempts, t.MaxAttempts, cause)
	} else {
		log.Printf("pipeline: task %s failed permanently after %d attempts: %v",
			t.ID, t.Attempts, cause)
	}
}

// EnqueueUpload queues an upload task for a video. Idempotent per video.
func (s *Scheduler) EnqueueUpload(ctx context.Context, videoID string) (*models.Task, error) {
	task, created, err := s.store.GetOrCreateTask(ctx, videoID, models.TaskUpload, 0)
	if err != nil {
		return nil, err
	}
	if created {
		log.Printf("pipeline: enqueued upload task %s for video %s", task.ID, videoID)
	}
	return task, nil
}

// EnqueueAnalyze queues an analysis task for an uploaded video. Idempotent
// per video; rejected with ErrNotUploaded when no remote URL exists yet.
func (s *Scheduler) EnqueueAnalyze(ctx context.Context, videoID string) (*models.Task, error) {
	video, err := s.store.GetVideo(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if video.RemoteURL == "" {
		return nil, ErrNotUploaded
	}

	task, created, err := s.store.GetOrCreateTask(ctx, videoID, models.TaskAnalyze, analyzeChainPriority)
	if err != nil {
		return nil, err
	}
	if created {
		log.Printf("pipeline: enqueued analyze task %s for video %s", task.ID, videoID)
	}
	return task, nil
}

// EnqueueUnanalyzed queues analysis for every uploaded video that has no
// summary yet. Returns how many videos were considered.
func (s *Scheduler) EnqueueUnanalyzed(ctx context.Context) (int, error) {
	ids, err := s.store.ListUnanalyzedIDs(ctx)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if _, _, err := s.store.GetOrCreateTask(ctx, id, models.TaskAnalyze, analyzeChainPriority); err != nil {
			return 0, fmt.Errorf("failed to enqueue analysis for video %s: %w", id, err)
		}
	}
	return len(ids), nil
}

// DeleteVideo removes a video: best-effort remote delete first, then the
// local record (notes and queue entries cascade). A remote delete failure is
// reported but does not block the local delete.
func (s *Scheduler) DeleteVideo(ctx context.Context, videoID string) error {
	video, err := s.store.GetVideo(ctx, videoID)
	if err != nil {
		return err
	}

	if video.Uploaded() {
		creds, cerr := s.store.Credentials(ctx, video.OwnerID)
		if cerr != nil {
			log.Printf("pipeline: video %s: skipping remote delete: %v", videoID, cerr)
		} else if derr := s.uploads.DeleteRemoteVideo(ctx, creds, video.RemoteID); derr != nil {
			log.Printf("pipeline: video %s: remote delete of %s failed: %v", videoID, video.RemoteID, derr)
		}
	}

	return s.store.DeleteVideo(ctx, videoID)
}
