package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/vidreview/worker/internal/models"
	"github.com/vidreview/worker/internal/storage"
)

// runAnalysis executes the analysis stage for one claimed task.
func (s *Scheduler) runAnalysis(ctx context.Context, t *models.Task) error {
	video, err := s.store.GetVideo(ctx, t.VideoID)
	if err != nil {
		return fmt.Errorf("video lookup failed: %w", err)
	}

	if video.RemoteURL == "" {
		return s.failStage(ctx, video, models.TaskAnalyze, errors.New("video has no remote URL; upload must complete first"))
	}

	creds, err := s.store.Credentials(ctx, video.OwnerID)
	if err != nil {
		return s.failStage(ctx, video, models.TaskAnalyze, fmt.Errorf("credential error: %w", err))
	}

	if err := s.store.MarkAnalyzing(ctx, video.ID); err != nil {
		return err
	}
	s.publish(ctx, models.StatusEvent{
		VideoID: video.ID,
		Status:  models.StatusAnalyzing,
		Stage:   models.TaskAnalyze,
	})

	// The remote service owns the authoritative metadata once the video is
	// uploaded; the local copy may have been edited since.
	title, description, err := s.uploads.RemoteVideoMetadata(ctx, creds, video.RemoteID)
	if err != nil {
		return s.failStage(ctx, video, models.TaskAnalyze, fmt.Errorf("failed to read remote metadata: %w", err))
	}

	prompt := buildAnalysisPrompt(title, description, video.RemoteURL)
	log.Printf("pipeline: analyzing video %s (%s)", video.ID, video.RemoteURL)

	raw, err := s.analysis.Analyze(ctx, prompt)
	if err != nil {
		return s.failStage(ctx, video, models.TaskAnalyze, fmt.Errorf("analysis request failed: %w", err))
	}

	payload, err := models.ParseAnalysisPayload(raw)
	if err != nil {
		return s.failStage(ctx, video, models.TaskAnalyze, fmt.Errorf("malformed analysis payload: %w", err))
	}

	if err := s.store.MarkAnalysisCompleted(ctx, video.ID, payload.Summary, payload.Data()); err != nil {
		return err
	}

	for _, note := range payload.Notes {
		n := &models.TimestampedNote{
			ID:               models.NewNoteID(),
			VideoID:          video.ID,
			TimestampSeconds: note.TimeSeconds,
			Content:          note.Content,
			SentimentScore:   note.SentimentScore,
		}
		if err := s.store.CreateNote(ctx, n); err != nil {
			if errors.Is(err, storage.ErrDuplicateNote) {
				// A note at this second already exists; the payload wins no
				// overwrite. Skip it rather than failing the whole stage.
				log.Printf("pipeline: video %s: skipping duplicate note at %ds", video.ID, note.TimeSeconds)
				continue
			}
			return s.failStage(ctx, video, models.TaskAnalyze, fmt.Errorf("failed to persist note at %ds: %w", note.TimeSeconds, err))
		}
	}

	s.publish(ctx, models.StatusEvent{
		VideoID: video.ID,
		Status:  models.StatusCompleted,
		Stage:   models.TaskAnalyze,
	})
	log.Printf("pipeline: video %s analyzed: %d note(s), %d topic(s)", video.ID, len(payload.Notes), len(payload.Topics))
	return nil
}

// buildAnalysisPrompt combines remote metadata with the fixed instruction
// template. The template pins the exact JSON shape ParseAnalysisPayload
// expects.
func buildAnalysisPrompt(title, description, remoteURL string) string {
	var b strings.Builder
	b.WriteString("You are reviewing an uploaded video for content analysis.\n\n")
	fmt.Fprintf(&b, "Video URL: %s\n", remoteURL)
	fmt.Fprintf(&b, "Title: %s\n", title)
	if description != "" {
		fmt.Fprintf(&b, "Description: %s\n", description)
	}
	b.WriteString(`
Produce a JSON object with exactly these fields:
- "summary": an overall summary of the video content.
- "topics": a list of the main topics covered.
- "notes": a list of objects {"timeSeconds": <int>, "content": <string>, "sentimentScore": <float between -1 and 1>} describing notable moments in order.
- "suggestions": a list of concrete improvement suggestions.

Respond with the JSON object only, no surrounding prose.`)
	return b.String()
}
