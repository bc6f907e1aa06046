package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vidreview/worker/internal/models"
	"github.com/vidreview/worker/internal/pipeline"
	"github.com/vidreview/worker/internal/storage"
)

// Kicker requests an immediate pipeline poll (implemented by the queue
// trigger; nil disables kicking).
type Kicker interface {
	KickPoll(ctx context.Context) error
}

// Pinger reports backend connectivity for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the queue control and status read surfaces.
type Handler struct {
	store     *storage.Store
	scheduler *pipeline.Scheduler
	kicker    Kicker
	redis     Pinger
	uploadDir string
}

// NewHandler creates the API handler.
func NewHandler(store *storage.Store, scheduler *pipeline.Scheduler, kicker Kicker, redis Pinger, uploadDir string) *Handler {
	return &Handler{
		store:     store,
		scheduler: scheduler,
		kicker:    kicker,
		redis:     redis,
		uploadDir: uploadDir,
	}
}

// SubmitVideo accepts a multipart upload, validates user input synchronously
// and enqueues the upload task. Invalid submissions never reach the queue.
func (h *Handler) SubmitVideo(c *gin.Context) {
	userID := c.GetString("user_id")

	title := c.PostForm("title")
	description := c.PostForm("description")
	file, err := c.FormFile("video")

	if title == "" || err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "a video file and a title are required"})
		return
	}
	if file.Size == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "the video file is empty"})
		return
	}

	// Submissions from owners without credentials would only burn the retry
	// budget; reject them up front.
	if _, err := h.store.Credentials(c.Request.Context(), userID); err != nil {
		if errors.Is(err, storage.ErrMissingCredentials) {
			c.JSON(http.StatusForbidden, gin.H{"error": "remote-service authorization required; sign in again"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify credentials"})
		return
	}

	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to prepare upload directory"})
		return
	}

	videoID := models.NewVideoID()
	localPath := filepath.Join(h.uploadDir, fmt.Sprintf("%s_%d%s", videoID, time.Now().UnixNano(), filepath.Ext(file.Filename)))
	if err := c.SaveUploadedFile(file, localPath); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to save video file: %v", err)})
		return
	}

	video := &models.Video{
		ID:            videoID,
		OwnerID:       userID,
		Title:         title,
		Description:   description,
		LocalFilePath: localPath,
	}
	if err := h.store.CreateVideo(c.Request.Context(), video); err != nil {
		os.Remove(localPath)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record video"})
		return
	}

	if _, err := h.scheduler.EnqueueUpload(c.Request.Context(), videoID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue upload"})
		return
	}
	h.kickPoll(c.Request.Context())

	c.JSON(http.StatusAccepted, gin.H{
		"video_id": videoID,
		"status":   models.StatusPending,
	})
}

// ListVideos returns the caller's videos; admins see everything.
func (h *Handler) ListVideos(c *gin.Context) {
	ownerID := c.GetString("user_id")
	if c.GetBool("is_admin") {
		ownerID = ""
	}

	videos, err := h.store.ListVideos(c.Request.Context(), ownerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list videos"})
		return
	}

	out := make([]gin.H, 0, len(videos))
	for _, v := range videos {
		out = append(out, gin.H{
			"id":            v.ID,
			"title":         v.Title,
			"status":        v.Status,
			"remote_url":    v.RemoteURL,
			"thumbnail_url": v.ThumbnailURL,
			"created_at":    v.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"videos": out})
}

// VideoStatus returns the status read projection for one video.
func (h *Handler) VideoStatus(c *gin.Context) {
	video, ok := h.authorizedVideo(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, video.Projection())
}

// VideoNotes returns a video's timestamped notes.
func (h *Handler) VideoNotes(c *gin.Context) {
	video, ok := h.authorizedVideo(c)
	if !ok {
		return
	}

	notes, err := h.store.ListNotes(c.Request.Context(), video.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list notes"})
		return
	}

	out := make([]gin.H, 0, len(notes))
	for _, n := range notes {
		out = append(out, gin.H{
			"timestamp": n.TimestampSeconds,
			"content":   n.Content,
			"sentiment": n.SentimentScore,
		})
	}
	c.JSON(http.StatusOK, gin.H{"notes": out})
}

// RequestAnalysis enqueues an analyze task for an uploaded video.
func (h *Handler) RequestAnalysis(c *gin.Context) {
	video, ok := h.authorizedVideo(c)
	if !ok {
		return
	}

	if _, err := h.scheduler.EnqueueAnalyze(c.Request.Context(), video.ID); err != nil {
		if errors.Is(err, pipeline.ErrNotUploaded) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "video has no remote URL yet"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue analysis"})
		return
	}
	h.kickPoll(c.Request.Context())

	c.JSON(http.StatusAccepted, gin.H{"message": "analysis queued"})
}

// DeleteVideo removes a video remotely (best effort) and locally.
func (h *Handler) DeleteVideo(c *gin.Context) {
	video, ok := h.authorizedVideo(c)
	if !ok {
		return
	}

	if err := h.scheduler.DeleteVideo(c.Request.Context(), video.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete video"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "video deleted"})
}

// RunPendingTasks executes one poll pass synchronously.
func (h *Handler) RunPendingTasks(c *gin.Context) {
	if err := h.scheduler.RunPendingTasks(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "poll pass completed"})
}

// AnalyzeUnprocessed enqueues analysis for every uploaded-but-unanalyzed
// video. Admin only.
func (h *Handler) AnalyzeUnprocessed(c *gin.Context) {
	count, err := h.scheduler.EnqueueUnanalyzed(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue analyses"})
		return
	}
	h.kickPoll(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"queued": count})
}

// UpsertUser stores or refreshes a user and their remote-service credential
// blob. Called by the identity collaborator after an OAuth exchange; the blob
// is opaque here.
func (h *Handler) UpsertUser(c *gin.Context) {
	var req struct {
		ID          string          `json:"id" binding:"required"`
		DisplayName string          `json:"display_name"`
		AvatarURL   string          `json:"avatar_url"`
		Credentials json.RawMessage `json:"credentials" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.store.UpsertUser(c.Request.Context(), req.ID, req.DisplayName, req.AvatarURL, req.Credentials); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "user stored"})
}

// PendingTasks lists eligible queue entries in claim order.
func (h *Handler) PendingTasks(c *gin.Context) {
	tasks, err := h.store.ListEligible(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list pending tasks"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": taskViews(tasks)})
}

// ExhaustedTasks lists inert queue entries for operator inspection.
func (h *Handler) ExhaustedTasks(c *gin.Context) {
	tasks, err := h.store.ListExhausted(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list exhausted tasks"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": taskViews(tasks)})
}

func taskViews(tasks []*models.Task) []gin.H {
	out := make([]gin.H, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, gin.H{
			"id":              t.ID,
			"video_id":        t.VideoID,
			"kind":            t.Kind,
			"priority":        t.Priority,
			"attempts":        t.Attempts,
			"max_attempts":    t.MaxAttempts,
			"last_attempt_at": t.LastAttemptAt,
			"created_at":      t.CreatedAt,
		})
	}
	return out
}

// Reconcile runs the orphaned-remote-video sweep. Deletion requires the
// explicit delete flag; the default reports only.
func (h *Handler) Reconcile(c *gin.Context) {
	dryRun := c.Query("delete") != "true"
	orphans, err := h.scheduler.ReconcileRemote(c.Request.Context(), dryRun)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orphans": orphans, "dry_run": dryRun})
}

// Health reports backend connectivity.
func (h *Handler) Health(c *gin.Context) {
	ctx := c.Request.Context()

	dbStatus := "connected"
	if err := h.store.Ping(ctx); err != nil {
		dbStatus = fmt.Sprintf("error: %v", err)
	}
	redisStatus := "connected"
	if h.redis != nil {
		if err := h.redis.Ping(ctx); err != nil {
			redisStatus = fmt.Sprintf("error: %v", err)
		}
	}

	code := http.StatusOK
	status := "UP"
	if dbStatus != "connected" || redisStatus != "connected" {
		code = http.StatusInternalServerError
		status = "DOWN"
	}
	c.JSON(code, gin.H{"status": status, "database": dbStatus, "redis": redisStatus})
}

// authorizedVideo loads the requested video and enforces ownership.
func (h *Handler) authorizedVideo(c *gin.Context) (*models.Video, bool) {
	video, err := h.store.GetVideo(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrVideoNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "video not found"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load video"})
		return nil, false
	}
	if !c.GetBool("is_admin") && video.OwnerID != c.GetString("user_id") {
		c.JSON(http.StatusForbidden, gin.H{"error": "not your video"})
		return nil, false
	}
	return video, true
}

func (h *Handler) kickPoll(ctx context.Context) {
	if h.kicker == nil {
		return
	}
	if err := h.kicker.KickPoll(ctx); err != nil {
		log.Printf("api: failed to kick poll: %v", err)
	}
}
