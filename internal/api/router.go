// Package api exposes the worker's HTTP surface: video submission, status
// and note reads, queue control, and admin maintenance operations.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter builds the gin engine with all routes mounted.
func NewRouter(h *Handler, jwtSecret []byte) *gin.Engine {
	router := gin.Default()

	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	api.Use(Auth(jwtSecret))
	{
		api.POST("/videos", h.SubmitVideo)
		api.GET("/videos", h.ListVideos)
		api.GET("/videos/:id/status", h.VideoStatus)
		api.GET("/videos/:id/notes", h.VideoNotes)
		api.POST("/videos/:id/analyze", h.RequestAnalysis)
		api.DELETE("/videos/:id", h.DeleteVideo)

		admin := api.Group("/admin")
		admin.Use(AdminOnly())
		{
			admin.POST("/tasks/run", h.RunPendingTasks)
			admin.GET("/tasks/pending", h.PendingTasks)
			admin.GET("/tasks/exhausted", h.ExhaustedTasks)
			admin.POST("/analyze-unprocessed", h.AnalyzeUnprocessed)
			admin.POST("/reconcile", h.Reconcile)
			admin.PUT("/users", h.UpsertUser)
		}
	}

	return router
}
