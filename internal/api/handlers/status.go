package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/codyseavey/coin-tracker/internal/services"
)

type StatusHandler struct {
	governor  *services.Governor
	scheduler *services.Scheduler
	store     services.SnapshotStore
}

func NewStatusHandler(governor *services.Governor, scheduler *services.Scheduler, store services.SnapshotStore) *StatusHandler {
	return &StatusHandler{
		governor:  governor,
		scheduler: scheduler,
		store:     store,
	}
}

// GetStatus reports upstream governor and scheduler state
func (h *StatusHandler) GetStatus(c *gin.Context) {
	data := gin.H{
		"governor": h.governor.Status(),
	}
	if h.scheduler != nil {
		data["scheduler"] = h.scheduler.GetStatus()
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

// Health checks liveness and database connectivity
func (h *StatusHandler) Health(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		log.Warnf("Health check: database unreachable: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"success":  false,
			"status":   "degraded",
			"database": "disconnected",
			"error":    err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"status":   "ok",
		"database": "connected",
	})
}
