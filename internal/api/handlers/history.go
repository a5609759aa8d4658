package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/codyseavey/coin-tracker/internal/models"
	"github.com/codyseavey/coin-tracker/internal/services"
)

const (
	defaultHistoryDays = 7
	maxHistoryDays     = 365
)

type HistoryHandler struct {
	refreshService *services.RefreshService
}

func NewHistoryHandler(refreshService *services.RefreshService) *HistoryHandler {
	return &HistoryHandler{
		refreshService: refreshService,
	}
}

// CaptureHistory records a history snapshot now. Capture is best-effort,
// so the response reports how many rows were written rather than failing.
func (h *HistoryHandler) CaptureHistory(c *gin.Context) {
	ctx := context.WithoutCancel(c.Request.Context())
	recorded := h.refreshService.CaptureHistory(ctx)

	message := fmt.Sprintf("History captured for %d coins", recorded)
	if recorded == 0 {
		message = "No new history recorded; upstream unavailable or snapshot already captured"
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"message":  message,
		"recorded": recorded,
	})
}

// GetHistory returns one coin's series for the last ?days=N days (default 7)
func (h *HistoryHandler) GetHistory(c *gin.Context) {
	coinID := strings.TrimSpace(c.Param("coinId"))
	if coinID == "" {
		respondError(c, http.StatusBadRequest, fmt.Errorf("coin id is required"))
		return
	}

	days, err := parseDays(c.Query("days"))
	if err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	records, err := h.refreshService.ReadHistory(c.Request.Context(), coinID, days)
	if err != nil {
		log.Errorf("Failed to load history for %s: %v", coinID, err)
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusOK, models.HistoryResponse{
		Success: true,
		Data:    records,
		CoinID:  coinID,
		Days:    days,
	})
}

func parseDays(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultHistoryDays, nil
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days < 1 || days > maxHistoryDays {
		return 0, fmt.Errorf("days must be an integer between 1 and %d", maxHistoryDays)
	}
	return days, nil
}
