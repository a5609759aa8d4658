package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/codyseavey/coin-tracker/internal/models"
	"github.com/codyseavey/coin-tracker/internal/services"
)

type CoinHandler struct {
	refreshService *services.RefreshService
	store          services.SnapshotStore
	staleAfter     time.Duration
}

func NewCoinHandler(refreshService *services.RefreshService, store services.SnapshotStore, staleAfter time.Duration) *CoinHandler {
	if staleAfter <= 0 {
		staleAfter = services.DefaultStaleAfter
	}
	return &CoinHandler{
		refreshService: refreshService,
		store:          store,
		staleAfter:     staleAfter,
	}
}

// GetCoins returns the current snapshot, refreshing first when it is stale.
// Query params: sort (rank, price, market_cap, change_24h, name), order (asc, desc), search.
func (h *CoinHandler) GetCoins(c *gin.Context) {
	query := models.CoinQuery{
		SortBy:     models.ParseCoinSortField(c.Query("sort")),
		Descending: strings.EqualFold(c.Query("order"), "desc"),
		Search:     c.Query("search"),
	}

	// A disconnecting client must not abort a retry sequence in progress
	ctx := context.WithoutCancel(c.Request.Context())

	coins, err := h.refreshService.GetCurrent(ctx, query, h.staleAfter)
	if err != nil {
		log.Errorf("Failed to load coins: %v", err)
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"data":      coins,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// GetPortfolio summarizes the stored snapshot without calling upstream
func (h *CoinHandler) GetPortfolio(c *gin.Context) {
	coins, err := h.store.ReadCurrent(c.Request.Context(), models.CoinQuery{})
	if err != nil {
		log.Errorf("Failed to load portfolio: %v", err)
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    models.BuildPortfolio(coins),
	})
}

func respondError(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{
		"success": false,
		"error":   err.Error(),
	})
}
