package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codyseavey/coin-tracker/internal/api/handlers"
	"github.com/codyseavey/coin-tracker/internal/config"
	"github.com/codyseavey/coin-tracker/internal/metrics"
	"github.com/codyseavey/coin-tracker/internal/services"
)

func SetupRouter(cfg *config.Config, refreshService *services.RefreshService, store services.SnapshotStore, governor *services.Governor, scheduler *services.Scheduler) *gin.Engine {
	router := gin.Default()
	router.Use(metricsMiddleware())

	frontendPath := cfg.FrontendDistPath
	serveFrontend := frontendPath != "" && dirExists(frontendPath)

	// CORS configuration - allow configured origins or the dev server defaults
	corsConfig := cors.DefaultConfig()
	if len(cfg.CORSAllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.CORSAllowedOrigins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:3000"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	corsConfig.AllowCredentials = false
	router.Use(cors.New(corsConfig))

	// Initialize handlers
	coinHandler := handlers.NewCoinHandler(refreshService, store, cfg.StaleAfter)
	historyHandler := handlers.NewHistoryHandler(refreshService)
	statusHandler := handlers.NewStatusHandler(governor, scheduler, store)

	// API routes
	api := router.Group("/api")
	{
		api.GET("/coins", coinHandler.GetCoins)
		api.GET("/portfolio", coinHandler.GetPortfolio)
		api.GET("/status", statusHandler.GetStatus)

		history := api.Group("/history")
		{
			history.POST("", historyHandler.CaptureHistory)
			history.GET("/:coinId", historyHandler.GetHistory)
		}
	}

	router.GET("/health", statusHandler.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Serve frontend static files
	if serveFrontend {
		indexPath := filepath.Join(frontendPath, "index.html")

		router.Static("/assets", filepath.Join(frontendPath, "assets"))
		router.StaticFile("/favicon.ico", filepath.Join(frontendPath, "favicon.ico"))

		router.GET("/", func(c *gin.Context) {
			c.File(indexPath)
		})

		// SPA fallback - serve index.html for all non-API routes
		router.NoRoute(func(c *gin.Context) {
			if strings.HasPrefix(c.Request.URL.Path, "/api") {
				c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "not found"})
				return
			}
			c.File(indexPath)
		})
	}

	return router
}

// metricsMiddleware records request counts and latency per route template
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		if path == "/metrics" {
			return
		}

		method := c.Request.Method
		metrics.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}
