package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"omics-oracle/adapters"
	"omics-oracle/cache"
	"omics-oracle/config"
	"omics-oracle/models"
	"omics-oracle/providers"
	"omics-oracle/providers/europepmc"
	"omics-oracle/providers/openalex"
	"omics-oracle/providers/pubmed"
	"omics-oracle/providers/scholar"
	"omics-oracle/providers/semanticscholar"
	"omics-oracle/providers/unpaywall"
	"omics-oracle/ratelimit"
	"omics-oracle/services"
	"omics-oracle/storage"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

func apiKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APISecretKey == "" {
			c.Next()
			return
		}
		apiKey := c.GetHeader("X-API-KEY")
		if apiKey != cfg.APISecretKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Invalid API Key"})
			return
		}
		c.Next()
	}
}

func main() {
	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("Config load error", zap.Error(err))
	}

	pipeline := buildPipeline(cfg, logging)
	defaults := cfg.SearchDefaults()

	// Setup Router
	router := gin.Default()
	router.Use(gin.Recovery())
	router.Use(apiKeyAuthMiddleware(cfg))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	setupSearchRoutes(router, pipeline, defaults, logging)
	setupDatasetRoutes(router, pipeline, defaults, logging)
	setupHealthRoutes(router, pipeline)

	// Setup Cron: konfigurierte Queries periodisch aufwärmen, damit
	// das Dashboard aus dem Cache bedient wird
	cronScheduler := cron.New()
	if cfg.WarmQueries != "" {
		cronScheduler.AddFunc(cfg.CronSchedule, func() {
			warmQueries(pipeline, cfg, defaults, logging)
		})
		cronScheduler.Start()
	}

	logging.Info("Starting server", zap.String("port", cfg.HTTPPort))
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logging.Fatal("Failed to run server", zap.Error(err))
	}
}

// buildPipeline verdrahtet alle Komponenten aus der Konfiguration.
func buildPipeline(cfg *config.Config, logging *zap.Logger) *services.Pipeline {
	provs := map[string]providers.Provider{
		"pubmed":          pubmed.NewFetcher(cfg, logging),
		"europepmc":       europepmc.NewFetcher(cfg, logging),
		"semanticscholar": semanticscholar.NewFetcher(cfg, logging),
		"openalex":        openalex.NewFetcher(cfg, logging),
		"scholar":         scholar.NewFetcher(cfg, logging),
	}

	limiter := ratelimit.NewRegistry()
	defaults := cfg.SearchDefaults()
	for tag, sc := range defaults.Sources {
		limiter.Configure(tag, sc.RateInterval(), sc.MaxConcurrent)
	}

	var cacheTTL = time.Duration(cfg.CacheTTLDays) * 24 * time.Hour
	cacheLayer := cache.New(cfg.CacheURL, cacheTTL, logging)

	up := unpaywall.NewFetcher(cfg, logging)
	resolver := services.NewResolver(cfg, logging, up)
	downloader := services.NewDownloader(logging, cfg.PDFDir, cfg.MaxPDFBytes)
	s2 := semanticscholar.NewFetcher(cfg, logging)
	tracker := services.NewCitationTracker(logging, s2)

	pipeline := services.NewPipeline(logging, provs, limiter, cacheLayer,
		services.NewDeduplicator(logging), services.NewRanker(logging),
		resolver, downloader, tracker)

	if cfg.S3Enabled() {
		if mirror, err := storage.NewS3Mirror(cfg); err != nil {
			logging.Warn("S3-Mirror nicht verfügbar", zap.Error(err))
		} else {
			pipeline.Mirror = mirror
			logging.Info("S3-Mirror für PDFs aktiv", zap.String("bucket", cfg.S3Bucket))
		}
	}

	return pipeline
}

func setupSearchRoutes(router *gin.Engine, pipeline *services.Pipeline, defaults *config.SearchConfig, log *zap.Logger) {
	rg := router.Group("/search")

	rg.POST("/", func(c *gin.Context) {
		var body struct {
			Query    string                      `json:"query"`
			Config   *config.SearchConfig        `json:"config,omitempty"`
			Datasets []*models.GEOSeriesMetadata `json:"datasets,omitempty"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sc := body.Config
		if sc == nil {
			sc = defaults
		}
		result, err := pipeline.Search(c.Request.Context(), &services.Request{
			Query:    body.Query,
			Config:   sc,
			Datasets: body.Datasets,
		})
		if err != nil {
			writeSearchError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})

	// Legacy-Endpunkt des alten GEO-Dashboards
	rg.POST("/legacy", func(c *gin.Context) {
		var body adapters.LegacyRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		result, err := pipeline.Search(c.Request.Context(), &services.Request{
			Query:  body.Query(),
			Config: defaults,
		})
		if err != nil {
			writeSearchError(c, err)
			return
		}
		c.JSON(http.StatusOK, adapters.ToLegacyResponse(result))
	})
}

func setupDatasetRoutes(router *gin.Engine, pipeline *services.Pipeline, defaults *config.SearchConfig, log *zap.Logger) {
	rg := router.Group("/datasets")

	rg.POST("/citations", func(c *gin.Context) {
		var body struct {
			Datasets []*models.GEOSeriesMetadata `json:"datasets"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || len(body.Datasets) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "datasets required"})
			return
		}
		views := make([]*adapters.DatasetView, 0, len(body.Datasets))
		for _, ds := range body.Datasets {
			if err := ds.Validate(); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			ds.CitingPapers = pipeline.Tracker.TrackCitations(c.Request.Context(), ds, time.Now().Year())
			views = append(views, adapters.ToDatasetView(ds))
		}
		c.JSON(http.StatusOK, gin.H{"datasets": views})
	})
}

func setupHealthRoutes(router *gin.Engine, pipeline *services.Pipeline) {
	router.GET("/healthz", func(c *gin.Context) {
		status := gin.H{"status": "ok"}
		if pipeline.Cache != nil {
			if err := pipeline.Cache.Health(c.Request.Context()); err != nil {
				status["cache"] = "degraded"
			} else {
				status["cache"] = "ok"
			}
		}
		c.JSON(http.StatusOK, status)
	})
}

func writeSearchError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrDeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrCancelled):
		c.JSON(499, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// warmQueries führt die konfigurierten Warm-Queries aus, damit ihre
// Ergebnisse im Cache liegen.
func warmQueries(pipeline *services.Pipeline, cfg *config.Config, defaults *config.SearchConfig, log *zap.Logger) {
	for _, q := range strings.Split(cfg.WarmQueries, ";") {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		_, err := pipeline.Search(ctx, &services.Request{Query: q, Config: defaults})
		cancel()
		if err != nil {
			log.Error("Warm-Query fehlgeschlagen", zap.String("query", q), zap.Error(err))
		} else {
			log.Info("Warm-Query abgeschlossen", zap.String("query", q))
		}
	}
}
