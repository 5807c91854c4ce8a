package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"scangate/internal/auth"
	"scangate/internal/config"
	"scangate/internal/connectivity"
	"scangate/internal/directory"
	"scangate/internal/event"
	"scangate/internal/history"
	"scangate/internal/httpmiddleware"
	"scangate/internal/identifier"
	"scangate/internal/logging"
	"scangate/internal/notify"
	"scangate/internal/presence"
	"scangate/internal/queue"
	"scangate/internal/remote"
	"scangate/internal/scan"
	"scangate/internal/store"
	"scangate/internal/sweep"
	"scangate/internal/syncengine"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	logger, err := logging.New(cfg.Env)
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("station failed", zap.Error(err))
	}
}

func run(cfg config.App, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Warn("local postgres not reachable, audit log disabled", zap.Error(err))
		db = nil
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	remoteClient := remote.New(cfg.RemoteBaseURL, cfg.RemoteTimeout)

	policy := queue.Policy{
		MaxAttempts: cfg.MaxSyncAttempts,
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
	}
	var q queue.Queue
	var dir directory.Cache
	if cfg.QueueBackend == "memory" {
		q = queue.NewMemory(policy)
		dir = directory.NewMemory()
	} else {
		q = queue.NewRedis(redisClient.Client, "scangate:queue", policy)
		dir = directory.NewRedisCache(redisClient.Client, "scangate:directory")
	}

	proj := presence.NewProjection()
	notifier := notify.NewLog(logger)

	monitor := connectivity.New(
		connectivity.ProberFunc(remoteClient.Health),
		cfg.ProbeInterval, cfg.ProbeTimeout, cfg.ProbeFailures,
		logger.Named("connectivity"),
	)

	var hist *history.Repo
	if db != nil {
		hist = history.NewRepo(db.Client)
	}

	engineOpts := []syncengine.Option{
		syncengine.WithReseed(reseedToday(remoteClient, proj, cfg.DefaultActorID)),
	}
	if hist != nil {
		engineOpts = append(engineOpts, syncengine.WithHistory(hist))
	}
	engine := syncengine.New(
		q, remoteClient, monitor, notifier,
		cfg.SubmitTimeout, cfg.SyncInterval,
		logger.Named("sync"),
		engineOpts...,
	)

	var scanHist scan.History
	if hist != nil {
		scanHist = hist
	}
	pipeline := scan.New(
		identifier.NewResolver(cfg.BadgePrefix),
		dir, proj, q, remoteClient, monitor, scanHist,
		cfg.SubmitTimeout,
		logger.Named("scan"),
	)

	sweeper := sweep.New(dir, proj, q, remoteClient, monitor, notifier, logger.Named("sweep"))
	if hist != nil {
		sweeper.WithHistory(hist)
	}

	go monitor.Run(ctx)
	go engine.Run(ctx)
	go pipeline.Run(ctx)

	if n, err := directory.Preload(ctx, dir, remoteClient); err != nil {
		logger.Warn("directory preload failed, serving from cache", zap.Error(err))
	} else {
		logger.Info("directory preloaded", zap.Int("subjects", n))
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Healthy(c.Request.Context())
		status := http.StatusOK
		if !redisHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"status": "ok",
			"redis":  redisHealthy,
			"db":     dbHealthy,
			"uplink": monitor.Online(),
		})
	})

	r.POST("/v1/stations/register", func(c *gin.Context) {
		var req struct {
			StationID string `json:"station_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		tokens, err := auth.Issue(req.StationID, "station", cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	authGroup := r.Group("/v1", auth.StationAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	authGroup.POST("/scans", func(c *gin.Context) {
		var req struct {
			Raw  string `json:"raw" binding:"required"`
			Mode string `json:"mode"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		mode := event.Mode(req.Mode)
		if req.Mode != "" && !mode.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown mode"})
			return
		}
		res, err := pipeline.Process(c.Request.Context(), scan.Request{
			Raw:     req.Raw,
			Mode:    mode,
			ActorID: actorFrom(c, cfg.DefaultActorID),
		})
		if err != nil {
			c.JSON(scanErrStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res)
	})

	authGroup.GET("/queue", func(c *gin.Context) {
		counts, err := q.Counts(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		failed, err := q.Errors(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"counts": counts, "errors": failed})
	})

	authGroup.POST("/sync", func(c *gin.Context) {
		stats, err := engine.SyncNow(c.Request.Context())
		if errors.Is(err, syncengine.ErrAlreadyRunning) {
			c.JSON(http.StatusAccepted, gin.H{"status": "already running"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	authGroup.DELETE("/queue/errors", func(c *gin.Context) {
		n, err := q.PurgeErrors(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"purged": n})
	})

	authGroup.POST("/sweeps", func(c *gin.Context) {
		var req struct {
			GroupID string `json:"group_id" binding:"required"`
			Date    string `json:"date"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		report, err := sweeper.Run(c.Request.Context(), actorFrom(c, cfg.DefaultActorID), req.GroupID, req.Date)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "report": report})
			return
		}
		c.JSON(http.StatusOK, report)
	})

	authGroup.GET("/events", func(c *gin.Context) {
		if hist == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit log not available"})
			return
		}
		limit, offset := 50, 0
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		if v := c.Query("offset"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				offset = parsed
			}
		}
		events, err := hist.List(c.Request.Context(), c.Query("subject_id"), c.Query("group_id"), c.Query("day"), limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	})

	authGroup.GET("/stats", func(c *gin.Context) {
		if !monitor.Online() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "central system unreachable"})
			return
		}
		stats, err := remoteClient.EntryExitStats(c.Request.Context(), actorFrom(c, cfg.DefaultActorID))
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	authGroup.POST("/directory/preload", func(c *gin.Context) {
		n, err := directory.Preload(c.Request.Context(), dir, remoteClient)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"subjects": n})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("station listening", zap.String("addr", srv.Addr), zap.String("station_id", cfg.StationID))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	// Stops the sync engine first; an aborted run reverts in-flight
	// entries before the process exits.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("forced shutdown", zap.Error(err))
	}
	logger.Info("station exited")
	return nil
}

// reseedToday replaces the local day projection with the central
// system's view, used right after the uplink returns.
func reseedToday(client *remote.Client, proj *presence.Projection, actorID string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		rows, err := client.DailyAttendance(ctx, actorID)
		if err != nil {
			return err
		}
		day := event.DayOf(time.Now().UTC())
		events := make([]event.AttendanceEvent, 0, len(rows))
		for _, row := range rows {
			events = append(events, event.AttendanceEvent{
				SubjectID:  row.SubjectID,
				Type:       row.EventType,
				OccurredAt: row.OccurredAt,
				Origin:     event.OriginOnline,
				SyncStatus: event.StatusConfirmed,
			})
		}
		proj.ReplaceDay(day, events)
		return nil
	}
}

func actorFrom(c *gin.Context, fallback string) string {
	if claimsAny, ok := c.Get("claims"); ok {
		if claims, ok := claimsAny.(auth.Claims); ok && claims.Subject != "" {
			return claims.Subject
		}
	}
	return fallback
}

func scanErrStatus(err error) int {
	switch {
	case errors.Is(err, identifier.ErrInvalidIdentifier):
		return http.StatusBadRequest
	case errors.Is(err, presence.ErrDuplicateEntry), errors.Is(err, presence.ErrDuplicateExit):
		return http.StatusConflict
	case errors.Is(err, scan.ErrScanInFlight):
		return http.StatusTooManyRequests
	case remote.IsRejection(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
