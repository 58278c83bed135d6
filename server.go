package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}

func apiKeyAuthMiddleware(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}
		if c.GetHeader("X-API-KEY") != key {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Invalid API Key"})
			return
		}
		c.Next()
	}
}

func (a *app) router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected := router.Group("/", apiKeyAuthMiddleware(a.cfg.APISecretKey))
	protected.GET("/progress", func(c *gin.Context) {
		cursors, err := a.cursors.All(c.Request.Context())
		if err != nil {
			a.logger.Error("Failed to read cursors", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		counts, err := a.studies.CountByStatus(c.Request.Context())
		if err != nil {
			a.logger.Error("Failed to count studies", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"cursors": cursors, "studies": counts})
	})
	return router
}

// serve runs the full sync on the configured schedule and exposes the HTTP endpoints until ctx
// is cancelled.
func (a *app) serve(ctx context.Context) error {
	if a.cfg.LogMode != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	cl := cronLogger{log: a.logger.Sugar()}
	scheduler := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	_, err := scheduler.AddFunc(a.cfg.CronSchedule, func() {
		a.logger.Info("Running scheduled sync...")
		st, err := a.sync.SyncAll(ctx)
		if err != nil {
			a.logger.Error("Scheduled sync failed", zap.Error(err))
			return
		}
		a.logger.Info("Scheduled sync completed", zap.Int("processed", st.Processed), zap.Int("finalized", st.Finalized))
	})
	if err != nil {
		return err
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	a.logger.Info("Starting server", zap.String("port", a.cfg.HTTPPort), zap.String("schedule", a.cfg.CronSchedule))
	srv := &http.Server{
		Addr:              ":" + a.cfg.HTTPPort,
		Handler:           a.router(),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		a.logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
