package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/lyceum-overseas/visa-ops-api/api/swagger"
	"github.com/lyceum-overseas/visa-ops-api/internal/handler"
	"github.com/lyceum-overseas/visa-ops-api/internal/middleware"
	"github.com/lyceum-overseas/visa-ops-api/internal/models"
	"github.com/lyceum-overseas/visa-ops-api/internal/repository"
	"github.com/lyceum-overseas/visa-ops-api/internal/service"
	"github.com/lyceum-overseas/visa-ops-api/pkg/cache"
	"github.com/lyceum-overseas/visa-ops-api/pkg/config"
	"github.com/lyceum-overseas/visa-ops-api/pkg/database"
	"github.com/lyceum-overseas/visa-ops-api/pkg/jobs"
	"github.com/lyceum-overseas/visa-ops-api/pkg/logger"
	corsmiddleware "github.com/lyceum-overseas/visa-ops-api/pkg/middleware/cors"
	reqidmiddleware "github.com/lyceum-overseas/visa-ops-api/pkg/middleware/requestid"
	"github.com/lyceum-overseas/visa-ops-api/pkg/storage"
)

// @title Visa Operations API
// @version 1.0.0
// @description Visa case workflow engine for overseas-education consultancies
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close() //nolint:errcheck

	metricsSvc := service.NewMetricsService()

	var cacheSvc *service.CacheService
	if cfg.Cache.Enabled {
		redisClient, err := cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Sugar().Fatalw("failed to connect to redis", "error", err)
		}
		defer redisClient.Close() //nolint:errcheck
		cacheRepo := repository.NewCacheRepository(redisClient, logr)
		cacheSvc = service.NewCacheService(cacheRepo, metricsSvc, cfg.Cache.TTL, logr, true)
	}

	userRepo := repository.NewUserRepository(db)
	contactRepo := repository.NewContactRepository(db)
	caseRepo := repository.NewCaseRepository(db)
	dsRepo := repository.NewDsRepository(db)
	analyticsRepo := repository.NewAnalyticsRepository(db)
	exportRepo := repository.NewExportRepository(db)

	authSvc := service.NewAuthService(userRepo, nil, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "visa-ops-api",
	})

	caseSvc := service.NewCaseService(caseRepo, dsRepo, contactRepo, userRepo, cacheSvc, logr, service.CaseServiceConfig{
		VopNumberPrefix: cfg.Workflow.VopNumberPrefix,
		Consulates:      cfg.Workflow.Consulates,
	})

	docStore, err := storage.NewLocalStorage(cfg.Documents.StorageDir)
	if err != nil {
		logr.Sugar().Fatalw("failed to init document storage", "error", err)
	}
	docSigner := storage.NewSignedURLSigner(cfg.Documents.SignedURLSecret, cfg.Documents.SignedURLTTL)

	dsSvc := service.NewDsService(dsRepo, caseRepo, docStore, docSigner, userRepo, cacheSvc, metricsSvc, logr, service.DsServiceConfig{
		MaxFileSize:  cfg.Documents.MaxFileSizeBytes,
		AllowedMIMEs: cfg.Documents.AllowedMIMEs,
	})

	analyticsSvc := service.NewAnalyticsService(analyticsRepo, cacheSvc, metricsSvc, logr)

	var exportJobSvc *service.ExportJobService
	if cfg.Exports.Enabled {
		exportStore, err := storage.NewLocalStorage(cfg.Exports.StorageDir)
		if err != nil {
			logr.Sugar().Fatalw("failed to init export storage", "error", err)
		}
		exportSigner := storage.NewSignedURLSigner(cfg.Exports.SignedURLSecret, cfg.Exports.SignedURLTTL)
		exportSvc := service.NewExportService(caseRepo, dsRepo, exportStore, exportSigner, service.ExportConfig{
			APIPrefix: cfg.APIPrefix,
			ResultTTL: cfg.Exports.SignedURLTTL,
		}, logr, nil, nil)

		worker := service.NewExportWorker(exportRepo, exportSvc, cfg.Exports.WorkerRetries, logr)
		queue := jobs.NewQueue("exports", worker.Handle, jobs.QueueConfig{
			Workers:    cfg.Exports.WorkerConcurrency,
			MaxRetries: cfg.Exports.WorkerRetries,
			Logger:     logr,
		})
		queue.Start(ctx)
		defer queue.Stop()

		exportJobSvc = service.NewExportJobService(exportRepo, queue, exportSvc, userRepo, logr, service.ExportJobServiceConfig{
			ResultTTL:       cfg.Exports.SignedURLTTL,
			CleanupInterval: cfg.Exports.CleanupInterval,
			MaxRetries:      cfg.Exports.WorkerRetries,
		})
		exportJobSvc.RecoverPendingJobs(ctx)
		exportJobSvc.StartCleanup(ctx)
	}

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.WithResponseMeta())
	r.Use(middleware.Metrics(metricsSvc))

	metricsHandler := handler.NewMetricsHandler(metricsSvc)
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	userSvc := service.NewUserService(userRepo, nil, logr)

	authHandler := handler.NewAuthHandler(authSvc)
	userHandler := handler.NewUserHandler(userSvc)
	caseHandler := handler.NewCaseHandler(caseSvc)
	dsHandler := handler.NewDsHandler(dsSvc, cfg.APIPrefix)
	analyticsHandler := handler.NewAnalyticsHandler(analyticsSvc)

	v1 := r.Group(cfg.APIPrefix)

	auth := v1.Group("/auth")
	auth.POST("/login", authHandler.Login)
	auth.POST("/refresh", authHandler.Refresh)
	auth.POST("/logout", middleware.JWT(authSvc), authHandler.Logout)
	auth.POST("/change-password", middleware.JWT(authSvc), authHandler.ChangePassword)
	auth.GET("/me", middleware.JWT(authSvc), authHandler.Me)

	staffOnly := middleware.RequireRoles(models.RoleAdmin, models.RoleStaff)
	adminOnly := middleware.RequireRoles(models.RoleAdmin)
	studentOnly := middleware.RequireRoles(models.RoleStudent)

	secured := v1.Group("")
	secured.Use(middleware.JWT(authSvc))

	users := secured.Group("/users", adminOnly)
	users.GET("", userHandler.List)
	users.GET("/:id", userHandler.Get)
	users.POST("", userHandler.Create)
	users.PUT("/:id", userHandler.Update)
	users.DELETE("/:id", userHandler.Delete)

	secured.GET("/consulates", caseHandler.Consulates)

	cases := secured.Group("/cases")
	cases.POST("", staffOnly, caseHandler.Create)
	cases.GET("", staffOnly, caseHandler.List)
	cases.GET("/:id", caseHandler.Get)
	cases.GET("/:id/related", staffOnly, caseHandler.Related)
	cases.PUT("/:id/cgi", staffOnly, caseHandler.SetCgi)
	cases.PUT("/:id/slot-booking", staffOnly, caseHandler.SetSlotBooking)
	cases.POST("/:id/slot-booking/preferences", studentOnly, caseHandler.SubmitSlotPreferences)
	cases.PUT("/:id/interview-outcome", staffOnly, caseHandler.SetInterviewOutcome)

	cases.PUT("/:id/ds", staffOnly, dsHandler.SetData)
	cases.PUT("/:id/ds/start-date", staffOnly, dsHandler.SetStartDate)
	cases.POST("/:id/ds/student-accept", studentOnly, dsHandler.StudentAccept)
	cases.POST("/:id/ds/student-reject", studentOnly, dsHandler.StudentReject)
	cases.POST("/:id/ds/staff-accept", staffOnly, dsHandler.StaffAccept)
	cases.POST("/:id/ds/admin-accept", adminOnly, dsHandler.AdminAccept)
	cases.POST("/:id/ds/admin-reject", adminOnly, dsHandler.AdminReject)
	cases.POST("/:id/ds/documents", staffOnly, dsHandler.AttachDocument)
	cases.DELETE("/:id/ds/documents/:docId", staffOnly, dsHandler.DeleteDocument)

	secured.GET("/documents/:docId/url", dsHandler.DocumentURL)
	v1.GET("/documents/:docId/download", middleware.OptionalJWT(authSvc), middleware.Audit(userRepo, models.AuditActionDocumentDownload, "document"), dsHandler.DownloadDocument)

	analytics := secured.Group("/analytics", staffOnly)
	analytics.GET("/pipeline", analyticsHandler.Pipeline)
	analytics.GET("/outcomes", analyticsHandler.Outcomes)
	analytics.GET("/expiring", analyticsHandler.ExpiringForms)
	analytics.GET("/system", analyticsHandler.SystemMetrics)

	if exportJobSvc != nil {
		exportHandler := handler.NewExportHandler(exportJobSvc)
		secured.POST("/exports/register", staffOnly, exportHandler.CreateRegisterExport)
		cases.POST("/:id/export", staffOnly, exportHandler.CreateCaseExport)
		secured.GET("/exports/:id", staffOnly, exportHandler.GetStatus)
		v1.GET("/exports/download/:token", middleware.Audit(userRepo, models.AuditActionExportDownload, "export"), exportHandler.Download)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Warnw("graceful shutdown failed", "error", err)
	}
}
