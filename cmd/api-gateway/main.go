package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/lms-enrolment-api/api/swagger"
	"github.com/noah-isme/lms-enrolment-api/internal/handler"
	"github.com/noah-isme/lms-enrolment-api/internal/middleware"
	"github.com/noah-isme/lms-enrolment-api/internal/models"
	"github.com/noah-isme/lms-enrolment-api/internal/repository"
	"github.com/noah-isme/lms-enrolment-api/internal/service"
	"github.com/noah-isme/lms-enrolment-api/pkg/cache"
	"github.com/noah-isme/lms-enrolment-api/pkg/config"
	"github.com/noah-isme/lms-enrolment-api/pkg/database"
	"github.com/noah-isme/lms-enrolment-api/pkg/events"
	"github.com/noah-isme/lms-enrolment-api/pkg/jobs"
	"github.com/noah-isme/lms-enrolment-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/lms-enrolment-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/lms-enrolment-api/pkg/middleware/requestid"
	"github.com/noah-isme/lms-enrolment-api/pkg/storage"
)

// @title LMS Enrolment API
// @version 1.0.0
// @description Enrolment status propagation and plan reconciliation service
// @BasePath /
// @schemes http

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

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect redis", "error", err)
	}
	defer redisClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsService := service.NewMetricsService()

	var emitter events.Emitter
	if cfg.Events.Enabled {
		publisher := events.NewStreamPublisher(redisClient, events.StreamPublisherConfig{
			Stream:     cfg.Events.Stream,
			Workers:    cfg.Events.Workers,
			BufferSize: cfg.Events.BufferSize,
			MaxRetries: cfg.Events.MaxRetries,
			Logger:     logr,
		})
		publisher.Start(ctx)
		defer publisher.Stop()
		emitter = publisher
	}

	userRepo := repository.NewUserRepository(db)
	loRepo := repository.NewLearningObjectRepository(db)
	enrolmentRepo := repository.NewEnrolmentRepository(db)
	planRepo := repository.NewPlanRepository(db)
	groupRepo := repository.NewGroupRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	policy := service.NewAccessPolicy()
	cacheService := service.NewCacheService(cacheRepo, metricsService, cfg.Cache.TTL, logr, cfg.Cache.Enabled)

	authService := service.NewAuthService(userRepo, nil, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "lms-enrolment-api",
		Audience:           []string{"lms"},
	})
	userService := service.NewUserService(userRepo, nil, logr)
	progressService := service.NewProgressService(loRepo, enrolmentRepo, logr, metricsService)
	enrolmentService := service.NewEnrolmentService(enrolmentRepo, planRepo, progressService, policy, emitter, nil, logr, metricsService)
	planService := service.NewPlanService(planRepo, enrolmentRepo, loRepo, userRepo, groupRepo, policy, emitter, nil, logr, metricsService)

	authHandler := handler.NewAuthHandler(authService)
	userHandler := handler.NewUserHandler(userService)
	enrolmentHandler := handler.NewEnrolmentHandler(enrolmentService)
	planHandler := handler.NewPlanHandler(planService)
	metricsHandler := handler.NewMetricsHandler(metricsService)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.WithResponseMeta())
	r.Use(middleware.Metrics(metricsService))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	{
		auth := api.Group("/auth")
		{
			auth.POST("/login", authHandler.Login)
			auth.POST("/refresh", authHandler.Refresh)
			auth.POST("/logout", middleware.JWT(authService), authHandler.Logout)
			auth.POST("/change-password", middleware.JWT(authService), authHandler.ChangePassword)
			auth.GET("/me", middleware.JWT(authService), authHandler.Me)
		}

		users := api.Group("/users", middleware.JWT(authService))
		{
			users.GET("", middleware.RequireRoles(models.RoleAdmin, models.RoleManager), userHandler.List)
			users.GET("/:id", middleware.RBAC("ADMIN", "MANAGER", "SELF"), userHandler.Get)
			users.POST("", middleware.RequireRoles(models.RoleAdmin), userHandler.Create)
			users.PUT("/:id", middleware.RequireRoles(models.RoleAdmin), userHandler.Update)
			users.DELETE("/:id", middleware.RequireRoles(models.RoleAdmin), userHandler.Delete)
		}

		enrolments := api.Group("/enrolments", middleware.JWT(authService))
		{
			readCache := middleware.ResponseCache(cacheService, cfg.Cache.TTL)
			enrolments.GET("", readCache, enrolmentHandler.List)
			enrolments.GET("/:id", readCache, enrolmentHandler.Get)
			enrolments.GET("/:id/history", readCache, enrolmentHandler.History)
			enrolments.PUT("/:id/status",
				middleware.Audit(userRepo, models.AuditActionEnrolmentUpdate, "enrolments"),
				enrolmentHandler.UpdateStatus)
			enrolments.PUT("/:id/due-date", enrolmentHandler.SetDueDate)
			enrolments.POST("/:id/recalculate", enrolmentHandler.Recalculate)
			enrolments.DELETE("/:id",
				middleware.Audit(userRepo, models.AuditActionEnrolmentDelete, "enrolments"),
				enrolmentHandler.Delete)
		}

		plans := api.Group("/plans", middleware.JWT(authService))
		{
			plans.GET("/:id", planHandler.Get)
			plans.GET("/:id/history", planHandler.History)
			plans.POST("",
				middleware.RequireRoles(models.RoleAdmin, models.RoleManager, models.RoleAssessor),
				middleware.Audit(userRepo, models.AuditActionPlanAssign, "plans"),
				planHandler.Assign)
			plans.POST("/reassign",
				middleware.RequireRoles(models.RoleAdmin, models.RoleManager, models.RoleAssessor),
				middleware.Audit(userRepo, models.AuditActionPlanReassign, "plans"),
				planHandler.Reassign)
			plans.DELETE("/:id",
				middleware.RequireRoles(models.RoleAdmin, models.RoleManager),
				middleware.Audit(userRepo, models.AuditActionPlanArchive, "plans"),
				planHandler.Archive)
			plans.POST("/group",
				middleware.RequireRoles(models.RoleAdmin, models.RoleManager),
				planHandler.AssignGroup)
			plans.DELETE("/group/:id",
				middleware.RequireRoles(models.RoleAdmin, models.RoleManager),
				planHandler.ArchiveGroup)
		}

		if cfg.Reports.Enabled {
			wireReports(ctx, api, cfg, db, authService, logr)
		}
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}

func wireReports(ctx context.Context, api *gin.RouterGroup, cfg *config.Config, db *sqlx.DB, authService *service.AuthService, logr *zap.Logger) {
	reportRepo := repository.NewReportRepository(db)
	reportData := repository.NewReportDataRepository(db)

	local, err := storage.NewLocalStorage(cfg.Reports.StorageDir)
	if err != nil {
		logr.Sugar().Fatalw("failed to init report storage", "error", err)
	}
	signer := storage.NewSignedURLSigner(cfg.Reports.SignedURLSecret, cfg.Reports.SignedURLTTL)

	exportService := service.NewExportService(reportData, local, signer, service.ExportConfig{
		APIPrefix: cfg.APIPrefix,
		ResultTTL: cfg.Reports.SignedURLTTL,
	}, logr, nil, nil)

	worker := service.NewReportWorker(reportRepo, exportService, cfg.Reports.WorkerRetries, logr)
	queue := jobs.NewQueue("reports", worker.Handle, jobs.QueueConfig{
		Workers:    cfg.Reports.WorkerConcurrency,
		MaxRetries: cfg.Reports.WorkerRetries,
		Logger:     logr,
	})
	queue.Start(ctx)

	reportService := service.NewReportService(reportRepo, queue, exportService, logr, service.ReportServiceConfig{
		ResultTTL:       cfg.Reports.SignedURLTTL,
		CleanupInterval: cfg.Reports.CleanupInterval,
		MaxRetries:      cfg.Reports.WorkerRetries,
	})
	reportService.RecoverPendingJobs(ctx)
	reportService.StartCleanup(ctx)

	reportHandler := handler.NewReportHandler(reportService, exportService)
	reports := api.Group("/reports", middleware.JWT(authService))
	{
		reports.POST("/generate", reportHandler.GenerateReport)
		reports.GET("/status/:id", reportHandler.ReportStatus)
	}
	api.GET("/export/:token", reportHandler.Download)
}
