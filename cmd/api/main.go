package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/schoolworks/finance-api/api/swagger"
	"github.com/schoolworks/finance-api/internal/events"
	"github.com/schoolworks/finance-api/internal/handler"
	internalmiddleware "github.com/schoolworks/finance-api/internal/middleware"
	"github.com/schoolworks/finance-api/internal/models"
	"github.com/schoolworks/finance-api/internal/repository"
	"github.com/schoolworks/finance-api/internal/service"
	"github.com/schoolworks/finance-api/pkg/cache"
	"github.com/schoolworks/finance-api/pkg/config"
	"github.com/schoolworks/finance-api/pkg/database"
	"github.com/schoolworks/finance-api/pkg/jobs"
	"github.com/schoolworks/finance-api/pkg/logger"
	corsmiddleware "github.com/schoolworks/finance-api/pkg/middleware/cors"
	reqidmiddleware "github.com/schoolworks/finance-api/pkg/middleware/requestid"
	"github.com/schoolworks/finance-api/pkg/storage"
)

// @title School Finance API
// @version 1.0.0
// @description Fee ledger, payments and expense tracking for schools
// @BasePath /api/v1
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
		logr.Sugar().Fatalw("failed to connect database", "error", err)
	}
	defer db.Close() //nolint:errcheck

	if cfg.Database.AutoMigrate {
		if err := database.RunMigrations(db); err != nil {
			logr.Sugar().Fatalw("failed to run migrations", "error", err)
		}
	}

	validate := validator.New()
	metricsService := service.NewMetricsService()

	var cacheService *service.CacheService
	if cfg.Fees.CacheEnabled {
		redisClient, err := cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Sugar().Fatalw("failed to connect redis", "error", err)
		}
		defer redisClient.Close() //nolint:errcheck
		cacheService = service.NewCacheService(repository.NewCacheRepository(redisClient), metricsService, cfg.Fees.ListCacheTTL, logr, true)
	}

	var publisher events.Publisher
	if cfg.Events.AMQPURL != "" {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.Events.AMQPURL, cfg.Events.Exchange, cfg.Events.Queue, logr)
		if err != nil {
			logr.Sugar().Fatalw("failed to connect message broker", "error", err)
		}
		defer amqpPublisher.Close() //nolint:errcheck
		publisher = amqpPublisher
	}

	userRepo := repository.NewUserRepository(db)
	classRepo := repository.NewClassRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	feeRepo := repository.NewFeeRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	expenseRepo := repository.NewExpenseRepository(db)
	statementRepo := repository.NewStatementRepository(db)

	authService := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "school-finance-api",
	})
	ledgerService := service.NewLedgerService(feeRepo, paymentRepo, userRepo, cacheService, metricsService, publisher, validate, logr)
	feeService := service.NewFeeService(feeRepo, studentRepo, classRepo, userRepo, cacheService, validate, logr, cfg.Fees.ListCacheTTL, cfg.Fees.SummaryCacheTTL)
	studentService := service.NewStudentService(studentRepo, classRepo, validate, logr)
	expenseService := service.NewExpenseService(expenseRepo, userRepo, validate, logr)
	importService := service.NewImportService(userRepo, studentRepo, classRepo, userRepo, logr, cfg.Imports.MaxRows)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var statementService *service.StatementService
	if cfg.Statements.Enabled {
		store, err := storage.NewLocalStorage(cfg.Statements.StorageDir)
		if err != nil {
			logr.Sugar().Fatalw("failed to prepare statement storage", "error", err)
		}
		signer := storage.NewSignedURLSigner(cfg.Statements.SignedURLSecret, cfg.Statements.SignedURLTTL)
		statementService = service.NewStatementService(statementRepo, feeRepo, paymentRepo, studentRepo, store, signer, metricsService, logr, "School Finance Office")

		queue := jobs.NewQueue("statements", statementService.Process, jobs.QueueConfig{
			Workers:    cfg.Statements.WorkerConcurrency,
			MaxRetries: cfg.Statements.WorkerRetries,
			Logger:     logr,
		})
		statementService.SetQueue(queue)
		queue.Start(rootCtx)
		defer queue.Stop()

		go runStatementCleanup(rootCtx, statementService, cfg.Statements.CleanupInterval, cfg.Statements.SignedURLTTL, logr)
	}

	router := buildRouter(cfg, logr, metricsService, authService, userRepo, handlers{
		auth:       handler.NewAuthHandler(authService),
		fees:       handler.NewFeeHandler(feeService),
		payments:   handler.NewPaymentHandler(ledgerService),
		students:   handler.NewStudentHandler(studentService),
		expenses:   handler.NewExpenseHandler(expenseService),
		imports:    handler.NewImportHandler(importService, cfg.Imports.MaxFileSize),
		statements: handler.NewStatementHandler(statementService),
		metrics:    handler.NewMetricsHandler(metricsService),
	}, cfg.Imports.Enabled, cfg.Statements.Enabled)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", server.Addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Errorw("server failed", "error", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}

type handlers struct {
	auth       *handler.AuthHandler
	fees       *handler.FeeHandler
	payments   *handler.PaymentHandler
	students   *handler.StudentHandler
	expenses   *handler.ExpenseHandler
	imports    *handler.ImportHandler
	statements *handler.StatementHandler
	metrics    *handler.MetricsHandler
}

func buildRouter(cfg *config.Config, logr *zap.Logger, metricsService *service.MetricsService, authService *service.AuthService, userRepo *repository.UserRepository, h handlers, importsEnabled, statementsEnabled bool) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(internalmiddleware.Metrics(metricsService))

	r.GET("/health", h.metrics.Health)
	r.GET("/ready", h.metrics.Health)
	r.GET("/metrics", h.metrics.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	auth.POST("/login", h.auth.Login)
	auth.POST("/refresh", h.auth.Refresh)

	authSecured := api.Group("/auth", internalmiddleware.JWT(authService))
	authSecured.POST("/logout", h.auth.Logout)
	authSecured.PUT("/password", h.auth.ChangePassword)
	authSecured.GET("/me", h.auth.Me)

	secured := api.Group("", internalmiddleware.JWT(authService))

	secured.GET("/fees", h.fees.List)
	secured.GET("/fees/:id", h.fees.Get)
	secured.GET("/fees/:id/payments", h.payments.ListForFee)
	secured.GET("/classes/:id/collection", h.fees.ClassSummary)

	manage := secured.Group("", internalmiddleware.RequireLedgerManager())
	manage.POST("/fees", h.fees.Create)
	manage.PUT("/fees/:id", h.fees.Update)
	manage.DELETE("/fees/:id", h.fees.Delete)

	secured.GET("/payments", h.payments.List)
	manage.POST("/payments",
		internalmiddleware.Audit(userRepo, models.AuditActionPaymentRecord, "payment"), h.payments.Record)
	manage.PUT("/payments/:id",
		internalmiddleware.Audit(userRepo, models.AuditActionPaymentEdit, "payment"), h.payments.Edit)
	manage.DELETE("/payments/:id",
		internalmiddleware.Audit(userRepo, models.AuditActionPaymentDelete, "payment"), h.payments.Delete)

	secured.GET("/students", internalmiddleware.RequireRoles(models.RoleAdmin, models.RoleAccountant, models.RoleTeacher), h.students.List)
	secured.GET("/students/:id", internalmiddleware.RequireRoles(models.RoleAdmin, models.RoleAccountant, models.RoleTeacher), h.students.Get)
	secured.GET("/classes", h.students.ListClasses)

	admin := secured.Group("", internalmiddleware.RequireRoles(models.RoleAdmin))
	admin.POST("/students", h.students.Create)
	admin.PUT("/students/:id", h.students.Update)
	admin.DELETE("/students/:id", h.students.Delete)
	if importsEnabled {
		admin.POST("/students/import",
			internalmiddleware.Audit(userRepo, models.AuditActionStudentImport, "student"), h.imports.Import)
	}

	manage.GET("/expenses", h.expenses.List)
	manage.GET("/expenses/summary", h.expenses.Summary)
	manage.GET("/expenses/:id", h.expenses.Get)
	manage.POST("/expenses", h.expenses.Create)
	manage.PUT("/expenses/:id", h.expenses.Update)
	manage.DELETE("/expenses/:id", h.expenses.Delete)

	if statementsEnabled {
		manage.POST("/statements", h.statements.Enqueue)
		manage.GET("/statements/:id", h.statements.Get)
		manage.GET("/payments/:id/receipt", h.statements.Receipt)
		api.GET("/statements/download", h.statements.Download)
	}

	return r
}

func runStatementCleanup(ctx context.Context, statements *service.StatementService, interval, ttl time.Duration, logr *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := statements.Cleanup(ctx, ttl); err != nil {
				logr.Sugar().Warnw("statement cleanup failed", "error", err)
			}
		}
	}
}
