package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ai-dispatch/core"
	"ai-dispatch/core/security"
	"ai-dispatch/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)
	log.SetFormatter(&logrus.JSONFormatter{})

	// 日志同时写终端和轮转文件
	if rotator, err := core.NewLogRotator("dispatch.log", 50); err == nil {
		log.SetOutput(io.MultiWriter(os.Stdout, rotator))
	} else {
		log.Warnf("Failed to open log file, logging to stdout only: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)

	// 密钥材料缺失属于启动致命错误
	vault, err := security.NewVault(os.Getenv("DISPATCH_VAULT_SECRET"))
	if err != nil {
		log.Fatal("Failed to initialize credential vault (set DISPATCH_VAULT_SECRET): ", err)
	}
	if err := vault.SelfTest(); err != nil {
		log.Fatal("Credential vault self-test failed: ", err)
	}

	db, err := initDatabase(log)
	if err != nil {
		log.Fatal("Failed to initialize database: ", err)
	}

	// 惰性迁移历史明文凭证
	if err := core.MigrateCredentials(db, vault, log); err != nil {
		log.Fatal("Failed to migrate plaintext credentials: ", err)
	}

	resolver := core.NewResolver(db, log, core.NewMemoryConfigCache())
	hub := core.NewEventHub(log)
	defer hub.Close()

	engine := gin.New()
	engine.Use(gin.RecoveryWithWriter(log.Writer()))
	engine.Use(corsMiddleware())

	setupRoutes(engine, db, log, resolver, hub, vault)

	var settings models.ServiceSettings
	port := 8000
	if err := db.First(&settings).Error; err == nil && settings.Port != 0 {
		port = settings.Port
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: engine,
	}

	go func() {
		log.Infof("Starting AI Dispatch Gateway on port %d", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server: ", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}

	log.Info("Server exited")
}

// initDatabase 初始化数据库
func initDatabase(log *logrus.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open("dispatch.db"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Error),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	adminKey, err := models.InitializeDefaultData(db)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize default data: %w", err)
	}
	if adminKey != "" {
		// 只在首次启动时打印一次
		log.Infof("Generated initial admin key: %s", adminKey)
	}

	log.Info("Database initialized successfully")
	return db, nil
}

// setupRoutes 设置路由
func setupRoutes(engine *gin.Engine, db *gorm.DB, log *logrus.Logger,
	resolver *core.Resolver, hub *core.EventHub, vault *security.Vault) {

	// 公开路由 - 无需鉴权
	engine.GET("/", handleRoot())
	engine.GET("/health", handleHealth(vault))

	// 解析接口 - 业务调用方使用
	api := engine.Group("/v1")
	api.Use(requestLoggerMiddleware(log))
	api.Use(AdminAuthMiddleware(db))
	{
		api.GET("/route/:task_type", handleResolveRoute(resolver, vault))
	}

	// 管理API路由组
	admin := engine.Group("/admin")
	admin.Use(RateLimitMiddleware())
	admin.Use(AdminAuthMiddleware(db))
	{
		// 租户管理
		admin.GET("/tenants", handleListTenants(db))
		admin.POST("/tenants", handleCreateTenant(db))
		admin.DELETE("/tenants/:tenant_id", handleDeleteTenant(db, resolver, hub))

		// 后端管理
		admin.GET("/tenants/:tenant_id/providers", handleListProviders(db, vault))
		admin.POST("/tenants/:tenant_id/providers", handleCreateProvider(db, resolver, hub, vault))
		admin.PUT("/providers/:provider_id", handleUpdateProvider(db, resolver, hub, vault))
		admin.DELETE("/providers/:provider_id", handleDeleteProvider(db, resolver, hub))

		// 任务分配管理
		admin.GET("/tenants/:tenant_id/assignments", handleListAssignments(db))
		admin.PUT("/tenants/:tenant_id/assignments", handlePutAssignment(db, resolver, hub))
		admin.DELETE("/assignments/:assignment_id", handleDeleteAssignment(db, resolver, hub))

		// 缓存控制与事件订阅
		admin.POST("/tenants/:tenant_id/reload", handleReload(resolver, hub))
		admin.GET("/events", handleEvents(hub))
	}
}
