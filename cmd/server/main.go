// Package main 是应用程序的入口点。
package main

import (
	"context"
	"doctrine-agent-go/internal/config"
	"doctrine-agent-go/internal/handler"
	"doctrine-agent-go/internal/middleware"
	"doctrine-agent-go/internal/pipeline"
	"doctrine-agent-go/internal/repository"
	"doctrine-agent-go/internal/service"
	"doctrine-agent-go/pkg/database"
	"doctrine-agent-go/pkg/embedding"
	"doctrine-agent-go/pkg/kafka"
	"doctrine-agent-go/pkg/llm"
	"doctrine-agent-go/pkg/log"
	"doctrine-agent-go/pkg/storage"
	"doctrine-agent-go/pkg/tika"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 初始化配置
	configPath := os.Getenv("AGENT_CONFIG")
	if configPath == "" {
		configPath = "./configs/config.yaml"
	}
	config.Init(configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化可选的基础设施：未配置的组件直接跳过
	if cfg.Database.MySQL.DSN != "" {
		database.InitMySQL(cfg.Database.MySQL.DSN)
		defer database.CloseMySQL()
	}
	if cfg.Database.Redis.Addr != "" {
		database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
		defer database.CloseRedis()
	}
	if cfg.MinIO.Endpoint != "" {
		storage.InitMinIO(cfg.MinIO)
	}
	if cfg.Kafka.Brokers != "" {
		kafka.InitProducer(cfg.Kafka)
	}

	// 4. 初始化 Repository
	var queryLogRepo repository.QueryLogRepository
	if database.DB != nil {
		queryLogRepo = repository.NewQueryLogRepository(database.DB)
	}
	extractCache := repository.NewExtractCacheRepository(database.RDB, time.Duration(cfg.Documents.ExtractCacheTTLHours)*time.Hour)

	// 5. 初始化模型客户端
	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	tikaClient := tika.NewClient(cfg.Tika)
	embeddingClient, err := embedding.NewClient(rootCtx, cfg.Embedding)
	if err != nil {
		log.Fatal("初始化 Embedding 客户端失败", err)
	}
	llmClient, err := llm.NewClient(rootCtx, cfg.LLM)
	if err != nil {
		log.Fatal("初始化 LLM 客户端失败", err)
	}

	// 6. 初始化 Service (依赖注入)
	var loader service.DocumentLoader = service.LocalLoader{}
	if cfg.Documents.Source == "minio" {
		if !storage.Enabled() {
			log.Fatalf("documents.source 为 minio，但未配置 minio.endpoint")
		}
		loader = service.MinIOLoader{BucketName: cfg.MinIO.BucketName}
	}
	var archiver service.Archiver
	if storage.Enabled() && cfg.MinIO.ArchiveUploads {
		archiver = service.MinIOArchiver{BucketName: cfg.MinIO.BucketName}
	}
	var publish service.PublishFunc
	if kafka.Enabled() {
		publish = kafka.ProduceQueryLogTask
	}

	processor := pipeline.NewProcessor(tikaClient, extractCache, cfg.Chunking, cfg.Embedding)
	documentService := service.NewDocumentService(cfg.Documents, cfg.Server.MaxUploadMB, loader, archiver)
	queryLogService := service.NewQueryLogService(queryLogRepo, publish)
	retrievalService := service.NewRetrievalService(cfg.Retrieval, cfg.LLM.Prompt.NoResultText)
	agentService := service.NewAgentService(
		documentService,
		processor,
		retrievalService,
		embeddingClient,
		llmClient,
		queryLogService,
		cfg.Retrieval.Memory,
		cfg.LLM,
	)

	// 7. 启动后台 Kafka 消费者，把查询日志落库
	if kafka.Enabled() && queryLogRepo != nil {
		go kafka.StartConsumer(rootCtx, cfg.Kafka, pipeline.NewQueryLogProcessor(queryLogRepo))
	}

	// 7.1 预热默认文档的文本提取缓存
	go warmDefaultDocuments(rootCtx, documentService, processor)

	// 8. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.MaxMultipartMemory = cfg.Server.MaxUploadMB << 20
	r.Use(middleware.RequestIDMiddleware(), middleware.RequestLogger(), gin.Recovery())

	// 9. 注册路由
	api := r.Group("/api")
	{
		api.GET("/health", handler.Health)
		api.POST("/agent", handler.NewAgentHandler(agentService, documentService, cfg.Server.StreamByDefault).Ask)
		api.GET("/agent/ws", handler.NewChatHandler(agentService).Handle)
		api.GET("/query-logs", handler.NewQueryLogHandler(queryLogService).ListRecent)
	}

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 设置一个5秒的超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 关闭 HTTP 服务器
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}

	// 停止消费者并刷新生产者中尚未发送的日志
	cancelRoot()
	if err := kafka.CloseProducer(); err != nil {
		log.Warnf("关闭 Kafka 生产者失败: %v", err)
	}
	log.Info("服务已优雅关闭")
}

// warmDefaultDocuments 在后台提取一次默认 PDF 的文本，失败只记录日志。
func warmDefaultDocuments(ctx context.Context, documents service.DocumentService, processor *pipeline.Processor) {
	pdf, _, err := documents.Resolve(ctx, "warmup", nil, nil)
	if err != nil {
		log.Warnf("warmDefaultDocuments: 加载默认文档失败，跳过预热: %v", err)
		return
	}
	if err := processor.Warm(ctx, pdf); err != nil {
		log.Warnf("warmDefaultDocuments: 预热失败: %v", err)
	}
}
