package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/spf13/pflag"

	"postbee-tracker/internal/api/handler"
	"postbee-tracker/internal/api/middleware"
	"postbee-tracker/internal/api/router"
	"postbee-tracker/internal/config"
	"postbee-tracker/internal/jobboard"
	appCoreLogger "postbee-tracker/internal/logger"
	"postbee-tracker/internal/notifier"
	"postbee-tracker/internal/storage"

	glog "github.com/cloudwego/hertz/pkg/common/hlog"
	hertzadapter "github.com/hertz-contrib/logger/zerolog"
)

func main() {
	initLogger()

	var configPath string
	pflag.StringVarP(&configPath, "config", "c", "internal/config/config.yaml", "Path to config file")
	pflag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		glog.Fatalf("加载配置失败: %v", err)
	}
	glog.Info("配置加载成功")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storageManager, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		glog.Fatalf("初始化存储失败: %v", err)
	}
	defer storageManager.Close()
	glog.Info("存储服务初始化成功")

	if storageManager.MySQL == nil {
		glog.Fatalf("MySQL未初始化，交互记录无处可存")
	}
	if storageManager.RabbitMQ == nil {
		glog.Fatalf("RabbitMQ未初始化，跟进提醒无法投递")
	}

	// 外部职位系统客户端，令牌验证和浏览计数都走它
	jobBoardClient := jobboard.NewClient(
		cfg.JobBoard.APIURL,
		cfg.JobBoard.BaseURL,
		jobboard.WithTimeout(time.Duration(cfg.JobBoard.TimeoutSeconds)*time.Second),
		jobboard.WithLogger(log.New(appCoreLogger.Logger, "[JobBoard] ", log.LstdFlags|log.Lshortfile)),
	)

	// 跟进提醒调度：HTTP侧写入计划表，分发器负责到期发布
	schedulerLogger := log.New(appCoreLogger.Logger, "[Scheduler] ", log.LstdFlags|log.Lshortfile)
	followUpScheduler := notifier.NewScheduler(storageManager.MySQL, schedulerLogger)

	dispatcherLogger := log.New(appCoreLogger.Logger, "[Dispatcher] ", log.LstdFlags|log.Lshortfile)
	// Redis不可用时不传调度锁，SKIP LOCKED本身已保证不重复调度
	var dispatchLocker notifier.DispatchLocker
	if storageManager.Redis != nil {
		dispatchLocker = storageManager.Redis
	}
	dispatcher := notifier.NewDispatcher(storageManager.MySQL, storageManager.RabbitMQ, dispatchLocker, &cfg.Notifier, dispatcherLogger)
	dispatcher.Start()
	glog.Info("跟进提醒分发器已启动")

	interactionHandler := handler.NewInteractionHandler(storageManager.MySQL, followUpScheduler, jobBoardClient, storageManager.RabbitMQ)
	trackingHandler := handler.NewTrackingHandler()
	glog.Info("请求处理器初始化成功")

	authMiddleware := middleware.Auth(jobBoardClient, log.New(appCoreLogger.Logger, "[Auth] ", log.LstdFlags|log.Lshortfile))

	h := server.New(
		server.WithHostPorts(cfg.Server.Address),
		server.WithHandleMethodNotAllowed(true),
	)
	h.Use(func(c context.Context, ctx *app.RequestContext) {
		glog.CtxInfof(c, "Request: %s %s", string(ctx.Method()), string(ctx.Path()))
		ctx.Next(c)
		glog.CtxInfof(c, "Response: status %d", ctx.Response.StatusCode())
	})

	router.RegisterRoutes(h, authMiddleware, interactionHandler, trackingHandler)
	glog.Info("HTTP路由注册成功")

	glog.Infof("HTTP 服务器启动中，监听地址: %s", cfg.Server.Address)

	go func() {
		if err := h.Run(); err != nil {
			glog.Fatalf("启动HTTP服务器失败: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	glog.Info("接收到终止信号，正在优雅退出...")

	// 先停分发器，避免关库后还有轮询
	dispatcher.Stop()
	glog.Info("跟进提醒分发器已停止")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := h.Shutdown(shutdownCtx); err != nil {
		glog.Fatalf("服务器关闭失败: %v", err)
	}
	glog.Info("优雅退出完成")
}

func initLogger() {
	logFilePath := "logs/app.log"
	if err := os.MkdirAll("logs", 0o755); err != nil {
		log.Fatalf("无法创建日志目录: %v", err)
	}
	fileWriter, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Fatalf("无法打开日志文件 %s: %v", logFilePath, err)
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	}

	multiWriter := zerolog.MultiLevelWriter(consoleWriter, fileWriter)

	level := zerolog.DebugLevel
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = "15:04:05"

	logger := zerolog.New(multiWriter).With().Timestamp().Caller().Logger()

	appCoreLogger.Logger = logger
	zlog.Logger = logger

	hertzCompatibleLogger := hertzadapter.From(appCoreLogger.Logger)

	glog.SetLogger(hertzCompatibleLogger)
	glog.SetLevel(glog.LevelDebug)

	log.Println("Logger initialized with Zerolog, writing to console and file:", logFilePath)
}
