package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"postbee-tracker/internal/config"
	"postbee-tracker/internal/jobboard"
	appCoreLogger "postbee-tracker/internal/logger"
	"postbee-tracker/internal/notifier"
	"postbee-tracker/internal/storage"
)

// 跟进提醒消费者进程。独立于HTTP服务部署，
// 从 followup_notifications 队列取消息并发送提醒邮件。
func main() {
	initLogger()

	// SMTP凭据通常放在.env里，加载失败不致命
	if err := godotenv.Load(); err != nil {
		appCoreLogger.Debug().Msg("未找到.env文件，使用现有环境变量")
	}

	var configPath string
	pflag.StringVarP(&configPath, "config", "c", "internal/config/config.yaml", "Path to config file")
	pflag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		appCoreLogger.Fatal().Err(err).Msg("加载配置失败")
	}
	appCoreLogger.Info().Msg("配置加载成功")

	ctx := context.Background()
	storageManager, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		appCoreLogger.Fatal().Err(err).Msg("初始化存储失败")
	}
	defer storageManager.Close()

	if storageManager.RabbitMQ == nil {
		appCoreLogger.Fatal().Msg("RabbitMQ未初始化，消费者无法启动")
	}

	mailer, err := notifier.NewSMTPMailer(&cfg.Mail)
	if err != nil {
		appCoreLogger.Fatal().Err(err).Msg("初始化邮件发送器失败")
	}

	jobBoardClient := jobboard.NewClient(
		cfg.JobBoard.APIURL,
		cfg.JobBoard.BaseURL,
		jobboard.WithTimeout(time.Duration(cfg.JobBoard.TimeoutSeconds)*time.Second),
		jobboard.WithLogger(log.New(appCoreLogger.Logger, "[JobBoard] ", log.LstdFlags|log.Lshortfile)),
	)

	consumerLogger := log.New(appCoreLogger.Logger, "[FollowUpConsumer] ", log.LstdFlags|log.Lshortfile)
	consumer := notifier.NewFollowUpConsumer(
		storageManager.RabbitMQ,
		jobBoardClient,
		storageManager.Redis,
		mailer,
		cfg.Mail.Subject,
		consumerLogger,
	)

	stop, err := consumer.Start(cfg.RabbitMQ.PrefetchCount)
	if err != nil {
		appCoreLogger.Fatal().Err(err).Msg("启动跟进提醒消费者失败")
	}
	appCoreLogger.Info().Msg("跟进提醒消费者已启动")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appCoreLogger.Info().Msg("接收到终止信号，正在停止消费者...")

	stop()
	appCoreLogger.Info().Msg("消费者已停止")
}

func initLogger() {
	consoleWriter := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	}

	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	zerolog.TimeFieldFormat = "15:04:05"

	logger := zerolog.New(consoleWriter).With().Timestamp().Caller().Logger()

	appCoreLogger.Logger = logger
	zlog.Logger = logger
}
