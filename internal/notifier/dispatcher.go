package notifier

import (
	"context"
	"log"
	"os"
	"time"

	"postbee-tracker/internal/config"
	"postbee-tracker/internal/constants"
	"postbee-tracker/internal/storage/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultPollingInterval = 5 * time.Second // 默认轮询到期通知的间隔
	defaultBatchSize       = 10              // 每次轮询处理的通知批量大小
	defaultMaxRetries      = 5               // 发布失败的最大重试次数
	dispatchLockTTL        = 30 * time.Second
)

// NotificationStore 到期通知的事务化读取与状态写回
type NotificationStore interface {
	DispatchDueNotifications(ctx context.Context, now time.Time, limit int, handle func(batch []models.ScheduledNotification)) (int, error)
}

// QueuePublisher 通知消息的队列发布接口
type QueuePublisher interface {
	EnsureQueue(queueName string, durable bool) error
	PublishMessage(ctx context.Context, queueName string, message []byte, persistent bool) error
}

// DispatchLocker 多实例部署下的调度互斥锁
type DispatchLocker interface {
	AcquireLock(ctx context.Context, lockKey string, expiration time.Duration) (string, error)
	ReleaseLock(ctx context.Context, lockKey string, lockValue string) (bool, error)
}

// Dispatcher 轮询 scheduled_notifications 表，把到期的跟进通知发布到队列。
// 发布本身不等待投递确认；消费侧的邮件发送成败对HTTP调用方完全不可见。
type Dispatcher struct {
	store           NotificationStore
	publisher       QueuePublisher
	locker          DispatchLocker // 可为nil，单实例部署时不需要调度锁
	logger          *log.Logger
	pollingInterval time.Duration
	batchSize       int
	maxRetries      int
	done            chan struct{}
	tracer          trace.Tracer
}

// NewDispatcher 创建一个新的通知调度器
func NewDispatcher(store NotificationStore, publisher QueuePublisher, locker DispatchLocker, cfg *config.NotifierConfig, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.New(os.Stderr, "[Dispatcher] ", log.LstdFlags)
	}
	d := &Dispatcher{
		store:           store,
		publisher:       publisher,
		locker:          locker,
		logger:          logger,
		pollingInterval: defaultPollingInterval,
		batchSize:       defaultBatchSize,
		maxRetries:      defaultMaxRetries,
		done:            make(chan struct{}),
		tracer:          otel.Tracer("notification-dispatcher"),
	}

	if cfg != nil {
		d.pollingInterval = config.GetDuration(cfg.PollingInterval, defaultPollingInterval)
		if cfg.BatchSize > 0 {
			d.batchSize = cfg.BatchSize
		}
		if cfg.MaxRetries > 0 {
			d.maxRetries = cfg.MaxRetries
		}
	}

	return d
}

// Start 开始调度器的轮询过程。
func (d *Dispatcher) Start() {
	d.logger.Println("Dispatcher starting...")

	// 队列声明是幂等的，启动时确保一次即可
	if err := d.publisher.EnsureQueue(constants.FollowUpQueue, true); err != nil {
		d.logger.Printf("Failed to declare queue %s: %v", constants.FollowUpQueue, err)
	}

	ticker := time.NewTicker(d.pollingInterval)

	go func() {
		for {
			select {
			case <-d.done:
				ticker.Stop()
				d.logger.Println("Dispatcher stopped.")
				return
			case <-ticker.C:
				if err := d.DispatchOnce(context.Background()); err != nil {
					d.logger.Printf("Error processing due notifications: %v", err)
				}
			}
		}
	}()
}

// Stop 优雅地停止调度器。
func (d *Dispatcher) Stop() {
	d.logger.Println("Dispatcher stopping...")
	close(d.done)
}

// DispatchOnce 执行一轮调度：获取并发布一批到期的跟进通知。
// Start 的轮询循环每个tick调用一次。
func (d *Dispatcher) DispatchOnce(ctx context.Context) error {
	// 多实例部署时用Redis锁避免同一批通知被重复调度；
	// 行级的 SKIP LOCKED 已经保证正确性，这把锁只是减少空转。
	if d.locker != nil {
		lockValue, err := d.locker.AcquireLock(ctx, constants.DispatchLockKey, dispatchLockTTL)
		if err != nil {
			d.logger.Printf("Failed to acquire dispatch lock: %v, proceeding without it", err)
		} else if lockValue == "" {
			// 其他实例正在调度
			return nil
		} else {
			defer func() {
				if _, err := d.locker.ReleaseLock(ctx, constants.DispatchLockKey, lockValue); err != nil {
					d.logger.Printf("Failed to release dispatch lock: %v", err)
				}
			}()
		}
	}

	// 读取、发布和状态写回在同一个数据库事务内完成
	_, err := d.store.DispatchDueNotifications(ctx, time.Now().UTC(), d.batchSize, func(batch []models.ScheduledNotification) {
		d.publishBatch(ctx, batch)
	})
	return err
}

// publishBatch 逐条发布通知并在行上标记结果。
// 调用方负责把标记后的行写回数据库。
func (d *Dispatcher) publishBatch(ctx context.Context, batch []models.ScheduledNotification) {
	// 仅在有通知时创建追踪Span，避免为空轮询制造噪音
	ctx, span := d.tracer.Start(ctx, "notifier.DispatchBatch",
		trace.WithAttributes(
			attribute.Int("messaging.batch.message_count", len(batch)),
		),
	)
	defer span.End()

	d.logger.Printf("Fetched %d due notifications to dispatch.", len(batch))

	for i := range batch {
		n := &batch[i]
		err := d.publisher.PublishMessage(
			ctx,
			constants.FollowUpQueue,
			[]byte(n.Payload),
			true, // 持久化消息
		)

		if err != nil {
			d.logger.Printf("Failed to publish notification ID %d (user=%s, job=%s): %v. Retries: %d",
				n.ID, n.UserID, n.JobID, err, n.RetryCount+1)
			n.RetryCount++
			n.ErrorMessage = err.Error()
			if n.RetryCount >= d.maxRetries {
				n.Status = models.NotificationStatusFailed
			}
		} else {
			n.Status = models.NotificationStatusSent
			now := time.Now()
			n.ProcessedAt = &now
			n.ErrorMessage = ""
		}
	}
}
