package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"postbee-tracker/internal/constants"
	"postbee-tracker/internal/storage"
)

// JobDetailFetcher 职位详情查询接口
type JobDetailFetcher interface {
	GetJobDetails(ctx context.Context, jobID string) (title, link string)
}

// FollowUpConsumer 消费 followup_notifications 队列并发送提醒邮件。
// 只有邮件发送成功后才确认消息；发送失败的消息会被重新入队，
// 重投时可能产生重复邮件。
type FollowUpConsumer struct {
	queue   *storage.RabbitMQ
	jobs    JobDetailFetcher
	cache   *storage.Redis // 可为nil，此时每条消息都回源查询职位详情
	mailer  Mailer
	subject string
	logger  *log.Logger
}

// NewFollowUpConsumer 创建跟进通知消费者
func NewFollowUpConsumer(queue *storage.RabbitMQ, jobs JobDetailFetcher, cache *storage.Redis, mailer Mailer, subject string, logger *log.Logger) *FollowUpConsumer {
	if logger == nil {
		logger = log.New(os.Stderr, "[FollowUpConsumer] ", log.LstdFlags)
	}
	if subject == "" {
		subject = "Follow-Up Notification"
	}
	return &FollowUpConsumer{
		queue:   queue,
		jobs:    jobs,
		cache:   cache,
		mailer:  mailer,
		subject: subject,
		logger:  logger,
	}
}

// Start 声明队列并启动消费循环，返回用于停止消费的函数
func (c *FollowUpConsumer) Start(prefetchCount int) (func(), error) {
	if err := c.queue.EnsureQueue(constants.FollowUpQueue, true); err != nil {
		return nil, fmt.Errorf("声明队列 %s 失败: %w", constants.FollowUpQueue, err)
	}

	return c.queue.StartConsumer(constants.FollowUpQueue, prefetchCount, c.handle)
}

// handle 处理单条队列消息。返回true确认消息，返回false拒绝并重新入队。
func (c *FollowUpConsumer) handle(body []byte) bool {
	var msg storage.FollowUpMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		// 无法解析的消息直接确认丢弃，避免毒消息无限重投
		c.logger.Printf("丢弃无法解析的消息: %v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	content := c.ComposeMessage(ctx, msg)

	if err := c.mailer.Send(msg.UserEmail, c.subject, content); err != nil {
		c.logger.Printf("发送跟进提醒失败 (jobId=%s): %v", msg.JobID, err)
		return false
	}

	c.logger.Printf("跟进提醒已发送至 %s (jobId=%s)", msg.UserEmail, msg.JobID)
	return true
}

// ComposeMessage 根据跟进数据组装纯文本邮件正文
func (c *FollowUpConsumer) ComposeMessage(ctx context.Context, msg storage.FollowUpMessage) string {
	var parts []string

	// 查询职位标题和链接；查不到时这两行直接省略
	title, link := c.lookupJobDetails(ctx, msg.JobID)
	if title != "" && link != "" {
		parts = append(parts, fmt.Sprintf("Job Title: %s", title))
		parts = append(parts, fmt.Sprintf("Job Link: %s", link))
	}

	parts = append(parts, fmt.Sprintf("Status: %s", msg.Status))

	if msg.Notes != "" {
		parts = append(parts, fmt.Sprintf("Notes: %s", msg.Notes))
	}

	if msg.NextStep != "" {
		parts = append(parts, fmt.Sprintf("Next Step: %s", msg.NextStep))
	}

	if msg.FollowUpDate != "" {
		parts = append(parts, fmt.Sprintf("Follow-Up Date: %s", formatFollowUpDate(msg.FollowUpDate)))
	}

	return strings.Join(parts, "\n")
}

// lookupJobDetails 带Redis缓存的职位详情查询
func (c *FollowUpConsumer) lookupJobDetails(ctx context.Context, jobID string) (title, link string) {
	if c.cache != nil {
		cached, err := c.cache.GetCachedJobDetail(ctx, jobID)
		if err != nil {
			c.logger.Printf("读取职位 %s 详情缓存失败: %v", jobID, err)
		} else if cached != nil {
			return cached.Title, cached.Link
		}
	}

	title, link = c.jobs.GetJobDetails(ctx, jobID)

	if title != "" && link != "" && c.cache != nil {
		if err := c.cache.SetCachedJobDetail(ctx, jobID, &storage.CachedJobDetail{Title: title, Link: link}); err != nil {
			c.logger.Printf("写入职位 %s 详情缓存失败: %v", jobID, err)
		}
	}

	return title, link
}

// formatFollowUpDate 把ISO-8601时间戳转为人类可读格式。
// 解析失败时原样返回。
func formatFollowUpDate(value string) string {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return value
	}
	return t.UTC().Format("January 02, 2006, 03:04 PM") + " UTC"
}
