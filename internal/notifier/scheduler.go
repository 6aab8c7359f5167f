package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"postbee-tracker/internal/storage"
	"postbee-tracker/internal/storage/models"
)

// ScheduleStore 延迟通知的持久化接口
type ScheduleStore interface {
	UpsertScheduledNotification(ctx context.Context, n *models.ScheduledNotification) error
}

// Scheduler 负责把跟进提醒转换为延迟通知任务。
// 任务以 (user_id, job_id) 为键持久化，重新安排时取消并替换旧任务。
type Scheduler struct {
	store  ScheduleStore
	logger *log.Logger
	now    func() time.Time
}

// NewScheduler 创建通知调度器
func NewScheduler(store ScheduleStore, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(os.Stderr, "[Scheduler] ", log.LstdFlags)
	}
	return &Scheduler{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Schedule 根据跟进日期安排一条延迟通知。
// followUpDate必须是带时区偏移的ISO-8601时间戳；延迟为正时任务会在该时刻
// 前后被调度器投递，已过期（或缺失、无法解析）的日期只记录警告并跳过——
// 过期跟进不补发邮件，沿用上游既有行为。
func (s *Scheduler) Schedule(ctx context.Context, userID string, msg storage.FollowUpMessage) error {
	if msg.FollowUpDate == "" {
		s.logger.Printf("jobId=%s 未提供跟进日期，跳过通知调度", msg.JobID)
		return nil
	}

	fireAt, err := time.Parse(time.RFC3339, msg.FollowUpDate)
	if err != nil {
		s.logger.Printf("jobId=%s 跟进日期 %q 无法解析，跳过通知调度: %v", msg.JobID, msg.FollowUpDate, err)
		return nil
	}

	delay := fireAt.Sub(s.now().UTC())
	if delay <= 0 {
		s.logger.Printf("jobId=%s 的跟进日期已是过去时间，不会发送邮件", msg.JobID)
		return nil
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("序列化跟进通知失败 (jobId=%s): %w", msg.JobID, err)
	}

	notification := &models.ScheduledNotification{
		UserID:  userID,
		JobID:   msg.JobID,
		FireAt:  fireAt.UTC(),
		Payload: string(payload),
		Status:  models.NotificationStatusPending,
	}

	if err := s.store.UpsertScheduledNotification(ctx, notification); err != nil {
		return err
	}

	s.logger.Printf("已安排 jobId=%s 的跟进通知，触发时间 %s", msg.JobID, fireAt.Format(time.RFC3339))
	return nil
}
