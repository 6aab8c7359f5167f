package models

import (
	"time"

	"gorm.io/datatypes"
)

// JobInteraction 用户与职位的交互记录表。
// 每个 (user_id, job_id) 组合至多一条记录，由唯一索引保证；
// 首次任意交互时创建，之后所有交互都原地更新，可见范围内不删除。
type JobInteraction struct {
	ID           uint64         `gorm:"primaryKey;autoIncrement"`
	UserID       string         `gorm:"type:varchar(64);not null;uniqueIndex:idx_interactions_user_job,priority:1"`
	JobID        string         `gorm:"type:varchar(64);not null;uniqueIndex:idx_interactions_user_job,priority:2"`
	IsPinned     bool           `gorm:"not null;default:false"`
	IsSaved      bool           `gorm:"not null;default:false"`
	HasFollowUp  bool           `gorm:"not null;default:false"`
	FollowUpData datatypes.JSON `gorm:"type:json"` // 跟进数据整体存储，不做字段级更新
	CreatedAt    time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt    time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (JobInteraction) TableName() string {
	return "job_interactions"
}

// 调度状态
const (
	NotificationStatusPending = "PENDING"
	NotificationStatusSent    = "SENT"
	NotificationStatusFailed  = "FAILED"
)

// ScheduledNotification 延迟跟进通知表。
// 以 (user_id, job_id) 为唯一键：重新安排跟进时覆盖旧任务（取消并替换），
// 避免同一职位的多个过期通知先后触发。
type ScheduledNotification struct {
	ID           uint64     `gorm:"primaryKey;autoIncrement"`
	UserID       string     `gorm:"type:varchar(64);not null;uniqueIndex:idx_sched_user_job,priority:1"`
	JobID        string     `gorm:"type:varchar(64);not null;uniqueIndex:idx_sched_user_job,priority:2"`
	FireAt       time.Time  `gorm:"type:datetime(6);not null;index:idx_sched_status_fire_at,priority:2"`
	Payload      string     `gorm:"type:json;not null"` // FollowUpMessage 的JSON序列化
	Status       string     `gorm:"type:varchar(20);default:'PENDING';not null;index:idx_sched_status_fire_at,priority:1"`
	RetryCount   int        `gorm:"default:0"`
	CreatedAt    time.Time  `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	ProcessedAt  *time.Time `gorm:"type:datetime(6);null"`
	ErrorMessage string     `gorm:"type:text"`
}

func (ScheduledNotification) TableName() string {
	return "scheduled_notifications"
}
