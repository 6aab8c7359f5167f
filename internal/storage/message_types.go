package storage

// FollowUpMessage 跟进通知消息。
// 线格式与既有消费者约定一致：驼峰字段加上snake_case的user_email，
// 不能随着Go侧命名习惯调整。
type FollowUpMessage struct {
	UserEmail    string `json:"user_email"`   // 通知收件人
	JobID        string `json:"jobId"`        // 职位ID
	Status       string `json:"status"`       // 跟进状态
	Notes        string `json:"notes"`        // 备注，可为空
	NextStep     string `json:"nextStep"`     // 下一步计划，可为空
	FollowUpDate string `json:"followUpDate"` // ISO-8601时间戳，可为空
}

// JobApplicationMessage 投递事件消息，由外部协作方的消费者处理
type JobApplicationMessage struct {
	JobID  string `json:"job_id"`
	UserID string `json:"user_id"`
}
