package constants

import "time"

const (
	// 队列名称，与上游Rails侧消费者约定一致，不可随意改动
	FollowUpQueue       = "followup_notifications"
	JobApplicationQueue = "job_applications"

	// 触发投递事件的跟进状态
	StatusApplied = "applied"

	// Redis键前缀
	JobDetailCachePrefix = "job_detail:"
	DispatchLockKey      = "followup_dispatch_lock"

	// 职位详情缓存时长
	JobDetailCacheDuration = 24 * time.Hour

	// 认证中间件写入请求上下文的身份信息键
	IdentityContextKey = "identity"
)
