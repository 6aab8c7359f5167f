package handler

import (
	"context"
	"encoding/json"
	"log"
	"os"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"gorm.io/datatypes"

	"postbee-tracker/internal/api/middleware"
	"postbee-tracker/internal/constants"
	"postbee-tracker/internal/jobboard"
	"postbee-tracker/internal/storage"
	"postbee-tracker/internal/storage/models"
)

// InteractionStore 交互记录的持久化接口
type InteractionStore interface {
	FindInteraction(ctx context.Context, userID, jobID string) (*models.JobInteraction, error)
	CreateInteraction(ctx context.Context, interaction *models.JobInteraction) error
	UpdateInteraction(ctx context.Context, interaction *models.JobInteraction) error
}

// FollowUpScheduler 跟进提醒的计划接口
type FollowUpScheduler interface {
	Schedule(ctx context.Context, userID string, msg storage.FollowUpMessage) error
}

// JobBoardAPI 外部职位系统接口
type JobBoardAPI interface {
	GetJobPost(ctx context.Context, jobID string) (*jobboard.JobPost, error)
	IncrementViewCount(ctx context.Context, jobID string) (*jobboard.ViewStats, error)
}

// ApplicationPublisher 投递事件的消息发布接口
type ApplicationPublisher interface {
	EnsureQueue(queueName string, durable bool) error
	PublishJSON(ctx context.Context, queueName string, data interface{}, persistent bool) error
}

// InteractionHandler 处理职位交互相关的请求：
// 置顶、收藏、跟进、浏览计数和交互状态查询。
type InteractionHandler struct {
	store     InteractionStore
	scheduler FollowUpScheduler
	jobs      JobBoardAPI
	publisher ApplicationPublisher
	logger    *log.Logger
}

// NewInteractionHandler 创建一个新的 InteractionHandler 实例。
func NewInteractionHandler(store InteractionStore, scheduler FollowUpScheduler, jobs JobBoardAPI, publisher ApplicationPublisher) *InteractionHandler {
	return &InteractionHandler{
		store:     store,
		scheduler: scheduler,
		jobs:      jobs,
		publisher: publisher,
		logger:    log.New(os.Stdout, "[InteractionHandler] ", log.LstdFlags|log.Lshortfile),
	}
}

// HandleTogglePin 处理置顶状态切换。
// POST /api/jobs/:job_id/pin
func (h *InteractionHandler) HandleTogglePin(ctx context.Context, c *app.RequestContext) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "Failed to resolve user identity"})
		return
	}
	jobID := c.Param("job_id")

	interaction, err := h.store.FindInteraction(ctx, identity.UserID, jobID)
	if err != nil {
		h.logger.Printf("查询交互记录失败 (user_id=%s, job_id=%s): %v", identity.UserID, jobID, err)
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "Failed to load interaction"})
		return
	}

	if interaction != nil {
		interaction.IsPinned = !interaction.IsPinned
		if err := h.store.UpdateInteraction(ctx, interaction); err != nil {
			h.logger.Printf("更新置顶状态失败 (user_id=%s, job_id=%s): %v", identity.UserID, jobID, err)
			c.JSON(consts.StatusInternalServerError, utils.H{"error": "Failed to update interaction"})
			return
		}
		h.logger.Printf("用户 %s 将职位 %s 的置顶状态切换为 %v", identity.UserID, jobID, interaction.IsPinned)
	} else {
		interaction = &models.JobInteraction{UserID: identity.UserID, JobID: jobID, IsPinned: true}
		if err := h.store.CreateInteraction(ctx, interaction); err != nil {
			h.logger.Printf("创建置顶记录失败 (user_id=%s, job_id=%s): %v", identity.UserID, jobID, err)
			c.JSON(consts.StatusInternalServerError, utils.H{"error": "Failed to update interaction"})
			return
		}
		h.logger.Printf("用户 %s 置顶了职位 %s", identity.UserID, jobID)
	}

	c.JSON(consts.StatusOK, utils.H{"isPinned": interaction.IsPinned})
}

// HandleToggleSave 处理收藏状态切换。
// POST /api/jobs/:job_id/save
func (h *InteractionHandler) HandleToggleSave(ctx context.Context, c *app.RequestContext) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "Failed to resolve user identity"})
		return
	}
	jobID := c.Param("job_id")

	interaction, err := h.store.FindInteraction(ctx, identity.UserID, jobID)
	if err != nil {
		h.logger.Printf("查询交互记录失败 (user_id=%s, job_id=%s): %v", identity.UserID, jobID, err)
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "Failed to load interaction"})
		return
	}

	if interaction != nil {
		interaction.IsSaved = !interaction.IsSaved
		if err := h.store.UpdateInteraction(ctx, interaction); err != nil {
			h.logger.Printf("更新收藏状态失败 (user_id=%s, job_id=%s): %v", identity.UserID, jobID, err)
			c.JSON(consts.StatusInternalServerError, utils.H{"error": "Failed to update interaction"})
			return
		}
		h.logger.Printf("用户 %s 将职位 %s 的收藏状态切换为 %v", identity.UserID, jobID, interaction.IsSaved)
	} else {
		interaction = &models.JobInteraction{UserID: identity.UserID, JobID: jobID, IsSaved: true}
		if err := h.store.CreateInteraction(ctx, interaction); err != nil {
			h.logger.Printf("创建收藏记录失败 (user_id=%s, job_id=%s): %v", identity.UserID, jobID, err)
			c.JSON(consts.StatusInternalServerError, utils.H{"error": "Failed to update interaction"})
			return
		}
		h.logger.Printf("用户 %s 收藏了职位 %s", identity.UserID, jobID)
	}

	c.JSON(consts.StatusOK, utils.H{"isSaved": interaction.IsSaved})
}

// HandleCreateFollowUp 创建或覆盖跟进数据，安排跟进提醒，
// 状态为applied时额外发布一条投递事件。
// POST /api/jobs/:job_id/follow-ups
func (h *InteractionHandler) HandleCreateFollowUp(ctx context.Context, c *app.RequestContext) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "Failed to resolve user identity"})
		return
	}
	jobID := c.Param("job_id")

	data, ok := parseFollowUpBody(c.Request.Body())
	if !ok {
		h.logger.Printf("用户 %s 创建跟进时未提供数据", identity.UserID)
		c.JSON(consts.StatusBadRequest, utils.H{"message": "No data provided"})
		return
	}

	// 持久化的跟进数据不包含 user_email，邮箱只进入队列消息和响应
	raw, err := json.Marshal(data)
	if err != nil {
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "Failed to encode follow-up data"})
		return
	}

	interaction, err := h.store.FindInteraction(ctx, identity.UserID, jobID)
	if err != nil {
		h.logger.Printf("查询交互记录失败 (user_id=%s, job_id=%s): %v", identity.UserID, jobID, err)
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "Failed to load interaction"})
		return
	}

	if interaction == nil {
		interaction = &models.JobInteraction{
			UserID:       identity.UserID,
			JobID:        jobID,
			FollowUpData: datatypes.JSON(raw),
			HasFollowUp:  true,
		}
		if err := h.store.CreateInteraction(ctx, interaction); err != nil {
			h.logger.Printf("创建跟进记录失败 (user_id=%s, job_id=%s): %v", identity.UserID, jobID, err)
			c.JSON(consts.StatusInternalServerError, utils.H{"error": "Failed to save follow-up"})
			return
		}
		h.logger.Printf("用户 %s 为职位 %s 创建了跟进", identity.UserID, jobID)
	} else {
		interaction.FollowUpData = datatypes.JSON(raw)
		interaction.HasFollowUp = true
		if err := h.store.UpdateInteraction(ctx, interaction); err != nil {
			h.logger.Printf("更新跟进记录失败 (user_id=%s, job_id=%s): %v", identity.UserID, jobID, err)
			c.JSON(consts.StatusInternalServerError, utils.H{"error": "Failed to save follow-up"})
			return
		}
		h.logger.Printf("用户 %s 更新了职位 %s 的跟进", identity.UserID, jobID)
	}

	msg := followUpMessageFromPayload(jobID, data, identity.Email)
	if err := h.scheduler.Schedule(ctx, identity.UserID, msg); err != nil {
		h.logger.Printf("安排跟进提醒失败 (user_id=%s, job_id=%s): %v", identity.UserID, jobID, err)
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "Failed to schedule follow-up notification"})
		return
	}

	if msg.Status == constants.StatusApplied {
		h.publishJobApplication(ctx, jobID, identity.UserID)
	}

	data["user_email"] = identity.Email
	c.JSON(consts.StatusOK, data)
}

// HandleUpdateFollowUp 更新已有交互的跟进数据并重新安排提醒。
// PUT /api/jobs/:job_id/follow-ups
func (h *InteractionHandler) HandleUpdateFollowUp(ctx context.Context, c *app.RequestContext) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "Failed to resolve user identity"})
		return
	}
	jobID := c.Param("job_id")

	data, ok := parseFollowUpBody(c.Request.Body())
	if !ok {
		h.logger.Printf("用户 %s 更新跟进时未提供数据", identity.UserID)
		c.JSON(consts.StatusBadRequest, utils.H{"message": "No data provided"})
		return
	}

	interaction, err := h.store.FindInteraction(ctx, identity.UserID, jobID)
	if err != nil {
		h.logger.Printf("查询交互记录失败 (user_id=%s, job_id=%s): %v", identity.UserID, jobID, err)
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "Failed to load interaction"})
		return
	}
	if interaction == nil {
		h.logger.Printf("跟进不存在 (user_id=%s, job_id=%s)", identity.UserID, jobID)
		c.JSON(consts.StatusNotFound, utils.H{"message": "Follow-up not found"})
		return
	}

	raw, err := json.Marshal(data)
	if err != nil {
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "Failed to encode follow-up data"})
		return
	}

	interaction.FollowUpData = datatypes.JSON(raw)
	if err := h.store.UpdateInteraction(ctx, interaction); err != nil {
		h.logger.Printf("更新跟进记录失败 (user_id=%s, job_id=%s): %v", identity.UserID, jobID, err)
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "Failed to save follow-up"})
		return
	}
	h.logger.Printf("用户 %s 更新了职位 %s 的跟进", identity.UserID, jobID)

	msg := followUpMessageFromPayload(jobID, data, identity.Email)
	if err := h.scheduler.Schedule(ctx, identity.UserID, msg); err != nil {
		h.logger.Printf("安排跟进提醒失败 (user_id=%s, job_id=%s): %v", identity.UserID, jobID, err)
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "Failed to schedule follow-up notification"})
		return
	}

	if msg.Status == constants.StatusApplied {
		h.publishJobApplication(ctx, jobID, identity.UserID)
	}

	c.JSON(consts.StatusOK, data)
}

// HandleGetFollowUp 返回已存储的跟进数据。
// GET /api/jobs/:job_id/follow-ups
func (h *InteractionHandler) HandleGetFollowUp(ctx context.Context, c *app.RequestContext) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "Failed to resolve user identity"})
		return
	}
	jobID := c.Param("job_id")

	interaction, err := h.store.FindInteraction(ctx, identity.UserID, jobID)
	if err != nil {
		h.logger.Printf("查询交互记录失败 (user_id=%s, job_id=%s): %v", identity.UserID, jobID, err)
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "Failed to load interaction"})
		return
	}
	if interaction == nil || len(interaction.FollowUpData) == 0 {
		h.logger.Printf("跟进不存在 (user_id=%s, job_id=%s)", identity.UserID, jobID)
		c.JSON(consts.StatusNotFound, utils.H{"message": "Follow-up not found"})
		return
	}

	h.logger.Printf("用户 %s 读取了职位 %s 的跟进", identity.UserID, jobID)
	c.Data(consts.StatusOK, "application/json; charset=utf-8", interaction.FollowUpData)
}

// HandleTrackView 把浏览事件转发给外部职位系统。
// 这个端点不要求认证，未登录的访客浏览也会被计数。
// POST /api/jobs/:job_id/view
func (h *InteractionHandler) HandleTrackView(ctx context.Context, c *app.RequestContext) {
	jobID := c.Param("job_id")
	h.logger.Printf("记录职位 %s 的浏览事件", jobID)

	stats, err := h.jobs.IncrementViewCount(ctx, jobID)
	if err != nil {
		h.logger.Printf("更新职位 %s 的浏览计数失败: %v", jobID, err)
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "Failed to update view count"})
		return
	}

	h.logger.Printf("职位 %s 的浏览计数已更新为 %d", jobID, stats.ViewCount)
	c.JSON(consts.StatusOK, utils.H{
		"message":     "View tracked successfully",
		"view_count":  stats.ViewCount,
		"last_viewed": stats.LastViewed,
	})
}

// HandleTrackInteraction 幂等地创建裸交互记录。
// POST /api/jobs/:job_id/interaction
func (h *InteractionHandler) HandleTrackInteraction(ctx context.Context, c *app.RequestContext) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "Failed to resolve user identity"})
		return
	}
	jobID := c.Param("job_id")

	interaction, err := h.store.FindInteraction(ctx, identity.UserID, jobID)
	if err != nil {
		h.logger.Printf("查询交互记录失败 (user_id=%s, job_id=%s): %v", identity.UserID, jobID, err)
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "Failed to load interaction"})
		return
	}

	if interaction == nil {
		newInteraction := &models.JobInteraction{UserID: identity.UserID, JobID: jobID}
		if err := h.store.CreateInteraction(ctx, newInteraction); err != nil {
			h.logger.Printf("创建交互记录失败 (user_id=%s, job_id=%s): %v", identity.UserID, jobID, err)
			c.JSON(consts.StatusInternalServerError, utils.H{"error": "Failed to save interaction"})
			return
		}
		h.logger.Printf("用户 %s 与职位 %s 产生了新交互", identity.UserID, jobID)
	}

	c.JSON(consts.StatusOK, utils.H{"message": "Interaction tracked successfully"})
}

// HandleInteractionStatus 合并本地交互标记与外部系统的浏览统计。
// GET /api/jobs/status/:job_id
func (h *InteractionHandler) HandleInteractionStatus(ctx context.Context, c *app.RequestContext) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "Failed to resolve user identity"})
		return
	}
	jobID := c.Param("job_id")

	interaction, err := h.store.FindInteraction(ctx, identity.UserID, jobID)
	if err != nil {
		h.logger.Printf("查询交互记录失败 (user_id=%s, job_id=%s): %v", identity.UserID, jobID, err)
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "Failed to load interaction"})
		return
	}

	post, err := h.jobs.GetJobPost(ctx, jobID)
	if err != nil {
		h.logger.Printf("获取职位 %s 信息失败: %v", jobID, err)
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "Failed to fetch job post"})
		return
	}

	response := utils.H{
		"isPinned":    false,
		"isSaved":     false,
		"hasFollowUp": false,
		"viewCount":   post.ViewCount,
		"lastViewed":  post.LastViewed,
	}
	if interaction != nil {
		response["isPinned"] = interaction.IsPinned
		response["isSaved"] = interaction.IsSaved
		response["hasFollowUp"] = interaction.HasFollowUp
	}

	h.logger.Printf("返回职位 %s 的交互状态 (user_id=%s)", jobID, identity.UserID)
	c.JSON(consts.StatusOK, response)
}

// publishJobApplication 向 job_applications 队列发布投递事件。
// 发布失败只记录日志，不影响HTTP响应。
func (h *InteractionHandler) publishJobApplication(ctx context.Context, jobID, userID string) {
	// 先声明队列再发布。默认交换机上路由键指向不存在的队列时消息会被
	// 静默丢弃，声明是幂等的，重复调用只命中本地缓存。
	if err := h.publisher.EnsureQueue(constants.JobApplicationQueue, true); err != nil {
		h.logger.Printf("声明队列 %s 失败 (job_id=%s): %v", constants.JobApplicationQueue, jobID, err)
		return
	}
	msg := storage.JobApplicationMessage{JobID: jobID, UserID: userID}
	if err := h.publisher.PublishJSON(ctx, constants.JobApplicationQueue, msg, true); err != nil {
		h.logger.Printf("发布职位申请消息失败 (job_id=%s, user_id=%s): %v", jobID, userID, err)
		return
	}
	h.logger.Printf("已发送职位申请消息 (job_id=%s)", jobID)
}

// parseFollowUpBody 解析请求体。空体、非法JSON或空对象都视为未提供数据。
func parseFollowUpBody(body []byte) (map[string]interface{}, bool) {
	if len(body) == 0 {
		return nil, false
	}
	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil || len(data) == 0 {
		return nil, false
	}
	return data, true
}

// followUpMessageFromPayload 从请求数据提取队列消息字段。
// jobId一律取路由参数：交互记录和延迟通知都以 (user_id, job_id) 为键，
// 请求体里的jobId可能缺失或与路由不符，不能作为键的来源。
func followUpMessageFromPayload(jobID string, data map[string]interface{}, email string) storage.FollowUpMessage {
	return storage.FollowUpMessage{
		UserEmail:    email,
		JobID:        jobID,
		Status:       stringField(data, "status"),
		Notes:        stringField(data, "notes"),
		NextStep:     stringField(data, "nextStep"),
		FollowUpDate: stringField(data, "followUpDate"),
	}
}

func stringField(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
