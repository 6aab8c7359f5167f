package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/cloudwego/hertz/pkg/route/param"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postbee-tracker/internal/api/handler"
	"postbee-tracker/internal/constants"
	"postbee-tracker/internal/jobboard"
	"postbee-tracker/internal/storage"
	"postbee-tracker/internal/storage/models"
)

// memoryStore 以 (user_id, job_id) 为键的内存交互存储
type memoryStore struct {
	records map[string]*models.JobInteraction
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: make(map[string]*models.JobInteraction)}
}

func storeKey(userID, jobID string) string {
	return userID + "|" + jobID
}

func (m *memoryStore) FindInteraction(_ context.Context, userID, jobID string) (*models.JobInteraction, error) {
	record, ok := m.records[storeKey(userID, jobID)]
	if !ok {
		return nil, nil
	}
	copied := *record
	return &copied, nil
}

func (m *memoryStore) CreateInteraction(_ context.Context, interaction *models.JobInteraction) error {
	copied := *interaction
	m.records[storeKey(interaction.UserID, interaction.JobID)] = &copied
	return nil
}

func (m *memoryStore) UpdateInteraction(_ context.Context, interaction *models.JobInteraction) error {
	copied := *interaction
	m.records[storeKey(interaction.UserID, interaction.JobID)] = &copied
	return nil
}

// fakeScheduler 记录调度请求
type fakeScheduler struct {
	calls []storage.FollowUpMessage
}

func (f *fakeScheduler) Schedule(_ context.Context, _ string, msg storage.FollowUpMessage) error {
	f.calls = append(f.calls, msg)
	return nil
}

// fakeJobBoard 固定返回值的外部职位系统
type fakeJobBoard struct {
	post  *jobboard.JobPost
	stats *jobboard.ViewStats
	err   error
}

func (f *fakeJobBoard) GetJobPost(_ context.Context, _ string) (*jobboard.JobPost, error) {
	return f.post, f.err
}

func (f *fakeJobBoard) IncrementViewCount(_ context.Context, _ string) (*jobboard.ViewStats, error) {
	return f.stats, f.err
}

// fakePublisher 记录声明过的队列和发布的消息
type fakePublisher struct {
	declared  []string
	published map[string][]interface{}
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{published: make(map[string][]interface{})}
}

func (f *fakePublisher) EnsureQueue(queueName string, _ bool) error {
	f.declared = append(f.declared, queueName)
	return nil
}

func (f *fakePublisher) PublishJSON(_ context.Context, queueName string, data interface{}, _ bool) error {
	f.published[queueName] = append(f.published[queueName], data)
	return nil
}

type handlerFixture struct {
	store     *memoryStore
	scheduler *fakeScheduler
	jobs      *fakeJobBoard
	publisher *fakePublisher
	handler   *handler.InteractionHandler
}

func newFixture() *handlerFixture {
	f := &handlerFixture{
		store:     newMemoryStore(),
		scheduler: &fakeScheduler{},
		jobs:      &fakeJobBoard{},
		publisher: newFakePublisher(),
	}
	f.handler = handler.NewInteractionHandler(f.store, f.scheduler, f.jobs, f.publisher)
	return f
}

// newRequestContext 构造带认证身份和job_id参数的请求上下文
func newRequestContext(jobID string) *app.RequestContext {
	c := app.NewContext(16)
	c.Params = append(c.Params, param.Param{Key: "job_id", Value: jobID})
	c.Set(constants.IdentityContextKey, &jobboard.Identity{UserID: "u-1", Email: "u1@example.com"})
	return c
}

func decodeBody(t *testing.T, c *app.RequestContext) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(c.Response.Body(), &body))
	return body
}

// TestTogglePinTwice 测试置顶切换两次回到原始状态
func TestTogglePinTwice(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// 1. 第一次切换：记录不存在，创建并置顶
	c := newRequestContext("job-1")
	f.handler.HandleTogglePin(ctx, c)
	assert.Equal(t, consts.StatusOK, c.Response.StatusCode())
	assert.Equal(t, true, decodeBody(t, c)["isPinned"])

	// 2. 第二次切换：翻转回未置顶
	c = newRequestContext("job-1")
	f.handler.HandleTogglePin(ctx, c)
	assert.Equal(t, consts.StatusOK, c.Response.StatusCode())
	assert.Equal(t, false, decodeBody(t, c)["isPinned"])

	// 3. 存储中的记录与响应一致
	record, err := f.store.FindInteraction(ctx, "u-1", "job-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.False(t, record.IsPinned)
}

// TestToggleSave 测试收藏切换
func TestToggleSave(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	c := newRequestContext("job-1")
	f.handler.HandleToggleSave(ctx, c)
	assert.Equal(t, consts.StatusOK, c.Response.StatusCode())
	assert.Equal(t, true, decodeBody(t, c)["isSaved"])
}

// TestGetFollowUpNotFound 测试未创建跟进时的查询
func TestGetFollowUpNotFound(t *testing.T) {
	f := newFixture()

	c := newRequestContext("job-1")
	f.handler.HandleGetFollowUp(context.Background(), c)

	assert.Equal(t, consts.StatusNotFound, c.Response.StatusCode())
	assert.Equal(t, "Follow-up not found", decodeBody(t, c)["message"])
}

// TestCreateFollowUpNoBody 测试空请求体
func TestCreateFollowUpNoBody(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// 1. 完全没有请求体
	c := newRequestContext("job-1")
	f.handler.HandleCreateFollowUp(ctx, c)
	assert.Equal(t, consts.StatusBadRequest, c.Response.StatusCode())
	assert.Equal(t, "No data provided", decodeBody(t, c)["message"])

	// 2. 空JSON对象同样视为未提供数据
	c = newRequestContext("job-1")
	c.Request.SetBody([]byte(`{}`))
	f.handler.HandleCreateFollowUp(ctx, c)
	assert.Equal(t, consts.StatusBadRequest, c.Response.StatusCode())
}

// TestCreateFollowUp 测试跟进创建的完整流程
func TestCreateFollowUp(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	followUpDate := time.Now().UTC().Add(48 * time.Hour).Format(time.RFC3339)
	c := newRequestContext("job-1")
	c.Request.SetBody([]byte(`{"jobId":"job-1","status":"applied","notes":"n","nextStep":"call","followUpDate":"` + followUpDate + `"}`))

	f.handler.HandleCreateFollowUp(ctx, c)
	require.Equal(t, consts.StatusOK, c.Response.StatusCode())

	// 1. 响应回显提交的数据并附加用户邮箱
	body := decodeBody(t, c)
	assert.Equal(t, "applied", body["status"])
	assert.Equal(t, "u1@example.com", body["user_email"])

	// 2. 交互记录已持久化且标记了跟进
	record, err := f.store.FindInteraction(ctx, "u-1", "job-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.True(t, record.HasFollowUp)

	// 持久化的跟进数据不包含用户邮箱
	var stored map[string]interface{}
	require.NoError(t, json.Unmarshal(record.FollowUpData, &stored))
	assert.NotContains(t, stored, "user_email")

	// 3. 通知已调度
	require.Len(t, f.scheduler.calls, 1)
	msg := f.scheduler.calls[0]
	assert.Equal(t, "u1@example.com", msg.UserEmail)
	assert.Equal(t, "job-1", msg.JobID)
	assert.Equal(t, followUpDate, msg.FollowUpDate)

	// 4. applied状态触发了投递事件，发布前声明了队列
	assert.Contains(t, f.publisher.declared, constants.JobApplicationQueue)
	require.Len(t, f.publisher.published[constants.JobApplicationQueue], 1)
	appMsg, ok := f.publisher.published[constants.JobApplicationQueue][0].(storage.JobApplicationMessage)
	require.True(t, ok)
	assert.Equal(t, "job-1", appMsg.JobID)
	assert.Equal(t, "u-1", appMsg.UserID)
}

// TestFollowUpScheduleKeyFromRoute 测试通知调度以路由参数中的job_id为键
func TestFollowUpScheduleKeyFromRoute(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	followUpDate := time.Now().UTC().Add(24 * time.Hour).Format(time.RFC3339)

	// 1. 请求体不带jobId，两个职位也必须各自调度
	c := newRequestContext("job-1")
	c.Request.SetBody([]byte(`{"status":"interviewing","followUpDate":"` + followUpDate + `"}`))
	f.handler.HandleCreateFollowUp(ctx, c)
	require.Equal(t, consts.StatusOK, c.Response.StatusCode())

	c = newRequestContext("job-2")
	c.Request.SetBody([]byte(`{"status":"interviewing","followUpDate":"` + followUpDate + `"}`))
	f.handler.HandleCreateFollowUp(ctx, c)
	require.Equal(t, consts.StatusOK, c.Response.StatusCode())

	require.Len(t, f.scheduler.calls, 2)
	assert.Equal(t, "job-1", f.scheduler.calls[0].JobID)
	assert.Equal(t, "job-2", f.scheduler.calls[1].JobID)

	// 2. 请求体里的jobId与路由不一致时以路由为准
	c = newRequestContext("job-1")
	c.Request.SetBody([]byte(`{"jobId":"job-9","status":"interviewing","followUpDate":"` + followUpDate + `"}`))
	f.handler.HandleCreateFollowUp(ctx, c)
	require.Equal(t, consts.StatusOK, c.Response.StatusCode())

	require.Len(t, f.scheduler.calls, 3)
	assert.Equal(t, "job-1", f.scheduler.calls[2].JobID)
}

// TestUpdateFollowUpNotFound 测试更新不存在的跟进
func TestUpdateFollowUpNotFound(t *testing.T) {
	f := newFixture()

	c := newRequestContext("job-1")
	c.Request.SetBody([]byte(`{"jobId":"job-1","status":"interviewing"}`))
	f.handler.HandleUpdateFollowUp(context.Background(), c)

	assert.Equal(t, consts.StatusNotFound, c.Response.StatusCode())
	assert.Equal(t, "Follow-up not found", decodeBody(t, c)["message"])
}

// TestUpdateFollowUp 测试跟进更新
func TestUpdateFollowUp(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// 1. 预置一条已有跟进的交互记录
	require.NoError(t, f.store.CreateInteraction(ctx, &models.JobInteraction{
		UserID:       "u-1",
		JobID:        "job-1",
		HasFollowUp:  true,
		FollowUpData: []byte(`{"status":"applied"}`),
	}))

	c := newRequestContext("job-1")
	c.Request.SetBody([]byte(`{"jobId":"job-1","status":"interviewing","nextStep":"onsite"}`))
	f.handler.HandleUpdateFollowUp(ctx, c)
	require.Equal(t, consts.StatusOK, c.Response.StatusCode())

	// 2. 响应回显提交的数据，不附加用户邮箱
	body := decodeBody(t, c)
	assert.Equal(t, "interviewing", body["status"])
	assert.NotContains(t, body, "user_email")

	// 3. 存储中的跟进数据已替换
	record, err := f.store.FindInteraction(ctx, "u-1", "job-1")
	require.NoError(t, err)
	var stored map[string]interface{}
	require.NoError(t, json.Unmarshal(record.FollowUpData, &stored))
	assert.Equal(t, "interviewing", stored["status"])

	// 4. 非applied状态不发布投递事件
	assert.Empty(t, f.publisher.published[constants.JobApplicationQueue])
	// 但队列消息里带上了用户邮箱
	require.Len(t, f.scheduler.calls, 1)
	assert.Equal(t, "u1@example.com", f.scheduler.calls[0].UserEmail)
}

// TestTrackView 测试浏览计数代理
func TestTrackView(t *testing.T) {
	f := newFixture()
	f.jobs.stats = &jobboard.ViewStats{ViewCount: 8, LastViewed: "2026-08-30T10:00:00Z"}

	c := newRequestContext("job-1")
	f.handler.HandleTrackView(context.Background(), c)

	require.Equal(t, consts.StatusOK, c.Response.StatusCode())
	body := decodeBody(t, c)
	assert.Equal(t, "View tracked successfully", body["message"])
	assert.Equal(t, float64(8), body["view_count"])
}

// TestTrackViewUpstreamFailure 测试上游失败时的浏览计数
func TestTrackViewUpstreamFailure(t *testing.T) {
	f := newFixture()
	f.jobs.err = errors.New("connection refused")

	c := newRequestContext("job-1")
	f.handler.HandleTrackView(context.Background(), c)

	assert.Equal(t, consts.StatusInternalServerError, c.Response.StatusCode())
	assert.Equal(t, "Failed to update view count", decodeBody(t, c)["error"])
}

// TestTrackInteraction 测试裸交互记录的幂等创建
func TestTrackInteraction(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// 两次调用都成功，记录只创建一次
	for i := 0; i < 2; i++ {
		c := newRequestContext("job-1")
		f.handler.HandleTrackInteraction(ctx, c)
		assert.Equal(t, consts.StatusOK, c.Response.StatusCode())
		assert.Equal(t, "Interaction tracked successfully", decodeBody(t, c)["message"])
	}

	record, err := f.store.FindInteraction(ctx, "u-1", "job-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.False(t, record.IsPinned)
	assert.False(t, record.HasFollowUp)
}

// TestInteractionStatus 测试本地标记与上游统计的合并
func TestInteractionStatus(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.jobs.post = &jobboard.JobPost{Title: "SE", ViewCount: 12, LastViewed: "2026-08-29T08:00:00Z"}

	// 1. 无本地记录时全部标记为false
	c := newRequestContext("job-1")
	f.handler.HandleInteractionStatus(ctx, c)
	require.Equal(t, consts.StatusOK, c.Response.StatusCode())
	body := decodeBody(t, c)
	assert.Equal(t, false, body["isPinned"])
	assert.Equal(t, float64(12), body["viewCount"])

	// 2. 有本地记录时返回实际标记
	require.NoError(t, f.store.CreateInteraction(ctx, &models.JobInteraction{UserID: "u-1", JobID: "job-1", IsPinned: true}))
	c = newRequestContext("job-1")
	f.handler.HandleInteractionStatus(ctx, c)
	body = decodeBody(t, c)
	assert.Equal(t, true, body["isPinned"])
	assert.Equal(t, false, body["isSaved"])
	assert.Equal(t, "2026-08-29T08:00:00Z", body["lastViewed"])
}
