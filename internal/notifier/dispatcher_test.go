package notifier_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postbee-tracker/internal/config"
	"postbee-tracker/internal/notifier"
	"postbee-tracker/internal/storage/models"
)

// fakeDispatchStore 模拟到期通知的事务化读取：
// 只挑出到期的PENDING行交给handle，处理后把变更写回。
type fakeDispatchStore struct {
	rows []models.ScheduledNotification
}

func (f *fakeDispatchStore) DispatchDueNotifications(_ context.Context, now time.Time, limit int, handle func(batch []models.ScheduledNotification)) (int, error) {
	var due []int
	for i := range f.rows {
		if len(due) == limit {
			break
		}
		if f.rows[i].Status == models.NotificationStatusPending && !f.rows[i].FireAt.After(now) {
			due = append(due, i)
		}
	}
	if len(due) == 0 {
		return 0, nil
	}

	batch := make([]models.ScheduledNotification, len(due))
	for i, idx := range due {
		batch[i] = f.rows[idx]
	}
	handle(batch)
	for i, idx := range due {
		f.rows[idx] = batch[i]
	}
	return len(batch), nil
}

// fakeQueuePublisher 记录声明过的队列和发布的消息，可注入发布错误
type fakeQueuePublisher struct {
	declared  []string
	published [][]byte
	err       error
}

func (f *fakeQueuePublisher) EnsureQueue(queueName string, _ bool) error {
	f.declared = append(f.declared, queueName)
	return nil
}

func (f *fakeQueuePublisher) PublishMessage(_ context.Context, _ string, message []byte, _ bool) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, message)
	return nil
}

// fakeDispatchLocker 固定返回值的调度锁
type fakeDispatchLocker struct {
	value    string
	released bool
}

func (f *fakeDispatchLocker) AcquireLock(_ context.Context, _ string, _ time.Duration) (string, error) {
	return f.value, nil
}

func (f *fakeDispatchLocker) ReleaseLock(_ context.Context, _ string, _ string) (bool, error) {
	f.released = true
	return true, nil
}

// TestDispatchDueNotification 测试到期通知被发布，未到期的保持不动
func TestDispatchDueNotification(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeDispatchStore{rows: []models.ScheduledNotification{
		{ID: 1, UserID: "u-1", JobID: "job-1", FireAt: now.Add(-time.Minute), Payload: `{"jobId":"job-1"}`, Status: models.NotificationStatusPending},
		{ID: 2, UserID: "u-1", JobID: "job-2", FireAt: now.Add(time.Hour), Payload: `{"jobId":"job-2"}`, Status: models.NotificationStatusPending},
	}}
	pub := &fakeQueuePublisher{}
	d := notifier.NewDispatcher(store, pub, nil, nil, nil)

	require.NoError(t, d.DispatchOnce(context.Background()))

	// 1. 只有到期的一条被发布，消息体就是存储的载荷
	require.Len(t, pub.published, 1)
	assert.Equal(t, `{"jobId":"job-1"}`, string(pub.published[0]))

	// 2. 到期行转为SENT并记录处理时间
	assert.Equal(t, models.NotificationStatusSent, store.rows[0].Status)
	require.NotNil(t, store.rows[0].ProcessedAt)

	// 3. 未到期的行保持PENDING
	assert.Equal(t, models.NotificationStatusPending, store.rows[1].Status)
	assert.Nil(t, store.rows[1].ProcessedAt)
}

// TestDispatchPublishFailure 测试发布失败的重试计数和最终FAILED转换
func TestDispatchPublishFailure(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeDispatchStore{rows: []models.ScheduledNotification{
		{ID: 1, UserID: "u-1", JobID: "job-1", FireAt: now.Add(-time.Minute), Payload: `{"jobId":"job-1"}`, Status: models.NotificationStatusPending},
	}}
	pub := &fakeQueuePublisher{err: errors.New("channel closed")}
	d := notifier.NewDispatcher(store, pub, nil, &config.NotifierConfig{MaxRetries: 2}, nil)
	ctx := context.Background()

	// 1. 第一次失败：行保持PENDING，记录重试次数和错误
	require.NoError(t, d.DispatchOnce(ctx))
	assert.Equal(t, models.NotificationStatusPending, store.rows[0].Status)
	assert.Equal(t, 1, store.rows[0].RetryCount)
	assert.Equal(t, "channel closed", store.rows[0].ErrorMessage)

	// 2. 达到最大重试次数后转为FAILED
	require.NoError(t, d.DispatchOnce(ctx))
	assert.Equal(t, models.NotificationStatusFailed, store.rows[0].Status)
	assert.Equal(t, 2, store.rows[0].RetryCount)

	// 3. FAILED的行不再被拾取
	pub.err = nil
	require.NoError(t, d.DispatchOnce(ctx))
	assert.Empty(t, pub.published)
}

// TestDispatchSkipsWhenLockHeld 测试调度锁被占用时本轮直接跳过
func TestDispatchSkipsWhenLockHeld(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeDispatchStore{rows: []models.ScheduledNotification{
		{ID: 1, UserID: "u-1", JobID: "job-1", FireAt: now.Add(-time.Minute), Payload: `{}`, Status: models.NotificationStatusPending},
	}}
	pub := &fakeQueuePublisher{}

	// 1. 锁被其他实例持有，不发布任何消息
	locker := &fakeDispatchLocker{value: ""}
	d := notifier.NewDispatcher(store, pub, locker, nil, nil)
	require.NoError(t, d.DispatchOnce(context.Background()))
	assert.Empty(t, pub.published)
	assert.Equal(t, models.NotificationStatusPending, store.rows[0].Status)

	// 2. 拿到锁则正常调度并在结束时释放
	locker = &fakeDispatchLocker{value: "holder-1"}
	d = notifier.NewDispatcher(store, pub, locker, nil, nil)
	require.NoError(t, d.DispatchOnce(context.Background()))
	assert.Len(t, pub.published, 1)
	assert.True(t, locker.released)
}
