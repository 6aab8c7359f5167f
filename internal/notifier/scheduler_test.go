package notifier_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postbee-tracker/internal/notifier"
	"postbee-tracker/internal/storage"
	"postbee-tracker/internal/storage/models"
)

// fakeScheduleStore 记录upsert调用的内存实现
type fakeScheduleStore struct {
	notifications []*models.ScheduledNotification
}

func (f *fakeScheduleStore) UpsertScheduledNotification(_ context.Context, n *models.ScheduledNotification) error {
	f.notifications = append(f.notifications, n)
	return nil
}

// TestScheduleFutureFollowUp 测试未来日期的跟进会被安排
func TestScheduleFutureFollowUp(t *testing.T) {
	store := &fakeScheduleStore{}
	scheduler := notifier.NewScheduler(store, nil)

	// 1. 安排一条一小时后的跟进提醒
	fireAt := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	msg := storage.FollowUpMessage{
		UserEmail:    "u1@example.com",
		JobID:        "job-1",
		Status:       "interviewing",
		Notes:        "带作品集",
		FollowUpDate: fireAt.Format(time.RFC3339),
	}
	err := scheduler.Schedule(context.Background(), "u-1", msg)
	require.NoError(t, err)

	// 2. 验证任务已写入，键和触发时间正确
	require.Len(t, store.notifications, 1)
	n := store.notifications[0]
	assert.Equal(t, "u-1", n.UserID)
	assert.Equal(t, "job-1", n.JobID)
	assert.True(t, n.FireAt.Equal(fireAt), "触发时间应等于跟进日期")
	assert.Equal(t, models.NotificationStatusPending, n.Status)

	// 3. 验证负载就是完整的队列消息
	var decoded storage.FollowUpMessage
	require.NoError(t, json.Unmarshal([]byte(n.Payload), &decoded))
	assert.Equal(t, msg, decoded)
}

// TestSchedulePastFollowUpSkipped 测试过期日期的跟进被静默跳过
func TestSchedulePastFollowUpSkipped(t *testing.T) {
	store := &fakeScheduleStore{}
	scheduler := notifier.NewScheduler(store, nil)

	msg := storage.FollowUpMessage{
		UserEmail:    "u1@example.com",
		JobID:        "job-1",
		Status:       "applied",
		FollowUpDate: time.Now().UTC().Add(-time.Hour).Format(time.RFC3339),
	}

	// 过期跟进不报错，也不写入任何任务
	err := scheduler.Schedule(context.Background(), "u-1", msg)
	require.NoError(t, err)
	assert.Empty(t, store.notifications, "过期的跟进日期不应安排通知")
}

// TestScheduleInvalidDateSkipped 测试缺失或非法日期被跳过
func TestScheduleInvalidDateSkipped(t *testing.T) {
	store := &fakeScheduleStore{}
	scheduler := notifier.NewScheduler(store, nil)
	ctx := context.Background()

	// 1. 未提供跟进日期
	err := scheduler.Schedule(ctx, "u-1", storage.FollowUpMessage{JobID: "job-1", Status: "applied"})
	require.NoError(t, err)

	// 2. 无法解析的日期
	err = scheduler.Schedule(ctx, "u-1", storage.FollowUpMessage{JobID: "job-1", FollowUpDate: "next tuesday"})
	require.NoError(t, err)

	assert.Empty(t, store.notifications)
}

// TestScheduleReplacesPrevious 测试同一(user, job)键的重复安排
func TestScheduleReplacesPrevious(t *testing.T) {
	store := &fakeScheduleStore{}
	scheduler := notifier.NewScheduler(store, nil)
	ctx := context.Background()

	first := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	second := first.Add(24 * time.Hour)

	require.NoError(t, scheduler.Schedule(ctx, "u-1", storage.FollowUpMessage{
		JobID:        "job-1",
		Status:       "applied",
		FollowUpDate: first.Format(time.RFC3339),
	}))
	require.NoError(t, scheduler.Schedule(ctx, "u-1", storage.FollowUpMessage{
		JobID:        "job-1",
		Status:       "interviewing",
		FollowUpDate: second.Format(time.RFC3339),
	}))

	// 两次都走upsert，键相同，由存储层的唯一索引保证取消并替换
	require.Len(t, store.notifications, 2)
	for _, n := range store.notifications {
		assert.Equal(t, "u-1", n.UserID)
		assert.Equal(t, "job-1", n.JobID)
	}
	assert.True(t, store.notifications[1].FireAt.Equal(second))
}
