package handler_test

import (
	"context"
	"testing"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/cloudwego/hertz/pkg/route/param"
	"github.com/stretchr/testify/assert"

	"postbee-tracker/internal/api/handler"
	"postbee-tracker/internal/constants"
	"postbee-tracker/internal/jobboard"
)

// TestTrackUser 测试用户埋点
func TestTrackUser(t *testing.T) {
	h := handler.NewTrackingHandler()

	c := app.NewContext(16)
	c.Set(constants.IdentityContextKey, &jobboard.Identity{UserID: "u-1", Email: "u1@example.com"})
	h.HandleTrackUser(context.Background(), c)

	assert.Equal(t, consts.StatusCreated, c.Response.StatusCode())
	body := decodeBody(t, c)
	assert.Equal(t, "User tracked successfully", body["message"])
	assert.Equal(t, "u-1", body["user_id"])
}

// TestGetTracking 测试埋点详情查询
func TestGetTracking(t *testing.T) {
	h := handler.NewTrackingHandler()

	c := app.NewContext(16)
	c.Params = append(c.Params, param.Param{Key: "tracking_id", Value: "42"})
	c.Set(constants.IdentityContextKey, &jobboard.Identity{UserID: "u-1", Email: "u1@example.com"})
	h.HandleGetTracking(context.Background(), c)

	assert.Equal(t, consts.StatusOK, c.Response.StatusCode())
	body := decodeBody(t, c)
	assert.Equal(t, "Tracking detail for ID 42", body["message"])
	assert.Equal(t, "u-1", body["user_id"])
}
