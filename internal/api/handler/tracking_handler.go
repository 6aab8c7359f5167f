package handler

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"postbee-tracker/internal/api/middleware"
)

// TrackingHandler 处理通用埋点端点，只回显认证后的用户ID
type TrackingHandler struct {
	logger *log.Logger
}

// NewTrackingHandler 创建一个新的 TrackingHandler 实例。
func NewTrackingHandler() *TrackingHandler {
	return &TrackingHandler{
		logger: log.New(os.Stdout, "[TrackingHandler] ", log.LstdFlags|log.Lshortfile),
	}
}

// HandleTrackUser 记录一次用户行为。
// POST /api/trackings/
func (h *TrackingHandler) HandleTrackUser(ctx context.Context, c *app.RequestContext) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "Failed to resolve user identity"})
		return
	}

	h.logger.Printf("记录用户 %s 的行为", identity.UserID)
	c.JSON(consts.StatusCreated, utils.H{
		"message": "User tracked successfully",
		"user_id": identity.UserID,
	})
}

// HandleGetTracking 返回指定埋点ID的详情。
// GET /api/trackings/:tracking_id
func (h *TrackingHandler) HandleGetTracking(ctx context.Context, c *app.RequestContext) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "Failed to resolve user identity"})
		return
	}
	trackingID := c.Param("tracking_id")

	c.JSON(consts.StatusOK, utils.H{
		"message": fmt.Sprintf("Tracking detail for ID %s", trackingID),
		"user_id": identity.UserID,
	})
}
