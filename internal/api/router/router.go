package router

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"postbee-tracker/internal/api/handler"
)

// RegisterRoutes 注册 API 路由。
// /api/jobs 下除浏览计数外都要求 Bearer 令牌认证，
// 浏览计数对未登录访客开放。
func RegisterRoutes(h *server.Hertz, auth app.HandlerFunc, interactionHandler *handler.InteractionHandler, trackingHandler *handler.TrackingHandler) {
	jobs := h.Group("/api/jobs")

	jobs.POST("/:job_id/view", interactionHandler.HandleTrackView)

	protected := jobs.Group("", auth)
	protected.POST("/:job_id/pin", interactionHandler.HandleTogglePin)
	protected.POST("/:job_id/save", interactionHandler.HandleToggleSave)
	protected.POST("/:job_id/follow-ups", interactionHandler.HandleCreateFollowUp)
	protected.PUT("/:job_id/follow-ups", interactionHandler.HandleUpdateFollowUp)
	protected.GET("/:job_id/follow-ups", interactionHandler.HandleGetFollowUp)
	protected.POST("/:job_id/interaction", interactionHandler.HandleTrackInteraction)
	protected.GET("/status/:job_id", interactionHandler.HandleInteractionStatus)

	trackings := h.Group("/api/trackings", auth)
	trackings.POST("/", trackingHandler.HandleTrackUser)
	trackings.GET("/:tracking_id", trackingHandler.HandleGetTracking)

	// 添加健康检查
	h.GET("/api/health", func(c context.Context, ctx *app.RequestContext) {
		ctx.JSON(consts.StatusOK, utils.H{"status": "ok"})
	})
}
