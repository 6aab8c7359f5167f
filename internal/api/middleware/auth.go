package middleware

import (
	"context"
	"errors"
	"log"
	"os"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/hertz-contrib/keyauth"

	"postbee-tracker/internal/constants"
	"postbee-tracker/internal/jobboard"
)

// TokenValidator 向身份服务验证访问令牌。
// 令牌无效时返回 (nil, nil)，只有请求本身出错才返回 error。
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*jobboard.Identity, error)
}

var errTokenRejected = errors.New("访问令牌未通过验证")

// Auth 返回基于 Bearer 令牌的认证中间件。
// 验证通过后把用户身份写入请求上下文，后续处理器通过
// IdentityFromContext 读取。
func Auth(validator TokenValidator, logger *log.Logger) app.HandlerFunc {
	if logger == nil {
		logger = log.New(os.Stderr, "[AuthMiddleware] ", log.LstdFlags)
	}

	return keyauth.New(
		keyauth.WithKeyLookUp("header:Authorization", "Bearer"),
		keyauth.WithValidator(func(ctx context.Context, c *app.RequestContext, token string) (bool, error) {
			identity, err := validator.ValidateToken(ctx, token)
			if err != nil {
				logger.Printf("令牌验证请求出错: %v", err)
				return false, errTokenRejected
			}
			if identity == nil {
				return false, errTokenRejected
			}
			c.Set(constants.IdentityContextKey, identity)
			return true, nil
		}),
		keyauth.WithErrorHandler(func(ctx context.Context, c *app.RequestContext, err error) {
			// 缺少或格式错误的Authorization头与令牌被拒绝返回不同的提示
			if err != nil && errors.Is(err, keyauth.ErrMissingOrMalformedAPIKey) {
				c.AbortWithStatusJSON(consts.StatusUnauthorized, utils.H{"message": "Token is missing"})
				return
			}
			c.AbortWithStatusJSON(consts.StatusUnauthorized, utils.H{"message": "Invalid token"})
		}),
	)
}

// IdentityFromContext 从请求上下文取出认证后的用户身份
func IdentityFromContext(c *app.RequestContext) (*jobboard.Identity, bool) {
	v, ok := c.Get(constants.IdentityContextKey)
	if !ok {
		return nil, false
	}
	identity, ok := v.(*jobboard.Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}
