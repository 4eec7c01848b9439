package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"backend/internal/logger"
)

// HeaderRequestID 请求 ID 透传头
const HeaderRequestID = "X-Request-ID"

// RequestIDContextKey Gin 上下文中的请求 ID 键
const RequestIDContextKey = "request_id"

// RequestIDMiddleware 为每个请求生成或透传请求 ID
// 请求 ID 写入响应头与 context，logger.WithContext 派生的日志会带上它
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Set(RequestIDContextKey, requestID)
		c.Request = c.Request.WithContext(logger.WithTraceID(c.Request.Context(), requestID))
		c.Header(HeaderRequestID, requestID)

		c.Next()
	}
}

// GetRequestID 从 Gin 上下文获取请求 ID
func GetRequestID(c *gin.Context) string {
	if id, ok := c.Get(RequestIDContextKey); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}
