package common

import (
	"errors"
	"net/http"

	"backend/internal/common"
	"backend/internal/lifecycle"

	"github.com/gin-gonic/gin"
)

// Error 将服务层错误转换为统一的 API 响应
// 状态机错误按错误类别映射 HTTP 状态码，并在响应体中携带结构化明细
func Error(c *gin.Context, err error) {
	if lerr, ok := lifecycle.AsError(err); ok {
		respondLifecycleError(c, lerr)
		return
	}

	var bizErr *common.BusinessError
	if errors.As(err, &bizErr) {
		common.ResponseBusinessError(c, bizErr)
		return
	}

	common.ResponseServerError(c, err.Error())
}

func respondLifecycleError(c *gin.Context, lerr *lifecycle.Error) {
	body := common.APIResponse{
		Success: false,
		Code:    lerr.BusinessCode(),
		Message: lerr.Error(),
	}

	switch lerr.Kind {
	case lifecycle.KindGuardViolation:
		body.Data = gin.H{"violations": lerr.Violations}
		c.JSON(http.StatusUnprocessableEntity, body)
	case lifecycle.KindInvalidTransition:
		body.Data = gin.H{"from": lerr.From, "to": lerr.To, "allowed": lerr.Allowed}
		c.JSON(http.StatusConflict, body)
	case lifecycle.KindNotFound:
		c.JSON(http.StatusNotFound, body)
	case lifecycle.KindConcurrentModification:
		c.JSON(http.StatusConflict, body)
	default:
		c.JSON(http.StatusInternalServerError, body)
	}
}

// BindError 返回参数绑定失败响应
func BindError(c *gin.Context, err error) {
	common.ResponseBadRequest(c, "参数错误: "+err.Error())
}
