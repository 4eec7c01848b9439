package auth

import (
	"errors"

	response "backend/api/handlers/common"
	"backend/internal/auth"
	"backend/internal/common"

	"github.com/gin-gonic/gin"
)

// AuthHandler 认证处理器
type AuthHandler struct {
	jwtService *auth.JWTService
	userStore  *auth.UserStore
}

// NewAuthHandler 创建认证处理器
func NewAuthHandler(jwtService *auth.JWTService, userStore *auth.UserStore) *AuthHandler {
	return &AuthHandler{
		jwtService: jwtService,
		userStore:  userStore,
	}
}

// LoginRequest 登录请求
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6"`
}

// UserInfo 用户信息
type UserInfo struct {
	ID         string   `json:"id"`
	Username   string   `json:"username"`
	Email      string   `json:"email"`
	FullName   string   `json:"fullName"`
	Department string   `json:"department"`
	Roles      []string `json:"roles"`
}

// LoginResponse 登录响应
type LoginResponse struct {
	*auth.TokenPair
	User *UserInfo `json:"user"`
}

func userInfo(u *auth.User) *UserInfo {
	return &UserInfo{
		ID:         u.ID,
		Username:   u.Username,
		Email:      u.Email,
		FullName:   u.FullName,
		Department: u.Department,
		Roles:      u.RoleList(),
	}
}

// Register 注册用户
// @Summary 注册用户
// @Description 创建本地账号，默认角色为 USER
// @Tags Auth
// @Accept json
// @Produce json
// @Param request body auth.CreateUserRequest true "注册信息"
// @Success 201 {object} common.APIResponse
// @Failure 400 {object} common.APIResponse
// @Failure 409 {object} common.APIResponse
// @Router /api/v1/auth/register [post]
func (h *AuthHandler) Register(c *gin.Context) {
	var req auth.CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}

	user, err := h.userStore.CreateUser(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, auth.ErrEmailTaken) {
			common.ResponseError(c, common.CodeConflict, "邮箱已被注册")
			return
		}
		response.Error(c, err)
		return
	}
	common.ResponseCreated(c, userInfo(user))
}

// Login 用户登录
// @Summary 用户登录
// @Description 使用邮箱和密码登录，获取访问令牌和刷新令牌
// @Tags Auth
// @Accept json
// @Produce json
// @Param request body LoginRequest true "登录请求参数"
// @Success 200 {object} LoginResponse
// @Failure 400 {object} common.APIResponse
// @Failure 401 {object} common.APIResponse
// @Router /api/v1/auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}

	user, err := h.userStore.Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) || errors.Is(err, auth.ErrInvalidCredentials) {
			common.ResponseUnauthorized(c, "邮箱或密码错误")
			return
		}
		response.Error(c, err)
		return
	}

	pair, err := h.jwtService.GenerateTokenPair(user.ID, user.RoleList())
	if err != nil {
		common.ResponseServerError(c, "生成令牌失败")
		return
	}

	common.ResponseSuccess(c, LoginResponse{TokenPair: pair, User: userInfo(user)})
}

// RefreshRequest 刷新令牌请求
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// Refresh 刷新访问令牌
// @Summary 刷新访问令牌
// @Description 使用刷新令牌获取新的令牌对
// @Tags Auth
// @Accept json
// @Produce json
// @Param request body RefreshRequest true "刷新令牌"
// @Success 200 {object} auth.TokenPair
// @Failure 401 {object} common.APIResponse
// @Router /api/v1/auth/refresh [post]
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}

	pair, err := h.jwtService.RefreshAccessToken(c.Request.Context(), req.RefreshToken)
	if err != nil {
		common.ResponseUnauthorized(c, "刷新令牌无效或已过期")
		return
	}
	common.ResponseSuccess(c, pair)
}

// Logout 退出登录
// @Summary 退出登录
// @Description 将当前访问令牌加入黑名单
// @Tags Auth
// @Produce json
// @Success 200 {object} common.APIResponse
// @Router /api/v1/auth/logout [post]
func (h *AuthHandler) Logout(c *gin.Context) {
	token := auth.ExtractTokenFromBearer(c.GetHeader("Authorization"))
	if token == "" {
		common.ResponseBadRequest(c, "缺少访问令牌")
		return
	}

	if err := h.jwtService.InvalidateToken(c.Request.Context(), token); err != nil {
		common.ResponseServerError(c, "注销令牌失败")
		return
	}
	common.ResponseSuccessMessage(c, "已退出登录", nil)
}

// Me 查询当前用户
// @Summary 查询当前用户
// @Tags Auth
// @Produce json
// @Success 200 {object} UserInfo
// @Failure 401 {object} common.APIResponse
// @Router /api/v1/auth/me [get]
func (h *AuthHandler) Me(c *gin.Context) {
	userCtx, ok := auth.GetUserContext(c)
	if !ok {
		common.ResponseUnauthorized(c, "未认证")
		return
	}

	user, err := h.userStore.FindByID(c.Request.Context(), userCtx.UserID)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			common.ResponseNotFound(c, "用户不存在")
			return
		}
		response.Error(c, err)
		return
	}
	common.ResponseSuccess(c, userInfo(user))
}
