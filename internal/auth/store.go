package auth

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrUserNotFound 表示用户不存在或处于非激活状态
	ErrUserNotFound = errors.New("auth: user not found")
	// ErrInvalidCredentials 表示邮箱或密码不正确
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrEmailTaken 表示邮箱已被占用
	ErrEmailTaken = errors.New("auth: email already registered")
)

// User 系统用户
type User struct {
	ID           string         `json:"id" gorm:"primaryKey;type:uuid"`
	Username     string         `json:"username" gorm:"size:100;not null"`
	Email        string         `json:"email" gorm:"size:255;not null;uniqueIndex"`
	FullName     string         `json:"fullName" gorm:"size:255"`
	Department   string         `json:"department" gorm:"size:100"`
	PasswordHash string         `json:"-" gorm:"size:255;not null"`
	Roles        datatypes.JSON `json:"roles" gorm:"type:jsonb"`
	Status       string         `json:"status" gorm:"size:20;not null;default:active"`

	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName 指定表名
func (User) TableName() string {
	return "users"
}

// RoleList 解析角色列表，解析失败或为空时返回普通用户角色
func (u *User) RoleList() []string {
	if len(u.Roles) == 0 {
		return []string{RoleUser}
	}
	var roles []string
	if err := json.Unmarshal(u.Roles, &roles); err != nil || len(roles) == 0 {
		return []string{RoleUser}
	}
	return roles
}

// UserStore 用户存储
type UserStore struct {
	db *gorm.DB
}

// NewUserStore 创建用户存储
func NewUserStore(db *gorm.DB) *UserStore {
	return &UserStore{db: db}
}

// CreateUserRequest 创建用户请求
type CreateUserRequest struct {
	Username   string   `json:"username" binding:"required"`
	Email      string   `json:"email" binding:"required,email"`
	Password   string   `json:"password" binding:"required,min=8"`
	FullName   string   `json:"fullName"`
	Department string   `json:"department"`
	Roles      []string `json:"roles"`
}

// CreateUser 创建用户，密码以 bcrypt 存储
func (s *UserStore) CreateUser(ctx context.Context, req *CreateUserRequest) (*User, error) {
	email := normalizeEmail(req.Email)

	var count int64
	if err := s.db.WithContext(ctx).Model(&User{}).
		Where("LOWER(email) = ?", email).
		Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	roles := req.Roles
	if len(roles) == 0 {
		roles = []string{RoleUser}
	}
	rolesJSON, err := marshalRoles(roles)
	if err != nil {
		return nil, err
	}

	user := &User{
		ID:           uuid.NewString(),
		Username:     req.Username,
		Email:        email,
		FullName:     req.FullName,
		Department:   req.Department,
		PasswordHash: string(hash),
		Roles:        rolesJSON,
		Status:       "active",
	}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return nil, err
	}
	return user, nil
}

// Authenticate 校验邮箱与密码
func (s *UserStore) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.FindActiveByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// FindActiveByEmail 查询激活用户
func (s *UserStore) FindActiveByEmail(ctx context.Context, email string) (*User, error) {
	cleanEmail := normalizeEmail(email)
	if cleanEmail == "" {
		return nil, ErrUserNotFound
	}

	var user User
	err := s.db.WithContext(ctx).
		Where("LOWER(email) = ? AND status = ?", cleanEmail, "active").
		First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// FindByID 按ID查询用户
func (s *UserStore) FindByID(ctx context.Context, id string) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

func marshalRoles(roles []string) (datatypes.JSON, error) {
	data, err := json.Marshal(roles)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(data), nil
}
