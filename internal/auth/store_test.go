package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func setupTestStore(t *testing.T) *UserStore {
	t.Helper()

	dsn := fmt.Sprintf("file:auth_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("打开测试数据库失败: %v", err)
	}
	if err := db.AutoMigrate(&User{}); err != nil {
		t.Fatalf("迁移失败: %v", err)
	}
	return NewUserStore(db)
}

func TestCreateUserAndAuthenticate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	user, err := store.CreateUser(ctx, &CreateUserRequest{
		Username: "zhangwei",
		Email:    "Zhang.Wei@Example.Com",
		Password: "s3cret-password",
		FullName: "张伟",
		Roles:    []string{RoleAuditor},
	})
	if err != nil {
		t.Fatalf("创建用户失败: %v", err)
	}
	if user.Email != "zhang.wei@example.com" {
		t.Fatalf("期望邮箱小写规整，实际 %s", user.Email)
	}
	if user.PasswordHash == "s3cret-password" {
		t.Fatalf("密码不应明文存储")
	}

	got, err := store.Authenticate(ctx, "zhang.wei@example.com", "s3cret-password")
	if err != nil {
		t.Fatalf("认证失败: %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("期望用户 %s，实际 %s", user.ID, got.ID)
	}
	roles := got.RoleList()
	if len(roles) != 1 || roles[0] != RoleAuditor {
		t.Fatalf("期望角色 [AUDITOR]，实际 %v", roles)
	}
}

func TestAuthenticateWrongPassword(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.CreateUser(ctx, &CreateUserRequest{
		Username: "liuna",
		Email:    "liu.na@example.com",
		Password: "correct-password",
	})
	if err != nil {
		t.Fatalf("创建用户失败: %v", err)
	}

	_, err = store.Authenticate(ctx, "liu.na@example.com", "wrong-password")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("期望 ErrInvalidCredentials，实际 %v", err)
	}

	_, err = store.Authenticate(ctx, "nobody@example.com", "whatever")
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("期望 ErrUserNotFound，实际 %v", err)
	}
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.CreateUser(ctx, &CreateUserRequest{
		Username: "a",
		Email:    "dup@example.com",
		Password: "password-one",
	})
	if err != nil {
		t.Fatalf("创建用户失败: %v", err)
	}

	_, err = store.CreateUser(ctx, &CreateUserRequest{
		Username: "b",
		Email:    "DUP@example.com",
		Password: "password-two",
	})
	if !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("期望 ErrEmailTaken，实际 %v", err)
	}
}

func TestRoleListDefaultsToUser(t *testing.T) {
	u := &User{}
	roles := u.RoleList()
	if len(roles) != 1 || roles[0] != RoleUser {
		t.Fatalf("期望默认角色 [USER]，实际 %v", roles)
	}
}
