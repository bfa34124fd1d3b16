// Package token 从 bearer 凭证（JWT）中读取会话身份。
// 客户端不持有签名密钥，签名由服务端校验，这里只解析声明。
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"crs-sync-go/internal/model"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrEmptyToken        = errors.New("credential is empty")
	ErrCredentialExpired = errors.New("credential has expired")
)

// Claims 是凭证中与会话相关的声明。
type Claims struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// SenderType 把角色映射为聊天中的发送方：分析师角色以 ba 发送，其余以 client 发送。
func (c *Claims) SenderType() model.SenderType {
	switch strings.ToLower(c.Role) {
	case "ba", "analyst":
		return model.SenderAnalyst
	default:
		return model.SenderClient
	}
}

// Expired 判断凭证在给定时间是否已过期。没有 exp 声明视为不过期。
func (c *Claims) Expired(now time.Time) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return !now.Before(c.ExpiresAt.Time)
}

// ParseClaims 解析凭证中的声明，不校验签名。
func ParseClaims(tokenString string) (*Claims, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return nil, ErrEmptyToken
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("parse credential: %w", err)
	}
	return claims, nil
}

// Check 解析凭证并确认它在当前时间仍然有效。
func Check(tokenString string, now time.Time) (*Claims, error) {
	claims, err := ParseClaims(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Expired(now) {
		return claims, ErrCredentialExpired
	}
	return claims, nil
}
