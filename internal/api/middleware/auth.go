package middleware

import (
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/d60-Lab/feedsync/pkg/response"
)

const viewerKey = "viewer_id"

var errNoSubject = errors.New("token has no subject")

// Auth 校验后端服务签发的 HS256 token，sub 即 viewer id。
// 无 token 视为匿名访问；token 无效返回 401。
func Auth(secret, issuer string) gin.HandlerFunc {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(opts...)
	key := []byte(secret)

	return func(c *gin.Context) {
		raw := extractToken(c)
		if raw == "" {
			c.Next()
			return
		}
		var claims jwt.RegisteredClaims
		_, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) { return key, nil })
		if err == nil && claims.Subject == "" {
			err = errNoSubject
		}
		if err != nil {
			response.Unauthorized(c, "invalid token")
			return
		}
		c.Set(viewerKey, claims.Subject)
		c.Next()
	}
}

// RequireViewer 拒绝匿名请求
func RequireViewer() gin.HandlerFunc {
	return func(c *gin.Context) {
		if ViewerID(c) == "" {
			response.Unauthorized(c, "login required")
			return
		}
		c.Next()
	}
}

// ViewerID 当前请求的用户，匿名为空
func ViewerID(c *gin.Context) string {
	return c.GetString(viewerKey)
}

// SignToken issues a token the Auth middleware accepts.
func SignToken(secret, issuer, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// EventSource 无法设置请求头，SSE 允许 ?token= 传参
func extractToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return c.Query("token")
}
