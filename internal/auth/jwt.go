package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/koopa0/system-design/14-realtime-rooms/pkg/errors"
)

// JWTResolver 驗證 HS256 簽章的 JWT
//
// sub 為帳號 ID，name 為顯示名稱。
type JWTResolver struct {
	Secret         []byte
	Issuer         string
	CookieName     string
	AllowAnonymous bool
}

// Resolve 實作 Resolver
func (j *JWTResolver) Resolve(_ context.Context, r *http.Request) (Identity, error) {
	token := ExtractToken(r, j.CookieName)
	if token == "" {
		if j.AllowAnonymous {
			return Anonymous(), nil
		}
		return Identity{}, apperrors.ErrUnauthorized
	}
	return j.Parse(token)
}

// Parse 驗證 token 並取出身份
func (j *JWTResolver) Parse(token string) (Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if j.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.Issuer))
	}

	t, err := jwt.Parse(token, func(*jwt.Token) (any, error) {
		return j.Secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, apperrors.ErrSessionExpired
		}
		return Identity{}, apperrors.Wrap(err, apperrors.ErrCodeUnauthorized, "invalid token")
	}

	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, apperrors.ErrUnauthorized.WithDetails("bad claims")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, apperrors.ErrUnauthorized.WithDetails("missing subject")
	}
	name, _ := claims["name"].(string)

	return Identity{AccountID: sub, DisplayName: name}, nil
}

// Issue 簽發 token（管理工具與測試使用）
func (j *JWTResolver) Issue(accountID, name string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  accountID,
		"name": name,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	if j.Issuer != "" {
		claims["iss"] = j.Issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.Secret)
}
