// Package auth 在 WebSocket 握手前解析連線身份
//
// 核心只需要一件事：給定握手請求，回傳已驗證的帳號或匿名身份。
// 解析失敗時連線在升級前就被拒絕，不會建立 Session。
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/koopa0/system-design/14-realtime-rooms/pkg/errors"
)

// Identity 連線身份
type Identity struct {
	AccountID   string `json:"account_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Anonymous   bool   `json:"anonymous"`
}

// Anonymous 匿名身份
func Anonymous() Identity {
	return Identity{Anonymous: true}
}

// Resolver 解析握手請求的身份
type Resolver interface {
	Resolve(ctx context.Context, r *http.Request) (Identity, error)
}

// ResolverFunc 函數形式的 Resolver
type ResolverFunc func(ctx context.Context, r *http.Request) (Identity, error)

// Resolve 實作 Resolver
func (f ResolverFunc) Resolve(ctx context.Context, r *http.Request) (Identity, error) {
	return f(ctx, r)
}

// AnonymousResolver 所有連線都是匿名
type AnonymousResolver struct{}

// Resolve 實作 Resolver
func (AnonymousResolver) Resolve(context.Context, *http.Request) (Identity, error) {
	return Anonymous(), nil
}

// SessionRecord 登入 Session 的查詢結果
type SessionRecord struct {
	AccountID   string    `json:"account_id"`
	DisplayName string    `json:"display_name"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// SessionStore 以 token 查詢登入 Session
//
// 未知 token 回傳 ErrUnauthorized，過期回傳 ErrSessionExpired，
// 儲存層不可用時回傳 ErrStoreUnavailable。
type SessionStore interface {
	Lookup(ctx context.Context, token string) (SessionRecord, error)
}

// TokenResolver 從請求中取出 token 並查詢 SessionStore
type TokenResolver struct {
	Store          SessionStore
	CookieName     string
	AllowAnonymous bool
}

// Resolve 實作 Resolver
func (t *TokenResolver) Resolve(ctx context.Context, r *http.Request) (Identity, error) {
	token := ExtractToken(r, t.CookieName)
	if token == "" {
		if t.AllowAnonymous {
			return Anonymous(), nil
		}
		return Identity{}, apperrors.ErrUnauthorized
	}

	rec, err := t.Store.Lookup(ctx, token)
	if err != nil {
		return Identity{}, err
	}
	if !rec.ExpiresAt.IsZero() && !time.Now().Before(rec.ExpiresAt) {
		return Identity{}, apperrors.ErrSessionExpired
	}
	return Identity{AccountID: rec.AccountID, DisplayName: rec.DisplayName}, nil
}

// ExtractToken 依序從 Authorization、Cookie、token 查詢參數取出 token
func ExtractToken(r *http.Request, cookieName string) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
			return c.Value
		}
	}
	return r.URL.Query().Get("token")
}
