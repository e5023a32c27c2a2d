package gateway

import (
	"net/http"
	"strings"

	"github.com/koopa0/system-design/14-realtime-rooms/internal/auth"
	"github.com/koopa0/system-design/14-realtime-rooms/internal/protocol"
)

// Assigner 決定新連線的初始房間
type Assigner interface {
	Assign(r *http.Request, identity auth.Identity) string
}

// AssignerFunc 函數形式的 Assigner
type AssignerFunc func(r *http.Request, identity auth.Identity) string

// Assign 實作 Assigner
func (f AssignerFunc) Assign(r *http.Request, identity auth.Identity) string {
	return f(r, identity)
}

// QueryAssigner 使用 ?room= 查詢參數，沒有或不合法時使用預設房間
type QueryAssigner struct {
	Default string
}

// Assign 實作 Assigner
func (q QueryAssigner) Assign(r *http.Request, _ auth.Identity) string {
	key := strings.TrimSpace(r.URL.Query().Get("room"))
	if protocol.ValidateRoomKey(key) != nil {
		return q.Default
	}
	return key
}
