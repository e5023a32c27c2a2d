package gateway

import (
	"net"
	"net/http"
	"strings"

	"github.com/koopa0/system-design/14-realtime-rooms/internal/session"
	apperrors "github.com/koopa0/system-design/14-realtime-rooms/pkg/errors"
)

// NetworkInfoFromRequest 取得客戶端網路資訊
//
// IP 優先使用反向代理設定的 X-Real-IP，否則使用 TCP 對端位址。
// RealIP 取 X-Forwarded-For 或 Forwarded 的第一跳。兩者都拿不到 IP 時回傳錯誤。
func NetworkInfoFromRequest(r *http.Request) (session.NetworkInfo, error) {
	var info session.NetworkInfo

	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		info.IP = ip
	} else if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		info.IP = host
	} else {
		info.IP = strings.TrimSpace(r.RemoteAddr)
	}
	if info.IP == "" {
		return info, apperrors.New(apperrors.ErrCodeInvalidInput, "client address unavailable")
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		info.RealIP = strings.TrimSpace(first)
	} else if fwd := r.Header.Get("Forwarded"); fwd != "" {
		info.RealIP = forwardedFor(fwd)
	}
	return info, nil
}

// forwardedFor 解析 RFC 7239 Forwarded 第一個元素的 for= 參數
func forwardedFor(header string) string {
	first, _, _ := strings.Cut(header, ",")
	for _, pair := range strings.Split(first, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || !strings.EqualFold(k, "for") {
			continue
		}
		v = strings.Trim(v, `"`)
		if strings.HasPrefix(v, "[") {
			if end := strings.Index(v, "]"); end > 0 {
				return v[1:end]
			}
		}
		if host, _, err := net.SplitHostPort(v); err == nil {
			return host
		}
		return v
	}
	return ""
}
