// Package errors 提供即時房間服務的錯誤分類
//
// 錯誤依處理層級分為：
//   - 連線致命：協議錯誤、身份驗證失敗、傳輸關閉（只終止該 Session）
//   - 房間局部：單一成員發送失敗（轉為下一輪的離開事件）
//   - Tick 局部：單一房間處理失敗（記錄後繼續處理其他房間）
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeProtocol 無法解析或不合法的訊息
	ErrCodeProtocol = "PROTOCOL_ERROR"
	// ErrCodeUnauthorized 身份驗證失敗
	ErrCodeUnauthorized = "UNAUTHORIZED"
	// ErrCodeSessionExpired 登入憑證過期
	ErrCodeSessionExpired = "SESSION_EXPIRED"
	// ErrCodeRoomFull 房間已滿
	ErrCodeRoomFull = "ROOM_FULL"
	// ErrCodeRoomClosed 房間已從註冊表移除
	ErrCodeRoomClosed = "ROOM_CLOSED"
	// ErrCodeSendBufferFull 發送緩衝區滿
	ErrCodeSendBufferFull = "SEND_BUFFER_FULL"
	// ErrCodeSessionClosed Session 已關閉
	ErrCodeSessionClosed = "SESSION_CLOSED"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeNotFound 資源未找到
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeRateLimited 超過速率限制
	ErrCodeRateLimited = "RATE_LIMITED"
	// ErrCodeShutdown 服務關閉中
	ErrCodeShutdown = "SHUTDOWN"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
	// ErrCodeUnavailable 外部服務不可用
	ErrCodeUnavailable = "SERVICE_UNAVAILABLE"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 以錯誤碼比對，讓 errors.Is(err, ErrRoomFull) 對包裝後的錯誤也成立
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 回傳帶有詳細資訊的副本，預定義錯誤不會被修改
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// Protocol 建立協議錯誤
func Protocol(format string, args ...any) *AppError {
	return New(ErrCodeProtocol, fmt.Sprintf(format, args...))
}

// 預定義錯誤
var (
	ErrMalformedFrame  = New(ErrCodeProtocol, "malformed frame")
	ErrUnknownMessage  = New(ErrCodeProtocol, "unknown message type")
	ErrMessageTooLarge = New(ErrCodeProtocol, "message too large")

	ErrUnauthorized   = New(ErrCodeUnauthorized, "identity could not be resolved")
	ErrSessionExpired = New(ErrCodeSessionExpired, "session expired")

	ErrRoomFull   = New(ErrCodeRoomFull, "room is full")
	ErrRoomClosed = New(ErrCodeRoomClosed, "room is closed")

	ErrSendBufferFull = New(ErrCodeSendBufferFull, "send buffer full")
	ErrSessionClosed  = New(ErrCodeSessionClosed, "session closed")
	ErrIdleTimeout    = New(ErrCodeSessionClosed, "no state received in time")

	ErrRateLimited      = New(ErrCodeRateLimited, "too many messages")
	ErrShutdown         = New(ErrCodeShutdown, "server shutting down")
	ErrStoreUnavailable = New(ErrCodeUnavailable, "session store unavailable")
)

// CodeOf 取得錯誤碼，非 AppError 回傳 ErrCodeInternal
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsProtocolError 檢查是否為協議錯誤
func IsProtocolError(err error) bool {
	return hasCode(err, ErrCodeProtocol)
}

// IsUnauthorized 檢查是否為身份驗證錯誤（含過期）
func IsUnauthorized(err error) bool {
	return hasCode(err, ErrCodeUnauthorized) || hasCode(err, ErrCodeSessionExpired)
}

// IsRoomClosed 檢查是否為房間已關閉錯誤
func IsRoomClosed(err error) bool {
	return hasCode(err, ErrCodeRoomClosed)
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
