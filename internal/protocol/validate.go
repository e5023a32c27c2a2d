package protocol

import (
	"strings"
	"unicode/utf8"

	apperrors "github.com/koopa0/system-design/14-realtime-rooms/pkg/errors"
)

const (
	MinNameLength    = 3
	MaxNameLength    = 14
	MaxChatLength    = 200
	MaxRoomKeyLength = 64
	skinRGBLength    = 6
)

// ValidateName 檢查玩家名稱長度
func ValidateName(name string) error {
	n := utf8.RuneCountInString(name)
	if n < MinNameLength || n > MaxNameLength {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "name must be 3 to 14 characters")
	}
	return nil
}

// ValidateRoomKey 非空、不超過 64 個字元、不含控制字元
//
// 房間鍵會成為註冊表的鍵與 NATS subject 的一部分，連線參數與加入訊息都要經過這裡。
func ValidateRoomKey(key string) error {
	if key == "" || utf8.RuneCountInString(key) > MaxRoomKeyLength {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "room key must be 1 to 64 characters")
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return apperrors.New(apperrors.ErrCodeInvalidInput, "room key contains control characters")
		}
	}
	return nil
}

// Valid 部位為隨機，或恰好 6 個 0..255 的整數
func (p SkinPart) Valid() bool {
	if p.Random {
		return true
	}
	if len(p.RGB) != skinRGBLength {
		return false
	}
	for _, v := range p.RGB {
		if v < 0 || v > 255 {
			return false
		}
	}
	return true
}

// ValidateSkin 檢查所有部位
func ValidateSkin(s *Skin) error {
	if s == nil {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "skin is required")
	}
	parts := map[string]SkinPart{
		"overalls": s.Overalls,
		"hat":      s.Hat,
		"shirt":    s.Shirt,
		"gloves":   s.Gloves,
		"boots":    s.Boots,
		"skin":     s.Skin,
		"hair":     s.Hair,
	}
	for name, part := range parts {
		if !part.Valid() {
			return apperrors.New(apperrors.ErrCodeInvalidInput, "invalid skin part").WithDetails(name)
		}
	}
	return nil
}

// SanitizeChat 截斷至 200 字元並移除角括號，結果為空時回傳 false
func SanitizeChat(text string) (string, bool) {
	if utf8.RuneCountInString(text) > MaxChatLength {
		text = string([]rune(text)[:MaxChatLength])
	}
	text = strings.NewReplacer("<", "", ">", "").Replace(text)
	text = strings.TrimSpace(text)
	return text, text != ""
}
