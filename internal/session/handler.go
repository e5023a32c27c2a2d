package session

import (
	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/14-realtime-rooms/internal/protocol"
	"github.com/koopa0/system-design/14-realtime-rooms/internal/room"
	apperrors "github.com/koopa0/system-design/14-realtime-rooms/pkg/errors"
)

const joinAttempts = 3

// HandleFrame 處理一個入站訊息
//
// 回傳錯誤代表協議錯誤，呼叫端應關閉 Session。超過速率限制的訊息直接丟棄。
func (s *Session) HandleFrame(messageType int, data []byte) error {
	var binary bool
	switch messageType {
	case websocket.TextMessage:
	case websocket.BinaryMessage:
		binary = true
	default:
		return nil
	}

	if s.limiter != nil && !s.limiter.Allow() {
		s.dropped.Add(1)
		return nil
	}

	in, err := s.deps.Framer.Decode(protocol.Frame{Binary: binary, Data: data})
	if err != nil {
		return err
	}

	switch protocol.Classify(in) {
	case protocol.KindStateUpdate:
		s.handleState(in)
	case protocol.KindFlagEvent:
		switch in.Type {
		case protocol.TypeJoin:
			s.handleJoin(in.Join)
		case protocol.TypeLeave:
			s.Leave()
		case protocol.TypeSkin:
			s.handleSkin(in.Skin)
		}
	case protocol.KindChat:
		s.handleChat(in.Chat)
	case protocol.KindPing:
		if err := s.SendMessage(protocol.Pong()); err != nil {
			s.logger.DebugContext(s.ctx, "pong 未送出", "error", err)
		}
	default:
		return apperrors.ErrUnknownMessage.WithDetails(in.Type)
	}
	return nil
}

// handleState 先寫入本地狀態，再轉送到房間
func (s *Session) handleState(in *protocol.Inbound) {
	if in.Name != "" && protocol.ValidateName(in.Name) != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = *in.State
	s.hasState = true
	if in.Name != "" {
		s.name = in.Name
	}
	if s.room == nil {
		return
	}

	state := s.state
	if err := s.room.EnqueueFlag(room.FlagEvent{
		Kind:     room.FlagState,
		MemberID: s.id,
		Name:     in.Name,
		State:    &state,
	}); err != nil {
		s.logger.DebugContext(s.ctx, "狀態未入佇列", "error", err)
	}
}

// handleSkin 外觀只在玩家回報過狀態後才接受，無效的外觀直接忽略
func (s *Session) handleSkin(skin *protocol.Skin) {
	if err := protocol.ValidateSkin(skin); err != nil {
		s.logger.DebugContext(s.ctx, "忽略無效外觀", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasState {
		return
	}
	cp := *skin
	s.skin = &cp
	if s.room == nil {
		return
	}
	if err := s.room.EnqueueFlag(room.FlagEvent{Kind: room.FlagSkin, MemberID: s.id, Skin: &cp}); err != nil {
		s.logger.DebugContext(s.ctx, "外觀未入佇列", "error", err)
	}
}

// handleChat 冷卻時間內的訊息（包含空訊息）都會消耗冷卻
func (s *Session) handleChat(text string) {
	if s.chatLimiter != nil && !s.chatLimiter.Allow() {
		return
	}
	text, ok := protocol.SanitizeChat(text)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasState || s.room == nil {
		return
	}
	if err := s.room.EnqueueFlag(room.FlagEvent{Kind: room.FlagChat, MemberID: s.id, Chat: text}); err != nil {
		s.logger.DebugContext(s.ctx, "聊天未入佇列", "error", err)
	}
}

// handleJoin 房間鍵或名稱無效時回傳錯誤訊息但不中斷連線
func (s *Session) handleJoin(req *protocol.JoinRequest) {
	if err := protocol.ValidateRoomKey(req.Room); err != nil {
		_ = s.SendMessage(protocol.ErrorMessage(apperrors.ErrCodeInvalidInput, err.Error()))
		return
	}
	if req.Name != "" {
		if err := protocol.ValidateName(req.Name); err != nil {
			_ = s.SendMessage(protocol.ErrorMessage(apperrors.ErrCodeInvalidInput, err.Error()))
			return
		}
		s.mu.Lock()
		s.name = req.Name
		s.mu.Unlock()
	}
	s.Join(req.Room)
}

// Join 切換到指定房間
//
// 離開舊房間的事件帶著加入新房間的回呼，舊房間解析完離開後才把加入事件放進新房間，
// 所以任何時刻 Session 最多只屬於一個房間。切換尚未完成時只更新目標房間。
func (s *Session) Join(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if s.switching {
		s.target = key
		return
	}
	old := s.room
	if old != nil && old.Key() == key {
		return
	}
	if old == nil {
		s.joinLocked(key)
		return
	}

	s.room = nil
	s.switching = true
	s.target = key
	s.enqueueLeave(old, s.finishSwitch)
}

// Leave 離開目前的房間，連線保持
func (s *Session) Leave() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.switching {
		s.target = ""
		return
	}
	if s.room == nil {
		return
	}
	rm := s.room
	s.room = nil
	s.enqueueLeave(rm, nil)
}

// finishSwitch 舊房間已移除 Session，加入最新的目標房間
func (s *Session) finishSwitch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.switching {
		return
	}
	key := s.target
	s.switching = false
	s.target = ""
	if key == "" {
		return
	}
	s.joinLocked(key)
}

// joinLocked 呼叫端必須持有 s.mu；房間在取得後被移除時重新取得
func (s *Session) joinLocked(key string) {
	if s.closed || s.room != nil {
		return
	}

	ev := room.FlagEvent{Kind: room.FlagJoin, MemberID: s.id, Member: s, Name: s.name}
	if s.hasState {
		state := s.state
		ev.State = &state
	}
	if s.skin != nil {
		skin := *s.skin
		ev.Skin = &skin
	}

	for attempt := 0; attempt < joinAttempts; attempt++ {
		rm := s.deps.Rooms.GetOrCreate(key)
		err := rm.EnqueueFlag(ev)
		if err == nil {
			s.room = rm
			return
		}
		if !apperrors.IsRoomClosed(err) {
			s.logger.ErrorContext(s.ctx, "加入房間失敗", "room", key, "error", err)
			return
		}
	}
	s.logger.WarnContext(s.ctx, "放棄加入，房間持續關閉中", "room", key)
}
