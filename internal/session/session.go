// Package session 實作一個客戶端連線
//
// 每個 Session 有兩個 goroutine：
//   - readPump：讀取訊息、解碼、更新本地狀態並轉送到房間的待處理佇列
//   - writePump：送出房間廣播與心跳
//
// Session 只會阻塞在讀取下一個訊息或寫出資料上，從不等待其他 Session。
// 任何原因的關閉（傳輸中斷、協議錯誤、被踢除）都會先把離開事件放進目前的房間。
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/koopa0/system-design/14-realtime-rooms/internal/auth"
	"github.com/koopa0/system-design/14-realtime-rooms/internal/protocol"
	"github.com/koopa0/system-design/14-realtime-rooms/internal/room"
	apperrors "github.com/koopa0/system-design/14-realtime-rooms/pkg/errors"
	"github.com/koopa0/system-design/14-realtime-rooms/pkg/logger"
)

// Conn 傳輸層連線（*websocket.Conn 實作此介面）
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// RoomLocator 依房間鍵取得房間（由註冊表實作）
type RoomLocator interface {
	GetOrCreate(key string) *room.Room
}

// NetworkInfo 客戶端網路資訊
type NetworkInfo struct {
	// IP 反向代理提供的 X-Real-IP，沒有時為 TCP 對端位址
	IP string `json:"ip"`
	// RealIP X-Forwarded-For 或 Forwarded 的第一跳
	RealIP string `json:"real_ip,omitempty"`
}

// Config Session 設定
type Config struct {
	SendBuffer        int
	MaxMessageSize    int64
	WriteWait         time.Duration
	PongWait          time.Duration
	MessagesPerSecond float64
	Burst             int
	ChatCooldown      time.Duration
}

func (c *Config) setDefaults() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 * 1024
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 30
	}
}

// Deps Session 相依的元件
type Deps struct {
	Rooms  RoomLocator
	Framer *protocol.Framer
	Logger *slog.Logger
	Config Config
	// OnClose 在 Session 關閉後呼叫一次
	OnClose func(*Session)
}

// Session 一個客戶端連線
type Session struct {
	id       uint32
	traceID  string
	identity auth.Identity
	netInfo  NetworkInfo
	conn     Conn
	deps     Deps
	cfg      Config
	logger   *slog.Logger
	ctx      context.Context

	send      chan protocol.Frame
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	limiter     *rate.Limiter
	chatLimiter *rate.Limiter
	dropped     atomic.Uint64

	// mu 保護以下欄位；持有 mu 時可以呼叫房間的 EnqueueFlag，反之不行
	mu       sync.Mutex
	name     string
	state    protocol.PlayerState
	hasState bool
	skin     *protocol.Skin
	room     *room.Room
	closed   bool

	// 同樣由 mu 保護。switching 表示舊房間尚未解析離開事件；target 是解析後要加入的房間，空字串表示不加入
	switching bool
	target    string
}

// New 建立 Session（尚未開始讀寫）
func New(conn Conn, id uint32, identity auth.Identity, netInfo NetworkInfo, deps Deps) *Session {
	cfg := deps.Config
	cfg.setDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Framer == nil {
		deps.Framer = protocol.NewFramer(protocol.JSONCodec{}, protocol.FramerOptions{MaxMessageSize: cfg.MaxMessageSize})
	}

	traceID := uuid.NewString()
	s := &Session{
		id:       id,
		traceID:  traceID,
		identity: identity,
		netInfo:  netInfo,
		conn:     conn,
		deps:     deps,
		cfg:      cfg,
		logger:   deps.Logger.With("member_id", id),
		ctx:      logger.WithSessionID(context.Background(), traceID),
		send:     make(chan protocol.Frame, cfg.SendBuffer),
		done:     make(chan struct{}),
		name:     identity.DisplayName,
	}

	if cfg.MessagesPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.Burst)
	}
	if cfg.ChatCooldown > 0 {
		s.chatLimiter = rate.NewLimiter(rate.Every(cfg.ChatCooldown), 1)
	}
	return s
}

// ID 線上協議使用的數字 ID
func (s *Session) ID() uint32 { return s.id }

// TraceID 日誌追蹤用的 UUID
func (s *Session) TraceID() string { return s.traceID }

// Identity 身份
func (s *Session) Identity() auth.Identity { return s.identity }

// NetworkInfo 網路資訊
func (s *Session) NetworkInfo() NetworkInfo { return s.netInfo }

// Done 關閉時 close 的 channel
func (s *Session) Done() <-chan struct{} { return s.done }

// Dropped 因速率限制丟棄的訊息數
func (s *Session) Dropped() uint64 { return s.dropped.Load() }

// Name 玩家名稱
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// RoomKey 目前房間的鍵，沒有房間時為空字串
func (s *Session) RoomKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return ""
	}
	return s.room.Key()
}

// Err 關閉原因
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.closeErr
	default:
		return nil
	}
}

// Start 啟動讀寫 goroutine
func (s *Session) Start() {
	go s.writePump()
	go s.readPump()
}

// Send 將訊息放入發送緩衝區，不阻塞
func (s *Session) Send(frame protocol.Frame) error {
	select {
	case <-s.done:
		return apperrors.ErrSessionClosed
	default:
	}

	select {
	case s.send <- frame:
		return nil
	case <-s.done:
		return apperrors.ErrSessionClosed
	default:
		return apperrors.ErrSendBufferFull
	}
}

// SendMessage 編碼後送出
func (s *Session) SendMessage(out *protocol.Outbound) error {
	frame, err := s.deps.Framer.Encode(out)
	if err != nil {
		return err
	}
	return s.Send(frame)
}

// Kick 由房間要求關閉
//
// 在 Tick 驅動的 goroutine 上呼叫，只更新狀態並通知；關閉握手在另一個 goroutine 進行，
// 寫入卡住的客戶端不會拖慢解析。
func (s *Session) Kick(reason error) {
	s.shutdown(reason, true)
}

// Close 關閉 Session（只執行一次）
func (s *Session) Close(reason error) {
	s.shutdown(reason, false)
}

func (s *Session) shutdown(reason error, async bool) {
	s.closeOnce.Do(func() {
		if reason == nil {
			reason = apperrors.ErrSessionClosed
		}

		s.mu.Lock()
		s.closed = true
		s.switching = false
		s.target = ""
		rm := s.room
		s.room = nil
		if rm != nil {
			s.enqueueLeave(rm, nil)
		}
		s.mu.Unlock()

		s.closeErr = reason
		close(s.done)

		if async {
			go s.closeTransport(reason)
			return
		}
		s.closeTransport(reason)
	})
}

// closeTransport 送出關閉訊框並關閉連線；WriteControl 可能等待寫入鎖直到 WriteWait
func (s *Session) closeTransport(reason error) {
	code, text := closeCode(reason)
	deadline := time.Now().Add(s.cfg.WriteWait)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	_ = s.conn.Close()

	s.logger.InfoContext(s.ctx, "連線已關閉",
		"reason", reason.Error(),
		"dropped", s.dropped.Load(),
	)

	if s.deps.OnClose != nil {
		s.deps.OnClose(s)
	}
}

// closeCode 將關閉原因對應到 WebSocket 關閉碼
func closeCode(reason error) (int, string) {
	code := apperrors.CodeOf(reason)
	switch code {
	case apperrors.ErrCodeProtocol:
		return websocket.CloseProtocolError, code
	case apperrors.ErrCodeRateLimited:
		return websocket.ClosePolicyViolation, code
	case apperrors.ErrCodeRoomFull:
		return websocket.CloseTryAgainLater, code
	case apperrors.ErrCodeShutdown:
		return websocket.CloseGoingAway, code
	case apperrors.ErrCodeSessionClosed:
		return websocket.CloseNormalClosure, code
	default:
		return websocket.CloseInternalServerErr, code
	}
}

// enqueueLeave 呼叫端必須持有 s.mu
func (s *Session) enqueueLeave(rm *room.Room, then func()) {
	err := rm.EnqueueFlag(room.FlagEvent{Kind: room.FlagLeave, MemberID: s.id, Then: then})
	if err != nil {
		s.logger.DebugContext(s.ctx, "離開事件未入佇列", "room", rm.Key(), "error", err)
		if then != nil {
			go then()
		}
	}
}

// readPump 讀取訊息直到連線關閉
func (s *Session) readPump() {
	var reason error
	defer func() { s.Close(reason) }()

	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait)); err != nil {
		s.logger.ErrorContext(s.ctx, "設定讀取期限失敗", "error", err)
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.logger.WarnContext(s.ctx, "WebSocket 讀取錯誤", "error", err)
			}
			return
		}

		if err := s.HandleFrame(messageType, data); err != nil {
			s.logger.WarnContext(s.ctx, "終止連線", "error", err)
			reason = err
			return
		}
	}
}

// writePump 送出緩衝區中的訊息與心跳
func (s *Session) writePump() {
	ticker := time.NewTicker(s.cfg.PongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case frame := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait)); err != nil {
				s.Close(apperrors.Wrap(err, apperrors.ErrCodeSessionClosed, "set write deadline"))
				return
			}
			messageType := websocket.TextMessage
			if frame.Binary {
				messageType = websocket.BinaryMessage
			}
			if err := s.conn.WriteMessage(messageType, frame.Data); err != nil {
				s.Close(apperrors.Wrap(err, apperrors.ErrCodeSessionClosed, "write message"))
				return
			}

		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait)); err != nil {
				s.Close(apperrors.Wrap(err, apperrors.ErrCodeSessionClosed, "set write deadline"))
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close(apperrors.Wrap(err, apperrors.ErrCodeSessionClosed, "write ping"))
				return
			}

		case <-s.done:
			return
		}
	}
}
