// Package gateway 是服務的 HTTP 入口
//
// 系統設計問題：
//
//	連線在升級為 WebSocket 之前要先決定三件事：能不能接（容量）、是誰（身份）、
//	去哪個房間（分派）。升級之後 Session 自己運作，gateway 只負責登記與關閉。
//
// 設計方案：
//   - 容量：握手開始時先保留名額，失敗時釋放，避免同時握手超過上限
//   - 身份：升級前呼叫 Resolver，失敗直接回 401，不建立 Session
//   - 分派：Assigner 決定初始房間，Session 建立後送出 welcome 再加入房間
//   - 關閉：Shutdown 以 ErrShutdown 關閉所有 Session，客戶端收到 1001
package gateway

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/14-realtime-rooms/internal/auth"
	"github.com/koopa0/system-design/14-realtime-rooms/internal/protocol"
	"github.com/koopa0/system-design/14-realtime-rooms/internal/registry"
	"github.com/koopa0/system-design/14-realtime-rooms/internal/session"
	"github.com/koopa0/system-design/14-realtime-rooms/internal/tick"
	apperrors "github.com/koopa0/system-design/14-realtime-rooms/pkg/errors"
)

// TickStats 提供 Tick 驅動的統計
type TickStats interface {
	Stats() tick.Stats
}

// Options gateway 選項
type Options struct {
	// MaxConnections 0 表示不限制
	MaxConnections int
	// AllowedOrigins 空表示允許所有來源
	AllowedOrigins []string
	Session        session.Config
}

// Deps gateway 相依的元件
type Deps struct {
	Registry *registry.Registry
	Resolver auth.Resolver
	Assigner Assigner
	Framer   *protocol.Framer
	Ticks    TickStats
	Logger   *slog.Logger
}

// Server WebSocket 與 HTTP API 入口
type Server struct {
	registry *registry.Registry
	resolver auth.Resolver
	assigner Assigner
	framer   *protocol.Framer
	ticks    TickStats
	logger   *slog.Logger
	opts     Options
	upgrader websocket.Upgrader
	ids      session.IDAllocator

	mu       sync.Mutex
	sessions map[uint32]*session.Session
	reserved int
	closing  bool
}

// NewServer 建立 gateway
func NewServer(opts Options, deps Deps) *Server {
	if deps.Resolver == nil {
		deps.Resolver = auth.AnonymousResolver{}
	}
	if deps.Assigner == nil {
		deps.Assigner = QueryAssigner{Default: "lobby"}
	}
	if deps.Framer == nil {
		deps.Framer = protocol.NewFramer(protocol.JSONCodec{}, protocol.FramerOptions{MaxMessageSize: opts.Session.MaxMessageSize})
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	s := &Server{
		registry: deps.Registry,
		resolver: deps.Resolver,
		assigner: deps.Assigner,
		framer:   deps.Framer,
		ticks:    deps.Ticks,
		logger:   deps.Logger.With("component", "gateway"),
		opts:     opts,
		sessions: make(map[uint32]*session.Session),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin 沒有 Origin 標頭的非瀏覽器客戶端一律允許
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// reserve 保留一個連線名額
func (s *Server) reserve() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return false
	}
	if s.opts.MaxConnections > 0 && len(s.sessions)+s.reserved >= s.opts.MaxConnections {
		return false
	}
	s.reserved++
	return true
}

func (s *Server) release() {
	s.mu.Lock()
	s.reserved--
	s.mu.Unlock()
}

// register 將保留的名額轉為 Session，並配發不與線上 Session 重複的 ID
func (s *Server) register(build func(id uint32) *session.Session) (*session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reserved--
	if s.closing {
		return nil, false
	}

	id := s.ids.Next()
	for {
		if _, taken := s.sessions[id]; !taken {
			break
		}
		id = s.ids.Next()
	}

	sess := build(id)
	s.sessions[id] = sess
	return sess, true
}

func (s *Server) unregister(sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.sessions[sess.ID()]; ok && cur == sess {
		delete(s.sessions, sess.ID())
	}
}

// ServeWS 處理 WebSocket 握手
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if !s.reserve() {
		s.logger.Warn("連線數已達上限，拒絕連線", "remote", r.RemoteAddr)
		s.errorResponse(w, apperrors.New(apperrors.ErrCodeUnavailable, "server at capacity"), http.StatusServiceUnavailable)
		return
	}
	reserved := true
	defer func() {
		if reserved {
			s.release()
		}
	}()

	netInfo, err := NetworkInfoFromRequest(r)
	if err != nil {
		s.errorResponse(w, err, http.StatusBadRequest)
		return
	}

	identity, err := s.resolver.Resolve(r.Context(), r)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case apperrors.IsUnauthorized(err):
			status = http.StatusUnauthorized
		case apperrors.CodeOf(err) == apperrors.ErrCodeUnavailable:
			status = http.StatusServiceUnavailable
		}
		s.logger.Info("握手被拒絕", "ip", netInfo.IP, "error", err)
		s.errorResponse(w, err, status)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已經寫出錯誤回應
		s.logger.Warn("WebSocket 升級失敗", "ip", netInfo.IP, "error", err)
		return
	}

	roomKey := s.assigner.Assign(r, identity)

	reserved = false
	sess, ok := s.register(func(id uint32) *session.Session {
		return session.New(conn, id, identity, netInfo, session.Deps{
			Rooms:   s.registry,
			Framer:  s.framer,
			Logger:  s.logger.With("ip", netInfo.IP),
			Config:  s.opts.Session,
			OnClose: s.unregister,
		})
	})
	if !ok {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, apperrors.ErrCodeShutdown), deadline)
		_ = conn.Close()
		return
	}

	if err := sess.SendMessage(protocol.Welcome(sess.ID(), roomKey)); err != nil {
		sess.Close(err)
		return
	}
	sess.Start()
	sess.Join(roomKey)

	s.logger.Info("連線已建立",
		"member_id", sess.ID(),
		"trace_id", sess.TraceID(),
		"ip", netInfo.IP,
		"real_ip", netInfo.RealIP,
		"anonymous", identity.Anonymous,
		"room", roomKey,
		"handshake", time.Since(start),
	)
}

// Connections 目前的連線數
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown 拒絕新連線並關閉所有 Session
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closing = true
	sessions := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	// 每個關閉握手最多等待 WriteWait，並行進行
	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Go(func() { sess.Close(apperrors.ErrShutdown) })
	}
	wg.Wait()
	s.logger.Info("閘道已關閉", "sessions_closed", len(sessions))
}
