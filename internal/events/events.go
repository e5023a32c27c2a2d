// Package events 發布房間生命週期事件
//
// Subject 命名：{prefix}.{room}.{type}
// 範例：rooms.lobby.member_joined
// 同一個房間的事件走同一個 subject 前綴，訂閱者可用 rooms.lobby.> 追蹤單一房間。
//
// 發布是 fire-and-forget：Tick 驅動不等待 NATS 的回應，
// 連線中斷時 nats.go 會在客戶端緩衝，重連後送出。
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Type 事件類型
type Type string

const (
	RoomCreated  Type = "room_created"
	RoomClosed   Type = "room_closed"
	MemberJoined Type = "member_joined"
	MemberLeft   Type = "member_left"
)

// Event 房間事件
type Event struct {
	Type      Type      `json:"type"`
	Room      string    `json:"room"`
	MemberID  uint32    `json:"member_id,omitempty"`
	Name      string    `json:"name,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher 事件發布者
type Publisher interface {
	Publish(ev Event)
}

// NopPublisher 不發布任何事件
type NopPublisher struct{}

// Publish 實作 Publisher
func (NopPublisher) Publish(Event) {}

// NATSPublisher 透過 NATS 發布事件
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NATSOptions NATS 連線選項
type NATSOptions struct {
	URL           string
	SubjectPrefix string
	ReconnectWait time.Duration
}

// NewNATSPublisher 連線到 NATS
func NewNATSPublisher(opts NATSOptions, logger *slog.Logger) (*NATSPublisher, error) {
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = time.Second
	}
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = "rooms"
	}

	conn, err := nats.Connect(
		opts.URL,
		nats.Name("realtime-rooms"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS 連線中斷", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS 重新連線", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	return &NATSPublisher{conn: conn, prefix: opts.SubjectPrefix, logger: logger}, nil
}

// Subject 事件的 NATS subject
func Subject(prefix string, ev Event) string {
	// subject 不能包含空白或 '.'，房間鍵中的這些字元以 '_' 取代
	room := strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '*', '>':
			return '_'
		}
		return r
	}, ev.Room)
	return fmt.Sprintf("%s.%s.%s", prefix, room, ev.Type)
}

// Publish 實作 Publisher
func (p *NATSPublisher) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("序列化事件失敗", "error", err, "type", ev.Type)
		return
	}
	if err := p.conn.Publish(Subject(p.prefix, ev), data); err != nil {
		p.logger.Warn("發布事件失敗", "error", err, "type", ev.Type, "room", ev.Room)
	}
}

// Close 送出緩衝中的事件後關閉連線
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
