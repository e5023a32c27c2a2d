// Package registry 管理程序內所有房間
//
// 系統設計問題：
//
//	Session 會隨時建立或查詢房間，Tick 驅動每 33ms 要走訪全部房間。
//	如何讓兩者互不阻塞，也不讓不相關的房間互相競爭同一把鎖？
//
// 設計方案：
//   - 分片（shard）：房間鍵經 xxhash 分散到 N 個 shard，每個 shard 一把 RWMutex
//   - 快照走訪：AllRooms 逐 shard 持讀鎖複製房間指標，走訪期間不持有任何鎖
//   - 退役旗標：移除房間時先在房間內標記關閉，之後入佇列的事件會失敗並重新查詢
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/koopa0/system-design/14-realtime-rooms/internal/events"
	"github.com/koopa0/system-design/14-realtime-rooms/internal/room"
	apperrors "github.com/koopa0/system-design/14-realtime-rooms/pkg/errors"
)

const defaultShards = 32

// Options 註冊表選項
type Options struct {
	Shards int
	// StaticRooms 啟動時建立，永不移除
	StaticRooms []string
	// EmptyTTL 空房間閒置超過這個時間才會被清理
	EmptyTTL        time.Duration
	JanitorInterval time.Duration
	// Room 新建房間使用的選項
	Room room.Options
}

type shard struct {
	mu    sync.RWMutex
	rooms map[string]*room.Room
}

// Registry 房間註冊表
type Registry struct {
	shards    []*shard
	opts      Options
	publisher events.Publisher
	logger    *slog.Logger
}

// New 建立註冊表並建立常駐房間
func New(opts Options) *Registry {
	if opts.Shards <= 0 {
		opts.Shards = defaultShards
	}
	if opts.JanitorInterval <= 0 {
		opts.JanitorInterval = time.Minute
	}
	if opts.Room.Publisher == nil {
		opts.Room.Publisher = events.NopPublisher{}
	}
	if opts.Room.Logger == nil {
		opts.Room.Logger = slog.Default()
	}

	r := &Registry{
		shards:    make([]*shard, opts.Shards),
		opts:      opts,
		publisher: opts.Room.Publisher,
		logger:    opts.Room.Logger.With("component", "registry"),
	}
	for i := range r.shards {
		r.shards[i] = &shard{rooms: make(map[string]*room.Room)}
	}

	for _, key := range opts.StaticRooms {
		roomOpts := opts.Room
		roomOpts.Static = true
		r.Insert(room.New(key, roomOpts))
	}
	return r
}

func (r *Registry) shardFor(key string) *shard {
	return r.shards[xxhash.Sum64String(key)%uint64(len(r.shards))]
}

// AllRooms 目前所有房間的快照
//
// 回傳的 slice 屬於呼叫端；快照後建立或移除的房間不影響這次走訪。
func (r *Registry) AllRooms() []*room.Room {
	rooms := make([]*room.Room, 0, r.Len())
	for _, s := range r.shards {
		s.mu.RLock()
		for _, rm := range s.rooms {
			rooms = append(rooms, rm)
		}
		s.mu.RUnlock()
	}
	return rooms
}

// Get 查詢房間
func (r *Registry) Get(key string) (*room.Room, bool) {
	s := r.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	rm, ok := s.rooms[key]
	return rm, ok
}

// GetOrCreate 查詢房間，不存在時建立
func (r *Registry) GetOrCreate(key string) *room.Room {
	s := r.shardFor(key)

	s.mu.RLock()
	rm, ok := s.rooms[key]
	s.mu.RUnlock()
	if ok {
		return rm
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// double-check
	if rm, ok := s.rooms[key]; ok {
		return rm
	}

	rm = room.New(key, r.opts.Room)
	s.rooms[key] = rm

	r.logger.Info("房間已建立", "room", key)
	r.publisher.Publish(events.Event{Type: events.RoomCreated, Room: key, Timestamp: time.Now()})
	return rm
}

// Insert 加入預先建立的房間，鍵已存在時回傳 false
func (r *Registry) Insert(rm *room.Room) bool {
	s := r.shardFor(rm.Key())
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[rm.Key()]; ok {
		return false
	}
	s.rooms[rm.Key()] = rm
	return true
}

// RemoveIfEmpty 移除沒有成員也沒有待處理事件的房間
func (r *Registry) RemoveIfEmpty(key string) bool {
	s := r.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	rm, ok := s.rooms[key]
	if !ok || !rm.TryRetire() {
		return false
	}
	delete(s.rooms, key)

	r.logger.Info("房間已移除", "room", key)
	r.publisher.Publish(events.Event{Type: events.RoomClosed, Room: key, Timestamp: time.Now()})
	return true
}

// Len 房間數量
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.rooms)
		s.mu.RUnlock()
	}
	return n
}

// Infos 所有房間的摘要（依房間鍵排序）
func (r *Registry) Infos() []room.Info {
	rooms := r.AllRooms()
	infos := make([]room.Info, 0, len(rooms))
	for _, rm := range rooms {
		infos = append(infos, rm.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos
}

// Sweep 移除閒置超過 EmptyTTL 的空房間，回傳移除數量
func (r *Registry) Sweep(now time.Time) int {
	removed := 0
	for _, rm := range r.AllRooms() {
		if rm.Static() || rm.MemberCount() > 0 {
			continue
		}
		if now.Sub(rm.LastActive()) < r.opts.EmptyTTL {
			continue
		}
		if r.RemoveIfEmpty(rm.Key()) {
			removed++
		}
	}
	return removed
}

// Run 定期清理空房間，直到 ctx 結束
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := r.Sweep(time.Now()); n > 0 {
				r.logger.Info("已清理空房間", "removed", n, "rooms", r.Len())
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close 踢除所有成員並清空註冊表
//
// 必須在 Tick 驅動停止後呼叫。
func (r *Registry) Close() {
	for _, s := range r.shards {
		s.mu.Lock()
		rooms := s.rooms
		s.rooms = make(map[string]*room.Room)
		s.mu.Unlock()

		for _, rm := range rooms {
			rm.Close(apperrors.ErrShutdown)
		}
	}
	r.logger.Info("註冊表已關閉")
}
