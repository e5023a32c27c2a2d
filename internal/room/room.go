// Package room 實作房間：待處理旗標佇列、每個 tick 的解析與廣播
package room

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koopa0/system-design/14-realtime-rooms/internal/events"
	"github.com/koopa0/system-design/14-realtime-rooms/internal/protocol"
	apperrors "github.com/koopa0/system-design/14-realtime-rooms/pkg/errors"
)

// Member 房間成員（由 Session 實作）
type Member interface {
	ID() uint32
	Name() string
	// Send 不得阻塞；失敗時房間會在下一次解析時移除該成員
	Send(frame protocol.Frame) error
	// Kick 要求成員關閉連線
	Kick(reason error)
}

// FlagKind 旗標事件類型
type FlagKind int

const (
	FlagJoin FlagKind = iota + 1
	FlagLeave
	FlagState
	FlagSkin
	FlagChat
)

func (k FlagKind) String() string {
	switch k {
	case FlagJoin:
		return "join"
	case FlagLeave:
		return "leave"
	case FlagState:
		return "state"
	case FlagSkin:
		return "skin"
	case FlagChat:
		return "chat"
	default:
		return "unknown"
	}
}

// FlagEvent 等待下一次解析的事件
type FlagEvent struct {
	Kind     FlagKind
	MemberID uint32
	// Member 只在 FlagJoin 時需要
	Member Member
	Name   string
	State  *protocol.PlayerState
	Skin   *protocol.Skin
	Chat   string
	// Reason 非 nil 的離開事件會在移除後踢除成員
	Reason error
	// Then 在離開事件套用後執行（用於切換房間）
	Then func()
}

// Options 房間選項
type Options struct {
	MaxMembers int
	// IdleTicks 成員曾回報狀態後，超過這個 tick 數沒有新狀態就踢除；0 表示停用
	IdleTicks int
	Static    bool
	Framer    *protocol.Framer
	Publisher events.Publisher
	Logger    *slog.Logger
}

// memberState 只由 Tick 驅動存取
type memberState struct {
	member     Member
	name       string
	state      protocol.PlayerState
	hasState   bool
	skin       *protocol.Skin
	lastUpdate uint64
}

// Info 房間摘要（可從任何 goroutine 讀取）
type Info struct {
	Key        string    `json:"key"`
	Members    int       `json:"members"`
	Pending    int       `json:"pending"`
	Static     bool      `json:"static"`
	LastActive time.Time `json:"last_active"`
}

// Room 一組互相廣播狀態的成員
//
// 並發模型：
//
//  1. 待處理佇列（pending）：
//     任意 Session 都可能同時呼叫 EnqueueFlag，只在 append 期間持有 mu。
//     Tick 驅動解析時把整個 slice 換掉後釋放鎖，再套用事件。
//
//  2. 成員與狀態（members、order、chat）：
//     只由 Tick 驅動存取。同一房間的 ResolveFlags 與 Broadcast* 在同一個 tick 內依序執行，
//     不需要鎖。
//
//  3. 對外查詢（memberCount、lastActive）：
//     atomic，HTTP 與清理程序讀取時不碰成員表。
//
// 不變式：
//   - 一個 tick 內入佇列的事件，在該 tick 的廣播之前恰好解析一次
//   - 廣播內容是解析完成時的狀態，解析後才入佇列的事件要等下一個 tick
type Room struct {
	key    string
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	pending   []FlagEvent
	closed    bool
	resolving bool

	members  map[uint32]*memberState
	order    []uint32
	chat     []protocol.ChatLine
	joined   []uint32
	resolves uint64

	memberCount  atomic.Int32
	pendingCount atomic.Int32
	lastActive   atomic.Int64
}

// New 建立房間
func New(key string, opts Options) *Room {
	if opts.Framer == nil {
		opts.Framer = protocol.NewFramer(protocol.JSONCodec{}, protocol.FramerOptions{})
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NopPublisher{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	r := &Room{
		key:     key,
		opts:    opts,
		logger:  opts.Logger.With("room", key),
		members: make(map[uint32]*memberState),
	}
	r.touch()
	return r
}

// Key 房間鍵
func (r *Room) Key() string { return r.key }

// Static 是否為常駐房間
func (r *Room) Static() bool { return r.opts.Static }

// MemberCount 上一次解析後的成員數
func (r *Room) MemberCount() int { return int(r.memberCount.Load()) }

// LastActive 最後一次有事件或成員的時間
func (r *Room) LastActive() time.Time { return time.Unix(0, r.lastActive.Load()) }

// Info 房間摘要
func (r *Room) Info() Info {
	return Info{
		Key:        r.key,
		Members:    r.MemberCount(),
		Pending:    int(r.pendingCount.Load()),
		Static:     r.opts.Static,
		LastActive: r.LastActive(),
	}
}

func (r *Room) touch() {
	r.lastActive.Store(time.Now().UnixNano())
}

// EnqueueFlag 將事件加入待處理佇列
//
// 房間被註冊表移除後回傳 ErrRoomClosed，呼叫端應重新向註冊表取得房間。
func (r *Room) EnqueueFlag(ev FlagEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return apperrors.ErrRoomClosed
	}
	r.pending = append(r.pending, ev)
	r.pendingCount.Store(int32(len(r.pending)))
	r.touch()
	return nil
}

// enqueueInternal 房間自己產生的離開事件，關閉後也要保留
func (r *Room) enqueueInternal(ev FlagEvent) {
	r.mu.Lock()
	r.pending = append(r.pending, ev)
	r.pendingCount.Store(int32(len(r.pending)))
	r.mu.Unlock()
}

// TryRetire 沒有成員也沒有待處理事件時把房間標記為關閉
//
// 由註冊表在持有 shard 寫鎖時呼叫；成功後 EnqueueFlag 一律失敗。
func (r *Room) TryRetire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return true
	}
	if r.opts.Static || r.resolving || r.memberCount.Load() > 0 || len(r.pending) > 0 {
		return false
	}
	r.closed = true
	return true
}

// Closed 是否已從註冊表移除
func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// ProcessFlags Tick 驅動的進入點，等同 ResolveFlags
func (r *Room) ProcessFlags() {
	r.ResolveFlags()
}

// ResolveFlags 依到達順序套用待處理事件
//
// 同一房間不可並行呼叫。單一事件的回呼（Kick、Then、Publish）panic 時只略過該事件，
// 批次中其餘事件照常套用。
func (r *Room) ResolveFlags() {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.pendingCount.Store(0)
	r.resolving = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.memberCount.Store(int32(len(r.order)))
		r.resolving = false
		r.mu.Unlock()

		if len(r.order) > 0 {
			r.touch()
		}
	}()

	r.resolves++
	r.chat = r.chat[:0]

	for i := range batch {
		r.guard(batch[i].Kind.String(), batch[i].MemberID, func() { r.apply(&batch[i]) })
	}

	r.evictIdle()
}

// guard 執行 fn 並吸收 panic，狀態變更都在回呼之前完成
func (r *Room) guard(kind string, id uint32, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("套用事件時發生 panic", "kind", kind, "member_id", id, "panic", p)
		}
	}()
	fn()
}

func (r *Room) apply(ev *FlagEvent) {
	switch ev.Kind {
	case FlagJoin:
		r.applyJoin(ev)
	case FlagLeave:
		r.remove(ev.MemberID, ev.Reason)
		if ev.Then != nil {
			ev.Then()
		}
	case FlagState:
		ms, ok := r.members[ev.MemberID]
		if !ok || ev.State == nil {
			return
		}
		ms.state = *ev.State
		ms.hasState = true
		ms.lastUpdate = r.resolves
		if ev.Name != "" {
			ms.name = ev.Name
		}
	case FlagSkin:
		if ms, ok := r.members[ev.MemberID]; ok && ev.Skin != nil {
			skin := *ev.Skin
			ms.skin = &skin
		}
	case FlagChat:
		if ms, ok := r.members[ev.MemberID]; ok && ev.Chat != "" {
			r.chat = append(r.chat, protocol.ChatLine{ID: ev.MemberID, Name: ms.name, Text: ev.Chat})
		}
	default:
		r.logger.Warn("未知的旗標事件", "kind", int(ev.Kind), "member_id", ev.MemberID)
	}
}

func (r *Room) applyJoin(ev *FlagEvent) {
	if ev.Member == nil {
		return
	}
	id := ev.Member.ID()
	if _, ok := r.members[id]; ok {
		return
	}
	if r.opts.MaxMembers > 0 && len(r.order) >= r.opts.MaxMembers {
		r.logger.Info("房間已滿，拒絕成員", "member_id", id)
		ev.Member.Kick(apperrors.ErrRoomFull)
		return
	}

	name := ev.Name
	if name == "" {
		name = ev.Member.Name()
	}
	ms := &memberState{member: ev.Member, name: name, lastUpdate: r.resolves}
	if ev.State != nil {
		ms.state = *ev.State
		ms.hasState = true
	}
	if ev.Skin != nil {
		skin := *ev.Skin
		ms.skin = &skin
	}

	r.members[id] = ms
	r.order = append(r.order, id)
	r.joined = append(r.joined, id)

	r.logger.Debug("成員加入", "member_id", id, "members", len(r.order))
	r.opts.Publisher.Publish(events.Event{Type: events.MemberJoined, Room: r.key, MemberID: id, Name: name, Timestamp: time.Now()})
}

// remove 移除成員（重複移除不做任何事）
func (r *Room) remove(id uint32, reason error) {
	ms, ok := r.members[id]
	if !ok {
		return
	}
	delete(r.members, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	for i, v := range r.joined {
		if v == id {
			r.joined = append(r.joined[:i], r.joined[i+1:]...)
			break
		}
	}

	ev := events.Event{Type: events.MemberLeft, Room: r.key, MemberID: id, Name: ms.name, Timestamp: time.Now()}
	if reason != nil {
		ev.Reason = reason.Error()
		ms.member.Kick(reason)
	}
	r.logger.Debug("成員離開", "member_id", id, "members", len(r.order), "reason", ev.Reason)
	r.opts.Publisher.Publish(ev)
}

// evictIdle 踢除曾回報狀態但已超過 IdleTicks 沒有更新的成員
func (r *Room) evictIdle() {
	if r.opts.IdleTicks <= 0 {
		return
	}
	var stale []uint32
	for _, id := range r.order {
		ms := r.members[id]
		if ms.hasState && r.resolves-ms.lastUpdate > uint64(r.opts.IdleTicks) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		r.logger.Info("踢除閒置成員", "member_id", id)
		r.guard("idle", id, func() { r.remove(id, apperrors.ErrIdleTimeout) })
	}
}

// SnapshotState 目前成員的廣播狀態（依加入順序），不修改房間
func (r *Room) SnapshotState() []protocol.PlayerSnapshot {
	snapshot := make([]protocol.PlayerSnapshot, 0, len(r.order))
	for _, id := range r.order {
		ms := r.members[id]
		snapshot = append(snapshot, protocol.PlayerSnapshot{ID: id, Name: ms.name, State: ms.state})
	}
	return snapshot
}

// MemberIDs 目前成員 ID（依加入順序）
//
// 與 SnapshotState 相同，只能在 Tick 驅動之外沒有並行解析時呼叫。
func (r *Room) MemberIDs() []uint32 {
	ids := make([]uint32, len(r.order))
	copy(ids, r.order)
	return ids
}

func (r *Room) skinSnapshot() []protocol.SkinSnapshot {
	var skins []protocol.SkinSnapshot
	for _, id := range r.order {
		if ms := r.members[id]; ms.skin != nil {
			skins = append(skins, protocol.SkinSnapshot{ID: id, Skin: *ms.skin})
		}
	}
	return skins
}

// BroadcastData 將快照送給所有成員
//
// 編碼只做一次。單一成員送出失敗會記錄並轉為下一次解析的離開事件，不影響其他成員。
// 回傳的錯誤只代表整個房間的廣播失敗（例如編碼錯誤）。
func (r *Room) BroadcastData(tick uint64) error {
	if len(r.joined) > 0 {
		r.sendSkinsToJoiners()
	}
	if len(r.order) == 0 {
		return nil
	}

	frame, err := r.opts.Framer.Encode(&protocol.Outbound{
		Type:    protocol.TypeData,
		Room:    r.key,
		Tick:    tick,
		Players: r.SnapshotState(),
		Chat:    r.chat,
	})
	if err != nil {
		return err
	}

	r.deliver(frame, r.order)
	return nil
}

// BroadcastSkins 將外觀送給所有成員，沒有任何成員設定外觀時略過
func (r *Room) BroadcastSkins() error {
	if len(r.order) == 0 {
		return nil
	}
	skins := r.skinSnapshot()
	if len(skins) == 0 {
		return nil
	}

	frame, err := r.opts.Framer.Encode(&protocol.Outbound{Type: protocol.TypeSkins, Room: r.key, Skins: skins})
	if err != nil {
		return err
	}

	r.deliver(frame, r.order)
	return nil
}

// sendSkinsToJoiners 新成員不必等到下一次外觀廣播
func (r *Room) sendSkinsToJoiners() {
	joined := r.joined
	r.joined = nil

	skins := r.skinSnapshot()
	if len(skins) == 0 {
		return
	}
	frame, err := r.opts.Framer.Encode(&protocol.Outbound{Type: protocol.TypeSkins, Room: r.key, Skins: skins})
	if err != nil {
		r.logger.Error("編碼新成員外觀失敗", "error", err)
		return
	}
	r.deliver(frame, joined)
}

func (r *Room) deliver(frame protocol.Frame, ids []uint32) {
	for _, id := range ids {
		ms, ok := r.members[id]
		if !ok {
			continue
		}
		if err := ms.member.Send(frame); err != nil {
			r.logger.Warn("送出失敗，移除成員", "member_id", id, "error", err)
			r.enqueueInternal(FlagEvent{Kind: FlagLeave, MemberID: id, Reason: err})
		}
	}
}

// Close 踢除所有成員並關閉房間（程序關閉時使用，必須在 Tick 驅動停止後呼叫）
func (r *Room) Close(reason error) {
	r.mu.Lock()
	r.closed = true
	r.pending = nil
	r.pendingCount.Store(0)
	r.mu.Unlock()

	for _, id := range r.order {
		r.members[id].member.Kick(reason)
	}
	r.members = make(map[uint32]*memberState)
	r.order = nil
	r.joined = nil
	r.memberCount.Store(0)

	r.opts.Publisher.Publish(events.Event{Type: events.RoomClosed, Room: r.key, Timestamp: time.Now()})
}
