// Package tick 以固定週期驅動所有房間的解析與廣播
//
// 每個 tick 分成兩個階段，各自對房間快照做平行分派：
//
//	1. 旗標階段：每個房間 ProcessFlags()
//	2. 廣播階段：每個房間 BroadcastData()；每 SkinEvery 個 tick 另外跑一輪 BroadcastSkins()，並把計數器歸零
//
// 房間之間沒有共享的可變狀態，所以分派只需要把房間清單切成幾份各自處理。
// 同一房間的解析一定在廣播之前完成（兩階段之間有 errgroup.Wait 的屏障）。
//
// 時間語意：每個 tick 量測開始時間、執行兩個階段、睡掉剩下的預算。
// 超時的 tick 不補跑，只記錄 overrun。
package tick

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/koopa0/system-design/14-realtime-rooms/internal/room"
	"github.com/koopa0/system-design/14-realtime-rooms/pkg/logger"
)

// RoomSource 提供房間快照（由註冊表實作）
type RoomSource interface {
	AllRooms() []*room.Room
}

// Options Tick 驅動選項
type Options struct {
	Period    time.Duration
	SkinEvery int
	// Workers 平行處理的分區數，0 表示 GOMAXPROCS
	Workers int
	// SlowTick 超過這個時間的 tick 會輸出指標日誌，0 表示停用
	SlowTick time.Duration
}

// Stats Tick 驅動統計
type Stats struct {
	Ticks          uint64        `json:"ticks"`
	SkinBroadcasts uint64        `json:"skin_broadcasts"`
	Overruns       uint64        `json:"overruns"`
	RoomFailures   uint64        `json:"room_failures"`
	LastDuration   time.Duration `json:"last_duration_ns"`
	Rooms          int           `json:"rooms"`
}

// Driver Tick 驅動
type Driver struct {
	source RoomSource
	opts   Options
	logger *slog.Logger

	// 只由執行 Tick 的 goroutine 存取
	counter int
	tickNo  uint64

	ticks          atomic.Uint64
	skinBroadcasts atomic.Uint64
	overruns       atomic.Uint64
	failures       atomic.Uint64
	lastDuration   atomic.Int64
	rooms          atomic.Int64
}

// New 建立 Tick 驅動
func New(source RoomSource, opts Options, log *slog.Logger) *Driver {
	if opts.Period <= 0 {
		opts.Period = 33 * time.Millisecond
	}
	if opts.SkinEvery < 1 {
		opts.SkinEvery = 30
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Driver{
		source: source,
		opts:   opts,
		logger: log.With("component", "tick"),
	}
}

// Run 執行 tick 迴圈直到 ctx 結束
func (d *Driver) Run(ctx context.Context) error {
	d.logger.Info("Tick 驅動已啟動",
		"period", d.opts.Period,
		"skin_every", d.opts.SkinEvery,
		"workers", d.opts.Workers,
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Tick 驅動已停止", "ticks", d.ticks.Load())
			return nil
		case <-timer.C:
		}

		start := time.Now()
		d.Tick()
		elapsed := time.Since(start)

		wait := d.opts.Period - elapsed
		if wait <= 0 {
			d.overruns.Add(1)
			d.logger.Warn("tick 超過週期", "elapsed", elapsed, "period", d.opts.Period)
			wait = 0
		}
		timer.Reset(wait)
	}
}

// Tick 執行一個 tick
//
// 只能由單一 goroutine 呼叫（Run 或測試）。
func (d *Driver) Tick() {
	start := time.Now()
	rooms := d.source.AllRooms()
	d.tickNo++
	tickNo := d.tickNo

	d.fanOut(rooms, "resolve", func(r *room.Room) error {
		r.ProcessFlags()
		return nil
	})
	d.fanOut(rooms, "broadcast_data", func(r *room.Room) error {
		return r.BroadcastData(tickNo)
	})

	d.counter++
	if d.counter >= d.opts.SkinEvery {
		d.fanOut(rooms, "broadcast_skins", func(r *room.Room) error {
			return r.BroadcastSkins()
		})
		d.counter = 0
		d.skinBroadcasts.Add(1)
	}

	elapsed := time.Since(start)
	d.ticks.Add(1)
	d.lastDuration.Store(int64(elapsed))
	d.rooms.Store(int64(len(rooms)))

	if d.opts.SlowTick > 0 && elapsed > d.opts.SlowTick {
		logger.Metrics(context.Background(), d.logger, "slow_tick", elapsed,
			slog.Uint64("tick", tickNo),
			slog.Int("rooms", len(rooms)),
		)
	}
}

// fanOut 把房間切成 Workers 份平行處理，等全部完成才返回
func (d *Driver) fanOut(rooms []*room.Room, phase string, fn func(*room.Room) error) {
	if len(rooms) == 0 {
		return
	}

	workers := d.opts.Workers
	if workers > len(rooms) {
		workers = len(rooms)
	}
	size := (len(rooms) + workers - 1) / workers

	var g errgroup.Group
	g.SetLimit(workers)
	for start := 0; start < len(rooms); start += size {
		end := min(start+size, len(rooms))
		partition := rooms[start:end]
		g.Go(func() error {
			for _, r := range partition {
				d.runRoom(r, phase, fn)
			}
			return nil
		})
	}
	// 每個房間的錯誤都在 runRoom 內處理，Wait 不會回傳錯誤
	_ = g.Wait()
}

// runRoom 處理單一房間，錯誤與 panic 都不會影響其他房間
func (d *Driver) runRoom(r *room.Room, phase string, fn func(*room.Room) error) {
	defer func() {
		if p := recover(); p != nil {
			d.failures.Add(1)
			d.logger.Error("房間發生 panic",
				"room", r.Key(),
				"phase", phase,
				"panic", fmt.Sprint(p),
				"stack", string(debug.Stack()),
			)
		}
	}()

	if err := fn(r); err != nil {
		d.failures.Add(1)
		d.logger.Error("房間處理失敗", "room", r.Key(), "phase", phase, "error", err)
	}
}

// Stats 統計資料
func (d *Driver) Stats() Stats {
	return Stats{
		Ticks:          d.ticks.Load(),
		SkinBroadcasts: d.skinBroadcasts.Load(),
		Overruns:       d.overruns.Load(),
		RoomFailures:   d.failures.Load(),
		LastDuration:   time.Duration(d.lastDuration.Load()),
		Rooms:          int(d.rooms.Load()),
	}
}
