package session

import "sync/atomic"

// MaxID 數字 ID 的上限，超過後從 1 重新開始
const MaxID = 1_000_000

// IDAllocator 產生線上協議使用的數字 ID（不會產生 0）
type IDAllocator struct {
	last atomic.Uint32
}

// Next 下一個 ID
func (a *IDAllocator) Next() uint32 {
	for {
		cur := a.last.Load()
		next := cur%MaxID + 1
		if a.last.CompareAndSwap(cur, next) {
			return next
		}
	}
}
