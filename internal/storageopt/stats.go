package storageopt

import (
	"context"
	"sync/atomic"
	"time"
)

// =============================================================================
// 存储层计数器
// =============================================================================

// TierCounter 存储层访问计数器。
// 零值可用，所有方法并发安全。
type TierCounter struct {
	reads       atomic.Int64
	readErrors  atomic.Int64
	writes      atomic.Int64
	writeErrors atomic.Int64
	removes     atomic.Int64
}

// TierSnapshot 是 TierCounter 某一时刻的快照。
type TierSnapshot struct {
	Reads       int64
	ReadErrors  int64
	Writes      int64
	WriteErrors int64
	Removes     int64
}

// ObserveRead 记录一次读操作。
// 未命中不是错误，调用方应只在底层故障时传入非 nil err。
func (c *TierCounter) ObserveRead(err error) {
	c.reads.Add(1)
	if err != nil {
		c.readErrors.Add(1)
	}
}

// ObserveWrite 记录一次写操作。
func (c *TierCounter) ObserveWrite(err error) {
	c.writes.Add(1)
	if err != nil {
		c.writeErrors.Add(1)
	}
}

// IncRemove 增加删除计数。
func (c *TierCounter) IncRemove() {
	c.removes.Add(1)
}

// Reads 返回读次数。
func (c *TierCounter) Reads() int64 {
	return c.reads.Load()
}

// Snapshot 返回当前计数快照。
func (c *TierCounter) Snapshot() TierSnapshot {
	return TierSnapshot{
		Reads:       c.reads.Load(),
		ReadErrors:  c.readErrors.Load(),
		Writes:      c.writes.Load(),
		WriteErrors: c.writeErrors.Load(),
		Removes:     c.removes.Load(),
	}
}

// =============================================================================
// 通用辅助函数
// =============================================================================

// DefaultOpTimeout 单次存储操作的默认超时时间。
const DefaultOpTimeout = 2 * time.Second

// OpContext 创建带单次操作超时的 context。
// 如果 timeout <= 0，返回原始 context 和空的 cancel 函数。
//
// 使用示例：
//
//	ctx, cancel := storageopt.OpContext(ctx, timeout)
//	defer cancel()
func OpContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
