package rate

import (
	"context"
	"sync"
	"time"
)

// VirtualClock: 单调虚拟时钟。Sleep 不真实阻塞，而是直接把时间推进 d；
// 并发睡眠会累加推进量，因此虚拟耗时只会偏长，不会偏短。
type VirtualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewVirtualClock(start time.Time) *VirtualClock { return &VirtualClock{now: start} }

func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance 将时间向前推进 d（d<=0 忽略）。
func (c *VirtualClock) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Sleep 满足 SleepFunc。
func (c *VirtualClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return ctx.Err()
}
