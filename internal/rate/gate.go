package rate

import (
	"context"
	"sync"
	"time"

	"llmmri/pkg/contract"
)

// LimitKey: 限流分组键（例如 provider+key 哈希）。
type LimitKey string

// Limits: 每分组的限额配置。0 表示不启用。
type Limits struct {
	RPM int // 任意滚动 60s 窗口内的最大放行次数
}

// Window: 滚动窗口长度。
const Window = 60 * time.Second

// Gate: 限流闸门（并发安全）。一次成功的 Wait/Try 即一次“放行”。
type Gate interface {
	// Wait: 阻塞直到获得放行或 ctx 取消。
	Wait(ctx context.Context, key LimitKey) error
	// Try: 非阻塞尝试；额度不足时返回 false。
	Try(key LimitKey) bool
}

// Snapshoter: 可选诊断接口。
type Snapshoter interface {
	// Snapshot 返回当前窗口内已放行次数与上限（上限 0 表示不限）。
	Snapshot(key LimitKey) (used, limit int)
}

// Resetter: 清空所有分组的放行记录（测试用）。
type Resetter interface {
	Reset()
}

// SleepFunc: 可取消的睡眠；测试注入虚拟时间实现。
type SleepFunc func(ctx context.Context, d time.Duration) error

// Options: 可选注入项。
type Options struct {
	// Clock 为空则使用 time.Now。
	Clock func() time.Time
	// Sleep 为空则使用分片真实睡眠。
	Sleep SleepFunc
	// OnAdmit 在窗口锁内以实际记账时间回调（仅对启用限流的分组）。
	OnAdmit func(key LimitKey, at time.Time)
}

// NewGate: 从静态配置构造闸门；clk 为空则使用 time.Now。
func NewGate(m map[LimitKey]Limits, clk func() time.Time) Gate {
	return NewGateWithOptions(m, Options{Clock: clk})
}

// NewGateWith: 同 NewGate，额外注入睡眠函数。
func NewGateWith(m map[LimitKey]Limits, clk func() time.Time, sleep SleepFunc) Gate {
	return NewGateWithOptions(m, Options{Clock: clk, Sleep: sleep})
}

func NewGateWithOptions(m map[LimitKey]Limits, o Options) Gate {
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Sleep == nil {
		o.Sleep = sleepCtx
	}
	g := &gate{clk: o.Clock, sleep: o.Sleep, onAdmit: o.OnAdmit, m: make(map[LimitKey]*window, len(m))}
	for k, lim := range m {
		g.m[k] = g.newWindow(k, lim.RPM)
	}
	return g
}

type gate struct {
	clk     func() time.Time
	sleep   SleepFunc
	onAdmit func(LimitKey, time.Time)
	mu      sync.Mutex // 保护 m 的惰性插入
	m       map[LimitKey]*window
}

func (g *gate) newWindow(key LimitKey, limit int) *window {
	w := newWindow(limit)
	if g.onAdmit != nil {
		w.onAdmit = func(at time.Time) { g.onAdmit(key, at) }
	}
	return w
}

// window: 滑动窗口日志。环形保存最近 limit 次放行时间戳；
// 窗口为左开右闭区间 (now-Window, now]。
type window struct {
	mu     sync.Mutex
	limit  int
	stamps []time.Time
	head   int // 最早一次放行的位置（仅当 n == limit 时有意义）
	n      int
	last   time.Time
	// onAdmit 在持锁状态下回调
	onAdmit func(time.Time)
}

func newWindow(limit int) *window {
	if limit < 0 {
		limit = 0
	}
	return &window{limit: limit, stamps: make([]time.Time, limit)}
}

// admit 尝试放行；失败时返回距最早放行滑出窗口的剩余时长。
// 时钟在持锁后读取，记账时间即放行时间。
func (w *window) admit(clk func() time.Time) (bool, time.Duration) {
	if w.limit == 0 {
		return true, 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	now := clk()
	// 单调性保护：时钟回拨视为无时间流逝
	if now.Before(w.last) {
		now = w.last
	}
	w.last = now
	if w.n < w.limit {
		w.stamps[(w.head+w.n)%w.limit] = now
		w.n++
	} else {
		oldest := w.stamps[w.head]
		if age := now.Sub(oldest); age < Window {
			return false, Window - age
		}
		w.stamps[w.head] = now
		w.head = (w.head + 1) % w.limit
	}
	if w.onAdmit != nil {
		w.onAdmit(now)
	}
	return true, 0
}

func (w *window) used(now time.Time) int {
	if w.limit == 0 {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if now.Before(w.last) {
		now = w.last
	}
	c := 0
	for i := 0; i < w.n; i++ {
		if now.Sub(w.stamps[(w.head+i)%w.limit]) < Window {
			c++
		}
	}
	return c
}

func (w *window) reset() {
	w.mu.Lock()
	w.head, w.n = 0, 0
	w.last = time.Time{}
	w.mu.Unlock()
}

func (g *gate) get(key LimitKey) *window {
	g.mu.Lock()
	defer g.mu.Unlock()
	w := g.m[key]
	if w == nil {
		// 未配置的 key 视为不限额
		w = newWindow(0)
		g.m[key] = w
	}
	return w
}

func (g *gate) Try(key LimitKey) bool {
	ok, _ := g.get(key).admit(g.clk)
	return ok
}

func (g *gate) Wait(ctx context.Context, key LimitKey) error {
	if ctx == nil {
		return contract.ErrInvalidInput
	}
	w := g.get(key)
	// 最小睡眠粒度，避免忙等
	const minSleep = 10 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		ok, d := w.admit(g.clk)
		if ok {
			return nil
		}
		if d < minSleep {
			d = minSleep
		}
		if err := g.sleep(ctx, d); err != nil {
			return err
		}
	}
}

func (g *gate) Snapshot(key LimitKey) (used, limit int) {
	w := g.get(key)
	return w.used(g.clk()), w.limit
}

func (g *gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, w := range g.m {
		w.reset()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	// 若 d 很长，分片为最多 200ms 的步长，及时响应取消
	const step = 200 * time.Millisecond
	for d > 0 {
		s := d
		if s > step {
			s = step
		}
		t := time.NewTimer(s)
		select {
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return ctx.Err()
		case <-t.C:
		}
		d -= s
	}
	return nil
}

// 接口断言（可选）。
var _ Gate = (*gate)(nil)
var _ Snapshoter = (*gate)(nil)
var _ Resetter = (*gate)(nil)
