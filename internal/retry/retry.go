package retry

import (
	"math/rand"
	"sync"
	"time"

	"llmmri/internal/diag"
)

// Policy: 重试策略。
// - MaxAttempts: 单批总尝试次数上限（含首次），<1 视为 1；
// - 延迟：Base × 2^(attempt-1)，上限 Max，再乘以 [1-Jitter, 1+Jitter] 的随机因子；
// - 仅 rate_limited/network/server 三类瞬时错误可重试。
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
	Jitter      float64 // 0..1

	mu  sync.Mutex
	rnd *rand.Rand
}

// Default 返回默认策略：3 次尝试、2s 起步、60s 封顶、±50% 抖动。
func Default() *Policy {
	return New(3, 2*time.Second, 60*time.Second, 0.5, nil)
}

// New 构造策略；rnd 为空时使用时间种子。
func New(maxAttempts int, base, max time.Duration, jitter float64, rnd *rand.Rand) *Policy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Policy{MaxAttempts: maxAttempts, Base: base, Max: max, Jitter: jitter, rnd: rnd}
}

// Attempts 返回有效的最大尝试次数。
func (p *Policy) Attempts() int {
	if p == nil || p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// ShouldRetry: attempt 为刚失败的第几次尝试（1 起）。
// 仍有剩余尝试且错误属于瞬时类别时返回 true；取消永不重试。
func (p *Policy) ShouldRetry(attempt int, err error) bool {
	if err == nil || attempt >= p.Attempts() {
		return false
	}
	return Retryable(err)
}

// Retryable 报告错误是否属于可重试类别。
func Retryable(err error) bool {
	return diag.Classify(err).Retryable()
}

// Backoff: 第 attempt 次失败后的等待时长（attempt 从 1 开始）。
func (p *Policy) Backoff(attempt int) time.Duration {
	if p == nil || p.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			d = p.Max
			break
		}
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	if p.Jitter > 0 {
		p.mu.Lock()
		f := 1 - p.Jitter + 2*p.Jitter*p.rnd.Float64()
		p.mu.Unlock()
		d = time.Duration(float64(d) * f)
	}
	return d
}
