package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"llmmri/pkg/contract"
)

// UT-RTY-01: 可重试分类与剩余次数
func TestShouldRetry(t *testing.T) {
	p := New(3, time.Second, time.Minute, 0, nil)
	cases := []struct {
		name    string
		attempt int
		err     error
		want    bool
	}{
		{"限流", 1, fmt.Errorf("x: %w", contract.ErrRateLimited), true},
		{"网络", 2, contract.ErrTransientNetwork, true},
		{"服务端", 1, contract.ErrTransientServer, true},
		{"次数耗尽", 3, contract.ErrRateLimited, false},
		{"schema 终态", 1, contract.ErrSchemaInvalid, false},
		{"请求非法", 1, contract.ErrPermanentRequest, false},
		{"取消", 1, context.Canceled, false},
		{"未知", 1, errors.New("boom"), false},
		{"nil", 1, nil, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := p.ShouldRetry(c.attempt, c.err); got != c.want {
				t.Fatalf("ShouldRetry(%d,%v)=%v 预期 %v", c.attempt, c.err, got, c.want)
			}
		})
	}
}

// UT-RTY-02: 指数退避与封顶（无抖动）
func TestBackoffExponentialCapped(t *testing.T) {
	p := New(10, 2*time.Second, 10*time.Second, 0, nil)
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Fatalf("attempt %d: got %v 预期 %v", i+1, got, w)
		}
	}
	if p.Backoff(0) != 2*time.Second {
		t.Fatalf("attempt<1 应按 1 处理")
	}
	if p.Backoff(200) != 10*time.Second {
		t.Fatalf("大 attempt 不应溢出")
	}
}

// UT-RTY-03: 抖动范围
func TestBackoffJitterBounds(t *testing.T) {
	p := New(3, time.Second, time.Minute, 0.5, rand.New(rand.NewSource(1)))
	for i := 0; i < 200; i++ {
		d := p.Backoff(1)
		if d < 500*time.Millisecond || d > 1500*time.Millisecond {
			t.Fatalf("抖动越界: %v", d)
		}
	}
}

// 边界：最小尝试次数与零基准
func TestPolicyEdges(t *testing.T) {
	if New(0, 0, 0, 2, nil).Attempts() != 1 {
		t.Fatalf("MaxAttempts<1 应视为 1")
	}
	var nilp *Policy
	if nilp.Attempts() != 1 || nilp.Backoff(3) != 0 {
		t.Fatalf("nil 策略应退化为单次、零等待")
	}
	if Default().Attempts() != 3 {
		t.Fatalf("默认应为 3 次")
	}
}
