package pipeline

import (
	"context"

	"llmmri/pkg/contract"
)

// Guard: 续跑判定。任一已持久化的 BatchResult（成功或终态失败）即视为已完成；
// 终态失败不会在后续运行中自动重试，需删除对应工件以强制重跑。
type Guard struct {
	store contract.Store
}

func NewGuard(s contract.Store) *Guard { return &Guard{store: s} }

// IsDone 报告 key 对应的批是否已有持久化结果。
func (g *Guard) IsDone(ctx context.Context, key contract.BatchKey) (bool, error) {
	if g == nil || g.store == nil {
		return false, nil
	}
	return g.store.Exists(ctx, key)
}
