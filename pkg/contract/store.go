package contract

import (
	"context"
	"io"
)

// Store: 批结果与汇总报告的持久化介质。
// 约束：
//  1. 同一 BatchKey 至多写入一次：Put 遇到既有工件返回 ErrAlreadyExists，不覆盖；
//  2. 写入原子（要么完整可见，要么不可见）；
//  3. ctx 取消/超时需尽快返回；
//  4. 错误直接上抛（不做重试/回退）。
type Store interface {
	Exists(ctx context.Context, key BatchKey) (bool, error)
	Put(ctx context.Context, res BatchResult) error
	// List 返回全部已持久化结果，按 (SeriesKey, BatchIndex) 升序。
	List(ctx context.Context) ([]BatchResult, error)
}

// ReportWriter: 汇总报告写入（允许覆盖，原子替换）。
type ReportWriter interface {
	WriteReport(ctx context.Context, name string, r io.Reader) error
}
