package diag

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"llmmri/pkg/contract"
)

// Code 是最小错误分类代码。
// 用于日志/指标汇总与 BatchResult.error.kind，与退出码解耦。
type Code string

const (
	CodeUnknown     Code = "unknown"
	CodeCancel      Code = "cancel"
	CodeRateLimited Code = "rate_limited"
	CodeNetwork     Code = "network"
	CodeServer      Code = "server"
	CodeSchema      Code = "schema"
	CodeRequest     Code = "request"
	CodeConfig      Code = "config"
	CodeUngroupable Code = "ungroupable"
	CodeIO          Code = "io"
)

// Retryable 报告该分类是否属于瞬时可重试错误。
func (c Code) Retryable() bool {
	switch c {
	case CodeRateLimited, CodeNetwork, CodeServer:
		return true
	default:
		return false
	}
}

// Classify 将错误归为最小分类。
// 说明：仅依赖哨兵错误与标准库错误类型，不做字符串匹配。
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	// 取消/超时优先
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancel
	}
	switch {
	case errors.Is(err, contract.ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, contract.ErrTransientServer):
		return CodeServer
	case errors.Is(err, contract.ErrTransientNetwork):
		return CodeNetwork
	case errors.Is(err, contract.ErrSchemaInvalid):
		return CodeSchema
	case errors.Is(err, contract.ErrPermanentRequest), errors.Is(err, contract.ErrInvalidInput), errors.Is(err, contract.ErrUndecodableImage):
		return CodeRequest
	case errors.Is(err, contract.ErrConfig):
		return CodeConfig
	case errors.Is(err, contract.ErrUngroupable):
		return CodeUngroupable
	case errors.Is(err, contract.ErrPathInvalid), errors.Is(err, contract.ErrAlreadyExists):
		return CodeIO
	}
	// I/O
	var perr *os.PathError
	if errors.As(err, &perr) {
		return CodeIO
	}
	// 网络（连接/超时等）
	var nerr net.Error
	if errors.As(err, &nerr) {
		return CodeNetwork
	}
	// 上游状态码兜底：未包装哨兵的 UpstreamError
	var uerr contract.UpstreamError
	if errors.As(err, &uerr) {
		switch st := uerr.UpstreamStatus(); {
		case st == 429:
			return CodeRateLimited
		case st == 408 || st >= 500:
			return CodeServer
		case st >= 400:
			return CodeRequest
		}
	}
	return CodeUnknown
}

// NowUTC 返回 RFC3339 UTC 时间字符串（用于结构化日志字段 ts）。
func NowUTC() string { return time.Now().UTC().Format(time.RFC3339) }
