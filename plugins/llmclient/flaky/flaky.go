package flaky

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"llmmri/pkg/contract"
	"llmmri/plugins/llmclient/mock"
)

// Options 定义可选项。
type Options struct {
	Prefix string `json:"prefix"`
	// Script: 每个批次前 N 次调用依次返回的结果；用尽后返回成功。
	// 取值：rate_limited | server | network | invalid_json | request | ok。默认 ["rate_limited","server"]。
	Script []string `json:"script,omitempty"`
	// LogPath: 调试用日志文件，记录每次调用结果（可选）。
	LogPath string `json:"log_path,omitempty"`
}

// Client 是带状态的 LLM 实现：按批次键计数，按 Script 注入失败，之后返回占位结果。
// 计数按批次隔离，因此并发调度下结果与批次执行顺序无关。
type Client struct {
	prefix  string
	script  []string
	logPath string

	mu    sync.Mutex
	calls map[contract.BatchKey]int
}

// New 构造 Client。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("flaky options: %w", err)
		}
	}
	if o.Prefix == "" {
		o.Prefix = "FLAKY"
	}
	if o.Script == nil {
		o.Script = []string{"rate_limited", "server"}
	}
	for _, s := range o.Script {
		if _, ok := outcomes[s]; !ok && s != "ok" && s != "invalid_json" {
			return nil, fmt.Errorf("flaky: %w: unknown script step %q", contract.ErrConfig, s)
		}
	}
	return &Client{prefix: o.Prefix, script: o.Script, logPath: o.LogPath, calls: make(map[contract.BatchKey]int)}, nil
}

// outcomes: 脚本步骤到注入错误的映射。
var outcomes = map[string]error{
	"rate_limited": contract.ErrRateLimited,
	"server":       contract.ErrTransientServer,
	"network":      contract.ErrTransientNetwork,
	"request":      contract.ErrPermanentRequest,
}

// Name 返回用于终端展示的名称。
func (c *Client) Name() string { return "flaky" }

// Calls 返回某批次已被调用的次数。
func (c *Client) Calls(k contract.BatchKey) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[k]
}

func (c *Client) next(k contract.BatchKey) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.calls[k]
	c.calls[k] = n + 1
	if n < len(c.script) {
		return c.script[n]
	}
	return "ok"
}

func (c *Client) log(k contract.BatchKey, s string) {
	if c.logPath == "" {
		return
	}
	// 追加写入，忽略错误。
	_ = appendFile(c.logPath, k.String()+" "+s+"\n")
}

// appendFile 以追加方式写入。
func appendFile(path, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(s)
	return err
}

// Invoke 实现 contract.LLMClient。
func (c *Client) Invoke(ctx context.Context, b contract.Batch, p contract.Prompt) (contract.Raw, error) {
	if err := ctx.Err(); err != nil {
		return contract.Raw{}, err
	}
	step := c.next(b.Key)
	c.log(b.Key, step)
	if err, ok := outcomes[step]; ok {
		return contract.Raw{}, fmt.Errorf("flaky %s: %w", b.Key, err)
	}
	if step == "invalid_json" {
		return contract.Raw{Text: "invalid"}, nil
	}
	return mock.Findings(b, c.prefix, contract.SuspicionIndeterminate), nil
}

var _ contract.LLMClient = (*Client)(nil)
