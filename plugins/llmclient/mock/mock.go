package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"llmmri/pkg/contract"
)

// Options: 最小调试配置（可选）。
type Options struct {
	Prefix string `json:"prefix"` // 描述前缀，默认 "MOCK"
	// APIKey: 仅用于限流分组（调试用），默认使用内置常量，不参与任何网络请求。
	APIKey string `json:"api_key"`
	// ResponseMode: 可选的响应模式（用于集成测试与无网络联调）。
	//  - "" 或 "findings": 每批一条占位发现，schema 合法（与 findings 解码器即插即用）。
	//  - "empty": 无发现的 benign 结果。
	//  - "invalid_json": 返回非 JSON 文本，用于触发 schema 终态失败。
	//  - "echo": 回显 Prompt 摘要。
	ResponseMode string `json:"response_mode,omitempty"`
	// Suspicion: findings 模式下的可疑程度，默认 indeterminate。
	Suspicion string `json:"suspicion,omitempty"`
	// LatencyMS: 每次调用的模拟延迟（毫秒），可被 ctx 取消。
	LatencyMS int `json:"latency_ms,omitempty"`
}

type Client struct {
	prefix    string
	mode      string
	suspicion contract.SuspicionLevel
	latency   time.Duration
}

func New(raw json.RawMessage) (contract.LLMClient, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("mock options: %w", err)
		}
	}
	if o.Prefix == "" {
		o.Prefix = "MOCK"
	}
	mode := strings.TrimSpace(o.ResponseMode)
	if mode == "" {
		mode = "findings"
	}
	switch mode {
	case "findings", "empty", "invalid_json", "echo":
	default:
		return nil, fmt.Errorf("mock: %w: unknown response_mode %q", contract.ErrConfig, mode)
	}
	lvl := contract.SuspicionLevel(o.Suspicion)
	if lvl == "" {
		lvl = contract.SuspicionIndeterminate
	}
	if lvl.Rank() < 0 {
		return nil, fmt.Errorf("mock: %w: unknown suspicion %q", contract.ErrConfig, o.Suspicion)
	}
	return &Client{prefix: o.Prefix, mode: mode, suspicion: lvl, latency: time.Duration(o.LatencyMS) * time.Millisecond}, nil
}

// Name 返回用于终端展示的名称。
func (c *Client) Name() string { return "mock" }

func (c *Client) Invoke(ctx context.Context, b contract.Batch, p contract.Prompt) (contract.Raw, error) {
	if c.latency > 0 {
		t := time.NewTimer(c.latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return contract.Raw{}, ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return contract.Raw{}, err
	}
	if tp, ok := p.(contract.PlainTextPrompt); ok {
		return Narrative(tp, c.prefix), nil
	}
	switch c.mode {
	case "findings":
		return Findings(b, c.prefix, c.suspicion), nil
	case "empty":
		bts, _ := json.Marshal(contract.StructuredResult{
			Findings:        []contract.Finding{},
			Impression:      "No acute abnormality.",
			Recommendations: "Routine follow-up.",
			Confidence:      90,
			SuspicionLevel:  contract.SuspicionBenign,
		})
		return contract.Raw{Text: string(bts)}, nil
	case "invalid_json":
		return contract.Raw{Text: c.prefix + ": not json"}, nil
	}

	// echo：回显 Prompt 摘要
	switch v := p.(type) {
	case contract.ChatPrompt:
		if len(v) == 0 {
			return contract.Raw{Text: fmt.Sprintf("%s(chat): <empty>", c.prefix)}, nil
		}
		// 取第一条消息内容，避免打印过长
		return contract.Raw{Text: fmt.Sprintf("%s(chat:%s): %s", c.prefix, v[0].Role, v[0].Content)}, nil
	default:
		return contract.Raw{Text: fmt.Sprintf("%s(unknown prompt type)", c.prefix)}, nil
	}
}

// Findings 为批次构造确定性的、schema 合法的占位结果：
// 描述引用序列与批次，slice_index 指向批内首张影像。
func Findings(b contract.Batch, prefix string, lvl contract.SuspicionLevel) contract.Raw {
	zero := 0
	desc := fmt.Sprintf("%s: %d slices reviewed", prefix, len(b.Records))
	if len(b.Records) > 0 {
		desc = fmt.Sprintf("%s: %d slices reviewed from %s", prefix, len(b.Records), b.Records[0].ID)
	}
	res := contract.StructuredResult{
		Findings: []contract.Finding{{
			Description: desc,
			Location:    b.Key.SeriesKey,
			Severity:    string(lvl),
			SliceIndex:  &zero,
		}},
		Impression:      fmt.Sprintf("%s impression for %s", prefix, b.Key),
		Recommendations: "Correlate clinically.",
		Confidence:      50,
		SuspicionLevel:  lvl,
	}
	bts, _ := json.Marshal(res)
	return contract.Raw{Text: string(bts)}
}

// Narrative 为自由文本提示词构造确定性的两段式回复，引用最后一条消息的首行。
func Narrative(p contract.PlainTextPrompt, prefix string) contract.Raw {
	head := "<empty>"
	if n := len(p); n > 0 {
		head, _, _ = strings.Cut(strings.TrimSpace(p[n-1].Content), "\n")
	}
	return contract.Raw{Text: fmt.Sprintf("%s plain-language summary: %s\n\n%s professional report: %s", prefix, head, prefix, head)}
}

var _ contract.LLMClient = (*Client)(nil)
