package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// JSON/YAML 使用 snake_case；未知字段在解析期失败。
type Config struct {
	Inputs []string `json:"inputs"`
	// BatchSize: 每批影像数上限，[1,20]。
	BatchSize int `json:"batch_size"`
	// MaxConcurrent: 同时在途的远端调用上限（>=1）。
	MaxConcurrent int `json:"max_concurrent"`
	// MaxRetries: 每批总尝试次数上限，有效值 max(1, max_retries)。
	MaxRetries int `json:"max_retries"`
	// RPM: 任意滚动 60s 窗口内的最大请求数；0 表示不限。
	RPM int `json:"rpm"`
	// Sample: 每序列仅分析前 N 张；0 表示关闭。
	Sample int `json:"sample"`
	// Series: 序列白名单；空表示全部。
	Series []string `json:"series"`
	// SeriesPattern: 无显式序列标识时应用于文件名主干的正则；空则使用默认。
	SeriesPattern string `json:"series_pattern"`

	PatientContext   string `json:"patient_context"`
	ClinicalQuestion string `json:"clinical_question"`
	SequenceType     string `json:"sequence_type"`

	ResultsDir string `json:"results_dir"`
	ReportsDir string `json:"reports_dir"`
	// SkipSummary: 运行结束后不生成汇总报告。
	SkipSummary *bool `json:"skip_summary,omitempty"`
	// FinalSummary: 汇总后可选的叙述性总结（通俗摘要 + 专业报告）。
	FinalSummary FinalSummary `json:"final_summary"`

	Backoff Backoff `json:"backoff"`
	Logging Logging `json:"logging"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`

	// LLM Provider 选择与定义。
	LLM      string              `json:"llm"`
	Provider map[string]Provider `json:"provider"`

	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
}

// Backoff: 重试退避参数（毫秒）。
type Backoff struct {
	BaseMS int      `json:"base_ms"`
	MaxMS  int      `json:"max_ms"`
	Jitter *float64 `json:"jitter,omitempty"`
}

// Logging: 日志等级与目录；Dir 为空时输出到 stderr。
type Logging struct {
	Level string `json:"level"`
	Dir   string `json:"dir"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Ingest        string `json:"ingest"`
	PromptBuilder string `json:"prompt_builder"`
	Decoder       string `json:"decoder"`
	Store         string `json:"store"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	Ingest        json.RawMessage `json:"ingest,omitempty"`
	PromptBuilder json.RawMessage `json:"prompt_builder,omitempty"`
	Decoder       json.RawMessage `json:"decoder,omitempty"`
	Store         json.RawMessage `json:"store,omitempty"`
}

// FinalSummary: 叙述性总结。默认关闭；LLM 为 provider 名称，空则复用 llm。
type FinalSummary struct {
	Enabled *bool  `json:"enabled,omitempty"`
	LLM     string `json:"llm"`
}

// Provider: 命名 provider 定义（client 实现 + options）。
type Provider struct {
	Client  string          `json:"client"`
	Options json.RawMessage `json:"options,omitempty"`
}

// SkipSummaryEnabled 返回 skip_summary 的有效值（未设置为 false）。
func (c Config) SkipSummaryEnabled() bool { return c.SkipSummary != nil && *c.SkipSummary }

// FinalSummaryEnabled: 叙述性总结是否开启（skip_summary 优先）。
func (c Config) FinalSummaryEnabled() bool {
	return !c.SkipSummaryEnabled() && c.FinalSummary.Enabled != nil && *c.FinalSummary.Enabled
}

// SummaryLLM 返回叙述性总结使用的 provider 名称。
func (c Config) SummaryLLM() string {
	if c.FinalSummary.LLM != "" {
		return c.FinalSummary.LLM
	}
	return c.LLM
}

// Unset 返回一个“全部未设置”的覆盖层：0 具有语义的整数字段置为 -1。
func Unset() Config {
	return Config{MaxRetries: -1, RPM: -1, Sample: -1}
}
