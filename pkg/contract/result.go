package contract

import "time"

// SuspicionLevel: 结构化结果中的可疑程度枚举。
type SuspicionLevel string

const (
	SuspicionBenign           SuspicionLevel = "benign"
	SuspicionIndeterminate    SuspicionLevel = "indeterminate"
	SuspicionSuspicious       SuspicionLevel = "suspicious"
	SuspicionHighlySuspicious SuspicionLevel = "highly_suspicious"
)

// Rank 返回用于比较的序数；未知值为 -1。
func (s SuspicionLevel) Rank() int {
	switch s {
	case SuspicionBenign:
		return 0
	case SuspicionIndeterminate:
		return 1
	case SuspicionSuspicious:
		return 2
	case SuspicionHighlySuspicious:
		return 3
	default:
		return -1
	}
}

// Finding: 单条发现。
type Finding struct {
	Description string `json:"description"`
	Location    string `json:"location"`
	Severity    string `json:"severity"`
	// SliceIndex: 可选，模型引用的批内切片序号。
	SliceIndex *int `json:"slice_index,omitempty"`
}

// StructuredResult: 远端分析成功时的结构化载荷（已通过 schema 校验）。
type StructuredResult struct {
	Findings        []Finding      `json:"findings"`
	Impression      string         `json:"impression"`
	Recommendations string         `json:"recommendations"`
	Confidence      float64        `json:"confidence"`
	SuspicionLevel  SuspicionLevel `json:"suspicion_level"`
}

// Status: 持久化结果状态。
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Failure: 终态失败记录。Kind 为 diag.Classify 的分类码。
type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// BatchResult: 每个 BatchKey 恰好写一次的持久化工件；成功与终态失败二选一。
type BatchResult struct {
	SeriesKey   string            `json:"series_key"`
	BatchIndex  int               `json:"batch_index"`
	Status      Status            `json:"status"`
	Attempts    int               `json:"attempts"`
	Images      []ImageID         `json:"images"`
	Result      *StructuredResult `json:"result,omitempty"`
	Error       *Failure          `json:"error,omitempty"`
	RunID       string            `json:"run_id,omitempty"`
	CompletedAt time.Time         `json:"completed_at"`
}

// Key 返回结果对应的批次键。
func (r BatchResult) Key() BatchKey {
	return BatchKey{SeriesKey: r.SeriesKey, BatchIndex: r.BatchIndex}
}
