package diag

import (
	"sort"
	"strings"
	"sync"
)

// 最小进程内指标（无导出器）。
// - op_total{comp,stage,result}
// - error_total{comp,code}
// - op_duration_ms{comp,stage}（累加和）

var metrics = struct {
	mu   sync.Mutex
	ops  map[string]int64
	errs map[string]int64
	dur  map[string]int64
}{ops: map[string]int64{}, errs: map[string]int64{}, dur: map[string]int64{}}

func mkey(parts ...string) string { return strings.Join(parts, "|") }

// IncOp 累加操作计数（result=success|error|skipped）。
func IncOp(comp, stage, result string) {
	metrics.mu.Lock()
	metrics.ops[mkey(comp, stage, result)]++
	metrics.mu.Unlock()
}

// IncError 按分类累加错误计数。
func IncError(comp, code string) {
	metrics.mu.Lock()
	metrics.errs[mkey(comp, code)]++
	metrics.mu.Unlock()
}

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	metrics.mu.Lock()
	metrics.dur[mkey(comp, stage)] += durMS
	metrics.mu.Unlock()
}

// Sample 为单个指标样本；Labels 以 "|" 连接。
type Sample struct {
	Name   string
	Labels string
	Value  int64
}

// Snapshot 返回当前全部指标（按名称+标签排序）。
func Snapshot() []Sample {
	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	out := make([]Sample, 0, len(metrics.ops)+len(metrics.errs)+len(metrics.dur))
	for k, v := range metrics.ops {
		out = append(out, Sample{Name: "op_total", Labels: k, Value: v})
	}
	for k, v := range metrics.errs {
		out = append(out, Sample{Name: "error_total", Labels: k, Value: v})
	}
	for k, v := range metrics.dur {
		out = append(out, Sample{Name: "op_duration_ms", Labels: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Labels < out[j].Labels
	})
	return out
}

// ResetMetrics 清空全部计数（测试用）。
func ResetMetrics() {
	metrics.mu.Lock()
	metrics.ops = map[string]int64{}
	metrics.errs = map[string]int64{}
	metrics.dur = map[string]int64{}
	metrics.mu.Unlock()
}
