// Package summary 聚合已持久化的批结果，生成序列级与检查级汇总，
// 并以 summary.json + report.md 形式写入报告目录。
package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"llmmri/internal/diag"
	"llmmri/pkg/contract"
)

// 报告文件名。
const (
	JSONName     = "summary.json"
	MarkdownName = "report.md"
)

// FailedBatch: 终态失败批次的简要记录。
type FailedBatch struct {
	Key     string `json:"key"`
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
}

// Series: 单一序列的聚合结果。
type Series struct {
	SeriesKey       string                  `json:"series_key"`
	Batches         int                     `json:"batches"`
	Succeeded       int                     `json:"succeeded"`
	Failed          int                     `json:"failed"`
	Images          int                     `json:"images"`
	Findings        []contract.Finding      `json:"findings"`
	Impression      string                  `json:"impression"`
	Recommendations string                  `json:"recommendations"`
	MaxSuspicion    contract.SuspicionLevel `json:"max_suspicion,omitempty"`
	MeanConfidence  float64                 `json:"mean_confidence"`
	FailedBatches   []FailedBatch           `json:"failed_batches,omitempty"`
}

// Study: 检查级聚合（跨全部序列）。
type Study struct {
	GeneratedAt     time.Time               `json:"generated_at"`
	RunIDs          []string                `json:"run_ids,omitempty"`
	Batches         int                     `json:"batches"`
	Succeeded       int                     `json:"succeeded"`
	Failed          int                     `json:"failed"`
	Findings        []contract.Finding      `json:"findings"`
	Impression      string                  `json:"impression"`
	Recommendations string                  `json:"recommendations"`
	MaxSuspicion    contract.SuspicionLevel `json:"max_suspicion,omitempty"`
	MeanConfidence  float64                 `json:"mean_confidence"`
	FailedBatches   []FailedBatch           `json:"failed_batches,omitempty"`
	Series          []Series                `json:"series"`
}

// findingKey: 去重键；slice_index 为批内相对序号，不参与比较。
type findingKey struct{ desc, loc, sev string }

func keyOf(f contract.Finding) findingKey {
	return findingKey{strings.TrimSpace(f.Description), strings.TrimSpace(f.Location), strings.TrimSpace(f.Severity)}
}

// accum: 聚合中间态（序列级与检查级共用）。
type accum struct {
	seen     map[findingKey]struct{}
	findings []contract.Finding
	imps     []string
	recs     []string
	maxLvl   contract.SuspicionLevel
	confSum  float64
	confN    int
	failed   []FailedBatch
}

func newAccum() *accum {
	return &accum{seen: make(map[findingKey]struct{}), findings: []contract.Finding{}}
}

func (a *accum) addFindings(fs []contract.Finding) {
	for _, f := range fs {
		k := keyOf(f)
		if _, dup := a.seen[k]; dup {
			continue
		}
		a.seen[k] = struct{}{}
		a.findings = append(a.findings, f)
	}
}

func (a *accum) addText(imp, rec string) {
	if s := strings.TrimSpace(imp); s != "" {
		a.imps = append(a.imps, s)
	}
	if s := strings.TrimSpace(rec); s != "" {
		a.recs = append(a.recs, s)
	}
}

func (a *accum) addLevel(l contract.SuspicionLevel) {
	if l.Rank() > a.maxLvl.Rank() {
		a.maxLvl = l
	}
}

func (a *accum) addConfidence(c float64, n int) {
	a.confSum += c
	a.confN += n
}

func (a *accum) mean() float64 {
	if a.confN == 0 {
		return 0
	}
	return a.confSum / float64(a.confN)
}

// Build 聚合批结果。
// 规则：
//   - 序列按首次出现的顺序排列，批次按 BatchIndex 升序；
//   - findings 按首次出现顺序去重；impression/recommendations 以空行连接（跳过空文本）；
//   - 检查级 findings 在序列级结果之上再次去重，文本按序列顺序连接；
//   - 失败批次不贡献内容，仅列入 failed_batches。
func Build(results []contract.BatchResult, now time.Time) Study {
	order := make([]string, 0)
	bySeries := make(map[string][]contract.BatchResult)
	runs := make(map[string]struct{})
	var runIDs []string
	for _, r := range results {
		if _, ok := bySeries[r.SeriesKey]; !ok {
			order = append(order, r.SeriesKey)
		}
		bySeries[r.SeriesKey] = append(bySeries[r.SeriesKey], r)
		if r.RunID != "" {
			if _, ok := runs[r.RunID]; !ok {
				runs[r.RunID] = struct{}{}
				runIDs = append(runIDs, r.RunID)
			}
		}
	}

	study := Study{GeneratedAt: now.UTC(), RunIDs: runIDs, Series: make([]Series, 0, len(order))}
	sa := newAccum()
	for _, key := range order {
		batches := bySeries[key]
		sortByIndex(batches)
		s := buildSeries(key, batches)
		study.Series = append(study.Series, s)

		study.Batches += s.Batches
		study.Succeeded += s.Succeeded
		study.Failed += s.Failed
		sa.addFindings(s.Findings)
		sa.addText(s.Impression, s.Recommendations)
		sa.addLevel(s.MaxSuspicion)
		sa.addConfidence(s.MeanConfidence*float64(s.Succeeded), s.Succeeded)
		sa.failed = append(sa.failed, s.FailedBatches...)
	}
	study.Findings = sa.findings
	study.Impression = strings.Join(sa.imps, "\n\n")
	study.Recommendations = strings.Join(sa.recs, "\n\n")
	study.MaxSuspicion = sa.maxLvl
	study.MeanConfidence = sa.mean()
	study.FailedBatches = sa.failed
	return study
}

func buildSeries(key string, batches []contract.BatchResult) Series {
	s := Series{SeriesKey: key, Batches: len(batches)}
	a := newAccum()
	for _, b := range batches {
		s.Images += len(b.Images)
		if b.Status != contract.StatusSucceeded || b.Result == nil {
			s.Failed++
			fb := FailedBatch{Key: b.Key().String(), Kind: string(diag.CodeUnknown)}
			if b.Error != nil {
				fb.Kind, fb.Message = b.Error.Kind, b.Error.Message
			}
			a.failed = append(a.failed, fb)
			continue
		}
		s.Succeeded++
		a.addFindings(b.Result.Findings)
		a.addText(b.Result.Impression, b.Result.Recommendations)
		a.addLevel(b.Result.SuspicionLevel)
		a.addConfidence(b.Result.Confidence, 1)
	}
	s.Findings = a.findings
	s.Impression = strings.Join(a.imps, "\n\n")
	s.Recommendations = strings.Join(a.recs, "\n\n")
	s.MaxSuspicion = a.maxLvl
	s.MeanConfidence = a.mean()
	s.FailedBatches = a.failed
	return s
}

// sortByIndex: 批次数量很小，插入排序保持稳定。
func sortByIndex(bs []contract.BatchResult) {
	for i := 1; i < len(bs); i++ {
		for j := i; j > 0 && bs[j].BatchIndex < bs[j-1].BatchIndex; j-- {
			bs[j], bs[j-1] = bs[j-1], bs[j]
		}
	}
}

// Write 将汇总写为 summary.json 与 report.md（原子替换）。
func Write(ctx context.Context, w contract.ReportWriter, st Study) error {
	js, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("summary: marshal: %w", err)
	}
	js = append(js, '\n')
	if err := w.WriteReport(ctx, JSONName, bytes.NewReader(js)); err != nil {
		return fmt.Errorf("summary: write %s: %w", JSONName, err)
	}
	md, err := Markdown(st)
	if err != nil {
		return err
	}
	if err := w.WriteReport(ctx, MarkdownName, strings.NewReader(md)); err != nil {
		return fmt.Errorf("summary: write %s: %w", MarkdownName, err)
	}
	return nil
}

// Summarize: 从 Store 读取全部结果，聚合并写出报告。
func Summarize(ctx context.Context, store contract.Store, w contract.ReportWriter, now time.Time, logger *diag.Logger) (Study, error) {
	tm := logger.Start("summary", "summarize")
	results, err := store.List(ctx)
	if err != nil {
		logger.Error("summary", string(diag.Classify(err)), "list results: "+err.Error(), tm.Since())
		return Study{}, err
	}
	st := Build(results, now)
	if err := Write(ctx, w, st); err != nil {
		logger.Error("summary", string(diag.Classify(err)), err.Error(), tm.Since())
		return st, err
	}
	diag.IncOp("summary", "finish", "success")
	tm.Finish("summary written", int64(len(results)))
	return st, nil
}
