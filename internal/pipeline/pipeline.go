package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"llmmri/internal/diag"
	"llmmri/internal/rate"
	"llmmri/internal/retry"
	"llmmri/internal/series"
	"llmmri/pkg/contract"
)

// Components 聚合运行所需的原子组件。
type Components struct {
	Ingest        contract.Ingestor
	PromptBuilder contract.PromptBuilder
	LLM           contract.LLMClient
	Decoder       contract.Decoder
	Store         contract.Store
}

// Settings 运行期配置（最小必要）。
type Settings struct {
	Inputs      []string
	Concurrency int
	BatchSize   int
	// Sample: 每序列仅保留前 N 张（<=0 关闭）。
	Sample int
	// Series: 序列白名单（空表示全部）。
	Series  []string
	Context contract.AnalysisContext
	// Retry: 重试策略（nil 时单次尝试、无退避）。
	Retry *retry.Policy
	// 限流闸门（可选）：若非空，则每次尝试调用 LLM 前调用 Gate.Wait
	Gate    rate.Gate
	GateKey rate.LimitKey
	// Key: 序列键推导策略（nil 使用 series.DefaultKey）。
	Key series.KeyFunc
	// Sleep/Now: 退避睡眠与时间戳来源（测试注入虚拟时间）。
	Sleep rate.SleepFunc
	Now   func() time.Time
	// RunID: 本次运行标识，写入每个 BatchResult；空则生成 UUID。
	RunID string
}

func (s Settings) withDefaults() Settings {
	if s.Concurrency < 1 {
		s.Concurrency = 1
	}
	if s.BatchSize == 0 {
		s.BatchSize = series.MaxBatchSize
	}
	if s.Retry == nil {
		s.Retry = retry.New(1, 0, 0, 0, nil)
	}
	if s.Sleep == nil {
		s.Sleep = sleepWithCtx
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	if s.RunID == "" {
		s.RunID = uuid.NewString()
	}
	return s
}

// SeriesPlan: 单个序列的调度计划（用于终端与报告）。
type SeriesPlan struct {
	Key         string
	Description string
	Images      int
	Batches     int
}

// plansOf 按批次出现顺序汇总每个序列的影像数与批数。
func plansOf(batches []contract.Batch) []SeriesPlan {
	var out []SeriesPlan
	for _, b := range batches {
		if n := len(out); n > 0 && out[n-1].Key == b.Key.SeriesKey {
			out[n-1].Batches++
			continue
		}
		out = append(out, SeriesPlan{Key: b.Key.SeriesKey, Description: b.SeriesDescription, Images: b.SeriesSize, Batches: 1})
	}
	return out
}

// Report: 一次运行的全部可观测结果。
type Report struct {
	RunID         string
	Images        int
	Issues        []contract.IngestIssue
	Ungrouped     []series.Ungrouped
	UnknownSeries []string
	Plans         []SeriesPlan
	Summary       Summary
	Duration      time.Duration
}

// Run 执行完整流水线：Ingest → Group → (Select/Sample/Chunk) → Dispatch。
// 约束：
// - 单批错误由调度器吸收，只体现在 Summary 中；
// - 仅配置错误与取消会作为返回值上抛（取消时仍返回已完成部分的 Report）；
// - 没有任何待处理批次（全部跳过）视为成功。
func Run(ctx context.Context, comp Components, set Settings, logger *diag.Logger) (Report, error) {
	set = set.withDefaults()
	rep := Report{RunID: set.RunID}
	if err := sanity(comp, set); err != nil {
		return rep, fmt.Errorf("sanity: %w", err)
	}
	start := set.Now()

	itimer := logger.Start("ingest", "ingest")
	ir, err := comp.Ingest.Ingest(ctx, set.Inputs)
	if err != nil {
		logger.Error("ingest", string(diag.Classify(err)), "ingest failed: "+err.Error(), itimer.Since())
		return rep, fmt.Errorf("ingest: %w", err)
	}
	itimer.Finish("ingest", int64(len(ir.Records)))
	rep.Images = len(ir.Records)
	rep.Issues = ir.Issues
	for _, is := range ir.Issues {
		logger.Warn("ingest", string(diag.Classify(is.Err)), "skip unreadable input", map[string]string{"source": is.Source, "err": errMsg(is.Err)})
	}

	all, bad := series.New(set.Key).Group(ir.Records)
	rep.Ungrouped = bad
	for _, u := range bad {
		logger.Warn("group", string(diag.CodeUngroupable), "ungroupable record", map[string]string{"image": string(u.Record.ID)})
		diag.IncError("group", string(diag.CodeUngroupable))
	}
	selected, unknown := series.Select(all, set.Series)
	rep.UnknownSeries = unknown
	for _, n := range unknown {
		logger.Warn("group", "unknown_series", "series not found", map[string]string{"series": n})
	}

	batches, err := series.Plan(selected, set.BatchSize, set.Sample)
	if err != nil {
		return rep, fmt.Errorf("%w: %v", contract.ErrConfig, err)
	}
	rep.Plans = plansOf(batches)

	if t := diag.GetTerminal(); t != nil {
		t.RunStart(set.Concurrency, llmName(comp.LLM), len(batches))
		for _, p := range rep.Plans {
			t.SeriesPlan(p.Key, p.Images, p.Batches)
		}
	}

	dtimer := logger.StartWithKV("dispatch", "run", "", "", map[string]string{"batches": fmt.Sprintf("%d", len(batches))})
	rep.Summary = NewDispatcher(comp, set, logger).Run(ctx, batches)
	dtimer.Finish("run", int64(rep.Summary.Succeeded))
	rep.Duration = set.Now().Sub(start)

	if t := diag.GetTerminal(); t != nil {
		t.RunFinish(Totals(rep.Summary), rep.Duration)
	}
	if err := ctx.Err(); err != nil {
		return rep, err
	}
	return rep, nil
}

// Totals 将 Summary 转换为终端汇总表输入。
func Totals(s Summary) diag.RunTotals {
	tot := diag.RunTotals{Succeeded: s.Succeeded, Failed: s.Failed, Skipped: s.Skipped, Interrupted: s.Interrupted}
	for _, f := range s.Failures() {
		tot.Failures = append(tot.Failures, diag.FailureLine{Key: f.Key.String(), Kind: f.Kind})
	}
	return tot
}

// llmName: 可选接口，客户端可报告自身名称用于终端展示。
func llmName(c contract.LLMClient) string {
	if n, ok := c.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", c)
}

func sanity(c Components, s Settings) error {
	if c.Ingest == nil || c.PromptBuilder == nil || c.LLM == nil || c.Decoder == nil || c.Store == nil {
		return fmt.Errorf("%w: pipeline: missing components", contract.ErrConfig)
	}
	if len(s.Inputs) == 0 {
		return fmt.Errorf("%w: pipeline: empty inputs", contract.ErrConfig)
	}
	if s.BatchSize < 1 || s.BatchSize > series.MaxBatchSize {
		return fmt.Errorf("%w: pipeline: batch_size %d not in [1,%d]", contract.ErrConfig, s.BatchSize, series.MaxBatchSize)
	}
	return nil
}

// IsCancel 报告错误是否源于运行级取消。
func IsCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
