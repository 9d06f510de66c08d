package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"llmmri/internal/diag"
	"llmmri/internal/rate"
	"llmmri/pkg/contract"
)

// OutcomeStatus: 单批在本次运行中的结局。
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeSkipped   OutcomeStatus = "skipped"
	// OutcomeInterrupted: 因取消未完成，未持久化；下次运行由 Guard 重新调度。
	OutcomeInterrupted OutcomeStatus = "interrupted"
)

// Outcome: 单批结局。Kind 为 diag.Classify 的分类码（仅失败时非空）。
type Outcome struct {
	Key       contract.BatchKey
	Status    OutcomeStatus
	Attempts  int
	Kind      string
	Err       error
	Persisted bool
}

// Summary: 调度汇总；Outcomes 与输入批次一一对应、顺序一致。
type Summary struct {
	Succeeded   int
	Failed      int
	Skipped     int
	Interrupted int
	Outcomes    []Outcome
}

// Failures 返回失败批次（输入顺序）。
func (s Summary) Failures() []Outcome {
	var out []Outcome
	for _, o := range s.Outcomes {
		if o.Status == OutcomeFailed {
			out = append(out, o)
		}
	}
	return out
}

// Dispatcher: 有界并发的批调度器。
// - 单点并发：仅此层管理并发；组件均为同步实现；
// - 每批：Guard → Gate → Prompt → LLM → Decoder，失败按 Policy 退避重试，最终结果恰好持久化一次；
// - 单批失败不影响其他批；取消后停止领取新批，已领取的批在下一个挂起点退出。
type Dispatcher struct {
	comp   Components
	set    Settings
	guard  *Guard
	logger *diag.Logger
}

func NewDispatcher(comp Components, set Settings, logger *diag.Logger) *Dispatcher {
	return &Dispatcher{comp: comp, set: set.withDefaults(), guard: NewGuard(comp.Store), logger: logger}
}

// Run 调度全部批次并返回汇总。单批错误不会作为返回值上抛。
func (d *Dispatcher) Run(ctx context.Context, batches []contract.Batch) Summary {
	outcomes := make([]Outcome, len(batches))
	for i, b := range batches {
		outcomes[i] = Outcome{Key: b.Key, Status: OutcomeInterrupted}
	}

	// 有界通道：2×并发度，形成自然背压
	inCh := make(chan int, d.set.Concurrency*2)
	var wg sync.WaitGroup
	wg.Add(d.set.Concurrency)
	for i := 0; i < d.set.Concurrency; i++ {
		go func() {
			defer wg.Done()
			for idx := range inCh {
				// 每个 worker 写各自领取的下标，互不重叠
				outcomes[idx] = d.process(ctx, batches[idx])
				if o := outcomes[idx]; o.Status != OutcomeInterrupted {
					if t := diag.GetTerminal(); t != nil {
						t.BatchDone(o.Key.String(), string(o.Status))
					}
				}
			}
		}()
	}

	// 生产者：取消后不再派发
feed:
	for i := range batches {
		select {
		case <-ctx.Done():
			break feed
		case inCh <- i:
		}
	}
	close(inCh)
	wg.Wait()

	sum := Summary{Outcomes: outcomes}
	for _, o := range outcomes {
		switch o.Status {
		case OutcomeSucceeded:
			sum.Succeeded++
		case OutcomeFailed:
			sum.Failed++
		case OutcomeSkipped:
			sum.Skipped++
		default:
			sum.Interrupted++
		}
		diag.IncOp("dispatch", "batch", string(o.Status))
	}
	return sum
}

func (d *Dispatcher) process(ctx context.Context, b contract.Batch) Outcome {
	series, bidx := b.Key.SeriesKey, strconv.Itoa(b.Key.BatchIndex)
	out := Outcome{Key: b.Key}
	if ctx.Err() != nil {
		out.Status = OutcomeInterrupted
		return out
	}

	done, err := d.guard.IsDone(ctx, b.Key)
	if err != nil {
		d.logger.ErrorWith("resume", string(diag.Classify(err)), "exists check failed: "+err.Error(), nil, series, bidx)
		return d.fail(out, err)
	}
	if done {
		d.logger.DebugStart("resume", "skip", series, bidx, nil)
		out.Status = OutcomeSkipped
		return out
	}

	tm := d.logger.StartWithKV("dispatch", "batch", series, bidx, map[string]string{"images": strconv.Itoa(len(b.Records))})
	p, err := d.comp.PromptBuilder.Build(ctx, b, d.set.Context)
	if err != nil {
		if ctx.Err() != nil {
			out.Status = OutcomeInterrupted
			return out
		}
		d.logError("prompt_builder", "build failed", err, tm, series, bidx)
		return d.persist(ctx, b, d.fail(out, err), nil)
	}

	attempts := d.set.Retry.Attempts()
	for attempt := 1; attempt <= attempts; attempt++ {
		out.Attempts = attempt
		if d.set.Gate != nil {
			if err := d.set.Gate.Wait(ctx, d.set.GateKey); err != nil {
				// Gate 仅因取消失败
				out.Status = OutcomeInterrupted
				return out
			}
		}
		res, err := d.attempt(ctx, b, p, attempt)
		if err == nil {
			out.Status = OutcomeSucceeded
			tm.Finish("batch", int64(len(res.Findings)))
			return d.persist(ctx, b, out, &res)
		}
		if ctx.Err() != nil {
			out.Status = OutcomeInterrupted
			return out
		}
		if !d.set.Retry.ShouldRetry(attempt, err) {
			d.logError("dispatch", "batch failed", err, tm, series, bidx)
			return d.persist(ctx, b, d.fail(out, err), nil)
		}
		wait := d.set.Retry.Backoff(attempt)
		d.logger.WarnWith("dispatch", string(diag.Classify(err)), "retrying", series, bidx, map[string]string{
			"attempt": strconv.Itoa(attempt),
			"backoff": wait.String(),
		})
		if err := d.set.Sleep(ctx, wait); err != nil {
			out.Status = OutcomeInterrupted
			return out
		}
	}
	// 不可达：最后一次尝试失败时 ShouldRetry 必为 false
	return out
}

// attempt 执行一次 LLM 调用与解码。
func (d *Dispatcher) attempt(ctx context.Context, b contract.Batch, p contract.Prompt, attempt int) (contract.StructuredResult, error) {
	series, bidx := b.Key.SeriesKey, strconv.Itoa(b.Key.BatchIndex)
	lt := d.logger.StartWithKV("llm_client", "invoke", series, bidx, map[string]string{"attempt": strconv.Itoa(attempt)})
	raw, err := d.comp.LLM.Invoke(ctx, b, p)
	if err != nil {
		d.logError("llm_client", "invoke failed", err, lt, series, bidx)
		return contract.StructuredResult{}, err
	}
	lt.Finish("invoke", int64(len(raw.Text)))
	diag.IncOp("llm_client", "finish", "success")

	dt := d.logger.StartWith("decoder", "decode", series, bidx)
	res, err := d.comp.Decoder.Decode(ctx, b.Key, raw)
	if err != nil {
		d.logError("decoder", "decode failed", err, dt, series, bidx)
		return contract.StructuredResult{}, err
	}
	dt.Finish("decode", int64(len(res.Findings)))
	diag.IncOp("decoder", "finish", "success")
	return res, nil
}

func (d *Dispatcher) fail(out Outcome, err error) Outcome {
	out.Status = OutcomeFailed
	out.Kind = string(diag.Classify(err))
	out.Err = err
	return out
}

// persist 写出终态结果。取消不影响已得到的结果落盘。
// 目标已存在（并发的另一运行已写入）视为跳过；其他存储错误记为失败且不留工件。
func (d *Dispatcher) persist(ctx context.Context, b contract.Batch, out Outcome, res *contract.StructuredResult) Outcome {
	br := contract.BatchResult{
		SeriesKey:   b.Key.SeriesKey,
		BatchIndex:  b.Key.BatchIndex,
		Attempts:    out.Attempts,
		Images:      imageIDs(b.Records),
		Result:      res,
		RunID:       d.set.RunID,
		CompletedAt: d.set.Now().UTC(),
	}
	if out.Status == OutcomeSucceeded {
		br.Status = contract.StatusSucceeded
	} else {
		br.Status = contract.StatusFailed
		br.Error = &contract.Failure{Kind: out.Kind, Message: truncate(errMsg(out.Err), 500)}
	}
	series, bidx := b.Key.SeriesKey, strconv.Itoa(b.Key.BatchIndex)
	err := d.comp.Store.Put(context.WithoutCancel(ctx), br)
	switch {
	case err == nil:
		out.Persisted = true
		return out
	case errors.Is(err, contract.ErrAlreadyExists):
		d.logger.Warn("store", string(diag.CodeIO), "artifact already exists", map[string]string{"series": series, "batch": bidx})
		out.Status = OutcomeSkipped
		out.Kind, out.Err = "", nil
		return out
	default:
		d.logError("store", "put failed", err, nil, series, bidx)
		out = d.fail(out, fmt.Errorf("store put: %w", err))
		return out
	}
}

func (d *Dispatcher) logError(comp, msg string, err error, tm *diag.Timer, series, bidx string) {
	code := diag.Classify(err)
	kv := map[string]string{"err": truncate(err.Error(), 200)}
	// 若为上游 HTTP 错误，附带状态码/消息
	var ue contract.UpstreamError
	if errors.As(err, &ue) {
		kv["http_status"] = strconv.Itoa(ue.UpstreamStatus())
		if m := strings.TrimSpace(ue.UpstreamMessage()); m != "" {
			kv["upstream_msg"] = truncate(m, 200)
		}
	}
	d.logger.ErrorWithKV(comp, string(code), msg, tm.Since(), series, bidx, kv)
	diag.IncOp(comp, "error", "error")
	if code != diag.CodeUnknown {
		diag.IncError(comp, string(code))
	}
}

func imageIDs(recs []contract.ImageRecord) []contract.ImageID {
	out := make([]contract.ImageID, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func errMsg(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// truncate 截断到至多 n 字节，并回退到 UTF-8 字符边界。
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// sleepWithCtx: 可取消的 sleep（默认退避实现）。
func sleepWithCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ rate.SleepFunc = sleepWithCtx
