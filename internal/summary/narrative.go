package summary

import (
	"context"
	"fmt"
	"strings"
	"time"

	"llmmri/internal/diag"
	"llmmri/pkg/contract"
)

// NarrativeKey: 叙述总结调用使用的批次键（不持久化，仅用于客户端日志/计数）。
var NarrativeKey = contract.BatchKey{SeriesKey: "study"}

const narrativeSystem = "You are a highly experienced radiologist and medical writer. " +
	"You will receive a Markdown report that aggregates an AI-generated interpretation of an MRI study. " +
	"Produce two consecutive sections:\n\n" +
	"1. A plain-language summary (at most 250 words) that a layperson can understand.\n" +
	"2. A detailed professional report with nuanced findings, clinical significance and actionable next steps " +
	"for healthcare professionals. It may use medical terminology and cite series or slice numbers, " +
	"and must end with clear recommendations for further imaging or management."

// NarrativeName 返回叙述总结的文件名 summary_<UTC 时间戳>.txt。
func NarrativeName(now time.Time) string {
	return "summary_" + now.UTC().Format("20060102_150405") + ".txt"
}

// NarrativePrompt 将检查级 Markdown 报告包装为自由文本提示词。
func NarrativePrompt(report string) contract.PlainTextPrompt {
	return contract.PlainTextPrompt{
		{Role: "system", Content: narrativeSystem},
		{Role: "user", Content: "Here is the report for the MRI study. Generate the two-part summary as instructed.\n\n" + report},
	}
}

// Narrate 将检查级报告交给远端模型，生成通俗摘要与专业报告并写入报告目录，返回文件名。
// wait 非空时在调用前获取限流许可。失败时不写任何文件。
func Narrate(ctx context.Context, llm contract.LLMClient, w contract.ReportWriter, st Study, now time.Time, wait func(context.Context) error, logger *diag.Logger) (string, error) {
	tm := logger.Start("narrative", "final summary")
	fail := func(err error) (string, error) {
		logger.Error("narrative", string(diag.Classify(err)), err.Error(), tm.Since())
		diag.IncError("narrative", string(diag.Classify(err)))
		return "", err
	}
	md, err := Markdown(st)
	if err != nil {
		return fail(err)
	}
	if wait != nil {
		if err := wait(ctx); err != nil {
			return fail(err)
		}
	}
	raw, err := llm.Invoke(ctx, contract.Batch{Key: NarrativeKey}, NarrativePrompt(md))
	if err != nil {
		return fail(fmt.Errorf("narrative: invoke: %w", err))
	}
	text := strings.TrimSpace(raw.Text)
	if text == "" {
		return fail(fmt.Errorf("narrative: %w: empty response", contract.ErrSchemaInvalid))
	}
	name := NarrativeName(now)
	if err := w.WriteReport(ctx, name, strings.NewReader(text+"\n")); err != nil {
		return fail(fmt.Errorf("narrative: write %s: %w", name, err))
	}
	diag.IncOp("narrative", "finish", "success")
	tm.Finish("final summary written", int64(len(text)))
	return name, nil
}
