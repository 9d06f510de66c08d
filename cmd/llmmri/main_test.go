package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	cfgpkg "llmmri/internal/config"
	"llmmri/internal/diag"
	"llmmri/internal/pipeline"
	"llmmri/internal/summary"
	"llmmri/pkg/contract"
)

type stubs struct {
	runs      int
	summaries int
	set       pipeline.Settings
}

// stubRun 替换流水线与汇总入口，返回调用记录。
func stubRun(t *testing.T, rep pipeline.Report, err error) *stubs {
	t.Helper()
	s := &stubs{}
	origRun, origSum := pipelineRun, summarize
	pipelineRun = func(ctx context.Context, comp pipeline.Components, set pipeline.Settings, logger *diag.Logger) (pipeline.Report, error) {
		s.runs++
		s.set = set
		if comp.LLM == nil || comp.Store == nil {
			t.Errorf("组件未装配: %+v", comp)
		}
		return rep, err
	}
	summarize = func(ctx context.Context, st contract.Store, w contract.ReportWriter, now time.Time, logger *diag.Logger) (summary.Study, error) {
		s.summaries++
		return summary.Study{}, nil
	}
	t.Cleanup(func() { pipelineRun, summarize = origRun, origSum })
	return s
}

// sandbox: 切换到临时工作目录，返回输入目录与输出旗标。
func sandbox(t *testing.T) (string, []string) {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	in := filepath.Join(dir, "scans")
	if err := os.MkdirAll(in, 0o755); err != nil {
		t.Fatal(err)
	}
	return in, []string{"--status=false", "--llm", "mock", "--results-dir", filepath.Join(dir, "results"), "--reports-dir", filepath.Join(dir, "reports")}
}

func runCLI(args ...string) (int, string, string) {
	var out, errb bytes.Buffer
	code := execute(args, &out, &errb)
	return code, out.String(), errb.String()
}

// UT-CLI-01: 成功运行（根命令与 run 子命令等价），默认生成汇总
func TestRunSuccess(t *testing.T) {
	in, flags := sandbox(t)
	for _, head := range [][]string{nil, {"run"}} {
		s := stubRun(t, pipeline.Report{Summary: pipeline.Summary{Succeeded: 2}}, nil)
		args := append(append(append([]string{}, head...), flags...), in)
		code, out, errs := runCLI(args...)
		if code != exitOK {
			t.Fatalf("%v: 退出码期望 0 实得 %d (%s)", head, code, errs)
		}
		if s.runs != 1 || s.summaries != 1 {
			t.Fatalf("调用次数错误: run=%d summary=%d", s.runs, s.summaries)
		}
		if len(s.set.Inputs) != 1 || s.set.Inputs[0] != in || s.set.RunID == "" {
			t.Fatalf("设置错误: %+v", s.set)
		}
		if !strings.Contains(out, "report:") {
			t.Fatalf("应输出报告路径: %s", out)
		}
	}
}

// UT-CLI-02: 存在失败批次时退出码 2
func TestRunFailuresExit(t *testing.T) {
	in, flags := sandbox(t)
	sum := pipeline.Summary{Succeeded: 1, Failed: 1, Outcomes: []pipeline.Outcome{
		{Key: contract.BatchKey{SeriesKey: "S", BatchIndex: 1}, Status: pipeline.OutcomeFailed, Kind: "schema"},
	}}
	s := stubRun(t, pipeline.Report{Summary: sum}, nil)
	code, out, _ := runCLI(append(flags, in)...)
	if code != exitFailures {
		t.Fatalf("退出码期望 2 实得 %d", code)
	}
	if s.summaries != 1 {
		t.Fatalf("失败批次不应阻止汇总")
	}
	if !strings.Contains(out, "S#1") {
		t.Fatalf("汇总表应列出失败批次: %s", out)
	}
}

// UT-CLI-03: 取消退出码 130，且不生成汇总
func TestRunCancelExit(t *testing.T) {
	in, flags := sandbox(t)
	s := stubRun(t, pipeline.Report{Summary: pipeline.Summary{Interrupted: 2}}, context.Canceled)
	code, _, errs := runCLI(append(flags, in)...)
	if code != exitCancel {
		t.Fatalf("退出码期望 130 实得 %d", code)
	}
	if s.summaries != 0 || !strings.Contains(errs, "2") {
		t.Fatalf("取消时不应汇总: summaries=%d stderr=%s", s.summaries, errs)
	}
}

// UT-CLI-04: 运行期错误退出码 1
func TestRunRuntimeError(t *testing.T) {
	in, flags := sandbox(t)
	stubRun(t, pipeline.Report{}, errors.New("ingest: boom"))
	if code, _, _ := runCLI(append(flags, in)...); code != exitRuntime {
		t.Fatalf("退出码期望 1 实得 %d", code)
	}
}

// UT-CLI-05: 配置错误退出码 3（且不调用流水线）
func TestRunConfigErrors(t *testing.T) {
	in, flags := sandbox(t)
	cases := [][]string{
		append(append([]string{}, flags...), "--batch-size", "21", in),
		append(append([]string{}, flags...), "--batch-size", "0", in),
		append(append([]string{}, flags...), "--max-concurrent", "0", in),
		append(append([]string{}, flags...), "--rpm", "-1", in),
		append(append([]string{}, flags...), "--llm", "nope", in),
		flags, // 缺少 inputs
		{"--config", "missing.json", in},
		{"--unknown-flag"},
	}
	for _, args := range cases {
		s := stubRun(t, pipeline.Report{}, nil)
		code, _, _ := runCLI(args...)
		if code != exitConfig {
			t.Fatalf("%v: 退出码期望 3 实得 %d", args, code)
		}
		if s.runs != 0 {
			t.Fatalf("%v: 配置错误时不应运行流水线", args)
		}
	}
}

// UT-CLI-06: 旗标覆盖（显式 0 生效）；--skip-summary 关闭汇总
func TestRunCLIOverrides(t *testing.T) {
	in, flags := sandbox(t)
	s := stubRun(t, pipeline.Report{}, nil)
	args := append(flags, "--max-retries", "0", "--batch-size", "7", "--max-concurrent", "2",
		"--sample", "3", "--series", "A,B", "--patient-context", "45F", "--clinical-question", "mass", "--skip-summary", in)
	if code, _, errs := runCLI(args...); code != exitOK {
		t.Fatalf("退出码期望 0 实得 %d (%s)", code, errs)
	}
	set := s.set
	if set.Retry.Attempts() != 1 || set.BatchSize != 7 || set.Concurrency != 2 || set.Sample != 3 {
		t.Fatalf("覆盖未生效: attempts=%d %+v", set.Retry.Attempts(), set)
	}
	if len(set.Series) != 2 || set.Context.PatientContext != "45F" || set.Context.ClinicalQuestion != "mass" {
		t.Fatalf("覆盖未生效: %+v", set)
	}
	if s.summaries != 0 {
		t.Fatalf("--skip-summary 时不应汇总")
	}
}

// UT-CLI-07: 配置文件自动发现（YAML）与 ENV 覆盖优先级
func TestRunConfigLayers(t *testing.T) {
	in, flags := sandbox(t)
	yml := "batch_size: 5\nmax_retries: 4\nclinical_question: cyst\n"
	if err := os.WriteFile("config.yaml", []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(cfgpkg.EnvPrefix+"BATCH_SIZE", "6")
	s := stubRun(t, pipeline.Report{}, nil)
	if code, _, errs := runCLI(append(flags, in)...); code != exitOK {
		t.Fatalf("退出码期望 0 实得 %d (%s)", code, errs)
	}
	if s.set.BatchSize != 6 || s.set.Retry.Attempts() != 4 || s.set.Context.ClinicalQuestion != "cyst" {
		t.Fatalf("分层结果错误: batch=%d attempts=%d q=%s", s.set.BatchSize, s.set.Retry.Attempts(), s.set.Context.ClinicalQuestion)
	}

	// CLI > ENV
	s = stubRun(t, pipeline.Report{}, nil)
	if code, _, _ := runCLI(append(flags, "--batch-size", "8", in)...); code != exitOK || s.set.BatchSize != 8 {
		t.Fatalf("CLI 应覆盖 ENV: code=%d batch=%d", code, s.set.BatchSize)
	}
}

// UT-CLI-08: init-config 生成模板且不覆盖已存在文件
func TestInitConfig(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	code, _, errs := runCLI("init-config", dir)
	if code != exitOK {
		t.Fatalf("退出码期望 0 实得 %d (%s)", code, errs)
	}
	cfgPath := filepath.Join(dir, "config.json")
	envPath := filepath.Join(dir, ".env")
	for _, p := range []string{cfgPath, envPath} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("%s 未生成: %v", p, err)
		}
	}
	if _, err := cfgpkg.Load(cfgPath); err != nil {
		t.Fatalf("生成的配置应可解析: %v", err)
	}
	env, _ := os.ReadFile(envPath)
	if !strings.Contains(string(env), "LLM_MRI_BATCH_SIZE=") {
		t.Fatalf(".env 模板缺少键: %s", env)
	}

	if err := os.WriteFile(cfgPath, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	code, _, errs = runCLI("init-config", dir)
	if code != exitOK || !strings.Contains(errs, "已跳过") {
		t.Fatalf("已存在时应跳过: code=%d stderr=%s", code, errs)
	}
	if b, _ := os.ReadFile(cfgPath); string(b) != "{}" {
		t.Fatalf("已存在文件被覆盖")
	}
}

// UT-CLI-09: summarize 子命令仅重建报告
func TestSummarizeCommand(t *testing.T) {
	_, _ = sandbox(t)
	s := stubRun(t, pipeline.Report{}, nil)
	code, out, errs := runCLI("summarize", "--results-dir", "res", "--reports-dir", "rep")
	if code != exitOK {
		t.Fatalf("退出码期望 0 实得 %d (%s)", code, errs)
	}
	if s.runs != 0 || s.summaries != 1 {
		t.Fatalf("调用次数错误: run=%d summary=%d", s.runs, s.summaries)
	}
	if !strings.Contains(out, filepath.Join("rep", summary.MarkdownName)) {
		t.Fatalf("应输出报告路径: %s", out)
	}
}

// UT-CLI-10: 输出目录预检
func TestPreflightCheckDir(t *testing.T) {
	dir := t.TempDir()
	if err := preflightCheckDir(filepath.Join(dir, "a", "b")); err != nil {
		t.Fatalf("不存在的子目录应通过: %v", err)
	}
	file := filepath.Join(dir, "f")
	_ = os.WriteFile(file, []byte("x"), 0o644)
	if err := preflightCheckDir(file); err == nil {
		t.Fatalf("文件路径应失败")
	}
	if err := writeConfig(filepath.Join(dir, "c.json"), cfgpkg.Defaults()); err != nil {
		t.Fatalf("writeConfig: %v", err)
	}
	if err := writeConfig(filepath.Join(dir, "c.json"), cfgpkg.Defaults()); !errors.Is(err, os.ErrExist) {
		t.Fatalf("重复写入应返回 ErrExist: %v", err)
	}
}

// UT-CLI-11: --final-summary 在汇总后写出叙述性总结；失败仅提示，取消退出码 130
func TestRunFinalSummary(t *testing.T) {
	in, flags := sandbox(t)
	reports := flags[len(flags)-1]
	stubRun(t, pipeline.Report{Summary: pipeline.Summary{Succeeded: 1}}, nil)

	code, out, errs := runCLI(append(flags, in)...)
	if code != exitOK {
		t.Fatalf("退出码期望 0 实得 %d (%s)", code, errs)
	}
	if m, _ := filepath.Glob(filepath.Join(reports, "summary_*.txt")); len(m) != 0 || strings.Contains(out, "final summary:") {
		t.Fatalf("未开启时不应生成叙述性总结: %v", m)
	}

	code, out, errs = runCLI(append(append(flags, "--final-summary"), in)...)
	if code != exitOK {
		t.Fatalf("退出码期望 0 实得 %d (%s)", code, errs)
	}
	m, _ := filepath.Glob(filepath.Join(reports, "summary_*.txt"))
	if len(m) != 1 || !strings.Contains(out, "final summary: "+m[0]) {
		t.Fatalf("应生成 1 个叙述性总结: %v out=%s", m, out)
	}
	if b, _ := os.ReadFile(m[0]); !strings.Contains(string(b), "MOCK plain-language summary") {
		t.Fatalf("叙述内容不符: %s", b)
	}

	orig := narrate
	t.Cleanup(func() { narrate = orig })
	narrate = func(context.Context, contract.LLMClient, contract.ReportWriter, summary.Study, time.Time, func(context.Context) error, *diag.Logger) (string, error) {
		return "", contract.ErrTransientServer
	}
	code, _, errs = runCLI(append(append(flags, "--final-summary"), in)...)
	if code != exitOK || !strings.Contains(errs, "叙述性总结失败") {
		t.Fatalf("叙述失败不应影响退出码: code=%d stderr=%s", code, errs)
	}
	narrate = func(context.Context, contract.LLMClient, contract.ReportWriter, summary.Study, time.Time, func(context.Context) error, *diag.Logger) (string, error) {
		return "", context.Canceled
	}
	if code, _, _ = runCLI(append(append(flags, "--final-summary"), in)...); code != exitCancel {
		t.Fatalf("取消应返回 130，实得 %d", code)
	}
}
