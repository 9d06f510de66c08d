package diag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"llmmri/pkg/contract"
)

// UT-DIAG-01: 日志轮转写入
func TestRotatingFile(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 30)
	if err := w.WriteLine([]byte("first line that is very long")); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if err := w.WriteLine([]byte("second")); err != nil {
		t.Fatalf("第二次写入失败: %v", err)
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("读取目录失败: %v", err)
	}
	if len(files) < 2 {
		t.Fatalf("应存在轮转文件, got %d", len(files))
	}
}

// 当前文件与时间戳文件共存，且历史文件按保留数裁剪
func TestRotatingFileRotateAndPrune(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFileWith(dir, "x", 10, 2)
	for i := 0; i < 8; i++ {
		if err := w.WriteLine([]byte("xxxxxxxxxxxxxxxxxx")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	_ = w.Close()
	if _, err := os.Stat(w.CurrentPath()); err != nil {
		t.Fatalf("current 应存在: %v", err)
	}
	rotated, _ := filepath.Glob(filepath.Join(dir, "x-2*.txt"))
	if len(rotated) != 2 {
		t.Fatalf("应仅保留 2 个历史文件, got %d", len(rotated))
	}
}

// UT-DIAG-02: 指标计数与快照
func TestMetricsSnapshot(t *testing.T) {
	ResetMetrics()
	IncOp("dispatch", "batch", "success")
	IncOp("dispatch", "batch", "success")
	IncError("dispatch", "rate_limited")
	ObserveDuration("dispatch", "batch", 7)
	got := map[string]int64{}
	for _, s := range Snapshot() {
		got[s.Name+"{"+s.Labels+"}"] = s.Value
	}
	if got["op_total{dispatch|batch|success}"] != 2 {
		t.Fatalf("op_total 错误: %v", got)
	}
	if got["error_total{dispatch|rate_limited}"] != 1 {
		t.Fatalf("error_total 错误: %v", got)
	}
	if got["op_duration_ms{dispatch|batch}"] != 7 {
		t.Fatalf("duration 错误: %v", got)
	}
	ResetMetrics()
	if len(Snapshot()) != 0 {
		t.Fatalf("reset 后应为空")
	}
}

type statusErr struct{ st int }

func (e statusErr) Error() string           { return fmt.Sprintf("status %d", e.st) }
func (e statusErr) UpstreamStatus() int     { return e.st }
func (e statusErr) UpstreamMessage() string { return "m" }

// UT-DIAG-03: 错误分类
func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{context.Canceled, CodeCancel},
		{fmt.Errorf("wrap: %w", context.DeadlineExceeded), CodeCancel},
		{fmt.Errorf("x: %w", contract.ErrRateLimited), CodeRateLimited},
		{contract.ErrTransientServer, CodeServer},
		{contract.ErrTransientNetwork, CodeNetwork},
		{contract.ErrSchemaInvalid, CodeSchema},
		{contract.ErrPermanentRequest, CodeRequest},
		{contract.ErrConfig, CodeConfig},
		{fmt.Errorf("%w: a.dcm: %w", contract.ErrUndecodableImage, &fs.PathError{Op: "open", Path: "a.dcm", Err: errors.New("x")}), CodeRequest},
		{contract.ErrUngroupable, CodeUngroupable},
		{&fs.PathError{Op: "open", Path: "/", Err: errors.New("x")}, CodeIO},
		{&net.DNSError{Err: "x"}, CodeNetwork},
		{statusErr{429}, CodeRateLimited},
		{statusErr{503}, CodeServer},
		{statusErr{400}, CodeRequest},
		{errors.New("other"), CodeUnknown},
		{nil, CodeUnknown},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Fatalf("Classify(%v)=%s 预期 %s", c.err, got, c.want)
		}
	}
	for _, c := range []Code{CodeRateLimited, CodeNetwork, CodeServer} {
		if !c.Retryable() {
			t.Fatalf("%s 应可重试", c)
		}
	}
	for _, c := range []Code{CodeSchema, CodeRequest, CodeUnknown, CodeCancel} {
		if c.Retryable() {
			t.Fatalf("%s 不应重试", c)
		}
	}
}

// UT-DIAG-04: Logger 事件字段与级别过滤
func TestLoggerEvents(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger("corr", "info", &buf)
	l.DebugStart("comp", "hidden", "", "", nil)
	tm := l.StartWith("dispatch", "batch", "MRI-001", "0")
	tm.Finish("ok", 1)
	l.ErrorWithKV("dispatch", "server", "boom", tm.Since(), "MRI-001", "0", map[string]string{"http_status": "503"})
	l.Warn("group", "ungroupable", "skip", map[string]string{"source": "x.png"})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("应输出 4 行（debug 被过滤）, got %d: %q", len(lines), buf.String())
	}
	var ev Event
	if err := json.Unmarshal([]byte(lines[2]), &ev); err != nil {
		t.Fatalf("json: %v", err)
	}
	if ev.Level != "error" || ev.Series != "MRI-001" || ev.Batch != "0" || ev.CorrID != "corr" || ev.KV["http_status"] != "503" {
		t.Fatalf("事件字段不符: %+v", ev)
	}
}

// nil 接收者安全
func TestLoggerNilSafe(t *testing.T) {
	var l *Logger
	l.Start("c", "m").Finish("x", 0)
	l.Error("c", "code", "m", nil)
	l.Warn("c", "code", "m", nil)
	l.InfoFinish("c", "m", time.Now(), 0)
	if l.CorrID() != "" || l.Close() != nil {
		t.Fatalf("nil logger 应 no-op")
	}
	var tnil *Timer
	tnil.Finish("x", 0)
	if tnil.Since() != nil {
		t.Fatalf("nil timer Since 应为 nil")
	}
}

// 覆盖 Logger sink 写入成功路径
func TestLoggerWithSink(t *testing.T) {
	dir := t.TempDir()
	l := NewLogger("corr", "info", dir)
	timer := l.Start("comp", "msg")
	timer.Finish("ok", 1)
	l.Error("comp", "code", "msg", nil)
	_ = l.Close()
	b, err := os.ReadFile(filepath.Join(dir, "llmmri-current.txt"))
	if err != nil {
		t.Fatalf("log file not found: %v", err)
	}
	if strings.Count(string(b), "\n") != 3 {
		t.Fatalf("应写入 3 行: %q", b)
	}
}

func TestLevels(t *testing.T) {
	if Warn.String() != "warn" {
		t.Fatalf("warn string")
	}
	var unknown Level = 12345
	if unknown.String() != "info" {
		t.Fatalf("default string")
	}
	if parseLevel("DEBUG") != Debug || parseLevel("bogus") != Info || parseLevel("error") != Error {
		t.Fatalf("parseLevel 分支错误")
	}
}

// UT-DIAG-05: 终端（非 TTY）关键节点输出
func TestTerminalNonTTYFlow(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	if term.isTTY {
		t.Fatalf("expect non-tty")
	}
	term.RunStart(4, "openai", 3)
	term.SeriesPlan("MRI-001", 45, 3)
	term.BatchDone("MRI-001#0", "succeeded")
	term.BatchDone("MRI-001#1", "failed")
	term.BatchDone("MRI-001#2", "skipped")
	term.RunFinish(RunTotals{Succeeded: 1, Failed: 1, Skipped: 1, Failures: []FailureLine{{Key: "MRI-001#1", Kind: "schema"}}}, 41300*time.Millisecond)

	out := sb.String()
	if strings.Contains(out, "\r") {
		t.Fatalf("non-tty should not contain carriage returns: %q", out)
	}
	for _, want := range []string{
		"[run] 并发=4 | llm=openai | 计划批次=3",
		"[series] MRI-001 | 影像 45 | 批次 3",
		"[batch] MRI-001#1 | failed | 2/3",
		"MRI-001#1",
		"schema",
		"41.3s",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
}

// UT-DIAG-06: 终端（TTY）进度节流与清尾
func TestTerminalTTYProgressThrottleAndClear(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	term.isTTY = true
	term.RunStart(2, "mock", 10)
	term.BatchDone("a#0", "succeeded")
	first := sb.String()
	if !strings.Contains(first, "\r[run] 进度 1/10") {
		t.Fatalf("first progress should be inline with CR: %q", first)
	}
	term.BatchDone("a#1", "failed")
	if sb.String() != first {
		t.Fatalf("second progress should be throttled")
	}
	time.Sleep(120 * time.Millisecond)
	term.BatchDone("a#2", "succeeded")
	if !strings.Contains(sb.String(), "进度 3/10 | 失败 1") {
		t.Fatalf("third progress should refresh: %q", sb.String())
	}
	term.RunFinish(RunTotals{Succeeded: 2, Failed: 1}, 0)
	final := sb.String()
	idx := strings.LastIndex(final, "succeeded")
	cr := strings.LastIndex(final[:idx], "\r")
	if cr < 0 || !strings.HasPrefix(final[cr+1:], " ") {
		t.Fatalf("finish should clear inline progress with spaces: %q", final)
	}
}

type flakyWriter struct{ fail bool }

func (w *flakyWriter) Write(p []byte) (int, error) {
	if w.fail {
		w.fail = false
		return 0, fmt.Errorf("boom")
	}
	return len(p), nil
}

// UT-DIAG-07: 写失败降级为禁用态
func TestTerminalDisableOnWriteError(t *testing.T) {
	fw := &flakyWriter{fail: true}
	term := NewTerminal(fw, true)
	term.isTTY = false
	term.RunStart(1, "x", 1)
	if term.enabled {
		t.Fatalf("terminal should be disabled after write error")
	}
	term.SeriesPlan("s", 1, 1)
	term.BatchDone("s#0", "succeeded")
	term.RunFinish(RunTotals{}, 0)
}

func TestTerminalNilReceiverNoop(t *testing.T) {
	var tn *Terminal
	tn.RunStart(1, "x", 1)
	tn.SeriesPlan("s", 1, 1)
	tn.BatchDone("s#0", "failed")
	tn.RunFinish(RunTotals{}, 0)
}

func TestNewTerminalCIEnv(t *testing.T) {
	t.Setenv("CI", "true")
	term := NewTerminal(os.Stderr, true)
	if term.isTTY {
		t.Fatalf("CI env should force non-tty")
	}
}

func TestHelpers(t *testing.T) {
	if got := shorten("1.2.840.113619.2.55.3.604688119.969.1268071029.320", 10); visLen(got) != 10 || !strings.HasSuffix(got, "…") {
		t.Fatalf("shorten 截断错误: %q", got)
	}
	if shorten("x", 0) != "" {
		t.Fatalf("shorten max<=0 should be empty")
	}
	if safe("a\nb\rc") != "a b c" {
		t.Fatalf("safe replace failed")
	}
	if formatDur(0) != "0ms" || formatDur(1500*time.Millisecond) != "1.5s" {
		t.Fatalf("formatDur 错误")
	}
	SetTerminal(nil)
	if GetTerminal() != nil {
		t.Fatalf("expected nil terminal")
	}
	SetTerminal(NewTerminal(os.Stderr, false))
	if GetTerminal() == nil {
		t.Fatalf("expected non-nil terminal")
	}
	SetTerminal(nil)
}
