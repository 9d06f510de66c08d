package diag

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Terminal: 终端信息提示（非日志）。
// - 输出到提供的 io.Writer（默认建议 stderr）。
// - TTY: 单行 \r 覆盖；非 TTY: 关键节点分行打印。
// - 并发安全；写失败后进入禁用态为 no-op。
type Terminal struct {
	w       io.Writer
	enabled bool
	isTTY   bool

	concurrency int
	llm         string
	runStart    time.Time

	batchesTotal int
	batchesDone  int
	errCount     int

	lastLen   int
	lastFlush time.Time

	mu sync.Mutex
}

// 进程级终端（可选，全局设置后供 pipeline 旁路调用）。
var (
	termMu sync.RWMutex
	term   *Terminal
)

// SetTerminal 设置全局终端指针（nil 可清除）。
func SetTerminal(t *Terminal) { termMu.Lock(); term = t; termMu.Unlock() }

// GetTerminal 返回全局终端（可能为 nil）。
func GetTerminal() *Terminal { termMu.RLock(); defer termMu.RUnlock(); return term }

// NewTerminal 构造终端提示器。
// enabled=false 时总是 no-op。
func NewTerminal(w io.Writer, enabled bool) *Terminal {
	if w == nil {
		w = os.Stderr
	}
	t := &Terminal{w: w, enabled: enabled}
	// CI 环境视为非 TTY
	if os.Getenv("CI") != "" {
		t.isTTY = false
	} else if f, ok := w.(*os.File); ok {
		if fi, err := f.Stat(); err == nil {
			t.isTTY = fi.Mode()&os.ModeCharDevice != 0
		}
	}
	return t
}

// RunStart: 记录运行上下文（并发、LLM、计划批次）。
func (t *Terminal) RunStart(concurrency int, llm string, batchesTotal int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.concurrency = concurrency
	t.llm = llm
	t.batchesTotal = batchesTotal
	t.batchesDone = 0
	t.errCount = 0
	t.runStart = time.Now()
	t.println(fmt.Sprintf("[run] 并发=%d | llm=%s | 计划批次=%d", concurrency, safe(llm), batchesTotal))
}

// SeriesPlan: 非 TTY 下打点单个序列的批次计划。
func (t *Terminal) SeriesPlan(series string, images, batches int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled || t.isTTY {
		return
	}
	t.println(fmt.Sprintf("[series] %s | 影像 %d | 批次 %d", shorten(series, 48), images, batches))
}

// BatchDone: 单批完成（status=succeeded|failed|skipped）。TTY 下节流刷新单行进度。
func (t *Terminal) BatchDone(key, status string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.batchesDone++
	if status == "failed" {
		t.errCount++
	}
	if !t.isTTY {
		t.println(fmt.Sprintf("[batch] %s | %s | %d/%d", shorten(key, 48), status, t.batchesDone, t.batchesTotal))
		return
	}
	now := time.Now()
	if now.Sub(t.lastFlush) < 100*time.Millisecond && t.batchesDone < t.batchesTotal {
		return
	}
	t.lastFlush = now
	t.printInline(fmt.Sprintf("[run] 进度 %d/%d | 失败 %d | 并发 %d | 用时 %s",
		t.batchesDone, t.batchesTotal, t.errCount, t.concurrency, formatSince(t.runStart)))
}

// FailureLine: 汇总表中的失败批次。
type FailureLine struct {
	Key  string
	Kind string
}

// RunTotals: 运行结束时的计数。
type RunTotals struct {
	Succeeded   int
	Failed      int
	Skipped     int
	Interrupted int
	Failures    []FailureLine
}

var (
	styleTitle = lipgloss.NewStyle().Bold(true)
	styleOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleFail  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	styleBox   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// RunFinish: 结束总览（计数与失败批次列表）。
func (t *Terminal) RunFinish(tot RunTotals, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	if t.isTTY && t.lastLen > 0 {
		t.printInline("")
	}
	t.println(RenderTotals(tot, dur))
}

// RenderTotals 渲染汇总表（亦供 summarize 子命令复用）。
func RenderTotals(tot RunTotals, dur time.Duration) string {
	tag := styleOK.Render("ok")
	if tot.Failed > 0 || tot.Interrupted > 0 {
		tag = styleFail.Render("fail")
	}
	var b strings.Builder
	b.WriteString(styleTitle.Render("运行结果") + " " + tag + "\n")
	row := func(name string, n int, st lipgloss.Style) {
		b.WriteString(fmt.Sprintf("%-12s %s\n", name, st.Render(fmt.Sprintf("%d", n))))
	}
	row("succeeded", tot.Succeeded, styleOK)
	row("failed", tot.Failed, styleFail)
	row("skipped", tot.Skipped, styleDim)
	if tot.Interrupted > 0 {
		row("interrupted", tot.Interrupted, styleDim)
	}
	if dur > 0 {
		b.WriteString(fmt.Sprintf("%-12s %s\n", "duration", formatDur(dur)))
	}
	for _, f := range tot.Failures {
		b.WriteString(styleFail.Render("✗") + " " + safe(f.Key) + " " + styleDim.Render("("+f.Kind+")") + "\n")
	}
	return styleBox.Render(strings.TrimRight(b.String(), "\n"))
}

// 内部输出工具
func (t *Terminal) println(s string) {
	if t == nil || !t.enabled {
		return
	}
	if _, err := io.WriteString(t.w, s+"\n"); err != nil {
		t.enabled = false
	}
	t.lastLen = 0
}

func (t *Terminal) printInline(s string) {
	if t == nil || !t.enabled {
		return
	}
	// 若新行比旧短，填充空格覆盖
	pad := 0
	if l := visLen(s); t.lastLen > l {
		pad = t.lastLen - l
	}
	var b strings.Builder
	b.WriteByte('\r')
	b.WriteString(s)
	if pad > 0 {
		b.WriteString(strings.Repeat(" ", pad))
	}
	if _, err := io.WriteString(t.w, b.String()); err != nil {
		t.enabled = false
		return
	}
	t.lastLen = visLen(s)
}

// shorten: 按可见宽度截断（尾部省略号）。
func shorten(s string, max int) string {
	if max <= 0 {
		return ""
	}
	s = safe(strings.TrimSpace(s))
	if visLen(s) <= max {
		return s
	}
	rs := []rune(s)
	cut := max - 1
	if cut < 1 {
		cut = 1
	}
	return string(rs[:cut]) + "…"
}

func visLen(s string) int { return len([]rune(s)) }

func safe(s string) string {
	// 避免换行等控制字符污染终端
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return s
}

func formatSince(t0 time.Time) string { return formatDur(time.Since(t0)) }

func formatDur(d time.Duration) string {
	if d < time.Second {
		ms := d.Milliseconds()
		if ms <= 0 {
			ms = 0
		}
		return fmt.Sprintf("%dms", ms)
	}
	s := float64(d.Milliseconds()) / 1000.0
	return fmt.Sprintf("%.1fs", s)
}
