package diag

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// 级别定义
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "info"
	}
}

// Logger 为最小结构化日志器：单行 JSON 输出到轮转文件（或 stderr）。
// 所有方法对 nil 接收者安全：库代码在无日志器时（例如测试）直接 no-op。
type Logger struct {
	corrID string
	level  Level
	sink   *RotatingFile
	out    io.Writer // sink 为空时的后备输出
	mu     sync.Mutex
}

// NewLogger 通过配置的 level 初始化；dir 非空时写入 dir 并按 10MiB 轮转，否则写 stderr。
func NewLogger(corrID, level, dir string) *Logger {
	l := &Logger{corrID: corrID, level: parseLevel(strings.TrimSpace(level)), out: os.Stderr}
	if strings.TrimSpace(dir) != "" {
		l.sink = NewRotatingFile(dir, 10*1024*1024)
	}
	return l
}

// NewWriterLogger 构造输出到任意 io.Writer 的日志器（测试/嵌入场景）。
func NewWriterLogger(corrID, level string, w io.Writer) *Logger {
	return &Logger{corrID: corrID, level: parseLevel(level), out: w}
}

// CorrID 返回本次运行的关联 ID。
func (l *Logger) CorrID() string {
	if l == nil {
		return ""
	}
	return l.corrID
}

// Close 关闭底层文件（若有）。
func (l *Logger) Close() error {
	if l == nil || l.sink == nil {
		return nil
	}
	return l.sink.Close()
}

func parseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return Debug
	case "warn":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// Event 为标准事件结构。
type Event struct {
	Level  string            `json:"level"`
	TS     string            `json:"ts"`
	CorrID string            `json:"corr_id"`
	Comp   string            `json:"comp"`
	Stage  string            `json:"stage"` // start|finish|error
	Code   string            `json:"code,omitempty"`
	DurMS  int64             `json:"dur_ms,omitempty"`
	Count  int64             `json:"count,omitempty"`
	Series string            `json:"series,omitempty"`
	Batch  string            `json:"batch,omitempty"`
	Msg    string            `json:"msg"`
	KV     map[string]string `json:"kv,omitempty"`
}

// log 以最小开销写出事件，遵循级别。
func (l *Logger) log(lv Level, ev Event) {
	if l == nil || lv < l.level {
		return
	}
	ev.Level = lv.String()
	ev.TS = NowUTC()
	ev.CorrID = l.corrID
	b, _ := json.Marshal(ev)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sink == nil {
		_, _ = l.out.Write(append(b, '\n'))
		return
	}
	if err := l.sink.WriteLine(b); err != nil {
		fmt.Fprintf(os.Stderr, "logger sink error: %v\n", err)
		_, _ = os.Stderr.Write(append(b, '\n'))
	}
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", Msg: msg})
	return &Timer{l: l, comp: comp, t0: time.Now()}
}

// StartWith 记录带 series/batch 的 start。
func (l *Logger) StartWith(comp, msg, series, batch string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", Series: series, Batch: batch, Msg: msg})
	return &Timer{l: l, comp: comp, series: series, batch: batch, t0: time.Now()}
}

// StartWithKV 记录带 series/batch 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, series, batch string, kv map[string]string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", Series: series, Batch: batch, Msg: msg, KV: kv})
	return &Timer{l: l, comp: comp, series: series, batch: batch, t0: time.Now()}
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.ErrorWithKV(comp, code, msg, durSince, "", "", nil)
}

// ErrorWith 支持 series/batch。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, series, batch string) {
	l.ErrorWithKV(comp, code, msg, durSince, series, batch, nil)
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, series, batch string, kv map[string]string) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: dur, Msg: msg, Series: series, Batch: batch, KV: kv})
}

// Warn 记录可恢复问题（不可分组记录、解码失败、未知序列名等）。
func (l *Logger) Warn(comp, code, msg string, kv map[string]string) {
	l.log(Warn, Event{Comp: comp, Stage: "finish", Code: code, Msg: msg, KV: kv})
}

// WarnWith 记录带 series/batch 的 warn（例如一次将重试的失败尝试）。
func (l *Logger) WarnWith(comp, code, msg, series, batch string, kv map[string]string) {
	l.log(Warn, Event{Comp: comp, Stage: "error", Code: code, Msg: msg, Series: series, Batch: batch, KV: kv})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.log(Info, Event{Comp: comp, Stage: "finish", DurMS: time.Since(start).Milliseconds(), Count: count, Msg: msg})
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l      *Logger
	comp   string
	series string
	batch  string
	t0     time.Time
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	t.l.log(Info, Event{Comp: t.comp, Stage: "finish", DurMS: time.Since(t.t0).Milliseconds(), Count: count, Series: t.series, Batch: t.batch, Msg: msg})
}

// Since 返回起点（供 ErrorWith 的 durSince 使用）。
func (t *Timer) Since() *time.Time {
	if t == nil {
		return nil
	}
	return &t.t0
}

// DebugStart 输出调试级别的“start”类事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg, series, batch string, kv map[string]string) {
	l.log(Debug, Event{Comp: comp, Stage: "start", Series: series, Batch: batch, Msg: msg, KV: kv})
}
