package diag

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// RotatingFile 将日志行追加写入 <dir>/<prefix>-current.txt，并按大小轮转：
// 当 size+len(line) 超过 maxBytes 时，重命名为 <prefix>-<UTC 时间戳>.txt 并重新创建 current。
// keep>0 时仅保留最近 keep 个已轮转文件。
type RotatingFile struct {
	dir      string
	prefix   string
	maxBytes int64
	keep     int
	mu       sync.Mutex
	f        *os.File
	curSize  int64
}

// NewRotatingFile 使用默认前缀 "llmmri"、保留 5 个历史文件。
func NewRotatingFile(dir string, maxBytes int64) *RotatingFile {
	return NewRotatingFileWith(dir, "llmmri", maxBytes, 5)
}

func NewRotatingFileWith(dir, prefix string, maxBytes int64, keep int) *RotatingFile {
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024
	}
	if prefix == "" {
		prefix = "llmmri"
	}
	return &RotatingFile{dir: dir, prefix: prefix, maxBytes: maxBytes, keep: keep}
}

// CurrentPath 返回当前写入文件路径。
func (w *RotatingFile) CurrentPath() string {
	return filepath.Join(w.dir, w.prefix+"-current.txt")
}

func (w *RotatingFile) WriteLine(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	lineLen := int64(len(b) + 1)
	if err := w.ensureOpen(); err != nil {
		return err
	}
	if w.curSize > 0 && w.curSize+lineLen > w.maxBytes {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	n, err := w.f.Write(append(b, '\n'))
	w.curSize += int64(n)
	return err
}

func (w *RotatingFile) ensureOpen() error {
	if w.f != nil {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.CurrentPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.f = f
	w.curSize = 0
	if st, err := f.Stat(); err == nil {
		w.curSize = st.Size()
	}
	return nil
}

func (w *RotatingFile) rotate() error {
	_ = w.f.Close()
	w.f = nil
	// 高精度时间戳，避免同秒冲突覆盖
	ts := time.Now().UTC().Format("20060102-150405.000000000")
	rotated := filepath.Join(w.dir, fmt.Sprintf("%s-%s.txt", w.prefix, ts))
	if err := os.Rename(w.CurrentPath(), rotated); err != nil {
		return fmt.Errorf("rename rotated file: %w", err)
	}
	w.prune()
	return w.ensureOpen()
}

// prune 删除超出保留数量的最旧轮转文件；失败忽略。
func (w *RotatingFile) prune() {
	if w.keep <= 0 {
		return
	}
	matches, err := filepath.Glob(filepath.Join(w.dir, w.prefix+"-2*.txt"))
	if err != nil || len(matches) <= w.keep {
		return
	}
	// 时间戳格式按字典序即时间序
	sort.Strings(matches)
	for _, p := range matches[:len(matches)-w.keep] {
		_ = os.Remove(p)
	}
}

// Close 关闭当前打开的文件句柄
func (w *RotatingFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f != nil {
		err := w.f.Close()
		w.f = nil
		return err
	}
	return nil
}
