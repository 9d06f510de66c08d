package filesystem

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"llmmri/pkg/contract"
)

// Options: 最小必要选项。
type Options struct {
	// ResultsDir: 批结果工件目录（必需）。
	ResultsDir string `json:"results_dir"`
	// ReportsDir: 汇总报告目录；为空时使用 ResultsDir。
	ReportsDir string `json:"reports_dir"`
	// PermFile/PermDir: 可选权限；为 0 表示使用实现/平台默认。
	PermFile os.FileMode `json:"perm_file,omitempty"`
	PermDir  os.FileMode `json:"perm_dir,omitempty"`
	// BufSize: 写缓冲区大小；<=0 使用实现默认。
	BufSize int `json:"buf_size,omitempty"`
	// Indent: 工件 JSON 是否缩进输出，默认 true。
	Indent *bool `json:"indent,omitempty"`
}

// FS: 基于本地文件系统的 Store + ReportWriter。
// 工件名为 <序列键>_batch<序号>.json；写入采用同目录临时文件 + 硬链接（不覆盖）。
type FS struct {
	results string
	reports string
	permF   os.FileMode
	permD   os.FileMode
	bufSize int
	indent  bool
}

// New 创建文件系统 Store 实现。
func New(opts *Options) (*FS, error) {
	if opts == nil || strings.TrimSpace(opts.ResultsDir) == "" {
		return nil, fmt.Errorf("store: %w: results_dir required", contract.ErrConfig)
	}
	bsz := opts.BufSize
	if bsz <= 0 {
		bsz = 64 * 1024
	}
	pf := opts.PermFile
	if pf == 0 {
		pf = 0o644
	}
	pd := opts.PermDir
	if pd == 0 {
		pd = 0o755
	}
	reports := opts.ReportsDir
	if strings.TrimSpace(reports) == "" {
		reports = opts.ResultsDir
	}
	indent := true
	if opts.Indent != nil {
		indent = *opts.Indent
	}
	return &FS{results: opts.ResultsDir, reports: reports, permF: pf, permD: pd, bufSize: bsz, indent: indent}, nil
}

var (
	_ contract.Store        = (*FS)(nil)
	_ contract.ReportWriter = (*FS)(nil)
)

// ArtifactName 返回批次键对应的工件文件名（单段，无目录）。
// 序列键经 SanitizeKey 处理；若处理改变了原值，追加原键哈希前缀以避免不同键映射到同一文件。
func ArtifactName(k contract.BatchKey) string {
	safe := contract.SanitizeKey(k.SeriesKey)
	if safe != k.SeriesKey {
		sum := sha256.Sum256([]byte(k.SeriesKey))
		safe += "-" + hex.EncodeToString(sum[:4])
	}
	return safe + "_batch" + strconv.Itoa(k.BatchIndex) + ".json"
}

// Path 返回批次工件的完整路径。
func (w *FS) Path(k contract.BatchKey) string {
	return filepath.Join(w.results, ArtifactName(k))
}

// Exists 报告批次工件是否已存在。
func (w *FS) Exists(ctx context.Context, k contract.BatchKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if k.SeriesKey == "" || k.BatchIndex < 0 {
		return false, contract.ErrPathInvalid
	}
	_, err := os.Lstat(w.Path(k))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// Put 原子写入批结果；目标已存在时返回 ErrAlreadyExists 且不修改既有工件。
func (w *FS) Put(ctx context.Context, res contract.BatchResult) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	k := res.Key()
	if k.SeriesKey == "" || k.BatchIndex < 0 {
		return contract.ErrPathInvalid
	}
	body, err := w.marshal(res)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(w.results, w.permD); err != nil {
		return err
	}
	dest := w.Path(k)
	tmpPath, err := w.writeTemp(ctx, w.results, bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer os.Remove(tmpPath)
	if err := linkNoClobber(tmpPath, dest); err != nil {
		return err
	}
	// 最佳努力：同步父目录，提升崩溃安全性
	_ = syncDir(w.results)
	return nil
}

func (w *FS) marshal(res contract.BatchResult) ([]byte, error) {
	if w.indent {
		b, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(b, '\n'), nil
	}
	return json.Marshal(res)
}

// List 读取全部批结果工件，按 (SeriesKey, BatchIndex) 升序返回。
// 非工件文件（临时文件、报告等）被忽略；损坏的工件返回错误。
func (w *FS) List(ctx context.Context) ([]contract.BatchResult, error) {
	entries, err := os.ReadDir(w.results)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []contract.BatchResult
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if e.IsDir() || !isArtifactName(name) {
			continue
		}
		b, err := os.ReadFile(filepath.Join(w.results, name))
		if err != nil {
			return nil, err
		}
		var r contract.BatchResult
		if err := json.Unmarshal(b, &r); err != nil {
			return nil, fmt.Errorf("store: artifact %s: %w", name, err)
		}
		if r.SeriesKey == "" || ArtifactName(r.Key()) != name {
			return nil, fmt.Errorf("store: artifact %s: %w: key mismatch", name, contract.ErrPathInvalid)
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SeriesKey != out[j].SeriesKey {
			return out[i].SeriesKey < out[j].SeriesKey
		}
		return out[i].BatchIndex < out[j].BatchIndex
	})
	return out, nil
}

// isArtifactName: 匹配 *_batch<digits>.json，排除临时文件。
func isArtifactName(name string) bool {
	if strings.HasPrefix(name, ".tmp-") || !strings.HasSuffix(name, ".json") {
		return false
	}
	stem := strings.TrimSuffix(name, ".json")
	i := strings.LastIndex(stem, "_batch")
	if i <= 0 {
		return false
	}
	digits := stem[i+len("_batch"):]
	if digits == "" {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// WriteReport 将报告原子写入 ReportsDir/name（允许覆盖）。
func (w *FS) WriteReport(ctx context.Context, name string, r io.Reader) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	dest, err := w.mapReport(name)
	if err != nil {
		return err
	}
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, w.permD); err != nil {
		return err
	}
	tmpPath, err := w.writeTemp(ctx, dir, r)
	if err != nil {
		return err
	}
	// 平台特定的原子替换（或最佳努力）：
	if err := osReplace(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	_ = syncDir(dir)
	return nil
}

// mapReport: 报告名仅允许单段文件名。
func (w *FS) mapReport(name string) (string, error) {
	rel := filepath.Clean(name)
	if rel == "." || rel == ".." || rel == "" || filepath.Base(rel) != rel || filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return "", contract.ErrPathInvalid
	}
	return filepath.Join(w.reports, rel), nil
}

// writeTemp 在 dir 下写入临时文件（flush + fsync + close），返回其路径；失败时清理。
func (w *FS) writeTemp(ctx context.Context, dir string, r io.Reader) (string, error) {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	// 目标权限：尽量与期望一致
	_ = os.Chmod(tmpPath, w.permF)

	bw := bufio.NewWriterSize(tmp, w.bufSize)
	if _, err := io.Copy(bw, readerWithCtx(ctx, r)); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := bw.Flush(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	return tmpPath, nil
}

// linkNoClobber: 硬链接发布临时文件；目标存在时返回 ErrAlreadyExists。
// 文件系统不支持硬链接时退化为“检查后替换”。
func linkNoClobber(tmpPath, dest string) error {
	err := os.Link(tmpPath, dest)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%s: %w", filepath.Base(dest), contract.ErrAlreadyExists)
	}
	if _, serr := os.Lstat(dest); serr == nil {
		return fmt.Errorf("%s: %w", filepath.Base(dest), contract.ErrAlreadyExists)
	}
	return osReplace(tmpPath, dest)
}

// readerWithCtx: 在每次 Read 前检查 ctx 是否已取消。
func readerWithCtx(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	select {
	case <-cr.ctx.Done():
		return 0, cr.ctx.Err()
	default:
	}
	return cr.r.Read(p)
}
