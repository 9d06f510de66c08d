package filesystem

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"llmmri/internal/imgenc"
	"llmmri/internal/series"
	"llmmri/pkg/contract"
)

// Options 为文件系统 Ingestor 的可选配置（最小必要）。
type Options struct {
	// ExcludeDirNames: 在扫描目录时跳过这些目录名（基名、大小写不敏感）。
	// 仅影响目录递归，不影响单文件 root。
	ExcludeDirNames []string `json:"exclude_dir_names"`
	// Extensions: 参与 ingest 的扩展名（含点、大小写不敏感）。默认 .dcm/.dicom/.png/.jpg/.jpeg。
	Extensions []string `json:"extensions"`
}

var defaultExts = []string{".dcm", ".dicom", ".png", ".jpg", ".jpeg"}

// FileSystem 实现基于目录/文件的 Ingestor。
// 顺序：root 按给定顺序；目录内先子目录后文件，均按字典序；目录符号链接不跟随。
type FileSystem struct {
	excludeDir map[string]struct{}
	exts       map[string]struct{}
}

// New 创建 FileSystem Ingestor。
func New(opts *Options) *FileSystem {
	fs := &FileSystem{excludeDir: map[string]struct{}{}, exts: map[string]struct{}{}}
	exts := defaultExts
	if opts != nil {
		for _, name := range opts.ExcludeDirNames {
			if name != "" {
				fs.excludeDir[strings.ToLower(name)] = struct{}{}
			}
		}
		if len(opts.Extensions) > 0 {
			exts = opts.Extensions
		}
	}
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		fs.exts[e] = struct{}{}
	}
	return fs
}

// Ingest 遍历 roots 并解码影像元数据。单个文件失败记为 Issue；root 本身不可访问则返回错误。
func (r *FileSystem) Ingest(ctx context.Context, roots []string) (contract.IngestReport, error) {
	var rep contract.IngestReport
	if len(roots) == 0 {
		return rep, fmt.Errorf("%w: no input roots", contract.ErrInvalidInput)
	}
	var paths []string
	for _, root := range roots {
		ps, err := r.collect(ctx, root)
		if err != nil {
			return rep, err
		}
		paths = append(paths, ps...)
	}
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rec, err := r.load(p)
		if err != nil {
			rep.Issues = append(rep.Issues, contract.IngestIssue{Source: p, Err: err})
			continue
		}
		rec.Ordinal = len(rep.Records)
		rep.Records = append(rep.Records, rec)
	}
	return rep, nil
}

func (r *FileSystem) collect(ctx context.Context, root string) ([]string, error) {
	info, err := os.Lstat(root)
	if err != nil {
		return nil, err
	}
	// 仅跟随到常规文件；目录符号链接不跟随（忽略）
	if info.Mode()&os.ModeSymlink != 0 {
		t, err := os.Stat(root)
		if err != nil {
			return nil, err
		}
		if t.Mode().IsRegular() && r.accept(root) {
			return []string{root}, nil
		}
		return nil, nil
	}
	if info.IsDir() {
		var out []string
		err := r.walkDir(ctx, root, &out)
		return out, err
	}
	if info.Mode().IsRegular() && r.accept(root) {
		return []string{root}, nil
	}
	return nil, nil
}

func (r *FileSystem) walkDir(ctx context.Context, dir string, out *[]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	// 先目录（不跟随目录符号链接）
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, skip := r.excludeDir[strings.ToLower(e.Name())]; skip {
			continue
		}
		if err := r.walkDir(ctx, filepath.Join(dir, e.Name()), out); err != nil {
			return err
		}
	}
	// 再文件（允许指向常规文件的符号链接）
	for _, e := range entries {
		if e.IsDir() || !r.accept(e.Name()) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if e.Type()&os.ModeSymlink != 0 {
			t, err := os.Stat(p)
			if err != nil || !t.Mode().IsRegular() {
				continue
			}
		} else if !e.Type().IsRegular() {
			continue
		}
		*out = append(*out, p)
	}
	return nil
}

func (r *FileSystem) accept(name string) bool {
	_, ok := r.exts[strings.ToLower(filepath.Ext(name))]
	return ok
}

func (r *FileSystem) load(p string) (contract.ImageRecord, error) {
	rec := contract.ImageRecord{
		ID:         contract.NormalizeImageID(p),
		SourceName: filepath.Base(p),
		PixelRef:   p,
		MIME:       imgenc.MIMEFor(p),
	}
	if n, ok := series.AcquisitionFromName(p); ok {
		rec.AcquisitionIndex = n
	}
	switch rec.MIME {
	case imgenc.MIMEDICOM:
		return loadDICOM(rec)
	case imgenc.MIMEPNG, imgenc.MIMEJPEG:
		f, err := os.Open(p)
		if err != nil {
			return rec, err
		}
		defer f.Close()
		if _, _, err := image.DecodeConfig(f); err != nil {
			return rec, fmt.Errorf("decode %s: %w", p, err)
		}
		return rec, nil
	default:
		return rec, fmt.Errorf("%w: unsupported file %s", contract.ErrInvalidInput, p)
	}
}

// loadDICOM 读取 DICOM 头部标签，并确认首帧可解码；无像素或无法解码的文件记为 Issue。
func loadDICOM(rec contract.ImageRecord) (contract.ImageRecord, error) {
	ds, err := dicom.ParseFile(rec.PixelRef, nil)
	if err != nil {
		return rec, fmt.Errorf("parse dicom %s: %w", rec.PixelRef, err)
	}
	if _, err := imgenc.FirstFrame(ds, rec.PixelRef); err != nil {
		return rec, err
	}
	str := func(t tag.Tag) string {
		el, err := ds.FindElementByTag(t)
		if err != nil {
			return ""
		}
		switch v := el.Value.GetValue().(type) {
		case []string:
			if len(v) > 0 {
				return strings.TrimSpace(v[0])
			}
		case []int:
			if len(v) > 0 {
				return strconv.Itoa(v[0])
			}
		}
		return ""
	}
	rec.SeriesID = str(tag.SeriesInstanceUID)
	if n, err := strconv.Atoi(str(tag.InstanceNumber)); err == nil {
		rec.AcquisitionIndex = n
	}
	meta := contract.Meta{}
	for k, t := range map[string]tag.Tag{
		contract.MetaSeriesDescription: tag.SeriesDescription,
		contract.MetaBodyPart:          tag.BodyPartExamined,
		contract.MetaModality:          tag.Modality,
		contract.MetaPatientAge:        tag.PatientAge,
		contract.MetaPatientSex:        tag.PatientSex,
		contract.MetaStudyDescription:  tag.StudyDescription,
	} {
		if v := str(t); v != "" {
			meta[k] = v
		}
	}
	if len(meta) > 0 {
		rec.Meta = meta
	}
	return rec, nil
}
