package filesystem

import (
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"llmmri/internal/imgenc"
	"llmmri/pkg/contract"
)

func writePNG(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, image.NewGray(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatalf("encode: %v", err)
	}
}

// writeHeaderOnlyDICOM 写出仅含序列标签、不含 PixelData 的 DICOM 文件。
func writeHeaderOnlyDICOM(t *testing.T, path string) {
	t.Helper()
	ds := dicom.Dataset{Elements: []*dicom.Element{
		dicom.MustNewElement(tag.MediaStorageSOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.4"}),
		dicom.MustNewElement(tag.MediaStorageSOPInstanceUID, []string{"1.2.3.4.5"}),
		dicom.MustNewElement(tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"}),
		dicom.MustNewElement(tag.SeriesInstanceUID, []string{"1.2.3.4"}),
		dicom.MustNewElement(tag.InstanceNumber, []string{"1"}),
	}}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := dicom.Write(f, ds); err != nil {
		t.Fatalf("write dicom: %v", err)
	}
}

func ids(recs []contract.ImageRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = filepath.Base(string(r.ID))
	}
	return out
}

// UT-ING-01: 稳定顺序（先子目录后文件、字典序）与采集序号解析
func TestIngestOrderAndAcquisition(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "MRI-001-00002.png"))
	writePNG(t, filepath.Join(dir, "MRI-001-00001.png"))
	writePNG(t, filepath.Join(dir, "sub", "MRI-002-00010.png"))
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644)

	rep, err := New(nil).Ingest(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	got := ids(rep.Records)
	want := []string{"MRI-002-00010.png", "MRI-001-00001.png", "MRI-001-00002.png"}
	if len(got) != 3 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Fatalf("顺序错误: %v", got)
	}
	for i, r := range rep.Records {
		if r.Ordinal != i {
			t.Fatalf("Ordinal 应递增: %+v", r)
		}
		if r.MIME != "image/png" || r.SourceName != got[i] || r.SeriesID != "" {
			t.Fatalf("字段错误: %+v", r)
		}
	}
	if rep.Records[0].AcquisitionIndex != 10 || rep.Records[2].AcquisitionIndex != 2 {
		t.Fatalf("采集序号解析错误: %+v", rep.Records)
	}
	if len(rep.Issues) != 0 {
		t.Fatalf("txt 应被忽略而非报错: %+v", rep.Issues)
	}
}

// UT-ING-02: 损坏文件记为 Issue，不中断
func TestIngestIssues(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "ok.png"))
	os.WriteFile(filepath.Join(dir, "broken.jpg"), []byte("not a jpeg"), 0o644)
	os.WriteFile(filepath.Join(dir, "broken.dcm"), []byte("not dicom"), 0o644)

	rep, err := New(nil).Ingest(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(rep.Records) != 1 || len(rep.Issues) != 2 {
		t.Fatalf("应 1 条记录 2 个问题: %d %d", len(rep.Records), len(rep.Issues))
	}
}

// UT-ING-03: 排除目录、自定义扩展名、单文件 root
func TestIngestOptions(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "keep.png"))
	writePNG(t, filepath.Join(dir, "SKIP", "bad.png"))
	writePNG(t, filepath.Join(dir, "other.jpeg"))

	rep, err := New(&Options{ExcludeDirNames: []string{"skip"}, Extensions: []string{"PNG"}}).Ingest(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if got := ids(rep.Records); len(got) != 1 || got[0] != "keep.png" {
		t.Fatalf("过滤错误: %v", got)
	}
	single := filepath.Join(dir, "keep.png")
	rep, err = New(nil).Ingest(context.Background(), []string{single})
	if err != nil || len(rep.Records) != 1 || rep.Records[0].ID != contract.NormalizeImageID(single) {
		t.Fatalf("单文件 root 错误: %v %+v", err, rep.Records)
	}
}

// UT-ING-04: root 不存在/空 roots/取消
func TestIngestErrors(t *testing.T) {
	if _, err := New(nil).Ingest(context.Background(), nil); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("空 roots 应为 ErrInvalidInput: %v", err)
	}
	if _, err := New(nil).Ingest(context.Background(), []string{filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Fatalf("缺失 root 应失败")
	}
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a.png"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(nil).Ingest(ctx, []string{dir}); !errors.Is(err, context.Canceled) {
		t.Fatalf("应返回取消: %v", err)
	}
}

// UT-ING-05: 无像素数据的 DICOM 在 ingest 阶段记为 Issue；PNG 不伪造 modality
func TestIngestDICOMWithoutPixels(t *testing.T) {
	dir := t.TempDir()
	writeHeaderOnlyDICOM(t, filepath.Join(dir, "IMG-0001-00001.dcm"))
	writePNG(t, filepath.Join(dir, "IMG-0002-00001.png"))

	rep, err := New(nil).Ingest(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(rep.Records) != 1 || len(rep.Issues) != 1 {
		t.Fatalf("应 1 条记录 1 个问题: %d %d", len(rep.Records), len(rep.Issues))
	}
	if !errors.Is(rep.Issues[0].Err, imgenc.ErrNoPixelData) {
		t.Fatalf("应为 ErrNoPixelData: %v", rep.Issues[0].Err)
	}
	if filepath.Base(rep.Issues[0].Source) != "IMG-0001-00001.dcm" {
		t.Fatalf("问题来源错误: %s", rep.Issues[0].Source)
	}
	if m := rep.Records[0].Meta[contract.MetaModality]; m != "" {
		t.Fatalf("PNG 不应带 modality: %q", m)
	}
}
