package series

import (
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"regexp"
	"testing"

	"llmmri/pkg/contract"
)

func rec(i int, seriesID, name string, acq int) contract.ImageRecord {
	return contract.ImageRecord{
		ID:               contract.ImageID(fmt.Sprintf("img/%03d", i)),
		SeriesID:         seriesID,
		SourceName:       name,
		AcquisitionIndex: acq,
		Ordinal:          i,
	}
}

func sizes(bs []contract.Batch) []int {
	out := make([]int, len(bs))
	for i, b := range bs {
		out[i] = len(b.Records)
	}
	return out
}

// UT-GRP-01: 45 张影像、两个序列（30/15），batch_size=20 => [20,10] 与 [15]
func TestGroupAndChunkScenario(t *testing.T) {
	var recs []contract.ImageRecord
	for i := 0; i < 45; i++ {
		if i%3 == 2 {
			recs = append(recs, rec(i, "", fmt.Sprintf("MRI-002-%05d.jpg", i), i))
		} else {
			recs = append(recs, rec(i, "1.2.3.A", fmt.Sprintf("x_%d.dcm", i), i))
		}
	}
	ss, bad := New(nil).Group(recs)
	if len(bad) != 0 {
		t.Fatalf("不应有不可分组记录: %v", bad)
	}
	if len(ss) != 2 || ss[0].Key != "1.2.3.A" || ss[1].Key != "MRI-002" {
		t.Fatalf("序列键/顺序错误: %+v", ss)
	}
	want := [][]int{{20, 10}, {15}}
	for i, s := range ss {
		bs, err := Chunk(s, 20)
		if err != nil {
			t.Fatalf("chunk: %v", err)
		}
		if got := sizes(bs); !reflect.DeepEqual(got, want[i]) {
			t.Fatalf("序列 %s 批大小=%v 预期 %v", s.Key, got, want[i])
		}
		for j, b := range bs {
			if b.Key.BatchIndex != j || b.Key.SeriesKey != s.Key || b.SeriesSize != len(s.Records) {
				t.Fatalf("批键错误: %+v", b.Key)
			}
		}
	}
}

// UT-GRP-02: 拼接序列的批可还原序列顺序；同一采集序号按 ingest 顺序
func TestChunkReconstructsOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var recs []contract.ImageRecord
	for i := 0; i < 53; i++ {
		recs = append(recs, rec(i, "S", "", rng.Intn(10)))
	}
	ss, _ := New(nil).Group(recs)
	s := ss[0]
	for i := 1; i < len(s.Records); i++ {
		a, b := s.Records[i-1], s.Records[i]
		if a.AcquisitionIndex > b.AcquisitionIndex || (a.AcquisitionIndex == b.AcquisitionIndex && a.Ordinal > b.Ordinal) {
			t.Fatalf("序列内未按 (acq, ordinal) 排序: %d", i)
		}
	}
	for size := 1; size <= MaxBatchSize; size++ {
		bs, err := Chunk(s, size)
		if err != nil {
			t.Fatalf("chunk: %v", err)
		}
		var joined []contract.ImageRecord
		for _, b := range bs {
			if len(b.Records) == 0 || len(b.Records) > size {
				t.Fatalf("size=%d 批大小越界: %d", size, len(b.Records))
			}
			joined = append(joined, b.Records...)
		}
		if !reflect.DeepEqual(joined, s.Records) {
			t.Fatalf("size=%d 拼接后顺序不一致", size)
		}
	}
}

// UT-GRP-03: 每条记录恰好属于一个序列，或被判为不可分组
func TestGroupPartition(t *testing.T) {
	recs := []contract.ImageRecord{
		rec(0, "A", "", 0),
		rec(1, "", "IMG-0003-00001.jpg", 1),
		rec(2, "", "noseries.png", 0),
		rec(3, "  ", "", 0),
		rec(4, "A", "", 1),
		rec(5, "", "IMG-0003-00002.jpg", 2),
	}
	ss, bad := New(nil).Group(recs)
	seen := map[contract.ImageID]int{}
	for _, s := range ss {
		for _, r := range s.Records {
			seen[r.ID]++
		}
	}
	for _, u := range bad {
		seen[u.Record.ID]++
		if !errors.Is(u.Err, contract.ErrUngroupable) {
			t.Fatalf("应包装 ErrUngroupable: %v", u.Err)
		}
	}
	for _, r := range recs {
		if seen[r.ID] != 1 {
			t.Fatalf("记录 %s 出现 %d 次", r.ID, seen[r.ID])
		}
	}
	if len(bad) != 2 {
		t.Fatalf("应有 2 条不可分组记录, got %d", len(bad))
	}
}

// 自定义命名策略可注入
func TestCustomKeyFunc(t *testing.T) {
	g := New(PatternKey(regexp.MustCompile(`^series(\d+)_`)))
	ss, bad := g.Group([]contract.ImageRecord{
		rec(0, "ignored", "series7_a.png", 0),
		rec(1, "", "series7_b.png", 1),
		rec(2, "", "other.png", 0),
	})
	if len(ss) != 1 || ss[0].Key != "7" || len(ss[0].Records) != 2 || len(bad) != 1 {
		t.Fatalf("自定义策略结果错误: %+v %v", ss, bad)
	}
}

func TestSampleSelectPlan(t *testing.T) {
	var recs []contract.ImageRecord
	for i := 0; i < 30; i++ {
		recs = append(recs, rec(i, "A", "", i))
	}
	for i := 30; i < 35; i++ {
		recs = append(recs, rec(i, "B", "", i))
	}
	ss, _ := New(nil).Group(recs)
	if got := Sample(ss[0], 12); len(got.Records) != 12 || got.Records[11].Ordinal != 11 {
		t.Fatalf("采样应保留前 12 条")
	}
	if got := Sample(ss[1], 0); len(got.Records) != 5 {
		t.Fatalf("n<=0 不采样")
	}
	kept, unknown := Select(ss, []string{"B", "Z", "B", ""})
	if len(kept) != 1 || kept[0].Key != "B" || !reflect.DeepEqual(unknown, []string{"Z"}) {
		t.Fatalf("白名单过滤错误: %v %v", kept, unknown)
	}
	if all, unk := Select(ss, nil); len(all) != 2 || unk != nil {
		t.Fatalf("空白名单应全部保留")
	}
	bs, err := Plan(ss, 20, 25)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if got := sizes(bs); !reflect.DeepEqual(got, []int{20, 5, 5}) {
		t.Fatalf("plan 批大小=%v", got)
	}
	if bs[0].SeriesSize != 25 {
		t.Fatalf("SeriesSize 应为采样后大小: %d", bs[0].SeriesSize)
	}
}

func TestChunkInvalidSize(t *testing.T) {
	s := contract.Series{Key: "A", Records: []contract.ImageRecord{rec(0, "A", "", 0)}}
	for _, n := range []int{0, -1, 21} {
		if _, err := Chunk(s, n); !errors.Is(err, contract.ErrInvalidInput) {
			t.Fatalf("size=%d 应失败: %v", n, err)
		}
	}
	if bs, err := Chunk(contract.Series{Key: "E"}, 5); err != nil || len(bs) != 0 {
		t.Fatalf("空序列应得到 0 批")
	}
}

func TestNameHelpers(t *testing.T) {
	if k, ok := PatternKey(DefaultPattern)(rec(0, "", "dir\\IMG-0003-02543.jpg", 0)); !ok || k != "IMG-0003" {
		t.Fatalf("默认模式错误: %q %v", k, ok)
	}
	if n, ok := AcquisitionFromName("scans/IMG-0003-02543.jpg"); !ok || n != 2543 {
		t.Fatalf("采集序号解析错误: %d %v", n, ok)
	}
	if _, ok := AcquisitionFromName("cover.png"); ok {
		t.Fatalf("无数字不应解析")
	}
	if Stem("") != "" || Stem("a/b.tar.gz") != "b.tar" {
		t.Fatalf("Stem 错误")
	}
	r := rec(0, "", "", 0)
	r.Meta = contract.Meta{contract.MetaModality: "MR", contract.MetaBodyPart: "PELVIS"}
	if Describe(r) != "PELVIS" {
		t.Fatalf("Describe 应优先 body_part 于 modality")
	}
	r.Meta[contract.MetaSeriesDescription] = "T2 AX"
	if Describe(r) != "T2 AX" {
		t.Fatalf("Describe 应优先 series_description")
	}
}
