package series

import (
	"fmt"
	"sort"
	"strings"

	"llmmri/pkg/contract"
)

// MaxBatchSize: 单批影像数上限。
const MaxBatchSize = 20

// Ungrouped: 无法归入序列的记录及其原因（包装 contract.ErrUngroupable）。
type Ungrouped struct {
	Record contract.ImageRecord
	Err    error
}

// Grouper 将记录按序列键分组；键推导策略可注入。
type Grouper struct {
	Key KeyFunc
}

// New 构造 Grouper；key 为空时使用 DefaultKey。
func New(key KeyFunc) *Grouper {
	if key == nil {
		key = DefaultKey
	}
	return &Grouper{Key: key}
}

// Group 返回按首次出现顺序排列的序列；序列内按 (AcquisitionIndex, Ordinal) 稳定排序。
// 无法推导键的记录不会进入任何序列，而是以 Ungrouped 返回。
func (g *Grouper) Group(recs []contract.ImageRecord) ([]contract.Series, []Ungrouped) {
	key := g.Key
	if key == nil {
		key = DefaultKey
	}
	idx := map[string]int{}
	var out []contract.Series
	var bad []Ungrouped
	for _, r := range recs {
		k, ok := key(r)
		if !ok {
			bad = append(bad, Ungrouped{Record: r, Err: fmt.Errorf("%w: %s", contract.ErrUngroupable, r.ID)})
			continue
		}
		i, seen := idx[k]
		if !seen {
			i = len(out)
			idx[k] = i
			out = append(out, contract.Series{Key: k})
		}
		out[i].Records = append(out[i].Records, r)
	}
	for i := range out {
		rs := out[i].Records
		sort.SliceStable(rs, func(a, b int) bool {
			if rs[a].AcquisitionIndex != rs[b].AcquisitionIndex {
				return rs[a].AcquisitionIndex < rs[b].AcquisitionIndex
			}
			return rs[a].Ordinal < rs[b].Ordinal
		})
		out[i].Description = Describe(rs[0])
	}
	return out, bad
}

// Sample 保留序列前 n 条记录（n<=0 表示不采样）。
func Sample(s contract.Series, n int) contract.Series {
	if n <= 0 || n >= len(s.Records) {
		return s
	}
	s.Records = s.Records[:n:n]
	return s
}

// Select 按名称白名单过滤序列（保持原顺序）；names 为空时全部保留。
// 白名单中未出现的名称以 unknown 返回（按给定顺序，去重）。
func Select(all []contract.Series, names []string) (kept []contract.Series, unknown []string) {
	if len(names) == 0 {
		return all, nil
	}
	want := map[string]bool{}
	var order []string
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || want[n] {
			continue
		}
		want[n] = true
		order = append(order, n)
	}
	found := map[string]bool{}
	for _, s := range all {
		if want[s.Key] {
			kept = append(kept, s)
			found[s.Key] = true
		}
	}
	for _, n := range order {
		if !found[n] {
			unknown = append(unknown, n)
		}
	}
	return kept, unknown
}

// Chunk 将序列切分为连续、至多 size 条的批（最后一批可更小），批序号从 0 开始。
func Chunk(s contract.Series, size int) ([]contract.Batch, error) {
	if size < 1 || size > MaxBatchSize {
		return nil, fmt.Errorf("%w: batch_size %d not in [1,%d]", contract.ErrInvalidInput, size, MaxBatchSize)
	}
	n := len(s.Records)
	out := make([]contract.Batch, 0, (n+size-1)/size)
	for from, bi := 0, 0; from < n; from, bi = from+size, bi+1 {
		to := from + size
		if to > n {
			to = n
		}
		out = append(out, contract.Batch{
			Key:               contract.BatchKey{SeriesKey: s.Key, BatchIndex: bi},
			SeriesDescription: s.Description,
			SeriesSize:        n,
			Records:           s.Records[from:to:to],
		})
	}
	return out, nil
}

// Plan 对每个序列先采样再切批，返回全部批次（序列顺序、批序号顺序）。
func Plan(all []contract.Series, size, sample int) ([]contract.Batch, error) {
	var out []contract.Batch
	for _, s := range all {
		bs, err := Chunk(Sample(s, sample), size)
		if err != nil {
			return nil, err
		}
		out = append(out, bs...)
	}
	return out, nil
}
