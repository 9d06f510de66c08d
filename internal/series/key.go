package series

import (
	"path"
	"regexp"
	"strconv"
	"strings"

	"llmmri/pkg/contract"
)

// KeyFunc: 从单条记录推导序列键；无法推导时返回 ok=false。
type KeyFunc func(r contract.ImageRecord) (key string, ok bool)

// DefaultPattern: 文件名回退模式，取文件名主干的前两段（IMG-0003-02543.jpg → IMG-0003）。
var DefaultPattern = regexp.MustCompile(`^([^-]+-[^-]+)`)

// trailingNumber: 文件名主干末尾的数字段（IMG-0003-02543 → 02543）。
var trailingNumber = regexp.MustCompile(`(\d+)$`)

// ExplicitKey 使用显式序列标识（DICOM SeriesInstanceUID）。
func ExplicitKey(r contract.ImageRecord) (string, bool) {
	k := strings.TrimSpace(r.SeriesID)
	return k, k != ""
}

// PatternKey 在 SourceName 的文件名主干上应用正则：有捕获组取第 1 组，否则取整体匹配。
func PatternKey(re *regexp.Regexp) KeyFunc {
	return func(r contract.ImageRecord) (string, bool) {
		stem := Stem(r.SourceName)
		if stem == "" || re == nil {
			return "", false
		}
		m := re.FindStringSubmatch(stem)
		if m == nil {
			return "", false
		}
		k := m[0]
		if len(m) > 1 {
			k = m[1]
		}
		k = strings.TrimSpace(k)
		return k, k != ""
	}
}

// Chain 依序尝试多个策略，返回第一个成功的键。
func Chain(fns ...KeyFunc) KeyFunc {
	return func(r contract.ImageRecord) (string, bool) {
		for _, fn := range fns {
			if fn == nil {
				continue
			}
			if k, ok := fn(r); ok {
				return k, true
			}
		}
		return "", false
	}
}

// DefaultKey: 显式序列标识优先，其次文件名模式。
var DefaultKey = Chain(ExplicitKey, PatternKey(DefaultPattern))

// Stem 返回去掉目录与扩展名后的文件名主干（兼容反斜杠）。
func Stem(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" {
		return ""
	}
	return strings.TrimSuffix(base, path.Ext(base))
}

// AcquisitionFromName 解析文件名末尾数字段作为采集序号。
func AcquisitionFromName(name string) (int, bool) {
	m := trailingNumber.FindStringSubmatch(Stem(name))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Describe 从序列首条记录的注解推断序列类型描述；依次取
// series_description、body_part、modality，均缺失时返回空串。
func Describe(first contract.ImageRecord) string {
	for _, k := range []string{contract.MetaSeriesDescription, contract.MetaBodyPart, contract.MetaModality} {
		if v := strings.TrimSpace(first.Meta[k]); v != "" {
			return v
		}
	}
	return ""
}
