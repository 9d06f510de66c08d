package contract

import (
	"path"
	"strings"
)

// NormalizeImageID 规范化路径，统一为跨平台稳定的 ImageID。
// 规则：
// - 使用正斜杠分隔符
// - 清理多余分隔符与路径片段（.、..）
// - 保留相对/绝对语义，不做隐式绝对化
func NormalizeImageID(p string) ImageID {
	s := strings.ReplaceAll(p, "\\", "/")
	return ImageID(path.Clean(s))
}

// SanitizeKey 将序列键映射为安全的单段文件名：
// 仅保留 [A-Za-z0-9._-]，其余字符替换为 '_'；空串或仅由点组成时返回 "_"。
func SanitizeKey(k string) string {
	var b strings.Builder
	b.Grow(len(k))
	for _, r := range k {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := b.String()
	if strings.Trim(s, ".") == "" {
		return "_"
	}
	return s
}
