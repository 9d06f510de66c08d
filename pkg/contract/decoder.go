package contract

import "context"

// Decoder: 将 Raw 解析并校验为 StructuredResult。
// 不符合 schema 时返回包装 ErrSchemaInvalid 的错误（终态，不重试）。
type Decoder interface {
	Decode(ctx context.Context, key BatchKey, raw Raw) (StructuredResult, error)
}
