package findings

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"llmmri/pkg/contract"
)

// Options: 解码器配置。
// - SchemaPath: 自定义 JSON Schema 文件；为空时使用内置 FindingsSchema。
// - Strict: 为 true 时不剥离 Markdown 代码围栏与前后缀文字。
type Options struct {
	SchemaPath string `json:"schema_path"`
	Strict     bool   `json:"strict"`
}

type decoder struct {
	schema *gojsonschema.Schema
	strict bool
}

// New 从原样 JSON Options 创建解码器；schema 在构造期编译。
func New(raw json.RawMessage) (contract.Decoder, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("findings options: %w", err)
		}
	}
	src := contract.FindingsSchema
	if opts.SchemaPath != "" {
		b, err := os.ReadFile(opts.SchemaPath)
		if err != nil {
			return nil, fmt.Errorf("findings schema read: %w", err)
		}
		src = string(b)
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		return nil, fmt.Errorf("findings schema compile: %v: %w", err, contract.ErrConfig)
	}
	return &decoder{schema: s, strict: opts.Strict}, nil
}

// Decode 期望 Raw.Text 为单个 JSON 对象；先按 schema 校验，再映射为 StructuredResult。
// 任何解析或校验失败都归为 ErrSchemaInvalid（终态）。
func (d *decoder) Decode(ctx context.Context, key contract.BatchKey, raw contract.Raw) (contract.StructuredResult, error) {
	select {
	case <-ctx.Done():
		return contract.StructuredResult{}, ctx.Err()
	default:
	}
	text := strings.TrimSpace(raw.Text)
	if !d.strict {
		text = extractObject(text)
	}
	if text == "" || !json.Valid([]byte(text)) {
		return contract.StructuredResult{}, fmt.Errorf("decode %s: not a json document: %w", key, contract.ErrSchemaInvalid)
	}
	res, err := d.schema.Validate(gojsonschema.NewStringLoader(text))
	if err != nil {
		return contract.StructuredResult{}, fmt.Errorf("decode %s: %v: %w", key, err, contract.ErrSchemaInvalid)
	}
	if !res.Valid() {
		return contract.StructuredResult{}, fmt.Errorf("decode %s: %s: %w", key, describe(res.Errors()), contract.ErrSchemaInvalid)
	}
	var out contract.StructuredResult
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return contract.StructuredResult{}, fmt.Errorf("decode %s: %v: %w", key, err, contract.ErrSchemaInvalid)
	}
	if out.Findings == nil {
		out.Findings = []contract.Finding{}
	}
	return out, nil
}

var _ contract.Decoder = (*decoder)(nil)

// extractObject: 去掉 ```json 围栏；若仍有前后缀文字，截取首个 '{' 到末个 '}'。
func extractObject(s string) string {
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
		return s
	}
	i, j := strings.IndexByte(s, '{'), strings.LastIndexByte(s, '}')
	if i < 0 || j <= i {
		return s
	}
	return s[i : j+1]
}

// describe: 合并前几条校验错误（最多 3 条）。
func describe(errs []gojsonschema.ResultError) string {
	const max = 3
	parts := make([]string, 0, max)
	for i, e := range errs {
		if i == max {
			parts = append(parts, fmt.Sprintf("(+%d more)", len(errs)-max))
			break
		}
		parts = append(parts, e.String())
	}
	return strings.Join(parts, "; ")
}
