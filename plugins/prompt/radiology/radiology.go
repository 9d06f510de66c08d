package radiology

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"text/template"

	"llmmri/pkg/contract"
)

// Options 为“序列批次影像判读” PromptBuilder 的最小配置。
// - InlineSystemTemplate / SystemTemplatePath: system 提示模板（二选一，均为空时使用内置默认模板）。
// - InlineUserTemplate / UserTemplatePath: user 文本模板，同样的优先级。
// - MetadataLanguage: 影像内嵌文字的语言提示（例如 "Romanian"），为空则不追加。
type Options struct {
	InlineSystemTemplate string `json:"inline_system_template"`
	SystemTemplatePath   string `json:"system_template_path"`
	InlineUserTemplate   string `json:"inline_user_template"`
	UserTemplatePath     string `json:"user_template_path"`
	MetadataLanguage     string `json:"metadata_language"`
	// OmitSchema: 为 true 时不输出 json_schema 消息（上游不支持结构化模式时使用）。
	OmitSchema bool `json:"omit_schema"`
}

// Builder: 以 Batch 构造 ChatPrompt（system+user(+images)+json_schema）。
// 运行期不做 I/O；模板在构造期解析，像素编码延迟到 LLMClient。
type Builder struct {
	sysT       *template.Template
	userT      *template.Template
	lang       string
	omitSchema bool
}

// userView: user 模板可见字段。
type userView struct {
	SeriesID       string
	SequenceType   string
	SliceCount     int
	SeriesSize     int
	BatchIndex     int
	PatientContext string
	ClinicalFlag   string
	Shape          string
}

// New 创建影像判读 PromptBuilder。
func New(opts *Options) (*Builder, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	sysT, err := loadTemplate("system", o.InlineSystemTemplate, o.SystemTemplatePath, defaultSystemTemplate)
	if err != nil {
		return nil, err
	}
	userT, err := loadTemplate("user", o.InlineUserTemplate, o.UserTemplatePath, defaultUserTemplate)
	if err != nil {
		return nil, err
	}
	return &Builder{sysT: sysT, userT: userT, lang: strings.TrimSpace(o.MetadataLanguage), omitSchema: o.OmitSchema}, nil
}

// loadTemplate: inline 优先，其次文件，最后内置默认（构造期 I/O）。
func loadTemplate(name, inline, path, def string) (*template.Template, error) {
	src := def
	if inline != "" {
		src = inline
	} else if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s template read: %w", name, err)
		}
		src = string(b)
	}
	tpl, err := template.New(name).Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("%s template parse: %w", name, err)
	}
	return tpl, nil
}

// Build: 基于 Batch 与运行上下文构造 ChatPrompt。
func (b *Builder) Build(ctx context.Context, batch contract.Batch, ac contract.AnalysisContext) (contract.Prompt, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if len(batch.Records) == 0 {
		return nil, fmt.Errorf("prompt: %w: empty batch records", contract.ErrInvalidInput)
	}
	if batch.Key.SeriesKey == "" {
		return nil, fmt.Errorf("prompt: %w: empty series key", contract.ErrInvalidInput)
	}

	var sysBuf bytes.Buffer
	if err := b.sysT.Execute(&sysBuf, nil); err != nil {
		return nil, fmt.Errorf("system render: %w", contract.ErrInvalidInput)
	}
	sys := strings.TrimSpace(sysBuf.String())
	if b.lang != "" {
		sys += "\nNote: Metadata text visible in the images may be in " + b.lang + " - interpret it accordingly."
	}

	var userBuf bytes.Buffer
	userBuf.Grow(1024)
	if err := b.userT.Execute(&userBuf, b.view(batch, ac)); err != nil {
		return nil, fmt.Errorf("user render: %w", contract.ErrInvalidInput)
	}

	// 影像按批内顺序随 user 消息附带；拷贝以避免与 Batch 共享底层数组。
	imgs := make([]contract.ImageRecord, len(batch.Records))
	copy(imgs, batch.Records)

	msgs := []contract.Message{
		{Role: "system", Content: sys},
		{Role: "user", Content: userBuf.String(), Images: imgs},
	}
	if !b.omitSchema {
		msgs = append(msgs, contract.Message{Role: "json_schema", Content: contract.FindingsSchema})
	}
	return contract.ChatPrompt(msgs), nil
}

// view: 组装 user 模板数据；序列类型优先使用显式覆盖。
func (b *Builder) view(batch contract.Batch, ac contract.AnalysisContext) userView {
	seq := strings.TrimSpace(ac.SequenceType)
	if seq == "" {
		seq = strings.TrimSpace(batch.SeriesDescription)
	}
	if seq == "" {
		seq = "Unknown sequence type"
	}
	pc := strings.TrimSpace(ac.PatientContext)
	if pc == "" {
		pc = "N/A"
	}
	flag := strings.TrimSpace(ac.ClinicalQuestion)
	if flag == "" {
		flag = DefaultClinicalQuestion
	}
	size := batch.SeriesSize
	if size < len(batch.Records) {
		size = len(batch.Records)
	}
	return userView{
		SeriesID:       batch.Key.SeriesKey,
		SequenceType:   seq,
		SliceCount:     len(batch.Records),
		SeriesSize:     size,
		BatchIndex:     batch.Key.BatchIndex,
		PatientContext: pc,
		ClinicalFlag:   flag,
		Shape:          responseShape,
	}
}

// 静态接口断言
var _ contract.PromptBuilder = (*Builder)(nil)

// DefaultClinicalQuestion: 未配置临床问题时的占位。
const DefaultClinicalQuestion = "abnormality"

// 默认 system 模板。
const defaultSystemTemplate = `You are a board-certified radiologist with extensive experience in MRI interpretation.
Carefully analyze the provided MRI slices and follow the user's task instructions.
Return ONLY strict JSON (no markdown, no code fences, no commentary).`

// 默认 user 模板。
const defaultUserTemplate = `Analyse the following MRI series:

- Series ID: {{.SeriesID}}
- Sequence type: {{.SequenceType}}
- Slice count sent: {{.SliceCount}} (batch {{.BatchIndex}} of a series with {{.SeriesSize}} slices)
- Patient context: {{.PatientContext}}
- Clinical question: Confirm or refute possible {{.ClinicalFlag}} noted in preliminary AI review.

TASK
Return a JSON object with this exact structure:

{{.Shape}}

If no abnormal findings, return "findings": [] but still fill impression & recommendations.
`

// responseShape: 面向模型的结构示意（非校验用 schema）。
const responseShape = `{
  "findings": [
    {
      "slice_index": int,
      "location": str,
      "description": str,
      "severity": str
    }
  ],
  "impression": str,
  "recommendations": str,
  "confidence": number (0-100),
  "suspicion_level": "benign|indeterminate|suspicious|highly_suspicious"
}`
