package contract

import "context"

// Prompt: 不透明载荷，由具体 PromptBuilder/LLMClient 配对解释。
type Prompt any

// Message: 最小会话消息形状。Images 为随消息附带的影像（按批内顺序）。
type Message struct {
	Role    string
	Content string
	Images  []ImageRecord
}

// ChatPrompt: 会话型提示词载荷。
type ChatPrompt []Message

// PlainTextPrompt: 期望自由文本回复的会话提示词（例如检查级叙述总结）。
// 客户端不得为其强制 JSON 响应格式。
type PlainTextPrompt ChatPrompt

// PromptBuilder: 基于 Batch 与运行上下文构造确定性的 Prompt。
// 约束：
//   - 不做网络 I/O；影像像素的编码延迟到 LLMClient；
//   - 相同输入产生相同输出；
//   - 失败快速返回错误。
type PromptBuilder interface {
	Build(ctx context.Context, b Batch, ac AnalysisContext) (Prompt, error)
}
