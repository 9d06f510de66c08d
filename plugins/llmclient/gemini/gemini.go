package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"llmmri/internal/imgenc"
	"llmmri/pkg/contract"
)

// Options: Google Generative Language API (Gemini) 视觉调用最小必需。
type Options struct {
	BaseURL   string `json:"base_url"`    // https://generativelanguage.googleapis.com
	Model     string `json:"model"`       // 默认 gemini-2.5-flash
	APIKeyEnv string `json:"api_key_env"` // 默认 GOOGLE_API_KEY
	APIKey    string `json:"api_key"`
	// 客户端超时（秒）。未设置或 <=0 时采用默认 120 秒。
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
	// MaxOutputTokens: 单次响应 token 上限；<=0 使用默认 1024。
	MaxOutputTokens int      `json:"max_output_tokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	// 第三方兼容（最小）
	EndpointPath  string            `json:"endpoint_path"`    // 可覆盖默认 /v1beta/models/{model}:generateContent；支持 {model} 占位
	APIKeyInQuery *bool             `json:"api_key_in_query"` // 默认 false；为 false 时使用 x-goog-api-key 头
	ExtraHeaders  map[string]string `json:"extra_headers"`
	ExtraQuery    map[string]string `json:"extra_query"`
	// ResponseSchema: 为 true 时把 Prompt 携带的 schema 下发为 response_schema；
	// 默认仅开启 JSON 输出（Gemini 的 schema 方言不接受完整 draft-07）。
	ResponseSchema bool `json:"response_schema,omitempty"`
}

// DefaultKeyEnv: 未显式配置时读取的环境变量。
const DefaultKeyEnv = "GOOGLE_API_KEY"

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if o.Model == "" {
		o.Model = "gemini-2.5-flash"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = DefaultKeyEnv
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/v1beta/models/{model}:generateContent"
	}
	if o.APIKeyInQuery == nil {
		f := false
		o.APIKeyInQuery = &f
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 120
	}
	if o.MaxOutputTokens <= 0 {
		o.MaxOutputTokens = 1024
	}
}

type Client struct {
	hc        *http.Client
	url       string // 完整路径（占位已展开）
	model     string
	apiKey    string
	inQuery   bool
	extraH    map[string]string
	extraQ    map[string]string
	maxTokens int
	temp      *float64
	useSchema bool
	do        func(*http.Request) (*http.Response, error)
	// encode: 影像 → (MIME, 字节)；测试可替换。
	encode func(contract.ImageRecord) (string, []byte, error)
}

func New(raw json.RawMessage) (contract.LLMClient, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("gemini options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("gemini: %w: missing api key", contract.ErrConfig)
	}
	path := strings.ReplaceAll(opts.EndpointPath, "{model}", url.PathEscape(opts.Model))
	if !(strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")) {
		path = strings.TrimRight(opts.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	return &Client{
		hc:        hc,
		url:       path,
		model:     opts.Model,
		apiKey:    key,
		inQuery:   *opts.APIKeyInQuery,
		extraH:    opts.ExtraHeaders,
		extraQ:    opts.ExtraQuery,
		maxTokens: opts.MaxOutputTokens,
		temp:      opts.Temperature,
		useSchema: opts.ResponseSchema,
		do:        hc.Do,
		encode:    imgenc.Encode,
	}, nil
}

// Name 返回用于终端展示的模型名。
func (c *Client) Name() string { return "gemini:" + c.model }

// 请求/响应（最小字段）。
type gmBlob struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type gmPart struct {
	Text       string  `json:"text,omitempty"`
	InlineData *gmBlob `json:"inline_data,omitempty"`
}

type gmContent struct {
	Role  string   `json:"role,omitempty"`
	Parts []gmPart `json:"parts"`
}

type gmGenerationConfig struct {
	ResponseMIMEType string          `json:"response_mime_type,omitempty"`
	ResponseSchema   json.RawMessage `json:"response_schema,omitempty"`
	MaxOutputTokens  int             `json:"max_output_tokens,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
}

type gmReq struct {
	SystemInstruction *gmContent          `json:"system_instruction,omitempty"`
	Contents          []gmContent         `json:"contents"`
	GenerationConfig  *gmGenerationConfig `json:"generationConfig,omitempty"`
}

type gmResp struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

type gmErrResp struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// upstreamError: HTTP 上游非 2xx；Unwrap 返回分类哨兵，满足 contract.UpstreamError。
type upstreamError struct {
	status int
	msg    string
	kind   error
}

func (e upstreamError) Error() string {
	return fmt.Sprintf("gemini upstream %d: %s: %v", e.status, e.msg, e.kind)
}
func (e upstreamError) Unwrap() error           { return e.kind }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

func statusKind(st int) error {
	switch {
	case st == http.StatusTooManyRequests:
		return contract.ErrRateLimited
	case st == http.StatusRequestTimeout || st/100 == 5:
		return contract.ErrTransientServer
	default:
		return contract.ErrPermanentRequest
	}
}

// normalizeGeminiRole 将通用 Chat 角色映射为 Gemini 支持的集合：user|model。
// 规则：assistant→model，其余→user；大小写不敏感。system 由调用方单独处理。
func normalizeGeminiRole(r string) string {
	switch strings.ToLower(strings.TrimSpace(r)) {
	case "model", "assistant":
		return "model"
	default:
		return "user"
	}
}

// encodePrompt: system 消息合并为 system_instruction；json_schema 消息转为 generationConfig；
// 带影像的消息展开为 text + inline_data 片段。
func (c *Client) encodePrompt(p contract.Prompt) ([]byte, error) {
	mimeType := "application/json"
	var cp contract.ChatPrompt
	switch v := p.(type) {
	case contract.ChatPrompt:
		cp = v
	case contract.PlainTextPrompt:
		cp, mimeType = contract.ChatPrompt(v), "text/plain"
	default:
		return nil, fmt.Errorf("gemini: %w: unsupported prompt %T", contract.ErrInvalidInput, p)
	}
	req := gmReq{GenerationConfig: &gmGenerationConfig{
		ResponseMIMEType: mimeType,
		MaxOutputTokens:  c.maxTokens,
		Temperature:      c.temp,
	}}
	var system []gmPart
	for _, m := range cp {
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "json_schema":
			var raw json.RawMessage
			if c.useSchema && json.Unmarshal([]byte(m.Content), &raw) == nil && len(raw) > 0 {
				req.GenerationConfig.ResponseSchema = raw
			}
			continue
		case "system":
			system = append(system, gmPart{Text: m.Content})
			continue
		}
		parts := make([]gmPart, 0, len(m.Images)+1)
		if m.Content != "" {
			parts = append(parts, gmPart{Text: m.Content})
		}
		for _, img := range m.Images {
			mime, data, err := c.encode(img)
			if err != nil {
				return nil, fmt.Errorf("gemini: encode image %s: %w", img.ID, err)
			}
			parts = append(parts, gmPart{InlineData: &gmBlob{MIMEType: mime, Data: base64.StdEncoding.EncodeToString(data)}})
		}
		req.Contents = append(req.Contents, gmContent{Role: normalizeGeminiRole(m.Role), Parts: parts})
	}
	if len(system) > 0 {
		req.SystemInstruction = &gmContent{Parts: system}
	}
	if len(req.Contents) == 0 {
		return nil, fmt.Errorf("gemini: %w: empty prompt", contract.ErrInvalidInput)
	}
	return json.Marshal(&req)
}

// Invoke: 单次调用，同步返回。重试与限流由 pipeline 负责。
func (c *Client) Invoke(ctx context.Context, b contract.Batch, p contract.Prompt) (contract.Raw, error) {
	body, err := c.encodePrompt(p)
	if err != nil {
		return contract.Raw{}, err
	}
	// 构造 URL 并安全追加 query 参数
	u, err := url.Parse(c.url)
	if err != nil {
		return contract.Raw{}, fmt.Errorf("gemini: invalid url: %v: %w", err, contract.ErrPermanentRequest)
	}
	q := u.Query()
	if c.inQuery {
		q.Set("key", c.apiKey)
	}
	for k, v := range c.extraQ {
		if k != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return contract.Raw{}, fmt.Errorf("new request: %v: %w", err, contract.ErrPermanentRequest)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if !c.inQuery {
		req.Header.Set("x-goog-api-key", c.apiKey)
	}
	for k, v := range c.extraH {
		if k != "" {
			req.Header.Set(k, v)
		}
	}
	resp, err := c.do(req)
	if err != nil {
		if ctx.Err() != nil {
			return contract.Raw{}, ctx.Err()
		}
		return contract.Raw{}, fmt.Errorf("gemini transport: %w: %w", contract.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return contract.Raw{}, upstreamError{status: resp.StatusCode, msg: upstreamMessage(slurp), kind: statusKind(resp.StatusCode)}
	}
	var gr gmResp
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		if ctx.Err() != nil {
			return contract.Raw{}, ctx.Err()
		}
		return contract.Raw{}, fmt.Errorf("gemini: decode response: %v: %w", err, contract.ErrTransientServer)
	}
	if r := gr.PromptFeedback.BlockReason; r != "" {
		return contract.Raw{}, fmt.Errorf("gemini: prompt blocked (%s): %w", r, contract.ErrPermanentRequest)
	}
	if len(gr.Candidates) == 0 {
		return contract.Raw{}, fmt.Errorf("gemini: no candidates: %w", contract.ErrSchemaInvalid)
	}
	var sb strings.Builder
	for _, part := range gr.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	if strings.TrimSpace(sb.String()) == "" {
		return contract.Raw{}, fmt.Errorf("gemini: empty candidate (%s): %w", gr.Candidates[0].FinishReason, contract.ErrSchemaInvalid)
	}
	return contract.Raw{Text: sb.String()}, nil
}

// upstreamMessage: 优先取 {"error":{"message"}}，否则截断原文。
func upstreamMessage(b []byte) string {
	var er gmErrResp
	if json.Unmarshal(b, &er) == nil && er.Error.Message != "" {
		return er.Error.Message
	}
	s := strings.TrimSpace(string(b))
	if len(s) > 256 {
		s = s[:256] + "..."
	}
	return s
}

var _ contract.LLMClient = (*Client)(nil)
