package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"llmmri/internal/imgenc"
	"llmmri/pkg/contract"
)

// Options: 最小必需配置（OpenAI Chat Completions 兼容的视觉接口）。
type Options struct {
	BaseURL             string   `json:"base_url"`              // 例如 https://api.openai.com/v1
	Model               string   `json:"model"`                 // 为空则使用默认
	APIKeyEnv           string   `json:"api_key_env"`           // 优先从环境变量读取
	APIKey              string   `json:"api_key"`               // 明文传入（不推荐，按需用于测试）
	TimeoutSeconds      int      `json:"timeout_seconds"`       // 可选 client 级超时（秒）
	Temperature         *float64 `json:"temperature,omitempty"` // 为空则不下发
	MaxCompletionTokens int      `json:"max_completion_tokens"` // 单次响应 token 上限
	// ResponseFormat: json_object（默认）| json_schema | none。
	ResponseFormat string `json:"response_format"`
	// ImageDetail: auto | low | high；为空不下发。
	ImageDetail string `json:"image_detail"`
	// 第三方兼容（最小）：
	EndpointPath       string            `json:"endpoint_path"`        // 覆盖默认 /chat/completions；可为完整 URL（以 http 开头）
	DisableDefaultAuth bool              `json:"disable_default_auth"` // 关闭默认 Authorization: Bearer 注入
	ExtraHeaders       map[string]string `json:"extra_headers"`        // 追加/覆盖请求头（Azure/OpenRouter 等兼容服务）
}

const (
	defaultModel     = "gpt-4o-mini"
	defaultMaxTokens = 1024
)

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://api.openai.com/v1"
	}
	if o.Model == "" {
		o.Model = defaultModel
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "OPENAI_API_KEY"
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/chat/completions"
	}
	if o.MaxCompletionTokens <= 0 {
		o.MaxCompletionTokens = defaultMaxTokens
	}
	if o.ResponseFormat == "" {
		o.ResponseFormat = "json_object"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 120
	}
}

type Client struct {
	hc          *http.Client
	url         string
	apiKey      string
	temp        *float64
	model       string
	maxTokens   int
	format      string
	detail      string
	extraH      map[string]string
	disableAuth bool
	do          func(*http.Request) (*http.Response, error)
	// encode: 影像 → data URI；测试可替换。
	encode func(contract.ImageRecord) (string, error)
}

// New 从原样 JSON 选项构造客户端。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("openai options: %w", err)
		}
	}
	opts.defaults()
	switch opts.ResponseFormat {
	case "json_object", "json_schema", "none":
	default:
		return nil, fmt.Errorf("openai: %w: unknown response_format %q", contract.ErrConfig, opts.ResponseFormat)
	}
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" && !opts.DisableDefaultAuth {
		return nil, fmt.Errorf("openai: %w: missing api key", contract.ErrConfig)
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	// 解析 URL：允许 endpoint_path 为完整 URL
	fullURL := opts.EndpointPath
	if !(strings.HasPrefix(fullURL, "http://") || strings.HasPrefix(fullURL, "https://")) {
		base := strings.TrimRight(opts.BaseURL, "/")
		path := strings.TrimLeft(opts.EndpointPath, "/")
		fullURL = base + "/" + path
	}
	return &Client{
		hc:          hc,
		url:         fullURL,
		apiKey:      key,
		temp:        opts.Temperature,
		model:       opts.Model,
		maxTokens:   opts.MaxCompletionTokens,
		format:      opts.ResponseFormat,
		detail:      opts.ImageDetail,
		extraH:      opts.ExtraHeaders,
		disableAuth: opts.DisableDefaultAuth,
		do:          hc.Do,
		encode:      imgenc.DataURI,
	}, nil
}

// Name 返回用于终端展示的模型名。
func (c *Client) Name() string { return "openai:" + c.model }

// oaPart: 多模态内容片段（text 或 image_url）。
type oaPart struct {
	Type     string      `json:"type"`
	Text     string      `json:"text,omitempty"`
	ImageURL *oaImageURL `json:"image_url,omitempty"`
}

type oaImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// oaMessage: content 为字符串或片段数组。
type oaMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type oaReq struct {
	Model               string            `json:"model"`
	Messages            []oaMessage       `json:"messages"`
	Temperature         *float64          `json:"temperature,omitempty"`
	MaxCompletionTokens int               `json:"max_completion_tokens,omitempty"`
	ResponseFormat      *oaResponseFormat `json:"response_format,omitempty"`
}

type oaResp struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type oaErrResp struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// OpenAI response_format（最小子集）。
type oaResponseFormat struct {
	Type       string        `json:"type"` // "json_object" 或 "json_schema"
	JSONSchema *oaJSONSchema `json:"json_schema,omitempty"`
}

type oaJSONSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

// upstreamError: HTTP 上游非 2xx；Unwrap 返回分类哨兵，满足 contract.UpstreamError。
type upstreamError struct {
	status int
	msg    string
	kind   error
}

func (e upstreamError) Error() string {
	return fmt.Sprintf("openai upstream %d: %s: %v", e.status, e.msg, e.kind)
}
func (e upstreamError) Unwrap() error           { return e.kind }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

// statusKind: 429 → 限流；408/5xx → 服务端瞬时；其余 4xx → 终态请求错误。
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

// extractJSONSchemaFromPrompt: 取出 role=="json_schema" 的消息内容作为 schema，并从对话中移除。
func extractJSONSchemaFromPrompt(cp contract.ChatPrompt) (contract.ChatPrompt, json.RawMessage) {
	out := make(contract.ChatPrompt, 0, len(cp))
	var schema json.RawMessage
	for _, m := range cp {
		if strings.EqualFold(strings.TrimSpace(m.Role), "json_schema") {
			var raw json.RawMessage
			if json.Unmarshal([]byte(m.Content), &raw) == nil && len(raw) > 0 {
				schema = raw
			}
			continue
		}
		out = append(out, m)
	}
	return out, schema
}

// encodePrompt: 组装请求体；带影像的消息展开为 text + image_url 片段。
func (c *Client) encodePrompt(p contract.Prompt) ([]byte, error) {
	var (
		cp    contract.ChatPrompt
		plain bool
	)
	switch v := p.(type) {
	case contract.ChatPrompt:
		cp = v
	case contract.PlainTextPrompt:
		cp, plain = contract.ChatPrompt(v), true
	default:
		return nil, fmt.Errorf("openai: %w: unsupported prompt %T", contract.ErrInvalidInput, p)
	}
	cp, schema := extractJSONSchemaFromPrompt(cp)
	req := oaReq{
		Model:               c.model,
		Temperature:         c.temp,
		MaxCompletionTokens: c.maxTokens,
		Messages:            make([]oaMessage, 0, len(cp)),
	}
	for _, m := range cp {
		if len(m.Images) == 0 {
			req.Messages = append(req.Messages, oaMessage{Role: m.Role, Content: m.Content})
			continue
		}
		parts := make([]oaPart, 0, len(m.Images)+1)
		parts = append(parts, oaPart{Type: "text", Text: m.Content})
		for _, img := range m.Images {
			uri, err := c.encode(img)
			if err != nil {
				return nil, fmt.Errorf("openai: encode image %s: %w", img.ID, err)
			}
			parts = append(parts, oaPart{Type: "image_url", ImageURL: &oaImageURL{URL: uri, Detail: c.detail}})
		}
		req.Messages = append(req.Messages, oaMessage{Role: m.Role, Content: parts})
	}
	switch {
	case plain:
		// 自由文本：不设置 response_format
	case c.format == "json_object":
		req.ResponseFormat = &oaResponseFormat{Type: "json_object"}
	case c.format == "json_schema":
		if len(schema) > 0 {
			req.ResponseFormat = &oaResponseFormat{Type: "json_schema", JSONSchema: &oaJSONSchema{Name: "findings", Schema: schema}}
		} else {
			req.ResponseFormat = &oaResponseFormat{Type: "json_object"}
		}
	}
	return json.Marshal(&req)
}

// Invoke: 单次调用，同步返回。重试与限流由 pipeline 负责。
func (c *Client) Invoke(ctx context.Context, b contract.Batch, p contract.Prompt) (contract.Raw, error) {
	body, err := c.encodePrompt(p)
	if err != nil {
		return contract.Raw{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return contract.Raw{}, fmt.Errorf("new request: %v: %w", err, contract.ErrPermanentRequest)
	}
	if !c.disableAuth {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.extraH {
		if k == "" {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := c.do(req)
	if err != nil {
		if ctx.Err() != nil {
			return contract.Raw{}, ctx.Err()
		}
		return contract.Raw{}, networkError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		// 读取少量响应体辅助定位
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return contract.Raw{}, upstreamError{status: resp.StatusCode, msg: upstreamMessage(slurp), kind: statusKind(resp.StatusCode)}
	}
	var or oaResp
	if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
		if ctx.Err() != nil {
			return contract.Raw{}, ctx.Err()
		}
		return contract.Raw{}, fmt.Errorf("openai: decode response: %v: %w", err, contract.ErrTransientServer)
	}
	if len(or.Choices) == 0 || strings.TrimSpace(or.Choices[0].Message.Content) == "" {
		return contract.Raw{}, fmt.Errorf("openai: empty completion: %w", contract.ErrSchemaInvalid)
	}
	return contract.Raw{Text: or.Choices[0].Message.Content}, nil
}

// networkError: 传输层失败统一归为瞬时网络错误，保留原始错误链。
func networkError(err error) error {
	return fmt.Errorf("openai transport: %w: %w", contract.ErrTransientNetwork, err)
}

// upstreamMessage: 优先取 {"error":{"message"}}，否则截断原文。
func upstreamMessage(b []byte) string {
	var er oaErrResp
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
