package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"llmmri/internal/diag"
	"llmmri/pkg/contract"
)

func newTestClient(t *testing.T, url string, extra string) *Client {
	t.Helper()
	raw := `{"api_key":"k","base_url":"` + url + `"` + extra + `}`
	c, err := New(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cl := c.(*Client)
	cl.encode = func(r contract.ImageRecord) (string, []byte, error) {
		return "image/png", []byte("px:" + string(r.ID)), nil
	}
	return cl
}

func chatPrompt() contract.ChatPrompt {
	return contract.ChatPrompt{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "analyse", Images: []contract.ImageRecord{{ID: "a.png"}, {ID: "b.png"}}},
		{Role: "json_schema", Content: contract.FindingsSchema},
	}
}

const okBody = `{"candidates":[{"content":{"parts":[{"text":"{\"a\":"},{"text":"1}"}]}}]}`

// UT-GEM-01 请求体：system_instruction、inline_data 片段、JSON 输出、鉴权头
func TestInvokeRequestShape(t *testing.T) {
	var got gmReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-2.5-flash:generateContent" {
			t.Errorf("路径错误: %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "k" || r.URL.Query().Get("key") != "" {
			t.Errorf("鉴权方式错误")
		}
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		_, _ = io.WriteString(w, okBody)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "")
	raw, err := c.Invoke(context.Background(), contract.Batch{}, chatPrompt())
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if raw.Text != `{"a":1}` {
		t.Fatalf("多片段应拼接: %q", raw.Text)
	}
	if got.SystemInstruction == nil || got.SystemInstruction.Parts[0].Text != "sys" {
		t.Fatalf("system_instruction 缺失: %+v", got.SystemInstruction)
	}
	if len(got.Contents) != 1 || got.Contents[0].Role != "user" || len(got.Contents[0].Parts) != 3 {
		t.Fatalf("contents 形状错误: %+v", got.Contents)
	}
	img := got.Contents[0].Parts[1].InlineData
	if img == nil || img.MIMEType != "image/png" || img.Data != base64.StdEncoding.EncodeToString([]byte("px:a.png")) {
		t.Fatalf("inline_data 错误: %+v", img)
	}
	gc := got.GenerationConfig
	if gc == nil || gc.ResponseMIMEType != "application/json" || gc.MaxOutputTokens != 1024 || len(gc.ResponseSchema) != 0 {
		t.Fatalf("generationConfig 错误: %+v", gc)
	}
}

// UT-GEM-02 response_schema 与 query 鉴权
func TestInvokeSchemaAndQueryKey(t *testing.T) {
	var got gmReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "k" || r.URL.Query().Get("alt") != "json" {
			t.Errorf("query 参数错误: %s", r.URL.RawQuery)
		}
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		_, _ = io.WriteString(w, okBody)
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL, `,"api_key_in_query":true,"response_schema":true,"extra_query":{"alt":"json"}`)
	if _, err := c.Invoke(context.Background(), contract.Batch{}, chatPrompt()); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if len(got.GenerationConfig.ResponseSchema) == 0 {
		t.Fatalf("应下发 response_schema")
	}
}

// UT-GEM-03 上游状态码分类
func TestInvokeStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		want   error
		code   diag.Code
	}{
		{http.StatusTooManyRequests, contract.ErrRateLimited, diag.CodeRateLimited},
		{http.StatusServiceUnavailable, contract.ErrTransientServer, diag.CodeServer},
		{http.StatusBadRequest, contract.ErrPermanentRequest, diag.CodeRequest},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = io.WriteString(w, `{"error":{"code":1,"message":"nope","status":"X"}}`)
		}))
		c := newTestClient(t, srv.URL, "")
		_, err := c.Invoke(context.Background(), contract.Batch{}, chatPrompt())
		srv.Close()
		if !errors.Is(err, tc.want) || diag.Classify(err) != tc.code {
			t.Fatalf("%d: 分类错误 %v (%s)", tc.status, err, diag.Classify(err))
		}
		var ue contract.UpstreamError
		if !errors.As(err, &ue) || ue.UpstreamStatus() != tc.status || ue.UpstreamMessage() != "nope" {
			t.Fatalf("%d: 应携带上游诊断信息: %v", tc.status, err)
		}
	}
}

// UT-GEM-04 空候选/被拦截与传输错误
func TestInvokeEmptyAndTransport(t *testing.T) {
	for body, want := range map[string]error{
		`{"candidates":[]}`: contract.ErrSchemaInvalid,
		`{"candidates":[{"content":{"parts":[{"text":" "}]},"finishReason":"MAX_TOKENS"}]}`: contract.ErrSchemaInvalid,
		`{"promptFeedback":{"blockReason":"SAFETY"}}`:                                       contract.ErrPermanentRequest,
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, body)
		}))
		c := newTestClient(t, srv.URL, "")
		_, err := c.Invoke(context.Background(), contract.Batch{}, chatPrompt())
		srv.Close()
		if !errors.Is(err, want) {
			t.Fatalf("%s: 期望 %v 实得 %v", body, want, err)
		}
	}

	c := newTestClient(t, "http://127.0.0.1:1", "")
	c.do = func(*http.Request) (*http.Response, error) { return nil, errors.New("dial refused") }
	if _, err := c.Invoke(context.Background(), contract.Batch{}, chatPrompt()); !errors.Is(err, contract.ErrTransientNetwork) {
		t.Fatalf("传输错误应归为网络错误: %v", err)
	}
}

// UT-GEM-05 缺少密钥为配置错误；非会话型 Prompt 为请求错误
func TestNewAndPromptErrors(t *testing.T) {
	t.Setenv(DefaultKeyEnv, "")
	if _, err := New(nil); !errors.Is(err, contract.ErrConfig) {
		t.Fatalf("缺少 key 应返回 ErrConfig: %v", err)
	}
	c := newTestClient(t, "http://x", "")
	if _, err := c.Invoke(context.Background(), contract.Batch{}, "text"); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("非 ChatPrompt 应返回 ErrInvalidInput: %v", err)
	}
	if !strings.HasPrefix(c.Name(), "gemini:") {
		t.Fatalf("名称错误: %s", c.Name())
	}
}

// UT-GEM-06 自由文本提示词使用 text/plain 输出
func TestInvokePlainText(t *testing.T) {
	var got gmReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"summary text"}]}}]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "")
	p := contract.PlainTextPrompt{{Role: "system", Content: "sys"}, {Role: "user", Content: "report"}}
	raw, err := c.Invoke(context.Background(), contract.Batch{}, p)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if raw.Text != "summary text" {
		t.Fatalf("响应文本不符: %q", raw.Text)
	}
	if gc := got.GenerationConfig; gc == nil || gc.ResponseMIMEType != "text/plain" {
		t.Fatalf("应为 text/plain: %+v", gc)
	}
}
