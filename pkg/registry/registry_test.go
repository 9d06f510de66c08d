package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"llmmri/pkg/contract"
)

// TestStrictUnmarshal 验证严格解码逻辑。
func TestStrictUnmarshal(t *testing.T) {
	type opt struct {
		A int `json:"a"`
	}
	var o opt
	if err := strictUnmarshal(nil, &o); err != nil || o.A != 0 {
		t.Fatalf("nil 输入失败: %v", err)
	}
	if err := strictUnmarshal(json.RawMessage(`{"a":1}`), &o); err != nil || o.A != 1 {
		t.Fatalf("合法 JSON 解析失败: %v", err)
	}
	if err := strictUnmarshal(json.RawMessage(`{"a":1,"b":2}`), &o); !errors.Is(err, contract.ErrConfig) {
		t.Fatalf("未知字段应报配置错误: %v", err)
	}
}

// TestFactories 遍历注册表入口。
func TestFactories(t *testing.T) {
	t.Run("ingest", func(t *testing.T) {
		if _, err := Ingest["fs"](json.RawMessage(`{}`)); err != nil {
			t.Fatalf("ingest: %v", err)
		}
		if _, err := Ingest["fs"](json.RawMessage(`{"x":1}`)); err == nil {
			t.Fatalf("ingest 未对未知字段报错")
		}
	})
	t.Run("prompt", func(t *testing.T) {
		if _, err := PromptBuilder["radiology"](json.RawMessage(`{"metadata_language":"Romanian"}`)); err != nil {
			t.Fatalf("prompt: %v", err)
		}
		if _, err := PromptBuilder["radiology"](json.RawMessage(`{"x":1}`)); err == nil {
			t.Fatalf("prompt 未对未知字段报错")
		}
	})
	t.Run("decoder", func(t *testing.T) {
		if _, err := Decoder["findings"](json.RawMessage(`{}`)); err != nil {
			t.Fatalf("decoder: %v", err)
		}
		if _, err := Decoder["findings"](json.RawMessage(`{"x":1}`)); err == nil {
			t.Fatalf("decoder 未对未知字段报错")
		}
	})
	t.Run("store", func(t *testing.T) {
		tmp := t.TempDir()
		raw := json.RawMessage([]byte(fmt.Sprintf(`{"results_dir":%q}`, tmp)))
		s, err := Store["fs"](raw)
		if err != nil {
			t.Fatalf("store: %v", err)
		}
		if _, ok := s.(contract.ReportWriter); !ok {
			t.Fatalf("fs store 应同时实现 ReportWriter")
		}
		bad := json.RawMessage([]byte(fmt.Sprintf(`{"results_dir":%q,"x":1}`, tmp)))
		if _, err := Store["fs"](bad); err == nil {
			t.Fatalf("store 未对未知字段报错")
		}
	})
	t.Run("llm-mock", func(t *testing.T) {
		if _, err := LLMClient["mock"](json.RawMessage(`{}`)); err != nil {
			t.Fatalf("mock: %v", err)
		}
		if _, err := LLMClient["flaky"](json.RawMessage(`{}`)); err != nil {
			t.Fatalf("flaky: %v", err)
		}
	})
	t.Run("llm-openai", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "")
		if _, err := LLMClient["openai"](json.RawMessage(`{}`)); !errors.Is(err, contract.ErrConfig) {
			t.Fatalf("openai 未按预期报错: %v", err)
		}
	})
	t.Run("llm-gemini", func(t *testing.T) {
		t.Setenv("GOOGLE_API_KEY", "")
		if _, err := LLMClient["gemini"](json.RawMessage(`{}`)); !errors.Is(err, contract.ErrConfig) {
			t.Fatalf("gemini 未按预期报错: %v", err)
		}
		if _, err := LLMClient["gemini"](json.RawMessage(`{"api_key":"k"}`)); err != nil {
			t.Fatalf("gemini: %v", err)
		}
	})
}

// TestNames 有序键列表
func TestNames(t *testing.T) {
	got := Names(LLMClient)
	if len(got) != 4 || got[0] != "flaky" || got[1] != "gemini" || got[3] != "openai" {
		t.Fatalf("names 不符: %v", got)
	}
}
