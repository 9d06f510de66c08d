package rate

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
)

// DefaultOpenAIKeyEnv: openai 客户端未显式配置 key 时回退读取的环境变量。
const DefaultOpenAIKeyEnv = "OPENAI_API_KEY"

// DefaultGeminiKeyEnv: gemini 客户端未显式配置 key 时回退读取的环境变量。
const DefaultGeminiKeyEnv = "GOOGLE_API_KEY"

// DeriveKeyFromProviderOptions 从 LLM 客户端标识与其原样 Options JSON 中提取 API Key，
// 并返回按 client+sha256(key) 构造的限流分组键。找不到 key 时返回错误。
// 仅解析常见键名："api_key" 与 "api_key_env"；openai/gemini 额外回退 OPENAI_API_KEY/GOOGLE_API_KEY；
// mock/flaky 客户端若未提供 api_key，则使用内置 "MOCK_DEBUG_KEY"。
func DeriveKeyFromProviderOptions(client string, raw json.RawMessage) (LimitKey, error) {
	// 为避免跨层依赖 plugins/* 的具体类型，这里按通用 JSON 键解析。
	var obj map[string]any
	_ = json.Unmarshal(raw, &obj)

	pick := func(m map[string]any, key string) string {
		if v, ok := m[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
		return ""
	}
	fromOptions := func() string {
		if k := pick(obj, "api_key"); k != "" {
			return k
		}
		if env := pick(obj, "api_key_env"); env != "" {
			return os.Getenv(env)
		}
		return ""
	}

	key := fromOptions()
	switch client {
	case "openai":
		if key == "" {
			key = os.Getenv(DefaultOpenAIKeyEnv)
		}
	case "gemini":
		if key == "" {
			key = os.Getenv(DefaultGeminiKeyEnv)
		}
	case "mock", "flaky":
		if key == "" {
			key = "MOCK_DEBUG_KEY"
		}
	}

	if key == "" {
		return "", fmt.Errorf("rate: missing api key for client %s", client)
	}
	sum := sha256.Sum256([]byte(key))
	return LimitKey(fmt.Sprintf("%s:%x", client, sum[:])), nil
}
