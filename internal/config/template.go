package config

import "encoding/json"

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - 默认 llm 为 openai（key 从 OPENAI_API_KEY 读取），同时给出离线调试用的 mock/flaky；
// - 结果写入 ./results，汇总报告写入 ./reports；叙述性总结默认关闭；
// - 选项覆盖全部键并给出安全中性默认值。
func DefaultTemplateConfig() Config {
	d := Defaults()
	skip := false
	cfg := d
	cfg.Inputs = []string{"scans"}
	cfg.SkipSummary = &skip
	narrate := false
	cfg.FinalSummary = FinalSummary{Enabled: &narrate}
	cfg.Provider = map[string]Provider{
		"openai": {
			Client: "openai",
			Options: json.RawMessage(`{
  "base_url": "",
  "model": "gpt-4o-mini",
  "api_key_env": "OPENAI_API_KEY",
  "api_key": "",
  "timeout_seconds": 120,
  "max_completion_tokens": 1024,
  "response_format": "json_object",
  "image_detail": "",
  "endpoint_path": "",
  "disable_default_auth": false,
  "extra_headers": {}
}`),
		},
		"gemini": {
			Client: "gemini",
			Options: json.RawMessage(`{
  "base_url": "",
  "model": "gemini-2.5-flash",
  "api_key_env": "GOOGLE_API_KEY",
  "api_key": "",
  "timeout_seconds": 120,
  "max_output_tokens": 1024,
  "endpoint_path": "",
  "api_key_in_query": false,
  "extra_headers": {},
  "extra_query": {},
  "response_schema": false
}`),
		},
		"mock": {
			Client:  "mock",
			Options: json.RawMessage(`{"prefix":"","api_key":"","response_mode":"findings","suspicion":"indeterminate","latency_ms":0}`),
		},
		"flaky": {
			Client:  "flaky",
			Options: json.RawMessage(`{"prefix":"","script":["rate_limited","server"]}`),
		},
	}
	cfg.Options.Ingest = json.RawMessage(`{
  "exclude_dir_names": [".git"],
  "extensions": [".dcm", ".dicom", ".png", ".jpg", ".jpeg"]
}`)
	cfg.Options.PromptBuilder = json.RawMessage(`{
  "inline_system_template": "",
  "system_template_path": "",
  "inline_user_template": "",
  "user_template_path": "",
  "metadata_language": "",
  "omit_schema": false
}`)
	cfg.Options.Decoder = json.RawMessage(`{"schema_path": "", "strict": false}`)
	// results_dir/reports_dir 由顶层字段注入
	cfg.Options.Store = json.RawMessage(`{"buf_size": 65536, "indent": true}`)
	return cfg
}
