package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"llmmri/pkg/contract"
	dfind "llmmri/plugins/decoder/findings"
	ifs "llmmri/plugins/ingest/filesystem"
	flaky "llmmri/plugins/llmclient/flaky"
	gemini "llmmri/plugins/llmclient/gemini"
	mock "llmmri/plugins/llmclient/mock"
	oai "llmmri/plugins/llmclient/openai"
	prad "llmmri/plugins/prompt/radiology"
	sfs "llmmri/plugins/store/filesystem"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段；错误归为配置错误。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: options: %v", contract.ErrConfig, err)
	}
	return nil
}

// NewIngestor 工厂签名：接收原样 JSON Options。
type NewIngestor func(raw json.RawMessage) (contract.Ingestor, error)

// NewPromptBuilder 工厂签名：接收原样 JSON Options。
type NewPromptBuilder func(raw json.RawMessage) (contract.PromptBuilder, error)

// NewLLMClient 工厂签名：接收原样 JSON Options。
type NewLLMClient func(raw json.RawMessage) (contract.LLMClient, error)

// NewDecoder 工厂签名：接收原样 JSON Options。
type NewDecoder func(raw json.RawMessage) (contract.Decoder, error)

// NewStore 工厂签名：接收原样 JSON Options。
type NewStore func(raw json.RawMessage) (contract.Store, error)

// Ingest 工厂注册表（显式、零反射）。
var Ingest = map[string]NewIngestor{
	// fs: 文件系统 DICOM/PNG/JPEG 影像
	"fs": func(raw json.RawMessage) (contract.Ingestor, error) {
		var opts ifs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return ifs.New(&opts), nil
	},
}

// PromptBuilder 工厂注册表。
var PromptBuilder = map[string]NewPromptBuilder{
	// radiology: 序列批次影像判读（system+user(+images)+json_schema）
	"radiology": func(raw json.RawMessage) (contract.PromptBuilder, error) {
		var opts prad.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return prad.New(&opts)
	},
}

// LLMClient 工厂注册表。客户端自行解析选项。
var LLMClient = map[string]NewLLMClient{
	"openai": func(raw json.RawMessage) (contract.LLMClient, error) { return oai.New(raw) },
	"gemini": func(raw json.RawMessage) (contract.LLMClient, error) { return gemini.New(raw) },
	"mock":   func(raw json.RawMessage) (contract.LLMClient, error) { return mock.New(raw) },
	"flaky":  func(raw json.RawMessage) (contract.LLMClient, error) { return flaky.New(raw) },
}

// Decoder 工厂注册表。
var Decoder = map[string]NewDecoder{
	// findings: JSON Schema 校验的结构化结果解码器
	"findings": func(raw json.RawMessage) (contract.Decoder, error) {
		var opts dfind.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		b, _ := json.Marshal(opts)
		return dfind.New(b)
	},
}

// Store 工厂注册表。
var Store = map[string]NewStore{
	// fs: 文件系统结果存储（工件不覆盖；报告原子替换）
	"fs": func(raw json.RawMessage) (contract.Store, error) {
		var opts sfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return sfs.New(&opts)
	},
}

// Names 返回注册表键的有序列表（用于帮助信息与错误提示）。
func Names[F any](m map[string]F) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
