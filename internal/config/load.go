package config

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"llmmri/pkg/contract"
)

// EnvPrefix: 环境变量覆盖层前缀。
const EnvPrefix = "LLM_MRI_"

// Defaults 返回带有安全默认值的 Config 雏形。
func Defaults() Config {
	jitter := 0.5
	return Config{
		BatchSize:        20,
		MaxConcurrent:    5,
		MaxRetries:       3,
		RPM:              60,
		Sample:           0,
		ClinicalQuestion: "abnormality",
		ResultsDir:       "results",
		ReportsDir:       "reports",
		Backoff:          Backoff{BaseMS: 2000, MaxMS: 60000, Jitter: &jitter},
		Logging:          Logging{Level: "info"},
		Components: Components{
			Ingest:        "fs",
			PromptBuilder: "radiology",
			Decoder:       "findings",
			Store:         "fs",
		},
		LLM: "openai",
		Provider: map[string]Provider{
			"openai": {Client: "openai"},
			"mock":   {Client: "mock"},
		},
	}
}

// Load 按扩展名解析配置文件：.yaml/.yml 走 YAML，其余按 JSON。
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadYAML(b)
	default:
		return LoadJSON("", b)
	}
}

// LoadJSON 从文件路径或原始 JSON 解析 Config（严格拒绝未知字段）。
// 未出现的 max_retries/rpm/sample 保持 -1（未设置），以便 Merge 区分显式 0。
func LoadJSON(path string, raw []byte) (Config, error) {
	cfg := Unset()
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		r = f
	default:
		return cfg, fmt.Errorf("%w: no config source provided", contract.ErrConfig)
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", contract.ErrConfig, err)
	}
	return cfg, nil
}

// LoadYAML 解析 YAML 配置：先解码为通用树，再经 JSON 严格解码，保证两种格式字段规则一致。
func LoadYAML(raw []byte) (Config, error) {
	var tree any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return Unset(), fmt.Errorf("%w: yaml: %v", contract.ErrConfig, err)
	}
	if tree == nil {
		return Unset(), nil
	}
	norm, err := normalizeYAML(tree)
	if err != nil {
		return Unset(), fmt.Errorf("%w: yaml: %v", contract.ErrConfig, err)
	}
	b, err := json.Marshal(norm)
	if err != nil {
		return Unset(), fmt.Errorf("%w: yaml: %v", contract.ErrConfig, err)
	}
	return LoadJSON("", b)
}

// normalizeYAML: 将 map[any]any 规范为 map[string]any（JSON 仅接受字符串键）。
func normalizeYAML(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			nv, err := normalizeYAML(val)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("non-string key %v", k)
			}
			nv, err := normalizeYAML(val)
			if err != nil {
				return nil, err
			}
			out[ks] = nv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			nv, err := normalizeYAML(val)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	default:
		return v, nil
	}
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并。
func Merge(base, over Config) Config {
	out := base
	if len(over.Inputs) > 0 {
		out.Inputs = cloneStrings(over.Inputs)
	}
	if over.BatchSize != 0 {
		out.BatchSize = over.BatchSize
	}
	if over.MaxConcurrent != 0 {
		out.MaxConcurrent = over.MaxConcurrent
	}
	// 0 具有语义的字段：>=0 视为“存在”，-1 视为未覆盖。
	if over.MaxRetries >= 0 {
		out.MaxRetries = over.MaxRetries
	}
	if over.RPM >= 0 {
		out.RPM = over.RPM
	}
	if over.Sample >= 0 {
		out.Sample = over.Sample
	}
	if len(over.Series) > 0 {
		out.Series = cloneStrings(over.Series)
	}
	setStr(&out.SeriesPattern, over.SeriesPattern)
	setStr(&out.PatientContext, over.PatientContext)
	setStr(&out.ClinicalQuestion, over.ClinicalQuestion)
	setStr(&out.SequenceType, over.SequenceType)
	setStr(&out.ResultsDir, over.ResultsDir)
	setStr(&out.ReportsDir, over.ReportsDir)
	if over.SkipSummary != nil {
		v := *over.SkipSummary
		out.SkipSummary = &v
	}
	if over.FinalSummary.Enabled != nil {
		v := *over.FinalSummary.Enabled
		out.FinalSummary.Enabled = &v
	}
	setStr(&out.FinalSummary.LLM, over.FinalSummary.LLM)

	if over.Backoff.BaseMS != 0 {
		out.Backoff.BaseMS = over.Backoff.BaseMS
	}
	if over.Backoff.MaxMS != 0 {
		out.Backoff.MaxMS = over.Backoff.MaxMS
	}
	if over.Backoff.Jitter != nil {
		v := *over.Backoff.Jitter
		out.Backoff.Jitter = &v
	}
	setStr(&out.Logging.Level, over.Logging.Level)
	setStr(&out.Logging.Dir, over.Logging.Dir)

	// 组件名（空不覆盖）
	setStr(&out.Components.Ingest, over.Components.Ingest)
	setStr(&out.Components.PromptBuilder, over.Components.PromptBuilder)
	setStr(&out.Components.Decoder, over.Components.Decoder)
	setStr(&out.Components.Store, over.Components.Store)

	// Provider（完整替换对应键）
	if len(over.Provider) > 0 {
		prov := make(map[string]Provider, len(out.Provider)+len(over.Provider))
		for k, v := range out.Provider {
			prov[k] = v
		}
		for k, v := range over.Provider {
			if cur, ok := prov[k]; ok {
				if v.Client == "" {
					v.Client = cur.Client
				}
				if len(v.Options) == 0 {
					v.Options = cur.Options
				}
			}
			prov[k] = v
		}
		out.Provider = prov
	}

	// Options（完整替换对应键）
	if len(over.Options.Ingest) > 0 {
		out.Options.Ingest = cloneRaw(over.Options.Ingest)
	}
	if len(over.Options.PromptBuilder) > 0 {
		out.Options.PromptBuilder = cloneRaw(over.Options.PromptBuilder)
	}
	if len(over.Options.Decoder) > 0 {
		out.Options.Decoder = cloneRaw(over.Options.Decoder)
	}
	if len(over.Options.Store) > 0 {
		out.Options.Store = cloneRaw(over.Options.Store)
	}

	setStr(&out.LLM, over.LLM)
	return out
}

func setStr(dst *string, v string) {
	if t := strings.TrimSpace(v); t != "" {
		*dst = t
	}
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 规则：前缀 LLM_MRI_；集合之外的键忽略；数值非法时返回配置错误。
// 支持：INPUTS, SERIES（逗号分隔），BATCH_SIZE, MAX_CONCURRENT, MAX_RETRIES, RPM, SAMPLE,
// SERIES_PATTERN, PATIENT_CONTEXT, CLINICAL_QUESTION, SEQUENCE_TYPE, RESULTS_DIR, REPORTS_DIR,
// SKIP_SUMMARY, FINAL_SUMMARY, SUMMARY_LLM, BACKOFF_{BASE_MS,MAX_MS,JITTER}, LOG_LEVEL, LOG_DIR, LLM, COMPONENTS_*，
// 以及 PROVIDER__<name>__CLIENT / PROVIDER__<name>__OPTIONS_JSON。
func EnvOverlay(environ []string) (Config, error) {
	over := Unset()
	prov := map[string]Provider{}
	var errs []error
	num := func(dst *int, key, val string) {
		v, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %q is not an integer", EnvPrefix, key, val))
			return
		}
		*dst = v
	}
	// -1 在覆盖层中表示未设置，显式负值直接拒绝
	nonNeg := func(dst *int, key, val string) {
		var v int
		num(&v, key, val)
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s%s: must be >= 0, got %d", EnvPrefix, key, v))
			return
		}
		*dst = v
	}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		nk := kv[len(EnvPrefix):eq]
		val := kv[eq+1:]
		if strings.TrimSpace(val) == "" {
			// 空值视为未设置，避免清空已有配置
			continue
		}
		switch nk {
		case "INPUTS":
			over.Inputs = splitComma(val)
		case "SERIES":
			over.Series = splitComma(val)
		case "BATCH_SIZE":
			num(&over.BatchSize, nk, val)
		case "MAX_CONCURRENT":
			num(&over.MaxConcurrent, nk, val)
		case "MAX_RETRIES":
			nonNeg(&over.MaxRetries, nk, val)
		case "RPM":
			nonNeg(&over.RPM, nk, val)
		case "SAMPLE":
			nonNeg(&over.Sample, nk, val)
		case "SERIES_PATTERN":
			over.SeriesPattern = val
		case "PATIENT_CONTEXT":
			over.PatientContext = val
		case "CLINICAL_QUESTION":
			over.ClinicalQuestion = val
		case "SEQUENCE_TYPE":
			over.SequenceType = val
		case "RESULTS_DIR":
			over.ResultsDir = val
		case "REPORTS_DIR":
			over.ReportsDir = val
		case "SKIP_SUMMARY":
			b, err := strconv.ParseBool(strings.TrimSpace(val))
			if err != nil {
				errs = append(errs, fmt.Errorf("%sSKIP_SUMMARY: %q is not a boolean", EnvPrefix, val))
				continue
			}
			over.SkipSummary = &b
		case "FINAL_SUMMARY":
			b, err := strconv.ParseBool(strings.TrimSpace(val))
			if err != nil {
				errs = append(errs, fmt.Errorf("%sFINAL_SUMMARY: %q is not a boolean", EnvPrefix, val))
				continue
			}
			over.FinalSummary.Enabled = &b
		case "SUMMARY_LLM":
			over.FinalSummary.LLM = val
		case "BACKOFF_BASE_MS":
			num(&over.Backoff.BaseMS, nk, val)
		case "BACKOFF_MAX_MS":
			num(&over.Backoff.MaxMS, nk, val)
		case "BACKOFF_JITTER":
			f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%sBACKOFF_JITTER: %q is not a number", EnvPrefix, val))
				continue
			}
			over.Backoff.Jitter = &f
		case "LOG_LEVEL":
			over.Logging.Level = val
		case "LOG_DIR":
			over.Logging.Dir = val
		case "LLM":
			over.LLM = strings.TrimSpace(val)
		case "COMPONENTS_INGEST":
			over.Components.Ingest = strings.TrimSpace(val)
		case "COMPONENTS_PROMPT_BUILDER":
			over.Components.PromptBuilder = strings.TrimSpace(val)
		case "COMPONENTS_DECODER":
			over.Components.Decoder = strings.TrimSpace(val)
		case "COMPONENTS_STORE":
			over.Components.Store = strings.TrimSpace(val)
		default:
			// provider.* 路径：PROVIDER__name__FOO
			if !strings.HasPrefix(nk, "PROVIDER__") {
				continue
			}
			parts := strings.Split(nk, "__")
			if len(parts) < 3 {
				continue
			}
			name := strings.TrimSpace(parts[1])
			p := prov[name]
			switch strings.Join(parts[2:], "__") {
			case "CLIENT":
				p.Client = strings.TrimSpace(val)
			case "OPTIONS_JSON":
				if !json.Valid([]byte(val)) {
					errs = append(errs, fmt.Errorf("%s%s: invalid json", EnvPrefix, nk))
					continue
				}
				p.Options = json.RawMessage(val)
			default:
				continue
			}
			prov[name] = p
		}
	}
	if len(prov) > 0 {
		over.Provider = prov
	}
	if len(errs) > 0 {
		return over, fmt.Errorf("%w: %v", contract.ErrConfig, errors.Join(errs...))
	}
	return over, nil
}

// LoadDotEnv 读取简单的 .env 文件格式并注入进程环境。
// 规则：
// - 忽略不存在的文件；无法读取时返回错误（但调用处可忽略）。
// - 跳过空行与以 # 开头的行；支持可选的前缀 "export "。
// - 仅按首个 '=' 分割；key 为左侧去空白；value 去首尾空白；
// - 若 value 被成对的单/双引号包裹，则去除外层引号；双引号内常见转义 \n/\t/\\/\" 作最小处理。
// - 不覆盖已存在的环境变量（保持系统/调用者优先）。
func LoadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := unquote(strings.TrimSpace(line[eq+1:]))
		if key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, val)
	}
	return s.Err()
}

// unquote: 去除成对引号；双引号内做最小转义处理。
func unquote(val string) string {
	if len(val) < 2 {
		return val
	}
	q := val[0]
	if (q != '\'' && q != '"') || val[len(val)-1] != q {
		return val
	}
	val = val[1 : len(val)-1]
	if q == '"' {
		r := strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\r`, "\r", `\"`, `"`, `\\`, `\`)
		val = r.Replace(val)
	}
	return val
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
