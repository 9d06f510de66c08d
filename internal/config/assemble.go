package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"llmmri/internal/diag"
	"llmmri/internal/pipeline"
	"llmmri/internal/rate"
	"llmmri/internal/retry"
	"llmmri/internal/series"
	"llmmri/pkg/contract"
	"llmmri/pkg/registry"
)

// MaxBatchSize: batch_size 上限（与 series.MaxBatchSize 一致）。
const MaxBatchSize = series.MaxBatchSize

func configErr(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{contract.ErrConfig}, args...)...)
}

// Validate 对数值边界与组件注册做静态校验（不检查 inputs，summarize 子命令无需输入）。
func Validate(cfg Config) error {
	if cfg.BatchSize < 1 || cfg.BatchSize > MaxBatchSize {
		return configErr("batch_size must be in [1,%d], got %d", MaxBatchSize, cfg.BatchSize)
	}
	if cfg.MaxConcurrent < 1 {
		return configErr("max_concurrent must be >= 1, got %d", cfg.MaxConcurrent)
	}
	if cfg.MaxRetries < 0 {
		return configErr("max_retries must be >= 0, got %d", cfg.MaxRetries)
	}
	if cfg.RPM < 0 {
		return configErr("rpm must be >= 0, got %d", cfg.RPM)
	}
	if cfg.Sample < 0 {
		return configErr("sample must be >= 0, got %d", cfg.Sample)
	}
	if cfg.Backoff.BaseMS < 0 || cfg.Backoff.MaxMS < 0 {
		return configErr("backoff durations must be >= 0")
	}
	if cfg.Backoff.MaxMS > 0 && cfg.Backoff.MaxMS < cfg.Backoff.BaseMS {
		return configErr("backoff.max_ms(%d) < backoff.base_ms(%d)", cfg.Backoff.MaxMS, cfg.Backoff.BaseMS)
	}
	if j := cfg.Backoff.Jitter; j != nil && (*j < 0 || *j > 1) {
		return configErr("backoff.jitter must be in [0,1], got %v", *j)
	}
	if _, err := compilePattern(cfg.SeriesPattern); err != nil {
		return err
	}
	for _, s := range cfg.Series {
		if strings.TrimSpace(s) == "" {
			return configErr("series entries cannot be empty")
		}
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return configErr("logging.level %q unknown", cfg.Logging.Level)
	}
	if cfg.LLM == "" {
		return configErr("llm not set")
	}
	if err := checkProvider(cfg, cfg.LLM); err != nil {
		return err
	}
	if cfg.FinalSummary.LLM != "" {
		if err := checkProvider(cfg, cfg.FinalSummary.LLM); err != nil {
			return fmt.Errorf("final_summary.llm: %w", err)
		}
	}
	// 组件名若为空，使用默认名（由 Defaults() 提供）。此处只要最终有值即可。
	d := Defaults().Components
	if name := effName(cfg.Components.Ingest, d.Ingest); registry.Ingest[name] == nil {
		return configErr("ingest %q not registered", name)
	}
	if name := effName(cfg.Components.PromptBuilder, d.PromptBuilder); registry.PromptBuilder[name] == nil {
		return configErr("prompt_builder %q not registered", name)
	}
	if name := effName(cfg.Components.Decoder, d.Decoder); registry.Decoder[name] == nil {
		return configErr("decoder %q not registered", name)
	}
	if name := effName(cfg.Components.Store, d.Store); registry.Store[name] == nil {
		return configErr("store %q not registered", name)
	}
	return nil
}

// checkProvider: provider 存在且其 client 已注册。
func checkProvider(cfg Config, name string) error {
	prov, ok := cfg.Provider[name]
	if !ok {
		return configErr("provider %q not found", name)
	}
	if prov.Client == "" {
		return configErr("provider %q missing client", name)
	}
	if registry.LLMClient[prov.Client] == nil {
		return configErr("llm client %q not registered (known: %s)", prov.Client, strings.Join(registry.Names(registry.LLMClient), ", "))
	}
	return nil
}

// ValidateRun 在 Validate 基础上要求至少一个非空输入根。
func ValidateRun(cfg Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	if len(cfg.Inputs) == 0 {
		return configErr("inputs empty")
	}
	for _, r := range cfg.Inputs {
		if strings.TrimSpace(r) == "" {
			return configErr("input path cannot be empty")
		}
	}
	return nil
}

// Assemble 构造 Components、Settings 与报告写入器。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。
func Assemble(cfg Config) (pipeline.Components, pipeline.Settings, contract.ReportWriter, error) {
	if err := ValidateRun(cfg); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, nil, err
	}
	d := Defaults().Components

	ing, err := registry.Ingest[effName(cfg.Components.Ingest, d.Ingest)](cfg.Options.Ingest)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, nil, err
	}
	pb, err := registry.PromptBuilder[effName(cfg.Components.PromptBuilder, d.PromptBuilder)](cfg.Options.PromptBuilder)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, nil, err
	}
	dec, err := registry.Decoder[effName(cfg.Components.Decoder, d.Decoder)](cfg.Options.Decoder)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, nil, err
	}
	st, rw, err := buildStore(cfg)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, nil, err
	}

	// LLM 客户端
	prov := cfg.Provider[cfg.LLM]
	llm, err := registry.LLMClient[prov.Client](prov.Options)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, nil, err
	}

	comp := pipeline.Components{
		Ingest:        ing,
		PromptBuilder: pb,
		LLM:           llm,
		Decoder:       dec,
		Store:         st,
	}

	// 限流 Gate：分组键从 options 中派生 API Key；失败则退化为 provider 名称。
	key := gateKey(cfg.LLM, prov)
	gate := rate.NewGateWithOptions(map[rate.LimitKey]rate.Limits{key: {RPM: cfg.RPM}}, rate.Options{
		OnAdmit: func(rate.LimitKey, time.Time) { diag.IncOp("gate", "admit", "success") },
	})

	re, _ := compilePattern(cfg.SeriesPattern)
	jitter := 0.5
	if cfg.Backoff.Jitter != nil {
		jitter = *cfg.Backoff.Jitter
	}
	set := pipeline.Settings{
		Inputs:      cloneStrings(cfg.Inputs),
		Concurrency: cfg.MaxConcurrent,
		BatchSize:   cfg.BatchSize,
		Sample:      cfg.Sample,
		Series:      cloneStrings(cfg.Series),
		Context: contract.AnalysisContext{
			PatientContext:   cfg.PatientContext,
			ClinicalQuestion: cfg.ClinicalQuestion,
			SequenceType:     cfg.SequenceType,
		},
		Retry: retry.New(max(1, cfg.MaxRetries),
			time.Duration(cfg.Backoff.BaseMS)*time.Millisecond,
			time.Duration(cfg.Backoff.MaxMS)*time.Millisecond,
			jitter, nil),
		Gate:    gate,
		GateKey: key,
		Key:     series.Chain(series.ExplicitKey, series.PatternKey(re)),
	}
	return comp, set, rw, nil
}

func gateKey(name string, prov Provider) rate.LimitKey {
	key, err := rate.DeriveKeyFromProviderOptions(prov.Client, prov.Options)
	if err != nil {
		return rate.LimitKey(name)
	}
	return key
}

// AssembleNarrator 构造叙述性总结使用的 LLM 客户端及其限流分组键。
// 与批处理共用同一 API Key 时分组键相同，可复用同一 Gate。
func AssembleNarrator(cfg Config) (contract.LLMClient, rate.LimitKey, error) {
	if err := Validate(cfg); err != nil {
		return nil, "", err
	}
	name := cfg.SummaryLLM()
	prov := cfg.Provider[name]
	llm, err := registry.LLMClient[prov.Client](prov.Options)
	if err != nil {
		return nil, "", err
	}
	return llm, gateKey(name, prov), nil
}

// AssembleStore 仅构造结果存储与报告写入器（summarize 子命令使用）。
func AssembleStore(cfg Config) (contract.Store, contract.ReportWriter, error) {
	if err := Validate(cfg); err != nil {
		return nil, nil, err
	}
	return buildStore(cfg)
}

// buildStore: 将 results_dir/reports_dir 注入 store options（options 中显式给出时保留）。
func buildStore(cfg Config) (contract.Store, contract.ReportWriter, error) {
	raw, err := storeOptions(cfg)
	if err != nil {
		return nil, nil, err
	}
	name := effName(cfg.Components.Store, Defaults().Components.Store)
	st, err := registry.Store[name](raw)
	if err != nil {
		return nil, nil, err
	}
	rw, ok := st.(contract.ReportWriter)
	if !ok {
		return nil, nil, configErr("store %q cannot write reports", name)
	}
	return st, rw, nil
}

func storeOptions(cfg Config) (json.RawMessage, error) {
	obj := map[string]any{}
	if len(cfg.Options.Store) > 0 {
		if err := json.Unmarshal(cfg.Options.Store, &obj); err != nil {
			return nil, configErr("options.store: %v", err)
		}
	}
	if _, ok := obj["results_dir"]; !ok && cfg.ResultsDir != "" {
		obj["results_dir"] = cfg.ResultsDir
	}
	if _, ok := obj["reports_dir"]; !ok && cfg.ReportsDir != "" {
		obj["reports_dir"] = cfg.ReportsDir
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return nil, configErr("options.store: %v", err)
	}
	return b, nil
}

// compilePattern: 空模式使用 series.DefaultPattern。
func compilePattern(p string) (*regexp.Regexp, error) {
	if strings.TrimSpace(p) == "" {
		return series.DefaultPattern, nil
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return nil, configErr("series_pattern: %v", err)
	}
	return re, nil
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}
