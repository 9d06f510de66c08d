package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	cfgpkg "llmmri/internal/config"
	"llmmri/internal/diag"
	"llmmri/internal/pipeline"
	"llmmri/internal/rate"
	"llmmri/internal/summary"
	"llmmri/pkg/contract"
)

// 退出码约定。
const (
	exitOK       = 0
	exitRuntime  = 1
	exitFailures = 2
	exitConfig   = 3
	exitCancel   = 130
)

var (
	pipelineRun = pipeline.Run
	summarize   = summary.Summarize
	narrate     = summary.Narrate
)

// cliError: 携带退出码的错误；err 为空时不再打印（已由调用处输出）。
type cliError struct {
	code int
	err  error
}

func (e cliError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e cliError) Unwrap() error { return e.err }

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute 解析并执行命令，返回进程退出码。SIGINT/SIGTERM 取消运行上下文。
func execute(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ce cliError
	if errors.As(err, &ce) {
		if ce.err != nil {
			fprintf(stderr, "%v\n", ce.err)
		}
		return ce.code
	}
	// cobra 自身的参数/旗标错误
	fprintf(stderr, "%v\n", err)
	return exitConfig
}

// runFlags: run 子命令（及根命令）的覆盖旗标。
type runFlags struct {
	config           string
	llm              string
	batchSize        int
	maxConcurrent    int
	maxRetries       int
	rpm              int
	sample           int
	series           []string
	patientContext   string
	clinicalQuestion string
	resultsDir       string
	reportsDir       string
	skipSummary      bool
	finalSummary     bool
	summaryLLM       string
	status           bool
}

func addRunFlags(fs *pflag.FlagSet, f *runFlags) {
	addConfigFlags(fs, &f.config, &f.resultsDir, &f.reportsDir)
	fs.StringVar(&f.llm, "llm", "", "provider 名称（覆盖配置）")
	fs.IntVar(&f.batchSize, "batch-size", 0, "每批影像数上限 [1,20]（覆盖配置）")
	fs.IntVar(&f.maxConcurrent, "max-concurrent", 0, "同时在途的远端调用上限（覆盖配置）")
	fs.IntVar(&f.maxRetries, "max-retries", 0, "每批最大尝试次数（覆盖配置；0 与 1 均为单次尝试）")
	fs.IntVar(&f.rpm, "rpm", 0, "每 60s 滚动窗口最大请求数（覆盖配置；0 表示不限）")
	fs.IntVar(&f.sample, "sample", 0, "每序列仅分析前 N 张（覆盖配置；0 表示关闭）")
	fs.StringSliceVar(&f.series, "series", nil, "仅分析指定序列（可重复或逗号分隔）")
	fs.StringVar(&f.patientContext, "patient-context", "", "患者上下文（例如 \"45F, pelvic pain\"）")
	fs.StringVar(&f.clinicalQuestion, "clinical-question", "", "初筛提示的可疑发现（默认 abnormality）")
	fs.BoolVar(&f.skipSummary, "skip-summary", false, "运行结束后不生成汇总报告")
	addNarrativeFlags(fs, &f.finalSummary, &f.summaryLLM)
	fs.BoolVar(&f.status, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")
}

func addConfigFlags(fs *pflag.FlagSet, config, results, reports *string) {
	fs.StringVar(config, "config", "", "配置文件路径（JSON/YAML）；缺省读取 ./config.json 或 ./config.yaml（若存在）")
	fs.StringVar(results, "results-dir", "", "批结果目录（覆盖配置）")
	fs.StringVar(reports, "reports-dir", "", "汇总报告目录（覆盖配置）")
}

func addNarrativeFlags(fs *pflag.FlagSet, enabled *bool, llm *string) {
	fs.BoolVar(enabled, "final-summary", false, "汇总后请求远端模型生成通俗摘要与专业报告（summary_<ts>.txt）")
	fs.StringVar(llm, "summary-llm", "", "叙述性总结使用的 provider 名称（默认复用 --llm）")
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	var f runFlags
	root := &cobra.Command{
		Use:           "llmmri [roots...]",
		Short:         "Batch MRI analysis through a vision LLM with resumable, rate-limited dispatch",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			// 在任何 ENV 读取前，尝试加载工作目录下的 .env（不覆盖已有 ENV）。
			_ = cfgpkg.LoadDotEnv(".env")
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runE(cmd, &f, args, stdout, stderr)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	addRunFlags(root.Flags(), &f)
	root.AddCommand(newRunCommand(stdout, stderr))
	root.AddCommand(newSummarizeCommand(stdout, stderr))
	root.AddCommand(newInitConfigCommand(stdout, stderr))
	return root
}

func newRunCommand(stdout, stderr io.Writer) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run [roots...]",
		Short: "Ingest, group, batch and analyze images; skips batches already persisted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runE(cmd, &f, args, stdout, stderr)
		},
	}
	addRunFlags(cmd.Flags(), &f)
	return cmd
}

func newSummarizeCommand(stdout, stderr io.Writer) *cobra.Command {
	var (
		config, results, reports, summaryLLM string
		finalSummary                         bool
	)
	cmd := &cobra.Command{
		Use:   "summarize",
		Short: "Rebuild summary.json and report.md from persisted batch results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			over := cfgpkg.Unset()
			over.ResultsDir = results
			over.ReportsDir = reports
			over.FinalSummary.LLM = summaryLLM
			if cmd.Flags().Changed("final-summary") {
				over.FinalSummary.Enabled = &finalSummary
			}
			cfg, err := resolveConfig(config, over)
			if err != nil {
				return cliError{code: exitConfig, err: err}
			}
			if err := cfgpkg.Validate(cfg); err != nil {
				return cliError{code: exitConfig, err: fmt.Errorf("配置校验失败: %w", err)}
			}
			logger := diag.NewLogger(uuid.NewString(), cfg.Logging.Level, cfg.Logging.Dir)
			defer logger.Close()
			st, rw, err := cfgpkg.AssembleStore(cfg)
			if err != nil {
				return cliError{code: exitConfig, err: fmt.Errorf("装配失败: %w", err)}
			}
			study, err := summarize(cmd.Context(), st, rw, time.Now().UTC(), logger)
			if err != nil {
				return cliError{code: exitCode(err), err: fmt.Errorf("汇总失败: %w", err)}
			}
			fprintf(stdout, "summary: %d batches (%d succeeded, %d failed) -> %s\n",
				study.Batches, study.Succeeded, study.Failed, filepath.Join(cfg.ReportsDir, summary.MarkdownName))
			if cfg.FinalSummaryEnabled() {
				if err := writeFinalSummary(cmd.Context(), cfg, study, nil, rw, stdout, stderr, logger); err != nil {
					return cliError{code: exitCancel}
				}
			}
			return nil
		},
	}
	addConfigFlags(cmd.Flags(), &config, &results, &reports)
	addNarrativeFlags(cmd.Flags(), &finalSummary, &summaryLLM)
	return cmd
}

func newInitConfigCommand(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "init-config [dir]",
		Short: "Write default config.json and .env templates (existing files are kept)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
				dir = strings.TrimSpace(args[0])
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return cliError{code: exitConfig, err: fmt.Errorf("生成默认配置失败: %w", err)}
			}
			cfgPath := filepath.Join(dir, "config.json")
			switch err := writeConfig(cfgPath, cfgpkg.DefaultTemplateConfig()); {
			case errors.Is(err, os.ErrExist):
				fprintf(stderr, "提示：%s 已存在（已跳过）\n", cfgPath)
			case err != nil:
				return cliError{code: exitConfig, err: fmt.Errorf("生成默认配置失败: %w", err)}
			default:
				fprintf(stdout, "wrote %s\n", cfgPath)
			}
			// 生成 .env 模板（不覆盖已存在文件）。
			envPath := filepath.Join(dir, ".env")
			if err := writeDotEnv(envPath); err != nil {
				fprintf(stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
			}
			return nil
		},
	}
}

// runE: 配置分层 → 校验/装配 → 流水线 → 汇总；按结果映射退出码。
func runE(cmd *cobra.Command, f *runFlags, roots []string, stdout, stderr io.Writer) error {
	start := time.Now()
	runID := uuid.NewString()

	over, err := cliOverlay(cmd.Flags(), f, roots)
	if err != nil {
		return cliError{code: exitConfig, err: err}
	}
	cfg, err := resolveConfig(f.config, over)
	if err != nil {
		return cliError{code: exitConfig, err: err}
	}
	if err := cfgpkg.ValidateRun(cfg); err != nil {
		// 提示打印有效配置，便于诊断
		_ = dumpConfig(stderr, cfg)
		return cliError{code: exitConfig, err: fmt.Errorf("配置校验失败: %w", err)}
	}

	logger := diag.NewLogger(runID, cfg.Logging.Level, cfg.Logging.Dir)
	defer logger.Close()

	// 预检：结果/报告目录的可写性
	for _, dir := range []string{cfg.ResultsDir, cfg.ReportsDir} {
		if err := preflightCheckDir(dir); err != nil {
			logger.Error("pipeline", string(diag.Classify(err)), "first error", &start)
			return cliError{code: exitConfig, err: fmt.Errorf("输出目录不可写或无法创建: %w", err)}
		}
	}

	comp, set, rw, err := cfgpkg.Assemble(cfg)
	if err != nil {
		logger.Error("pipeline", string(diag.Classify(err)), "first error", &start)
		return cliError{code: exitConfig, err: fmt.Errorf("装配失败: %w", err)}
	}
	set.RunID = runID
	logEffective(logger, cfg)

	// 终端信息提示（非日志）：按 CLI 启用，默认开启
	diag.SetTerminal(diag.NewTerminal(stderr, f.status))
	defer diag.SetTerminal(nil)

	ctx := cmd.Context()
	t := logger.Start("pipeline", "run")
	rep, err := pipelineRun(ctx, comp, set, logger)
	if err != nil {
		code := string(diag.Classify(err))
		logger.Error("pipeline", code, "first error", &start)
		diag.IncOp("pipeline", "error", "error")
		if code != string(diag.CodeUnknown) {
			diag.IncError("pipeline", code)
		}
		if pipeline.IsCancel(err) {
			fprintf(stderr, "已取消：%d 个批次未完成，重新运行将继续\n", rep.Summary.Interrupted)
			return cliError{code: exitCancel}
		}
		return cliError{code: exitCode(err), err: fmt.Errorf("运行失败: %w", err)}
	}
	t.Finish("run", int64(rep.Summary.Succeeded))
	diag.IncOp("pipeline", "finish", "success")
	diag.ObserveDuration("pipeline", "finish", time.Since(start).Milliseconds())
	if !f.status {
		fprintf(stdout, "%s\n", diag.RenderTotals(pipeline.Totals(rep.Summary), rep.Duration))
	}

	if !cfg.SkipSummaryEnabled() {
		study, err := summarize(ctx, comp.Store, rw, time.Now().UTC(), logger)
		if err != nil {
			if pipeline.IsCancel(err) {
				return cliError{code: exitCancel}
			}
			return cliError{code: exitRuntime, err: fmt.Errorf("汇总失败: %w", err)}
		}
		fprintf(stdout, "report: %s\n", filepath.Join(cfg.ReportsDir, summary.MarkdownName))
		if cfg.FinalSummaryEnabled() {
			if err := writeFinalSummary(ctx, cfg, study, set.Gate, rw, stdout, stderr, logger); err != nil {
				return cliError{code: exitCancel}
			}
		}
	}
	if rep.Summary.Failed > 0 {
		return cliError{code: exitFailures}
	}
	return nil
}

// writeFinalSummary 生成叙述性总结。失败只记录错误与提示，不影响退出码；仅取消时返回错误。
func writeFinalSummary(ctx context.Context, cfg cfgpkg.Config, study summary.Study, gate rate.Gate, rw contract.ReportWriter, stdout, stderr io.Writer, logger *diag.Logger) error {
	warn := func(err error) {
		fprintf(stderr, "提示：叙述性总结失败（已跳过）：%v\n", err)
	}
	llm, key, err := cfgpkg.AssembleNarrator(cfg)
	if err != nil {
		logger.Error("narrative", string(diag.Classify(err)), "assemble: "+err.Error(), nil)
		warn(err)
		return nil
	}
	var wait func(context.Context) error
	if gate != nil {
		wait = func(ctx context.Context) error { return gate.Wait(ctx, key) }
	}
	name, err := narrate(ctx, llm, rw, study, time.Now().UTC(), wait, logger)
	if err != nil {
		if pipeline.IsCancel(err) {
			return err
		}
		warn(err)
		return nil
	}
	fprintf(stdout, "final summary: %s\n", filepath.Join(cfg.ReportsDir, name))
	return nil
}

// resolveConfig: Defaults → 配置文件（或 LLM_MRI_CONFIG_JSON）→ ENV → CLI。
func resolveConfig(path string, cli cfgpkg.Config) (cfgpkg.Config, error) {
	cfg := cfgpkg.Defaults()
	if path == "" {
		path = os.Getenv(cfgpkg.EnvPrefix + "CONFIG_FILE")
	}
	// 默认读取工作目录下 config.json / config.yaml（若存在）
	if path == "" {
		for _, name := range []string{"config.json", "config.yaml", "config.yml"} {
			if _, err := os.Stat(name); err == nil {
				path = name
				break
			}
		}
	}
	var (
		file cfgpkg.Config
		err  error
	)
	switch {
	case os.Getenv(cfgpkg.EnvPrefix+"CONFIG_JSON") != "":
		file, err = cfgpkg.LoadJSON("", []byte(os.Getenv(cfgpkg.EnvPrefix+"CONFIG_JSON")))
	case path != "":
		file, err = cfgpkg.Load(path)
	default:
		file = cfgpkg.Unset()
	}
	if err != nil {
		if !errors.Is(err, contract.ErrConfig) {
			err = fmt.Errorf("%w: %v", contract.ErrConfig, err)
		}
		return cfg, fmt.Errorf("配置解析失败: %w", err)
	}
	cfg = cfgpkg.Merge(cfg, file)

	overEnv, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return cfg, fmt.Errorf("环境变量解析失败: %w", err)
	}
	cfg = cfgpkg.Merge(cfg, overEnv)
	return cfgpkg.Merge(cfg, cli), nil
}

// cliOverlay: 仅显式给出的旗标参与覆盖（0 具有语义的字段依赖 Changed 判定）。
// -1 在覆盖层中表示未设置，因此显式负值在此直接拒绝。
func cliOverlay(fs *pflag.FlagSet, f *runFlags, roots []string) (cfgpkg.Config, error) {
	for name, v := range map[string]int{"max-retries": f.maxRetries, "rpm": f.rpm, "sample": f.sample} {
		if fs.Changed(name) && v < 0 {
			return cfgpkg.Config{}, fmt.Errorf("%w: --%s must be >= 0, got %d", contract.ErrConfig, name, v)
		}
	}
	over := cfgpkg.Unset()
	over.Inputs = roots
	over.LLM = f.llm
	over.PatientContext = f.patientContext
	over.ClinicalQuestion = f.clinicalQuestion
	over.ResultsDir = f.resultsDir
	over.ReportsDir = f.reportsDir
	if fs.Changed("batch-size") {
		over.BatchSize = f.batchSize
		if f.batchSize == 0 {
			// 显式 0 交给校验报错，而不是被当作未设置
			over.BatchSize = -1
		}
	}
	if fs.Changed("max-concurrent") {
		over.MaxConcurrent = f.maxConcurrent
		if f.maxConcurrent == 0 {
			over.MaxConcurrent = -1
		}
	}
	if fs.Changed("max-retries") {
		over.MaxRetries = f.maxRetries
	}
	if fs.Changed("rpm") {
		over.RPM = f.rpm
	}
	if fs.Changed("sample") {
		over.Sample = f.sample
	}
	if fs.Changed("series") {
		over.Series = f.series
	}
	if fs.Changed("skip-summary") {
		v := f.skipSummary
		over.SkipSummary = &v
	}
	if fs.Changed("final-summary") {
		v := f.finalSummary
		over.FinalSummary.Enabled = &v
	}
	over.FinalSummary.LLM = f.summaryLLM
	return over, nil
}

// exitCode: 将运行期错误映射为退出码。
func exitCode(err error) int {
	switch diag.Classify(err) {
	case diag.CodeCancel:
		return exitCancel
	case diag.CodeConfig:
		return exitConfig
	default:
		return exitRuntime
	}
}

// logEffective: debug 级输出运行时配置信息（已脱敏）。
func logEffective(logger *diag.Logger, cfg cfgpkg.Config) {
	kv := map[string]string{
		"inputs_count":   fmt.Sprintf("%d", len(cfg.Inputs)),
		"batch_size":     fmt.Sprintf("%d", cfg.BatchSize),
		"max_concurrent": fmt.Sprintf("%d", cfg.MaxConcurrent),
		"max_retries":    fmt.Sprintf("%d", cfg.MaxRetries),
		"rpm":            fmt.Sprintf("%d", cfg.RPM),
		"sample":         fmt.Sprintf("%d", cfg.Sample),
		"llm":            cfg.LLM,
		"ingest":         cfg.Components.Ingest,
		"prompt_builder": cfg.Components.PromptBuilder,
		"decoder":        cfg.Components.Decoder,
		"store":          cfg.Components.Store,
		"results_dir":    cfg.ResultsDir,
		"reports_dir":    cfg.ReportsDir,
		"final_summary":  fmt.Sprintf("%t", cfg.FinalSummaryEnabled()),
	}
	// 提取 Provider 关键信息（不含密钥）
	if p, ok := cfg.Provider[cfg.LLM]; ok {
		kv["provider_client"] = p.Client
		var s struct {
			BaseURL  string `json:"base_url"`
			Model    string `json:"model"`
			Endpoint string `json:"endpoint_path"`
		}
		_ = json.Unmarshal(p.Options, &s)
		if s.BaseURL != "" {
			kv["base_url"] = s.BaseURL
		}
		if s.Model != "" {
			kv["model"] = s.Model
		}
		if s.Endpoint != "" {
			kv["endpoint_path"] = s.Endpoint
		}
	}
	logger.DebugStart("config", "effective", "", "", kv)
}

func fprintf(w io.Writer, format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }

func dumpConfig(w io.Writer, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	fprintf(w, "有效配置:\n%s\n", b)
	return nil
}

// writeConfig 写出配置模板；不覆盖已存在文件（返回 os.ErrExist）。
func writeConfig(path string, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

// writeDotEnv 生成 .env 模板（若文件已存在则跳过）。
// 仅创建文件；不覆盖，不合并。
func writeDotEnv(path string) error {
	p := cfgpkg.EnvPrefix
	var b strings.Builder
	b.WriteString("# llmmri .env 模板（由 init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > 配置文件 > 默认值\n")
	b.WriteString("# 空值表示未设置。\n\n")

	b.WriteString("# 配置来源（可二选一）\n")
	for _, k := range []string{"CONFIG_FILE", "CONFIG_JSON"} {
		b.WriteString(p + k + "=\n")
	}
	b.WriteString("\n# 运行参数覆盖\n")
	for _, k := range []string{
		"INPUTS", "BATCH_SIZE", "MAX_CONCURRENT", "MAX_RETRIES", "RPM", "SAMPLE", "SERIES",
		"SERIES_PATTERN", "PATIENT_CONTEXT", "CLINICAL_QUESTION", "SEQUENCE_TYPE",
		"RESULTS_DIR", "REPORTS_DIR", "SKIP_SUMMARY", "FINAL_SUMMARY", "SUMMARY_LLM",
		"BACKOFF_BASE_MS", "BACKOFF_MAX_MS", "BACKOFF_JITTER", "LOG_LEVEL", "LOG_DIR", "LLM",
	} {
		b.WriteString(p + k + "=\n")
	}
	b.WriteString("\n# 组件选择\n")
	for _, k := range []string{"INGEST", "PROMPT_BUILDER", "DECODER", "STORE"} {
		b.WriteString(p + "COMPONENTS_" + k + "=\n")
	}
	b.WriteString("\n# Provider 覆盖（openai）\n")
	b.WriteString(p + "PROVIDER__openai__CLIENT=\n")
	b.WriteString(p + "PROVIDER__openai__OPTIONS_JSON=\n\n")
	b.WriteString("# Provider 覆盖（gemini）\n")
	b.WriteString(p + "PROVIDER__gemini__CLIENT=\n")
	b.WriteString(p + "PROVIDER__gemini__OPTIONS_JSON=\n\n")

	// 供应商 API Key（由 Provider 客户端读取，不经前缀）
	b.WriteString("# 供应商 API Key\n")
	b.WriteString("OPENAI_API_KEY=\n")
	b.WriteString("GOOGLE_API_KEY=\n")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	_, err = f.WriteString(b.String())
	return err
}

// preflightCheckDir: 启动前检查输出目录可写性。
// 规则：
// - 若目录已存在：尝试创建并删除临时文件；失败则判为不可写。
// - 若目录不存在：向上找到最近的已存在祖先并检查其可写性。
func preflightCheckDir(dir string) error {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		// 未指定时无法可靠检查，让装配阶段按实现自行报错
		return nil
	}
	if st, err := os.Stat(dir); err == nil {
		if !st.IsDir() {
			return fmt.Errorf("路径存在但不是目录: %s", dir)
		}
		f, err := os.CreateTemp(dir, ".wcheck-*")
		if err != nil {
			return err
		}
		name := f.Name()
		_ = f.Close()
		_ = os.Remove(name)
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	parent := filepath.Dir(filepath.Clean(dir))
	if parent == dir {
		return fmt.Errorf("无法确定父目录: %s", dir)
	}
	return preflightCheckDir(parent)
}
