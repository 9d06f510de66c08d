package summary

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"llmmri/pkg/contract"
)

var funcs = template.FuncMap{
	"conf":  func(f float64) string { return fmt.Sprintf("%.1f", f) },
	"level": func(l contract.SuspicionLevel) string { return orDash(string(l)) },
	"cell":  func(s string) string { return orDash(strings.ReplaceAll(strings.ReplaceAll(s, "|", `\|`), "\n", " ")) },
	"sliceIdx": func(p *int) string {
		if p == nil {
			return "-"
		}
		return fmt.Sprint(*p)
	},
	"text": func(s string) string { return orDash(strings.TrimSpace(s)) },
	"inc":  func(i int) int { return i + 1 },
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

var reportTmpl = template.Must(template.New("report").Funcs(funcs).Parse(`# MRI analysis report

Generated: {{.GeneratedAt.Format "2006-01-02 15:04:05 MST"}}
Batches: {{.Batches}} (succeeded {{.Succeeded}}, failed {{.Failed}})
Highest suspicion: {{level .MaxSuspicion}}
Mean confidence: {{conf .MeanConfidence}}

## Study impression

{{text .Impression}}

## Study recommendations

{{text .Recommendations}}
{{range .Series}}
## Series {{.SeriesKey}}

Images: {{.Images}} · Batches: {{.Batches}} (succeeded {{.Succeeded}}, failed {{.Failed}}) · Highest suspicion: {{level .MaxSuspicion}} · Mean confidence: {{conf .MeanConfidence}}
{{if .Findings}}
| # | Slice | Location | Severity | Description |
|---|---|---|---|---|
{{range $i, $f := .Findings}}| {{inc $i}} | {{sliceIdx $f.SliceIndex}} | {{cell $f.Location}} | {{cell $f.Severity}} | {{cell $f.Description}} |
{{end}}{{else}}
No findings reported.
{{end}}
### Impression

{{text .Impression}}

### Recommendations

{{text .Recommendations}}
{{end}}{{if .FailedBatches}}
## Failed batches

| Batch | Kind | Message |
|---|---|---|
{{range .FailedBatches}}| {{cell .Key}} | {{cell .Kind}} | {{cell .Message}} |
{{end}}{{end}}`))

// Markdown 渲染人类可读的报告。
func Markdown(st Study) (string, error) {
	var buf bytes.Buffer
	if err := reportTmpl.Execute(&buf, st); err != nil {
		return "", fmt.Errorf("summary: render markdown: %w", err)
	}
	return buf.String(), nil
}
