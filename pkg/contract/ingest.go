package contract

import "context"

// IngestIssue: 单个输入条目无法解码/读取时的记录；不终止整体 ingest。
type IngestIssue struct {
	Source string
	Err    error
}

// IngestReport: ingest 的输出，Records 按发现顺序排列（Ordinal 递增）。
type IngestReport struct {
	Records []ImageRecord
	Issues  []IngestIssue
}

// Ingestor: 输入源抽象（文件/目录）。
// 约束：
// 1) 输出顺序确定（同一输入多次运行一致）；
// 2) ImageID 稳定且去平台差异化；
// 3) 单个条目失败记为 Issue，不中断；
// 4) 不在内部起并发。
type Ingestor interface {
	Ingest(ctx context.Context, roots []string) (IngestReport, error)
}
