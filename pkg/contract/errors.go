package contract

import "errors"

// 最小错误分类（用于上层策略判定；分类由 diag.Classify 统一完成）。
var (
	// ErrUngroupable: 影像无法归入任何序列（既无显式序列标识，也不匹配名称模式）。
	ErrUngroupable = errors.New("ungroupable record")
	// ErrRateLimited: 远端拒绝（HTTP 429 等），可重试。
	ErrRateLimited = errors.New("rate limited")
	// ErrTransientNetwork: 连接失败/超时等瞬时网络错误，可重试。
	ErrTransientNetwork = errors.New("transient network error")
	// ErrTransientServer: 上游 5xx 等瞬时服务端错误，可重试。
	ErrTransientServer = errors.New("transient server error")
	// ErrSchemaInvalid: 远端响应不符合结构化 schema，终态。
	ErrSchemaInvalid = errors.New("schema validation failed")
	// ErrPermanentRequest: 请求本身非法（4xx），终态。
	ErrPermanentRequest = errors.New("permanent request error")
	// ErrUndecodableImage: 影像像素无法读取或解码，请求无法构造，终态。
	ErrUndecodableImage = errors.New("undecodable image")
	// ErrConfig: 配置非法，启动即失败。
	ErrConfig = errors.New("configuration error")
	// ErrAlreadyExists: 目标工件已存在（不覆盖）。
	ErrAlreadyExists = errors.New("artifact already exists")
	// ErrPathInvalid: 标识映射为无效/越界路径。
	ErrPathInvalid = errors.New("path invalid")
	// ErrInvalidInput: 调用参数非法（通用哨兵）。
	ErrInvalidInput = errors.New("invalid input")
)
