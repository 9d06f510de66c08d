package contract

import "fmt"

// ImageID: 单张影像的稳定标识（通常为规范化后的相对路径）。
type ImageID string

// Meta: 可选的轻量元信息（人口学/检查上下文等）；核心流程不解释其键值。
type Meta map[string]string

// 常用注解键（由 ingest 填充，PromptBuilder 按需读取）。
const (
	MetaPatientAge        = "patient_age"
	MetaPatientSex        = "patient_sex"
	MetaModality          = "modality"
	MetaBodyPart          = "body_part"
	MetaSeriesDescription = "series_description"
	MetaStudyDescription  = "study_description"
)

// ImageRecord: 一张已解码影像及其元数据。
// 约束：
// - 由 ingest 创建后不可变；
// - SeriesID 为显式序列标识（例如 DICOM SeriesInstanceUID），可为空；
// - SourceName 为名称模式回退的来源（通常为文件名）；
// - Ordinal 为 ingest 输出中的位置，用作同一采集序号时的稳定次序。
type ImageRecord struct {
	ID               ImageID
	SeriesID         string
	SourceName       string
	AcquisitionIndex int
	Ordinal          int
	// PixelRef: 像素数据引用（文件路径）；编码为请求载荷时按需读取。
	PixelRef string
	// MIME: 原始载荷类型（image/png、image/jpeg、application/dicom）。
	MIME string
	Meta Meta // 可为 nil
}

// Series: 共享同一序列键、且按 (AcquisitionIndex, Ordinal) 稳定排序的影像序列。
type Series struct {
	Key string
	// Description: 人类可读的序列描述（例如 "T2 AX PELVIS"）；无法推断时为空。
	Description string
	Records     []ImageRecord
}

// BatchKey: 批次的幂等键；同一输入与 batch_size 下跨运行稳定。
type BatchKey struct {
	SeriesKey  string
	BatchIndex int
}

func (k BatchKey) String() string { return fmt.Sprintf("%s#%d", k.SeriesKey, k.BatchIndex) }

// Batch: 单一序列内连续、有序、至多 batch_size 条记录的切片。
// SeriesSize 为所属序列（采样后）的总记录数，仅用于上下文提示。
type Batch struct {
	Key               BatchKey
	SeriesDescription string
	SeriesSize        int
	Records           []ImageRecord
}

// AnalysisContext: 每次运行附带给远端模型的上下文（与批无关）。
type AnalysisContext struct {
	PatientContext   string
	ClinicalQuestion string
	// SequenceType: 显式覆盖序列描述；为空时使用 Batch.SeriesDescription。
	SequenceType string
}
