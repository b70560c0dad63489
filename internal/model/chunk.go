// Package model 包含了应用的数据模型定义。
package model

// SourceKind 标识一个分块来自哪类文档。
type SourceKind string

const (
	SourcePDF    SourceKind = "pdf"
	SourceCSV    SourceKind = "csv"
	SourceMemory SourceKind = "memory"
)

// ChunkMetadata 记录分块的来源与定位（PDF 页码或 CSV 字段名）。
type ChunkMetadata struct {
	SourceKind  SourceKind `json:"sourceKind"`
	PageOrField string     `json:"pageOrField"`
}

// Chunk 是检索的基本单元，创建后不再修改。
type Chunk struct {
	Text     string        `json:"text"`
	Metadata ChunkMetadata `json:"metadata"`
}
