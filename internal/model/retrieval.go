package model

// 返回给前端的来源标签。
const (
	SourceLabelPDF   = "PDF"
	SourceLabelCSV   = "CSV"
	SourceLabelBoth  = "BOTH"
	SourceLabelError = "ERROR"
)

// RetrievalResult 是一次相似度检索的命中结果。
type RetrievalResult struct {
	Text            string        `json:"text"`
	SimilarityScore float32       `json:"similarityScore"`
	SourceKind      SourceKind    `json:"sourceKind"`
	Metadata        ChunkMetadata `json:"metadata"`
}

// RetrievalMetadata 是流式响应首行携带的元数据。
type RetrievalMetadata struct {
	Source         string `json:"source"`
	Context        string `json:"context"`
	HasMoreContext bool   `json:"hasMoreContext"`
	TotalResults   int    `json:"totalResults"`
}

// RetrievalOutcome 汇总一次检索编排的结果，FullContext 只发送给模型，不直接返回给用户。
type RetrievalOutcome struct {
	Metadata      RetrievalMetadata
	FullContext   string
	Results       []RetrievalResult
	ExpandedTerms []string
}
