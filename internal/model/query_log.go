package model

import "time"

// 查询日志的状态取值。
const (
	QueryStatusAnswered       = "answered"
	QueryStatusGenerationFail = "generation_failed"
	QueryStatusRetrievalFail  = "retrieval_failed"
)

// QueryLog 对应于数据库中的 query_logs 表，只保存问答审计信息，不保存向量。
type QueryLog struct {
	ID            uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	RequestID     string    `gorm:"type:varchar(36);uniqueIndex;not null" json:"requestId"`
	Query         string    `gorm:"type:text;not null" json:"query"`
	Source        string    `gorm:"type:varchar(10)" json:"source"`
	TotalResults  int       `gorm:"not null;default:0" json:"totalResults"`
	ExpandedTerms string    `gorm:"type:text" json:"expandedTerms"`
	Status        string    `gorm:"type:varchar(32);index" json:"status"`
	LatencyMs     int64     `json:"latencyMs"`
	Uploaded      bool      `gorm:"not null;default:false" json:"uploaded"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"-"`
}

func (QueryLog) TableName() string {
	return "query_logs"
}

// QueryLogDTO 是查询日志对外展示的结构。
type QueryLogDTO struct {
	RequestID    string    `json:"requestId"`
	Query        string    `json:"query"`
	Source       string    `json:"source"`
	TotalResults int       `json:"totalResults"`
	Status       string    `json:"status"`
	LatencyMs    int64     `json:"latencyMs"`
	Uploaded     bool      `json:"uploaded"`
	CreatedAt    LocalTime `json:"createdAt"`
}

// ToDTO 将数据库记录转换为对外展示结构。
func (q QueryLog) ToDTO() QueryLogDTO {
	return QueryLogDTO{
		RequestID:    q.RequestID,
		Query:        q.Query,
		Source:       q.Source,
		TotalResults: q.TotalResults,
		Status:       q.Status,
		LatencyMs:    q.LatencyMs,
		Uploaded:     q.Uploaded,
		CreatedAt:    LocalTime(q.CreatedAt),
	}
}
