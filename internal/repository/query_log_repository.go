package repository

import (
	"doctrine-agent-go/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QueryLogRepository 定义了查询审计日志的数据库操作。
type QueryLogRepository interface {
	Create(entry *model.QueryLog) error
	FindRecent(limit int) ([]model.QueryLog, error)
}

type queryLogRepository struct {
	db *gorm.DB
}

// NewQueryLogRepository 创建一个新的 QueryLogRepository 实例。
func NewQueryLogRepository(db *gorm.DB) QueryLogRepository {
	return &queryLogRepository{db: db}
}

// Create 写入一条查询日志。同一 request_id 重复投递时忽略，保证 Kafka 重试幂等。
func (r *queryLogRepository) Create(entry *model.QueryLog) error {
	return r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(entry).Error
}

// FindRecent 按创建时间倒序返回最近的查询日志。
func (r *queryLogRepository) FindRecent(limit int) ([]model.QueryLog, error) {
	var logs []model.QueryLog
	err := r.db.Order("created_at desc").Limit(limit).Find(&logs).Error
	return logs, err
}
