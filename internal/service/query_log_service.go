package service

import (
	"context"
	"doctrine-agent-go/internal/model"
	"doctrine-agent-go/internal/pipeline"
	"doctrine-agent-go/internal/repository"
	"doctrine-agent-go/pkg/log"
	"doctrine-agent-go/pkg/tasks"
	"errors"
)

// ErrQueryLogDisabled 表示未配置数据库，无法查询历史日志。
var ErrQueryLogDisabled = errors.New("query log storage is not configured")

// PublishFunc 把查询日志任务投递到消息队列。
type PublishFunc func(ctx context.Context, task tasks.QueryLogTask) error

// QueryLogService 记录与查询问答审计日志。
type QueryLogService interface {
	Record(ctx context.Context, task tasks.QueryLogTask)
	ListRecent(limit int) ([]model.QueryLogDTO, error)
}

type queryLogService struct {
	repo    repository.QueryLogRepository // nil 表示未配置 MySQL
	publish PublishFunc                   // nil 表示未配置 Kafka
}

// NewQueryLogService 创建一个新的 QueryLogService。配置了 Kafka 时通过消息队列异步落库，
// 否则直接写数据库；两者都没有时只写日志。
func NewQueryLogService(repo repository.QueryLogRepository, publish PublishFunc) QueryLogService {
	return &queryLogService{repo: repo, publish: publish}
}

func (s *queryLogService) Record(ctx context.Context, task tasks.QueryLogTask) {
	log.Infow("[QueryLog] 请求完成",
		"requestId", task.RequestID,
		"source", task.Source,
		"totalResults", task.TotalResults,
		"status", task.Status,
		"latencyMs", task.LatencyMs,
	)

	if s.publish != nil {
		err := s.publish(ctx, task)
		if err == nil {
			return
		}
		log.Warnw("[QueryLog] 投递 Kafka 失败, 尝试直接写库", "requestId", task.RequestID, "error", err)
	}
	if s.repo == nil {
		return
	}
	entry := pipeline.ToQueryLog(task)
	if err := s.repo.Create(&entry); err != nil {
		log.Errorf("[QueryLog] 保存查询日志失败: RequestID=%s, error: %v", task.RequestID, err)
	}
}

// ListRecent 返回最近的查询日志，limit 限制在 1..100，默认 20。
func (s *queryLogService) ListRecent(limit int) ([]model.QueryLogDTO, error) {
	if s.repo == nil {
		return nil, ErrQueryLogDisabled
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	logs, err := s.repo.FindRecent(limit)
	if err != nil {
		return nil, err
	}
	dtos := make([]model.QueryLogDTO, 0, len(logs))
	for _, l := range logs {
		dtos = append(dtos, l.ToDTO())
	}
	return dtos, nil
}
