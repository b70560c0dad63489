package pipeline

import (
	"context"
	"doctrine-agent-go/internal/model"
	"doctrine-agent-go/internal/repository"
	"doctrine-agent-go/pkg/log"
	"doctrine-agent-go/pkg/tasks"
	"strings"
)

// QueryLogProcessor 消费查询日志任务并写入数据库，实现 kafka.TaskProcessor。
type QueryLogProcessor struct {
	repo repository.QueryLogRepository
}

// NewQueryLogProcessor 创建一个新的 QueryLogProcessor 实例。
func NewQueryLogProcessor(repo repository.QueryLogRepository) *QueryLogProcessor {
	return &QueryLogProcessor{repo: repo}
}

// Process 将任务转换为 QueryLog 记录并保存。
func (p *QueryLogProcessor) Process(_ context.Context, task tasks.QueryLogTask) error {
	entry := ToQueryLog(task)
	if err := p.repo.Create(&entry); err != nil {
		return err
	}
	log.Infof("[QueryLogProcessor] 查询日志已保存, RequestID: %s, Status: %s", task.RequestID, task.Status)
	return nil
}

// ToQueryLog 将 Kafka 任务映射为数据库模型，扩展查询以换行拼接。
func ToQueryLog(task tasks.QueryLogTask) model.QueryLog {
	return model.QueryLog{
		RequestID:     task.RequestID,
		Query:         task.Query,
		Source:        task.Source,
		TotalResults:  task.TotalResults,
		ExpandedTerms: strings.Join(task.ExpandedTerms, "\n"),
		Status:        task.Status,
		LatencyMs:     task.LatencyMs,
		Uploaded:      task.Uploaded,
		CreatedAt:     task.CreatedAt,
	}
}
