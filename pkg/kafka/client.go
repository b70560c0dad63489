// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"doctrine-agent-go/internal/config"
	"doctrine-agent-go/pkg/log"
	"doctrine-agent-go/pkg/tasks"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	maxAttempts  = 3
	retryBackoff = 500 * time.Millisecond
)

// TaskProcessor defines the interface for any service that can process a task.
// This decouples the Kafka consumer from the concrete pipeline implementation.
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.QueryLogTask) error
}

var producer *kafka.Writer

func brokerList(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// InitProducer 初始化 Kafka 生产者。
func InitProducer(cfg config.KafkaConfig) {
	producer = &kafka.Writer{
		Addr:                   kafka.TCP(brokerList(cfg.Brokers)...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.LeastBytes{},
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	log.Info("Kafka 生产者初始化成功")
}

// Enabled 报告生产者是否已初始化。
func Enabled() bool {
	return producer != nil
}

// ProduceQueryLogTask 发送一条查询日志任务到 Kafka，以 request id 作为消息 key。
func ProduceQueryLogTask(ctx context.Context, task tasks.QueryLogTask) error {
	if producer == nil {
		return errors.New("kafka producer not initialized")
	}
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return producer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.RequestID),
		Value: taskBytes,
	})
}

// CloseProducer 关闭生产者并刷新缓冲区。
func CloseProducer() error {
	if producer == nil {
		return nil
	}
	return producer.Close()
}

// StartConsumer 启动一个 Kafka 消费者来处理查询日志任务，ctx 取消时退出。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, processor TaskProcessor) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokerList(cfg.Brokers),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("从 Kafka 读取消息失败", err)
			}
			break
		}

		var task tasks.QueryLogTask
		if err := json.Unmarshal(m.Value, &task); err != nil {
			log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
			// 消息格式错误，直接提交，避免阻塞队列
			if err := r.CommitMessages(ctx, m); err != nil {
				log.Errorf("提交错误消息失败: %v", err)
			}
			continue
		}

		// FetchMessage 不会重新投递未提交的消息，所以重试在进程内完成，之后总是提交 offset
		if err := processWithRetry(ctx, processor, task, retryBackoff); err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Errorf("查询日志任务多次失败(>=%d)，丢弃: RequestID=%s, Error: %v", maxAttempts, task.RequestID, err)
		}
		if err := r.CommitMessages(ctx, m); err != nil {
			log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
		}
	}

	if err := r.Close(); err != nil {
		log.Errorf("关闭 Kafka 消费者失败: %v", err)
	}
	log.Info("Kafka 消费者已退出")
}

// processWithRetry 最多执行 maxAttempts 次，每次失败后按 backoff 线性退避；ctx 取消时立即返回。
func processWithRetry(ctx context.Context, processor TaskProcessor, task tasks.QueryLogTask, backoff time.Duration) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = processor.Process(ctx, task); err == nil {
			return nil
		}
		log.Warnf("处理查询日志任务失败: RequestID=%s, attempt=%d, Error: %v", task.RequestID, attempt, err)
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * backoff):
		}
	}
	return err
}
