// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ExtractCacheRepository 缓存 PDF 按页提取出的文本，键为文件内容的 MD5。
// 只缓存文本，向量每次请求都重新计算。
type ExtractCacheRepository interface {
	GetPages(ctx context.Context, fileMD5 string) ([]string, bool, error)
	SetPages(ctx context.Context, fileMD5 string, pages []string) error
}

type redisExtractCacheRepository struct {
	redisClient *redis.Client
	ttl         time.Duration
}

// NewExtractCacheRepository 创建一个基于 Redis 的提取缓存；redisClient 为 nil 时返回不缓存的实现。
func NewExtractCacheRepository(redisClient *redis.Client, ttl time.Duration) ExtractCacheRepository {
	if redisClient == nil {
		return noopExtractCache{}
	}
	return &redisExtractCacheRepository{redisClient: redisClient, ttl: ttl}
}

func extractKey(fileMD5 string) string {
	return fmt.Sprintf("extract:pages:%s", fileMD5)
}

// GetPages 从 Redis 读取缓存的分页文本，未命中时返回 false。
func (r *redisExtractCacheRepository) GetPages(ctx context.Context, fileMD5 string) ([]string, bool, error) {
	jsonData, err := r.redisClient.Get(ctx, extractKey(fileMD5)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get extracted pages: %w", err)
	}
	var pages []string
	if err := json.Unmarshal([]byte(jsonData), &pages); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal extracted pages: %w", err)
	}
	return pages, true, nil
}

// SetPages 将分页文本写入 Redis 并设置过期时间。
func (r *redisExtractCacheRepository) SetPages(ctx context.Context, fileMD5 string, pages []string) error {
	jsonData, err := json.Marshal(pages)
	if err != nil {
		return fmt.Errorf("failed to marshal extracted pages: %w", err)
	}
	if err := r.redisClient.Set(ctx, extractKey(fileMD5), jsonData, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set extracted pages: %w", err)
	}
	return nil
}

type noopExtractCache struct{}

func (noopExtractCache) GetPages(context.Context, string) ([]string, bool, error) { return nil, false, nil }
func (noopExtractCache) SetPages(context.Context, string, []string) error         { return nil }
