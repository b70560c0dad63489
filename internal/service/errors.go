package service

import (
	"errors"
	"fmt"
)

// ErrQueryRequired 表示请求缺少 query 参数。
var ErrQueryRequired = errors.New("query is required")

// RetrievalError 表示检索阶段（向量化查询或建索引）失败，整个请求以 500 结束。
type RetrievalError struct {
	Err error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieval failed: %v", e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// GenerationError 表示模型生成失败，调用方用兜底文案替代回答。
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }
