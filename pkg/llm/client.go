// Package llm provides clients for interacting with Large Language Models.
package llm

import (
	"context"
	"doctrine-agent-go/internal/config"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// 角色取值
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// GenerationParams 控制生成行为，nil 字段表示使用服务商默认值。
type GenerationParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Stream is an incremental answer. Recv returns io.EOF once the answer is complete.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Client defines the interface for an LLM client.
type Client interface {
	// StreamChatMessages 以 role-based 消息调用聊天接口，连接建立失败（鉴权、配额等）时直接返回错误。
	StreamChatMessages(ctx context.Context, messages []Message, gen *GenerationParams) (Stream, error)
}

// NewClient creates a new LLM client based on the provider in the config.
func NewClient(ctx context.Context, cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case "", "openai":
		return newOpenAIClient(cfg), nil
	case "gemini":
		return newGeminiClient(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}
}

// ParamsFromConfig 从配置中构造生成参数，全部为零值时返回 nil。
func ParamsFromConfig(cfg config.LLMGenerationConfig) *GenerationParams {
	var gp GenerationParams
	if cfg.Temperature != 0 {
		t := cfg.Temperature
		gp.Temperature = &t
	}
	if cfg.TopP != 0 {
		p := cfg.TopP
		gp.TopP = &p
	}
	if cfg.MaxTokens != 0 {
		m := cfg.MaxTokens
		gp.MaxTokens = &m
	}
	if gp.Temperature == nil && gp.TopP == nil && gp.MaxTokens == nil {
		return nil
	}
	return &gp
}

// Drain reads the stream to the end and returns the whole answer.
func Drain(s Stream) (string, error) {
	defer s.Close()
	var sb strings.Builder
	for {
		token, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(token)
	}
}
