package service

import (
	"context"
	"doctrine-agent-go/internal/config"
	"doctrine-agent-go/internal/model"
	"doctrine-agent-go/internal/pipeline"
	"doctrine-agent-go/pkg/embedding"
	"doctrine-agent-go/pkg/llm"
	"doctrine-agent-go/pkg/log"
	"doctrine-agent-go/pkg/tasks"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

const promptTemplate = `You are an expert in military doctrine and forms. Use the following context to answer the question.
If you cannot answer the question from the context, respond that you cannot answer the question based on the available information.
Be specific and detailed in your response, citing relevant information from the context when possible.
If the question is about a process or methodology, break down the steps clearly.

Context:
%s

Question: %s

Answer:`

// AgentRequest 是一次问答请求，PDF/CSV 为空时使用默认文档。
type AgentRequest struct {
	RequestID string
	Query     string
	PDF       *pipeline.Document
	CSV       *pipeline.Document
}

// Indexer 为一次请求构建索引，由 pipeline.Processor 实现。
type Indexer interface {
	Process(ctx context.Context, embedder embedding.Client, pdf pipeline.Document, csv *pipeline.Document) (*pipeline.Indexes, error)
}

// AgentService 串联文档解析、检索与生成。
type AgentService interface {
	// Ask 完成检索并建立生成流。检索失败返回 *RetrievalError；生成失败不返回错误，
	// 而是返回 source 为 ERROR、内容为兜底文案的 AnswerStream。
	Ask(ctx context.Context, req AgentRequest) (*AnswerStream, error)
}

type agentService struct {
	documents DocumentService
	indexer   Indexer
	retrieval RetrievalService
	embedder  embedding.Client
	llmClient llm.Client
	queryLogs QueryLogService
	memoryCfg config.MemoryConfig
	llmCfg    config.LLMConfig
}

// NewAgentService 创建一个新的 AgentService 实例。
func NewAgentService(
	documents DocumentService,
	indexer Indexer,
	retrieval RetrievalService,
	embedder embedding.Client,
	llmClient llm.Client,
	queryLogs QueryLogService,
	memoryCfg config.MemoryConfig,
	llmCfg config.LLMConfig,
) AgentService {
	return &agentService{
		documents: documents,
		indexer:   indexer,
		retrieval: retrieval,
		embedder:  embedder,
		llmClient: llmClient,
		queryLogs: queryLogs,
		memoryCfg: memoryCfg,
		llmCfg:    llmCfg,
	}
}

func (s *agentService) Ask(ctx context.Context, req AgentRequest) (*AnswerStream, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, ErrQueryRequired
	}
	start := time.Now()
	task := tasks.QueryLogTask{
		RequestID: req.RequestID,
		Query:     query,
		Uploaded:  req.PDF != nil || req.CSV != nil,
		CreatedAt: start,
	}
	log.Infof("[AgentService] 开始处理查询, RequestID: %s, Query: %s", req.RequestID, query)

	outcome, err := s.retrieve(ctx, req, query)
	if err != nil {
		task.Status = model.QueryStatusRetrievalFail
		task.LatencyMs = time.Since(start).Milliseconds()
		s.queryLogs.Record(context.Background(), task)
		return nil, err
	}
	task.Source = outcome.Metadata.Source
	task.TotalResults = outcome.Metadata.TotalResults
	task.ExpandedTerms = outcome.ExpandedTerms

	answer := &AnswerStream{
		Metadata: outcome.Metadata,
		apology:  s.apologyText(),
		onClose: func(status string) {
			task.Status = status
			task.LatencyMs = time.Since(start).Milliseconds()
			// 即使原始请求被取消，也要保存审计日志
			s.queryLogs.Record(context.Background(), task)
		},
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: s.llmCfg.Prompt.SystemRole},
		{Role: llm.RoleUser, Content: fmt.Sprintf(promptTemplate, outcome.FullContext, query)},
	}
	stream, err := s.llmClient.StreamChatMessages(ctx, messages, llm.ParamsFromConfig(s.llmCfg.Generation))
	if err != nil {
		answer.fail(&GenerationError{Err: err})
		return answer, nil
	}

	// 先取第一个 token，保证首行元数据能反映生成是否失败
	first, err := stream.Recv()
	if err != nil && !errors.Is(err, io.EOF) {
		_ = stream.Close()
		answer.fail(&GenerationError{Err: err})
		return answer, nil
	}
	answer.stream = stream
	answer.pending = first
	answer.finished = errors.Is(err, io.EOF)
	return answer, nil
}

// retrieve 解析文档、构建请求级索引与记忆上下文并执行检索。
func (s *agentService) retrieve(ctx context.Context, req AgentRequest, query string) (*model.RetrievalOutcome, error) {
	pdf, csv, err := s.documents.Resolve(ctx, req.RequestID, req.PDF, req.CSV)
	if err != nil {
		return nil, &RetrievalError{Err: err}
	}

	// 同一请求内相同文本只向量化一次
	cache := embedding.NewCache(s.embedder)
	idx, err := s.indexer.Process(ctx, cache, pdf, csv)
	if err != nil {
		return nil, &RetrievalError{Err: err}
	}

	var pdfSearcher, csvSearcher Searcher = idx.PDF, nil
	if idx.CSV != nil {
		csvSearcher = idx.CSV
	}
	if s.memoryCfg.Enabled {
		memory := NewMemoryContext(cache, s.memoryCfg.ContextWindow, s.memoryCfg.MaxTokens)
		for _, e := range idx.MemoryEntries {
			memory.Add(e.Key, e.Content, e.Metadata)
		}
		if s.memoryCfg.MaxAgeMinutes > 0 {
			memory.Sweep(time.Duration(s.memoryCfg.MaxAgeMinutes) * time.Minute)
		}
		// 检索会按扩展查询并发调用 Relevant，先统一向量化记忆条目
		if err := memory.Prime(ctx); err != nil {
			return nil, &RetrievalError{Err: err}
		}
		pdfSearcher = WithMemory(pdfSearcher, memory, model.SourcePDF)
		if csvSearcher != nil {
			csvSearcher = WithMemory(csvSearcher, memory, model.SourceCSV)
		}
	}

	outcome, err := s.retrieval.Retrieve(ctx, query, pdfSearcher, csvSearcher)
	if err != nil {
		return nil, err
	}
	log.Infof("[AgentService] 检索完成, RequestID: %s, source: %s, totalResults: %d, embedded texts: %d",
		req.RequestID, outcome.Metadata.Source, outcome.Metadata.TotalResults, cache.Len())
	return outcome, nil
}

func (s *agentService) apologyText() string {
	if s.llmCfg.Prompt.ApologyText != "" {
		return s.llmCfg.Prompt.ApologyText
	}
	return config.Default().LLM.Prompt.ApologyText
}

// AnswerStream 是一次问答的输出：先读 Metadata，再用 Recv 逐段读取回答，直到 io.EOF。
// 调用方必须调用 Close。
type AnswerStream struct {
	Metadata model.RetrievalMetadata

	stream   llm.Stream
	pending  string
	finished bool
	apology  string
	failed   bool
	answer   strings.Builder

	onClose   func(status string)
	closeOnce sync.Once
}

// fail 切换到兜底模式：来源标记为 ERROR，内容为兜底文案，原始错误只记录日志。
func (a *AnswerStream) fail(err error) {
	log.Errorf("[AgentService] 生成回答失败: %v", err)
	a.failed = true
	a.Metadata.Source = model.SourceLabelError
	a.pending = a.apology
	a.finished = true
}

// Failed 报告生成是否失败。
func (a *AnswerStream) Failed() bool {
	return a.failed
}

// Recv 返回下一段回答文本，结束时返回 io.EOF。生成中途失败时返回 *GenerationError。
func (a *AnswerStream) Recv() (string, error) {
	if a.pending != "" {
		token := a.pending
		a.pending = ""
		a.answer.WriteString(token)
		return token, nil
	}
	if a.finished || a.stream == nil {
		return "", io.EOF
	}
	token, err := a.stream.Recv()
	if errors.Is(err, io.EOF) {
		a.finished = true
		return "", io.EOF
	}
	if err != nil {
		a.finished = true
		a.failed = true
		log.Errorf("[AgentService] 回答流中断: %v", err)
		return "", &GenerationError{Err: err}
	}
	a.answer.WriteString(token)
	return token, nil
}

// Answer 返回目前为止已读出的完整回答。
func (a *AnswerStream) Answer() string {
	return a.answer.String()
}

// Turn 生成本轮助手消息，供前端追加到会话中。
func (a *AnswerStream) Turn() model.Turn {
	return model.Turn{
		Role:           "assistant",
		Content:        a.Answer(),
		SourceLabel:    a.Metadata.Source,
		ContextExcerpt: a.Metadata.Context,
		Timestamp:      time.Now(),
	}
}

// Close 释放底层连接并记录审计日志，可重复调用。
func (a *AnswerStream) Close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.stream != nil {
			err = a.stream.Close()
		}
		status := model.QueryStatusAnswered
		if a.failed {
			status = model.QueryStatusGenerationFail
		}
		if a.onClose != nil {
			a.onClose(status)
		}
	})
	return err
}

// ReadAll 读完整个回答并关闭 AnswerStream。中途失败时返回兜底文案，并把来源标记为 ERROR。
func (a *AnswerStream) ReadAll() string {
	if _, err := llm.Drain(a); err != nil {
		a.Metadata.Source = model.SourceLabelError
		return a.apology
	}
	return a.Answer()
}
