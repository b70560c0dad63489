package service

import (
	"context"
	"doctrine-agent-go/internal/model"
	"doctrine-agent-go/pkg/embedding"
	"doctrine-agent-go/pkg/vectorstore"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

type memoryItem struct {
	key       string
	content   string
	metadata  model.ChunkMetadata
	timestamp time.Time
	tokens    int
}

// MemoryContext 是一次请求内的记忆上下文：按与查询的相似度挑选若干条目，
// 在 token 预算内拼接成一段补充上下文。它不跨请求共享。
type MemoryContext struct {
	embedder      embedding.Client
	contextWindow int
	maxTokens     int
	now           func() time.Time

	mu    sync.RWMutex
	items map[string]*memoryItem
	order []string // 插入顺序，保证同分时结果稳定
}

// NewMemoryContext 创建记忆上下文，embedder 通常是请求级的 embedding.Cache。
func NewMemoryContext(embedder embedding.Client, contextWindow, maxTokens int) *MemoryContext {
	if contextWindow <= 0 {
		contextWindow = 5
	}
	if maxTokens <= 0 {
		maxTokens = 4000
	}
	return &MemoryContext{
		embedder:      embedder,
		contextWindow: contextWindow,
		maxTokens:     maxTokens,
		now:           time.Now,
		items:         make(map[string]*memoryItem),
	}
}

// estimateTokens 粗略按 4 个字符一个 token 估算。
func estimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// Add 写入或覆盖一个条目。
func (m *MemoryContext) Add(key, content string, metadata model.ChunkMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[key]; !ok {
		m.order = append(m.order, key)
	}
	m.items[key] = &memoryItem{
		key:       key,
		content:   content,
		metadata:  metadata,
		timestamp: m.now(),
		tokens:    estimateTokens(content),
	}
}

// Len 返回条目数量。
func (m *MemoryContext) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Sweep 删除早于 maxAge 的条目，返回删除数量。
func (m *MemoryContext) Sweep(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-maxAge)
	kept := m.order[:0]
	removed := 0
	for _, key := range m.order {
		if m.items[key].timestamp.Before(cutoff) {
			delete(m.items, key)
			removed++
			continue
		}
		kept = append(kept, key)
	}
	m.order = kept
	return removed
}

func (m *MemoryContext) snapshot() []*memoryItem {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*memoryItem, 0, len(m.order))
	for _, key := range m.order {
		out = append(out, m.items[key])
	}
	return out
}

// Prime 一次性批量向量化所有条目。embedder 为 embedding.Cache 时，之后并发的 Relevant 调用只需向量化查询本身。
func (m *MemoryContext) Prime(ctx context.Context) error {
	items := m.snapshot()
	if len(items) == 0 {
		return nil
	}
	contents := make([]string, len(items))
	for i, it := range items {
		contents[i] = it.content
	}
	_, err := m.embedder.CreateEmbeddings(ctx, contents)
	return err
}

// Relevant 返回与查询最相关的记忆拼接文本及其中最高的相似度；没有条目时返回空字符串。
func (m *MemoryContext) Relevant(ctx context.Context, query string) (string, float32, error) {
	items := m.snapshot()
	if len(items) == 0 {
		return "", 0, nil
	}

	qv, err := m.embedder.CreateEmbedding(ctx, query)
	if err != nil {
		return "", 0, err
	}
	contents := make([]string, len(items))
	for i, it := range items {
		contents[i] = it.content
	}
	vectors, err := m.embedder.CreateEmbeddings(ctx, contents)
	if err != nil {
		return "", 0, err
	}

	type scored struct {
		item  *memoryItem
		score float32
	}
	ranked := make([]scored, len(items))
	for i, it := range items {
		ranked[i] = scored{item: it, score: vectorstore.CosineSimilarity(qv, vectors[i])}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > m.contextWindow {
		ranked = ranked[:m.contextWindow]
	}

	var (
		parts  []string
		tokens int
		best   float32
	)
	for _, r := range ranked {
		if tokens+r.item.tokens > m.maxTokens {
			break
		}
		if len(parts) == 0 {
			best = r.score
		}
		parts = append(parts, r.item.content)
		tokens += r.item.tokens
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n")), best, nil
}

// Searcher 是可按查询检索的索引，vectorstore.Store 与 memorySearcher 都实现了它。
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]model.RetrievalResult, error)
}

// memorySearcher 在底层索引结果前插入记忆上下文。
type memorySearcher struct {
	base   Searcher
	memory *MemoryContext
	kind   model.SourceKind
}

// WithMemory 用记忆上下文装饰一个索引；memory 为 nil 时原样返回。
func WithMemory(base Searcher, memory *MemoryContext, kind model.SourceKind) Searcher {
	if memory == nil {
		return base
	}
	return &memorySearcher{base: base, memory: memory, kind: kind}
}

func (s *memorySearcher) Search(ctx context.Context, query string, k int) ([]model.RetrievalResult, error) {
	memText, score, err := s.memory.Relevant(ctx, query)
	if err != nil {
		return nil, err
	}
	results, err := s.base.Search(ctx, query, k)
	if err != nil {
		return nil, err
	}
	if memText == "" {
		return results, nil
	}
	memResult := model.RetrievalResult{
		Text:            memText,
		SimilarityScore: score,
		SourceKind:      s.kind,
		Metadata:        model.ChunkMetadata{SourceKind: model.SourceMemory, PageOrField: "context"},
	}
	return append([]model.RetrievalResult{memResult}, results...), nil
}
