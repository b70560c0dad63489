// Package vectorstore 提供一个请求级的内存向量索引，使用穷举余弦相似度检索。
package vectorstore

import (
	"context"
	"doctrine-agent-go/internal/model"
	"doctrine-agent-go/pkg/embedding"
	"doctrine-agent-go/pkg/log"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
)

const (
	defaultBatchSize   = 64
	defaultConcurrency = 4
)

// EmbeddingError 表示构建或检索过程中调用 embedding 服务失败。
type EmbeddingError struct {
	Op  string
	Err error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding failed during %s: %v", e.Op, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// Options 控制构建时的批大小与并发度，零值使用默认值。
type Options struct {
	BatchSize   int
	Concurrency int
}

type entry struct {
	chunk  model.Chunk
	vector []float32
}

// Store 保存 (文本, 向量, 元数据) 三元组，构建完成后只读。
type Store struct {
	embedder embedding.Client
	entries  []entry
}

// Build 对所有分块做向量化并返回索引；任一批次失败则整体失败，不返回部分索引。
func Build(ctx context.Context, embedder embedding.Client, chunks []model.Chunk, opts Options) (*Store, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}

	vectors := make([][]float32, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for start := 0; start < len(chunks); start += opts.BatchSize {
		start := start
		end := start + opts.BatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		g.Go(func() error {
			texts := make([]string, 0, end-start)
			for _, c := range chunks[start:end] {
				texts = append(texts, c.Text)
			}
			batch, err := embedder.CreateEmbeddings(gctx, texts)
			if err != nil {
				return err
			}
			if len(batch) != len(texts) {
				return fmt.Errorf("got %d vectors for %d chunks", len(batch), len(texts))
			}
			// 每个批次写入互不重叠的区间
			copy(vectors[start:end], batch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Errorf("[VectorStore] 构建索引失败, chunks: %d, error: %v", len(chunks), err)
		return nil, &EmbeddingError{Op: "build", Err: err}
	}

	s := &Store{embedder: embedder, entries: make([]entry, len(chunks))}
	for i, c := range chunks {
		s.entries[i] = entry{chunk: c, vector: vectors[i]}
	}
	log.Debugf("[VectorStore] 索引构建完成, chunks: %d", len(chunks))
	return s, nil
}

// Len 返回索引中的向量数量。
func (s *Store) Len() int {
	return len(s.entries)
}

// Search 向量化查询并返回相似度最高的 k 个结果，相同分数保持插入顺序。
func (s *Store) Search(ctx context.Context, query string, k int) ([]model.RetrievalResult, error) {
	if k <= 0 || len(s.entries) == 0 {
		return nil, nil
	}
	qv, err := s.embedder.CreateEmbedding(ctx, query)
	if err != nil {
		return nil, &EmbeddingError{Op: "search", Err: err}
	}
	return s.SearchVector(qv, k), nil
}

// SearchVector 使用已有的查询向量检索。
func (s *Store) SearchVector(qv []float32, k int) []model.RetrievalResult {
	results := make([]model.RetrievalResult, len(s.entries))
	for i, e := range s.entries {
		results[i] = model.RetrievalResult{
			Text:            e.chunk.Text,
			SimilarityScore: CosineSimilarity(qv, e.vector),
			SourceKind:      e.chunk.Metadata.SourceKind,
			Metadata:        e.chunk.Metadata,
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].SimilarityScore > results[j].SimilarityScore
	})
	if k < len(results) {
		results = results[:k]
	}
	return results
}
