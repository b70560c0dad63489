// Package pipeline 定义了文档处理的核心流程：提取、切块、向量化建索引。
package pipeline

import (
	"bytes"
	"context"
	"crypto/md5"
	"doctrine-agent-go/internal/config"
	"doctrine-agent-go/internal/model"
	"doctrine-agent-go/internal/repository"
	"doctrine-agent-go/pkg/embedding"
	"doctrine-agent-go/pkg/log"
	"doctrine-agent-go/pkg/vectorstore"
	"errors"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/sync/errgroup"
)

// ErrEmptyDocument 表示文档内容为空。
var ErrEmptyDocument = errors.New("文档内容为空")

// PageExtractor 按页提取 PDF 文本，由 tika.Client 实现。
type PageExtractor interface {
	ExtractPages(ctx context.Context, fileReader io.Reader, fileName string) ([]string, error)
}

// Document 是一次请求中待索引的原始文档。
type Document struct {
	Name string
	Data []byte
}

// MemoryEntry 是写入请求级记忆上下文的条目。
type MemoryEntry struct {
	Key      string
	Content  string
	Metadata model.ChunkMetadata
}

// Indexes 是一次请求构建出的全部索引，请求结束后丢弃。
type Indexes struct {
	PDF           *vectorstore.Store
	CSV           *vectorstore.Store // 没有表单字段文档时为 nil
	MemoryEntries []MemoryEntry
}

// Processor 封装了文档处理的所有依赖和逻辑。
type Processor struct {
	extractor    PageExtractor
	extractCache repository.ExtractCacheRepository
	pdfSplitter  *Splitter
	csvSplitter  *Splitter
	storeOpts    vectorstore.Options
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(
	extractor PageExtractor,
	extractCache repository.ExtractCacheRepository,
	chunkingCfg config.ChunkingConfig,
	embeddingCfg config.EmbeddingConfig,
) *Processor {
	if extractCache == nil {
		extractCache = repository.NewExtractCacheRepository(nil, 0)
	}
	return &Processor{
		extractor:    extractor,
		extractCache: extractCache,
		pdfSplitter:  NewSplitter(chunkingCfg.PDF),
		csvSplitter:  NewSplitter(chunkingCfg.CSV),
		storeOpts:    vectorstore.Options{BatchSize: embeddingCfg.BatchSize, Concurrency: embeddingCfg.Concurrency},
	}
}

// Process 并发构建 PDF 与 CSV 两个索引，任一失败则整体失败。csv 为 nil 时只构建 PDF 索引。
func (p *Processor) Process(ctx context.Context, embedder embedding.Client, pdf Document, csv *Document) (*Indexes, error) {
	log.Infof("[Processor] 开始构建索引, PDF: %s (%d 字节)", pdf.Name, len(pdf.Data))

	var (
		idx        Indexes
		pdfEntries []MemoryEntry
		csvEntries []MemoryEntry
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		chunks, entries, err := p.PDFChunks(gctx, pdf)
		if err != nil {
			return err
		}
		log.Infof("[Processor] PDF 分块完成, 共 %d 个分块", len(chunks))
		store, err := vectorstore.Build(gctx, embedder, chunks, p.storeOpts)
		if err != nil {
			return err
		}
		idx.PDF, pdfEntries = store, entries
		return nil
	})
	if csv != nil {
		g.Go(func() error {
			chunks, entries, err := p.CSVChunks(*csv)
			if err != nil {
				return err
			}
			log.Infof("[Processor] CSV 分块完成, 共 %d 个分块", len(chunks))
			store, err := vectorstore.Build(gctx, embedder, chunks, p.storeOpts)
			if err != nil {
				return err
			}
			idx.CSV, csvEntries = store, entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Errorf("[Processor] 构建索引失败: %v", err)
		return nil, err
	}

	idx.MemoryEntries = append(pdfEntries, csvEntries...)
	return &idx, nil
}

// PDFChunks 按页提取并切块，每个分块带页码元数据；每页最后一个分块作为该页的记忆条目。
func (p *Processor) PDFChunks(ctx context.Context, doc Document) ([]model.Chunk, []MemoryEntry, error) {
	if len(doc.Data) == 0 {
		return nil, nil, fmt.Errorf("%s: %w", doc.Name, ErrEmptyDocument)
	}
	pages, err := p.extractPages(ctx, doc)
	if err != nil {
		return nil, nil, err
	}

	var chunks []model.Chunk
	entries := make([]MemoryEntry, 0, len(pages))
	for i, page := range pages {
		meta := model.ChunkMetadata{SourceKind: model.SourcePDF, PageOrField: strconv.Itoa(i + 1)}
		pageChunks := p.pdfSplitter.Split(page)
		for _, text := range pageChunks {
			chunks = append(chunks, model.Chunk{Text: text, Metadata: meta})
		}
		if len(pageChunks) > 0 {
			entries = append(entries, MemoryEntry{
				Key:      "pdf_" + meta.PageOrField,
				Content:  pageChunks[len(pageChunks)-1],
				Metadata: meta,
			})
		}
	}
	return chunks, entries, nil
}

// CSVChunks 解析表单字段模板，逐行生成文本并切块，元数据记录字段名。
func (p *Processor) CSVChunks(doc Document) ([]model.Chunk, []MemoryEntry, error) {
	rows, err := ParseCSV(bytes.NewReader(doc.Data))
	if err != nil {
		return nil, nil, err
	}

	var chunks []model.Chunk
	entries := make([]MemoryEntry, 0, len(rows))
	for _, row := range rows {
		text := row.Text()
		meta := model.ChunkMetadata{SourceKind: model.SourceCSV, PageOrField: row.Field()}
		for _, c := range p.csvSplitter.Split(text) {
			chunks = append(chunks, model.Chunk{Text: c, Metadata: meta})
		}
		// 与分块使用同样的空白规整，短行的记忆条目与分块文本一致，可复用同一个向量
		entries = append(entries, MemoryEntry{Key: "csv_" + meta.PageOrField, Content: NormalizeWhitespace(text), Metadata: meta})
	}
	return chunks, entries, nil
}

// extractPages 优先读取提取缓存，未命中时调用 Tika 并回写缓存；缓存异常只记录警告。
func (p *Processor) extractPages(ctx context.Context, doc Document) ([]string, error) {
	fileMD5 := fmt.Sprintf("%x", md5.Sum(doc.Data))
	if pages, ok, err := p.extractCache.GetPages(ctx, fileMD5); err != nil {
		log.Warnf("[Processor] 读取提取缓存失败 (md5=%s): %v", fileMD5, err)
	} else if ok {
		log.Infof("[Processor] 命中提取缓存, md5: %s, 页数: %d", fileMD5, len(pages))
		return pages, nil
	}

	log.Infof("[Processor] 使用 Tika 提取 PDF 文本, FileName: %s", doc.Name)
	pages, err := p.extractor.ExtractPages(ctx, bytes.NewReader(doc.Data), doc.Name)
	if err != nil {
		log.Errorf("[Processor] 使用 Tika 提取文本失败, FileName: %s, Error: %v", doc.Name, err)
		return nil, fmt.Errorf("使用 Tika 提取文本失败: %w", err)
	}
	if err := p.extractCache.SetPages(ctx, fileMD5, pages); err != nil {
		log.Warnf("[Processor] 写入提取缓存失败 (md5=%s): %v", fileMD5, err)
	}
	return pages, nil
}

// Warm 预先提取文档文本写入缓存，启动时用于默认手册，避免首个请求等待 Tika。
func (p *Processor) Warm(ctx context.Context, doc Document) error {
	pages, err := p.extractPages(ctx, doc)
	if err != nil {
		return err
	}
	log.Infof("[Processor] 预热完成, FileName: %s, 页数: %d", doc.Name, len(pages))
	return nil
}
