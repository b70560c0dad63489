// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"doctrine-agent-go/internal/config"
	"doctrine-agent-go/internal/model"
	"doctrine-agent-go/pkg/log"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
)

// RetrievalService 定义了检索编排的接口。
type RetrievalService interface {
	// Retrieve 扩展查询，在文档索引（以及需要时的表单字段索引）上检索并合并结果。csv 可以为 nil。
	Retrieve(ctx context.Context, query string, pdf, csv Searcher) (*model.RetrievalOutcome, error)
}

type retrievalService struct {
	topK          int
	displayLength int
	csvKeywords   []string
	noResultText  string
}

// NewRetrievalService 创建一个新的 RetrievalService 实例。
func NewRetrievalService(cfg config.RetrievalConfig, noResultText string) RetrievalService {
	s := &retrievalService{
		topK:          cfg.TopK,
		displayLength: cfg.DisplayContextLength,
		noResultText:  noResultText,
	}
	if s.topK <= 0 {
		s.topK = 5
	}
	if s.displayLength <= 0 {
		s.displayLength = 500
	}
	if s.noResultText == "" {
		s.noResultText = "No relevant context found."
	}
	for _, kw := range cfg.CSVKeywords {
		s.csvKeywords = append(s.csvKeywords, strings.ToLower(kw))
	}
	return s
}

func (s *retrievalService) Retrieve(ctx context.Context, query string, pdf, csv Searcher) (*model.RetrievalOutcome, error) {
	terms := ExpandQuery(query)
	log.Infof("[RetrievalService] 查询扩展完成, terms: %d", len(terms))

	var pdfResults, csvResults []model.RetrievalResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		pdfResults, err = searchAll(gctx, pdf, terms, s.topK)
		return err
	})
	searchCSV := csv != nil && s.shouldSearchCSV(query)
	if searchCSV {
		g.Go(func() error {
			var err error
			csvResults, err = searchAll(gctx, csv, terms, s.topK)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		log.Errorf("[RetrievalService] 检索失败: %v", err)
		return nil, &RetrievalError{Err: err}
	}

	merged := make([]model.RetrievalResult, 0, len(pdfResults)+len(csvResults))
	merged = append(merged, pdfResults...)
	merged = append(merged, csvResults...)

	unique, fromPDF, fromCSV := dedupResults(merged, len(pdfResults))
	texts := make([]string, len(unique))
	for i, r := range unique {
		texts[i] = r.Text
	}
	fullContext := strings.Join(texts, "\n\n")

	outcome := &model.RetrievalOutcome{
		Metadata: model.RetrievalMetadata{
			Source:         sourceLabel(fromPDF, fromCSV),
			Context:        s.displayContext(fullContext, len(unique)),
			HasMoreContext: utf8.RuneCountInString(fullContext) > s.displayLength,
			TotalResults:   len(merged),
		},
		FullContext:   fullContext,
		Results:       unique,
		ExpandedTerms: terms,
	}
	log.Infof("[RetrievalService] 检索完成, PDF: %d, CSV: %d (searched: %v), 去重后: %d, source: %s",
		len(pdfResults), len(csvResults), searchCSV, len(unique), outcome.Metadata.Source)
	return outcome, nil
}

// shouldSearchCSV 在原始查询包含任一表单相关关键词时返回 true。
func (s *retrievalService) shouldSearchCSV(query string) bool {
	lower := strings.ToLower(query)
	for _, kw := range s.csvKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func (s *retrievalService) displayContext(fullContext string, n int) string {
	if n == 0 {
		return s.noResultText
	}
	runes := []rune(fullContext)
	if len(runes) <= s.displayLength {
		return fullContext
	}
	return string(runes[:s.displayLength]) + "..."
}

// searchAll 并发检索所有扩展查询，结果按查询顺序展平。
func searchAll(ctx context.Context, index Searcher, terms []string, k int) ([]model.RetrievalResult, error) {
	perTerm := make([][]model.RetrievalResult, len(terms))
	g, gctx := errgroup.WithContext(ctx)
	for i, term := range terms {
		i, term := i, term
		g.Go(func() error {
			results, err := index.Search(gctx, term, k)
			if err != nil {
				return err
			}
			perTerm[i] = results
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var flat []model.RetrievalResult
	for _, rs := range perTerm {
		flat = append(flat, rs...)
	}
	return flat, nil
}

// dedupResults 按文本去重并保留首次出现，同时报告两个索引是否各有结果保留下来。
// 下标小于 pdfCount 的结果来自文档索引。
func dedupResults(results []model.RetrievalResult, pdfCount int) ([]model.RetrievalResult, bool, bool) {
	seen := make(map[string]struct{}, len(results))
	unique := make([]model.RetrievalResult, 0, len(results))
	var fromPDF, fromCSV bool
	for i, r := range results {
		if _, ok := seen[r.Text]; ok {
			continue
		}
		seen[r.Text] = struct{}{}
		unique = append(unique, r)
		if i < pdfCount {
			fromPDF = true
		} else {
			fromCSV = true
		}
	}
	return unique, fromPDF, fromCSV
}

func sourceLabel(fromPDF, fromCSV bool) string {
	switch {
	case fromPDF && fromCSV:
		return model.SourceLabelBoth
	case fromCSV:
		return model.SourceLabelCSV
	default:
		return model.SourceLabelPDF
	}
}
