package service

import (
	"context"
	"doctrine-agent-go/internal/config"
	"doctrine-agent-go/internal/pipeline"
	"doctrine-agent-go/pkg/log"
	"doctrine-agent-go/pkg/storage"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DocumentKind 区分两类输入文档。
type DocumentKind string

const (
	DocumentPDF DocumentKind = "pdf"
	DocumentCSV DocumentKind = "csv"
)

// ErrUnsupportedFile 表示上传的文件类型或大小不符合要求。
var ErrUnsupportedFile = errors.New("unsupported file")

var allowedContentTypes = map[DocumentKind][]string{
	DocumentPDF: {"application/pdf", "application/x-pdf", "application/octet-stream"},
	DocumentCSV: {"text/csv", "application/csv", "text/plain", "application/vnd.ms-excel", "application/octet-stream"},
}

// DocumentLoader 按名称读取默认文档。
type DocumentLoader interface {
	Load(ctx context.Context, name string) ([]byte, error)
}

// Archiver 归档用户上传的文档。
type Archiver interface {
	Archive(ctx context.Context, objectName string, data []byte, contentType string) error
}

// DocumentService 负责校验上传文档、在缺省时回退到默认文档，以及可选地归档上传。
type DocumentService interface {
	ValidateUpload(kind DocumentKind, fileName, contentType string, size int64) error
	// Resolve 返回本次请求使用的 PDF 与 CSV；未上传的一方使用默认文档。默认 CSV 缺失时 csv 为 nil。
	Resolve(ctx context.Context, requestID string, pdf, csv *pipeline.Document) (pipeline.Document, *pipeline.Document, error)
}

type documentService struct {
	cfg      config.DocumentsConfig
	maxBytes int64
	loader   DocumentLoader
	archiver Archiver // nil 表示不归档

	mu       sync.Mutex
	defaults map[string][]byte
}

// NewDocumentService 创建一个新的 DocumentService 实例。
func NewDocumentService(cfg config.DocumentsConfig, maxUploadMB int64, loader DocumentLoader, archiver Archiver) DocumentService {
	if maxUploadMB <= 0 {
		maxUploadMB = 50
	}
	return &documentService{
		cfg:      cfg,
		maxBytes: maxUploadMB << 20,
		loader:   loader,
		archiver: archiver,
		defaults: make(map[string][]byte),
	}
}

// ValidateUpload 校验扩展名、Content-Type 与大小。
func (s *documentService) ValidateUpload(kind DocumentKind, fileName, contentType string, size int64) error {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext != "."+string(kind) {
		return fmt.Errorf("%w: %s 的扩展名应为 .%s", ErrUnsupportedFile, fileName, kind)
	}
	if size > s.maxBytes {
		return fmt.Errorf("%w: %s 超过大小限制 (%d 字节)", ErrUnsupportedFile, fileName, s.maxBytes)
	}
	if contentType == "" {
		return nil
	}
	mediaType := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	for _, allowed := range allowedContentTypes[kind] {
		if mediaType == allowed {
			return nil
		}
	}
	return fmt.Errorf("%w: %s 的类型 %s 不受支持", ErrUnsupportedFile, fileName, mediaType)
}

func (s *documentService) Resolve(ctx context.Context, requestID string, pdf, csv *pipeline.Document) (pipeline.Document, *pipeline.Document, error) {
	var resolvedPDF pipeline.Document
	if pdf != nil {
		resolvedPDF = *pdf
		s.archive(ctx, requestID, *pdf, "application/pdf")
	} else {
		data, err := s.loadDefault(ctx, s.cfg.DefaultPDF)
		if err != nil {
			log.Errorf("[DocumentService] 加载默认 PDF 失败, name: %s, error: %v", s.cfg.DefaultPDF, err)
			return pipeline.Document{}, nil, fmt.Errorf("加载默认 PDF 失败: %w", err)
		}
		resolvedPDF = pipeline.Document{Name: path.Base(s.cfg.DefaultPDF), Data: data}
	}

	if csv != nil {
		s.archive(ctx, requestID, *csv, "text/csv")
		return resolvedPDF, csv, nil
	}
	if s.cfg.DefaultCSV == "" {
		return resolvedPDF, nil, nil
	}
	data, err := s.loadDefault(ctx, s.cfg.DefaultCSV)
	if err != nil {
		// 没有表单字段模板时只检索文档
		log.Warnf("[DocumentService] 加载默认 CSV 失败, 仅使用 PDF: %v", err)
		return resolvedPDF, nil, nil
	}
	return resolvedPDF, &pipeline.Document{Name: path.Base(s.cfg.DefaultCSV), Data: data}, nil
}

// loadDefault 读取默认文档的原始字节并在进程内保留，向量不会被缓存。
func (s *documentService) loadDefault(ctx context.Context, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if data, ok := s.defaults[name]; ok {
		return data, nil
	}
	data, err := s.loader.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	s.defaults[name] = data
	log.Infof("[DocumentService] 默认文档已加载, name: %s, size: %d", name, len(data))
	return data, nil
}

func (s *documentService) archive(ctx context.Context, requestID string, doc pipeline.Document, contentType string) {
	if s.archiver == nil {
		return
	}
	objectName := fmt.Sprintf("uploads/%s/%s/%s", time.Now().Format("2006-01-02"), requestID, path.Base(doc.Name))
	if err := s.archiver.Archive(ctx, objectName, doc.Data, contentType); err != nil {
		log.Warnf("[DocumentService] 归档上传文件失败, object: %s, error: %v", objectName, err)
	}
}

// LocalLoader 从本地文件系统读取默认文档。
type LocalLoader struct{}

func (LocalLoader) Load(_ context.Context, name string) ([]byte, error) {
	return os.ReadFile(name)
}

// MinIOLoader 从 MinIO 存储桶读取默认文档，name 即对象名。
type MinIOLoader struct {
	BucketName string
}

func (l MinIOLoader) Load(ctx context.Context, name string) ([]byte, error) {
	return storage.GetObjectBytes(ctx, l.BucketName, name)
}

// MinIOArchiver 将上传文档写入 MinIO。
type MinIOArchiver struct {
	BucketName string
}

func (a MinIOArchiver) Archive(ctx context.Context, objectName string, data []byte, contentType string) error {
	return storage.PutObjectBytes(ctx, a.BucketName, objectName, data, contentType)
}
