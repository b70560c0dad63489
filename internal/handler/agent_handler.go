// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"bytes"
	"doctrine-agent-go/internal/middleware"
	"doctrine-agent-go/internal/model"
	"doctrine-agent-go/internal/pipeline"
	"doctrine-agent-go/internal/service"
	"doctrine-agent-go/pkg/log"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// AgentHandler 处理问答请求。
type AgentHandler struct {
	agentService    service.AgentService
	documentService service.DocumentService
	streamByDefault bool
}

// NewAgentHandler 创建一个新的 AgentHandler 实例。
func NewAgentHandler(agentService service.AgentService, documentService service.DocumentService, streamByDefault bool) *AgentHandler {
	return &AgentHandler{
		agentService:    agentService,
		documentService: documentService,
		streamByDefault: streamByDefault,
	}
}

type agentJSONRequest struct {
	Query  string `json:"query"`
	Stream *bool  `json:"stream"`
}

// metadataLine 是流式响应的第一行。
type metadataLine struct {
	Type string                  `json:"type"`
	Data model.RetrievalMetadata `json:"data"`
}

type agentJSONResponse struct {
	Answer         string `json:"answer"`
	Source         string `json:"source"`
	Context        string `json:"context"`
	HasMoreContext bool   `json:"hasMoreContext"`
}

// Ask 处理 POST /api/agent，支持 JSON 或 multipart（query、pdf、csv）请求。
// 默认以 text/plain 流式返回：首行是元数据 JSON，之后是回答原文；?stream=false 时返回 JSON。
func (h *AgentHandler) Ask(c *gin.Context) {
	requestID := middleware.RequestID(c)
	stream := h.streamByDefault

	req := service.AgentRequest{RequestID: requestID}
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		req.Query = c.PostForm("query")
		var err error
		if req.PDF, err = h.readUpload(c, "pdf", service.DocumentPDF); err != nil {
			h.badUpload(c, err)
			return
		}
		if req.CSV, err = h.readUpload(c, "csv", service.DocumentCSV); err != nil {
			h.badUpload(c, err)
			return
		}
	} else if c.ContentType() == "application/json" {
		var body agentJSONRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			log.Warnf("[AgentHandler] 请求体解析失败, RequestID: %s, error: %v", requestID, err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		req.Query = body.Query
		if body.Stream != nil {
			stream = *body.Stream
		}
	} else {
		req.Query = c.PostForm("query")
	}
	if v, ok := c.GetQuery("stream"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			stream = b
		}
	}

	answer, err := h.agentService.Ask(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, service.ErrQueryRequired) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Query is required"})
			return
		}
		log.Errorf("[AgentHandler] 处理请求失败, RequestID: %s, error: %v", requestID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	defer answer.Close()

	if !stream {
		text := answer.ReadAll()
		c.JSON(http.StatusOK, agentJSONResponse{
			Answer:         text,
			Source:         answer.Metadata.Source,
			Context:        answer.Metadata.Context,
			HasMoreContext: answer.Metadata.HasMoreContext,
		})
		return
	}

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	line, _ := json.Marshal(metadataLine{Type: "metadata", Data: answer.Metadata})
	if _, err := c.Writer.Write(append(line, '\n')); err != nil {
		return
	}
	c.Writer.Flush()

	for {
		token, err := answer.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			// 元数据已经发出，只能提前结束响应体
			log.Warnf("[AgentHandler] 流式响应中断, RequestID: %s, error: %v", requestID, err)
			return
		}
		if _, err := c.Writer.WriteString(token); err != nil {
			log.Warnf("[AgentHandler] 客户端已断开, RequestID: %s", requestID)
			return
		}
		c.Writer.Flush()
	}
}

// readUpload 读取并校验一个可选的上传文件，字段不存在时返回 nil。
func (h *AgentHandler) readUpload(c *gin.Context, field string, kind service.DocumentKind) (*pipeline.Document, error) {
	fh, err := c.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", service.ErrUnsupportedFile, err)
	}
	if err := h.documentService.ValidateUpload(kind, fh.Filename, fh.Header.Get("Content-Type"), fh.Size); err != nil {
		return nil, err
	}
	data, err := readFileHeader(fh)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s 为空文件", service.ErrUnsupportedFile, fh.Filename)
	}
	log.Infof("[AgentHandler] 收到上传文件, field: %s, name: %s, size: %d", field, fh.Filename, len(data))
	return &pipeline.Document{Name: fh.Filename, Data: data}, nil
}

func (h *AgentHandler) badUpload(c *gin.Context, err error) {
	log.Warnf("[AgentHandler] 上传文件不合法: %v", err)
	if errors.Is(err, service.ErrUnsupportedFile) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
}

func readFileHeader(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("打开上传文件失败: %w", err)
	}
	defer f.Close()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, fmt.Errorf("读取上传文件失败: %w", err)
	}
	return buf.Bytes(), nil
}
