package handler

import (
	"bufio"
	"bytes"
	"context"
	"doctrine-agent-go/internal/config"
	"doctrine-agent-go/internal/model"
	"doctrine-agent-go/internal/pipeline"
	"doctrine-agent-go/internal/service"
	"doctrine-agent-go/pkg/embedding/embeddingtest"
	"doctrine-agent-go/pkg/llm"
	"doctrine-agent-go/pkg/tasks"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type tokenStream struct{ tokens []string }

func (s *tokenStream) Recv() (string, error) {
	if len(s.tokens) == 0 {
		return "", io.EOF
	}
	tok := s.tokens[0]
	s.tokens = s.tokens[1:]
	return tok, nil
}

func (s *tokenStream) Close() error { return nil }

type scriptedLLM struct {
	tokens  []string
	openErr error
}

func (l *scriptedLLM) StreamChatMessages(context.Context, []llm.Message, *llm.GenerationParams) (llm.Stream, error) {
	if l.openErr != nil {
		return nil, l.openErr
	}
	return &tokenStream{tokens: append([]string(nil), l.tokens...)}, nil
}

type staticLoader map[string][]byte

func (l staticLoader) Load(_ context.Context, name string) ([]byte, error) {
	if b, ok := l[name]; ok {
		return b, nil
	}
	return nil, errors.New("not found: " + name)
}

type staticExtractor []string

func (e staticExtractor) ExtractPages(_ context.Context, r io.Reader, _ string) ([]string, error) {
	_, _ = io.Copy(io.Discard, r)
	return e, nil
}

type memoryQueryLogs struct {
	mu   sync.Mutex
	logs []tasks.QueryLogTask
}

func (m *memoryQueryLogs) Record(_ context.Context, task tasks.QueryLogTask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, task)
}

func (m *memoryQueryLogs) ListRecent(limit int) ([]model.QueryLogDTO, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.QueryLogDTO
	for i := len(m.logs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, model.QueryLogDTO{RequestID: m.logs[i].RequestID, Query: m.logs[i].Query, Status: m.logs[i].Status})
	}
	return out, nil
}

const testCSV = "category,field_label,required,instructions\n" +
	"Awards,Achievement Bullet,Yes,Start each bullet with an action verb\n"

type testServer struct {
	router *gin.Engine
	logs   *memoryQueryLogs
}

func newTestServer(t *testing.T, l *scriptedLLM, loader staticLoader) *testServer {
	t.Helper()
	cfg := config.Default()
	if loader == nil {
		loader = staticLoader{
			cfg.Documents.DefaultPDF: []byte("%PDF-default"),
			cfg.Documents.DefaultCSV: []byte(testCSV),
		}
	}
	extractor := staticExtractor{
		"The Military Decision Making Process is a seven step planning methodology.",
		"Signal officers manage communications.",
	}
	logs := &memoryQueryLogs{}
	documents := service.NewDocumentService(cfg.Documents, 1, loader, nil)
	agent := service.NewAgentService(
		documents,
		pipeline.NewProcessor(extractor, nil, cfg.Chunking, cfg.Embedding),
		service.NewRetrievalService(cfg.Retrieval, cfg.LLM.Prompt.NoResultText),
		embeddingtest.New(),
		l,
		logs,
		cfg.Retrieval.Memory,
		cfg.LLM,
	)

	r := gin.New()
	api := r.Group("/api")
	api.GET("/health", Health)
	agentHandler := NewAgentHandler(agent, documents, true)
	api.POST("/agent", agentHandler.Ask)
	api.GET("/agent/ws", NewChatHandler(agent).Handle)
	api.GET("/query-logs", NewQueryLogHandler(logs).ListRecent)
	return &testServer{router: r, logs: logs}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func jsonRequest(t *testing.T, target string, body interface{}) *http.Request {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// splitStream 把流式响应拆成首行元数据和其余的回答文本。
func splitStream(t *testing.T, body string) (metadataLine, string) {
	t.Helper()
	reader := bufio.NewReader(strings.NewReader(body))
	first, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("no metadata line in %q", body)
	}
	var meta metadataLine
	if err := json.Unmarshal([]byte(first), &meta); err != nil {
		t.Fatalf("metadata line %q: %v", first, err)
	}
	rest, _ := io.ReadAll(reader)
	return meta, string(rest)
}

func TestAskStreamsMetadataThenTokens(t *testing.T) {
	s := newTestServer(t, &scriptedLLM{tokens: []string{"MDMP ", "has ", "seven steps."}}, nil)

	w := s.do(jsonRequest(t, "/api/agent", gin.H{"query": "What are the steps in MDMP?"}))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}

	meta, answer := splitStream(t, w.Body.String())
	if meta.Type != "metadata" {
		t.Errorf("type = %q, want metadata", meta.Type)
	}
	if meta.Data.Source != model.SourceLabelPDF {
		t.Errorf("source = %q, want PDF", meta.Data.Source)
	}
	if meta.Data.TotalResults == 0 {
		t.Error("totalResults = 0")
	}
	if answer != "MDMP has seven steps." {
		t.Errorf("answer = %q", answer)
	}
}

func TestAskJSONMode(t *testing.T) {
	s := newTestServer(t, &scriptedLLM{tokens: []string{"Use ", "an action verb."}}, nil)

	w := s.do(jsonRequest(t, "/api/agent?stream=false", gin.H{"query": "How do I write an award bullet?"}))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp agentJSONResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Answer != "Use an action verb." {
		t.Errorf("answer = %q", resp.Answer)
	}
	if resp.Source == "" || resp.Source == model.SourceLabelError {
		t.Errorf("source = %q", resp.Source)
	}
	if resp.Context == "" {
		t.Error("context is empty")
	}
}

func TestAskBodyStreamFlag(t *testing.T) {
	s := newTestServer(t, &scriptedLLM{tokens: []string{"ok"}}, nil)

	w := s.do(jsonRequest(t, "/api/agent", gin.H{"query": "What is MDMP?", "stream": false}))
	if !strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		t.Errorf("Content-Type = %q, want JSON", w.Header().Get("Content-Type"))
	}
}

func TestAskRequiresQuery(t *testing.T) {
	s := newTestServer(t, &scriptedLLM{}, nil)

	for _, body := range []gin.H{{}, {"query": "   "}} {
		w := s.do(jsonRequest(t, "/api/agent", body))
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
		if !strings.Contains(w.Body.String(), `"error":"Query is required"`) {
			t.Errorf("body = %s", w.Body.String())
		}
	}
}

func TestAskGenerationFailureFallsBack(t *testing.T) {
	s := newTestServer(t, &scriptedLLM{openErr: errors.New("quota exceeded")}, nil)

	w := s.do(jsonRequest(t, "/api/agent", gin.H{"query": "What is MDMP?"}))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	meta, answer := splitStream(t, w.Body.String())
	if meta.Data.Source != model.SourceLabelError {
		t.Errorf("source = %q, want ERROR", meta.Data.Source)
	}
	if answer != config.Default().LLM.Prompt.ApologyText {
		t.Errorf("answer = %q, want apology", answer)
	}
}

func TestAskRetrievalFailure(t *testing.T) {
	s := newTestServer(t, &scriptedLLM{tokens: []string{"x"}}, staticLoader{})

	w := s.do(jsonRequest(t, "/api/agent", gin.H{"query": "What is MDMP?"}))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Internal server error") {
		t.Errorf("body = %s", w.Body.String())
	}
	if got := s.logs.logs[len(s.logs.logs)-1].Status; got != model.QueryStatusRetrievalFail {
		t.Errorf("logged status = %q", got)
	}
}

func multipartRequest(t *testing.T, query string, files map[string][2]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("query", query); err != nil {
		t.Fatal(err)
	}
	for field, f := range files {
		fw, err := mw.CreateFormFile(field, f[0])
		if err != nil {
			t.Fatal(err)
		}
		_, _ = fw.Write([]byte(f[1]))
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/agent?stream=false", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestAskMultipartUpload(t *testing.T) {
	s := newTestServer(t, &scriptedLLM{tokens: []string{"Fill in the field."}}, nil)

	csv := "category,field_label,required,instructions\nAwards,Award Justification,Yes,Describe the impact\n"
	w := s.do(multipartRequest(t, "What fields are required for the award form?", map[string][2]string{
		"csv": {"fields.csv", csv},
	}))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp agentJSONResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(resp.Context, "Award Justification") {
		t.Errorf("context %q does not come from the uploaded CSV", resp.Context)
	}
	if last := s.logs.logs[len(s.logs.logs)-1]; !last.Uploaded {
		t.Error("query log not marked as uploaded")
	}
}

func TestAskRejectsBadUpload(t *testing.T) {
	s := newTestServer(t, &scriptedLLM{}, nil)

	tests := []struct {
		name  string
		files map[string][2]string
	}{
		{"wrong extension", map[string][2]string{"pdf": {"manual.txt", "text"}}},
		{"empty file", map[string][2]string{"csv": {"fields.csv", ""}}},
		{"too large", map[string][2]string{"pdf": {"manual.pdf", strings.Repeat("x", 1<<20+1)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(multipartRequest(t, "What is MDMP?", tt.files))
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestQueryLogsEndpoint(t *testing.T) {
	s := newTestServer(t, &scriptedLLM{tokens: []string{"ok"}}, nil)
	s.do(jsonRequest(t, "/api/agent?stream=false", gin.H{"query": "What is MDMP?"}))

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/query-logs?limit=5", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Code int                 `json:"code"`
		Data []model.QueryLogDTO `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Data) != 1 || resp.Data[0].Query != "What is MDMP?" || resp.Data[0].Status != model.QueryStatusAnswered {
		t.Errorf("data = %+v", resp.Data)
	}

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/query-logs?limit=abc", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", w.Code)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &scriptedLLM{}, nil)
	w := s.do(httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Errorf("health = %d %s", w.Code, w.Body.String())
	}
}
