package service

import (
	"context"
	"doctrine-agent-go/internal/config"
	"doctrine-agent-go/internal/model"
	"doctrine-agent-go/internal/pipeline"
	"doctrine-agent-go/pkg/embedding/embeddingtest"
	"doctrine-agent-go/pkg/llm"
	"doctrine-agent-go/pkg/tasks"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
)

type fakeStream struct {
	tokens []string
	err    error // 在 tokens 读完后返回
	closed bool
}

func (s *fakeStream) Recv() (string, error) {
	if len(s.tokens) == 0 {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	tok := s.tokens[0]
	s.tokens = s.tokens[1:]
	return tok, nil
}

func (s *fakeStream) Close() error { s.closed = true; return nil }

type fakeLLM struct {
	tokens  []string
	openErr error
	recvErr error

	messages []llm.Message
	stream   *fakeStream
}

func (f *fakeLLM) StreamChatMessages(_ context.Context, messages []llm.Message, _ *llm.GenerationParams) (llm.Stream, error) {
	f.messages = messages
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.stream = &fakeStream{tokens: append([]string(nil), f.tokens...), err: f.recvErr}
	return f.stream, nil
}

type recordingQueryLogs struct {
	mu    sync.Mutex
	tasks []tasks.QueryLogTask
}

func (r *recordingQueryLogs) Record(_ context.Context, task tasks.QueryLogTask) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
}

func (r *recordingQueryLogs) ListRecent(int) ([]model.QueryLogDTO, error) { return nil, nil }

func (r *recordingQueryLogs) last(t *testing.T) tasks.QueryLogTask {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tasks) == 0 {
		t.Fatal("no query log recorded")
	}
	return r.tasks[len(r.tasks)-1]
}

type pageExtractor []string

func (p pageExtractor) ExtractPages(_ context.Context, r io.Reader, _ string) ([]string, error) {
	_, _ = io.Copy(io.Discard, r)
	return p, nil
}

const agentTestCSV = "category,field_label,required,instructions\n" +
	"Awards,Achievement Bullet,Yes,Start each bullet with an action verb\n"

type agentFixture struct {
	svc      AgentService
	llm      *fakeLLM
	embedder *embeddingtest.Fake
	logs     *recordingQueryLogs
}

func newAgentFixture(t *testing.T, fl *fakeLLM) *agentFixture {
	t.Helper()
	cfg := config.Default()
	loader := &mapLoader{files: map[string][]byte{
		cfg.Documents.DefaultPDF: []byte("%PDF-default"),
		cfg.Documents.DefaultCSV: []byte(agentTestCSV),
	}}
	extractor := pageExtractor{
		"The Military Decision Making Process is a seven step planning methodology.",
		"Signal officers manage communications.",
	}
	emb := embeddingtest.New()
	logs := &recordingQueryLogs{}
	svc := NewAgentService(
		NewDocumentService(cfg.Documents, cfg.Server.MaxUploadMB, loader, nil),
		pipeline.NewProcessor(extractor, nil, cfg.Chunking, cfg.Embedding),
		NewRetrievalService(cfg.Retrieval, cfg.LLM.Prompt.NoResultText),
		emb,
		fl,
		logs,
		cfg.Retrieval.Memory,
		cfg.LLM,
	)
	return &agentFixture{svc: svc, llm: fl, embedder: emb, logs: logs}
}

func TestAskRequiresQuery(t *testing.T) {
	f := newAgentFixture(t, &fakeLLM{})
	if _, err := f.svc.Ask(context.Background(), AgentRequest{Query: "   "}); !errors.Is(err, ErrQueryRequired) {
		t.Fatalf("Ask() error = %v, want ErrQueryRequired", err)
	}
}

func TestAskStreamsAnswer(t *testing.T) {
	f := newAgentFixture(t, &fakeLLM{tokens: []string{"MDMP ", "has ", "seven steps."}})

	answer, err := f.svc.Ask(context.Background(), AgentRequest{RequestID: "req-1", Query: "What are the steps in MDMP?"})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if answer.Metadata.Source != model.SourceLabelPDF {
		t.Errorf("Source = %q, want PDF", answer.Metadata.Source)
	}
	if answer.Metadata.TotalResults == 0 {
		t.Errorf("TotalResults = 0")
	}

	var sb strings.Builder
	for {
		tok, err := answer.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		sb.WriteString(tok)
	}
	if sb.String() != "MDMP has seven steps." || answer.Answer() != sb.String() {
		t.Errorf("answer = %q", sb.String())
	}
	if err := answer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !f.llm.stream.closed {
		t.Errorf("llm stream not closed")
	}

	msgs := f.llm.messages
	if len(msgs) != 2 || msgs[0].Role != llm.RoleSystem || !strings.Contains(msgs[0].Content, "administrative NCO") {
		t.Fatalf("messages = %+v", msgs)
	}
	if !strings.Contains(msgs[1].Content, "Military Decision Making Process") ||
		!strings.Contains(msgs[1].Content, "Question: What are the steps in MDMP?") {
		t.Errorf("user prompt = %q", msgs[1].Content)
	}

	logged := f.logs.last(t)
	if logged.Status != model.QueryStatusAnswered || logged.RequestID != "req-1" || logged.Uploaded {
		t.Errorf("query log = %+v", logged)
	}
	if len(logged.ExpandedTerms) < 2 {
		t.Errorf("ExpandedTerms = %q", logged.ExpandedTerms)
	}

	turn := answer.Turn()
	if turn.Role != "assistant" || turn.Content != "MDMP has seven steps." || turn.SourceLabel != model.SourceLabelPDF {
		t.Errorf("Turn() = %+v", turn)
	}
}

func TestAskUsesFormFieldsForAwards(t *testing.T) {
	f := newAgentFixture(t, &fakeLLM{tokens: []string{"ok"}})
	answer, err := f.svc.Ask(context.Background(), AgentRequest{Query: "What fields are required for awards?"})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	defer answer.Close()
	if src := answer.Metadata.Source; src != model.SourceLabelBoth && src != model.SourceLabelCSV {
		t.Errorf("Source = %q, want CSV or BOTH", src)
	}
}

func TestAskGenerationFailureBeforeFirstToken(t *testing.T) {
	cases := []struct {
		name string
		llm  *fakeLLM
	}{
		{"open fails", &fakeLLM{openErr: errors.New("insufficient_quota")}},
		{"first recv fails", &fakeLLM{recvErr: errors.New("connection reset")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newAgentFixture(t, tc.llm)
			answer, err := f.svc.Ask(context.Background(), AgentRequest{Query: "What is MDMP?"})
			if err != nil {
				t.Fatalf("Ask() error = %v", err)
			}
			if answer.Metadata.Source != model.SourceLabelError || !answer.Failed() {
				t.Errorf("Source = %q, Failed = %v", answer.Metadata.Source, answer.Failed())
			}
			if got := answer.ReadAll(); got != config.Default().LLM.Prompt.ApologyText {
				t.Errorf("ReadAll() = %q", got)
			}
			_ = answer.Close()
			if st := f.logs.last(t).Status; st != model.QueryStatusGenerationFail {
				t.Errorf("logged status = %q", st)
			}
		})
	}
}

func TestAskGenerationFailureMidStream(t *testing.T) {
	f := newAgentFixture(t, &fakeLLM{tokens: []string{"partial"}, recvErr: errors.New("stream broke")})
	answer, err := f.svc.Ask(context.Background(), AgentRequest{Query: "What is MDMP?"})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if answer.Metadata.Source == model.SourceLabelError {
		t.Fatalf("failure after the first token should not change the initial metadata")
	}
	if got := answer.ReadAll(); got != config.Default().LLM.Prompt.ApologyText {
		t.Errorf("ReadAll() = %q, want apology", got)
	}
	if answer.Metadata.Source != model.SourceLabelError {
		t.Errorf("Source after ReadAll = %q, want ERROR", answer.Metadata.Source)
	}
	_ = answer.Close()
}

func TestAskRetrievalFailure(t *testing.T) {
	f := newAgentFixture(t, &fakeLLM{})
	f.embedder.FailOn = func(string) bool { return true }

	_, err := f.svc.Ask(context.Background(), AgentRequest{RequestID: "req-x", Query: "What is MDMP?"})
	var retrievalErr *RetrievalError
	if !errors.As(err, &retrievalErr) {
		t.Fatalf("Ask() error = %v, want *RetrievalError", err)
	}
	if f.llm.messages != nil {
		t.Errorf("llm called despite retrieval failure")
	}
	if st := f.logs.last(t).Status; st != model.QueryStatusRetrievalFail {
		t.Errorf("logged status = %q", st)
	}
}

func TestAskMarksUploads(t *testing.T) {
	f := newAgentFixture(t, &fakeLLM{tokens: []string{"ok"}})
	answer, err := f.svc.Ask(context.Background(), AgentRequest{
		Query: "What is MDMP?",
		PDF:   &pipeline.Document{Name: "upload.pdf", Data: []byte("%PDF-upload")},
	})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	answer.ReadAll()
	_ = answer.Close()
	_ = answer.Close()
	f.logs.mu.Lock()
	n := len(f.logs.tasks)
	f.logs.mu.Unlock()
	if n != 1 {
		t.Errorf("recorded %d logs, want 1 for repeated Close", n)
	}
	if !f.logs.last(t).Uploaded {
		t.Errorf("Uploaded = false for an uploaded PDF")
	}
}

func TestReadAllClosesAndRecordsOnce(t *testing.T) {
	f := newAgentFixture(t, &fakeLLM{tokens: []string{"MDMP ", "has ", "seven steps."}})
	answer, err := f.svc.Ask(context.Background(), AgentRequest{RequestID: "req-read", Query: "What is MDMP?"})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}

	if got := answer.ReadAll(); got != "MDMP has seven steps." {
		t.Errorf("ReadAll() = %q", got)
	}
	if !f.llm.stream.closed {
		t.Error("ReadAll() did not close the provider stream")
	}
	if st := f.logs.last(t).Status; st != model.QueryStatusAnswered {
		t.Errorf("logged status = %q, want answered", st)
	}

	_ = answer.Close()
	f.logs.mu.Lock()
	n := len(f.logs.tasks)
	f.logs.mu.Unlock()
	if n != 1 {
		t.Errorf("recorded %d logs, want 1", n)
	}
}
