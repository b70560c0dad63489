package llm

import (
	"context"
	"doctrine-agent-go/internal/config"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func sseServer(t *testing.T, tokens []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		// 首个 delta 只有 role，没有内容
		fmt.Fprint(w, `data: {"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant"}}]}`+"\n\n")
		for _, tok := range tokens {
			fmt.Fprintf(w, `data: {"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":%q}}]}`+"\n\n", tok)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestOpenAIStream(t *testing.T) {
	srv := sseServer(t, []string{"Seven", " steps", "."})
	defer srv.Close()

	client, err := NewClient(context.Background(), config.LLMConfig{Provider: "openai", APIKey: "k", BaseURL: srv.URL, Model: "gpt-4", TimeoutSeconds: 5})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	msgs := []Message{{Role: RoleSystem, Content: "sys"}, {Role: RoleUser, Content: "q"}}
	stream, err := client.StreamChatMessages(context.Background(), msgs, nil)
	if err != nil {
		t.Fatalf("StreamChatMessages() error = %v", err)
	}
	answer, err := Drain(stream)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if answer != "Seven steps." {
		t.Errorf("answer = %q", answer)
	}
}

func TestOpenAIStreamQuotaError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"quota exceeded","type":"insufficient_quota"}}`))
	}))
	defer srv.Close()

	client, _ := NewClient(context.Background(), config.LLMConfig{Provider: "openai", BaseURL: srv.URL, TimeoutSeconds: 5})
	_, err := client.StreamChatMessages(context.Background(), []Message{{Role: RoleUser, Content: "q"}}, nil)
	if err == nil || !strings.Contains(err.Error(), "quota") {
		t.Fatalf("StreamChatMessages() error = %v, want quota error", err)
	}
}

func TestParamsFromConfig(t *testing.T) {
	if ParamsFromConfig(config.LLMGenerationConfig{}) != nil {
		t.Errorf("zero config should give nil params")
	}
	gp := ParamsFromConfig(config.LLMGenerationConfig{Temperature: 0.3, MaxTokens: 512})
	if gp == nil || gp.Temperature == nil || *gp.Temperature != 0.3 || gp.MaxTokens == nil || *gp.MaxTokens != 512 || gp.TopP != nil {
		t.Errorf("ParamsFromConfig() = %+v", gp)
	}
}

type sliceStream struct {
	tokens []string
	err    error
	closed bool
}

func (s *sliceStream) Recv() (string, error) {
	if len(s.tokens) == 0 {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	t := s.tokens[0]
	s.tokens = s.tokens[1:]
	return t, nil
}

func (s *sliceStream) Close() error { s.closed = true; return nil }

func TestDrain(t *testing.T) {
	s := &sliceStream{tokens: []string{"a", "b"}}
	got, err := Drain(s)
	if err != nil || got != "ab" {
		t.Errorf("Drain() = %q, %v", got, err)
	}
	if !s.closed {
		t.Errorf("Drain() did not close the stream")
	}

	failing := &sliceStream{tokens: []string{"partial"}, err: fmt.Errorf("connection reset")}
	got, err = Drain(failing)
	if err == nil || got != "partial" {
		t.Errorf("Drain() = %q, %v; want partial text and error", got, err)
	}
}
