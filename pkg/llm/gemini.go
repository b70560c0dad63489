package llm

import (
	"context"
	"doctrine-agent-go/internal/config"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const defaultGeminiChatModel = "gemini-1.5-flash-latest"

type geminiClient struct {
	cfg    config.LLMConfig
	client *genai.Client
}

func newGeminiClient(ctx context.Context, cfg config.LLMConfig) (*geminiClient, error) {
	if cfg.Model == "" {
		cfg.Model = defaultGeminiChatModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &geminiClient{cfg: cfg, client: client}, nil
}

// StreamChatMessages maps system messages to the system instruction and the
// remaining turns to a chat session; the last message must come from the user.
func (c *geminiClient) StreamChatMessages(ctx context.Context, messages []Message, gen *GenerationParams) (Stream, error) {
	model := c.client.GenerativeModel(c.cfg.Model)
	if gen != nil {
		if gen.Temperature != nil {
			model.SetTemperature(float32(*gen.Temperature))
		}
		if gen.TopP != nil {
			model.SetTopP(float32(*gen.TopP))
		}
		if gen.MaxTokens != nil {
			model.SetMaxOutputTokens(int32(*gen.MaxTokens))
		}
	}

	var system []string
	var history []*genai.Content
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			history = append(history, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(m.Content)}})
		default:
			history = append(history, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(m.Content)}})
		}
	}
	if len(history) == 0 || history[len(history)-1].Role != "user" {
		return nil, errors.New("last message in history is not from 'user'")
	}
	if len(system) > 0 {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(strings.Join(system, "\n\n"))}}
	}

	session := model.StartChat()
	session.History = history[:len(history)-1]
	last := history[len(history)-1]
	it := session.SendMessageStream(ctx, last.Parts...)

	// 先取第一块，让鉴权/配额类错误在建立阶段就暴露出来
	first, err := nextText(it)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("gemini chat stream failed: %w", err)
	}
	return &geminiStream{it: it, pending: first, pendingErr: err}, nil
}

type geminiStream struct {
	it         *genai.GenerateContentResponseIterator
	pending    string
	pendingErr error
	started    bool
}

func (s *geminiStream) Recv() (string, error) {
	if !s.started {
		s.started = true
		if s.pendingErr != nil {
			return "", s.pendingErr
		}
		if s.pending != "" {
			return s.pending, nil
		}
	}
	return nextText(s.it)
}

func (s *geminiStream) Close() error { return nil }

// nextText returns the text of the next non-empty response, io.EOF when done.
func nextText(it *genai.GenerateContentResponseIterator) (string, error) {
	for {
		resp, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return "", io.EOF
		}
		if err != nil {
			return "", err
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		var sb strings.Builder
		for _, part := range resp.Candidates[0].Content.Parts {
			if txt, ok := part.(genai.Text); ok {
				sb.WriteString(string(txt))
			}
		}
		if sb.Len() > 0 {
			return sb.String(), nil
		}
	}
}

// Close releases the underlying gRPC connection.
func (c *geminiClient) Close() error {
	return c.client.Close()
}
