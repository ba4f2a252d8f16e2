// Package title names a conversation from its first user message.
package title

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"

	"foundry/internal/models"
)

const systemPrompt = `Generate a short, descriptive title for a chat based on the initial message.
Do not add quotes.`

type Generator interface {
	Title(ctx context.Context, initialMessage string) (string, error)
}

// Remote asks the agent service, which owns the title model.
type Remote struct {
	client interface {
		GenerateTitle(ctx context.Context, initialMessage string) (string, error)
	}
}

func NewRemote(client interface {
	GenerateTitle(ctx context.Context, initialMessage string) (string, error)
}) *Remote {
	return &Remote{client: client}
}

func (r *Remote) Title(ctx context.Context, initialMessage string) (string, error) {
	return r.client.GenerateTitle(ctx, initialMessage)
}

// OpenAI calls an OpenAI-compatible chat completion endpoint directly.
type OpenAI struct {
	client openai.Client
	model  string
}

func NewOpenAI(apiKey, baseURL, model string, opts ...option.RequestOption) *OpenAI {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	reqOpts = append(reqOpts, opts...)
	return &OpenAI{client: openai.NewClient(reqOpts...), model: model}
}

func (o *OpenAI) Title(ctx context.Context, initialMessage string) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: o.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(initialMessage),
		},
		Temperature:         openai.Float(0.7),
		MaxCompletionTokens: openai.Int(100),
	})
	if err != nil {
		return "", fmt.Errorf("title completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("title completion: empty response from model")
	}
	return Clean(resp.Choices[0].Message.Content), nil
}

// Clean trims whitespace and surrounding quotes and keeps the first line.
func Clean(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	s = strings.Trim(s, "\"'`")
	return strings.TrimSpace(s)
}

type fallback struct {
	next Generator
	log  *zap.SugaredLogger
}

// WithFallback never fails: errors and blank titles become DefaultTitle.
func WithFallback(next Generator, log *zap.SugaredLogger) Generator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &fallback{next: next, log: log}
}

func (f *fallback) Title(ctx context.Context, initialMessage string) (string, error) {
	if f.next == nil {
		return models.DefaultTitle, nil
	}
	t, err := f.next.Title(ctx, initialMessage)
	if err != nil {
		f.log.Warnw("title generation failed, using default", "error", err)
		return models.DefaultTitle, nil
	}
	if t = Clean(t); t == "" {
		return models.DefaultTitle, nil
	}
	return t, nil
}
