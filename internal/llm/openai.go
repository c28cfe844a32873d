package llm

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/models"
)

const (
	DefaultModel       = "gpt-4o-mini"
	DefaultTemperature = 0.7
)

// Config configures the OpenAI chat generator.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
}

// OpenAI streams chat completions.
type OpenAI struct {
	client      openai.Client
	model       string
	temperature float64
}

var _ Generator = (*OpenAI)(nil)

func NewOpenAI(cfg Config) *OpenAI {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	return &OpenAI{
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}
}

func (g *OpenAI) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(g.model),
		Messages:    toMessages(req),
		Temperature: openai.Float(g.temperature),
	}

	stream := g.client.Chat.Completions.NewStreaming(ctx, params)

	// The first event is read here so that connection and auth failures
	// surface as an error instead of a half-written stream.
	if !stream.Next() {
		err := stream.Err()
		stream.Close()
		if err != nil {
			return nil, apperr.E(apperr.ErrUpstream, "llm: stream", err)
		}
		out := make(chan Chunk)
		close(out)
		return out, nil
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer stream.Close()

		for {
			if text := deltaText(stream.Current()); text != "" {
				select {
				case out <- Chunk{Content: text}:
				case <-ctx.Done():
					return
				}
			}
			if !stream.Next() {
				break
			}
		}

		if err := stream.Err(); err != nil && ctx.Err() == nil {
			select {
			case out <- Chunk{Err: apperr.E(apperr.ErrUpstream, "llm: stream", err)}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

func deltaText(c openai.ChatCompletionChunk) string {
	if len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].Delta.Content
}

func toMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case models.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		case models.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	return msgs
}
