package provider

import (
	"context"
	"errors"
	"io"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"relaychat/internal/models"
)

// OpenAICompatAdapter calls any OpenAI-compatible /chat/completions endpoint
// (vLLM, LiteLLM, LocalAI, OpenRouter, ...).
type OpenAICompatAdapter struct {
	name      string
	model     string
	maxTokens int
	client    *goopenai.Client
}

// NewOpenAICompatAdapter builds the adapter. baseURL should include the /v1 prefix.
func NewOpenAICompatAdapter(name, baseURL, apiKey, modelID string, maxTokens int) *OpenAICompatAdapter {
	cfg := goopenai.DefaultConfig(strings.TrimSpace(apiKey))
	if baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/"); baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAICompatAdapter{
		name:      name,
		model:     modelID,
		maxTokens: maxTokens,
		client:    goopenai.NewClientWithConfig(cfg),
	}
}

func (a *OpenAICompatAdapter) Name() string { return a.name }

func (a *OpenAICompatAdapter) Generate(ctx context.Context, req *Request) (*Response, error) {
	chatReq, err := a.buildRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, wrapError(a.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, wrapError(a.name, ErrMalformedStream)
	}
	return &Response{
		Text:         resp.Choices[0].Message.Content,
		Model:        resp.Model,
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage: models.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func (a *OpenAICompatAdapter) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	chatReq, err := a.buildRequest(req)
	if err != nil {
		return nil, err
	}
	chatReq.Stream = true
	chatReq.StreamOptions = &goopenai.StreamOptions{IncludeUsage: true}

	stream, err := a.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, wrapError(a.name, err)
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer stream.Close()

		finish := ""
		var usage *models.Usage
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				if finish == "" {
					finish = "stop"
				}
				send(ctx, out, Chunk{FinishReason: finish, Usage: usage})
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				send(ctx, out, Chunk{Err: wrapError(a.name, err)})
				return
			}
			if resp.Usage != nil {
				usage = &models.Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				}
			}
			// the usage-only trailer has no choices
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]
			if choice.FinishReason != "" {
				finish = string(choice.FinishReason)
			}
			if choice.Delta.Content == "" {
				continue
			}
			if !send(ctx, out, Chunk{Delta: choice.Delta.Content}) {
				return
			}
		}
	}()
	return out, nil
}

func (a *OpenAICompatAdapter) buildRequest(req *Request) (goopenai.ChatCompletionRequest, error) {
	if req == nil || len(req.Messages) == 0 {
		return goopenai.ChatCompletionRequest{}, errors.New("request has no messages")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = a.model
	}
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		cm := goopenai.ChatCompletionMessage{Role: string(m.Role)}
		if len(m.Parts) == 0 {
			cm.Content = m.Content
		} else {
			for _, part := range m.Parts {
				switch part.Type {
				case PartText:
					cm.MultiContent = append(cm.MultiContent, goopenai.ChatMessagePart{
						Type: goopenai.ChatMessagePartTypeText,
						Text: part.Text,
					})
				case PartImage:
					cm.MultiContent = append(cm.MultiContent, goopenai.ChatMessagePart{
						Type: goopenai.ChatMessagePartTypeImageURL,
						ImageURL: &goopenai.ChatMessageImageURL{
							URL:    DataURI(part.MIMEType, part.Data),
							Detail: goopenai.ImageURLDetailAuto,
						},
					})
				}
			}
		}
		msgs = append(msgs, cm)
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = a.maxTokens
	}
	return goopenai.ChatCompletionRequest{
		Model:               modelID,
		Messages:            msgs,
		MaxCompletionTokens: maxTokens,
	}, nil
}
