package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"

	"relaychat/internal/models"
)

// ChatModelAdapter serves any eino chat model (openai, claude, gemini). When
// tools are configured the calls go through a ReAct agent instead.
type ChatModelAdapter struct {
	name  string
	model model.ToolCallingChatModel
	agent *react.Agent
}

// NewChatModelAdapter wraps chatModel; a non-empty tools list enables the agent path.
func NewChatModelAdapter(ctx context.Context, name string, chatModel model.ToolCallingChatModel, tools []tool.BaseTool) (*ChatModelAdapter, error) {
	if chatModel == nil {
		return nil, errors.New("chat model is required")
	}
	a := &ChatModelAdapter{name: name, model: chatModel}
	if len(tools) > 0 {
		agent, err := react.NewAgent(ctx, &react.AgentConfig{
			ToolCallingModel: chatModel,
			ToolsConfig: compose.ToolsNodeConfig{
				Tools: tools,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("init react agent: %w", err)
		}
		a.agent = agent
	}
	return a, nil
}

func (a *ChatModelAdapter) Name() string { return a.name }

func (a *ChatModelAdapter) Generate(ctx context.Context, req *Request) (*Response, error) {
	msgs, err := toSchemaMessages(req)
	if err != nil {
		return nil, err
	}
	var out *schema.Message
	if a.agent != nil {
		out, err = a.agent.Generate(ctx, msgs)
	} else {
		out, err = a.model.Generate(ctx, msgs)
	}
	if err != nil {
		return nil, wrapError(a.name, err)
	}
	if out == nil {
		return nil, wrapError(a.name, ErrMalformedStream)
	}
	resp := &Response{Text: out.Content, Model: req.Model}
	if meta := out.ResponseMeta; meta != nil {
		resp.FinishReason = meta.FinishReason
		resp.Usage = usageFromMeta(meta)
	}
	return resp, nil
}

func (a *ChatModelAdapter) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	msgs, err := toSchemaMessages(req)
	if err != nil {
		return nil, err
	}
	var reader *schema.StreamReader[*schema.Message]
	if a.agent != nil {
		reader, err = a.agent.Stream(ctx, msgs)
	} else {
		reader, err = a.model.Stream(ctx, msgs)
	}
	if err != nil {
		return nil, wrapError(a.name, err)
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer reader.Close()

		finish := ""
		var usage *models.Usage
		for {
			msg, err := reader.Recv()
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
			if msg == nil {
				continue
			}
			if meta := msg.ResponseMeta; meta != nil {
				if meta.FinishReason != "" {
					finish = meta.FinishReason
				}
				if meta.Usage != nil {
					u := usageFromMeta(meta)
					usage = &u
				}
			}
			if msg.Content == "" {
				continue
			}
			if !send(ctx, out, Chunk{Delta: msg.Content}) {
				return
			}
		}
	}()
	return out, nil
}

func usageFromMeta(meta *schema.ResponseMeta) models.Usage {
	if meta == nil || meta.Usage == nil {
		return models.Usage{}
	}
	return models.Usage{
		PromptTokens:     meta.Usage.PromptTokens,
		CompletionTokens: meta.Usage.CompletionTokens,
		TotalTokens:      meta.Usage.TotalTokens,
	}
}

func toSchemaMessages(req *Request) ([]*schema.Message, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("request has no messages")
	}
	out := make([]*schema.Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		var role schema.RoleType
		switch msg.Role {
		case models.RoleUser:
			role = schema.User
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		sm := &schema.Message{Role: role, Content: msg.Content}
		if len(msg.Parts) > 0 {
			sm.Content = ""
			for _, part := range msg.Parts {
				switch part.Type {
				case PartText:
					sm.MultiContent = append(sm.MultiContent, schema.ChatMessagePart{
						Type: schema.ChatMessagePartTypeText,
						Text: part.Text,
					})
				case PartImage:
					sm.MultiContent = append(sm.MultiContent, schema.ChatMessagePart{
						Type: schema.ChatMessagePartTypeImageURL,
						ImageURL: &schema.ChatMessageImageURL{
							URL:      DataURI(part.MIMEType, part.Data),
							MIMEType: part.MIMEType,
						},
					})
				}
			}
		}
		out = append(out, sm)
	}
	return out, nil
}

// DataURI encodes image bytes as a data: URI.
func DataURI(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}
