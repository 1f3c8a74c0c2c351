package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"relaychat/internal/logging"
	"relaychat/internal/models"
)

const defaultClaudeMaxTokens = 3000

// Factory builds adapters from catalog descriptors.
type Factory interface {
	New(ctx context.Context, desc models.ProviderDescriptor, modelID string) (Adapter, error)
}

// FactoryFunc adapts a plain function to Factory.
type FactoryFunc func(ctx context.Context, desc models.ProviderDescriptor, modelID string) (Adapter, error)

func (f FactoryFunc) New(ctx context.Context, desc models.ProviderDescriptor, modelID string) (Adapter, error) {
	return f(ctx, desc, modelID)
}

// DefaultFactory dispatches on the descriptor kind. The web search tool set is
// built once and shared by every provider with web_search enabled.
type DefaultFactory struct {
	Logger *zap.Logger

	toolsOnce sync.Once
	tools     []tool.BaseTool
}

func (f *DefaultFactory) searchTools(ctx context.Context) []tool.BaseTool {
	f.toolsOnce.Do(func() {
		f.tools = WebSearchTools(context.WithoutCancel(ctx), logging.OrNop(f.Logger))
	})
	return f.tools
}

func (f *DefaultFactory) New(ctx context.Context, desc models.ProviderDescriptor, modelID string) (Adapter, error) {
	if desc.Kind == "openai_compat" {
		return NewOpenAICompatAdapter(desc.Name, desc.BaseURL, desc.APIKey, modelID, desc.MaxTokens), nil
	}

	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch desc.Kind {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: desc.BaseURL,
			Model:   modelID,
			APIKey:  desc.APIKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: desc.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("new gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelID,
		})
	case "claude":
		var baseURLPtr *string
		if desc.BaseURL != "" {
			baseURL := desc.BaseURL
			baseURLPtr = &baseURL
		}
		maxTokens := desc.MaxTokens
		if maxTokens <= 0 {
			maxTokens = defaultClaudeMaxTokens
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    desc.APIKey,
			Model:     modelID,
			BaseURL:   baseURLPtr,
			MaxTokens: maxTokens,
		})
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, desc.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", desc.Kind, err)
	}

	var tools []tool.BaseTool
	if desc.WebSearch {
		tools = f.searchTools(ctx)
	}
	return NewChatModelAdapter(ctx, desc.Name, chatModel, tools)
}
