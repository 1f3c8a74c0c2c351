package turn

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"relaychat/internal/models"
	"relaychat/internal/service/provider"
)

const (
	titleRunes     = 40
	fallbackTitle  = "New Conversation"
	imageOnlyTitle = "Image"
)

const titlePrompt = "You are a conversation title generator. " +
	"Based on the dialogue between the user and the AI, generate a concise and accurate title for the conversation. " +
	"The title should be within 10 words and summarize the main topic of the conversation. " +
	"Output only the title; do not include any additional content."

// defaultTitle derives a title from the first message of a conversation.
func defaultTitle(text string, hasImages bool) string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		if hasImages {
			return imageOnlyTitle
		}
		return fallbackTitle
	}
	runes := []rune(text)
	if len(runes) > titleRunes {
		return string(runes[:titleRunes])
	}
	return text
}

// refineTitle asks the title model for a better title. Failures keep the
// derived title.
func (o *Orchestrator) refineTitle(ctx context.Context, t *Turn, reply string) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.TitleTimeout)
	defer cancel()
	log := o.logger.With(zap.String("conversation_id", t.ConversationID), zap.String("title_model", o.opts.TitleModel))

	adapter, desc, err := o.router.Resolve(ctx, o.opts.TitleModel)
	if err != nil {
		log.Warn("resolve title model failed", zap.Error(err))
		return
	}
	conversationText := fmt.Sprintf("User: %s\nAssistant: %s\n", t.userContent, reply)
	resp, err := adapter.Generate(ctx, &provider.Request{
		Model: desc.ID,
		Messages: []provider.Message{
			{Role: models.RoleSystem, Content: titlePrompt},
			{Role: models.RoleUser, Content: "Please generate a clean title using following conversation messages:\n\n" + conversationText},
		},
		MaxTokens: 64,
	})
	if err != nil {
		log.Warn("generate title failed", zap.Error(err))
		return
	}
	title := strings.Trim(strings.TrimSpace(resp.Text), `"'`)
	if title == "" {
		return
	}
	title = defaultTitle(title, false)
	if err := o.convs.UpdateTitle(ctx, t.UserID, t.ConversationID, title); err != nil {
		log.Warn("update title failed", zap.Error(err))
		return
	}
	log.Debug("conversation titled", zap.String("title", title))
}
