package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/reelworks/reelgate/internal/config"
	"github.com/reelworks/reelgate/internal/domain"
)

const classifySystemPrompt = `You classify a video assistant user's message.
Known commands: {commands}.
If the message asks for one of these commands, answer with JSON only:
{{"command": "<name>", "parameters": {{...}}, "confidence": <0..1>}}
If it is plain conversation, answer with JSON only: {{"command": "", "confidence": 0}}.`

const replySystemPrompt = `You are the assistant of a video editing workspace.
Answer briefly and helpfully. You cannot run commands in this reply; if the
user seems to want an edit, ask what exactly they need.`

const historyLimit = 10

// LLMService implements Classifier and ReplyGenerator on one Ark chat model
// behind two eino chains.
type LLMService struct {
	chatModel model.ChatModel
	classify  compose.Runnable[map[string]any, *schema.Message]
	reply     compose.Runnable[map[string]any, *schema.Message]
}

// NewLLMService builds the classification and reply chains.
func NewLLMService(ctx context.Context, cfg config.AIConfig) (*LLMService, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("ark credentials missing: ARK_API_KEY and ARK_MODEL are required")
	}

	chatModel, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL:     cfg.BaseURL,
		Region:      cfg.Region,
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("create chat model: %w", err)
	}

	classify, err := compileChain(ctx, chatModel, prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(classifySystemPrompt),
		schema.UserMessage("{query}"),
	))
	if err != nil {
		return nil, fmt.Errorf("compile classify chain: %w", err)
	}

	reply, err := compileChain(ctx, chatModel, prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(replySystemPrompt),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	))
	if err != nil {
		return nil, fmt.Errorf("compile reply chain: %w", err)
	}

	return &LLMService{chatModel: chatModel, classify: classify, reply: reply}, nil
}

func compileChain(ctx context.Context, chatModel model.ChatModel, tpl prompt.ChatTemplate) (compose.Runnable[map[string]any, *schema.Message], error) {
	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(tpl)
	chain.AppendChatModel(chatModel)
	return chain.Compile(ctx)
}

// Classify asks the model whether the text is a command from the vocabulary.
func (s *LLMService) Classify(ctx context.Context, text string, vocabulary []string) (*Intent, error) {
	out, err := s.classify.Invoke(ctx, map[string]any{
		"commands": strings.Join(vocabulary, ", "),
		"query":    text,
	})
	if err != nil {
		return nil, fmt.Errorf("run classify chain: %w", err)
	}

	intent, err := parseIntent(out.Content)
	if err != nil {
		return nil, fmt.Errorf("parse classifier output: %w", err)
	}
	if intent.Command == "" {
		return nil, nil
	}
	return intent, nil
}

// Reply generates the conversational answer for the fallback path.
func (s *LLMService) Reply(ctx context.Context, history []*domain.ChatTurn, text string) (string, error) {
	out, err := s.reply.Invoke(ctx, map[string]any{
		"history": historyMessages(history),
		"query":   text,
	})
	if err != nil {
		return "", fmt.Errorf("run reply chain: %w", err)
	}
	return out.Content, nil
}

func historyMessages(history []*domain.ChatTurn) []*schema.Message {
	start := 0
	if len(history) > historyLimit {
		start = len(history) - historyLimit
	}

	msgs := make([]*schema.Message, 0, len(history)-start)
	for _, turn := range history[start:] {
		switch turn.Role {
		case domain.RoleUser:
			msgs = append(msgs, schema.UserMessage(turn.Body))
		case domain.RoleAssistant:
			msgs = append(msgs, schema.AssistantMessage(turn.Body, nil))
		}
	}
	return msgs
}

// parseIntent extracts the JSON object from a model answer. Models sometimes
// wrap JSON in code fences or prose; take the outermost braces.
func parseIntent(content string) (*Intent, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		slog.Warn("classifier returned no JSON object", "content_length", len(content))
		return nil, fmt.Errorf("no JSON object in model output")
	}

	var intent Intent
	if err := json.Unmarshal([]byte(content[start:end+1]), &intent); err != nil {
		return nil, fmt.Errorf("decode intent JSON: %w", err)
	}
	if intent.Confidence < 0 {
		intent.Confidence = 0
	}
	if intent.Confidence > 1 {
		intent.Confidence = 1
	}
	return &intent, nil
}
