package intent

import (
	"context"

	"github.com/reelworks/reelgate/internal/domain"
)

// DisabledClassifier is used when no model is configured: everything is
// conversation, nothing is a command.
type DisabledClassifier struct{}

// Classify always reports plain conversation.
func (DisabledClassifier) Classify(_ context.Context, _ string, _ []string) (*Intent, error) {
	return nil, nil
}

// StaticReplyGenerator answers with a fixed message. Used as the reply
// fallback when the model is unconfigured or a reply times out.
type StaticReplyGenerator struct {
	Message string
}

// DefaultFallbackReply is sent when no better reply can be produced.
const DefaultFallbackReply = "I can't reach the assistant right now, but your message was saved. Please try again in a moment."

// Reply returns the configured static message.
func (g StaticReplyGenerator) Reply(_ context.Context, _ []*domain.ChatTurn, _ string) (string, error) {
	if g.Message == "" {
		return DefaultFallbackReply, nil
	}
	return g.Message, nil
}
