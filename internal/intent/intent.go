// Package intent maps free-form chat text to structured command intents and
// generates conversational replies.
package intent

import (
	"context"
	"encoding/json"

	"github.com/reelworks/reelgate/internal/domain"
)

// Intent is one classification result: a command name from the offered
// vocabulary, opaque parameters, and the classifier's confidence in [0,1].
type Intent struct {
	Command    string          `json:"command"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Confidence float64         `json:"confidence"`
}

// Classifier decides whether free text is a command. A nil Intent with nil
// error means "plain conversation". Errors degrade to the conversational
// path at the call site; they never fail the whole turn.
type Classifier interface {
	Classify(ctx context.Context, text string, vocabulary []string) (*Intent, error)
}

// ReplyGenerator produces the assistant reply for the conversational path.
type ReplyGenerator interface {
	Reply(ctx context.Context, history []*domain.ChatTurn, text string) (string, error)
}
