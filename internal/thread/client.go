// Package thread talks to the conversation-thread service: the chat-style
// message store the queue mirrors upload status into.
package thread

import (
	"context"

	"github.com/dmitrijs2005/medvoice/internal/models"
)

// Client is the queue's view of the conversation-thread service.
//
// CreateMessage and the final status update are required operations whose
// errors the queue surfaces; intermediate progress patches are best-effort
// and the queue swallows their failures.
type Client interface {
	// CreateMessage adds a message to the conversation and returns its id.
	CreateMessage(ctx context.Context, conversationID string, msg *models.ThreadMessage) (string, error)

	// UpdateMessageMetadata applies a partial metadata patch to a message.
	UpdateMessageMetadata(ctx context.Context, messageID string, patch map[string]any) error
}
