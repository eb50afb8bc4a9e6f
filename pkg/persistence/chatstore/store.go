package chatstore

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/nano-chat/pkg/inference/engine"
)

// DefaultTitle is the title of a conversation until a derived one is stored.
const DefaultTitle = "New Chat"

var ErrConversationNotFound = errors.New("conversation not found")

// ConversationRecord is the metadata of one stored conversation.
type ConversationRecord struct {
	ID           string    `json:"id" yaml:"id"`
	Title        string    `json:"title" yaml:"title"`
	CreatedAt    time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" yaml:"updated_at"`
	MessageCount int       `json:"message_count" yaml:"message_count"`
}

// Store persists conversations and their ordered messages. Message indexes are 0-based
// and dense.
type Store interface {
	CreateConversation(ctx context.Context, title string) (ConversationRecord, error)
	GetConversation(ctx context.Context, convID string) (ConversationRecord, bool, error)
	// ListConversations returns the most recently updated conversations first.
	ListConversations(ctx context.Context, limit int) ([]ConversationRecord, error)
	RenameConversation(ctx context.Context, convID string, title string) error
	DeleteConversation(ctx context.Context, convID string) error

	AddMessage(ctx context.Context, convID string, msg engine.Message) (int, error)
	Messages(ctx context.Context, convID string) ([]engine.Message, error)
	// UpdateMessage replaces the text of the message at index and drops every later
	// message.
	UpdateMessage(ctx context.Context, convID string, index int, content string) error
	// TruncateMessages keeps the first keep messages.
	TruncateMessages(ctx context.Context, convID string, keep int) error
	Close() error
}

// editMessage returns msg with its typed text replaced by content. Attached files, binary
// or text, survive.
func editMessage(msg engine.Message, content string) engine.Message {
	out := engine.Message{Role: msg.Role, Content: content}
	if !msg.HasParts() {
		return out
	}
	out.Parts = append(out.Parts, engine.Part{Type: engine.PartText, Text: content})
	for _, p := range msg.Parts {
		if p.Type != engine.PartText || p.Name != "" {
			out.Parts = append(out.Parts, p)
		}
	}
	return out
}

func normalizeTitle(title string) string {
	if title == "" {
		return DefaultTitle
	}
	return title
}
