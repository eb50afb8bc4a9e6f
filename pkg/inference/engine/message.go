package engine

import "strings"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
	PartAudio PartType = "audio"
)

// Part is one structured content item of a message. Binary parts carry Data and a
// MediaType; text parts carry Text.
type Part struct {
	Type      PartType `json:"type" yaml:"type"`
	Text      string   `json:"text,omitempty" yaml:"text,omitempty"`
	Data      []byte   `json:"data,omitempty" yaml:"data,omitempty"`
	MediaType string   `json:"media_type,omitempty" yaml:"media_type,omitempty"`
	Name      string   `json:"name,omitempty" yaml:"name,omitempty"`
}

// Message is one conversation turn. Content holds the plain text; Parts is set only for
// turns that carry attachments.
type Message struct {
	Role    Role   `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
	Parts   []Part `json:"parts,omitempty" yaml:"parts,omitempty"`
}

func NewTextMessage(role Role, content string) Message {
	return Message{Role: role, Content: content}
}

func (m Message) HasParts() bool {
	return len(m.Parts) > 0
}

// Text returns Content, falling back to the concatenated text parts.
func (m Message) Text() string {
	if m.Content != "" || len(m.Parts) == 0 {
		return m.Content
	}
	texts := make([]string, 0, len(m.Parts))
	for _, p := range m.Parts {
		if p.Type == PartText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// StructuredParts returns the message as discrete items, wrapping plain content into a
// single text part.
func (m Message) StructuredParts() []Part {
	if len(m.Parts) > 0 {
		return append([]Part(nil), m.Parts...)
	}
	return []Part{{Type: PartText, Text: m.Content}}
}

// HasAttachments reports whether any message carries structured parts.
func HasAttachments(msgs []Message) bool {
	for _, m := range msgs {
		if m.HasParts() {
			return true
		}
	}
	return false
}

// FormatPrompt flattens messages into "role: content" lines.
func FormatPrompt(msgs []Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, string(m.Role)+": "+m.Text())
	}
	return strings.Join(lines, "\n")
}
