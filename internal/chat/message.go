// Package chat drives streamed chat turns against an inference endpoint and
// keeps the resulting conversation.
package chat

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kalambet/lmdesk/internal/inference"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry of a conversation. It is not modified after it has been
// appended.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Images    []string  `json:"images,omitempty"`
}

// NewMessage returns a message with a fresh ID stamped at now.
func NewMessage(role Role, content string, now time.Time, images ...string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: now,
		Images:    images,
	}
}

const titleRunes = 50

// Title derives a session title from the first user message.
func Title(msgs []Message) string {
	for _, m := range msgs {
		if m.Role != RoleUser {
			continue
		}
		s := strings.TrimSpace(m.Content)
		if utf8.RuneCountInString(s) <= titleRunes {
			return s
		}
		return string([]rune(s)[:titleRunes]) + "..."
	}
	return "New Chat"
}

// wire converts a conversation to the upstream message format. Messages that
// carry images become multimodal content.
func wire(msgs []Message) []inference.Message {
	out := make([]inference.Message, 0, len(msgs))
	for _, m := range msgs {
		if len(m.Images) == 0 {
			out = append(out, inference.Message{Role: string(m.Role), Content: m.Content})
			continue
		}
		parts := make([]inference.ContentPart, 0, len(m.Images)+1)
		parts = append(parts, inference.ContentPart{Type: "text", Text: m.Content})
		for _, img := range m.Images {
			parts = append(parts, inference.ContentPart{Type: "image_url", ImageURL: &inference.ImageURL{URL: img}})
		}
		out = append(out, inference.Message{Role: string(m.Role), Content: parts})
	}
	return out
}
