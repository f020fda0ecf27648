package nexasync

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// ============================================================================
// Shared Types
// ============================================================================

// Resource names used by the client and the CLI.
const (
	ResourceMessages      = "messages"
	ResourceConversations = "conversations"
)

// Message is a row of the messages resource. StoreSender writes rows of
// this shape.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	SenderID       string          `json:"sender_id"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ParentID       *string         `json:"parent_id,omitempty"`
	TempID         string          `json:"temp_id,omitempty"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at,omitempty"`
}

// Content returns the text of a text message.
func (m Message) Content() string {
	return gjson.GetBytes(m.Payload, "content").String()
}

// Conversation is a row of the conversations resource.
type Conversation struct {
	ID            string `json:"id"`
	Type          string `json:"type"` // "direct" or "group"
	Title         string `json:"title,omitempty"`
	Pinned        bool   `json:"pinned"`
	UnreadCount   int    `json:"unread_count,omitempty"`
	LastMessageAt string `json:"last_message_at,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at,omitempty"`
}

func MessageID(m Message) string           { return m.ID }
func ConversationID(c Conversation) string { return c.ID }

// MessagesQuery is the newest-first page query of one conversation.
func MessagesQuery(conversationID string, pageSize int) Query {
	return Query{
		Resource: ResourceMessages,
		Filters:  Filters{Eq("conversation_id", conversationID)},
		Sort:     Sort{Field: "created_at", Desc: true},
		PageSize: pageSize,
	}
}

// ConversationsQuery lists conversations by recent activity.
func ConversationsQuery(pageSize int) Query {
	return Query{
		Resource: ResourceConversations,
		Sort:     Sort{Field: "last_message_at", Desc: true},
		PageSize: pageSize,
	}
}
