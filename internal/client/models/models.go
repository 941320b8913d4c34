package models

import (
	"encoding/json"
	"strings"
	"time"
)

type MessageType string

const (
	TypeText  MessageType = "TEXT"
	TypeImage MessageType = "IMAGE"
)

type ReadState int

const (
	Unread ReadState = iota
	Read
)

func (s ReadState) String() string {
	if s == Read {
		return "READ"
	}
	return "UNREAD"
}

// Principal is the authenticated user for the lifetime of a session.
type Principal struct {
	ID          int64  `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"fullName,omitempty"`
	AvatarRef   string `json:"avatarUrl,omitempty"`
}

// Name returns the display name, or the username when none is set.
func (p Principal) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Username
}

type Conversation struct {
	ConversationID     *int64     `json:"conversationId,omitempty"`
	OtherUserID        int64      `json:"otherUserId"`
	OtherUsername      string     `json:"otherUsername"`
	OtherDisplayName   string     `json:"otherUserFullName,omitempty"`
	OtherAvatarRef     string     `json:"otherUserAvatar,omitempty"`
	LastMessagePreview string     `json:"lastMessagePreview"`
	LastMessageTime    *time.Time `json:"lastMessageTime,omitempty"`
	UnreadCount        int        `json:"unreadCount"`
}

// Title is the label shown for the counterpart.
func (c Conversation) Title() string {
	if c.OtherDisplayName != "" {
		return c.OtherDisplayName
	}
	return c.OtherUsername
}

func (c *Conversation) UnmarshalJSON(data []byte) error {
	type alias Conversation
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	if a.UnreadCount < 0 {
		a.UnreadCount = 0
	}
	*c = Conversation(a)
	return nil
}

type Message struct {
	ID             *int64      `json:"id,omitempty"`
	SenderID       int64       `json:"senderId"`
	SenderUsername string      `json:"senderUsername,omitempty"`
	SenderAvatar   string      `json:"senderAvatar,omitempty"`
	ReceiverID     int64       `json:"receiverId"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	AttachmentRef  string      `json:"attachmentUrl,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	ReadState      ReadState   `json:"-"`
}

type messageWire struct {
	ID             *int64      `json:"id,omitempty"`
	SenderID       int64       `json:"senderId"`
	SenderUsername string      `json:"senderUsername,omitempty"`
	SenderAvatar   string      `json:"senderAvatar,omitempty"`
	ReceiverID     int64       `json:"receiverId"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	AttachmentRef  string      `json:"attachmentUrl,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	IsRead         bool        `json:"isRead"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(messageWire{
		ID:             m.ID,
		SenderID:       m.SenderID,
		SenderUsername: m.SenderUsername,
		SenderAvatar:   m.SenderAvatar,
		ReceiverID:     m.ReceiverID,
		Content:        m.Content,
		Type:           m.Type,
		AttachmentRef:  m.AttachmentRef,
		CreatedAt:      m.CreatedAt,
		IsRead:         m.ReadState == Read,
	})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w messageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message{
		ID:             w.ID,
		SenderID:       w.SenderID,
		SenderUsername: w.SenderUsername,
		SenderAvatar:   w.SenderAvatar,
		ReceiverID:     w.ReceiverID,
		Content:        w.Content,
		Type:           normalizeType(w.Type),
		AttachmentRef:  w.AttachmentRef,
		CreatedAt:      w.CreatedAt,
	}
	if w.IsRead {
		m.ReadState = Read
	}
	return nil
}

// Share types carry their text in content and render as plain text.
func normalizeType(t MessageType) MessageType {
	switch MessageType(strings.ToUpper(string(t))) {
	case TypeImage:
		return TypeImage
	default:
		return TypeText
	}
}

// HasID reports whether the store has assigned an identity.
func (m Message) HasID() bool {
	return m.ID != nil
}

// Counterpart returns the non-principal side of the message.
func (m Message) Counterpart(principalID int64) int64 {
	if m.SenderID == principalID {
		return m.ReceiverID
	}
	return m.SenderID
}

// SendRequest is the body of POST /api/chat/send.
type SendRequest struct {
	ReceiverID    int64       `json:"receiverId"`
	Content       string      `json:"content"`
	Type          MessageType `json:"type"`
	AttachmentRef string      `json:"attachmentUrl,omitempty"`
}

// Valid reports whether the request satisfies the TEXT/IMAGE attachment rules.
func (r SendRequest) Valid() bool {
	switch r.Type {
	case TypeText:
		return r.AttachmentRef == "" && strings.TrimSpace(r.Content) != ""
	case TypeImage:
		return r.AttachmentRef != ""
	default:
		return false
	}
}

// ErrorBody is the JSON error envelope returned by the store.
type ErrorBody struct {
	Message string `json:"message"`
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 {
	return &v
}
