package models

import (
	"encoding/json"
	"strings"
	"time"
)

type User struct {
	ID             string    `json:"id" db:"id"`
	Username       string    `json:"username" db:"username"`
	Password       string    `json:"-" db:"password"`
	DisplayName    string    `json:"display_name" db:"display_name"`
	Avatar         string    `json:"avatar" db:"avatar"`
	OrganizationID string    `json:"organization_id" db:"organization_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Profile is the denormalized subset of a user needed to render a sender
// or conversation member.
type Profile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

type Conversation struct {
	ID                 string    `json:"id" db:"id"`
	IsGroup            bool      `json:"is_group" db:"is_group"`
	Name               string    `json:"name,omitempty" db:"name"`
	CreatedBy          string    `json:"created_by" db:"created_by"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
	LastMessageAt      time.Time `json:"last_message_at" db:"last_message_at"`
	LastMessagePreview string    `json:"last_message_preview" db:"last_message_preview"`
}

// Member roles.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Member is a membership row. A row is active while LeftAt is nil.
type Member struct {
	ConversationID string     `json:"conversation_id" db:"conversation_id"`
	UserID         string     `json:"user_id" db:"user_id"`
	Role           string     `json:"role" db:"role"`
	LastReadAt     time.Time  `json:"last_read_at" db:"last_read_at"`
	IsPinned       bool       `json:"is_pinned" db:"is_pinned"`
	IsArchived     bool       `json:"is_archived" db:"is_archived"`
	IsMuted        bool       `json:"is_muted" db:"is_muted"`
	JoinedAt       time.Time  `json:"joined_at" db:"joined_at"`
	LeftAt         *time.Time `json:"left_at,omitempty" db:"left_at"`
}

// ConversationView is a conversation as seen by one viewer: the viewer's
// own membership row plus every active member.
type ConversationView struct {
	Conversation Conversation `json:"conversation"`
	Membership   Member       `json:"membership"`
	Members      []Member     `json:"members"`
}

// MembershipPatch carries the per-viewer flags a client may change. Nil
// fields are left untouched.
type MembershipPatch struct {
	IsPinned   *bool `json:"is_pinned,omitempty"`
	IsArchived *bool `json:"is_archived,omitempty"`
	IsMuted    *bool `json:"is_muted,omitempty"`
}

// Message types.
const (
	MessageText = "text"
	MessageFile = "file"
)

type FileMeta struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type,omitempty"`
}

type Message struct {
	ID             string     `json:"id" db:"id"`
	ClientID       string     `json:"client_id,omitempty" db:"client_id"`
	ConversationID string     `json:"conversation_id" db:"conversation_id"`
	SenderID       string     `json:"sender_id" db:"sender_id"`
	Content        string     `json:"content" db:"content"`
	MessageType    string     `json:"message_type" db:"message_type"`
	File           *FileMeta  `json:"file,omitempty"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	IsEdited       bool       `json:"is_edited" db:"is_edited"`
	IsDeleted      bool       `json:"is_deleted" db:"is_deleted"`
	Reactions      []Reaction `json:"reactions,omitempty"`
}

type Reaction struct {
	ID        string    `json:"id" db:"id"`
	MessageID string    `json:"message_id" db:"message_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Emoji     string    `json:"emoji" db:"emoji"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type TypingState struct {
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	UserID         string    `json:"user_id" db:"user_id"`
	DisplayName    string    `json:"display_name" db:"display_name"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Change-feed tables.
const (
	TableMessages  = "messages"
	TableTyping    = "typing_state"
	TableReactions = "message_reactions"
)

// Change-feed operations.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// OpReady opens every feed connection. Events published after the server
// sends it reach the connection.
const OpReady = "ready"

// ChangeEvent is one row change delivered on the realtime feed. Row holds
// the table's row encoding; for deletes it carries at least the key columns.
type ChangeEvent struct {
	Table     string          `json:"table"`
	Operation string          `json:"operation"`
	Row       json.RawMessage `json:"row"`
}

// NewChangeEvent encodes row into a ChangeEvent.
func NewChangeEvent(table, operation string, row any) (ChangeEvent, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return ChangeEvent{}, err
	}
	return ChangeEvent{Table: table, Operation: operation, Row: data}, nil
}

// MessageNotification is handed to the notification dispatcher after a
// successful send.
type MessageNotification struct {
	SenderID         string `json:"sender_id"`
	SenderName       string `json:"sender_name"`
	ConversationID   string `json:"conversation_id"`
	ConversationName string `json:"conversation_name"`
	IsGroup          bool   `json:"is_group"`
	Preview          string `json:"preview"`
}

// Request/Response structures
type RegisterRequest struct {
	Username       string `json:"username"`
	Password       string `json:"password"`
	DisplayName    string `json:"display_name"`
	Avatar         string `json:"avatar"`
	OrganizationID string `json:"organization_id"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

type CreateConversationRequest struct {
	Name    string   `json:"name"`
	IsGroup bool     `json:"is_group"`
	Members []string `json:"members"`
}

type SendMessageRequest struct {
	ClientID       string    `json:"client_id"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	MessageType    string    `json:"message_type"`
	File           *FileMeta `json:"file,omitempty"`
}

type EditMessageRequest struct {
	Content string `json:"content"`
}

type ReactionRequest struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type TypingRequest struct {
	ConversationID string `json:"conversation_id"`
	DisplayName    string `json:"display_name"`
}

type MarkReadRequest struct {
	At time.Time `json:"at"`
}

// UnreadCount is an authoritative unread count. Through is the created_at
// of the newest message counted, zero when Count is zero.
type UnreadCount struct {
	ConversationID string    `json:"conversation_id"`
	Count          int       `json:"count"`
	Through        time.Time `json:"through"`
}

// PreviewLength is the rune limit of a conversation's last-message preview.
const PreviewLength = 100

// Preview renders a message for the conversation list: file messages show
// the file name, text is trimmed and cut at PreviewLength runes.
func Preview(message Message) string {
	if message.MessageType == MessageFile && message.File != nil {
		return "📎 " + message.File.Name
	}
	preview := strings.TrimSpace(message.Content)
	if runes := []rune(preview); len(runes) > PreviewLength {
		preview = string(runes[:PreviewLength]) + "…"
	}
	return preview
}
