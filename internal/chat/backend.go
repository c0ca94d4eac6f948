package chat

import (
	"context"
	"time"

	"teamchat/internal/models"
)

// Viewer is the authenticated identity a Session acts for. A zero
// UserID leaves the Session inert.
type Viewer struct {
	UserID         string
	DisplayName    string
	OrganizationID string
}

// ConversationService is the conversation and membership CRUD surface.
// Every call acts as the authenticated viewer.
type ConversationService interface {
	ListConversations(ctx context.Context) ([]models.ConversationView, error)
	// GetConversation returns a not_found APIError when the viewer is
	// not an active member.
	GetConversation(ctx context.Context, conversationID string) (models.ConversationView, error)
	// CreateConversation returns the existing direct conversation when
	// one already exists with the same single other member.
	CreateConversation(ctx context.Context, request models.CreateConversationRequest) (models.ConversationView, error)
	UpdateMembership(ctx context.Context, conversationID string, patch models.MembershipPatch) error
	LeaveConversation(ctx context.Context, conversationID string) error
	MarkRead(ctx context.Context, conversationID string, at time.Time) error
	// CountUnread counts messages created after since that were not
	// sent by the viewer. Through must be the created_at of the newest
	// message counted.
	CountUnread(ctx context.Context, conversationID string, since time.Time) (models.UnreadCount, error)
}

// MessageService is the message CRUD surface.
type MessageService interface {
	// ListMessages returns up to limit of the newest non-deleted
	// messages in ascending created_at order, reactions attached.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
	InsertMessage(ctx context.Context, request models.SendMessageRequest) (models.Message, error)
	UpdateMessage(ctx context.Context, messageID, content string) (models.Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
}

// ReactionService inserts and deletes the viewer's reactions. Inserting a
// duplicate (message, user, emoji) returns a conflict APIError.
type ReactionService interface {
	InsertReaction(ctx context.Context, messageID, emoji string) (models.Reaction, error)
	DeleteReaction(ctx context.Context, messageID, emoji string) error
}

// TypingService writes the viewer's own typing-state row.
type TypingService interface {
	UpsertTyping(ctx context.Context, conversationID, displayName string) error
	DeleteTyping(ctx context.Context, conversationID string) error
}

// ChangeFeed opens a change-feed subscription covering every table the
// engine consumes.
type ChangeFeed interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

// Subscription is a live change feed. Events is closed when the feed is
// lost or closed; Err then reports why.
type Subscription interface {
	Events() <-chan models.ChangeEvent
	Err() error
	Close() error
}

// Backend is everything the engine needs from the hosted backend.
type Backend interface {
	ConversationService
	MessageService
	ReactionService
	TypingService
	ChangeFeed
}

// ProfileLookup resolves a user id to the fields needed for rendering.
type ProfileLookup interface {
	Profile(ctx context.Context, userID string) (models.Profile, error)
}

// Notifier hands a sent message to the push-notification relay.
type Notifier interface {
	NotifyMessage(ctx context.Context, notification models.MessageNotification) error
}

type nopNotifier struct{}

func (nopNotifier) NotifyMessage(context.Context, models.MessageNotification) error { return nil }
