// Package notify hands sent-message notifications to the push relay.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"teamchat/internal/models"
)

// Publisher is the subset of *nats.Conn the notifier uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier publishes each notification as JSON on
// "<prefix>.<conversation id>".
type NATSNotifier struct {
	publisher Publisher
	prefix    string
	logger    *slog.Logger
	conn      *nats.Conn
}

func NewNATSNotifier(publisher Publisher, prefix string, logger *slog.Logger) *NATSNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSNotifier{
		publisher: publisher,
		prefix:    prefix,
		logger:    logger.With("component", "notify"),
	}
}

// Connect dials NATS and returns a notifier that owns the connection.
func Connect(url, prefix string, logger *slog.Logger) (*NATSNotifier, error) {
	nc, err := nats.Connect(url, nats.Name("teamchat-notify"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	n := NewNATSNotifier(nc, prefix, logger)
	n.conn = nc
	return n, nil
}

func (n *NATSNotifier) NotifyMessage(ctx context.Context, notification models.MessageNotification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subject := n.Subject(notification.ConversationID)
	data, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if err := n.publisher.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish notification to subject '%s': %w", subject, err)
	}
	n.logger.Debug("notification published", "subject", subject, "sender_id", notification.SenderID)
	return nil
}

func (n *NATSNotifier) Subject(conversationID string) string {
	return fmt.Sprintf("%s.%s", n.prefix, conversationID)
}

// Close drains the connection opened by Connect.
func (n *NATSNotifier) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}

// LogNotifier logs notifications instead of delivering them.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) NotifyMessage(_ context.Context, notification models.MessageNotification) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("message notification",
		"conversation_id", notification.ConversationID,
		"sender_id", notification.SenderID,
		"is_group", notification.IsGroup,
		"preview", notification.Preview)
	return nil
}
