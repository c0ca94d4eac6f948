package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"teamchat/internal/models"
)

const messageColumns = `id, client_id, conversation_id, sender_id, content, message_type,
	file_url, file_name, file_size, file_mime, created_at, is_edited, is_deleted`

func scanMessage(row scanner) (models.Message, error) {
	var message models.Message
	var file models.FileMeta
	err := row.Scan(&message.ID, &message.ClientID, &message.ConversationID, &message.SenderID,
		&message.Content, &message.MessageType, &file.URL, &file.Name, &file.Size, &file.MimeType,
		&message.CreatedAt, &message.IsEdited, &message.IsDeleted)
	if err != nil {
		return message, err
	}
	if file.URL != "" {
		message.File = &file
	}
	return message, nil
}

func getMessage(ctx context.Context, q queryer, messageID string) (models.Message, error) {
	message, err := scanMessage(q.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE id = ?", messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return message, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return message, fmt.Errorf("failed to fetch message: %w", err)
	}
	return message, nil
}

// GetMessage returns a message by id, deleted or not.
func (db *DB) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	return getMessage(ctx, db, messageID)
}

// InsertMessage stores a message from senderID and bumps the
// conversation's last-message fields. A repeated (sender, client id) pair
// returns the stored row with inserted false.
func (db *DB) InsertMessage(ctx context.Context, senderID string, request models.SendMessageRequest, now time.Time) (message models.Message, inserted bool, err error) {
	content := strings.TrimSpace(request.Content)
	if content == "" && request.File == nil {
		return message, false, fmt.Errorf("empty message: %w", ErrInvalid)
	}
	messageType := request.MessageType
	if messageType == "" {
		messageType = models.MessageText
		if request.File != nil {
			messageType = models.MessageFile
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return message, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	member, err := isActiveMember(ctx, tx, request.ConversationID, senderID)
	if err != nil {
		return message, false, err
	}
	if !member {
		return message, false, fmt.Errorf("conversation %s: %w", request.ConversationID, ErrForbidden)
	}

	if request.ClientID != "" {
		existing, err := scanMessage(tx.QueryRowContext(ctx,
			"SELECT "+messageColumns+" FROM messages WHERE sender_id = ? AND client_id = ?",
			senderID, request.ClientID))
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return message, false, fmt.Errorf("failed to look up client id: %w", err)
		}
	}

	message = models.Message{
		ID:             newID(),
		ClientID:       request.ClientID,
		ConversationID: request.ConversationID,
		SenderID:       senderID,
		Content:        content,
		MessageType:    messageType,
		File:           request.File,
		CreatedAt:      now.UTC(),
	}
	var file models.FileMeta
	if request.File != nil {
		file = *request.File
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0)
	`, message.ID, message.ClientID, message.ConversationID, message.SenderID, message.Content,
		message.MessageType, file.URL, file.Name, file.Size, file.MimeType, ts(message.CreatedAt))
	if isUniqueViolation(err) {
		return message, false, fmt.Errorf("client id %q: %w", request.ClientID, ErrConflict)
	}
	if err != nil {
		return message, false, fmt.Errorf("failed to insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE conversations SET last_message_at = ?, last_message_preview = ? WHERE id = ?",
		ts(message.CreatedAt), models.Preview(message), message.ConversationID)
	if err != nil {
		return message, false, fmt.Errorf("failed to update conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return message, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return message, true, nil
}

// ListMessages returns up to limit of the newest live messages of a
// conversation, oldest first, with reactions attached.
func (db *DB) ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND is_deleted = 0
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}

	var messages []models.Message
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, message)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	if err := db.attachReactions(ctx, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (db *DB) attachReactions(ctx context.Context, messages []models.Message) error {
	if len(messages) == 0 {
		return nil
	}
	index := make(map[string]int, len(messages))
	args := make([]any, 0, len(messages))
	for i, message := range messages {
		index[message.ID] = i
		args = append(args, message.ID)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, message_id, user_id, emoji, created_at
		FROM message_reactions
		WHERE message_id IN (`+placeholders(len(args))+`)
		ORDER BY created_at, id
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to query reactions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		reaction, err := scanReaction(rows)
		if err != nil {
			return fmt.Errorf("failed to scan reaction: %w", err)
		}
		i := index[reaction.MessageID]
		messages[i].Reactions = append(messages[i].Reactions, reaction)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating reactions: %w", err)
	}
	return nil
}

// UpdateMessage replaces the content of a live message authored by userID
// and marks it edited.
func (db *DB) UpdateMessage(ctx context.Context, messageID, userID, content string) (models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return models.Message{}, fmt.Errorf("empty message: %w", ErrInvalid)
	}
	return db.changeOwnMessage(ctx, messageID, userID,
		"UPDATE messages SET content = ?, is_edited = 1 WHERE id = ?", content, messageID)
}

// DeleteMessage soft-deletes a message authored by userID. The content is
// cleared; the row stays for the change feed.
func (db *DB) DeleteMessage(ctx context.Context, messageID, userID string) (models.Message, error) {
	return db.changeOwnMessage(ctx, messageID, userID,
		"UPDATE messages SET content = '', is_deleted = 1 WHERE id = ?", messageID)
}

func (db *DB) changeOwnMessage(ctx context.Context, messageID, userID, query string, args ...any) (models.Message, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	message, err := getMessage(ctx, tx, messageID)
	if err != nil {
		return message, err
	}
	if message.IsDeleted {
		return message, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	if message.SenderID != userID {
		return message, fmt.Errorf("message %s: %w", messageID, ErrForbidden)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return message, fmt.Errorf("failed to update message: %w", err)
	}
	message, err = getMessage(ctx, tx, messageID)
	if err != nil {
		return message, err
	}
	if err := tx.Commit(); err != nil {
		return message, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return message, nil
}

func scanReaction(row scanner) (models.Reaction, error) {
	var reaction models.Reaction
	err := row.Scan(&reaction.ID, &reaction.MessageID, &reaction.UserID, &reaction.Emoji, &reaction.CreatedAt)
	return reaction, err
}

// InsertReaction records userID's emoji on a live message. A repeated
// (message, user, emoji) triple is ErrConflict.
func (db *DB) InsertReaction(ctx context.Context, messageID, userID, emoji string, now time.Time) (models.Reaction, error) {
	reaction := models.Reaction{
		ID:        newID(),
		MessageID: messageID,
		UserID:    userID,
		Emoji:     strings.TrimSpace(emoji),
		CreatedAt: now.UTC(),
	}
	if reaction.Emoji == "" {
		return reaction, fmt.Errorf("empty emoji: %w", ErrInvalid)
	}

	var one int
	err := db.QueryRowContext(ctx,
		"SELECT 1 FROM messages WHERE id = ? AND is_deleted = 0", messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return reaction, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return reaction, fmt.Errorf("failed to fetch message: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO message_reactions (id, message_id, user_id, emoji, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, reaction.ID, reaction.MessageID, reaction.UserID, reaction.Emoji, ts(reaction.CreatedAt))
	if isUniqueViolation(err) {
		return reaction, fmt.Errorf("reaction %s on %s: %w", reaction.Emoji, messageID, ErrConflict)
	}
	if err != nil {
		return reaction, fmt.Errorf("failed to insert reaction: %w", err)
	}
	return reaction, nil
}

// DeleteReaction removes userID's emoji from a message and returns the
// removed row.
func (db *DB) DeleteReaction(ctx context.Context, messageID, userID, emoji string) (models.Reaction, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return models.Reaction{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	reaction, err := scanReaction(tx.QueryRowContext(ctx, `
		SELECT id, message_id, user_id, emoji, created_at
		FROM message_reactions
		WHERE message_id = ? AND user_id = ? AND emoji = ?
	`, messageID, userID, emoji))
	if errors.Is(err, sql.ErrNoRows) {
		return reaction, fmt.Errorf("reaction %s on %s: %w", emoji, messageID, ErrNotFound)
	}
	if err != nil {
		return reaction, fmt.Errorf("failed to fetch reaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM message_reactions WHERE id = ?", reaction.ID); err != nil {
		return reaction, fmt.Errorf("failed to delete reaction: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return reaction, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return reaction, nil
}
