package chat

import (
	"context"
	"fmt"
	"strings"

	"teamchat/internal/models"
)

const defaultMessageLimit = 50

// Message is a message entry in a conversation's timeline. TempID is set
// while a locally sent message is pending and kept once confirmed.
type Message struct {
	models.Message

	TempID       string
	SenderName   string
	SenderAvatar string
	State        State
}

// key identifies the entry in the message index: the server id once
// known, the temp id before that.
func (m *Message) key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

func (m *Message) clone() Message {
	copied := *m
	copied.Reactions = append([]models.Reaction(nil), m.Reactions...)
	if m.File != nil {
		file := *m.File
		copied.File = &file
	}
	return copied
}

// SendRequest is the composer's payload.
type SendRequest struct {
	Content string
	Type    string
	File    *models.FileMeta
}

// Messages returns the loaded timeline of a conversation in display
// order.
func (s *Session) Messages(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.messages[conversationID]
	list := make([]Message, 0, len(entries))
	for _, entry := range entries {
		list = append(list, entry.clone())
	}
	return list
}

// LoadMessages replaces the loaded timeline of a conversation with the
// newest limit messages from the backend.
func (s *Session) LoadMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if err := s.requireViewer(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	rows, err := s.backend.ListMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading messages for %s: %w", conversationID, err)
	}
	for _, row := range rows {
		s.profile(ctx, row.SenderID)
	}

	s.mu.Lock()
	if _, ok := s.conversations[conversationID]; !ok {
		s.mu.Unlock()
		return nil, ErrUnknownConversation
	}
	for _, entry := range s.messages[conversationID] {
		delete(s.messageConv, entry.key())
	}
	entries := make([]*Message, 0, len(rows))
	for _, row := range rows {
		if row.IsDeleted {
			continue
		}
		entry := s.newEntryLocked(row)
		entries = append(entries, entry)
		s.messageConv[entry.key()] = conversationID
	}
	// Pending sends survive a reload; their echo has not been seen yet.
	for _, entry := range s.messages[conversationID] {
		if entry.State == StatePending {
			entries = append(entries, entry)
			s.messageConv[entry.key()] = conversationID
		}
	}
	s.messages[conversationID] = entries
	list := make([]Message, 0, len(entries))
	for _, entry := range entries {
		list = append(list, entry.clone())
	}
	s.mu.Unlock()

	s.changed()
	return list, nil
}

func (s *Session) newEntryLocked(row models.Message) *Message {
	profile := s.cachedProfileLocked(row.SenderID)
	return &Message{
		Message:      row,
		TempID:       row.ClientID,
		SenderName:   profile.DisplayName,
		SenderAvatar: profile.AvatarURL,
		State:        StateConfirmed,
	}
}

// mergeMessageLocked folds a confirmed row into the timeline. It is
// idempotent by id. A row whose client id matches a pending entry
// replaces that entry at the same index. Other rows are inserted at
// their created_at position. Reports whether the timeline gained a
// message.
func (s *Session) mergeMessageLocked(row models.Message) (*Message, bool) {
	conversationID := row.ConversationID
	if existing := s.findMessageLocked(row.ID); existing != nil {
		return existing, false
	}
	if row.IsDeleted {
		return nil, false
	}

	entries := s.messages[conversationID]
	if row.ClientID != "" {
		for _, entry := range entries {
			if entry.ID == "" && entry.TempID == row.ClientID {
				delete(s.messageConv, entry.TempID)
				reactions := entry.Reactions
				entry.Message = row
				if len(entry.Reactions) == 0 {
					entry.Reactions = reactions
				}
				entry.State = StateConfirmed
				s.messageConv[entry.ID] = conversationID
				return entry, true
			}
		}
	}

	entry := s.newEntryLocked(row)
	s.messages[conversationID] = insertByTime(entries, entry)
	s.messageConv[entry.ID] = conversationID
	return entry, true
}

// insertByTime places entry after every entry created at or before it.
// Arrivals in time order append; a late arrival lands at its sorted
// position instead of the tail.
func insertByTime(entries []*Message, entry *Message) []*Message {
	index := len(entries)
	for index > 0 && entries[index-1].CreatedAt.After(entry.CreatedAt) {
		index--
	}
	entries = append(entries, nil)
	copy(entries[index+1:], entries[index:])
	entries[index] = entry
	return entries
}

// pruneMessageLocked removes an entry by key.
func (s *Session) pruneMessageLocked(key string) bool {
	conversationID, ok := s.messageConv[key]
	if !ok {
		return false
	}
	delete(s.messageConv, key)
	entries := s.messages[conversationID]
	for index, entry := range entries {
		if entry.key() == key {
			s.messages[conversationID] = append(entries[:index], entries[index+1:]...)
			return true
		}
	}
	return false
}

func (s *Session) findMessageLocked(messageID string) *Message {
	conversationID, ok := s.messageConv[messageID]
	if !ok {
		return nil
	}
	for _, entry := range s.messages[conversationID] {
		if entry.key() == messageID {
			return entry
		}
	}
	return nil
}

// SendMessage inserts a message. Nothing is added to the timeline unless
// the backend accepts it (or, with OptimisticSend, a pending entry is
// shown and removed again on failure). The outgoing message carries a
// client id so the insert response and the realtime echo reconcile to one
// entry whichever arrives first.
func (s *Session) SendMessage(ctx context.Context, conversationID string, request SendRequest) (Message, error) {
	if err := s.requireViewer(); err != nil {
		return Message{}, err
	}
	content := strings.TrimSpace(request.Content)
	if content == "" && request.File == nil {
		return Message{}, ErrEmptyMessage
	}
	messageType := request.Type
	if messageType == "" {
		messageType = models.MessageText
		if request.File != nil {
			messageType = models.MessageFile
		}
	}

	tempID := s.newTempID()
	s.mu.Lock()
	if _, ok := s.conversations[conversationID]; !ok {
		s.mu.Unlock()
		return Message{}, ErrUnknownConversation
	}
	s.inflightSends[tempID] = true
	if s.optimisticSend {
		pending := &Message{
			Message: models.Message{
				ClientID:       tempID,
				ConversationID: conversationID,
				SenderID:       s.viewer.UserID,
				Content:        content,
				MessageType:    messageType,
				File:           request.File,
				CreatedAt:      s.clock.Now(),
			},
			TempID:     tempID,
			SenderName: s.viewer.DisplayName,
			State:      StatePending,
		}
		s.messages[conversationID] = append(s.messages[conversationID], pending)
		s.messageConv[tempID] = conversationID
	}
	s.mu.Unlock()
	if s.optimisticSend {
		s.changed()
	}

	if err := s.StopTyping(ctx, conversationID); err != nil {
		s.logger.Debug("clearing typing on send", "conversation_id", conversationID, "error", err)
	}

	row, err := s.backend.InsertMessage(ctx, models.SendMessageRequest{
		ClientID:       tempID,
		ConversationID: conversationID,
		Content:        content,
		MessageType:    messageType,
		File:           request.File,
	})

	s.mu.Lock()
	delete(s.inflightSends, tempID)
	if err != nil {
		removed := s.optimisticSend && s.pruneMessageLocked(tempID)
		s.mu.Unlock()
		if removed {
			s.changed()
		}
		return Message{}, fmt.Errorf("sending message to %s: %w", conversationID, err)
	}
	if row.ClientID == "" {
		row.ClientID = tempID
	}
	entry, _ := s.mergeMessageLocked(row)
	s.touchLocked(row)
	var sent Message
	if entry != nil {
		sent = entry.clone()
	} else {
		sent = Message{Message: row, TempID: tempID, SenderName: s.viewer.DisplayName, State: StateConfirmed}
	}
	notification := s.notificationLocked(row)
	s.mu.Unlock()
	s.changed()

	if err := s.notifier.NotifyMessage(ctx, notification); err != nil {
		s.logger.Warn("notification dispatch failed", "conversation_id", conversationID, "message_id", row.ID, "error", err)
	}
	return sent, nil
}

func (s *Session) notificationLocked(row models.Message) models.MessageNotification {
	notification := models.MessageNotification{
		SenderID:       s.viewer.UserID,
		SenderName:     s.viewer.DisplayName,
		ConversationID: row.ConversationID,
		Preview:        models.Preview(row),
	}
	if conversation, ok := s.conversations[row.ConversationID]; ok {
		notification.IsGroup = conversation.IsGroup
		notification.ConversationName = conversation.Name
	}
	return notification
}

// EditMessage replaces a message's content. Only the author may edit; the
// backend enforces it, and nothing changes locally until it accepts.
func (s *Session) EditMessage(ctx context.Context, messageID, content string) (Message, error) {
	if err := s.requireViewer(); err != nil {
		return Message{}, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, ErrEmptyMessage
	}
	row, err := s.backend.UpdateMessage(ctx, messageID, content)
	if err != nil {
		return Message{}, fmt.Errorf("editing message %s: %w", messageID, err)
	}

	s.mu.Lock()
	entry := s.findMessageLocked(messageID)
	if entry == nil {
		s.mu.Unlock()
		return Message{Message: row, State: StateConfirmed}, nil
	}
	entry.Content = row.Content
	entry.IsEdited = true
	edited := entry.clone()
	s.mu.Unlock()
	s.changed()
	return edited, nil
}

// DeleteMessage soft-deletes a message on the backend and prunes it from
// the local timeline once the backend accepts.
func (s *Session) DeleteMessage(ctx context.Context, messageID string) error {
	if err := s.requireViewer(); err != nil {
		return err
	}
	if err := s.backend.DeleteMessage(ctx, messageID); err != nil {
		return fmt.Errorf("deleting message %s: %w", messageID, err)
	}
	s.mu.Lock()
	pruned := s.pruneMessageLocked(messageID)
	s.mu.Unlock()
	if pruned {
		s.changed()
	}
	return nil
}

// applyMessageUpdateLocked handles edits and soft-deletes made elsewhere.
// Soft-deleted messages leave the timeline.
func (s *Session) applyMessageUpdateLocked(row models.Message) bool {
	if row.IsDeleted {
		entry := s.findMessageLocked(row.ID)
		if entry == nil {
			return false
		}
		s.uncountLocked(entry.Message)
		return s.pruneMessageLocked(row.ID)
	}
	entry := s.findMessageLocked(row.ID)
	if entry == nil {
		return false
	}
	entry.Content = row.Content
	entry.IsEdited = row.IsEdited
	return true
}
