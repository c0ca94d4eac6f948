package chat

import (
	"context"
	"fmt"

	"teamchat/internal/models"
)

// TotalUnread is the sum of unread counters over conversations that are
// neither muted nor archived.
func (s *Session) TotalUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalUnread
}

// addTotalLocked moves the global total, never below zero.
func (s *Session) addTotalLocked(delta int) {
	s.totalUnread += delta
	if s.totalUnread < 0 {
		s.totalUnread = 0
	}
}

// recountUnread is the bulk path: one count per conversation from its
// read watermark. A conversation whose count fails keeps its previous
// counter; a half-updated counter is worse than a stale one. Each count
// records the newest message it covered so the incremental path does not
// count those messages again when their insert events arrive later.
func (s *Session) recountUnread(ctx context.Context, views []models.ConversationView) {
	counts := make(map[string]models.UnreadCount, len(views))
	for _, view := range views {
		s.mu.Lock()
		conversation, ok := s.conversations[view.Conversation.ID]
		since := view.Membership.LastReadAt
		if ok {
			since = conversation.LastReadAt
		}
		s.mu.Unlock()
		if !ok {
			continue
		}

		count, err := s.backend.CountUnread(ctx, view.Conversation.ID, since)
		if err != nil {
			s.logger.Warn("unread count failed, keeping previous value",
				"conversation_id", view.Conversation.ID,
				"error", err,
			)
			continue
		}
		counts[view.Conversation.ID] = count
	}

	s.mu.Lock()
	for conversationID, count := range counts {
		if conversation, ok := s.conversations[conversationID]; ok {
			conversation.UnreadCount = count.Count
			s.countedThrough[conversationID] = count.Through
		}
	}
	s.totalUnread = bulkTotalLocked(s.conversations)
	s.mu.Unlock()
}

func bulkTotalLocked(conversations map[string]*Conversation) int {
	total := 0
	for _, conversation := range conversations {
		if conversation.countsTowardTotal() {
			total += conversation.UnreadCount
		}
	}
	return total
}

// countIncomingLocked is the incremental path for a message that just
// joined a timeline. It reports whether the open conversation needs a
// mark-as-read call instead of an increment. Messages at or before the
// last bulk count's cutoff are already in the counter.
func (s *Session) countIncomingLocked(row models.Message) (markRead bool) {
	if row.SenderID == s.viewer.UserID {
		return false
	}
	conversation, ok := s.conversations[row.ConversationID]
	if !ok || !row.CreatedAt.After(conversation.LastReadAt) {
		return false
	}
	if s.active == row.ConversationID {
		return true
	}
	if !row.CreatedAt.After(s.countedThrough[row.ConversationID]) {
		return false
	}
	conversation.UnreadCount++
	if conversation.countsTowardTotal() {
		s.addTotalLocked(1)
	}
	return false
}

// uncountLocked takes back the unread count of a message deleted by its
// author, when the message sits past the read watermark.
func (s *Session) uncountLocked(row models.Message) {
	if row.SenderID == s.viewer.UserID {
		return
	}
	conversation, ok := s.conversations[row.ConversationID]
	if !ok || conversation.UnreadCount == 0 || !row.CreatedAt.After(conversation.LastReadAt) {
		return
	}
	conversation.UnreadCount--
	if conversation.countsTowardTotal() {
		s.addTotalLocked(-1)
	}
}

// OpenConversation marks a conversation as the one on screen. Messages
// arriving for it are read immediately instead of counted. Opening also
// marks it read.
func (s *Session) OpenConversation(ctx context.Context, conversationID string) error {
	if err := s.requireViewer(); err != nil {
		return err
	}
	s.mu.Lock()
	if _, ok := s.conversations[conversationID]; !ok {
		s.mu.Unlock()
		return ErrUnknownConversation
	}
	s.active = conversationID
	s.mu.Unlock()
	return s.MarkConversationAsRead(ctx, conversationID)
}

// CloseConversation clears the on-screen conversation. Later messages for
// it are counted as unread again. In-flight calls still update the store.
func (s *Session) CloseConversation() {
	s.mu.Lock()
	s.active = ""
	s.mu.Unlock()
}

// ActiveConversation returns the conversation on screen, or "".
func (s *Session) ActiveConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// MarkConversationAsRead moves the viewer's read watermark to now. The
// counter is zeroed and the total reduced by exactly that amount right
// away; if the backend refuses, counter, total and watermark are
// restored.
func (s *Session) MarkConversationAsRead(ctx context.Context, conversationID string) error {
	if err := s.requireViewer(); err != nil {
		return err
	}
	now := s.clock.Now()

	s.mu.Lock()
	conversation, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownConversation
	}
	watermark := newMutation(conversation.LastReadAt, now)
	if now.After(conversation.LastReadAt) {
		conversation.LastReadAt = now
	}
	zeroed := conversation.UnreadCount
	conversation.UnreadCount = 0
	if conversation.countsTowardTotal() {
		s.addTotalLocked(-zeroed)
	}
	s.mu.Unlock()
	if zeroed > 0 {
		s.changed()
	}

	err := s.backend.MarkRead(ctx, conversationID, now)
	watermark = watermark.resolve(err)
	if err == nil {
		return nil
	}

	s.mu.Lock()
	if conversation, ok := s.conversations[conversationID]; ok {
		if watermark.revert(conversation.LastReadAt) {
			conversation.LastReadAt = watermark.value()
		}
		conversation.UnreadCount += zeroed
		if conversation.countsTowardTotal() {
			s.addTotalLocked(zeroed)
		}
	}
	s.mu.Unlock()
	s.changed()
	return fmt.Errorf("marking %s read: %w", conversationID, err)
}
