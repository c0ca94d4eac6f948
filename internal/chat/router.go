package chat

import (
	"context"
	"encoding/json"
	"fmt"

	"teamchat/internal/models"
)

// event is a decoded change-feed event.
type event interface {
	conversation() string
}

type messageInserted struct{ message models.Message }
type messageUpdated struct{ message models.Message }
type typingChanged struct{ state models.TypingState }
type typingCleared struct{ state models.TypingState }
type reactionInserted struct{ reaction models.Reaction }
type reactionDeleted struct{ reaction models.Reaction }

func (e messageInserted) conversation() string  { return e.message.ConversationID }
func (e messageUpdated) conversation() string   { return e.message.ConversationID }
func (e typingChanged) conversation() string    { return e.state.ConversationID }
func (e typingCleared) conversation() string    { return e.state.ConversationID }
func (e reactionInserted) conversation() string { return "" }
func (e reactionDeleted) conversation() string  { return "" }

// decodeEvent turns a raw change into a typed event. Unknown tables and
// operations are returned as errors so the dispatcher can log and skip
// them.
func decodeEvent(change models.ChangeEvent) (event, error) {
	switch change.Table {
	case models.TableMessages:
		var row models.Message
		if err := json.Unmarshal(change.Row, &row); err != nil {
			return nil, fmt.Errorf("decoding message row: %w", err)
		}
		switch change.Operation {
		case models.OpInsert:
			return messageInserted{message: row}, nil
		case models.OpUpdate:
			return messageUpdated{message: row}, nil
		case models.OpDelete:
			row.IsDeleted = true
			return messageUpdated{message: row}, nil
		}
	case models.TableTyping:
		var row models.TypingState
		if err := json.Unmarshal(change.Row, &row); err != nil {
			return nil, fmt.Errorf("decoding typing row: %w", err)
		}
		switch change.Operation {
		case models.OpInsert, models.OpUpdate:
			return typingChanged{state: row}, nil
		case models.OpDelete:
			return typingCleared{state: row}, nil
		}
	case models.TableReactions:
		var row models.Reaction
		if err := json.Unmarshal(change.Row, &row); err != nil {
			return nil, fmt.Errorf("decoding reaction row: %w", err)
		}
		switch change.Operation {
		case models.OpInsert:
			return reactionInserted{reaction: row}, nil
		case models.OpDelete:
			return reactionDeleted{reaction: row}, nil
		}
	default:
		return nil, fmt.Errorf("unknown table %q", change.Table)
	}
	return nil, fmt.Errorf("unsupported operation %q on %s", change.Operation, change.Table)
}

// route is the dispatcher loop: the only consumer of the subscription.
func (s *Session) route(ctx context.Context, subscription Subscription) error {
	events := subscription.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change, ok := <-events:
			if !ok {
				if err := subscription.Err(); err != nil {
					return fmt.Errorf("%w: %v", ErrFeedClosed, err)
				}
				return ErrFeedClosed
			}
			s.dispatchChange(ctx, change)
		}
	}
}

func (s *Session) dispatchChange(ctx context.Context, change models.ChangeEvent) {
	decoded, err := decodeEvent(change)
	if err != nil {
		s.logger.Debug("skipping change", "table", change.Table, "operation", change.Operation, "error", err)
		return
	}
	if !s.accepts(ctx, decoded) {
		return
	}

	var applied bool
	switch e := decoded.(type) {
	case messageInserted:
		applied = s.applyMessageInsert(ctx, e.message)
	case messageUpdated:
		s.mu.Lock()
		applied = s.applyMessageUpdateLocked(e.message)
		s.mu.Unlock()
	case typingChanged:
		s.mu.Lock()
		applied = s.applyTypingLocked(e.state)
		s.mu.Unlock()
	case typingCleared:
		s.mu.Lock()
		applied = s.removeTypingLocked(e.state)
		s.mu.Unlock()
	case reactionInserted:
		s.mu.Lock()
		applied = s.mergeReactionLocked(e.reaction)
		s.mu.Unlock()
	case reactionDeleted:
		s.mu.Lock()
		applied = s.dropReactionLocked(e.reaction)
		s.mu.Unlock()
	}
	if applied {
		s.changed()
	}
}

// accepts filters events to conversations the viewer belongs to. A
// message insert for a conversation not yet in the list gets one lookup,
// which picks up conversations the viewer was just added to.
func (s *Session) accepts(ctx context.Context, decoded event) bool {
	conversationID := decoded.conversation()
	if conversationID == "" {
		// Reactions are scoped by their message, which is only
		// present for member conversations.
		return true
	}

	s.mu.Lock()
	_, known := s.conversations[conversationID]
	rejected := s.notMember[conversationID]
	s.mu.Unlock()
	if known {
		return true
	}
	if _, ok := decoded.(messageInserted); !ok || rejected {
		return false
	}

	view, err := s.backend.GetConversation(ctx, conversationID)
	if err != nil {
		if models.IsAPIError(err, models.CodeNotFound) || models.IsAPIError(err, models.CodeForbidden) {
			s.mu.Lock()
			s.notMember[conversationID] = true
			s.mu.Unlock()
		} else {
			s.logger.Debug("conversation lookup failed", "conversation_id", conversationID, "error", err)
		}
		return false
	}
	s.resolveMemberProfiles(ctx, view)

	s.mu.Lock()
	s.upsertLocked(view)
	s.mu.Unlock()
	s.logger.Info("joined conversation from change feed", "conversation_id", conversationID)
	return true
}

// applyMessageInsert joins the sender profile (the feed row does not carry
// it) and merges the row. Rows for sends in flight from this Session
// skip the join.
func (s *Session) applyMessageInsert(ctx context.Context, row models.Message) bool {
	s.mu.Lock()
	local := row.ClientID != "" && s.inflightSends[row.ClientID]
	s.mu.Unlock()
	if !local {
		s.profile(ctx, row.SenderID)
	}

	s.mu.Lock()
	_, added := s.mergeMessageLocked(row)
	var markRead bool
	if added {
		s.touchLocked(row)
		markRead = s.countIncomingLocked(row)
	}
	s.mu.Unlock()

	if markRead {
		conversationID := row.ConversationID
		s.background("mark open conversation read", func(ctx context.Context) error {
			return s.MarkConversationAsRead(ctx, conversationID)
		})
	}
	return added
}
