package chat

import (
	"context"
	"fmt"

	"teamchat/internal/models"
)

// AddReaction reacts to a message. Reacting twice with the same emoji is
// tolerated: the backend's uniqueness conflict is not an error.
func (s *Session) AddReaction(ctx context.Context, messageID, emoji string) error {
	if err := s.requireViewer(); err != nil {
		return err
	}
	row, err := s.backend.InsertReaction(ctx, messageID, emoji)
	if models.IsAPIError(err, models.CodeConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("adding reaction to %s: %w", messageID, err)
	}

	s.mu.Lock()
	merged := s.mergeReactionLocked(row)
	s.mu.Unlock()
	if merged {
		s.changed()
	}
	return nil
}

// RemoveReaction withdraws the viewer's reaction. Removing a reaction
// that does not exist is not an error.
func (s *Session) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	if err := s.requireViewer(); err != nil {
		return err
	}
	err := s.backend.DeleteReaction(ctx, messageID, emoji)
	if err != nil && !models.IsAPIError(err, models.CodeNotFound) {
		return fmt.Errorf("removing reaction from %s: %w", messageID, err)
	}

	s.mu.Lock()
	removed := false
	if entry := s.findMessageLocked(messageID); entry != nil {
		kept := entry.Reactions[:0]
		for _, reaction := range entry.Reactions {
			if reaction.UserID == s.viewer.UserID && reaction.Emoji == emoji {
				removed = true
				continue
			}
			kept = append(kept, reaction)
		}
		entry.Reactions = kept
	}
	s.mu.Unlock()
	if removed {
		s.changed()
	}
	return nil
}

// mergeReactionLocked appends a reaction row to its message unless a row
// with the same id is already there.
func (s *Session) mergeReactionLocked(row models.Reaction) bool {
	entry := s.findMessageLocked(row.MessageID)
	if entry == nil {
		return false
	}
	for _, reaction := range entry.Reactions {
		if reaction.ID == row.ID {
			return false
		}
	}
	entry.Reactions = append(entry.Reactions, row)
	return true
}

// dropReactionLocked removes a reaction row by id. Unknown ids are
// ignored.
func (s *Session) dropReactionLocked(row models.Reaction) bool {
	entry := s.findMessageLocked(row.MessageID)
	if entry == nil {
		return false
	}
	for index, reaction := range entry.Reactions {
		if reaction.ID == row.ID {
			entry.Reactions = append(entry.Reactions[:index], entry.Reactions[index+1:]...)
			return true
		}
	}
	return false
}

// ReactionSummary groups a message's reactions by emoji, in first-seen
// order.
type ReactionSummary struct {
	Emoji   string
	Count   int
	Mine    bool
	UserIDs []string
}

// SummarizeReactions groups reactions for rendering.
func SummarizeReactions(reactions []models.Reaction, viewerID string) []ReactionSummary {
	var summaries []ReactionSummary
	index := make(map[string]int)
	for _, reaction := range reactions {
		position, ok := index[reaction.Emoji]
		if !ok {
			position = len(summaries)
			index[reaction.Emoji] = position
			summaries = append(summaries, ReactionSummary{Emoji: reaction.Emoji})
		}
		summary := &summaries[position]
		summary.Count++
		summary.UserIDs = append(summary.UserIDs, reaction.UserID)
		if reaction.UserID == viewerID {
			summary.Mine = true
		}
	}
	return summaries
}
