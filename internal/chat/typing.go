package chat

import (
	"context"
	"fmt"
	"sort"
	"time"

	"teamchat/internal/clock"
	"teamchat/internal/models"
)

type typingKey struct {
	conversationID string
	userID         string
}

// typingEntry is another member's typing indicator. The timer removes the
// entry at expiresAt even if the delete event never arrives.
type typingEntry struct {
	displayName string
	expiresAt   time.Time
	timer       *clock.Timer
}

// typingSignal is the viewer's own typing state in one conversation.
// generation invalidates idle timers that were reset.
type typingSignal struct {
	timer      *clock.Timer
	generation uint64
}

// Typer is a member currently shown as typing.
type Typer struct {
	UserID      string
	DisplayName string
	ExpiresAt   time.Time
}

// StartTyping reports input activity. The first call in a conversation
// writes the typing row; further calls while signaling only push back the
// idle timeout, which clears the row after TypingIdle without input.
func (s *Session) StartTyping(ctx context.Context, conversationID string) error {
	if err := s.requireViewer(); err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.conversations[conversationID]; !ok {
		s.mu.Unlock()
		return ErrUnknownConversation
	}
	if signal, ok := s.signals[conversationID]; ok {
		signal.timer.Stop()
		signal.generation++
		signal.timer = s.idleTimerLocked(conversationID, signal.generation)
		s.mu.Unlock()
		return nil
	}
	signal := &typingSignal{}
	signal.timer = s.idleTimerLocked(conversationID, signal.generation)
	s.signals[conversationID] = signal
	s.mu.Unlock()

	err := s.backend.UpsertTyping(ctx, conversationID, s.viewer.DisplayName)
	if err == nil || models.IsAPIError(err, models.CodeConflict) {
		return nil
	}

	s.mu.Lock()
	if s.signals[conversationID] == signal {
		signal.timer.Stop()
		delete(s.signals, conversationID)
	}
	s.mu.Unlock()
	return fmt.Errorf("signaling typing in %s: %w", conversationID, err)
}

func (s *Session) idleTimerLocked(conversationID string, generation uint64) *clock.Timer {
	return s.clock.AfterFunc(s.typingIdle, func() {
		s.mu.Lock()
		signal, ok := s.signals[conversationID]
		current := ok && signal.generation == generation
		s.mu.Unlock()
		if !current {
			return
		}
		s.background("typing idle clear", func(ctx context.Context) error {
			return s.StopTyping(ctx, conversationID)
		})
	})
}

// StopTyping ends the viewer's typing signal and clears the typing row.
// It is a no-op when the viewer is not signaling.
func (s *Session) StopTyping(ctx context.Context, conversationID string) error {
	if s.inert() {
		return ErrNoViewer
	}
	s.mu.Lock()
	signal, ok := s.signals[conversationID]
	if ok {
		signal.timer.Stop()
		delete(s.signals, conversationID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	err := s.backend.DeleteTyping(ctx, conversationID)
	if err == nil || models.IsAPIError(err, models.CodeNotFound) {
		return nil
	}
	return fmt.Errorf("clearing typing in %s: %w", conversationID, err)
}

// IsTyping reports whether the viewer is currently signaling in a
// conversation.
func (s *Session) IsTyping(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.signals[conversationID]
	return ok
}

// applyTypingLocked records or refreshes another member's typing entry.
func (s *Session) applyTypingLocked(state models.TypingState) bool {
	if state.UserID == s.viewer.UserID {
		return false
	}
	key := typingKey{conversationID: state.ConversationID, userID: state.UserID}
	if previous, ok := s.typing[key]; ok {
		previous.timer.Stop()
	}
	displayName := state.DisplayName
	if displayName == "" {
		displayName = s.cachedProfileLocked(state.UserID).DisplayName
	}
	expiresAt := s.clock.Now().Add(s.typingTTL)
	s.typing[key] = &typingEntry{
		displayName: displayName,
		expiresAt:   expiresAt,
		timer: s.clock.AfterFunc(s.typingTTL, func() {
			s.expireTyping(key, expiresAt)
		}),
	}
	return true
}

func (s *Session) expireTyping(key typingKey, expiresAt time.Time) {
	s.mu.Lock()
	entry, ok := s.typing[key]
	expired := ok && entry.expiresAt.Equal(expiresAt)
	if expired {
		delete(s.typing, key)
	}
	s.mu.Unlock()
	if expired {
		s.changed()
	}
}

// removeTypingLocked handles an explicit delete event.
func (s *Session) removeTypingLocked(state models.TypingState) bool {
	key := typingKey{conversationID: state.ConversationID, userID: state.UserID}
	entry, ok := s.typing[key]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(s.typing, key)
	return true
}

// clearTypingLocked drops every typing entry and the viewer's own signal
// for a conversation, stopping their timers.
func (s *Session) clearTypingLocked(conversationID string) {
	for key, entry := range s.typing {
		if key.conversationID == conversationID {
			entry.timer.Stop()
			delete(s.typing, key)
		}
	}
	if signal, ok := s.signals[conversationID]; ok {
		signal.timer.Stop()
		delete(s.signals, conversationID)
	}
}

// Typers returns the members typing in a conversation, sorted by name.
// Entries past their expiry are never returned, whether or not their
// timer has fired yet.
func (s *Session) Typers(conversationID string) []Typer {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	var typers []Typer
	for key, entry := range s.typing {
		if key.conversationID != conversationID || !entry.expiresAt.After(now) {
			continue
		}
		typers = append(typers, Typer{UserID: key.userID, DisplayName: entry.displayName, ExpiresAt: entry.expiresAt})
	}
	sort.Slice(typers, func(i, j int) bool {
		if typers[i].DisplayName != typers[j].DisplayName {
			return typers[i].DisplayName < typers[j].DisplayName
		}
		return typers[i].UserID < typers[j].UserID
	})
	return typers
}

// TypingLabel renders the typing indicator line, or "" when nobody is
// typing.
func (s *Session) TypingLabel(conversationID string) string {
	return typingLabel(s.Typers(conversationID))
}

func typingLabel(typers []Typer) string {
	switch len(typers) {
	case 0:
		return ""
	case 1:
		return typers[0].DisplayName + " is typing…"
	case 2:
		return typers[0].DisplayName + " and " + typers[1].DisplayName + " are typing…"
	default:
		return "Several people are typing…"
	}
}
