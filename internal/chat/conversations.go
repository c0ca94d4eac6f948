package chat

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"teamchat/internal/models"
)

// Conversation is a conversation as the viewer sees it: the shared row,
// the viewer's own membership flags, the active members and the derived
// rendering fields.
type Conversation struct {
	models.Conversation

	IsPinned   bool
	IsArchived bool
	IsMuted    bool
	LastReadAt time.Time
	MyRole     string

	Members []models.Member

	DisplayName   string
	DisplayAvatar string
	UnreadCount   int
}

// OtherMembers returns the ids of active members other than viewerID.
func (c Conversation) OtherMembers(viewerID string) []string {
	others := make([]string, 0, len(c.Members))
	for _, member := range c.Members {
		if member.UserID != viewerID && member.LeftAt == nil {
			others = append(others, member.UserID)
		}
	}
	return others
}

func (c *Conversation) clone() Conversation {
	copied := *c
	copied.Members = append([]models.Member(nil), c.Members...)
	return copied
}

// countsTowardTotal reports whether the conversation's unread counter is
// part of the global total.
func (c *Conversation) countsTowardTotal() bool {
	return !c.IsMuted && !c.IsArchived
}

// Flag is a per-viewer conversation flag.
type Flag int

const (
	FlagPinned Flag = iota
	FlagMuted
	FlagArchived
)

func (f Flag) String() string {
	switch f {
	case FlagPinned:
		return "pinned"
	case FlagMuted:
		return "muted"
	case FlagArchived:
		return "archived"
	default:
		return fmt.Sprintf("flag(%d)", int(f))
	}
}

func (f Flag) get(c *Conversation) bool {
	switch f {
	case FlagPinned:
		return c.IsPinned
	case FlagMuted:
		return c.IsMuted
	case FlagArchived:
		return c.IsArchived
	}
	return false
}

func (f Flag) patch(value bool) models.MembershipPatch {
	var patch models.MembershipPatch
	switch f {
	case FlagPinned:
		patch.IsPinned = &value
	case FlagMuted:
		patch.IsMuted = &value
	case FlagArchived:
		patch.IsArchived = &value
	}
	return patch
}

// sortConversations orders pinned conversations first, then by most
// recent activity. Ids break ties so the order is total.
func sortConversations(list []Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.IsPinned != b.IsPinned {
			return a.IsPinned
		}
		if !a.LastMessageAt.Equal(b.LastMessageAt) {
			return a.LastMessageAt.After(b.LastMessageAt)
		}
		return a.ID < b.ID
	})
}

// Conversations returns the viewer's conversations, pinned first, then
// by last message time descending.
func (s *Session) Conversations() []Conversation {
	if s.inert() {
		return nil
	}
	s.mu.Lock()
	list := make([]Conversation, 0, len(s.conversations))
	for _, conversation := range s.conversations {
		list = append(list, conversation.clone())
	}
	s.mu.Unlock()

	sortConversations(list)
	return list
}

// Conversation returns one conversation by id.
func (s *Session) Conversation(conversationID string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conversation, ok := s.conversations[conversationID]
	if !ok {
		return Conversation{}, false
	}
	return conversation.clone(), true
}

// RefreshConversations replaces the conversation list from the backend
// and recounts unread messages for every conversation. Conversations the
// viewer no longer belongs to are dropped along with their messages and
// typing state.
func (s *Session) RefreshConversations(ctx context.Context) error {
	if err := s.requireViewer(); err != nil {
		return err
	}
	views, err := s.backend.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("listing conversations: %w", err)
	}
	for _, view := range views {
		s.resolveMemberProfiles(ctx, view)
	}

	s.mu.Lock()
	seen := make(map[string]bool, len(views))
	for _, view := range views {
		seen[view.Conversation.ID] = true
		s.upsertLocked(view)
	}
	for conversationID := range s.conversations {
		if !seen[conversationID] {
			s.forgetConversationLocked(conversationID)
		}
	}
	s.notMember = make(map[string]bool)
	s.mu.Unlock()

	s.recountUnread(ctx, views)
	s.changed()
	return nil
}

// UpsertConversation inserts or replaces a conversation from a backend
// view. The local unread counter is kept.
func (s *Session) UpsertConversation(view models.ConversationView) {
	if s.inert() {
		return
	}
	s.mu.Lock()
	s.upsertLocked(view)
	s.mu.Unlock()
	s.changed()
}

func (s *Session) resolveMemberProfiles(ctx context.Context, view models.ConversationView) {
	for _, member := range view.Members {
		if member.UserID != s.viewer.UserID {
			s.profile(ctx, member.UserID)
		}
	}
}

func (s *Session) upsertLocked(view models.ConversationView) *Conversation {
	membership := view.Membership
	next := &Conversation{
		Conversation: view.Conversation,
		IsPinned:     membership.IsPinned,
		IsArchived:   membership.IsArchived,
		IsMuted:      membership.IsMuted,
		LastReadAt:   membership.LastReadAt,
		MyRole:       membership.Role,
	}
	for _, member := range view.Members {
		if member.LeftAt == nil {
			next.Members = append(next.Members, member)
		}
	}

	if previous, ok := s.conversations[view.Conversation.ID]; ok {
		if previous.countsTowardTotal() {
			s.addTotalLocked(-previous.UnreadCount)
		}
		next.UnreadCount = previous.UnreadCount
		if previous.LastReadAt.After(next.LastReadAt) {
			next.LastReadAt = previous.LastReadAt
		}
		if previous.LastMessageAt.After(next.LastMessageAt) {
			next.LastMessageAt = previous.LastMessageAt
			next.LastMessagePreview = previous.LastMessagePreview
		}
	}
	if next.countsTowardTotal() {
		s.addTotalLocked(next.UnreadCount)
	}

	s.decorateLocked(next)
	s.conversations[next.ID] = next
	delete(s.notMember, next.ID)
	return next
}

// decorateLocked derives the display name and avatar. A direct
// conversation takes them from the other member; a group uses its name,
// falling back to the member names.
func (s *Session) decorateLocked(conversation *Conversation) {
	others := conversation.OtherMembers(s.viewer.UserID)
	if !conversation.IsGroup {
		if len(others) > 0 {
			profile := s.cachedProfileLocked(others[0])
			conversation.DisplayName = profile.DisplayName
			conversation.DisplayAvatar = profile.AvatarURL
		} else {
			conversation.DisplayName = conversation.Name
		}
		return
	}
	if conversation.Name != "" {
		conversation.DisplayName = conversation.Name
		return
	}
	names := make([]string, 0, len(others))
	for _, userID := range others {
		names = append(names, s.cachedProfileLocked(userID).DisplayName)
	}
	sort.Strings(names)
	conversation.DisplayName = strings.Join(names, ", ")
}

// forgetConversationLocked drops a conversation and everything hanging
// off it, including pending typing timers.
func (s *Session) forgetConversationLocked(conversationID string) {
	if conversation, ok := s.conversations[conversationID]; ok {
		if conversation.countsTowardTotal() {
			s.addTotalLocked(-conversation.UnreadCount)
		}
		delete(s.conversations, conversationID)
	}
	delete(s.countedThrough, conversationID)
	for _, message := range s.messages[conversationID] {
		delete(s.messageConv, message.key())
	}
	delete(s.messages, conversationID)
	s.clearTypingLocked(conversationID)
	if s.active == conversationID {
		s.active = ""
	}
}

// SetFlag changes a per-viewer flag. The change and the re-sort are
// visible immediately; if the backend rejects it the previous value is
// restored and the error returned.
func (s *Session) SetFlag(ctx context.Context, conversationID string, flag Flag, value bool) error {
	if err := s.requireViewer(); err != nil {
		return err
	}

	s.mu.Lock()
	conversation, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownConversation
	}
	change := newMutation(flag.get(conversation), value)
	s.setFlagLocked(conversation, flag, change.value())
	s.mu.Unlock()
	s.changed()

	err := s.backend.UpdateMembership(ctx, conversationID, flag.patch(value))
	change = change.resolve(err)
	if err == nil {
		return nil
	}

	s.mu.Lock()
	if conversation, ok := s.conversations[conversationID]; ok && change.revert(flag.get(conversation)) {
		s.setFlagLocked(conversation, flag, change.value())
	}
	s.mu.Unlock()
	s.changed()

	s.logger.Info("flag change rejected", "conversation_id", conversationID, "flag", flag, "error", err)
	return fmt.Errorf("setting %s on conversation %s: %w", flag, conversationID, err)
}

// setFlagLocked applies a flag and keeps the global unread total in step
// when the conversation moves in or out of it.
func (s *Session) setFlagLocked(conversation *Conversation, flag Flag, value bool) {
	before := conversation.countsTowardTotal()
	switch flag {
	case FlagPinned:
		conversation.IsPinned = value
	case FlagMuted:
		conversation.IsMuted = value
	case FlagArchived:
		conversation.IsArchived = value
	}
	after := conversation.countsTowardTotal()
	switch {
	case before && !after:
		s.addTotalLocked(-conversation.UnreadCount)
	case !before && after:
		s.addTotalLocked(conversation.UnreadCount)
	}
}

func (s *Session) toggle(ctx context.Context, conversationID string, flag Flag) error {
	s.mu.Lock()
	conversation, ok := s.conversations[conversationID]
	var current bool
	if ok {
		current = flag.get(conversation)
	}
	s.mu.Unlock()
	if !ok {
		if s.inert() {
			return ErrNoViewer
		}
		return ErrUnknownConversation
	}
	return s.SetFlag(ctx, conversationID, flag, !current)
}

func (s *Session) TogglePin(ctx context.Context, conversationID string) error {
	return s.toggle(ctx, conversationID, FlagPinned)
}

func (s *Session) ToggleMute(ctx context.Context, conversationID string) error {
	return s.toggle(ctx, conversationID, FlagMuted)
}

func (s *Session) ToggleArchive(ctx context.Context, conversationID string) error {
	return s.toggle(ctx, conversationID, FlagArchived)
}

// createCall is an in-flight direct-conversation creation that
// concurrent callers for the same target wait on.
type createCall struct {
	done         chan struct{}
	conversation Conversation
	err          error
}

// CreateConversation creates a conversation with memberIDs (the viewer is
// added implicitly). For a direct conversation an existing thread with
// the same single other member is returned instead, and concurrent
// requests for the same target share one backend call.
func (s *Session) CreateConversation(ctx context.Context, memberIDs []string, isGroup bool, name string) (Conversation, error) {
	if err := s.requireViewer(); err != nil {
		return Conversation{}, err
	}

	targets := make([]string, 0, len(memberIDs))
	seen := map[string]bool{s.viewer.UserID: true}
	for _, userID := range memberIDs {
		if userID == "" || seen[userID] {
			continue
		}
		seen[userID] = true
		targets = append(targets, userID)
	}
	if !isGroup && len(targets) != 1 {
		return Conversation{}, fmt.Errorf("chat: a direct conversation needs exactly one other member, got %d", len(targets))
	}
	if isGroup && len(targets) == 0 {
		return Conversation{}, fmt.Errorf("chat: a group conversation needs at least one other member")
	}

	request := models.CreateConversationRequest{Name: name, IsGroup: isGroup, Members: targets}
	if isGroup {
		return s.createConversation(ctx, request)
	}

	target := targets[0]
	s.mu.Lock()
	if existing := s.findDirectLocked(target); existing != nil {
		found := existing.clone()
		s.mu.Unlock()
		return found, nil
	}
	if call, ok := s.creates[target]; ok {
		s.mu.Unlock()
		select {
		case <-call.done:
			return call.conversation, call.err
		case <-ctx.Done():
			return Conversation{}, ctx.Err()
		}
	}
	call := &createCall{done: make(chan struct{})}
	s.creates[target] = call
	s.mu.Unlock()

	call.conversation, call.err = s.createConversation(ctx, request)

	s.mu.Lock()
	delete(s.creates, target)
	s.mu.Unlock()
	close(call.done)
	return call.conversation, call.err
}

func (s *Session) createConversation(ctx context.Context, request models.CreateConversationRequest) (Conversation, error) {
	view, err := s.backend.CreateConversation(ctx, request)
	if err != nil {
		return Conversation{}, fmt.Errorf("creating conversation: %w", err)
	}
	s.resolveMemberProfiles(ctx, view)

	s.mu.Lock()
	created := s.upsertLocked(view).clone()
	s.mu.Unlock()
	s.changed()
	return created, nil
}

// findDirectLocked returns the direct conversation whose only other
// member is target.
func (s *Session) findDirectLocked(target string) *Conversation {
	for _, conversation := range s.conversations {
		if conversation.IsGroup {
			continue
		}
		others := conversation.OtherMembers(s.viewer.UserID)
		if len(others) == 1 && others[0] == target {
			return conversation
		}
	}
	return nil
}

// LeaveConversation ends the viewer's membership. The conversation itself
// stays on the backend for the remaining members.
func (s *Session) LeaveConversation(ctx context.Context, conversationID string) error {
	if err := s.requireViewer(); err != nil {
		return err
	}
	s.mu.Lock()
	_, ok := s.conversations[conversationID]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownConversation
	}

	// Stop signaling before the membership disappears.
	if err := s.StopTyping(ctx, conversationID); err != nil {
		s.logger.Debug("clearing typing before leave", "conversation_id", conversationID, "error", err)
	}
	if err := s.backend.LeaveConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("leaving conversation %s: %w", conversationID, err)
	}

	s.mu.Lock()
	s.forgetConversationLocked(conversationID)
	s.notMember[conversationID] = true
	s.mu.Unlock()
	s.changed()
	return nil
}

// touchLocked records message activity on the conversation preview.
func (s *Session) touchLocked(message models.Message) {
	conversation, ok := s.conversations[message.ConversationID]
	if !ok || message.CreatedAt.Before(conversation.LastMessageAt) {
		return
	}
	conversation.LastMessageAt = message.CreatedAt
	conversation.LastMessagePreview = models.Preview(message)
}
