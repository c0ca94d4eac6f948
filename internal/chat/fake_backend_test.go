package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"teamchat/internal/clock"
	"teamchat/internal/models"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeServer is an in-memory backend shared by any number of viewers.
// Every write is broadcast to every open subscription; filtering is the
// client's job, as with the real change feed.
type fakeServer struct {
	clock *clock.FakeClock

	mu            sync.Mutex
	conversations map[string]*models.Conversation
	members       map[string][]*models.Member
	messages      []*models.Message
	reactions     []*models.Reaction
	typing        map[string]bool
	profiles      map[string]models.Profile
	nextID        int
	queuedIDs     []string
	failures      map[string]error
	calls         map[string]int
	subscriptions map[*fakeSubscription]bool
	echo          bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		clock:         clock.Fake(epoch),
		conversations: make(map[string]*models.Conversation),
		members:       make(map[string][]*models.Member),
		typing:        make(map[string]bool),
		profiles:      make(map[string]models.Profile),
		failures:      make(map[string]error),
		calls:         make(map[string]int),
		subscriptions: make(map[*fakeSubscription]bool),
		echo:          true,
	}
}

// addUser registers a profile.
func (f *fakeServer) addUser(userID, displayName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[userID] = models.Profile{UserID: userID, DisplayName: displayName, AvatarURL: "https://avatars.test/" + userID}
}

// addConversation seeds a conversation with active members.
func (f *fakeServer) addConversation(id string, isGroup bool, name string, lastMessageAt time.Time, memberIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conversations[id] = &models.Conversation{
		ID:            id,
		IsGroup:       isGroup,
		Name:          name,
		CreatedBy:     memberIDs[0],
		CreatedAt:     epoch.Add(-24 * time.Hour),
		LastMessageAt: lastMessageAt,
	}
	for index, userID := range memberIDs {
		role := models.RoleMember
		if index == 0 {
			role = models.RoleOwner
		}
		f.members[id] = append(f.members[id], &models.Member{
			ConversationID: id,
			UserID:         userID,
			Role:           role,
			LastReadAt:     epoch.Add(-24 * time.Hour),
			JoinedAt:       epoch.Add(-24 * time.Hour),
		})
	}
}

// setMembership edits a viewer's membership row directly.
func (f *fakeServer) setMembership(conversationID, userID string, edit func(member *models.Member)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if member := f.activeMemberLocked(conversationID, userID); member != nil {
		edit(member)
	}
}

// fail makes every call to method fail with err until cleared. key may be
// "Method" or "Method:argument".
func (f *fakeServer) fail(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, key)
		return
	}
	f.failures[key] = err
}

func (f *fakeServer) queueID(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queuedIDs = append(f.queuedIDs, id)
}

func (f *fakeServer) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeServer) enterLocked(method, argument string) error {
	f.calls[method]++
	if err, ok := f.failures[method+":"+argument]; ok {
		return err
	}
	if err, ok := f.failures[method]; ok {
		return err
	}
	return nil
}

func (f *fakeServer) newIDLocked(prefix string) string {
	if len(f.queuedIDs) > 0 {
		id := f.queuedIDs[0]
		f.queuedIDs = f.queuedIDs[1:]
		return id
	}
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeServer) activeMemberLocked(conversationID, userID string) *models.Member {
	for _, member := range f.members[conversationID] {
		if member.UserID == userID && member.LeftAt == nil {
			return member
		}
	}
	return nil
}

func (f *fakeServer) viewLocked(conversationID, userID string) (models.ConversationView, bool) {
	membership := f.activeMemberLocked(conversationID, userID)
	if membership == nil {
		return models.ConversationView{}, false
	}
	view := models.ConversationView{Conversation: *f.conversations[conversationID], Membership: *membership}
	for _, member := range f.members[conversationID] {
		if member.LeftAt == nil {
			view.Members = append(view.Members, *member)
		}
	}
	return view, true
}

func (f *fakeServer) broadcastLocked(table, operation string, row any) {
	if table == models.TableMessages && !f.echo {
		return
	}
	change, err := models.NewChangeEvent(table, operation, row)
	if err != nil {
		panic(err)
	}
	for subscription := range f.subscriptions {
		subscription.events <- change
	}
}

// deliver inserts a message as senderID, as another client would.
func (f *fakeServer) deliver(t *testing.T, senderID, conversationID, content string) models.Message {
	t.Helper()
	message, err := f.client(senderID).InsertMessage(context.Background(), models.SendMessageRequest{
		ConversationID: conversationID,
		Content:        content,
		MessageType:    models.MessageText,
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	return message
}

// dropFeeds closes every subscription as if the connection was lost.
func (f *fakeServer) dropFeeds(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for subscription := range f.subscriptions {
		subscription.closeLocked(err)
		delete(f.subscriptions, subscription)
	}
}

func (f *fakeServer) client(userID string) *fakeBackend {
	return &fakeBackend{server: f, userID: userID}
}

// Profile implements ProfileLookup.
func (f *fakeServer) Profile(_ context.Context, userID string) (models.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["Profile"]++
	profile, ok := f.profiles[userID]
	if !ok {
		return models.Profile{}, &models.APIError{Code: models.CodeNotFound, Message: "no such user"}
	}
	return profile, nil
}

type fakeSubscription struct {
	events chan models.ChangeEvent
	closed bool
	err    error
	server *fakeServer
}

func (s *fakeSubscription) Events() <-chan models.ChangeEvent { return s.events }

func (s *fakeSubscription) Err() error {
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	return s.err
}

func (s *fakeSubscription) Close() error {
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	s.closeLocked(nil)
	delete(s.server.subscriptions, s)
	return nil
}

func (s *fakeSubscription) closeLocked(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.events)
}

// fakeBackend is one viewer's authenticated view of a fakeServer.
type fakeBackend struct {
	server *fakeServer
	userID string
}

func (b *fakeBackend) ListConversations(context.Context) ([]models.ConversationView, error) {
	f := b.server
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("ListConversations", ""); err != nil {
		return nil, err
	}
	var views []models.ConversationView
	for id := range f.conversations {
		if view, ok := f.viewLocked(id, b.userID); ok {
			views = append(views, view)
		}
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Conversation.ID < views[j].Conversation.ID })
	return views, nil
}

func (b *fakeBackend) GetConversation(_ context.Context, conversationID string) (models.ConversationView, error) {
	f := b.server
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("GetConversation", conversationID); err != nil {
		return models.ConversationView{}, err
	}
	view, ok := f.viewLocked(conversationID, b.userID)
	if !ok {
		return models.ConversationView{}, &models.APIError{Code: models.CodeNotFound, Message: "not a member"}
	}
	return view, nil
}

func (b *fakeBackend) CreateConversation(_ context.Context, request models.CreateConversationRequest) (models.ConversationView, error) {
	f := b.server
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("CreateConversation", ""); err != nil {
		return models.ConversationView{}, err
	}
	now := f.clock.Now()
	id := f.newIDLocked("c")
	f.conversations[id] = &models.Conversation{ID: id, IsGroup: request.IsGroup, Name: request.Name, CreatedBy: b.userID, CreatedAt: now}
	f.members[id] = append(f.members[id], &models.Member{ConversationID: id, UserID: b.userID, Role: models.RoleOwner, LastReadAt: now, JoinedAt: now})
	for _, userID := range request.Members {
		f.members[id] = append(f.members[id], &models.Member{ConversationID: id, UserID: userID, Role: models.RoleMember, LastReadAt: now, JoinedAt: now})
	}
	view, _ := f.viewLocked(id, b.userID)
	return view, nil
}

func (b *fakeBackend) UpdateMembership(_ context.Context, conversationID string, patch models.MembershipPatch) error {
	f := b.server
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("UpdateMembership", conversationID); err != nil {
		return err
	}
	member := f.activeMemberLocked(conversationID, b.userID)
	if member == nil {
		return &models.APIError{Code: models.CodeNotFound, Message: "not a member"}
	}
	if patch.IsPinned != nil {
		member.IsPinned = *patch.IsPinned
	}
	if patch.IsMuted != nil {
		member.IsMuted = *patch.IsMuted
	}
	if patch.IsArchived != nil {
		member.IsArchived = *patch.IsArchived
	}
	return nil
}

func (b *fakeBackend) LeaveConversation(_ context.Context, conversationID string) error {
	f := b.server
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("LeaveConversation", conversationID); err != nil {
		return err
	}
	member := f.activeMemberLocked(conversationID, b.userID)
	if member == nil {
		return &models.APIError{Code: models.CodeNotFound, Message: "not a member"}
	}
	now := f.clock.Now()
	member.LeftAt = &now
	return nil
}

func (b *fakeBackend) MarkRead(_ context.Context, conversationID string, at time.Time) error {
	f := b.server
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("MarkRead", conversationID); err != nil {
		return err
	}
	member := f.activeMemberLocked(conversationID, b.userID)
	if member == nil {
		return &models.APIError{Code: models.CodeNotFound, Message: "not a member"}
	}
	if at.After(member.LastReadAt) {
		member.LastReadAt = at
	}
	return nil
}

func (b *fakeBackend) CountUnread(_ context.Context, conversationID string, since time.Time) (models.UnreadCount, error) {
	f := b.server
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("CountUnread", conversationID); err != nil {
		return models.UnreadCount{}, err
	}
	unread := models.UnreadCount{ConversationID: conversationID}
	for _, message := range f.messages {
		if message.ConversationID == conversationID && !message.IsDeleted &&
			message.SenderID != b.userID && message.CreatedAt.After(since) {
			unread.Count++
			if message.CreatedAt.After(unread.Through) {
				unread.Through = message.CreatedAt
			}
		}
	}
	return unread, nil
}

func (b *fakeBackend) ListMessages(_ context.Context, conversationID string, limit int) ([]models.Message, error) {
	f := b.server
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("ListMessages", conversationID); err != nil {
		return nil, err
	}
	var rows []models.Message
	for _, message := range f.messages {
		if message.ConversationID != conversationID || message.IsDeleted {
			continue
		}
		row := *message
		row.Reactions = nil
		for _, reaction := range f.reactions {
			if reaction.MessageID == row.ID {
				row.Reactions = append(row.Reactions, *reaction)
			}
		}
		rows = append(rows, row)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].CreatedAt.Before(rows[j].CreatedAt) })
	if len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	return rows, nil
}

func (b *fakeBackend) InsertMessage(_ context.Context, request models.SendMessageRequest) (models.Message, error) {
	f := b.server
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("InsertMessage", request.ConversationID); err != nil {
		return models.Message{}, err
	}
	if f.activeMemberLocked(request.ConversationID, b.userID) == nil {
		return models.Message{}, &models.APIError{Code: models.CodeForbidden, Message: "not a member"}
	}
	message := &models.Message{
		ID:             f.newIDLocked("m"),
		ClientID:       request.ClientID,
		ConversationID: request.ConversationID,
		SenderID:       b.userID,
		Content:        request.Content,
		MessageType:    request.MessageType,
		File:           request.File,
		CreatedAt:      f.clock.Now(),
	}
	f.messages = append(f.messages, message)
	conversation := f.conversations[request.ConversationID]
	conversation.LastMessageAt = message.CreatedAt
	conversation.LastMessagePreview = message.Content
	f.broadcastLocked(models.TableMessages, models.OpInsert, message)
	return *message, nil
}

func (b *fakeBackend) findMessageLocked(messageID string) *models.Message {
	for _, message := range b.server.messages {
		if message.ID == messageID {
			return message
		}
	}
	return nil
}

func (b *fakeBackend) UpdateMessage(_ context.Context, messageID, content string) (models.Message, error) {
	f := b.server
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("UpdateMessage", messageID); err != nil {
		return models.Message{}, err
	}
	message := b.findMessageLocked(messageID)
	if message == nil || message.IsDeleted {
		return models.Message{}, &models.APIError{Code: models.CodeNotFound, Message: "no such message"}
	}
	if message.SenderID != b.userID {
		return models.Message{}, &models.APIError{Code: models.CodeForbidden, Message: "not the author"}
	}
	message.Content = content
	message.IsEdited = true
	f.broadcastLocked(models.TableMessages, models.OpUpdate, message)
	return *message, nil
}

func (b *fakeBackend) DeleteMessage(_ context.Context, messageID string) error {
	f := b.server
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("DeleteMessage", messageID); err != nil {
		return err
	}
	message := b.findMessageLocked(messageID)
	if message == nil || message.IsDeleted {
		return &models.APIError{Code: models.CodeNotFound, Message: "no such message"}
	}
	if message.SenderID != b.userID {
		return &models.APIError{Code: models.CodeForbidden, Message: "not the author"}
	}
	message.IsDeleted = true
	message.Content = ""
	f.broadcastLocked(models.TableMessages, models.OpUpdate, message)
	return nil
}

func (b *fakeBackend) InsertReaction(_ context.Context, messageID, emoji string) (models.Reaction, error) {
	f := b.server
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("InsertReaction", messageID); err != nil {
		return models.Reaction{}, err
	}
	for _, reaction := range f.reactions {
		if reaction.MessageID == messageID && reaction.UserID == b.userID && reaction.Emoji == emoji {
			return models.Reaction{}, &models.APIError{Code: models.CodeConflict, Message: "duplicate reaction"}
		}
	}
	reaction := &models.Reaction{ID: f.newIDLocked("r"), MessageID: messageID, UserID: b.userID, Emoji: emoji, CreatedAt: f.clock.Now()}
	f.reactions = append(f.reactions, reaction)
	f.broadcastLocked(models.TableReactions, models.OpInsert, reaction)
	return *reaction, nil
}

func (b *fakeBackend) DeleteReaction(_ context.Context, messageID, emoji string) error {
	f := b.server
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("DeleteReaction", messageID); err != nil {
		return err
	}
	for index, reaction := range f.reactions {
		if reaction.MessageID == messageID && reaction.UserID == b.userID && reaction.Emoji == emoji {
			f.reactions = append(f.reactions[:index], f.reactions[index+1:]...)
			f.broadcastLocked(models.TableReactions, models.OpDelete, reaction)
			return nil
		}
	}
	return &models.APIError{Code: models.CodeNotFound, Message: "no such reaction"}
}

func (b *fakeBackend) UpsertTyping(_ context.Context, conversationID, displayName string) error {
	f := b.server
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("UpsertTyping", conversationID); err != nil {
		return err
	}
	key := conversationID + "/" + b.userID
	operation := models.OpInsert
	if f.typing[key] {
		operation = models.OpUpdate
	}
	f.typing[key] = true
	f.broadcastLocked(models.TableTyping, operation, models.TypingState{
		ConversationID: conversationID,
		UserID:         b.userID,
		DisplayName:    displayName,
		UpdatedAt:      f.clock.Now(),
	})
	return nil
}

func (b *fakeBackend) DeleteTyping(_ context.Context, conversationID string) error {
	f := b.server
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("DeleteTyping", conversationID); err != nil {
		return err
	}
	key := conversationID + "/" + b.userID
	if !f.typing[key] {
		return &models.APIError{Code: models.CodeNotFound, Message: "not typing"}
	}
	delete(f.typing, key)
	f.broadcastLocked(models.TableTyping, models.OpDelete, models.TypingState{ConversationID: conversationID, UserID: b.userID})
	return nil
}

func (b *fakeBackend) Subscribe(context.Context) (Subscription, error) {
	f := b.server
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("Subscribe", ""); err != nil {
		return nil, err
	}
	subscription := &fakeSubscription{events: make(chan models.ChangeEvent, 256), server: f}
	f.subscriptions[subscription] = true
	return subscription, nil
}

// recordingNotifier captures dispatched notifications.
type recordingNotifier struct {
	mu            sync.Mutex
	notifications []models.MessageNotification
}

func (n *recordingNotifier) NotifyMessage(_ context.Context, notification models.MessageNotification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, notification)
	return nil
}

func (n *recordingNotifier) all() []models.MessageNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.MessageNotification(nil), n.notifications...)
}

// newTestSession builds a Session for viewerID on server, loaded but not
// subscribed. Tests drive the feed through dispatchChange or start it
// explicitly.
func newTestSession(t *testing.T, server *fakeServer, viewerID string, adjust ...func(*Config)) *Session {
	t.Helper()
	server.mu.Lock()
	displayName := server.profiles[viewerID].DisplayName
	server.mu.Unlock()

	config := Config{
		Viewer:   Viewer{UserID: viewerID, DisplayName: displayName, OrganizationID: "org-1"},
		Backend:  server.client(viewerID),
		Profiles: server,
		Clock:    server.clock,
	}
	for _, fn := range adjust {
		fn(&config)
	}
	session, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	if err := session.RefreshConversations(context.Background()); err != nil {
		t.Fatalf("RefreshConversations: %v", err)
	}
	return session
}

// startTestSession builds a Session with its change feed running.
func startTestSession(t *testing.T, server *fakeServer, viewerID string, adjust ...func(*Config)) *Session {
	t.Helper()
	session := newTestSession(t, server, viewerID, adjust...)
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return session
}

// waitFor polls condition until it holds. The deadline only guards
// against hangs; the dispatcher normally settles within microseconds.
func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// change builds a ChangeEvent for direct dispatch.
func change(t *testing.T, table, operation string, row any) models.ChangeEvent {
	t.Helper()
	event, err := models.NewChangeEvent(table, operation, row)
	if err != nil {
		t.Fatalf("NewChangeEvent: %v", err)
	}
	return event
}

// standardServer seeds three users and two conversations:
// c-ab (direct, a+b) and c-group (a, b, c).
func standardServer() *fakeServer {
	server := newFakeServer()
	server.addUser("u-a", "Alice")
	server.addUser("u-b", "Bob")
	server.addUser("u-c", "Carol")
	server.addConversation("c-ab", false, "", epoch.Add(-time.Hour), "u-a", "u-b")
	server.addConversation("c-group", true, "Launch", epoch.Add(-2*time.Hour), "u-a", "u-b", "u-c")
	return server
}
