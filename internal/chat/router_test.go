package chat

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"teamchat/internal/models"
)

func TestDecodeEvent(t *testing.T) {
	message := models.Message{ID: "m-1", ConversationID: "c-1"}
	tests := []struct {
		name    string
		change  models.ChangeEvent
		want    string
		wantErr bool
	}{
		{"message insert", change(t, models.TableMessages, models.OpInsert, message), "chat.messageInserted", false},
		{"message update", change(t, models.TableMessages, models.OpUpdate, message), "chat.messageUpdated", false},
		{"message delete", change(t, models.TableMessages, models.OpDelete, message), "chat.messageUpdated", false},
		{"typing upsert", change(t, models.TableTyping, models.OpUpdate, models.TypingState{}), "chat.typingChanged", false},
		{"typing delete", change(t, models.TableTyping, models.OpDelete, models.TypingState{}), "chat.typingCleared", false},
		{"reaction insert", change(t, models.TableReactions, models.OpInsert, models.Reaction{}), "chat.reactionInserted", false},
		{"reaction update", change(t, models.TableReactions, models.OpUpdate, models.Reaction{}), "", true},
		{"unknown table", models.ChangeEvent{Table: "profiles", Operation: models.OpInsert, Row: json.RawMessage(`{}`)}, "", true},
		{"bad row", models.ChangeEvent{Table: models.TableMessages, Operation: models.OpInsert, Row: json.RawMessage(`[`)}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded, err := decodeEvent(tt.change)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %T", decoded)
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeEvent: %v", err)
			}
			if got := typeName(decoded); got != tt.want {
				t.Errorf("decoded %s, want %s", got, tt.want)
			}
		})
	}

	decoded, _ := decodeEvent(change(t, models.TableMessages, models.OpDelete, message))
	if !decoded.(messageUpdated).message.IsDeleted {
		t.Error("message delete not decoded as a soft delete")
	}
}

func typeName(e event) string {
	switch e.(type) {
	case messageInserted:
		return "chat.messageInserted"
	case messageUpdated:
		return "chat.messageUpdated"
	case typingChanged:
		return "chat.typingChanged"
	case typingCleared:
		return "chat.typingCleared"
	case reactionInserted:
		return "chat.reactionInserted"
	case reactionDeleted:
		return "chat.reactionDeleted"
	}
	return "unknown"
}

func TestRouterIgnoresForeignConversations(t *testing.T) {
	server := standardServer()
	server.addConversation("c-bc", false, "", epoch, "u-b", "u-c")
	alice := newTestSession(t, server, "u-a")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		message := server.deliver(t, "u-b", "c-bc", "private")
		alice.dispatchChange(ctx, change(t, models.TableMessages, models.OpInsert, message))
	}
	if n := server.callCount("GetConversation"); n != 1 {
		t.Errorf("expected one membership lookup, got %d", n)
	}
	if _, ok := alice.Conversation("c-bc"); ok {
		t.Error("foreign conversation added")
	}
	if got := alice.Messages("c-bc"); len(got) != 0 || alice.TotalUnread() != 0 {
		t.Errorf("foreign messages leaked: %d messages, %d unread", len(got), alice.TotalUnread())
	}
}

func TestRouterPicksUpNewConversation(t *testing.T) {
	server := standardServer()
	alice := newTestSession(t, server, "u-a")
	ctx := context.Background()

	// Carol starts a thread with Alice after Alice loaded her list.
	created, err := server.client("u-c").CreateConversation(ctx, models.CreateConversationRequest{Members: []string{"u-a"}})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	server.clock.Advance(time.Second)
	message := server.deliver(t, "u-c", created.Conversation.ID, "hi alice")
	alice.dispatchChange(ctx, change(t, models.TableMessages, models.OpInsert, message))

	conversation, ok := alice.Conversation(created.Conversation.ID)
	if !ok {
		t.Fatal("new conversation not picked up")
	}
	if conversation.DisplayName != "Carol" || conversation.UnreadCount != 1 || alice.TotalUnread() != 1 {
		t.Errorf("new conversation: name %q unread %d total %d", conversation.DisplayName, conversation.UnreadCount, alice.TotalUnread())
	}
}

func TestEndToEndSend(t *testing.T) {
	server := standardServer()
	notifier := &recordingNotifier{}
	alice := startTestSession(t, server, "u-a", func(c *Config) {
		c.Notifier = notifier
		c.NewTempID = func() string { return "t-1" }
	})
	bob := startTestSession(t, server, "u-b")
	ctx := context.Background()

	aliceBefore, _ := alice.Conversation("c-ab")
	bobBefore, _ := bob.Conversation("c-ab")
	at := server.clock.Now()

	server.queueID("m-42")
	sent, err := alice.SendMessage(ctx, "c-ab", SendRequest{Content: "hi"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if sent.ID != "m-42" || sent.TempID != "t-1" || sent.Content != "hi" || !sent.CreatedAt.Equal(at) {
		t.Errorf("unexpected sent message %+v", sent)
	}

	// A later message from Bob orders behind the echo on Alice's feed.
	server.clock.Advance(time.Second)
	server.deliver(t, "u-b", "c-ab", "hey")
	waitFor(t, "alice to see bob's reply", func() bool { return len(alice.Messages("c-ab")) == 2 })

	count := 0
	for _, message := range alice.Messages("c-ab") {
		if message.ID == "m-42" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one m-42 entry, got %d", count)
	}

	waitFor(t, "bob to see alice's message", func() bool {
		conversation, _ := bob.Conversation("c-ab")
		return conversation.UnreadCount == bobBefore.UnreadCount+1
	})
	// Alice's only increment is Bob's reply.
	aliceAfter, _ := alice.Conversation("c-ab")
	if aliceAfter.UnreadCount != aliceBefore.UnreadCount+1 {
		t.Errorf("alice unread %d, want %d", aliceAfter.UnreadCount, aliceBefore.UnreadCount+1)
	}

	bobMessages := bob.Messages("c-ab")
	if len(bobMessages) == 0 || bobMessages[0].ID != "m-42" || bobMessages[0].SenderName != "Alice" {
		t.Errorf("bob's timeline %+v", bobMessages)
	}

	notifications := notifier.all()
	if len(notifications) != 1 {
		t.Fatalf("expected one notification, got %d", len(notifications))
	}
	if n := notifications[0]; n.SenderName != "Alice" || n.Preview != "hi" || n.IsGroup || n.ConversationID != "c-ab" {
		t.Errorf("unexpected notification %+v", n)
	}
}

func TestFeedLossAndResync(t *testing.T) {
	server := standardServer()
	alice := startTestSession(t, server, "u-a")
	ctx := context.Background()

	disconnected := alice.Disconnected()
	server.dropFeeds(errors.New("socket reset"))
	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop after feed loss")
	}
	waitFor(t, "feed error", func() bool { return errors.Is(alice.FeedErr(), ErrFeedClosed) })

	// Missed while disconnected; picked up by the recount.
	server.deliver(t, "u-b", "c-ab", "while you were away")
	if alice.TotalUnread() != 0 {
		t.Fatal("message delivered without a feed")
	}

	if err := alice.Resync(ctx); err != nil {
		t.Fatalf("Resync: %v", err)
	}
	if alice.FeedErr() != nil {
		t.Errorf("feed error after resync: %v", alice.FeedErr())
	}
	if alice.TotalUnread() != 1 {
		t.Errorf("recount after resync: %d", alice.TotalUnread())
	}

	server.clock.Advance(time.Second)
	server.deliver(t, "u-c", "c-group", "back online")
	waitFor(t, "live event after resync", func() bool { return alice.TotalUnread() == 2 })
}

func TestChangesSignal(t *testing.T) {
	server := standardServer()
	alice := newTestSession(t, server, "u-a")
	ctx := context.Background()

	// Drain the signal left by the initial load.
	select {
	case <-alice.Changes():
	default:
	}

	message := server.deliver(t, "u-b", "c-ab", "ping")
	alice.dispatchChange(ctx, change(t, models.TableMessages, models.OpInsert, message))
	alice.dispatchChange(ctx, change(t, models.TableMessages, models.OpInsert, message))
	select {
	case <-alice.Changes():
	default:
		t.Fatal("no change signal after an insert")
	}
	select {
	case <-alice.Changes():
		t.Error("signals did not coalesce")
	default:
	}
}
