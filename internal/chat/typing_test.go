package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"teamchat/internal/models"
)

func typingEvent(t *testing.T, operation, conversationID, userID, displayName string) models.ChangeEvent {
	return change(t, models.TableTyping, operation, models.TypingState{
		ConversationID: conversationID,
		UserID:         userID,
		DisplayName:    displayName,
	})
}

func TestTypingEntryExpires(t *testing.T) {
	server := standardServer()
	alice := newTestSession(t, server, "u-a")
	ctx := context.Background()

	alice.dispatchChange(ctx, typingEvent(t, models.OpInsert, "c-group", "u-b", "Bob"))
	if got := alice.TypingLabel("c-group"); got != "Bob is typing…" {
		t.Fatalf("label %q", got)
	}

	server.clock.Advance(DefaultTypingTTL + time.Millisecond)
	if got := alice.Typers("c-group"); len(got) != 0 {
		t.Errorf("typing entry survived its TTL: %+v", got)
	}
	if n := server.clock.PendingTimers(); n != 0 {
		t.Errorf("%d timers left after expiry", n)
	}
}

func TestTypingRefreshExtendsEntry(t *testing.T) {
	server := standardServer()
	alice := newTestSession(t, server, "u-a")
	ctx := context.Background()

	alice.dispatchChange(ctx, typingEvent(t, models.OpInsert, "c-group", "u-b", "Bob"))
	server.clock.Advance(2 * time.Second)
	alice.dispatchChange(ctx, typingEvent(t, models.OpUpdate, "c-group", "u-b", "Bob"))

	server.clock.Advance(2*time.Second + time.Millisecond)
	if got := alice.Typers("c-group"); len(got) != 1 {
		t.Fatalf("refreshed entry expired early: %+v", got)
	}
	server.clock.Advance(2 * time.Second)
	if got := alice.Typers("c-group"); len(got) != 0 {
		t.Errorf("refreshed entry outlived its TTL: %+v", got)
	}
}

func TestTypingDeleteEventAndOwnEvents(t *testing.T) {
	server := standardServer()
	alice := newTestSession(t, server, "u-a")
	ctx := context.Background()

	alice.dispatchChange(ctx, typingEvent(t, models.OpInsert, "c-group", "u-a", "Alice"))
	if got := alice.Typers("c-group"); len(got) != 0 {
		t.Errorf("viewer shown as typing to themselves: %+v", got)
	}

	alice.dispatchChange(ctx, typingEvent(t, models.OpInsert, "c-group", "u-b", "Bob"))
	alice.dispatchChange(ctx, typingEvent(t, models.OpInsert, "c-group", "u-c", ""))
	if got := alice.TypingLabel("c-group"); got != "Bob and Carol are typing…" {
		t.Errorf("label %q", got)
	}

	alice.dispatchChange(ctx, typingEvent(t, models.OpDelete, "c-group", "u-b", ""))
	typers := alice.Typers("c-group")
	if len(typers) != 1 || typers[0].UserID != "u-c" {
		t.Errorf("unexpected typers after delete: %+v", typers)
	}

	// Events for unknown conversations never create entries.
	alice.dispatchChange(ctx, typingEvent(t, models.OpInsert, "c-elsewhere", "u-b", "Bob"))
	if got := alice.Typers("c-elsewhere"); len(got) != 0 {
		t.Errorf("typing entry for unknown conversation: %+v", got)
	}
	if n := server.callCount("GetConversation"); n != 0 {
		t.Errorf("typing event triggered %d lookups", n)
	}
}

func TestTypingLabel(t *testing.T) {
	tests := []struct {
		names []string
		want  string
	}{
		{nil, ""},
		{[]string{"Bob"}, "Bob is typing…"},
		{[]string{"Bob", "Carol"}, "Bob and Carol are typing…"},
		{[]string{"Bob", "Carol", "Dave"}, "Several people are typing…"},
	}
	for _, tt := range tests {
		var typers []Typer
		for _, name := range tt.names {
			typers = append(typers, Typer{DisplayName: name})
		}
		if got := typingLabel(typers); got != tt.want {
			t.Errorf("typingLabel(%v) = %q, want %q", tt.names, got, tt.want)
		}
	}
}

func TestStartTypingIdleClear(t *testing.T) {
	server := standardServer()
	alice := newTestSession(t, server, "u-a")
	ctx := context.Background()

	if err := alice.StartTyping(ctx, "c-ab"); err != nil {
		t.Fatalf("StartTyping: %v", err)
	}
	if err := alice.StartTyping(ctx, "c-ab"); err != nil {
		t.Fatalf("StartTyping: %v", err)
	}
	if n := server.callCount("UpsertTyping"); n != 1 {
		t.Errorf("expected one upsert while signaling, got %d", n)
	}

	// Input at 2s pushes the idle clear to 5s.
	server.clock.Advance(2 * time.Second)
	if err := alice.StartTyping(ctx, "c-ab"); err != nil {
		t.Fatalf("StartTyping: %v", err)
	}
	server.clock.Advance(2 * time.Second)
	if !alice.IsTyping("c-ab") || server.callCount("DeleteTyping") != 0 {
		t.Fatal("typing cleared before the idle timeout")
	}

	server.clock.Advance(time.Second + time.Millisecond)
	waitFor(t, "idle clear", func() bool { return server.callCount("DeleteTyping") == 1 })
	if alice.IsTyping("c-ab") {
		t.Error("still signaling after idle clear")
	}
}

func TestStartTypingErrors(t *testing.T) {
	server := standardServer()
	alice := newTestSession(t, server, "u-a")
	ctx := context.Background()

	server.fail("UpsertTyping", &models.APIError{Code: models.CodeConflict, Message: "row exists"})
	if err := alice.StartTyping(ctx, "c-ab"); err != nil {
		t.Errorf("conflict surfaced as error: %v", err)
	}
	if !alice.IsTyping("c-ab") {
		t.Error("conflict dropped the typing signal")
	}

	server.fail("UpsertTyping", errNetwork)
	if err := alice.StartTyping(ctx, "c-group"); !errors.Is(err, errNetwork) {
		t.Errorf("expected network error, got %v", err)
	}
	if alice.IsTyping("c-group") {
		t.Error("failed upsert left a typing signal")
	}

	if err := alice.StartTyping(ctx, "c-missing"); !errors.Is(err, ErrUnknownConversation) {
		t.Errorf("unknown conversation: got %v", err)
	}
	if err := alice.StopTyping(ctx, "c-group"); err != nil {
		t.Errorf("StopTyping while idle: %v", err)
	}
}

func TestSendClearsTyping(t *testing.T) {
	server := standardServer()
	alice := newTestSession(t, server, "u-a")
	ctx := context.Background()

	if err := alice.StartTyping(ctx, "c-ab"); err != nil {
		t.Fatalf("StartTyping: %v", err)
	}
	if _, err := alice.SendMessage(ctx, "c-ab", SendRequest{Content: "done typing"}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if alice.IsTyping("c-ab") || server.callCount("DeleteTyping") != 1 {
		t.Error("send did not clear the typing signal")
	}
}

func TestCloseStopsTimers(t *testing.T) {
	server := standardServer()
	alice := newTestSession(t, server, "u-a")
	ctx := context.Background()

	alice.dispatchChange(ctx, typingEvent(t, models.OpInsert, "c-group", "u-b", "Bob"))
	if err := alice.StartTyping(ctx, "c-ab"); err != nil {
		t.Fatalf("StartTyping: %v", err)
	}
	if err := alice.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := server.clock.PendingTimers(); n != 0 {
		t.Errorf("%d timers still pending after Close", n)
	}
	if err := alice.StartTyping(ctx, "c-ab"); !errors.Is(err, ErrClosed) {
		t.Errorf("StartTyping after Close: got %v", err)
	}
}
