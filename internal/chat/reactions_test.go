package chat

import (
	"context"
	"errors"
	"testing"

	"teamchat/internal/models"
)

func TestAddReactionIdempotent(t *testing.T) {
	server := standardServer()
	alice := newTestSession(t, server, "u-a")
	ctx := context.Background()

	message := server.deliver(t, "u-b", "c-ab", "lunch?")
	if _, err := alice.LoadMessages(ctx, "c-ab", 0); err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := alice.AddReaction(ctx, message.ID, "👍"); err != nil {
			t.Fatalf("AddReaction #%d: %v", i+1, err)
		}
	}

	server.mu.Lock()
	rows := len(server.reactions)
	var row models.Reaction
	if rows > 0 {
		row = *server.reactions[0]
	}
	server.mu.Unlock()
	if rows != 1 {
		t.Fatalf("expected one reaction row, got %d", rows)
	}

	// The feed echo of the same row changes nothing.
	alice.dispatchChange(ctx, change(t, models.TableReactions, models.OpInsert, row))
	reactions := alice.Messages("c-ab")[0].Reactions
	if len(reactions) != 1 || reactions[0].Emoji != "👍" || reactions[0].UserID != "u-a" {
		t.Errorf("unexpected reactions %+v", reactions)
	}
}

func TestRemoveReaction(t *testing.T) {
	server := standardServer()
	alice := newTestSession(t, server, "u-a")
	ctx := context.Background()

	message := server.deliver(t, "u-b", "c-group", "ship it")
	carolsReaction, err := server.client("u-c").InsertReaction(ctx, message.ID, "🎉")
	if err != nil {
		t.Fatalf("InsertReaction: %v", err)
	}
	if _, err := alice.LoadMessages(ctx, "c-group", 0); err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if err := alice.AddReaction(ctx, message.ID, "🎉"); err != nil {
		t.Fatalf("AddReaction: %v", err)
	}

	summary := SummarizeReactions(alice.Messages("c-group")[0].Reactions, "u-a")
	if len(summary) != 1 || summary[0].Count != 2 || !summary[0].Mine {
		t.Fatalf("unexpected summary %+v", summary)
	}

	if err := alice.RemoveReaction(ctx, message.ID, "🎉"); err != nil {
		t.Fatalf("RemoveReaction: %v", err)
	}
	if err := alice.RemoveReaction(ctx, message.ID, "🎉"); err != nil {
		t.Errorf("removing a missing reaction: %v", err)
	}
	reactions := alice.Messages("c-group")[0].Reactions
	if len(reactions) != 1 || reactions[0].ID != carolsReaction.ID {
		t.Errorf("expected only Carol's reaction, got %+v", reactions)
	}

	// Carol withdraws hers elsewhere.
	alice.dispatchChange(ctx, change(t, models.TableReactions, models.OpDelete, carolsReaction))
	if got := alice.Messages("c-group")[0].Reactions; len(got) != 0 {
		t.Errorf("remote delete not applied: %+v", got)
	}
}

func TestAddReactionFailure(t *testing.T) {
	server := standardServer()
	alice := newTestSession(t, server, "u-a")
	ctx := context.Background()

	message := server.deliver(t, "u-b", "c-ab", "hm")
	if _, err := alice.LoadMessages(ctx, "c-ab", 0); err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	server.fail("InsertReaction", errNetwork)
	if err := alice.AddReaction(ctx, message.ID, "😮"); !errors.Is(err, errNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
	if got := alice.Messages("c-ab")[0].Reactions; len(got) != 0 {
		t.Errorf("failed reaction recorded: %+v", got)
	}
}

func TestSummarizeReactions(t *testing.T) {
	reactions := []models.Reaction{
		{ID: "r-1", UserID: "u-b", Emoji: "👍"},
		{ID: "r-2", UserID: "u-c", Emoji: "❤️"},
		{ID: "r-3", UserID: "u-a", Emoji: "👍"},
	}
	summary := SummarizeReactions(reactions, "u-a")
	if len(summary) != 2 {
		t.Fatalf("expected two groups, got %+v", summary)
	}
	if summary[0].Emoji != "👍" || summary[0].Count != 2 || !summary[0].Mine {
		t.Errorf("first group %+v", summary[0])
	}
	if summary[1].Emoji != "❤️" || summary[1].Count != 1 || summary[1].Mine {
		t.Errorf("second group %+v", summary[1])
	}
}
