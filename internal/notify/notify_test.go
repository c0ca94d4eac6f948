package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"teamchat/internal/models"
)

type recordingPublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func TestNATSNotifierPublishesPerConversation(t *testing.T) {
	publisher := &recordingPublisher{}
	notifier := NewNATSNotifier(publisher, "teamchat.notifications", nil)

	notification := models.MessageNotification{
		SenderID:         "u-a",
		SenderName:       "Alice",
		ConversationID:   "c-group",
		ConversationName: "Launch",
		IsGroup:          true,
		Preview:          "ship it",
	}
	if err := notifier.NotifyMessage(context.Background(), notification); err != nil {
		t.Fatalf("NotifyMessage: %v", err)
	}
	if len(publisher.subjects) != 1 || publisher.subjects[0] != "teamchat.notifications.c-group" {
		t.Fatalf("unexpected subjects %v", publisher.subjects)
	}
	var decoded models.MessageNotification
	if err := json.Unmarshal(publisher.payloads[0], &decoded); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if decoded != notification {
		t.Errorf("payload mismatch: %+v", decoded)
	}
}

func TestNATSNotifierErrors(t *testing.T) {
	publisher := &recordingPublisher{err: errors.New("nats: connection closed")}
	notifier := NewNATSNotifier(publisher, "teamchat", nil)

	err := notifier.NotifyMessage(context.Background(), models.MessageNotification{ConversationID: "c-1"})
	if err == nil || !strings.Contains(err.Error(), "teamchat.c-1") {
		t.Errorf("expected publish error naming the subject, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := notifier.NotifyMessage(ctx, models.MessageNotification{ConversationID: "c-1"}); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled context: got %v", err)
	}
	if err := notifier.Close(); err != nil {
		t.Errorf("Close without a connection: %v", err)
	}
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	notifier := LogNotifier{Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	if err := notifier.NotifyMessage(context.Background(), models.MessageNotification{ConversationID: "c-9", Preview: "hello"}); err != nil {
		t.Fatalf("NotifyMessage: %v", err)
	}
	if out := buf.String(); !strings.Contains(out, "conversation_id=c-9") || !strings.Contains(out, "preview=hello") {
		t.Errorf("unexpected log line %q", out)
	}
}
