package chat

import "errors"

var (
	// ErrNoViewer is returned by every operation on an inert Session.
	ErrNoViewer = errors.New("chat: no authenticated viewer")

	// ErrUnknownConversation means the conversation is not in the
	// viewer's conversation list.
	ErrUnknownConversation = errors.New("chat: unknown conversation")

	// ErrUnknownMessage means the message is not loaded in any
	// conversation.
	ErrUnknownMessage = errors.New("chat: unknown message")

	// ErrEmptyMessage rejects a send with neither content nor a file.
	ErrEmptyMessage = errors.New("chat: empty message")

	// ErrFeedClosed ends the event dispatcher when the change feed is
	// lost. Recover with Session.Resync.
	ErrFeedClosed = errors.New("chat: change feed closed")

	// ErrClosed is returned after Session.Close.
	ErrClosed = errors.New("chat: session closed")
)
