package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"teamchat/internal/chat"
	"teamchat/internal/models"
)

// Subscribe opens the change-feed WebSocket. The server sends every
// change in conversations the user belongs to.
func (c *Client) Subscribe(ctx context.Context) (chat.Subscription, error) {
	feedURL := c.baseURL + "/ws"
	switch {
	case strings.HasPrefix(feedURL, "https://"):
		feedURL = "wss://" + strings.TrimPrefix(feedURL, "https://")
	case strings.HasPrefix(feedURL, "http://"):
		feedURL = "ws://" + strings.TrimPrefix(feedURL, "http://")
	}

	header := http.Header{}
	if token := c.Token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, feedURL, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, fmt.Errorf("dialing change feed: %w", decodeError(resp))
		}
		return nil, fmt.Errorf("dialing change feed: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var ready models.ChangeEvent
	if err := conn.ReadJSON(&ready); err != nil || ready.Operation != models.OpReady {
		conn.Close()
		if err == nil {
			err = fmt.Errorf("unexpected first frame %q", ready.Operation)
		}
		return nil, fmt.Errorf("waiting for change feed: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	feed := &feed{
		conn:   conn,
		events: make(chan models.ChangeEvent, 64),
		done:   make(chan struct{}),
		logger: c.logger,
	}
	go feed.run()
	return feed, nil
}

type feed struct {
	conn   *websocket.Conn
	events chan models.ChangeEvent
	done   chan struct{}
	logger *slog.Logger

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func (f *feed) run() {
	defer close(f.events)
	for {
		var event models.ChangeEvent
		if err := f.conn.ReadJSON(&event); err != nil {
			select {
			case <-f.done:
			default:
				f.mu.Lock()
				f.err = fmt.Errorf("change feed: %w", err)
				f.mu.Unlock()
				f.logger.Debug("change feed read failed", "error", err)
			}
			return
		}
		select {
		case f.events <- event:
		case <-f.done:
			return
		}
	}
}

func (f *feed) Events() <-chan models.ChangeEvent { return f.events }

func (f *feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *feed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.done)
		f.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = f.conn.Close()
	})
	return err
}
