// Package backend implements the chat engine's backend and profile
// interfaces against the reference REST API and its change-feed
// WebSocket.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"teamchat/internal/chat"
	"teamchat/internal/models"
)

// Client talks to one server as one user. Call Login (or SetToken) before
// using it as a chat.Backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *slog.Logger

	mu    sync.RWMutex
	token string
}

var (
	_ chat.Backend       = (*Client)(nil)
	_ chat.ProfileLookup = (*Client)(nil)
)

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "backend")
	return c
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) Register(ctx context.Context, request models.RegisterRequest) (models.User, error) {
	var user models.User
	err := c.do(ctx, http.MethodPost, "/api/auth/register", request, &user)
	return user, err
}

// Login authenticates and keeps the issued token for later calls.
func (c *Client) Login(ctx context.Context, username, password string) (models.LoginResponse, error) {
	var response models.LoginResponse
	err := c.do(ctx, http.MethodPost, "/api/auth/login", models.LoginRequest{Username: username, Password: password}, &response)
	if err != nil {
		return response, err
	}
	c.SetToken(response.Token)
	return response, nil
}

// Viewer builds the engine identity for the logged-in user.
func Viewer(user models.User) chat.Viewer {
	return chat.Viewer{UserID: user.ID, DisplayName: user.DisplayName, OrganizationID: user.OrganizationID}
}

func (c *Client) SearchUsers(ctx context.Context, query string) ([]models.User, error) {
	var users []models.User
	err := c.do(ctx, http.MethodGet, "/api/users?search="+url.QueryEscape(query), nil, &users)
	return users, err
}

func (c *Client) Profile(ctx context.Context, userID string) (models.Profile, error) {
	var profile models.Profile
	err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID)+"/profile", nil, &profile)
	return profile, err
}

func (c *Client) ListConversations(ctx context.Context) ([]models.ConversationView, error) {
	var views []models.ConversationView
	err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &views)
	return views, err
}

func (c *Client) GetConversation(ctx context.Context, conversationID string) (models.ConversationView, error) {
	var view models.ConversationView
	err := c.do(ctx, http.MethodGet, conversationPath(conversationID, ""), nil, &view)
	return view, err
}

func (c *Client) CreateConversation(ctx context.Context, request models.CreateConversationRequest) (models.ConversationView, error) {
	var view models.ConversationView
	err := c.do(ctx, http.MethodPost, "/api/conversations", request, &view)
	return view, err
}

func (c *Client) UpdateMembership(ctx context.Context, conversationID string, patch models.MembershipPatch) error {
	return c.do(ctx, http.MethodPatch, conversationPath(conversationID, "/membership"), patch, nil)
}

func (c *Client) LeaveConversation(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPost, conversationPath(conversationID, "/leave"), nil, nil)
}

func (c *Client) MarkRead(ctx context.Context, conversationID string, at time.Time) error {
	return c.do(ctx, http.MethodPost, conversationPath(conversationID, "/read"), models.MarkReadRequest{At: at}, nil)
}

func (c *Client) CountUnread(ctx context.Context, conversationID string, since time.Time) (models.UnreadCount, error) {
	var unread models.UnreadCount
	path := conversationPath(conversationID, "/unread") + "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	err := c.do(ctx, http.MethodGet, path, nil, &unread)
	return unread, err
}

func (c *Client) ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	var messages []models.Message
	path := conversationPath(conversationID, "/messages") + "?limit=" + strconv.Itoa(limit)
	err := c.do(ctx, http.MethodGet, path, nil, &messages)
	return messages, err
}

func (c *Client) InsertMessage(ctx context.Context, request models.SendMessageRequest) (models.Message, error) {
	var message models.Message
	err := c.do(ctx, http.MethodPost, "/api/messages", request, &message)
	return message, err
}

func (c *Client) UpdateMessage(ctx context.Context, messageID, content string) (models.Message, error) {
	var message models.Message
	err := c.do(ctx, http.MethodPatch, messagePath(messageID, ""), models.EditMessageRequest{Content: content}, &message)
	return message, err
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodDelete, messagePath(messageID, ""), nil, nil)
}

func (c *Client) InsertReaction(ctx context.Context, messageID, emoji string) (models.Reaction, error) {
	var reaction models.Reaction
	err := c.do(ctx, http.MethodPost, messagePath(messageID, "/reactions"),
		models.ReactionRequest{MessageID: messageID, Emoji: emoji}, &reaction)
	return reaction, err
}

func (c *Client) DeleteReaction(ctx context.Context, messageID, emoji string) error {
	return c.do(ctx, http.MethodDelete, messagePath(messageID, "/reactions")+"?emoji="+url.QueryEscape(emoji), nil, nil)
}

func (c *Client) UpsertTyping(ctx context.Context, conversationID, displayName string) error {
	return c.do(ctx, http.MethodPut, conversationPath(conversationID, "/typing"),
		models.TypingRequest{ConversationID: conversationID, DisplayName: displayName}, nil)
}

func (c *Client) DeleteTyping(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodDelete, conversationPath(conversationID, "/typing"), nil, nil)
}

func conversationPath(conversationID, suffix string) string {
	return "/api/conversations/" + url.PathEscape(conversationID) + suffix
}

func messagePath(messageID, suffix string) string {
	return "/api/messages/" + url.PathEscape(messageID) + suffix
}

// do sends one JSON request. Non-2xx responses become *models.APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &models.APIError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Code == "" {
		apiErr.Code = codeForStatus(resp.StatusCode)
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusNotFound:
		return models.CodeNotFound
	case http.StatusConflict:
		return models.CodeConflict
	case http.StatusForbidden:
		return models.CodeForbidden
	case http.StatusUnauthorized:
		return models.CodeUnauthorized
	case http.StatusBadRequest:
		return models.CodeInvalid
	default:
		return models.CodeInternal
	}
}
