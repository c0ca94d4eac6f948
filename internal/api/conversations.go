package api

import (
	"net/http"
	"strconv"
	"time"

	gorilla "github.com/gorilla/websocket"

	"teamchat/internal/db"
	"teamchat/internal/models"
	"teamchat/internal/websocket"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 200
)

func (h *Handlers) HandleUsers(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	users, err := h.db.SearchUsers(r.Context(), user.OrganizationID, r.URL.Query().Get("search"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if users == nil {
		users = []*models.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *Handlers) HandleProfile(w http.ResponseWriter, r *http.Request) {
	user, err := h.db.GetUserByID(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.Profile{
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		AvatarURL:   user.Avatar,
	})
}

func (h *Handlers) HandleListConversations(w http.ResponseWriter, r *http.Request) {
	views, err := h.db.ListConversations(r.Context(), currentUser(r).ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if views == nil {
		views = []models.ConversationView{}
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handlers) HandleGetConversation(w http.ResponseWriter, r *http.Request) {
	view, err := h.db.GetConversationView(r.Context(), r.PathValue("id"), currentUser(r).ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleCreateConversation answers 201 for a new conversation and 200 when
// an existing direct conversation is returned.
func (h *Handlers) HandleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req models.CreateConversationRequest
	if !decode(w, r, &req) {
		return
	}
	user := currentUser(r)
	view, created, err := h.db.CreateConversation(r.Context(), user.ID, req, h.clock.Now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.logger.Info("conversation created",
			"conversation_id", view.Conversation.ID, "is_group", view.Conversation.IsGroup, "members", len(view.Members))
	}
	writeJSON(w, status, view)
}

func (h *Handlers) HandleUpdateMembership(w http.ResponseWriter, r *http.Request) {
	var patch models.MembershipPatch
	if !decode(w, r, &patch) {
		return
	}
	if err := h.db.UpdateMembership(r.Context(), r.PathValue("id"), currentUser(r).ID, patch); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleLeaveConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	user := currentUser(r)
	if err := h.db.LeaveConversation(r.Context(), conversationID, user.ID, h.clock.Now()); err != nil {
		h.writeError(w, r, err)
		return
	}
	// Remaining members drop the leaver's typing row.
	h.publish(r.Context(), conversationID, models.TableTyping, models.OpDelete,
		models.TypingState{ConversationID: conversationID, UserID: user.ID})
	w.WriteHeader(http.StatusNoContent)
}

// HandleMarkRead moves the read watermark to the given time, or to now
// when none is given.
func (h *Handlers) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req models.MarkReadRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	at := req.At
	if at.IsZero() {
		at = h.clock.Now()
	}
	if err := h.db.MarkRead(r.Context(), r.PathValue("id"), currentUser(r).ID, at); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleCountUnread(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	user := currentUser(r)
	if !h.requireMember(w, r, conversationID, user.ID) {
		return
	}
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, models.CodeInvalid, "since must be an RFC 3339 timestamp")
			return
		}
		since = parsed
	}
	unread, err := h.db.CountUnread(r.Context(), conversationID, user.ID, since)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, unread)
}

func (h *Handlers) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	if !h.requireMember(w, r, conversationID, currentUser(r).ID) {
		return
	}
	limit := defaultMessageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeAPIError(w, http.StatusBadRequest, models.CodeInvalid, "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxMessageLimit)
	}
	messages, err := h.db.ListMessages(r.Context(), conversationID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func (h *Handlers) HandleUpsertTyping(w http.ResponseWriter, r *http.Request) {
	var req models.TypingRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	user := currentUser(r)
	displayName := req.DisplayName
	if displayName == "" {
		displayName = user.DisplayName
	}
	state, operation, err := h.db.UpsertTyping(r.Context(), r.PathValue("id"), user.ID, displayName, h.clock.Now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.publish(r.Context(), state.ConversationID, models.TableTyping, operation, state)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleDeleteTyping(w http.ResponseWriter, r *http.Request) {
	state, err := h.db.DeleteTyping(r.Context(), r.PathValue("id"), currentUser(r).ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.publish(r.Context(), state.ConversationID, models.TableTyping, models.OpDelete, state)
	w.WriteHeader(http.StatusNoContent)
}

// requireMember answers 404 unless userID is an active member.
func (h *Handlers) requireMember(w http.ResponseWriter, r *http.Request, conversationID, userID string) bool {
	member, err := h.db.IsActiveMember(r.Context(), conversationID, userID)
	if err != nil {
		h.writeError(w, r, err)
		return false
	}
	if !member {
		writeAPIError(w, http.StatusNotFound, models.CodeNotFound, "conversation "+conversationID+": "+db.ErrNotFound.Error())
		return false
	}
	return true
}

// WebSocket handler
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, err := h.authenticate(r)
	if err != nil {
		h.logger.Warn("change-feed connection rejected", "remote_addr", r.RemoteAddr, "error", err)
		writeAPIError(w, http.StatusUnauthorized, models.CodeUnauthorized, err.Error())
		return
	}

	upgrader := gorilla.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return h.allowedOrigin == "" || origin == "" || origin == h.allowedOrigin
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", "user_id", user.ID, "error", err)
		return
	}

	client := websocket.NewClient(h.hub, conn, user.ID)
	if !h.hub.Attach(client) {
		conn.Close()
		return
	}
	go client.WritePump()
	go client.ReadPump()
}
