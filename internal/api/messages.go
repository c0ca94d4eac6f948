package api

import (
	"net/http"
	"strings"

	"teamchat/internal/models"
)

// HandleSendMessage answers 201 for a stored message. A replayed client id
// answers 200 with the stored row and publishes nothing.
func (h *Handlers) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req models.SendMessageRequest
	if !decode(w, r, &req) {
		return
	}
	user := currentUser(r)
	message, inserted, err := h.db.InsertMessage(r.Context(), user.ID, req, h.clock.Now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !inserted {
		writeJSON(w, http.StatusOK, message)
		return
	}
	h.publish(r.Context(), message.ConversationID, models.TableMessages, models.OpInsert, message)
	writeJSON(w, http.StatusCreated, message)
}

func (h *Handlers) HandleEditMessage(w http.ResponseWriter, r *http.Request) {
	var req models.EditMessageRequest
	if !decode(w, r, &req) {
		return
	}
	message, err := h.db.UpdateMessage(r.Context(), r.PathValue("id"), currentUser(r).ID, req.Content)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.publish(r.Context(), message.ConversationID, models.TableMessages, models.OpUpdate, message)
	writeJSON(w, http.StatusOK, message)
}

// HandleDeleteMessage soft-deletes; members see an update with is_deleted
// set.
func (h *Handlers) HandleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	message, err := h.db.DeleteMessage(r.Context(), r.PathValue("id"), currentUser(r).ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.publish(r.Context(), message.ConversationID, models.TableMessages, models.OpUpdate, message)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleAddReaction(w http.ResponseWriter, r *http.Request) {
	var req models.ReactionRequest
	if !decode(w, r, &req) {
		return
	}
	messageID := r.PathValue("id")
	user := currentUser(r)
	message, err := h.db.GetMessage(r.Context(), messageID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !h.requireMember(w, r, message.ConversationID, user.ID) {
		return
	}
	reaction, err := h.db.InsertReaction(r.Context(), messageID, user.ID, req.Emoji, h.clock.Now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.publish(r.Context(), message.ConversationID, models.TableReactions, models.OpInsert, reaction)
	writeJSON(w, http.StatusCreated, reaction)
}

func (h *Handlers) HandleRemoveReaction(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("id")
	emoji := strings.TrimSpace(r.URL.Query().Get("emoji"))
	if emoji == "" {
		writeAPIError(w, http.StatusBadRequest, models.CodeInvalid, "emoji is required")
		return
	}
	user := currentUser(r)
	message, err := h.db.GetMessage(r.Context(), messageID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !h.requireMember(w, r, message.ConversationID, user.ID) {
		return
	}
	reaction, err := h.db.DeleteReaction(r.Context(), messageID, user.ID, emoji)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.publish(r.Context(), message.ConversationID, models.TableReactions, models.OpDelete, reaction)
	w.WriteHeader(http.StatusNoContent)
}
