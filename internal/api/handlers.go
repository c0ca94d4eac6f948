package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"teamchat/internal/clock"
	"teamchat/internal/db"
	"teamchat/internal/models"
	"teamchat/internal/websocket"
)

type contextKey string

const (
	userContextKey contextKey = "user"
)

// Options configures Handlers. JWTSecret is required.
type Options struct {
	JWTSecret string
	// TokenTTL defaults to 24 hours.
	TokenTTL time.Duration
	// AllowedOrigin is echoed in CORS headers and checked on WebSocket
	// upgrades. Empty allows any origin.
	AllowedOrigin string
	Clock         clock.Clock
	Logger        *slog.Logger
}

type Handlers struct {
	db            *db.DB
	hub           *websocket.Hub
	secret        []byte
	tokenTTL      time.Duration
	allowedOrigin string
	clock         clock.Clock
	logger        *slog.Logger
}

func NewHandlers(database *db.DB, hub *websocket.Hub, opts Options) *Handlers {
	h := &Handlers{
		db:            database,
		hub:           hub,
		secret:        []byte(opts.JWTSecret),
		tokenTTL:      opts.TokenTTL,
		allowedOrigin: opts.AllowedOrigin,
		clock:         opts.Clock,
		logger:        opts.Logger,
	}
	if h.tokenTTL <= 0 {
		h.tokenTTL = 24 * time.Hour
	}
	if h.clock == nil {
		h.clock = clock.Real()
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With("component", "api")
	return h
}

// Routes returns the full HTTP surface: REST endpoints behind auth and
// CORS, plus the change-feed upgrade at /ws.
func (h *Handlers) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/register", h.HandleRegister)
	mux.HandleFunc("POST /api/auth/login", h.HandleLogin)
	mux.HandleFunc("POST /api/auth/logout", h.HandleLogout)
	mux.HandleFunc("GET /api/auth/verify", h.HandleVerify)

	mux.HandleFunc("GET /api/users", h.HandleUsers)
	mux.HandleFunc("GET /api/users/{id}/profile", h.HandleProfile)

	mux.HandleFunc("GET /api/conversations", h.HandleListConversations)
	mux.HandleFunc("POST /api/conversations", h.HandleCreateConversation)
	mux.HandleFunc("GET /api/conversations/{id}", h.HandleGetConversation)
	mux.HandleFunc("PATCH /api/conversations/{id}/membership", h.HandleUpdateMembership)
	mux.HandleFunc("POST /api/conversations/{id}/leave", h.HandleLeaveConversation)
	mux.HandleFunc("POST /api/conversations/{id}/read", h.HandleMarkRead)
	mux.HandleFunc("GET /api/conversations/{id}/unread", h.HandleCountUnread)
	mux.HandleFunc("GET /api/conversations/{id}/messages", h.HandleListMessages)
	mux.HandleFunc("PUT /api/conversations/{id}/typing", h.HandleUpsertTyping)
	mux.HandleFunc("DELETE /api/conversations/{id}/typing", h.HandleDeleteTyping)

	mux.HandleFunc("POST /api/messages", h.HandleSendMessage)
	mux.HandleFunc("PATCH /api/messages/{id}", h.HandleEditMessage)
	mux.HandleFunc("DELETE /api/messages/{id}", h.HandleDeleteMessage)
	mux.HandleFunc("POST /api/messages/{id}/reactions", h.HandleAddReaction)
	mux.HandleFunc("DELETE /api/messages/{id}/reactions", h.HandleRemoveReaction)

	api := h.WithCORS(h.WithAuth(mux))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			h.HandleWebSocket(w, r)
			return
		}
		h.logRequest(api).ServeHTTP(w, r)
	})
}

func (h *Handlers) WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := h.allowedOrigin
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if origin != "*" {
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		h.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lrw.statusCode,
			"duration", time.Since(start))
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func currentUser(r *http.Request) *models.User {
	user, _ := r.Context().Value(userContextKey).(*models.User)
	return user
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, &models.APIError{Code: code, Message: message})
}

// writeError maps storage errors onto API errors. Anything unexpected is
// logged and reported as internal.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeAPIError(w, http.StatusNotFound, models.CodeNotFound, err.Error())
	case errors.Is(err, db.ErrConflict):
		writeAPIError(w, http.StatusConflict, models.CodeConflict, err.Error())
	case errors.Is(err, db.ErrForbidden):
		writeAPIError(w, http.StatusForbidden, models.CodeForbidden, err.Error())
	case errors.Is(err, db.ErrInvalid):
		writeAPIError(w, http.StatusBadRequest, models.CodeInvalid, err.Error())
	default:
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeAPIError(w, http.StatusInternalServerError, models.CodeInternal, "internal server error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeAPIError(w, http.StatusBadRequest, models.CodeInvalid, "invalid request body")
		return false
	}
	return true
}

// publish sends a row change to every active member of a conversation.
// Failures are logged; the write itself already succeeded.
func (h *Handlers) publish(ctx context.Context, conversationID, table, operation string, row any) {
	recipients, err := h.db.ActiveMemberIDs(ctx, conversationID)
	if err != nil {
		h.logger.Error("failed to resolve recipients", "conversation_id", conversationID, "error", err)
		return
	}
	h.publishTo(recipients, table, operation, row)
}

func (h *Handlers) publishTo(recipients []string, table, operation string, row any) {
	event, err := models.NewChangeEvent(table, operation, row)
	if err != nil {
		h.logger.Error("failed to encode change event", "table", table, "error", err)
		return
	}
	if err := h.hub.Publish(event, recipients); err != nil {
		h.logger.Error("failed to publish change event", "table", table, "error", err)
	}
}

// PublishTypingExpired announces typing rows removed by the sweeper.
func (h *Handlers) PublishTypingExpired(ctx context.Context, states []models.TypingState) {
	for _, state := range states {
		h.publish(ctx, state.ConversationID, models.TableTyping, models.OpDelete, state)
	}
}
