package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt"
	"golang.org/x/crypto/bcrypt"

	"teamchat/internal/db"
	"teamchat/internal/models"
)

const authCookie = "auth_token"

// IssueToken signs a session token for userID.
func (h *Handlers) IssueToken(userID string) (string, error) {
	now := h.clock.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"iat":     now.Unix(),
		"exp":     now.Add(h.tokenTTL).Unix(),
	})
	return token.SignedString(h.secret)
}

// parseToken returns the user id a valid token was issued for. Expiry is
// checked against the handler clock.
func (h *Handlers) parseToken(tokenString string) (string, error) {
	claims := jwt.MapClaims{}
	parser := jwt.Parser{SkipClaimsValidation: true}
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return h.secret, nil
	})
	if err != nil || !token.Valid {
		return "", errors.New("invalid token")
	}
	if !claims.VerifyExpiresAt(h.clock.Now().Unix(), true) {
		return "", errors.New("token expired")
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return "", errors.New("invalid user id in token")
	}
	return userID, nil
}

// tokenFromRequest reads a bearer header, then the auth cookie, then the
// token query parameter used by WebSocket clients.
func tokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	if cookie, err := r.Cookie(authCookie); err == nil {
		return cookie.Value
	}
	return r.URL.Query().Get("token")
}

func (h *Handlers) authenticate(r *http.Request) (*models.User, error) {
	tokenString := tokenFromRequest(r)
	if tokenString == "" {
		return nil, errors.New("missing token")
	}
	userID, err := h.parseToken(tokenString)
	if err != nil {
		return nil, err
	}
	user, err := h.db.GetUserByID(r.Context(), userID)
	if err != nil {
		return nil, err
	}
	user.Password = ""
	return user, nil
}

// Middleware
func (h *Handlers) WithAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth for login, register and logout
		switch r.URL.Path {
		case "/api/auth/login", "/api/auth/register", "/api/auth/logout":
			next.ServeHTTP(w, r)
			return
		}

		user, err := h.authenticate(r)
		if err != nil {
			writeAPIError(w, http.StatusUnauthorized, models.CodeUnauthorized, err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Auth handlers
func (h *Handlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		writeAPIError(w, http.StatusBadRequest, models.CodeInvalid, "username and password are required")
		return
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("hashing password: %w", err))
		return
	}
	req.Password = string(hashedPassword)

	user, err := h.db.CreateUser(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("user registered", "user_id", user.ID, "username", user.Username)
	writeJSON(w, http.StatusCreated, user)
}

func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if !decode(w, r, &req) {
		return
	}

	user, err := h.db.GetUserByUsername(r.Context(), req.Username)
	if errors.Is(err, db.ErrNotFound) {
		writeAPIError(w, http.StatusUnauthorized, models.CodeUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		writeAPIError(w, http.StatusUnauthorized, models.CodeUnauthorized, "invalid credentials")
		return
	}

	tokenString, err := h.IssueToken(user.ID)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("signing token: %w", err))
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     authCookie,
		Value:    tokenString,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(h.tokenTTL.Seconds()),
	})

	user.Password = ""
	writeJSON(w, http.StatusOK, models.LoginResponse{Token: tokenString, User: *user})
}

func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     authCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleVerify(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, currentUser(r))
}
