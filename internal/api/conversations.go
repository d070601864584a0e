package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/vbocquet/ragapi/internal/conversation"
	"github.com/vbocquet/ragapi/internal/user"
)

// MaxExplicitTitleLength bounds client-supplied conversation titles.
const MaxExplicitTitleLength = 100

// UserDirectory is the subset of the user directory the handlers need.
type UserDirectory interface {
	ResolveOrCreate(ctx context.Context, username string) (int64, error)
	Lookup(ctx context.Context, username string) (*user.User, error)
}

// ConversationStore is the subset of the conversation store the handlers
// need.
type ConversationStore interface {
	Create(ctx context.Context, userID int64, title string) (*conversation.Conversation, error)
	List(ctx context.Context, userID int64) ([]*conversation.Conversation, error)
	Messages(ctx context.Context, conversationID, userID int64) ([]*conversation.Message, error)
	Delete(ctx context.Context, conversationID, userID int64) error
}

// conversationHandler handles conversation management endpoints.
type conversationHandler struct {
	users         UserDirectory
	conversations ConversationStore
	logger        *slog.Logger
}

// CreateConversationRequest is the request body for POST /conversations.
type CreateConversationRequest struct {
	Username string `json:"username"`
	Title    string `json:"title"`
}

// CreateConversationResponse is the success body for POST /conversations.
type CreateConversationResponse struct {
	ConversationID int64  `json:"conversation_id"`
	Username       string `json:"username"`
	Title          string `json:"title"`
	CreatedAt      string `json:"created_at"`
}

// create creates a conversation, provisioning the user on first sight.
func (h *conversationHandler) create(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "invalid request body", h.logger)
		return
	}

	if err := user.ValidateUsername(req.Username); err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", err.Error(), h.logger)
		return
	}
	if len(req.Title) > MaxExplicitTitleLength {
		WriteError(w, http.StatusBadRequest, "validation_error", "title too long", h.logger)
		return
	}

	userID, err := h.users.ResolveOrCreate(r.Context(), req.Username)
	if err != nil {
		h.logger.Error("resolving user", "error", err)
		WriteError(w, http.StatusInternalServerError, "internal_error", "failed to resolve user", h.logger)
		return
	}

	conv, err := h.conversations.Create(r.Context(), userID, req.Title)
	if err != nil {
		h.logger.Error("creating conversation", "error", err)
		WriteError(w, http.StatusInternalServerError, "internal_error", "failed to create conversation", h.logger)
		return
	}

	WriteJSON(w, http.StatusCreated, CreateConversationResponse{
		ConversationID: conv.ID,
		Username:       req.Username,
		Title:          conv.Title,
		CreatedAt:      conv.CreatedAt.Format(time.RFC3339Nano),
	})
}

// list returns the user's conversations in creation order.
func (h *conversationHandler) list(w http.ResponseWriter, r *http.Request) {
	u, ok := h.lookupUser(w, r)
	if !ok {
		return
	}

	conversations, err := h.conversations.List(r.Context(), u.ID)
	if err != nil {
		h.logger.Error("listing conversations", "error", err)
		WriteError(w, http.StatusInternalServerError, "internal_error", "failed to list conversations", h.logger)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"conversations": conversations})
}

// messages returns a conversation's messages in chronological order.
// Only the owner sees them; foreign conversations read as not found.
func (h *conversationHandler) messages(w http.ResponseWriter, r *http.Request) {
	u, ok := h.lookupUser(w, r)
	if !ok {
		return
	}

	conversationID, err := strconv.ParseInt(r.PathValue("conversation_id"), 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "conversation_id must be an integer", h.logger)
		return
	}

	messages, err := h.conversations.Messages(r.Context(), conversationID, u.ID)
	if err != nil {
		h.writeConversationError(w, err, "listing messages")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// remove deletes a conversation and all its messages. The owner's
// username arrives as a query parameter.
func (h *conversationHandler) remove(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if err := user.ValidateUsername(username); err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", err.Error(), h.logger)
		return
	}

	u, err := h.users.Lookup(r.Context(), username)
	if err != nil {
		h.writeUserError(w, err)
		return
	}

	conversationID, err := strconv.ParseInt(r.PathValue("conversation_id"), 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "conversation_id must be an integer", h.logger)
		return
	}

	if err := h.conversations.Delete(r.Context(), conversationID, u.ID); err != nil {
		h.writeConversationError(w, err, "deleting conversation")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"deleted": conversationID})
}

// lookupUser resolves the {username} path segment. Writes the error
// response and returns false when the user cannot be resolved.
func (h *conversationHandler) lookupUser(w http.ResponseWriter, r *http.Request) (*user.User, bool) {
	username := r.PathValue("username")
	if err := user.ValidateUsername(username); err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", err.Error(), h.logger)
		return nil, false
	}

	u, err := h.users.Lookup(r.Context(), username)
	if err != nil {
		h.writeUserError(w, err)
		return nil, false
	}
	return u, true
}

func (h *conversationHandler) writeUserError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, user.ErrInvalidUsername):
		WriteError(w, http.StatusBadRequest, "validation_error", err.Error(), h.logger)
	case errors.Is(err, user.ErrNotFound):
		WriteError(w, http.StatusNotFound, "not_found", "user not found", h.logger)
	default:
		h.logger.Error("looking up user", "error", err)
		WriteError(w, http.StatusInternalServerError, "internal_error", "failed to look up user", h.logger)
	}
}

func (h *conversationHandler) writeConversationError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, conversation.ErrNotFound), errors.Is(err, conversation.ErrNotOwned):
		WriteError(w, http.StatusNotFound, "not_found", "conversation not found", h.logger)
	default:
		h.logger.Error(op, "error", err)
		WriteError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
	}
}
