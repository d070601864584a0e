package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/vbocquet/ragapi/internal/answer"
	"github.com/vbocquet/ragapi/internal/conversation"
	"github.com/vbocquet/ragapi/internal/pipeline"
	"github.com/vbocquet/ragapi/internal/retrieval"
	"github.com/vbocquet/ragapi/internal/user"
)

// MaxQuestionLength bounds incoming question text.
const MaxQuestionLength = 8192

// Asker runs one question through the answer pipeline.
type Asker interface {
	Ask(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// askHandler handles the question endpoint.
type askHandler struct {
	pipeline Asker
	logger   *slog.Logger
}

// AskRequest is the request body for POST /ask.
type AskRequest struct {
	Question       string `json:"question"`
	Username       string `json:"username"`
	ConversationID *int64 `json:"conversation_id"`
}

// AskResponse is the success body for POST /ask.
type AskResponse struct {
	Answer         string `json:"answer"`
	ConversationID int64  `json:"conversation_id"`
	Username       string `json:"username"`
}

func (h *askHandler) ask(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "invalid request body", h.logger)
		return
	}

	if req.Question == "" {
		WriteError(w, http.StatusBadRequest, "validation_error", "question is required", h.logger)
		return
	}
	if len(req.Question) > MaxQuestionLength {
		WriteError(w, http.StatusBadRequest, "validation_error", "question too long", h.logger)
		return
	}
	if err := user.ValidateUsername(req.Username); err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", err.Error(), h.logger)
		return
	}

	res, err := h.pipeline.Ask(r.Context(), pipeline.Request{
		Question:       req.Question,
		Username:       req.Username,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		h.writeAskError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, AskResponse{
		Answer:         res.Answer,
		ConversationID: res.ConversationID,
		Username:       res.Username,
	})
}

// writeAskError maps pipeline failures to HTTP responses. The error
// envelope carries the conversation id whenever one was resolved, so the
// caller can retry within the same conversation, and the generated answer
// when only persistence failed.
func (h *askHandler) writeAskError(w http.ResponseWriter, err error) {
	var stageErr *pipeline.StageError
	var convID *int64
	if errors.As(err, &stageErr) && stageErr.ConversationID != 0 {
		id := stageErr.ConversationID
		convID = &id
	}

	switch {
	case errors.Is(err, user.ErrInvalidUsername):
		WriteError(w, http.StatusBadRequest, "validation_error", "username must be email-shaped", h.logger)

	// Checked before ErrNotFound: a persistence failure can wrap
	// ErrNotFound (conversation deleted mid-request) and must still
	// hand the generated answer back.
	case errors.Is(err, pipeline.ErrPersistence):
		h.logger.Error("persistence failed", "error", err)
		resp := ErrorResponse{
			Error:          "persistence_failed",
			Message:        "the answer was generated but could not be saved",
			ConversationID: convID,
		}
		if stageErr != nil {
			resp.Answer = stageErr.Answer
		}
		WriteJSON(w, http.StatusInternalServerError, resp)

	case errors.Is(err, conversation.ErrNotFound), errors.Is(err, conversation.ErrNotOwned):
		// Not-owned deliberately reads as not-found so conversation ids
		// never leak across users.
		WriteError(w, http.StatusNotFound, "not_found", "conversation not found", h.logger)

	case errors.Is(err, retrieval.ErrUnavailable):
		h.logger.Error("retrieval failed", "error", err)
		WriteJSON(w, http.StatusBadGateway, ErrorResponse{
			Error:          "retrieval_failed",
			Message:        "document retrieval is unavailable, please retry",
			ConversationID: convID,
		})

	case errors.Is(err, answer.ErrGeneration):
		h.logger.Error("generation failed", "error", err)
		WriteJSON(w, http.StatusBadGateway, ErrorResponse{
			Error:          "generation_failed",
			Message:        "answer generation failed, please retry",
			ConversationID: convID,
		})

	default:
		h.logger.Error("ask failed", "error", err)
		WriteError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
	}
}
