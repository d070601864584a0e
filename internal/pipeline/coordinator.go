// Package pipeline sequences the retrieval-augmented answer flow: resolve
// user and conversation, assemble context, generate, persist.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vbocquet/ragapi/internal/conversation"
	"github.com/vbocquet/ragapi/internal/retrieval"
)

const (
	// RetrieveTimeout bounds one retrieval attempt.
	RetrieveTimeout = 10 * time.Second

	// retryBackoff is slept between the first attempt and the single
	// retry of a remote stage.
	retryBackoff = 500 * time.Millisecond
)

// UserDirectory resolves usernames to user ids, creating on first sight.
type UserDirectory interface {
	ResolveOrCreate(ctx context.Context, username string) (int64, error)
}

// ConversationStore is the subset of the conversation store the
// coordinator needs.
type ConversationStore interface {
	Resolve(ctx context.Context, userID int64, conversationID *int64, title string) (int64, error)
	Recent(ctx context.Context, conversationID int64, n int) ([]*conversation.Message, error)
	AppendMessage(ctx context.Context, conversationID int64, role conversation.Role, content string) (int64, error)
	AppendTurn(ctx context.Context, conversationID int64, question, answer string) error
}

// Retriever returns the passages most relevant to a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]retrieval.Passage, error)
}

// Generator produces an answer from an assembled prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Request is one incoming question. ConversationID nil means "start a
// fresh conversation".
type Request struct {
	Question       string
	Username       string
	ConversationID *int64
}

// Result is a completed pipeline invocation.
type Result struct {
	Answer         string
	ConversationID int64
	Username       string
}

// Config carries the coordinator's collaborators and tuning.
type Config struct {
	Users         UserDirectory
	Conversations ConversationStore
	Retriever     Retriever
	Generator     Generator
	TopK          int
	HistoryWindow int
	Logger        *slog.Logger
}

// Coordinator runs the answer pipeline. Stateless across requests: all
// shared state lives in the injected collaborators, which are pooled and
// safe for concurrent use.
type Coordinator struct {
	users         UserDirectory
	conversations ConversationStore
	retriever     Retriever
	generator     Generator
	topK          int
	historyWindow int
	logger        *slog.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Users == nil {
		return nil, fmt.Errorf("user directory is required")
	}
	if cfg.Conversations == nil {
		return nil, fmt.Errorf("conversation store is required")
	}
	if cfg.Retriever == nil {
		return nil, fmt.Errorf("retriever is required")
	}
	if cfg.Generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if cfg.TopK <= 0 {
		return nil, fmt.Errorf("top-k must be positive, got %d", cfg.TopK)
	}
	if cfg.HistoryWindow <= 0 {
		return nil, fmt.Errorf("history window must be positive, got %d", cfg.HistoryWindow)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		users:         cfg.Users,
		conversations: cfg.Conversations,
		retriever:     cfg.Retriever,
		generator:     cfg.Generator,
		topK:          cfg.TopK,
		historyWindow: cfg.HistoryWindow,
		logger:        cfg.Logger,
	}, nil
}

// Ask runs one question through the pipeline.
//
// Stage order: resolve user, resolve conversation, fetch bounded history,
// retrieve passages, assemble, generate, persist the question/answer pair.
// Failures before a conversation is resolved persist nothing. Failures at
// retrieval or generation persist the question alone so the user's input
// is never silently dropped, and return a StageError carrying the
// conversation id for retry. A persistence failure after generation
// carries the answer text in the StageError so it is not lost.
func (c *Coordinator) Ask(ctx context.Context, req Request) (*Result, error) {
	if req.Question == "" {
		return nil, fmt.Errorf("question is required")
	}

	userID, err := c.users.ResolveOrCreate(ctx, req.Username)
	if err != nil {
		return nil, &StageError{Stage: StageResolvingUser, Err: err}
	}

	convID, err := c.conversations.Resolve(ctx, userID, req.ConversationID, conversation.AutoTitle(req.Question))
	if err != nil {
		return nil, &StageError{Stage: StageResolvingConversation, Err: err}
	}

	log := c.logger.With("conversation_id", convID, "user_id", userID)

	history, err := c.conversations.Recent(ctx, convID, c.historyWindow)
	if err != nil {
		c.persistQuestion(ctx, log, convID, req.Question)
		return nil, &StageError{Stage: StageAssembling, ConversationID: convID, Err: err}
	}

	// The retrieval query is the raw question, not the assembled prompt.
	passages, err := c.retrieveWithRetry(ctx, log, req.Question)
	if err != nil {
		c.persistQuestion(ctx, log, convID, req.Question)
		return nil, &StageError{Stage: StageRetrieving, ConversationID: convID, Err: err}
	}

	prompt := BuildPrompt(passages, history, req.Question)

	answer, err := c.generateWithRetry(ctx, log, prompt)
	if err != nil {
		c.persistQuestion(ctx, log, convID, req.Question)
		return nil, &StageError{Stage: StageGenerating, ConversationID: convID, Err: err}
	}

	if err := c.conversations.AppendTurn(ctx, convID, req.Question, answer); err != nil {
		return nil, &StageError{
			Stage:          StagePersisting,
			ConversationID: convID,
			Answer:         answer,
			Err:            fmt.Errorf("%w: %w", ErrPersistence, err),
		}
	}

	log.Info("answered question",
		"passages", len(passages),
		"history", len(history),
		"answer_len", len(answer))
	return &Result{
		Answer:         answer,
		ConversationID: convID,
		Username:       req.Username,
	}, nil
}

// retrieveWithRetry runs retrieval with a per-attempt timeout, retrying
// once after a short backoff.
func (c *Coordinator) retrieveWithRetry(ctx context.Context, log *slog.Logger, query string) ([]retrieval.Passage, error) {
	passages, err := c.retrieveOnce(ctx, query)
	if err == nil || !retryable(ctx, err) {
		return passages, err
	}

	log.Warn("retrieval failed, retrying", "error", err)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(retryBackoff):
	}
	return c.retrieveOnce(ctx, query)
}

func (c *Coordinator) retrieveOnce(ctx context.Context, query string) ([]retrieval.Passage, error) {
	retrieveCtx, cancel := context.WithTimeout(ctx, RetrieveTimeout)
	defer cancel()
	return c.retriever.Retrieve(retrieveCtx, query, c.topK)
}

// generateWithRetry runs generation, retrying once after a short backoff.
// The generator applies its own per-call timeout.
func (c *Coordinator) generateWithRetry(ctx context.Context, log *slog.Logger, prompt string) (string, error) {
	answer, err := c.generator.Generate(ctx, prompt)
	if err == nil || !retryable(ctx, err) {
		return answer, err
	}

	log.Warn("generation failed, retrying", "error", err)
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(retryBackoff):
	}
	return c.generator.Generate(ctx, prompt)
}

// retryable reports whether a remote stage failure is worth one retry.
// A dead parent context is not.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// persistQuestion records the user's question on the graceful-degradation
// path. Best-effort: the request is already failing for another reason,
// so a second failure here is logged, not surfaced.
func (c *Coordinator) persistQuestion(ctx context.Context, log *slog.Logger, convID int64, question string) {
	if _, err := c.conversations.AppendMessage(ctx, convID, conversation.RoleUser, question); err != nil {
		log.Error("persisting question after stage failure", "error", err)
	}
}
