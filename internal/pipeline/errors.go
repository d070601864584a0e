package pipeline

import (
	"errors"
	"fmt"
)

// ErrPersistence indicates a store write failed after generation.
var ErrPersistence = errors.New("persistence failed")

// Stage identifies where in the pipeline a request failed.
type Stage string

const (
	StageResolvingUser         Stage = "resolving_user"
	StageResolvingConversation Stage = "resolving_conversation"
	StageRetrieving            Stage = "retrieving"
	StageAssembling            Stage = "assembling"
	StageGenerating            Stage = "generating"
	StagePersisting            Stage = "persisting"
)

// StageError reports a pipeline failure with enough context for the
// caller to recover: the conversation id (when one was resolved, so the
// user can retry within the same conversation) and the generated answer
// (when generation succeeded but persistence failed, so the answer is
// not lost to a storage hiccup).
type StageError struct {
	Stage          Stage
	ConversationID int64  // 0 when no conversation was resolved
	Answer         string // non-empty only when generation succeeded
	Err            error
}

func (e *StageError) Error() string {
	if e.ConversationID != 0 {
		return fmt.Sprintf("pipeline failed at %s (conversation %d): %v", e.Stage, e.ConversationID, e.Err)
	}
	return fmt.Sprintf("pipeline failed at %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
