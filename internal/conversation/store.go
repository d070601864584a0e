package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const insertMessageSQL = `INSERT INTO messages (conversation_id, role, content)
	VALUES ($1, $2, $3)
	RETURNING id`

// foreignKeyViolation is the PostgreSQL error code raised when a message
// references a conversation that no longer exists.
const foreignKeyViolation = "23503"

// Store manages conversations and messages backed by PostgreSQL.
//
// The store is the single ordering authority for messages: ordering comes
// from server-assigned timestamps with the row id breaking ties, never
// from client clocks.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a conversation Store.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Create inserts a new conversation owned by userID. The title is
// optional and stored as given (empty means untitled).
func (s *Store) Create(ctx context.Context, userID int64, title string) (*Conversation, error) {
	c := &Conversation{UserID: userID, Title: title}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO conversations (user_id, title) VALUES ($1, $2)
		 RETURNING id, created_at`,
		userID, title,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, fmt.Errorf("user %d: %w", userID, ErrNotFound)
		}
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	s.logger.Info("created conversation", "conversation_id", c.ID, "user_id", userID)
	return c, nil
}

// Resolve returns a conversation id owned by userID.
//
// When conversationID is non-nil the conversation must exist and belong
// to userID; Resolve returns ErrNotFound or ErrNotOwned otherwise. When
// conversationID is nil a fresh conversation is created with the given
// title, so every question without an explicit conversation starts a new
// one rather than erroring.
func (s *Store) Resolve(ctx context.Context, userID int64, conversationID *int64, title string) (int64, error) {
	if conversationID == nil {
		c, err := s.Create(ctx, userID, title)
		if err != nil {
			return 0, err
		}
		return c.ID, nil
	}

	ownerID, err := s.ownerOf(ctx, s.pool, *conversationID)
	if err != nil {
		return 0, err
	}
	if ownerID != userID {
		return 0, ErrNotOwned
	}
	return *conversationID, nil
}

// AppendMessage appends a single message to the conversation and returns
// its id. The append is serialized against concurrent turn writes on the
// same conversation so a question/answer pair from another request is
// never split by this write.
func (s *Store) AppendMessage(ctx context.Context, conversationID int64, role Role, content string) (int64, error) {
	if !role.Valid() {
		return 0, fmt.Errorf("invalid role: %q", role)
	}

	var id int64
	err := s.withConversationLock(ctx, conversationID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, insertMessageSQL, conversationID, role, content).Scan(&id)
	})
	if err != nil {
		if isForeignKeyViolation(err) {
			return 0, fmt.Errorf("conversation %d: %w", conversationID, ErrNotFound)
		}
		return 0, err
	}
	return id, nil
}

// AppendTurn appends the user question and the assistant answer as one
// atomic pair, in that order. Concurrent turns on the same conversation
// serialize on a per-conversation advisory lock, so a pair is never
// interleaved with another request's writes mid-pair.
func (s *Store) AppendTurn(ctx context.Context, conversationID int64, question, answer string) error {
	err := s.withConversationLock(ctx, conversationID, func(tx pgx.Tx) error {
		if _, execErr := tx.Exec(ctx, insertMessageSQL, conversationID, RoleUser, question); execErr != nil {
			return fmt.Errorf("appending question: %w", execErr)
		}
		if _, execErr := tx.Exec(ctx, insertMessageSQL, conversationID, RoleAssistant, answer); execErr != nil {
			return fmt.Errorf("appending answer: %w", execErr)
		}
		return nil
	})
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("conversation %d: %w", conversationID, ErrNotFound)
		}
		return err
	}
	return nil
}

// withConversationLock runs fn inside a transaction holding the
// per-conversation advisory lock. pg_advisory_xact_lock releases
// automatically at commit/rollback.
func (s *Store) withConversationLock(ctx context.Context, conversationID int64, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	if _, lockErr := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, conversationID); lockErr != nil {
		return fmt.Errorf("acquiring advisory lock: %w", lockErr)
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing conversation transaction: %w", err)
	}
	return nil
}

// List returns all conversations owned by userID in creation order
// ascending. Creation order gives stable pagination as new conversations
// arrive.
func (s *Store) List(ctx context.Context, userID int64) ([]*Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, title, created_at
		 FROM conversations
		 WHERE user_id = $1
		 ORDER BY created_at ASC, id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	return scanConversations(rows)
}

// Messages returns all messages of the conversation in chronological
// order. The conversation must be owned by userID; ErrNotFound and
// ErrNotOwned are returned otherwise.
func (s *Store) Messages(ctx context.Context, conversationID, userID int64) ([]*Message, error) {
	ownerID, err := s.ownerOf(ctx, s.pool, conversationID)
	if err != nil {
		return nil, err
	}
	if ownerID != userID {
		return nil, ErrNotOwned
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, role, content, created_at
		 FROM messages
		 WHERE conversation_id = $1
		 ORDER BY created_at ASC, id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// Recent returns the most recent n messages of the conversation in
// chronological order. Used for bounded context assembly; no owner check
// because callers resolve ownership before assembly.
func (s *Store) Recent(ctx context.Context, conversationID int64, n int) ([]*Message, error) {
	if n <= 0 {
		return []*Message{}, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, role, content, created_at
		 FROM (
		   SELECT id, conversation_id, role, content, created_at
		   FROM messages
		   WHERE conversation_id = $1
		   ORDER BY created_at DESC, id DESC
		   LIMIT $2
		 ) recent
		 ORDER BY created_at ASC, id ASC`,
		conversationID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("listing recent messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// Delete removes the conversation and, by cascade, all its messages.
// Returns ErrNotFound if the conversation does not exist and ErrNotOwned
// if it belongs to a different user.
func (s *Store) Delete(ctx context.Context, conversationID, userID int64) error {
	// Atomic delete: only removes if both id and owner match.
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM conversations WHERE id = $1 AND user_id = $2`,
		conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("deleting conversation %d: %w", conversationID, err)
	}

	if tag.RowsAffected() == 0 {
		// Distinguish not-found vs not-owned.
		if _, lookupErr := s.ownerOf(ctx, s.pool, conversationID); lookupErr != nil {
			return lookupErr
		}
		return ErrNotOwned
	}

	s.logger.Info("deleted conversation", "conversation_id", conversationID, "user_id", userID)
	return nil
}

// ownerOf returns the owning user id of the conversation, or ErrNotFound.
func (*Store) ownerOf(ctx context.Context, q querier, conversationID int64) (int64, error) {
	var ownerID int64
	err := q.QueryRow(ctx,
		`SELECT user_id FROM conversations WHERE id = $1`,
		conversationID,
	).Scan(&ownerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("looking up conversation %d: %w", conversationID, err)
	}
	return ownerID, nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation
}

func scanConversations(rows pgx.Rows) ([]*Conversation, error) {
	conversations := []*Conversation{}
	for rows.Next() {
		c := &Conversation{}
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		conversations = append(conversations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}
	return conversations, nil
}

func scanMessages(rows pgx.Rows) ([]*Message, error) {
	messages := []*Message{}
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return messages, nil
}
