// Package user maps email-shaped usernames to durable user records.
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MaxUsernameLength bounds stored usernames. Longer values are rejected
// rather than truncated so the unique constraint stays meaningful.
const MaxUsernameLength = 320

var (
	// ErrInvalidUsername indicates the username is not email-shaped.
	ErrInvalidUsername = errors.New("invalid username")
	// ErrNotFound indicates no user record exists for the username.
	ErrNotFound = errors.New("user not found")
)

// usernamePattern is a loose email shape check: one @, no whitespace,
// and a dotted domain. Full RFC 5322 validation is not the goal; the
// username is an identity key, not a mail destination.
var usernamePattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// User is a durable user record.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// Directory resolves usernames to user records, creating them on first
// contact.
//
// Directory is safe for concurrent use by multiple goroutines.
type Directory struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewDirectory creates a user Directory.
func NewDirectory(pool *pgxpool.Pool, logger *slog.Logger) (*Directory, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{pool: pool, logger: logger}, nil
}

// ValidateUsername reports whether username is acceptable as an identity.
// Returns ErrInvalidUsername (wrapped with the reason) otherwise.
func ValidateUsername(username string) error {
	if username == "" {
		return fmt.Errorf("%w: empty", ErrInvalidUsername)
	}
	if len(username) > MaxUsernameLength {
		return fmt.Errorf("%w: length %d exceeds maximum %d", ErrInvalidUsername, len(username), MaxUsernameLength)
	}
	if !usernamePattern.MatchString(username) {
		return fmt.Errorf("%w: %q is not email-shaped", ErrInvalidUsername, username)
	}
	return nil
}

// ResolveOrCreate returns the user id for username, creating the record
// if it does not exist.
//
// Creation is idempotent under concurrent first-contact: the INSERT uses
// ON CONFLICT DO NOTHING against the unique username constraint, and a
// losing writer falls back to reading the winner's row. Exactly one user
// row exists per username afterwards.
func (d *Directory) ResolveOrCreate(ctx context.Context, username string) (int64, error) {
	if err := ValidateUsername(username); err != nil {
		return 0, err
	}

	var id int64
	err := d.pool.QueryRow(ctx,
		`INSERT INTO users (username) VALUES ($1)
		 ON CONFLICT (username) DO NOTHING
		 RETURNING id`,
		username,
	).Scan(&id)
	if err == nil {
		d.logger.Info("created user", "user_id", id)
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("creating user: %w", err)
	}

	// Conflict path: the row already exists (possibly inserted by a
	// concurrent request a moment ago). Read it.
	err = d.pool.QueryRow(ctx,
		`SELECT id FROM users WHERE username = $1`,
		username,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		// Insert conflicted yet the row is gone: the user was deleted
		// between the two statements. Treat as not found; the caller
		// can retry.
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("looking up user: %w", err)
	}
	return id, nil
}

// Lookup returns the user record for username without creating it.
// Returns ErrNotFound if no such user exists.
func (d *Directory) Lookup(ctx context.Context, username string) (*User, error) {
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}

	u := &User{}
	err := d.pool.QueryRow(ctx,
		`SELECT id, username, created_at FROM users WHERE username = $1`,
		username,
	).Scan(&u.ID, &u.Username, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up user: %w", err)
	}
	return u, nil
}
