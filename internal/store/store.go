// Package store provides the authoritative chat-session repository.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/study-federation/internal/domain"
)

var (
	// ErrSessionNotFound is returned when a session id does not belong to
	// the given owner and subject.
	ErrSessionNotFound = errors.New("chat session not found")
	// ErrActiveExists is returned when an insert would create a second
	// active session for one owner and subject.
	ErrActiveExists = errors.New("subject already has an active chat session")
)

// Repository defines the interface for persisting chat sessions.
//
// At most one session per (owner, subject) is active at any time. Methods
// that change which session is active do so in a single transaction.
type Repository interface {
	// GetActiveSession returns the active session, or nil when there is none.
	GetActiveSession(ctx context.Context, ownerID, subjectID string) (*domain.ChatSession, error)

	// GetSession returns a session by id regardless of state, or nil.
	GetSession(ctx context.Context, ownerID, sessionID string) (*domain.ChatSession, error)

	// UpsertSession inserts a session or replaces the messages of an active
	// one. Rows that are already archived are left untouched.
	UpsertSession(ctx context.Context, session *domain.ChatSession) error

	// ReplaceActive archives the current active session for next's owner and
	// subject, then stores next as the active session.
	ReplaceActive(ctx context.Context, next *domain.ChatSession) error

	// ActivateSession archives the current active session and makes the
	// named session active. It returns ErrSessionNotFound without changing
	// anything when the session does not exist.
	ActivateSession(ctx context.Context, ownerID, subjectID, sessionID string) error

	// ListArchived returns archived sessions, newest first.
	ListArchived(ctx context.Context, ownerID, subjectID string) ([]*domain.ChatSession, error)

	// DeleteSession removes a session row.
	DeleteSession(ctx context.Context, ownerID, sessionID string) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
