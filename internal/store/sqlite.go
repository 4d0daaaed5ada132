package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashureev/study-federation/internal/domain"
	"github.com/ashureev/study-federation/internal/shared"
)

const (
	maxRetries = 3
	baseDelay  = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	// writeMu serializes writers so concurrent saves queue here instead of
	// failing with SQLITE_BUSY.
	writeMu sync.Mutex
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS chat_sessions (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		messages_json TEXT NOT NULL DEFAULT '[]',
		is_active INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_chat_sessions_one_active
		ON chat_sessions(owner_id, subject_id) WHERE is_active = 1;
	CREATE INDEX IF NOT EXISTS idx_chat_sessions_owner_subject
		ON chat_sessions(owner_id, subject_id, updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

const sessionColumns = `id, owner_id, subject_id, messages_json, is_active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.ChatSession, error) {
	var sess domain.ChatSession
	var messagesJSON string
	var createdAt, updatedAt int64

	if err := row.Scan(
		&sess.ID, &sess.OwnerID, &sess.SubjectID, &messagesJSON,
		&sess.IsActive, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(messagesJSON), &sess.Messages); err != nil {
		return nil, fmt.Errorf("decode messages of session %s: %w", sess.ID, err)
	}
	sess.CreatedAt = time.UnixMilli(createdAt)
	sess.UpdatedAt = time.UnixMilli(updatedAt)
	return &sess, nil
}

// GetActiveSession retrieves the active session for a subject.
func (s *SQLiteStore) GetActiveSession(ctx context.Context, ownerID, subjectID string) (*domain.ChatSession, error) {
	query := `SELECT ` + sessionColumns + `
		FROM chat_sessions WHERE owner_id = ? AND subject_id = ? AND is_active = 1`

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, ownerID, subjectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active session: %w", err)
	}
	return sess, nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, ownerID, sessionID string) (*domain.ChatSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM chat_sessions WHERE id = ? AND owner_id = ?`

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, sessionID, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListArchived returns the archived sessions of a subject, newest first.
func (s *SQLiteStore) ListArchived(ctx context.Context, ownerID, subjectID string) ([]*domain.ChatSession, error) {
	query := `SELECT ` + sessionColumns + `
		FROM chat_sessions WHERE owner_id = ? AND subject_id = ? AND is_active = 0
		ORDER BY updated_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, ownerID, subjectID)
	if err != nil {
		return nil, fmt.Errorf("query archived sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("failed to close archived sessions rows", "error", closeErr)
		}
	}()

	var sessions []*domain.ChatSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan archived session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archived sessions: %w", err)
	}
	return sessions, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// upsert rewrites an existing active row in place or inserts a new one.
// Archived rows are never rewritten; an insert that would add a second
// active row fails on the partial unique index.
func upsert(ctx context.Context, db execer, sess *domain.ChatSession) error {
	messages := sess.Messages
	if messages == nil {
		messages = []domain.Message{}
	}
	raw, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}

	result, err := db.ExecContext(ctx, `
		UPDATE chat_sessions SET messages_json = ?, updated_at = ?
		WHERE id = ? AND owner_id = ? AND is_active = 1`,
		string(raw), sess.UpdatedAt.UnixMilli(), sess.ID, sess.OwnerID,
	)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	} else if n > 0 {
		return nil
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO chat_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		sess.ID, sess.OwnerID, sess.SubjectID, string(raw), sess.IsActive,
		sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli(),
	)
	if shared.IsSQLiteUniqueError(err) {
		return ErrActiveExists
	}
	return err
}

// UpsertSession creates a session or replaces the messages of an active one.
func (s *SQLiteStore) UpsertSession(ctx context.Context, sess *domain.ChatSession) error {
	return s.retry(ctx, "upsert session", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			return upsert(ctx, tx, sess)
		})
	})
}

// ReplaceActive archives the current active session and stores next as active.
func (s *SQLiteStore) ReplaceActive(ctx context.Context, next *domain.ChatSession) error {
	next.IsActive = true
	return s.retry(ctx, "replace active session", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			if err := archiveActive(ctx, tx, next.OwnerID, next.SubjectID, next.ID, next.UpdatedAt); err != nil {
				return err
			}
			return upsert(ctx, tx, next)
		})
	})
}

// ActivateSession flips the named session to active, archiving the current one.
func (s *SQLiteStore) ActivateSession(ctx context.Context, ownerID, subjectID, sessionID string) error {
	now := time.Now()
	return s.retry(ctx, "activate session", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			var exists int
			err := tx.QueryRowContext(ctx,
				`SELECT 1 FROM chat_sessions WHERE id = ? AND owner_id = ? AND subject_id = ?`,
				sessionID, ownerID, subjectID,
			).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrSessionNotFound
			}
			if err != nil {
				return err
			}

			if err := archiveActive(ctx, tx, ownerID, subjectID, sessionID, now); err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`UPDATE chat_sessions SET is_active = 1, updated_at = ? WHERE id = ?`,
				now.UnixMilli(), sessionID,
			)
			return err
		})
	})
}

func archiveActive(ctx context.Context, tx *sql.Tx, ownerID, subjectID, exceptID string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE chat_sessions SET is_active = 0, updated_at = ?
		WHERE owner_id = ? AND subject_id = ? AND is_active = 1 AND id <> ?`,
		at.UnixMilli(), ownerID, subjectID, exceptID,
	)
	return err
}

// DeleteSession removes a session row. Deleting a missing row is not an error.
func (s *SQLiteStore) DeleteSession(ctx context.Context, ownerID, sessionID string) error {
	return s.retry(ctx, "delete session", func() error {
		result, err := s.db.ExecContext(ctx,
			`DELETE FROM chat_sessions WHERE id = ? AND owner_id = ?`, sessionID, ownerID)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			s.logger.Debug("DeleteSession affected 0 rows", "session_id", sessionID)
		}
		return nil
	})
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// retry runs a write under writeMu, retrying with exponential backoff
// (100ms, 200ms) while SQLite reports the database as busy or locked.
func (s *SQLiteStore) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := range maxRetries {
		s.writeMu.Lock()
		err = fn()
		s.writeMu.Unlock()

		if err == nil || !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i)
		s.logger.Debug("sqlite busy, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(delay):
		}
	}
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return err
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
