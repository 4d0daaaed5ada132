// Package chatsession keeps per-subject chat transcripts. The remote
// repository is authoritative; when it fails the service falls back to a
// per-user cache in the shared store and migrates that cache back once the
// repository answers again.
package chatsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/study-federation/internal/domain"
	"github.com/ashureev/study-federation/internal/events"
	"github.com/ashureev/study-federation/internal/kv"
	"github.com/ashureev/study-federation/internal/shared"
	"github.com/ashureev/study-federation/internal/store"
)

// ErrSessionActive is returned when deleting a session that is still active.
var ErrSessionActive = errors.New("chat session is active")

// Emitter notifies local subscribers of lifecycle changes.
type Emitter interface {
	Emit(p events.Payload)
}

// Options configures a Service. Repo and Events may be nil; without a
// repository every operation runs against the local cache.
type Options struct {
	Repo   store.Repository
	Store  kv.Store
	Owner  func(ctx context.Context) string
	Events Emitter
	Now    func() time.Time
	Logger *slog.Logger
}

// Service implements the chat-session lifecycle for the current owner.
type Service struct {
	repo   store.Repository
	store  kv.Store
	owner  func(context.Context) string
	events Emitter
	now    func() time.Time
	logger *slog.Logger

	localMu sync.Mutex

	mu sync.Mutex
	// clean holds the owner/subject pairs whose local cache is known to be
	// empty since the last login.
	clean map[string]bool
}

// New creates a Service.
func New(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		repo:   opts.Repo,
		store:  opts.Store,
		owner:  opts.Owner,
		events: opts.Events,
		now:    opts.Now,
		logger: opts.Logger,
		clean:  make(map[string]bool),
	}
}

// ResetMigration forgets which subjects were migrated, so the next remote
// success for each subject checks the local cache again. Called on login
// and whenever the user changes.
func (s *Service) ResetMigration() {
	s.mu.Lock()
	s.clean = make(map[string]bool)
	s.mu.Unlock()
}

// GetActive returns the active session for subject, or nil.
func (s *Service) GetActive(ctx context.Context, subjectID string) (*domain.ChatSession, error) {
	owner, err := s.currentOwner(ctx)
	if err != nil {
		return nil, err
	}
	sess, err := s.active(ctx, owner, subjectID)
	if err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}

// SaveActive replaces the messages of the active session, creating the
// session on first save.
func (s *Service) SaveActive(ctx context.Context, subjectID string, messages []domain.Message) (*domain.ChatSession, error) {
	owner, err := s.currentOwner(ctx)
	if err != nil {
		return nil, err
	}
	sess, err := s.active(ctx, owner, subjectID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if sess == nil {
		sess = s.newSession(owner, subjectID, now)
	}
	sess.Messages = slices.Clone(messages)
	sess.UpdatedAt = now

	err = s.write(ctx, owner, subjectID, "save active session",
		func(r store.Repository) error { return r.UpsertSession(ctx, sess) },
		func() error { return s.localUpsert(sess) },
	)
	if err != nil {
		return nil, err
	}

	s.emit(events.NewSessionPayload(events.SessionSaved, subjectID, sess.ID))
	return sess.Clone(), nil
}

// ArchiveAndCreateNew archives the active session with messages as its
// final transcript and returns the new empty active session. Empty messages
// archive the stored transcript as is. When there is nothing to archive the
// current empty session is returned instead.
func (s *Service) ArchiveAndCreateNew(ctx context.Context, subjectID string, messages []domain.Message) (*domain.ChatSession, error) {
	owner, err := s.currentOwner(ctx)
	if err != nil {
		return nil, err
	}
	current, err := s.active(ctx, owner, subjectID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if len(messages) > 0 {
		if current == nil {
			current = s.newSession(owner, subjectID, now)
		}
		current.Messages = slices.Clone(messages)
		current.UpdatedAt = now
	}

	if !current.HasContent() {
		if current != nil {
			return current.Clone(), nil
		}
		next := s.newSession(owner, subjectID, now)
		err := s.write(ctx, owner, subjectID, "create active session",
			func(r store.Repository) error { return r.ReplaceActive(ctx, next.Clone()) },
			func() error { return s.localUpsert(next) },
		)
		if err != nil {
			return nil, err
		}
		return next.Clone(), nil
	}

	next := s.newSession(owner, subjectID, now)
	err = s.write(ctx, owner, subjectID, "archive session",
		func(r store.Repository) error {
			if err := r.UpsertSession(ctx, current); err != nil {
				return err
			}
			return r.ReplaceActive(ctx, next.Clone())
		},
		func() error {
			if err := s.localUpsert(current); err != nil {
				return err
			}
			return s.localUpsert(next)
		},
	)
	if err != nil {
		return nil, err
	}

	p := events.NewSessionPayload(events.SessionArchived, subjectID, current.ID)
	p.NewSessionID = next.ID
	s.emit(p)
	s.logger.Info("chat session archived", "subject_id", subjectID, "session_id", current.ID, "new_session_id", next.ID)
	return next.Clone(), nil
}

// DeleteAndCreateNew removes the active session entirely and returns a new
// empty active session.
func (s *Service) DeleteAndCreateNew(ctx context.Context, subjectID string) (*domain.ChatSession, error) {
	owner, err := s.currentOwner(ctx)
	if err != nil {
		return nil, err
	}
	current, err := s.active(ctx, owner, subjectID)
	if err != nil {
		return nil, err
	}

	next := s.newSession(owner, subjectID, s.now())
	err = s.write(ctx, owner, subjectID, "delete active session",
		func(r store.Repository) error {
			if current != nil {
				if err := r.DeleteSession(ctx, owner, current.ID); err != nil {
					return err
				}
			}
			return r.ReplaceActive(ctx, next.Clone())
		},
		func() error {
			if current != nil {
				if err := s.localDelete(owner, current.ID); err != nil {
					return err
				}
			}
			return s.localUpsert(next)
		},
	)
	if err != nil {
		return nil, err
	}

	if current != nil {
		s.emit(events.NewSessionPayload(events.SessionDeleted, subjectID, current.ID))
	}
	return next.Clone(), nil
}

// LoadArchived makes an archived session active again, archiving the
// current active session even when it is empty. It returns nil and changes
// nothing when sessionID is not a session of subject.
func (s *Service) LoadArchived(ctx context.Context, subjectID, sessionID string) (*domain.ChatSession, error) {
	owner, err := s.currentOwner(ctx)
	if err != nil {
		return nil, err
	}

	var loaded *domain.ChatSession
	ok := s.remote(ctx, owner, subjectID, "load archived session", func(r store.Repository) error {
		target, err := r.GetSession(ctx, owner, sessionID)
		if err != nil || target == nil || target.SubjectID != subjectID {
			return err
		}
		if !target.IsActive {
			err := r.ActivateSession(ctx, owner, subjectID, sessionID)
			if errors.Is(err, store.ErrSessionNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
		}
		loaded, err = r.GetSession(ctx, owner, sessionID)
		return err
	})
	if !ok {
		found, err := s.localActivate(owner, subjectID, sessionID)
		if err != nil {
			return nil, err
		}
		if found {
			s.markDirty(owner, subjectID)
			if loaded, err = s.localGet(owner, sessionID); err != nil {
				return nil, err
			}
		}
	}
	if loaded == nil {
		s.logger.Debug("archived session not found", "subject_id", subjectID, "session_id", sessionID)
		return nil, nil
	}

	s.emit(events.NewSessionPayload(events.SessionLoaded, subjectID, loaded.ID))
	return loaded.Clone(), nil
}

// ListArchived returns the archived sessions of subject, newest first.
func (s *Service) ListArchived(ctx context.Context, subjectID string) ([]*domain.ChatSession, error) {
	owner, err := s.currentOwner(ctx)
	if err != nil {
		return nil, err
	}

	var archived []*domain.ChatSession
	if s.remote(ctx, owner, subjectID, "list archived sessions", func(r store.Repository) error {
		archived, err = r.ListArchived(ctx, owner, subjectID)
		return err
	}) {
		return archived, nil
	}
	return s.localArchived(owner, subjectID)
}

// DeleteArchived permanently removes an archived session. Deleting an
// unknown session is not an error.
func (s *Service) DeleteArchived(ctx context.Context, subjectID, sessionID string) error {
	owner, err := s.currentOwner(ctx)
	if err != nil {
		return err
	}

	var deleted bool
	err = s.write(ctx, owner, subjectID, "delete archived session",
		func(r store.Repository) error {
			sess, err := r.GetSession(ctx, owner, sessionID)
			if err != nil || sess == nil || sess.SubjectID != subjectID {
				return err
			}
			if sess.IsActive {
				return ErrSessionActive
			}
			deleted = true
			return r.DeleteSession(ctx, owner, sessionID)
		},
		func() error {
			sess, err := s.localGet(owner, sessionID)
			if err != nil || sess == nil || sess.SubjectID != subjectID {
				return err
			}
			if sess.IsActive {
				return ErrSessionActive
			}
			deleted = true
			return s.localDelete(owner, sessionID)
		},
	)
	if err != nil {
		return err
	}
	if deleted {
		s.emit(events.NewSessionPayload(events.SessionDeleted, subjectID, sessionID))
	}
	return nil
}

func (s *Service) currentOwner(ctx context.Context) (string, error) {
	if s.owner == nil {
		return "", shared.ErrNotAuthenticated
	}
	owner := s.owner(ctx)
	if owner == "" {
		return "", shared.ErrNotAuthenticated
	}
	return owner, nil
}

func (s *Service) active(ctx context.Context, owner, subject string) (*domain.ChatSession, error) {
	var sess *domain.ChatSession
	if s.remote(ctx, owner, subject, "get active session", func(r store.Repository) error {
		var err error
		sess, err = r.GetActiveSession(ctx, owner, subject)
		return err
	}) {
		return sess, nil
	}
	return s.localActive(owner, subject)
}

func (s *Service) newSession(owner, subject string, now time.Time) *domain.ChatSession {
	return &domain.ChatSession{
		ID:        uuid.NewString(),
		OwnerID:   owner,
		SubjectID: subject,
		CreatedAt: now,
		UpdatedAt: now,
		IsActive:  true,
	}
}

// remote migrates the local cache for subject if needed and then runs fn
// against the repository. It reports false when there is no repository or
// any remote call failed; the failure is logged and never returned.
func (s *Service) remote(ctx context.Context, owner, subject, op string, fn func(store.Repository) error) bool {
	if s.repo == nil {
		return false
	}
	err := s.migrate(ctx, owner, subject)
	if err == nil {
		err = fn(s.repo)
	}
	if err == nil {
		return true
	}
	if errors.Is(err, ErrSessionActive) {
		return true
	}
	s.logger.Warn("chat store unavailable, using local cache",
		"op", op, "subject_id", subject,
		"error", fmt.Errorf("%w: %w", shared.ErrRemoteUnavailable, err))
	return false
}

// write runs remoteFn, or localFn when the repository is unavailable.
func (s *Service) write(ctx context.Context, owner, subject, op string, remoteFn func(store.Repository) error, localFn func() error) error {
	var userErr error
	ok := s.remote(ctx, owner, subject, op, func(r store.Repository) error {
		err := remoteFn(r)
		if errors.Is(err, ErrSessionActive) {
			userErr = err
		}
		return err
	})
	if ok {
		return userErr
	}
	s.markDirty(owner, subject)
	return localFn()
}

func migrationKey(owner, subject string) string {
	return owner + "\x00" + subject
}

func (s *Service) markDirty(owner, subject string) {
	s.mu.Lock()
	delete(s.clean, migrationKey(owner, subject))
	s.mu.Unlock()
}

// migrate pushes locally cached sessions of subject to the repository and
// removes them from the cache. Rows that already exist remotely are only
// rewritten when the local copy of the active session is newer. A local
// active session displaces the remote one when it is at least as recent;
// otherwise it is kept as an archived session.
func (s *Service) migrate(ctx context.Context, owner, subject string) error {
	key := migrationKey(owner, subject)
	s.mu.Lock()
	done := s.clean[key]
	s.mu.Unlock()
	if done {
		return nil
	}

	locals, err := s.localSubject(owner, subject)
	if err != nil {
		return err
	}
	if len(locals) > 0 {
		remoteActive, err := s.repo.GetActiveSession(ctx, owner, subject)
		if err != nil {
			return err
		}

		// Archived rows first so the active one is placed last.
		slices.SortStableFunc(locals, func(a, b *domain.ChatSession) int {
			switch {
			case a.IsActive == b.IsActive:
				return 0
			case a.IsActive:
				return 1
			default:
				return -1
			}
		})
		for _, l := range locals {
			if err := s.migrateOne(ctx, owner, l, &remoteActive); err != nil {
				return err
			}
			if err := s.localDelete(owner, l.ID); err != nil {
				return err
			}
			s.logger.Info("migrated local chat session", "subject_id", subject, "session_id", l.ID, "active", l.IsActive)
		}
	}

	s.mu.Lock()
	s.clean[key] = true
	s.mu.Unlock()
	return nil
}

func (s *Service) migrateOne(ctx context.Context, owner string, l *domain.ChatSession, remoteActive **domain.ChatSession) error {
	existing, err := s.repo.GetSession(ctx, owner, l.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.IsActive && l.IsActive && l.UpdatedAt.After(existing.UpdatedAt) {
			return s.repo.UpsertSession(ctx, l)
		}
		return nil
	}

	switch {
	case !l.IsActive:
		return s.repo.UpsertSession(ctx, l)
	case *remoteActive == nil || !l.UpdatedAt.Before((*remoteActive).UpdatedAt):
		if err := s.repo.ReplaceActive(ctx, l); err != nil {
			return err
		}
		*remoteActive = l
		return nil
	default:
		archived := l.Clone()
		archived.IsActive = false
		return s.repo.UpsertSession(ctx, archived)
	}
}

func (s *Service) emit(p *events.SessionPayload) {
	if s.events != nil {
		s.events.Emit(p)
	}
}
