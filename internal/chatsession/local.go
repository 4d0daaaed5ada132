package chatsession

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/ashureev/study-federation/internal/domain"
	"github.com/ashureev/study-federation/internal/kv"
)

// The local cache holds every session of one owner under a single key.
// It mirrors the repository rules: one active session per subject and
// archived sessions are never rewritten.

func (s *Service) loadLocal(owner string) ([]*domain.ChatSession, error) {
	var sessions []*domain.ChatSession
	if _, err := kv.GetJSON(s.store, kv.ChatSessionsKey(owner), &sessions); err != nil {
		return nil, fmt.Errorf("read local chat sessions: %w", err)
	}
	return sessions, nil
}

func (s *Service) updateLocal(owner string, fn func([]*domain.ChatSession) []*domain.ChatSession) error {
	s.localMu.Lock()
	defer s.localMu.Unlock()

	sessions, err := s.loadLocal(owner)
	if err != nil {
		return err
	}
	sessions = fn(sessions)

	key := kv.ChatSessionsKey(owner)
	if len(sessions) == 0 {
		if err := s.store.Delete(key); err != nil {
			return fmt.Errorf("clear local chat sessions: %w", err)
		}
		return nil
	}
	if err := kv.SetJSON(s.store, key, sessions); err != nil {
		return fmt.Errorf("write local chat sessions: %w", err)
	}
	return nil
}

func (s *Service) localSubject(owner, subject string) ([]*domain.ChatSession, error) {
	s.localMu.Lock()
	defer s.localMu.Unlock()

	sessions, err := s.loadLocal(owner)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(sessions, func(c *domain.ChatSession) bool {
		return c.SubjectID != subject
	}), nil
}

func (s *Service) localActive(owner, subject string) (*domain.ChatSession, error) {
	sessions, err := s.localSubject(owner, subject)
	if err != nil {
		return nil, err
	}
	for _, c := range sessions {
		if c.IsActive {
			return c, nil
		}
	}
	return nil, nil
}

func (s *Service) localGet(owner, id string) (*domain.ChatSession, error) {
	s.localMu.Lock()
	defer s.localMu.Unlock()

	sessions, err := s.loadLocal(owner)
	if err != nil {
		return nil, err
	}
	for _, c := range sessions {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, nil
}

func (s *Service) localArchived(owner, subject string) ([]*domain.ChatSession, error) {
	sessions, err := s.localSubject(owner, subject)
	if err != nil {
		return nil, err
	}
	archived := slices.DeleteFunc(sessions, func(c *domain.ChatSession) bool { return c.IsActive })
	slices.SortFunc(archived, func(a, b *domain.ChatSession) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return archived, nil
}

// localUpsert writes sess. An active sess archives any other active session
// of the same subject; an existing archived row is left untouched.
func (s *Service) localUpsert(sess *domain.ChatSession) error {
	return s.updateLocal(sess.OwnerID, func(sessions []*domain.ChatSession) []*domain.ChatSession {
		found := false
		for i, c := range sessions {
			switch {
			case c.ID == sess.ID:
				found = true
				if c.IsActive {
					sessions[i] = sess.Clone()
				}
			case sess.IsActive && c.SubjectID == sess.SubjectID && c.IsActive:
				c.IsActive = false
				c.UpdatedAt = sess.UpdatedAt
			}
		}
		if !found {
			sessions = append(sessions, sess.Clone())
		}
		return sessions
	})
}

// localActivate makes id the active session of subject. It reports false
// without changing anything when id is unknown.
func (s *Service) localActivate(owner, subject, id string) (bool, error) {
	found := false
	err := s.updateLocal(owner, func(sessions []*domain.ChatSession) []*domain.ChatSession {
		if !slices.ContainsFunc(sessions, func(c *domain.ChatSession) bool {
			return c.ID == id && c.SubjectID == subject
		}) {
			return sessions
		}
		found = true
		now := s.now()
		for _, c := range sessions {
			if c.SubjectID != subject {
				continue
			}
			active := c.ID == id
			if c.IsActive != active {
				c.IsActive = active
				c.UpdatedAt = now
			}
		}
		return sessions
	})
	return found, err
}

func (s *Service) localDelete(owner, id string) error {
	return s.updateLocal(owner, func(sessions []*domain.ChatSession) []*domain.ChatSession {
		return slices.DeleteFunc(sessions, func(c *domain.ChatSession) bool { return c.ID == id })
	})
}
