package domain

import (
	"slices"
	"time"
)

// Message is one turn of a chat transcript.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// ChatSession is a transcript for one subject. At most one session per
// (OwnerID, SubjectID) is active; archived sessions are never edited.
type ChatSession struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	SubjectID string    `json:"subject_id"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	IsActive  bool      `json:"is_active"`
}

// HasContent returns true if the session holds at least one message.
func (s *ChatSession) HasContent() bool {
	return s != nil && len(s.Messages) > 0
}

// Clone returns a deep copy of the session.
func (s *ChatSession) Clone() *ChatSession {
	if s == nil {
		return nil
	}
	c := *s
	c.Messages = slices.Clone(s.Messages)
	return &c
}
