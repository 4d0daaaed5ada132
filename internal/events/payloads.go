package events

import (
	"encoding/json"
	"errors"

	"github.com/ashureev/study-federation/internal/domain"
)

// AuthStateChangedPayload announces the identity adopted by an instance.
// An empty UserID means the instance is signed out.
type AuthStateChangedPayload struct {
	UserID     string `json:"userId"`
	IsDemoMode bool   `json:"isDemoMode"`
}

func (*AuthStateChangedPayload) Kind() Name { return AuthStateChanged }

func (p *AuthStateChangedPayload) Validate() error { return nil }

// AuthUserChangedPayload tells per-user caches to drop their contents.
type AuthUserChangedPayload struct {
	PreviousUserID string `json:"previousUserId"`
	UserID         string `json:"userId"`
}

func (*AuthUserChangedPayload) Kind() Name { return AuthUserChanged }

func (p *AuthUserChangedPayload) Validate() error {
	if p.PreviousUserID == p.UserID {
		return errors.New("user id did not change")
	}
	return nil
}

// SelectionsUpdatedPayload carries a selection set. Cleared signals an
// explicit clear and must come with no ids.
type SelectionsUpdatedPayload struct {
	AthroIDs []string `json:"athroIds"`
	Cleared  bool     `json:"cleared,omitempty"`
}

func (*SelectionsUpdatedPayload) Kind() Name { return AthroSelectionsUpdated }

func (p *SelectionsUpdatedPayload) Validate() error {
	if p.Cleared {
		if len(p.AthroIDs) > 0 {
			return errors.New("cleared selection must not carry ids")
		}
		return nil
	}
	if len(p.AthroIDs) == 0 {
		return errors.New("athroIds is required")
	}
	for _, id := range p.AthroIDs {
		if domain.CanonicalAthroID(id) == "" {
			return errors.New("athroIds contains an empty id")
		}
	}
	return nil
}

// ConfidenceUpdatedPayload carries one confidence change. An empty Level
// unsets the confidence for AthroID.
type ConfidenceUpdatedPayload struct {
	AthroID string                 `json:"athroId"`
	Level   domain.ConfidenceLevel `json:"level"`
}

func (*ConfidenceUpdatedPayload) Kind() Name { return AthroConfidenceUpdated }

func (p *ConfidenceUpdatedPayload) Validate() error {
	if domain.CanonicalAthroID(p.AthroID) == "" {
		return errors.New("athroId is required")
	}
	level, err := domain.ParseConfidence(string(p.Level))
	if err != nil {
		return err
	}
	p.Level = level
	return nil
}

// SessionPayload is shared by the chat-session lifecycle events.
type SessionPayload struct {
	name         Name
	SubjectID    string `json:"subjectId"`
	SessionID    string `json:"sessionId"`
	NewSessionID string `json:"newSessionId,omitempty"`
}

// NewSessionPayload builds a lifecycle payload of the given kind.
func NewSessionPayload(kind Name, subjectID, sessionID string) *SessionPayload {
	return &SessionPayload{name: kind, SubjectID: subjectID, SessionID: sessionID}
}

func (p *SessionPayload) Kind() Name { return p.name }

func (p *SessionPayload) Validate() error {
	switch p.name {
	case SessionSaved, SessionArchived, SessionLoaded, SessionDeleted:
	default:
		return errors.New("session payload has no kind")
	}
	if p.SubjectID == "" {
		return errors.New("subjectId is required")
	}
	if p.SessionID == "" {
		return errors.New("sessionId is required")
	}
	return nil
}

// MarshalJSON keeps the unexported kind out of the wire form.
func (p *SessionPayload) MarshalJSON() ([]byte, error) {
	type wire struct {
		SubjectID    string `json:"subjectId"`
		SessionID    string `json:"sessionId"`
		NewSessionID string `json:"newSessionId,omitempty"`
	}
	return json.Marshal(wire{SubjectID: p.SubjectID, SessionID: p.SessionID, NewSessionID: p.NewSessionID})
}
