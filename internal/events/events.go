// Package events defines the closed set of named events that travel over the
// local broadcast channel and the remote relay.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

var (
	// ErrUnknownEvent is returned for names outside the registry.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrInvalidPayload is returned when a payload fails validation.
	ErrInvalidPayload = errors.New("invalid event payload")
)

// Name identifies an event kind. Segments are separated by dots only.
type Name string

const (
	AuthStateChanged       Name = "auth.state_changed"
	AuthUserChanged        Name = "auth.user_changed"
	AthroSelectionsUpdated Name = "athro.selections_updated"
	AthroConfidenceUpdated Name = "athro.confidence_updated"
	SessionSaved           Name = "session.saved"
	SessionArchived        Name = "session.archived"
	SessionLoaded          Name = "session.loaded"
	SessionDeleted         Name = "session.deleted"
)

// Payload is implemented by every event body.
type Payload interface {
	Kind() Name
	Validate() error
}

var registry = map[Name]func() Payload{
	AuthStateChanged:       func() Payload { return &AuthStateChangedPayload{} },
	AuthUserChanged:        func() Payload { return &AuthUserChangedPayload{} },
	AthroSelectionsUpdated: func() Payload { return &SelectionsUpdatedPayload{} },
	AthroConfidenceUpdated: func() Payload { return &ConfidenceUpdatedPayload{} },
	SessionSaved:           func() Payload { return &SessionPayload{name: SessionSaved} },
	SessionArchived:        func() Payload { return &SessionPayload{name: SessionArchived} },
	SessionLoaded:          func() Payload { return &SessionPayload{name: SessionLoaded} },
	SessionDeleted:         func() Payload { return &SessionPayload{name: SessionDeleted} },
}

// Names returns every registered event name, sorted.
func Names() []Name {
	return slices.Sorted(maps.Keys(registry))
}

// Known reports whether name is registered.
func Known(name Name) bool {
	_, ok := registry[name]
	return ok
}

// Slug returns the relay path form of name: dots become dashes.
func (n Name) Slug() string {
	return strings.ReplaceAll(string(n), ".", "-")
}

// FromSlug maps a relay path segment back to a registered name.
func FromSlug(slug string) (Name, error) {
	for name := range registry {
		if name.Slug() == slug {
			return name, nil
		}
	}
	if Known(Name(slug)) {
		return Name(slug), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEvent, slug)
}

// Decode parses raw into the payload registered for name and validates it.
// Unrecognised fields such as timestamp and source are ignored.
func Decode(name Name, raw []byte) (Payload, error) {
	newPayload, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
	p := newPayload()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, name, err)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, name, err)
	}
	return p, nil
}

// DecodeMap is Decode for payloads that arrive as generic maps.
func DecodeMap(name Name, m map[string]any) (Payload, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, name, err)
	}
	return Decode(name, raw)
}

// Encode validates p and flattens it into a map suitable for the wire.
func Encode(p Payload) (map[string]any, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	if !Known(p.Kind()) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, p.Kind())
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, p.Kind(), err)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", p.Kind(), err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("flatten %s: %w", p.Kind(), err)
	}
	return m, nil
}
