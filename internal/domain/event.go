package domain

// FederationEvent is a named event as it travels between instances.
// Source is the logical name of the emitting instance.
type FederationEvent struct {
	Name      string         `json:"name"`
	Payload   map[string]any `json:"payload"`
	Source    string         `json:"source"`
	Timestamp int64          `json:"timestamp"`
}

// MaxPublishAttempts bounds how many times a relay publish is tried.
const MaxPublishAttempts = 5

// PendingMessage is a failed relay publish awaiting retry.
type PendingMessage struct {
	ID        string         `json:"id"`
	EventName string         `json:"eventName"`
	Payload   map[string]any `json:"payload"`
	Attempts  int            `json:"attempts"`
}

// Exhausted reports whether the message has used all of its attempts.
func (p *PendingMessage) Exhausted() bool {
	return p.Attempts >= MaxPublishAttempts
}
