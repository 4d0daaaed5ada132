package kv

const (
	// AuthStateKey holds the federated AuthState snapshot.
	AuthStateKey = "federation:auth_state"
	// LastUserKey remembers the last resolved user id across boots.
	LastUserKey = "federation:last_user_id"
	// IdentitySessionKey holds the identity service session of this origin.
	IdentitySessionKey = "federation:identity_session"
	// PendingMessagesKey holds the relay retry queue.
	PendingMessagesKey = "federation:pending_messages"
	// SelectedAthrosKey and ConfidenceLevelsKey are owned by the selection
	// synchronizer.
	SelectedAthrosKey   = "federation:selected_athros"
	ConfidenceLevelsKey = "federation:confidence_levels"
	// BroadcastPrefix namespaces transient broadcast records.
	BroadcastPrefix = "federation:broadcast:"

	// UpstreamSelectionsKey and UpstreamConfidenceKey are written by the
	// onboarding surface. This layer only reads them.
	UpstreamSelectionsKey = "athro_selections"
	UpstreamConfidenceKey = "athro_confidence_levels"

	chatSessionsPrefix = "federation:chat_sessions:"
)

// ChatSessionsKey returns the per-user local chat-session cache key.
func ChatSessionsKey(userID string) string {
	return chatSessionsPrefix + userID
}
