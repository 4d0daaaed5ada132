package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalAthroID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"maths", "athro-maths"},
		{"Maths", "athro-maths"},
		{"athro-maths", "athro-maths"},
		{"ATHRO_Maths", "athro-maths"},
		{"Athro Computer Science", "athro-computer-science"},
		{"  computer_science  ", "athro-computer-science"},
		{"Further  Maths!!", "athro-further-maths"},
		{"gcse-2024", "athro-gcse-2024"},
		{"", ""},
		{"athro-", ""},
		{"---", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := CanonicalAthroID(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, CanonicalAthroID(got), "canonical form is stable")
		})
	}
}

func TestParseConfidence(t *testing.T) {
	got, err := ParseConfidence(" high ")
	require.NoError(t, err)
	assert.Equal(t, ConfidenceHigh, got)

	got, err = ParseConfidence("")
	require.NoError(t, err)
	assert.Equal(t, ConfidenceUnset, got)

	_, err = ParseConfidence("extreme")
	assert.Error(t, err)
}

func TestAuthState_FreshAt(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	ttl := 5 * time.Minute

	fresh := &AuthState{User: &User{ID: "u1"}, Timestamp: now.Add(-time.Minute).UnixMilli()}
	stale := &AuthState{User: &User{ID: "u1"}, Timestamp: now.Add(-ttl).UnixMilli()}

	assert.True(t, fresh.FreshAt(now, ttl))
	assert.False(t, stale.FreshAt(now, ttl), "age equal to the ttl is stale")
	assert.False(t, (&AuthState{}).FreshAt(now, ttl), "zero timestamp is never fresh")

	var nilState *AuthState
	assert.False(t, nilState.FreshAt(now, ttl))
	assert.Empty(t, nilState.UserID())
	assert.Equal(t, "u1", fresh.UserID())
}

func TestChatSession_Clone(t *testing.T) {
	orig := &ChatSession{ID: "s1", Messages: []Message{{Role: "user", Content: "hi"}}}
	c := orig.Clone()
	c.Messages[0].Content = "changed"

	assert.Equal(t, "hi", orig.Messages[0].Content)
	assert.True(t, orig.HasContent())
	assert.False(t, (&ChatSession{}).HasContent())
	assert.Nil(t, (*ChatSession)(nil).Clone())
}

func TestPendingMessage_Exhausted(t *testing.T) {
	p := &PendingMessage{Attempts: MaxPublishAttempts - 1}
	assert.False(t, p.Exhausted())
	p.Attempts++
	assert.True(t, p.Exhausted())
}
