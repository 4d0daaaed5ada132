package domain

import (
	"fmt"
	"strings"
)

// ConfidenceLevel is a learner's self-assessed confidence in a subject.
// The zero value means unset.
type ConfidenceLevel string

const (
	ConfidenceUnset  ConfidenceLevel = ""
	ConfidenceLow    ConfidenceLevel = "LOW"
	ConfidenceMedium ConfidenceLevel = "MEDIUM"
	ConfidenceHigh   ConfidenceLevel = "HIGH"
)

// ParseConfidence normalizes s into a ConfidenceLevel.
func ParseConfidence(s string) (ConfidenceLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return ConfidenceUnset, nil
	case "LOW":
		return ConfidenceLow, nil
	case "MEDIUM":
		return ConfidenceMedium, nil
	case "HIGH":
		return ConfidenceHigh, nil
	default:
		return ConfidenceUnset, fmt.Errorf("unknown confidence level %q", s)
	}
}

// Selection is the view of one athro for the current user.
type Selection struct {
	AthroID         string          `json:"athroId"`
	ConfidenceLevel ConfidenceLevel `json:"confidenceLevel,omitempty"`
	Selected        bool            `json:"selected"`
}

const athroPrefix = "athro-"

// CanonicalAthroID lower-cases id, strips any athro prefix, kebab-cases the
// remainder and re-applies the prefix. Ids must pass through here before
// they are compared or merged.
func CanonicalAthroID(id string) string {
	s := strings.ToLower(strings.TrimSpace(id))
	for _, p := range []string{"athro-", "athro_", "athro "} {
		if strings.HasPrefix(s, p) {
			s = s[len(p):]
			break
		}
	}

	var b strings.Builder
	dash := false
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			dash = false
			b.WriteRune(r)
			continue
		}
		dash = true
	}
	if b.Len() == 0 {
		return ""
	}
	return athroPrefix + b.String()
}
