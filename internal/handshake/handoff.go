package handshake

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Handoff types carried in the auth_type parameter.
const (
	HandoffDemo  = "demo"
	HandoffToken = "token"
)

var handoffParams = []string{"auth_type", "timestamp", "user_id", "user_email", "access_token"}

// ErrHandoffRejected is returned for handoffs that are expired or malformed.
var ErrHandoffRejected = errors.New("handoff rejected")

// Handoff is a one-shot credential carried in a boot URL.
type Handoff struct {
	Type        string
	UserID      string
	Email       string
	AccessToken string
	IssuedAt    time.Time
}

// ParseHandoff extracts the handoff from rawURL and returns the URL with the
// handoff parameters removed. A URL without auth_type yields a nil handoff
// and is returned unchanged. The handoff is accepted only while
// now - timestamp < window.
func ParseHandoff(rawURL string, now time.Time, window time.Duration) (*Handoff, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, rawURL, fmt.Errorf("%w: %v", ErrHandoffRejected, err)
	}
	q := u.Query()
	authType := q.Get("auth_type")
	if authType == "" {
		return nil, rawURL, nil
	}

	h := &Handoff{
		Type:        authType,
		UserID:      q.Get("user_id"),
		Email:       q.Get("user_email"),
		AccessToken: q.Get("access_token"),
	}
	rawTS := q.Get("timestamp")

	for _, p := range handoffParams {
		q.Del(p)
	}
	u.RawQuery = q.Encode()
	stripped := u.String()

	ms, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return nil, stripped, fmt.Errorf("%w: bad timestamp %q", ErrHandoffRejected, rawTS)
	}
	h.IssuedAt = time.UnixMilli(ms)
	if age := now.UnixMilli() - ms; age >= window.Milliseconds() {
		return nil, stripped, fmt.Errorf("%w: issued %dms ago", ErrHandoffRejected, age)
	}

	switch h.Type {
	case HandoffDemo:
		if h.UserID == "" {
			return nil, stripped, fmt.Errorf("%w: demo handoff without user_id", ErrHandoffRejected)
		}
	case HandoffToken:
		if h.AccessToken == "" {
			return nil, stripped, fmt.Errorf("%w: token handoff without access_token", ErrHandoffRejected)
		}
	default:
		return nil, stripped, fmt.Errorf("%w: unknown auth_type %q", ErrHandoffRejected, h.Type)
	}
	return h, stripped, nil
}
