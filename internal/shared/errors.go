package shared

import "errors"

// Failure taxonomy of the federation layer. None of these are fatal; most
// are logged and absorbed at the component boundary.
var (
	// ErrHandshakeTimeout means the parent instance did not answer in time.
	ErrHandshakeTimeout = errors.New("handshake: parent reply timed out")
	// ErrRemoteUnavailable means a remote call failed and a local fallback was used.
	ErrRemoteUnavailable = errors.New("remote unavailable")
	// ErrRetryExhausted means a queued relay publish was dropped.
	ErrRetryExhausted = errors.New("relay: retry attempts exhausted")
	// ErrStaleCache means a cached value outlived its TTL.
	ErrStaleCache = errors.New("cache entry is stale")
	// ErrTokenInvalid means a handed-off bearer token failed revalidation.
	ErrTokenInvalid = errors.New("handoff token failed validation")
	// ErrNotAuthenticated means an operation needs a signed-in user.
	ErrNotAuthenticated = errors.New("no authenticated user")
)
