// Package handshake resolves the identity of a booting instance: from the
// shared cache, from its host when embedded, or independently through a URL
// handoff or the identity service.
package handshake

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashureev/study-federation/internal/domain"
	"github.com/ashureev/study-federation/internal/kv"
	"github.com/ashureev/study-federation/internal/shared"
)

// Defaults for Options.
const (
	DefaultCacheTTL      = 5 * time.Minute
	DefaultParentTimeout = 1000 * time.Millisecond
	DefaultHandoffWindow = 10 * time.Second
)

// State is a handshake state.
type State int32

const (
	Booting State = iota
	CacheHit
	RequestingParent
	IndependentAuth
	Ready
)

func (s State) String() string {
	switch s {
	case Booting:
		return "booting"
	case CacheHit:
		return "cache_hit"
	case RequestingParent:
		return "requesting_parent"
	case IndependentAuth:
		return "independent_auth"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// IdentityService is the authoritative identity backend.
type IdentityService interface {
	ValidateToken(ctx context.Context, token string) (*domain.User, error)
	CurrentSession(ctx context.Context) (*domain.User, *domain.Session, error)
	SignOut(ctx context.Context) error
}

// Options configures a Handshake. Parent is only consulted when Embedded is
// set.
type Options struct {
	Store         kv.Store
	Identity      IdentityService
	Parent        ReplyChannel
	Embedded      bool
	HandoffURL    string
	CacheTTL      time.Duration
	ParentTimeout time.Duration
	HandoffWindow time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
}

// UserChangedFunc is called when the resolved user differs from the last
// one this instance saw. next is empty on sign-out.
type UserChangedFunc func(prev, next string)

// Handshake owns the instance's AuthState.
type Handshake struct {
	store         kv.Store
	identity      IdentityService
	parent        ReplyChannel
	embedded      bool
	cacheTTL      time.Duration
	parentTimeout time.Duration
	handoffWindow time.Duration
	now           func() time.Time
	logger        *slog.Logger

	mu         sync.Mutex
	state      State
	auth       *domain.AuthState
	handoffURL string
	cleanURL   string
	lastUser   string
	hooks      map[uint64]UserChangedFunc
	nextHook   uint64

	group singleflight.Group
}

// New creates a handshake in the Booting state.
func New(opts Options) *Handshake {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.ParentTimeout <= 0 {
		opts.ParentTimeout = DefaultParentTimeout
	}
	if opts.HandoffWindow <= 0 {
		opts.HandoffWindow = DefaultHandoffWindow
	}
	h := &Handshake{
		store:         opts.Store,
		identity:      opts.Identity,
		parent:        opts.Parent,
		embedded:      opts.Embedded,
		cacheTTL:      opts.CacheTTL,
		parentTimeout: opts.ParentTimeout,
		handoffWindow: opts.HandoffWindow,
		now:           opts.Now,
		logger:        opts.Logger,
		handoffURL:    opts.HandoffURL,
		cleanURL:      opts.HandoffURL,
		hooks:         make(map[uint64]UserChangedFunc),
	}
	if _, err := kv.GetJSON(h.store, kv.LastUserKey, &h.lastUser); err != nil {
		h.logger.Warn("ignoring unreadable last user", "error", err)
	}
	return h
}

// State returns the current handshake state.
func (h *Handshake) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handshake) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
	h.logger.Debug("handshake state", "state", s.String())
}

// CleanURL returns the boot URL with any handoff parameters removed.
func (h *Handshake) CleanURL() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cleanURL
}

// Run executes the handshake and always ends in Ready. The returned state
// has a nil User when no path produced an identity.
func (h *Handshake) Run(ctx context.Context) *domain.AuthState {
	h.setState(Booting)

	if state := h.readCache(); state != nil {
		h.setState(CacheHit)
		h.adopt(state, false)
		return h.finish(state, "cache")
	}

	if h.embedded && h.parent != nil {
		h.setState(RequestingParent)
		if state := h.askParent(ctx); state != nil {
			h.adopt(state, true)
			return h.finish(state, "parent")
		}
	}

	h.setState(IndependentAuth)
	state, path := h.independent(ctx)
	h.adopt(state, state.User != nil)
	return h.finish(state, path)
}

func (h *Handshake) finish(state *domain.AuthState, path string) *domain.AuthState {
	h.setState(Ready)
	h.logger.Info("handshake complete",
		"path", path,
		"user_id", state.UserID(),
		"demo", state.IsDemoMode,
		"embedded", state.Embedded)
	return state
}

// Current returns the adopted AuthState, re-running the handshake when it
// has outlived the cache TTL. Concurrent callers share one re-run. It
// returns nil until Run has completed once.
func (h *Handshake) Current(ctx context.Context) *domain.AuthState {
	h.mu.Lock()
	auth := h.auth
	h.mu.Unlock()
	if auth == nil || auth.FreshAt(h.now(), h.cacheTTL) {
		return auth
	}

	h.logger.Debug("auth state needs refresh", "error", shared.ErrStaleCache)
	v, _, _ := h.group.Do("handshake", func() (any, error) {
		return h.Run(ctx), nil
	})
	return v.(*domain.AuthState)
}

// Snapshot returns the adopted AuthState without any freshness check.
func (h *Handshake) Snapshot() *domain.AuthState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.auth
}

func (h *Handshake) readCache() *domain.AuthState {
	var state domain.AuthState
	ok, err := kv.GetJSON(h.store, kv.AuthStateKey, &state)
	if err != nil {
		h.logger.Warn("ignoring unreadable auth cache", "error", err)
		return nil
	}
	if !ok || state.User == nil {
		return nil
	}
	if !state.FreshAt(h.now(), h.cacheTTL) {
		h.logger.Debug("auth cache expired",
			"user_id", state.UserID(),
			"age", state.Age(h.now()),
			"error", shared.ErrStaleCache)
		return nil
	}
	return &state
}

func (h *Handshake) askParent(ctx context.Context) *domain.AuthState {
	resp, err := h.parent.Request(ctx, Request{Type: TypeRequestAuthState}, h.parentTimeout)
	if err != nil {
		h.logger.Info("parent did not answer, authenticating independently", "error", err)
		return nil
	}
	if resp.Type != TypeAuthStateResponse || resp.User == nil {
		h.logger.Info("parent has no session")
		return nil
	}
	return &domain.AuthState{
		User:       resp.User,
		Session:    resp.Session,
		IsDemoMode: resp.IsDemoMode,
		Embedded:   true,
		Timestamp:  h.now().UnixMilli(),
	}
}

func (h *Handshake) independent(ctx context.Context) (*domain.AuthState, string) {
	if state := h.fromHandoff(ctx); state != nil {
		return state, "handoff"
	}
	if state := h.readCache(); state != nil {
		return state, "cache"
	}
	if h.identity != nil {
		user, session, err := h.identity.CurrentSession(ctx)
		switch {
		case err != nil:
			h.logger.Warn("session lookup failed", "error", err)
		case user != nil:
			return h.stamp(&domain.AuthState{User: user, Session: session}), "session"
		}
	}
	return h.stamp(&domain.AuthState{}), "none"
}

// fromHandoff consumes the boot URL handoff, at most once per process.
func (h *Handshake) fromHandoff(ctx context.Context) *domain.AuthState {
	h.mu.Lock()
	raw := h.handoffURL
	h.handoffURL = ""
	h.mu.Unlock()
	if raw == "" {
		return nil
	}

	ho, clean, err := ParseHandoff(raw, h.now(), h.handoffWindow)
	h.mu.Lock()
	h.cleanURL = clean
	h.mu.Unlock()
	if err != nil {
		h.logger.Warn("ignoring handoff", "error", err)
		return nil
	}
	if ho == nil {
		return nil
	}

	switch ho.Type {
	case HandoffDemo:
		return h.stamp(&domain.AuthState{
			User:       &domain.User{ID: ho.UserID, Email: ho.Email},
			IsDemoMode: true,
		})
	case HandoffToken:
		if h.identity == nil {
			h.logger.Warn("token handoff without identity service", "error", shared.ErrTokenInvalid)
			return nil
		}
		user, err := h.identity.ValidateToken(ctx, ho.AccessToken)
		if err != nil {
			if errors.Is(err, shared.ErrTokenInvalid) {
				h.logger.Warn("token handoff rejected", "error", err)
			} else {
				h.logger.Warn("token handoff could not be revalidated", "error", err)
			}
			return nil
		}
		return h.stamp(&domain.AuthState{
			User:    user,
			Session: &domain.Session{AccessToken: ho.AccessToken},
		})
	}
	return nil
}

func (h *Handshake) stamp(state *domain.AuthState) *domain.AuthState {
	state.Embedded = h.embedded
	state.Timestamp = h.now().UnixMilli()
	return state
}

func (h *Handshake) adopt(state *domain.AuthState, persist bool) {
	h.mu.Lock()
	h.auth = state
	h.mu.Unlock()

	if persist {
		if err := kv.SetJSON(h.store, kv.AuthStateKey, state); err != nil {
			h.logger.Error("failed to cache auth state", "user_id", state.UserID(), "error", err)
		}
	}
	h.trackUser(state.UserID())
}

// trackUser records next as the current user and notifies hooks when it
// differs from the previous one.
func (h *Handshake) trackUser(next string) {
	h.mu.Lock()
	prev := h.lastUser
	h.lastUser = next
	h.mu.Unlock()

	if prev == next {
		return
	}
	if next == "" {
		if err := h.store.Delete(kv.LastUserKey); err != nil {
			h.logger.Warn("failed to clear last user", "error", err)
		}
	} else if err := kv.SetJSON(h.store, kv.LastUserKey, next); err != nil {
		h.logger.Warn("failed to store last user", "user_id", next, "error", err)
	}

	h.logger.Info("user changed", "previous_user_id", prev, "user_id", next)
	h.notify(prev, next)
}

// OnUserChanged registers fn and returns its unsubscribe function.
func (h *Handshake) OnUserChanged(fn UserChangedFunc) func() {
	h.mu.Lock()
	h.nextHook++
	id := h.nextHook
	h.hooks[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.hooks, id)
		h.mu.Unlock()
	}
}

func (h *Handshake) notify(prev, next string) {
	h.mu.Lock()
	ids := make([]uint64, 0, len(h.hooks))
	for id := range h.hooks {
		ids = append(ids, id)
	}
	fns := make([]UserChangedFunc, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, h.hooks[id])
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(prev, next)
	}
}

// WatchStore adopts AuthState written by other instances sharing the store.
func (h *Handshake) WatchStore() func() {
	return h.store.Watch(func(c kv.Change) {
		if c.Key != kv.AuthStateKey {
			return
		}
		if c.Deleted() {
			h.logger.Info("auth state cleared by another instance")
			h.clearUser()
			return
		}
		var state domain.AuthState
		if err := json.Unmarshal(c.NewValue, &state); err != nil {
			h.logger.Warn("ignoring malformed auth state", "error", err)
			return
		}
		h.adopt(&state, false)
	})
}

// Reload re-reads the shared AuthState and adopts it when it names a
// different user. It covers writes no change notification reported.
func (h *Handshake) Reload() {
	state := h.readCache()
	if state == nil {
		return
	}
	if current := h.Snapshot(); current != nil && current.UserID() == state.UserID() {
		return
	}
	h.adopt(state, false)
}

// SignOut forgets the identity everywhere this instance can reach.
func (h *Handshake) SignOut(ctx context.Context) {
	if h.identity != nil {
		if err := h.identity.SignOut(ctx); err != nil {
			h.logger.Warn("identity sign-out failed", "error", err)
		}
	}
	if err := h.store.Delete(kv.AuthStateKey); err != nil {
		h.logger.Warn("failed to clear auth state", "error", err)
	}
	h.clearUser()
}

func (h *Handshake) clearUser() {
	h.mu.Lock()
	h.auth = h.stamp(&domain.AuthState{})
	h.mu.Unlock()
	h.trackUser("")
}
