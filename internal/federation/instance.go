// Package federation assembles one instance of the federation layer: the
// broadcast channel, relay client, auth handshake, selection synchronizer
// and chat-session service, wired together with explicit lifecycles.
package federation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/study-federation/internal/broadcast"
	"github.com/ashureev/study-federation/internal/chatsession"
	"github.com/ashureev/study-federation/internal/config"
	"github.com/ashureev/study-federation/internal/domain"
	"github.com/ashureev/study-federation/internal/events"
	"github.com/ashureev/study-federation/internal/handshake"
	"github.com/ashureev/study-federation/internal/kv"
	"github.com/ashureev/study-federation/internal/relay"
	"github.com/ashureev/study-federation/internal/selection"
	"github.com/ashureev/study-federation/internal/store"
)

// Options configures an Instance.
type Options struct {
	// Name is the logical instance name used as the relay source.
	Name  string
	Store kv.Store
	// Hub is the in-process multicast hub. Without it peers are reached
	// through transient store records.
	Hub *broadcast.Hub
	// Repo is the authoritative chat-session store; nil keeps sessions in
	// the local cache only.
	Repo     store.Repository
	Identity handshake.IdentityService
	Parent   handshake.ReplyChannel
	Embedded bool
	// HandoffURL is the boot URL, possibly carrying a one-shot handoff.
	HandoffURL    string
	Relay         relay.ClientConfig
	CacheTTL      time.Duration
	ParentTimeout time.Duration
	HandoffWindow time.Duration
	Logger        *slog.Logger
}

// Instance is one booted copy of the host shell or an embedded module.
type Instance struct {
	Name       string
	Channel    *broadcast.Channel
	Relay      *relay.Client
	Auth       *handshake.Handshake
	Selections *selection.Synchronizer
	Sessions   *chatsession.Service

	logger *slog.Logger

	mu     sync.Mutex
	unsubs []func()
	booted bool
	closed bool
}

// New constructs every service of the instance. The relay is probed here,
// once; nothing else touches the network until Boot.
func New(ctx context.Context, opts Options) (*Instance, error) {
	if !config.ValidInstanceName(opts.Name) {
		return nil, errors.New("federation: invalid instance name")
	}
	if opts.Store == nil {
		return nil, errors.New("federation: store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("instance", opts.Name)

	i := &Instance{Name: opts.Name, logger: logger}

	transport := broadcast.SelectTransport(opts.Hub, opts.Store, opts.Name, logger)
	i.Channel = broadcast.New(opts.Name, transport, logger)

	relayCfg := opts.Relay
	relayCfg.Instance = opts.Name
	i.Relay = relay.NewClient(ctx, relayCfg, opts.Store, logger)

	i.Auth = handshake.New(handshake.Options{
		Store:         opts.Store,
		Identity:      opts.Identity,
		Parent:        opts.Parent,
		Embedded:      opts.Embedded,
		HandoffURL:    opts.HandoffURL,
		CacheTTL:      opts.CacheTTL,
		ParentTimeout: opts.ParentTimeout,
		HandoffWindow: opts.HandoffWindow,
		Logger:        logger,
	})

	i.Selections = selection.New(selection.Options{
		Store:  opts.Store,
		Relay:  i.Relay,
		Local:  i.Channel,
		Logger: logger,
	})

	i.Sessions = chatsession.New(chatsession.Options{
		Repo:   opts.Repo,
		Store:  opts.Store,
		Owner:  func(ctx context.Context) string { return i.Auth.Current(ctx).UserID() },
		Events: i.Channel,
		Logger: logger,
	})

	i.unsubs = append(i.unsubs, i.Auth.OnUserChanged(i.userChanged))
	return i, nil
}

// userChanged drops every per-user cache when the resolved user changes.
// The first sign-in keeps selections made before anyone was signed in,
// such as those from onboarding.
func (i *Instance) userChanged(prev, next string) {
	if prev != "" {
		i.Selections.Reset()
	}
	i.Sessions.ResetMigration()
	i.Channel.Emit(&events.AuthUserChangedPayload{PreviousUserID: prev, UserID: next})
}

// Boot runs the handshake, then starts watching the store and the relay.
// It always returns a state; User is nil when nobody is signed in.
func (i *Instance) Boot(ctx context.Context) *domain.AuthState {
	state := i.Auth.Run(ctx)

	i.mu.Lock()
	if i.booted || i.closed {
		i.mu.Unlock()
		return state
	}
	i.booted = true
	i.mu.Unlock()

	watch := i.Auth.WatchStore()
	i.Selections.Start(ctx, i.Relay)
	i.Relay.Start(ctx)

	i.mu.Lock()
	i.unsubs = append(i.unsubs, watch)
	i.mu.Unlock()

	i.Channel.Emit(&events.AuthStateChangedPayload{UserID: state.UserID(), IsDemoMode: state.IsDemoMode})
	i.logger.Info("instance ready",
		"user_id", state.UserID(),
		"relay_available", i.Relay.Available(),
		"embedded", state.Embedded)
	return state
}

// Focus re-checks state that same-window writes never announce: the
// shared AuthState and the upstream selection keys.
func (i *Instance) Focus() {
	i.Auth.Reload()
	i.Selections.OnFocus()
}

// Responder answers auth requests from instances embedded in this one.
func (i *Instance) Responder() *handshake.Responder {
	return handshake.NewResponder(i.Auth.Snapshot)
}

// Close stops the relay loops and removes every watcher and subscription.
// It is safe to call more than once.
func (i *Instance) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	unsubs := i.unsubs
	i.unsubs = nil
	i.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	i.Selections.Close()
	i.Relay.Close()
	return i.Channel.Close()
}
