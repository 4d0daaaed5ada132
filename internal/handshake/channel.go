package handshake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ashureev/study-federation/internal/domain"
	"github.com/ashureev/study-federation/internal/shared"
)

// Message types on the parent-child channel.
const (
	TypeRequestAuthState  = "REQUEST_AUTH_STATE"
	TypeAuthStateResponse = "AUTH_STATE_RESPONSE"
)

// Request is sent by an embedded instance to its host.
type Request struct {
	Type string `json:"type"`
}

// Response is the host's reply. A nil User means the host has no session.
type Response struct {
	Type       string          `json:"type"`
	User       *domain.User    `json:"user"`
	Session    *domain.Session `json:"session"`
	IsDemoMode bool            `json:"isDemoMode"`
}

// ReplyChannel is the request/reply link from an embedded instance to its
// host. Request returns shared.ErrHandshakeTimeout when no reply arrives
// within timeout.
type ReplyChannel interface {
	Request(ctx context.Context, req Request, timeout time.Duration) (*Response, error)
}

// Responder answers auth requests on the host side from whatever auth
// state provider it was built with.
type Responder struct {
	provider func() *domain.AuthState
}

// NewResponder creates a responder. provider may return nil.
func NewResponder(provider func() *domain.AuthState) *Responder {
	return &Responder{provider: provider}
}

// Handle answers req. It reports false for message types it does not
// understand; those get no reply at all.
func (r *Responder) Handle(req Request) (Response, bool) {
	if req.Type != TypeRequestAuthState {
		return Response{}, false
	}
	resp := Response{Type: TypeAuthStateResponse}
	if state := r.provider(); state != nil && state.User != nil {
		resp.User = state.User
		resp.Session = state.Session
		resp.IsDemoMode = state.IsDemoMode
	}
	return resp, true
}

type pipeCall struct {
	req   Request
	reply chan Response
}

// Pipe is an in-process ReplyChannel. Requests wait until a host calls
// Serve; with no host attached every request times out.
type Pipe struct {
	calls chan pipeCall

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewPipe creates an unattached pipe.
func NewPipe() *Pipe {
	return &Pipe{calls: make(chan pipeCall), done: make(chan struct{})}
}

// Request implements ReplyChannel.
func (p *Pipe) Request(ctx context.Context, req Request, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	call := pipeCall{req: req, reply: make(chan Response, 1)}
	select {
	case p.calls <- call:
	case <-p.done:
		return nil, fmt.Errorf("%w: pipe closed", shared.ErrHandshakeTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: no host after %s", shared.ErrHandshakeTimeout, timeout)
	}

	select {
	case resp := <-call.reply:
		return &resp, nil
	case <-p.done:
		return nil, fmt.Errorf("%w: pipe closed", shared.ErrHandshakeTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: no reply after %s", shared.ErrHandshakeTimeout, timeout)
	}
}

// Serve answers requests with r until ctx ends or the pipe is closed.
func (p *Pipe) Serve(ctx context.Context, r *Responder) {
	for {
		select {
		case call := <-p.calls:
			if resp, ok := r.Handle(call.req); ok {
				call.reply <- resp
			}
		case <-p.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Close fails pending and future requests.
func (p *Pipe) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
}
