package core

import (
	"context"
	"time"

	"github.com/multiformats/go-multiaddr"

	"github.com/oakmoss/driftpeer/internal/urn"
)

// ControlRequest is the sum type of synchronous queries the HTTP facade (or
// any other caller) can make into the running peer. Each
// variant carries its own reply channel so the subroutine loop can answer
// without a second dispatch table.
type ControlRequest interface {
	isControlRequest()
}

type reqListenAddrs struct{ reply chan<- []multiaddr.Multiaddr }
type reqCurrentStatus struct{ reply chan<- Status }
type reqStartSearch struct {
	Urn   urn.Urn
	Ts    time.Time
	reply chan<- *Request
}
type reqCancelSearch struct {
	Urn   urn.Urn
	Ts    time.Time
	reply chan<- cancelResult
}
type reqGetSearch struct {
	Urn   urn.Urn
	reply chan<- *Request
}
type reqListSearches struct{ reply chan<- []*Request }

type cancelResult struct {
	Request *Request
	Err     error
}

func (reqListenAddrs) isControlRequest()   {}
func (reqCurrentStatus) isControlRequest() {}
func (reqStartSearch) isControlRequest()   {}
func (reqCancelSearch) isControlRequest()  {}
func (reqGetSearch) isControlRequest()     {}
func (reqListSearches) isControlRequest()  {}

// ControlPlane is the bounded MPSC channel of typed requests. Handle is
// cheaply cloneable and safe for concurrent use from any number of HTTP
// handlers; the subroutine loop is the sole consumer of Requests().
type ControlPlane struct {
	ch chan ControlRequest
}

// NewControlPlane creates a ControlPlane with the given channel capacity.
func NewControlPlane(capacity int) *ControlPlane {
	if capacity <= 0 {
		capacity = 32
	}
	return &ControlPlane{ch: make(chan ControlRequest, capacity)}
}

// Requests returns the channel the subroutine loop drains.
func (c *ControlPlane) Requests() <-chan ControlRequest { return c.ch }

// Handle returns a cheaply cloneable client handle.
func (c *ControlPlane) Handle() ControlHandle { return ControlHandle{ch: c.ch} }

// ControlHandle is the client side of the control plane: cheaply
// cloneable, safe to use from any number of HTTP handlers concurrently.
type ControlHandle struct {
	ch chan ControlRequest
}

// ListenAddrs returns the peer's current listen multiaddrs.
func (h ControlHandle) ListenAddrs(ctx context.Context) ([]multiaddr.Multiaddr, error) {
	reply := make(chan []multiaddr.Multiaddr, 1)
	if err := h.send(ctx, reqListenAddrs{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CurrentStatus returns the peer's current run-state status.
func (h ControlHandle) CurrentStatus(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if err := h.send(ctx, reqCurrentStatus{reply: reply}); err != nil {
		return Status{}, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// StartSearch creates (or fetches the existing) request for u.
func (h ControlHandle) StartSearch(ctx context.Context, u urn.Urn, ts time.Time) (*Request, error) {
	reply := make(chan *Request, 1)
	if err := h.send(ctx, reqStartSearch{Urn: u, Ts: ts, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CancelSearch cancels the request for u, if any.
func (h ControlHandle) CancelSearch(ctx context.Context, u urn.Urn, ts time.Time) (*Request, error) {
	reply := make(chan cancelResult, 1)
	if err := h.send(ctx, reqCancelSearch{Urn: u, Ts: ts, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case v := <-reply:
		return v.Request, v.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetSearch returns the request for u, if any.
func (h ControlHandle) GetSearch(ctx context.Context, u urn.Urn) (*Request, error) {
	reply := make(chan *Request, 1)
	if err := h.send(ctx, reqGetSearch{Urn: u, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ListSearches returns every tracked request.
func (h ControlHandle) ListSearches(ctx context.Context) ([]*Request, error) {
	reply := make(chan []*Request, 1)
	if err := h.send(ctx, reqListSearches{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h ControlHandle) send(ctx context.Context, req ControlRequest) error {
	select {
	case h.ch <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
