package coap

import (
	"context"
	"errors"
)

// ErrNoDispatcher is returned by Switch when no dispatcher serves a request.
var ErrNoDispatcher = errors.New("no dispatcher for request")

// Dispatcher carries one request downstream and returns its response.
//
// A nil response with a nil error means the downstream produced no result.
// Implementations must return promptly once ctx is cancelled.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *Request) (*Response, error)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, req *Request) (*Response, error)

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Switch sends proxy requests to Proxy and everything else to Local.
type Switch struct {
	Proxy Dispatcher
	Local Dispatcher
}

// Dispatch implements Dispatcher.
func (s *Switch) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	target := s.Local
	if req.IsProxy() {
		target = s.Proxy
	}
	if target == nil {
		return nil, ErrNoDispatcher
	}
	return target.Dispatch(ctx, req)
}
