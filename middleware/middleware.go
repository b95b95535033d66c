// Package middleware wraps call handlers in an onion of cross-cutting behaviour.
//
// The same HandlerFunc shape serves both ends: a server chain wraps the registered handler, a
// client chain wraps the function that writes the request and waits for its response.
package middleware

import (
	"context"

	"muxrpc/message"
	"muxrpc/status"
)

// HandlerFunc handles one call. A non-nil error means the call failed; its status code is
// recovered with status.CodeOf.
type HandlerFunc func(ctx context.Context, req *message.Request) (*message.Response, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one is outermost:
// Chain(A, B, C)(h) == A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// CodeOf returns the outcome code of a handler result.
func CodeOf(resp *message.Response, err error) status.Code {
	if err != nil {
		return status.CodeOf(err)
	}
	if resp == nil {
		return status.OK
	}
	return resp.Status.GetCode()
}
