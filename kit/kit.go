// Package kit holds the transport-agnostic endpoint abstraction shared by the
// HTTP API and the MCP tools, plus the request-scoped context accessors.
package kit

import "context"

// Endpoint is a transport-agnostic operation: decoded request in, response
// out. Both HTTP handlers and MCP tools terminate in an Endpoint.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint with cross-cutting behavior.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares; the first argument is outermost.
func Chain(mws ...Middleware) Middleware {
	return func(ep Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			ep = mws[i](ep)
		}
		return ep
	}
}
