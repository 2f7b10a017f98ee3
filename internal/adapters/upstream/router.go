// Package upstream selects the transport for an upstream address by its
// URL scheme. Addresses without a scheme are treated as WebSocket hosts.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ghalamif/SensorRelay/internal/ports"
)

var ErrUnsupportedScheme = errors.New("unsupported upstream scheme")

const defaultScheme = "ws"

type Router struct {
	routes map[string]ports.UpstreamDialer
}

func NewRouter() *Router {
	return &Router{routes: make(map[string]ports.UpstreamDialer)}
}

// Handle registers d for each scheme, replacing earlier registrations.
func (r *Router) Handle(d ports.UpstreamDialer, schemes ...string) *Router {
	for _, s := range schemes {
		r.routes[strings.ToLower(s)] = d
	}
	return r
}

// Schemes lists the registered schemes in sorted order.
func (r *Router) Schemes() []string {
	out := make([]string, 0, len(r.routes))
	for s := range r.routes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Scheme returns the lower-cased scheme of address, or "" when it has none.
func Scheme(address string) string {
	if i := strings.Index(address, "://"); i > 0 {
		return strings.ToLower(address[:i])
	}
	return ""
}

func (r *Router) Dial(ctx context.Context, sourceType, address string) (ports.UpstreamConn, error) {
	scheme := Scheme(address)
	if scheme == "" {
		scheme = defaultScheme
	}
	d, ok := r.routes[scheme]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnsupportedScheme, scheme)
	}
	return d.Dial(ctx, sourceType, address)
}

var _ ports.UpstreamDialer = (*Router)(nil)
