package mail

import (
	"context"
	"fmt"
	"strings"
)

// Router dispatches to a transport by Connection.Provider. An empty provider
// means smtp.
type Router struct {
	byName map[string]Transport
}

func NewRouter() *Router {
	return &Router{byName: map[string]Transport{}}
}

// Handle registers t for provider, replacing any previous registration.
func (r *Router) Handle(provider string, t Transport) *Router {
	r.byName[strings.ToLower(strings.TrimSpace(provider))] = t
	return r
}

func (r *Router) Deliver(ctx context.Context, conn Connection, msg Message) (Receipt, error) {
	p := strings.ToLower(strings.TrimSpace(conn.Provider))
	if p == "" {
		p = ProviderSMTP
	}
	t, ok := r.byName[p]
	if !ok {
		return Receipt{}, &DeliveryError{Recipient: msg.To, Reason: fmt.Sprintf("unknown mail provider %q", p)}
	}
	return t.Deliver(ctx, conn, msg)
}
