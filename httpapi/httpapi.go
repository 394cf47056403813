// Package httpapi exposes the engine over HTTP: subscription lifecycle,
// long-poll listening, publishing, and event-history queries.
//
// Authentication is an external collaborator: the router only needs an
// Authenticator that maps a request to a user identity.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/kernelci/eventbus/pubsub"
	"github.com/kernelci/eventbus/store"
)

// Engine is the pub/sub surface consumed by the HTTP layer.
type Engine interface {
	Subscribe(ctx context.Context, channel, user string, opts pubsub.SubscribeOptions) (pubsub.Subscription, error)
	Unsubscribe(ctx context.Context, subID int64, user string) error
	Listen(ctx context.Context, subID int64, user string) (*pubsub.Message, error)
	Publish(ctx context.Context, channel string, data map[string]any, attrs pubsub.Attributes) (int64, error)
	Stats() []pubsub.SubscriptionStats
}

// EventStore answers event-history queries for the /events endpoint.
type EventStore interface {
	Query(ctx context.Context, filter store.EventFilter) ([]pubsub.Event, error)
}

// ErrUnauthenticated is returned by Authenticators when no identity can be
// established. It maps onto 401.
var ErrUnauthenticated = errors.New("missing or invalid credentials")

// Authenticator resolves the user identity behind a request. Token
// verification itself lives outside this service.
type Authenticator interface {
	Authenticate(r *http.Request) (user string, err error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(r *http.Request) (string, error)

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(r *http.Request) (string, error) {
	return f(r)
}

// BearerToken extracts the bearer token from a request, or "" when absent.
func BearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}
