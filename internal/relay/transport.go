package relay

import (
	"context"
	"encoding/json"

	"github.com/chatsync/chatsync/internal/chat"
)

// Handler answers one request from a peer. The result is encoded as JSON.
type Handler func(ctx context.Context, from chat.User, payload json.RawMessage) (any, error)

// RelayTransport is the hosting side of a peer session.
type RelayTransport interface {
	// Handle registers a request handler; registering the first one makes
	// the relay available to followers.
	Handle(method string, h Handler)

	// Notify sends payload to every connected follower without waiting.
	Notify(method string, payload any) error

	// Peers returns the currently connected followers.
	Peers() []chat.User

	// OnMembership is called when a follower connects or disconnects.
	OnMembership(fn func(peer chat.User, joined bool))

	// Done is closed when the transport stops.
	Done() <-chan struct{}
}

// FollowerTransport is the joining side of a peer session.
type FollowerTransport interface {
	// Request calls method on the relay and decodes the result into out.
	Request(ctx context.Context, method string, payload, out any) error

	// Subscribe registers fn for notifications of method.
	Subscribe(method string, fn func(payload json.RawMessage))

	// Ready is closed once the relay is available.
	Ready() <-chan struct{}

	// Done is closed when the connection to the relay is lost.
	Done() <-chan struct{}
}
