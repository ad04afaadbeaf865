package provider

import (
	"context"

	"github.com/chatsync/chatsync/internal/chat"
)

// HistoryLimit caps the number of messages a history load returns.
const HistoryLimit = 50

// EventKind identifies what a backend pushed.
type EventKind int

const (
	// EventMessages carries a message patch: new, edited or tombstoned.
	EventMessages EventKind = iota
	EventReactionAdded
	EventReactionRemoved
	EventThreadReply
	EventPresence
	// EventChannel carries a created or updated channel.
	EventChannel
	// EventUsers carries users that joined or changed.
	EventUsers
)

func (k EventKind) String() string {
	switch k {
	case EventMessages:
		return "messages"
	case EventReactionAdded:
		return "reaction_added"
	case EventReactionRemoved:
		return "reaction_removed"
	case EventThreadReply:
		return "thread_reply"
	case EventPresence:
		return "presence"
	case EventChannel:
		return "channel"
	case EventUsers:
		return "users"
	}
	return "unknown"
}

// Event is an update pushed by a backend outside of any request.
type Event struct {
	Kind      EventKind
	ChannelID string

	// EventMessages
	Messages chat.MessagePatch

	// Reactions and replies target the message at Timestamp.
	Timestamp string
	UserID    string
	Reaction  string
	Reply     chat.Reply

	// EventPresence
	Presence chat.Presence

	// EventChannel
	Channel chat.Channel

	// EventUsers
	Users []chat.User
}

// Backend is the capability contract every chat backend implements.
// Capabilities a backend cannot offer return chat.ErrUnsupported.
type Backend interface {
	// Kind returns the backend identifier
	Kind() chat.Provider

	// Connect authenticates and returns the current identity
	Connect(ctx context.Context) (*chat.CurrentUser, error)

	IsConnected() bool

	// FetchUsers returns the full user directory keyed by id
	FetchUsers(ctx context.Context) (map[string]chat.User, error)

	// FetchUserInfo returns nil without error when the user does not exist
	FetchUserInfo(ctx context.Context, userID string) (*chat.User, error)

	// FetchChannels lists channels; knownUsers lets IM channels be named
	FetchChannels(ctx context.Context, knownUsers map[string]chat.User) ([]chat.Channel, error)

	// FetchChannelInfo refreshes read marker and unread count
	FetchChannelInfo(ctx context.Context, ch chat.Channel) (*chat.Channel, error)

	// LoadChannelHistory returns up to HistoryLimit recent messages
	LoadChannelHistory(ctx context.Context, channelID string) (chat.MessagePatch, error)

	SendMessage(ctx context.Context, text, userID, channelID string) error
	SendThreadReply(ctx context.Context, text, userID, channelID, parentTs string) error

	// MarkChannel moves the read marker and returns the updated channel
	MarkChannel(ctx context.Context, ch chat.Channel, ts string) (*chat.Channel, error)

	// FetchThreadReplies returns the parent message with its replies
	FetchThreadReplies(ctx context.Context, channelID, parentTs string) (*chat.Message, error)

	CreateIMChannel(ctx context.Context, user chat.User) (*chat.Channel, error)

	// UpdateSelfPresence sets the own presence, optionally for a number of
	// minutes, and returns the presence the backend settled on
	UpdateSelfPresence(ctx context.Context, presence chat.Presence, durationMinutes int) (chat.Presence, error)

	SubscribePresence(ctx context.Context, users []chat.User) error
	GetUserPreferences(ctx context.Context) (*chat.UserPreferences, error)

	// Destroy disconnects; calling it twice is safe
	Destroy() error

	// Events returns a channel of pushed updates, closed by Destroy
	Events() <-chan Event
}

// ReadMarkerNormalizer lets a backend choose the value sent when marking a
// channel read. Backends without it get the latest timestamp advanced by
// one unit, so the marker lands past the message rather than on it.
type ReadMarkerNormalizer interface {
	NormalizeReadMarker(ts string) string
}

// NormalizeReadMarker applies b's normalization, or the default offset.
func NormalizeReadMarker(b Backend, ts string) string {
	if n, ok := b.(ReadMarkerNormalizer); ok {
		return n.NormalizeReadMarker(ts)
	}
	return chat.AdvanceTimestamp(ts)
}

// emit delivers ev without blocking; a full buffer drops it.
func emit(events chan Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	default:
		return false
	}
}
