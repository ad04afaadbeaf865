package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chatsync/chatsync/internal/chat"
	"github.com/chatsync/chatsync/internal/relay"
)

const relayShutdownTimeout = 5 * time.Second

// RelayStarter puts session into its relay or follower role and returns
// whatever must be closed to release the transport.
type RelayStarter func(ctx context.Context, session *relay.Session) (io.Closer, error)

// Relay is the peer session backend. It exposes one channel holding the
// session conversation; read markers are kept locally.
type Relay struct {
	session *relay.Session
	start   RelayStarter
	log     *zap.Logger

	mu      sync.Mutex
	closer  io.Closer
	marker  string
	stopped bool
	events  chan Event
}

func NewRelay(session *relay.Session, start RelayStarter, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Relay{
		session: session,
		start:   start,
		log:     log.With(zap.String("provider", string(chat.ProviderRelay))),
		events:  make(chan Event, 100),
	}
	session.SetListener(r)
	return r
}

func (r *Relay) Kind() chat.Provider {
	return chat.ProviderRelay
}

// NormalizeReadMarker keeps relay stamps as-is; markers are compared locally.
func (r *Relay) NormalizeReadMarker(ts string) string {
	return ts
}

func (r *Relay) Connect(ctx context.Context) (*chat.CurrentUser, error) {
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return nil, &chat.ConnectionError{Provider: chat.ProviderRelay, Err: errors.New("backend destroyed")}
	}

	if !r.IsConnected() {
		closer, err := r.start(ctx, r.session)
		if err != nil {
			var connErr *chat.ConnectionError
			if errors.As(err, &connErr) {
				return nil, err
			}
			return nil, &chat.ConnectionError{Provider: chat.ProviderRelay, Err: err}
		}
		r.mu.Lock()
		r.closer = closer
		r.mu.Unlock()
		r.log.Info("relay session joined", zap.Stringer("role", r.session.Role()))
	}

	self := r.session.Self()
	return &chat.CurrentUser{ID: self.ID, Name: self.Name, Provider: chat.ProviderRelay}, nil
}

func (r *Relay) IsConnected() bool {
	return r.session.Role() != relay.RoleUnconnected
}

func (r *Relay) FetchUsers(ctx context.Context) (map[string]chat.User, error) {
	if !r.IsConnected() {
		return nil, chat.ErrNotConnected
	}
	return r.session.Users(ctx)
}

func (r *Relay) FetchUserInfo(ctx context.Context, userID string) (*chat.User, error) {
	if !r.IsConnected() {
		return nil, chat.ErrNotConnected
	}
	return r.session.UserInfo(ctx, userID)
}

func (r *Relay) FetchChannels(ctx context.Context, knownUsers map[string]chat.User) ([]chat.Channel, error) {
	if !r.IsConnected() {
		return nil, chat.ErrNotConnected
	}
	return []chat.Channel{r.channel()}, nil
}

// FetchChannelInfo counts session messages newer than the local marker
// written by someone else.
func (r *Relay) FetchChannelInfo(ctx context.Context, ch chat.Channel) (*chat.Channel, error) {
	if !r.IsConnected() {
		return nil, chat.ErrNotConnected
	}
	if ch.ID != relay.ChannelID {
		return nil, chat.ErrNotFound
	}
	out := r.channel()
	if out.ReadTimestamp == "" {
		return &out, nil
	}
	history, err := r.session.Messages(ctx)
	if err != nil {
		return nil, fmt.Errorf("session history: %w", err)
	}
	selfID := r.session.Self().ID
	for ts, m := range history {
		if m == nil || m.UserID == selfID {
			continue
		}
		if chat.CompareTimestamps(ts, out.ReadTimestamp) > 0 {
			out.UnreadCount++
		}
	}
	return &out, nil
}

// LoadChannelHistory returns the newest HistoryLimit session messages.
func (r *Relay) LoadChannelHistory(ctx context.Context, channelID string) (chat.MessagePatch, error) {
	if !r.IsConnected() {
		return nil, chat.ErrNotConnected
	}
	if channelID != relay.ChannelID {
		return nil, chat.ErrNotFound
	}
	history, err := r.session.Messages(ctx)
	if err != nil {
		return nil, fmt.Errorf("session history: %w", err)
	}
	if len(history) <= HistoryLimit {
		return history, nil
	}
	timestamps := make([]string, 0, len(history))
	for ts := range history {
		timestamps = append(timestamps, ts)
	}
	sort.Slice(timestamps, func(i, j int) bool {
		return chat.CompareTimestamps(timestamps[i], timestamps[j]) > 0
	})
	out := make(chat.MessagePatch, HistoryLimit)
	for _, ts := range timestamps[:HistoryLimit] {
		out[ts] = history[ts]
	}
	return out, nil
}

// SendMessage broadcasts text to the session. The stamped message comes
// back through Events like every other session message.
func (r *Relay) SendMessage(ctx context.Context, text, userID, channelID string) error {
	if !r.IsConnected() {
		return chat.ErrNotConnected
	}
	if channelID != relay.ChannelID {
		return chat.ErrNotFound
	}
	if _, err := r.session.BroadcastMessage(ctx, userID, text); err != nil {
		return err
	}
	return nil
}

func (r *Relay) SendThreadReply(ctx context.Context, text, userID, channelID, parentTs string) error {
	return chat.ErrUnsupported
}

func (r *Relay) MarkChannel(ctx context.Context, ch chat.Channel, ts string) (*chat.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil, chat.ErrNotConnected
	}
	r.marker = ts
	out := ch
	out.ReadTimestamp = ts
	out.UnreadCount = 0
	return &out, nil
}

func (r *Relay) FetchThreadReplies(ctx context.Context, channelID, parentTs string) (*chat.Message, error) {
	return nil, chat.ErrUnsupported
}

func (r *Relay) CreateIMChannel(ctx context.Context, user chat.User) (*chat.Channel, error) {
	return nil, chat.ErrUnsupported
}

func (r *Relay) UpdateSelfPresence(ctx context.Context, presence chat.Presence, durationMinutes int) (chat.Presence, error) {
	return chat.PresenceUnknown, chat.ErrUnsupported
}

// SubscribePresence is a no-op; session membership is announced as messages.
func (r *Relay) SubscribePresence(ctx context.Context, users []chat.User) error {
	return nil
}

func (r *Relay) GetUserPreferences(ctx context.Context) (*chat.UserPreferences, error) {
	if !r.IsConnected() {
		return nil, chat.ErrNotConnected
	}
	return &chat.UserPreferences{}, nil
}

func (r *Relay) Destroy() error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	closer := r.closer
	r.closer = nil
	close(r.events)
	r.mu.Unlock()

	r.session.End()
	if closer != nil {
		return closer.Close()
	}
	return nil
}

func (r *Relay) Events() <-chan Event {
	return r.events
}

// MessagesChanged implements relay.Listener.
func (r *Relay) MessagesChanged(patch chat.MessagePatch) {
	r.push(Event{Kind: EventMessages, ChannelID: relay.ChannelID, Messages: patch})
}

// UsersChanged implements relay.Listener.
func (r *Relay) UsersChanged(users []chat.User) {
	r.push(Event{Kind: EventUsers, Users: users})
}

// SessionEnded implements relay.Listener.
func (r *Relay) SessionEnded() {
	r.log.Info("relay session ended")
}

func (r *Relay) channel() chat.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return chat.Channel{
		ID:            relay.ChannelID,
		Name:          relay.ChannelID,
		Type:          chat.ChannelTypeChannel,
		ReadTimestamp: r.marker,
	}
}

func (r *Relay) push(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if !emit(r.events, ev) {
		r.log.Warn("event buffer full, dropping", zap.Stringer("kind", ev.Kind))
	}
}

// HostRelay returns a starter that serves the session as relay on listen,
// with followers connecting at path.
func HostRelay(listen, path string, log *zap.Logger) RelayStarter {
	if log == nil {
		log = zap.NewNop()
	}
	return func(ctx context.Context, session *relay.Session) (io.Closer, error) {
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp", listen)
		if err != nil {
			return nil, &chat.ConnectionError{Provider: chat.ProviderRelay, Err: fmt.Errorf("listen %s: %w", listen, err)}
		}

		server := relay.NewServer(log)
		if err := session.StartRelay(server); err != nil {
			ln.Close()
			return nil, err
		}

		mux := http.NewServeMux()
		mux.Handle(path, server)
		httpServer := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("relay listener stopped", zap.Error(err))
				server.Close()
			}
		}()
		return closerFunc(func() error {
			server.Close()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), relayShutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		}), nil
	}
}

// JoinRelay returns a starter that follows the relay at url.
func JoinRelay(url string, log *zap.Logger) RelayStarter {
	return func(ctx context.Context, session *relay.Session) (io.Closer, error) {
		client, err := relay.Dial(ctx, url, session.Self(), log)
		if err != nil {
			return nil, err
		}
		if err := session.StartFollower(client); err != nil {
			client.Close()
			return nil, err
		}
		return client, nil
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
