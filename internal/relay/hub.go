package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/chatsync/chatsync/internal/chat"
)

// Hub is an in-process RelayTransport. Followers join it with Join and
// receive notifications synchronously.
type Hub struct {
	mu         sync.Mutex
	handlers   map[string]Handler
	clients    map[string]*HubClient
	membership func(peer chat.User, joined bool)
	ready      chan struct{}
	readyOnce  sync.Once
	done       chan struct{}
	closed     bool
}

func NewHub() *Hub {
	return &Hub{
		handlers: make(map[string]Handler),
		clients:  make(map[string]*HubClient),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (h *Hub) Handle(method string, fn Handler) {
	h.mu.Lock()
	h.handlers[method] = fn
	h.mu.Unlock()
	h.readyOnce.Do(func() { close(h.ready) })
}

func (h *Hub) Notify(method string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s notification: %w", method, err)
	}
	h.mu.Lock()
	clients := make([]*HubClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.deliver(method, raw)
	}
	return nil
}

func (h *Hub) Peers() []chat.User {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := make([]chat.User, 0, len(h.clients))
	for _, c := range h.clients {
		peers = append(peers, c.user)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

func (h *Hub) OnMembership(fn func(peer chat.User, joined bool)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.membership = fn
}

func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Join connects a follower as user.
func (h *Hub) Join(user chat.User) *HubClient {
	c := &HubClient{
		hub:  h,
		user: user,
		subs: make(map[string][]func(json.RawMessage)),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(c.done)
		return c
	}
	h.clients[user.ID] = c
	fn := h.membership
	h.mu.Unlock()

	if fn != nil {
		fn(user, true)
	}
	return c
}

// Close stops the hub and disconnects every follower.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := h.clients
	h.clients = make(map[string]*HubClient)
	h.mu.Unlock()

	for _, c := range clients {
		c.closeOnce.Do(func() { close(c.done) })
	}
	close(h.done)
}

func (h *Hub) call(ctx context.Context, from chat.User, method string, payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	h.mu.Lock()
	fn, ok := h.handlers[method]
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return nil, ErrNotActive
	}
	if !ok {
		return nil, fmt.Errorf("unknown method %q", method)
	}

	out, err := fn(ctx, from, raw)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// HubClient is the follower side of a Hub.
type HubClient struct {
	hub  *Hub
	user chat.User

	mu        sync.Mutex
	subs      map[string][]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once
}

func (c *HubClient) Request(ctx context.Context, method string, payload, out any) error {
	select {
	case <-c.done:
		return ErrNotActive
	default:
	}
	raw, err := c.hub.call(ctx, c.user, method, payload)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (c *HubClient) Subscribe(method string, fn func(payload json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[method] = append(c.subs[method], fn)
}

func (c *HubClient) Ready() <-chan struct{} {
	return c.hub.ready
}

func (c *HubClient) Done() <-chan struct{} {
	return c.done
}

// Leave disconnects the follower.
func (c *HubClient) Leave() {
	c.hub.mu.Lock()
	if current, ok := c.hub.clients[c.user.ID]; ok && current == c {
		delete(c.hub.clients, c.user.ID)
	}
	fn := c.hub.membership
	c.hub.mu.Unlock()

	c.closeOnce.Do(func() { close(c.done) })
	if fn != nil {
		fn(c.user, false)
	}
}

func (c *HubClient) deliver(method string, raw json.RawMessage) {
	c.mu.Lock()
	subs := append(([]func(json.RawMessage))(nil), c.subs[method]...)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(raw)
	}
}
