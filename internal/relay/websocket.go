package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chatsync/chatsync/internal/chat"
)

const (
	frameRequest  = "request"
	frameResponse = "response"
	frameNotify   = "notify"
	frameReady    = "ready"

	writeTimeout = 10 * time.Second
	sendBuffer   = 64
)

// Frame is the JSON envelope exchanged over the websocket.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// RemoteError is a handler error reported by the relay.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("relay %s: %s", e.Method, e.Message)
}

// Server is a RelayTransport accepting followers over websocket. Followers
// identify themselves with the id and name query parameters.
type Server struct {
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu         sync.Mutex
	handlers   map[string]Handler
	conns      map[string]*serverConn
	membership func(peer chat.User, joined bool)
	ready      bool
	closed     bool
	done       chan struct{}
}

type serverConn struct {
	ws        *websocket.Conn
	user      chat.User
	send      chan Frame
	closed    chan struct{}
	closeOnce sync.Once
}

func NewServer(log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		log: log.With(zap.String("component", "relay_server")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		handlers: make(map[string]Handler),
		conns:    make(map[string]*serverConn),
		done:     make(chan struct{}),
	}
}

func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	s.handlers[method] = h
	wasReady := s.ready
	s.ready = true
	conns := s.connList()
	s.mu.Unlock()

	if !wasReady {
		for _, c := range conns {
			c.enqueue(Frame{Type: frameReady})
		}
	}
}

func (s *Server) Notify(method string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s notification: %w", method, err)
	}
	s.mu.Lock()
	conns := s.connList()
	s.mu.Unlock()

	for _, c := range conns {
		if !c.enqueue(Frame{Type: frameNotify, Method: method, Payload: raw}) {
			s.log.Warn("follower send buffer full, dropping notification", zap.String("peer", c.user.ID))
		}
	}
	return nil
}

func (s *Server) Peers() []chat.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]chat.User, 0, len(s.conns))
	for _, c := range s.conns {
		peers = append(peers, c.user)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

func (s *Server) OnMembership(fn func(peer chat.User, joined bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.membership = fn
}

func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Close disconnects every follower and stops the transport.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := s.connList()
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	close(s.done)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", zap.Error(err))
		return
	}
	c := &serverConn{
		ws:     ws,
		user:   chat.User{ID: id, Name: r.URL.Query().Get("name")},
		send:   make(chan Frame, sendBuffer),
		closed: make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ws.Close()
		return
	}
	if old, ok := s.conns[id]; ok {
		old.close()
	}
	s.conns[id] = c
	ready := s.ready
	fn := s.membership
	s.mu.Unlock()

	go c.writeLoop()
	if ready {
		c.enqueue(Frame{Type: frameReady})
	}
	if fn != nil {
		fn(c.user, true)
	}

	s.readLoop(c)

	s.mu.Lock()
	current := s.conns[id] == c
	if current {
		delete(s.conns, id)
	}
	fn = s.membership
	s.mu.Unlock()

	c.close()
	if current && fn != nil {
		fn(c.user, false)
	}
}

func (s *Server) readLoop(c *serverConn) {
	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			return
		}
		if f.Type == frameRequest {
			go s.serve(c, f)
		}
	}
}

func (s *Server) serve(c *serverConn, f Frame) {
	s.mu.Lock()
	h, ok := s.handlers[f.Method]
	s.mu.Unlock()

	resp := Frame{Type: frameResponse, ID: f.ID, Method: f.Method}
	if !ok {
		resp.Error = fmt.Sprintf("unknown method %q", f.Method)
		c.enqueue(resp)
		return
	}

	out, err := h(context.Background(), c.user, f.Payload)
	if err != nil {
		resp.Error = err.Error()
	} else if raw, err := json.Marshal(out); err != nil {
		resp.Error = err.Error()
	} else {
		resp.Payload = raw
	}
	c.enqueue(resp)
}

// connList must be called with s.mu held.
func (s *Server) connList() []*serverConn {
	conns := make([]*serverConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

func (c *serverConn) enqueue(f Frame) bool {
	select {
	case c.send <- f:
		return true
	case <-c.closed:
		return false
	default:
		return false
	}
}

func (c *serverConn) writeLoop() {
	for {
		select {
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(f); err != nil {
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *serverConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}

// Client is a FollowerTransport connected to a relay Server.
type Client struct {
	ws  *websocket.Conn
	log *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Frame
	subs    map[string][]func(json.RawMessage)

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the relay at rawURL as self.
func Dial(ctx context.Context, rawURL string, self chat.User, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("id", self.ID)
	q.Set("name", self.Name)
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, &chat.ConnectionError{Provider: chat.ProviderRelay, Err: err}
	}

	c := &Client{
		ws:      ws,
		log:     log.With(zap.String("component", "relay_client")),
		pending: make(map[string]chan Frame),
		subs:    make(map[string][]func(json.RawMessage)),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) Request(ctx context.Context, method string, payload, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	id := uuid.NewString()
	ch := make(chan Frame, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = c.ws.WriteJSON(Frame{Type: frameRequest, ID: id, Method: method, Payload: raw})
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("send %s request: %w", method, err)
	}

	select {
	case f := <-ch:
		if f.Error != "" {
			return &RemoteError{Method: method, Message: f.Error}
		}
		if out == nil || len(f.Payload) == 0 {
			return nil
		}
		return json.Unmarshal(f.Payload, out)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrNotActive
	}
}

func (c *Client) Subscribe(method string, fn func(payload json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[method] = append(c.subs[method], fn)
}

func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.log.Debug("relay connection closed", zap.Error(err))
			return
		}
		switch f.Type {
		case frameReady:
			c.readyOnce.Do(func() { close(c.ready) })
		case frameResponse:
			c.mu.Lock()
			ch := c.pending[f.ID]
			c.mu.Unlock()
			if ch != nil {
				select {
				case ch <- f:
				default:
				}
			}
		case frameNotify:
			c.mu.Lock()
			subs := append(([]func(json.RawMessage))(nil), c.subs[f.Method]...)
			c.mu.Unlock()
			for _, fn := range subs {
				fn(f.Payload)
			}
		}
	}
}
