package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chatsync/chatsync/internal/chat"
	"github.com/chatsync/chatsync/internal/ratelimit"
)

const (
	MethodMessage       = "message"
	MethodFetchUsers    = "fetchUsers"
	MethodFetchUserInfo = "fetchUserInfo"
	MethodFetchMessages = "fetchMessages"
	MethodRegisterGuest = "registerGuest"
)

// ChannelID is the single conversation of a peer session.
const ChannelID = "relay"

const registerTimeout = 10 * time.Second

var (
	ErrRoleConflict = errors.New("relay: session already active")
	ErrNotActive    = errors.New("relay: no active session")
	ErrNotReady     = errors.New("relay: relay not available yet")
	ErrRateLimited  = errors.New("relay: peer message rate exceeded")
)

type Role int

const (
	RoleUnconnected Role = iota
	RoleRelay
	RoleFollower
)

func (r Role) String() string {
	switch r {
	case RoleRelay:
		return "relay"
	case RoleFollower:
		return "follower"
	}
	return "unconnected"
}

// Listener receives the local effect of session activity.
type Listener interface {
	MessagesChanged(patch chat.MessagePatch)
	UsersChanged(users []chat.User)
	SessionEnded()
}

type Options struct {
	Self    chat.User
	Log     *zap.Logger
	Limiter *ratelimit.Limiter
	Metrics *Metrics
	Now     func() time.Time
}

type messageRequest struct {
	Text string `json:"text"`
}

type userInfoRequest struct {
	UserID string `json:"userId"`
}

// Session is one side of a peer chat session: the relay that stamps and
// fans out messages, or a follower that forwards to it.
type Session struct {
	self    chat.User
	log     *zap.Logger
	limiter *ratelimit.Limiter
	metrics *Metrics
	now     func() time.Time

	mu         sync.Mutex
	role       Role
	relay      RelayTransport
	follower   FollowerTransport
	stop       chan struct{}
	listener   Listener
	history    map[string]chat.Message
	guests     map[string]chat.User
	announced  map[string]bool
	lastMicros int64
	registered bool
}

func NewSession(opts Options) *Session {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Session{
		self:      opts.Self,
		log:       log.With(zap.String("component", "relay")),
		limiter:   opts.Limiter,
		metrics:   opts.Metrics,
		now:       now,
		history:   make(map[string]chat.Message),
		guests:    make(map[string]chat.User),
		announced: make(map[string]bool),
	}
}

func (s *Session) SetListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

func (s *Session) Self() chat.User {
	return s.self
}

func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// StartRelay hosts a session on t.
func (s *Session) StartRelay(t RelayTransport) error {
	stop, err := s.begin(RoleRelay, t, nil)
	if err != nil {
		return err
	}

	t.Handle(MethodMessage, s.instrument(MethodMessage, s.handleMessage))
	t.Handle(MethodFetchUsers, s.instrument(MethodFetchUsers, s.handleFetchUsers))
	t.Handle(MethodFetchUserInfo, s.instrument(MethodFetchUserInfo, s.handleFetchUserInfo))
	t.Handle(MethodFetchMessages, s.instrument(MethodFetchMessages, s.handleFetchMessages))
	t.Handle(MethodRegisterGuest, s.instrument(MethodRegisterGuest, s.handleRegisterGuest))
	t.OnMembership(func(peer chat.User, joined bool) {
		if joined {
			s.join(peer)
		} else {
			s.leave(peer)
		}
	})

	s.mu.Lock()
	s.announced[s.self.ID] = true
	s.mu.Unlock()
	s.broadcast(s.self.ID, s.self.Name+" started the session")

	for _, peer := range t.Peers() {
		s.join(peer)
	}

	go func() {
		select {
		case <-t.Done():
			s.end(stop)
		case <-stop:
		}
	}()
	s.log.Info("relay session started", zap.String("user", s.self.ID))
	return nil
}

// StartFollower joins the session hosted behind t.
func (s *Session) StartFollower(t FollowerTransport) error {
	stop, err := s.begin(RoleFollower, nil, t)
	if err != nil {
		return err
	}

	t.Subscribe(MethodMessage, func(payload json.RawMessage) {
		s.applyRemote(stop, payload)
	})

	go func() {
		select {
		case <-t.Ready():
			s.register(t, stop)
		case <-t.Done():
			s.end(stop)
			return
		case <-stop:
			return
		}
		select {
		case <-t.Done():
			s.end(stop)
		case <-stop:
		}
	}()
	s.log.Info("follower session started", zap.String("user", s.self.ID))
	return nil
}

// End leaves the current session, if any.
func (s *Session) End() {
	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		s.end(stop)
	}
}

func (s *Session) begin(role Role, rt RelayTransport, ft FollowerTransport) (chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role != RoleUnconnected {
		return nil, ErrRoleConflict
	}
	s.role = role
	s.relay = rt
	s.follower = ft
	s.stop = make(chan struct{})
	s.history = make(map[string]chat.Message)
	s.guests = make(map[string]chat.User)
	s.announced = make(map[string]bool)
	s.registered = false
	return s.stop, nil
}

// end tears down the session identified by stop; later calls for the same
// session are no-ops.
func (s *Session) end(stop chan struct{}) {
	s.mu.Lock()
	if s.stop != stop || s.role == RoleUnconnected {
		s.mu.Unlock()
		return
	}
	role := s.role
	s.role = RoleUnconnected
	s.relay = nil
	s.follower = nil
	s.stop = nil
	s.guests = make(map[string]chat.User)
	s.announced = make(map[string]bool)
	s.registered = false
	listener := s.listener
	close(stop)
	s.mu.Unlock()

	s.metrics.RecordSessionEnded()
	s.metrics.SetActivePeers(0)
	s.log.Info("session ended", zap.Stringer("role", role))
	if listener != nil {
		listener.SessionEnded()
	}
}

// BroadcastMessage posts text as userID. On the relay the message is stamped
// and fanned out directly; a follower forwards it and receives it back as a
// notification.
func (s *Session) BroadcastMessage(ctx context.Context, userID, text string) (chat.Message, error) {
	s.mu.Lock()
	role := s.role
	follower := s.follower
	s.mu.Unlock()

	switch role {
	case RoleRelay:
		msg, ok := s.broadcast(userID, text)
		if !ok {
			return chat.Message{}, ErrNotActive
		}
		return msg, nil
	case RoleFollower:
		if !isReady(follower) {
			return chat.Message{}, ErrNotReady
		}
		var msg chat.Message
		if err := follower.Request(ctx, MethodMessage, messageRequest{Text: text}, &msg); err != nil {
			return chat.Message{}, fmt.Errorf("forward message: %w", err)
		}
		return msg, nil
	}
	return chat.Message{}, ErrNotActive
}

// Users returns the session participants. A follower whose relay is not yet
// available gets an empty result.
func (s *Session) Users(ctx context.Context) (map[string]chat.User, error) {
	s.mu.Lock()
	role := s.role
	follower := s.follower
	s.mu.Unlock()

	switch role {
	case RoleRelay:
		return s.participants(), nil
	case RoleFollower:
		out := make(map[string]chat.User)
		if !isReady(follower) {
			return out, nil
		}
		if err := follower.Request(ctx, MethodFetchUsers, nil, &out); err != nil {
			return nil, fmt.Errorf("fetch users: %w", err)
		}
		return out, nil
	}
	return nil, ErrNotActive
}

// UserInfo returns nil without error for unknown ids.
func (s *Session) UserInfo(ctx context.Context, userID string) (*chat.User, error) {
	s.mu.Lock()
	role := s.role
	follower := s.follower
	s.mu.Unlock()

	switch role {
	case RoleRelay:
		if u, ok := s.participants()[userID]; ok {
			return &u, nil
		}
		return nil, nil
	case RoleFollower:
		if !isReady(follower) {
			return nil, nil
		}
		var out *chat.User
		if err := follower.Request(ctx, MethodFetchUserInfo, userInfoRequest{UserID: userID}, &out); err != nil {
			return nil, fmt.Errorf("fetch user info: %w", err)
		}
		return out, nil
	}
	return nil, ErrNotActive
}

// Messages returns the session history as a patch.
func (s *Session) Messages(ctx context.Context) (chat.MessagePatch, error) {
	s.mu.Lock()
	role := s.role
	follower := s.follower
	s.mu.Unlock()

	switch role {
	case RoleRelay:
		return toPatch(s.historyCopy()), nil
	case RoleFollower:
		if !isReady(follower) {
			return chat.MessagePatch{}, nil
		}
		var out map[string]chat.Message
		if err := follower.Request(ctx, MethodFetchMessages, nil, &out); err != nil {
			return nil, fmt.Errorf("fetch messages: %w", err)
		}
		return toPatch(out), nil
	}
	return nil, ErrNotActive
}

func (s *Session) broadcast(userID, text string) (chat.Message, bool) {
	s.mu.Lock()
	if s.role != RoleRelay {
		s.mu.Unlock()
		return chat.Message{}, false
	}
	msg := chat.Message{Timestamp: s.stampLocked(), UserID: userID, Text: text}
	s.history[msg.Timestamp] = msg
	t := s.relay
	listener := s.listener
	s.mu.Unlock()

	if err := t.Notify(MethodMessage, msg); err != nil {
		s.log.Warn("notify followers failed", zap.Error(err))
	}
	s.metrics.RecordBroadcast()
	if listener != nil {
		c := msg.Clone()
		listener.MessagesChanged(chat.MessagePatch{c.Timestamp: &c})
	}
	return msg, true
}

// stampLocked returns a wall-clock timestamp strictly greater than any
// issued before.
func (s *Session) stampLocked() string {
	micros := s.now().UnixMicro()
	if micros <= s.lastMicros {
		micros = s.lastMicros + 1
	}
	s.lastMicros = micros
	return fmt.Sprintf("%d.%06d", micros/1_000_000, micros%1_000_000)
}

func (s *Session) join(peer chat.User) {
	if peer.ID == "" {
		return
	}
	s.mu.Lock()
	if s.role != RoleRelay {
		s.mu.Unlock()
		return
	}
	if existing, ok := s.guests[peer.ID]; ok && peer.Name == "" {
		peer = existing
	}
	s.guests[peer.ID] = peer
	already := s.announced[peer.ID]
	s.announced[peer.ID] = true
	peers := len(s.guests)
	listener := s.listener
	s.mu.Unlock()

	s.metrics.SetActivePeers(peers)
	if listener != nil {
		listener.UsersChanged([]chat.User{peer})
	}
	if !already {
		s.broadcast(peer.ID, displayName(peer)+" joined the session")
	}
}

func (s *Session) leave(peer chat.User) {
	s.mu.Lock()
	if s.role != RoleRelay || !s.announced[peer.ID] {
		s.mu.Unlock()
		return
	}
	delete(s.announced, peer.ID)
	if known, ok := s.guests[peer.ID]; ok {
		peer = known
	}
	s.mu.Unlock()

	s.limiter.Forget(peer.ID)
	s.broadcast(peer.ID, displayName(peer)+" left the session")
}

// participants merges self, registered guests and transport peers.
func (s *Session) participants() map[string]chat.User {
	s.mu.Lock()
	out := make(map[string]chat.User, len(s.guests)+1)
	out[s.self.ID] = s.self
	for id, u := range s.guests {
		out[id] = u
	}
	t := s.relay
	s.mu.Unlock()

	if t != nil {
		for _, p := range t.Peers() {
			if _, ok := out[p.ID]; !ok {
				out[p.ID] = p
			}
		}
	}
	return out
}

func (s *Session) historyCopy() map[string]chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]chat.Message, len(s.history))
	for ts, m := range s.history {
		out[ts] = m.Clone()
	}
	return out
}

func (s *Session) applyRemote(stop chan struct{}, payload json.RawMessage) {
	var msg chat.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.log.Warn("bad message notification", zap.Error(err))
		return
	}
	if msg.Timestamp == "" {
		return
	}

	s.mu.Lock()
	if s.stop != stop {
		s.mu.Unlock()
		return
	}
	s.history[msg.Timestamp] = msg.Clone()
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		listener.MessagesChanged(chat.MessagePatch{msg.Timestamp: &msg})
	}
}

// register announces this follower to the relay exactly once per session,
// then pulls the current participants and history.
func (s *Session) register(t FollowerTransport, stop chan struct{}) {
	s.mu.Lock()
	if s.stop != stop || s.registered {
		s.mu.Unlock()
		return
	}
	s.registered = true
	listener := s.listener
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), registerTimeout)
	defer cancel()

	if err := t.Request(ctx, MethodRegisterGuest, s.self, nil); err != nil {
		s.log.Warn("register with relay failed", zap.Error(err))
	}
	if listener == nil {
		return
	}

	users, err := s.Users(ctx)
	if err != nil {
		s.log.Warn("initial user fetch failed", zap.Error(err))
	} else if len(users) > 0 {
		list := make([]chat.User, 0, len(users))
		for _, u := range users {
			list = append(list, u)
		}
		listener.UsersChanged(list)
	}
	history, err := s.Messages(ctx)
	if err != nil {
		s.log.Warn("initial history fetch failed", zap.Error(err))
	} else if len(history) > 0 {
		listener.MessagesChanged(history)
	}
}

func (s *Session) instrument(method string, h Handler) Handler {
	return func(ctx context.Context, from chat.User, payload json.RawMessage) (any, error) {
		out, err := h(ctx, from, payload)
		s.metrics.RecordRequest(method, err)
		if err != nil {
			s.log.Debug("peer request failed", zap.String("method", method), zap.String("peer", from.ID), zap.Error(err))
		}
		return out, err
	}
}

func (s *Session) handleMessage(ctx context.Context, from chat.User, payload json.RawMessage) (any, error) {
	var req messageRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, errors.New("empty message")
	}
	if !s.limiter.Allow(from.ID) {
		s.metrics.RecordRateLimited()
		return nil, ErrRateLimited
	}
	msg, ok := s.broadcast(from.ID, req.Text)
	if !ok {
		return nil, ErrNotActive
	}
	return msg, nil
}

func (s *Session) handleFetchUsers(ctx context.Context, from chat.User, payload json.RawMessage) (any, error) {
	return s.participants(), nil
}

func (s *Session) handleFetchUserInfo(ctx context.Context, from chat.User, payload json.RawMessage) (any, error) {
	var req userInfoRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode user info request: %w", err)
	}
	if u, ok := s.participants()[req.UserID]; ok {
		return u, nil
	}
	return nil, nil
}

func (s *Session) handleFetchMessages(ctx context.Context, from chat.User, payload json.RawMessage) (any, error) {
	return s.historyCopy(), nil
}

// handleRegisterGuest records the caller. The id always comes from the
// transport; the payload only contributes profile fields.
func (s *Session) handleRegisterGuest(ctx context.Context, from chat.User, payload json.RawMessage) (any, error) {
	guest := from
	var profile chat.User
	if len(payload) > 0 && json.Unmarshal(payload, &profile) == nil {
		if profile.Name != "" {
			guest.Name = profile.Name
		}
		if profile.FullName != "" {
			guest.FullName = profile.FullName
		}
		guest.ImageURL = profile.ImageURL
		guest.SmallImageURL = profile.SmallImageURL
	}
	s.join(guest)
	return nil, nil
}

func isReady(t FollowerTransport) bool {
	if t == nil {
		return false
	}
	select {
	case <-t.Ready():
		return true
	default:
		return false
	}
}

func toPatch(messages map[string]chat.Message) chat.MessagePatch {
	patch := make(chat.MessagePatch, len(messages))
	for ts, m := range messages {
		m := m
		patch[ts] = &m
	}
	return patch
}

func displayName(u chat.User) string {
	if u.Name != "" {
		return u.Name
	}
	return u.ID
}
