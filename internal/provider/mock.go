package provider

import (
	"context"
	"sort"
	"sync"

	"github.com/chatsync/chatsync/internal/chat"
)

// MockBackend implements Backend for testing
type MockBackend struct {
	kind chat.Provider

	mu           sync.Mutex
	events       chan Event
	connected    bool
	destroyed    bool
	currentUser  *chat.CurrentUser
	connectErr   error
	users        map[string]chat.User
	usersErr     error
	directory    map[string]chat.User
	userInfoErr  map[string]error
	channels     []chat.Channel
	channelsErr  error
	channelInfo  map[string]chat.Channel
	infoErr      map[string]error
	history      map[string]chat.MessagePatch
	threads      map[string]chat.Message
	prefs        *chat.UserPreferences
	sendErr      error
	markErr      error
	sent         []SentMessage
	marks        []Mark
	userInfoReqs []string
	usersReqs    int
	channelsReqs int
	infoReqs     []string
	presence     chat.Presence
	subscribed   []string
}

type SentMessage struct {
	Text      string
	UserID    string
	ChannelID string
	ParentTs  string
}

type Mark struct {
	ChannelID string
	Timestamp string
}

func NewMockBackend(kind chat.Provider) *MockBackend {
	return &MockBackend{
		kind:        kind,
		events:      make(chan Event, 100),
		currentUser: &chat.CurrentUser{ID: "me", Name: "me", Provider: kind},
		users:       make(map[string]chat.User),
		directory:   make(map[string]chat.User),
		userInfoErr: make(map[string]error),
		channelInfo: make(map[string]chat.Channel),
		infoErr:     make(map[string]error),
		history:     make(map[string]chat.MessagePatch),
		threads:     make(map[string]chat.Message),
		presence:    chat.PresenceAvailable,
	}
}

func (m *MockBackend) Kind() chat.Provider {
	return m.kind
}

func (m *MockBackend) Connect(ctx context.Context) (*chat.CurrentUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return nil, m.connectErr
	}
	m.connected = true
	u := *m.currentUser
	u.Teams = append([]chat.Team(nil), m.currentUser.Teams...)
	return &u, nil
}

func (m *MockBackend) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockBackend) FetchUsers(ctx context.Context) (map[string]chat.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usersReqs++
	if m.usersErr != nil {
		return nil, m.usersErr
	}
	out := make(map[string]chat.User, len(m.users))
	for id, u := range m.users {
		out[id] = u
	}
	return out, nil
}

func (m *MockBackend) FetchUserInfo(ctx context.Context, userID string) (*chat.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userInfoReqs = append(m.userInfoReqs, userID)
	if err := m.userInfoErr[userID]; err != nil {
		return nil, err
	}
	u, ok := m.directory[userID]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (m *MockBackend) FetchChannels(ctx context.Context, knownUsers map[string]chat.User) ([]chat.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channelsReqs++
	if m.channelsErr != nil {
		return nil, m.channelsErr
	}
	return append([]chat.Channel(nil), m.channels...), nil
}

func (m *MockBackend) FetchChannelInfo(ctx context.Context, ch chat.Channel) (*chat.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infoReqs = append(m.infoReqs, ch.ID)
	if err := m.infoErr[ch.ID]; err != nil {
		return nil, err
	}
	info, ok := m.channelInfo[ch.ID]
	if !ok {
		return &ch, nil
	}
	return &info, nil
}

func (m *MockBackend) LoadChannelHistory(ctx context.Context, channelID string) (chat.MessagePatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	patch := make(chat.MessagePatch, len(m.history[channelID]))
	for ts, msg := range m.history[channelID] {
		if msg == nil {
			patch[ts] = nil
			continue
		}
		c := msg.Clone()
		patch[ts] = &c
	}
	return patch, nil
}

func (m *MockBackend) SendMessage(ctx context.Context, text, userID, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, SentMessage{Text: text, UserID: userID, ChannelID: channelID})
	return nil
}

func (m *MockBackend) SendThreadReply(ctx context.Context, text, userID, channelID, parentTs string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, SentMessage{Text: text, UserID: userID, ChannelID: channelID, ParentTs: parentTs})
	return nil
}

func (m *MockBackend) MarkChannel(ctx context.Context, ch chat.Channel, ts string) (*chat.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return nil, m.markErr
	}
	m.marks = append(m.marks, Mark{ChannelID: ch.ID, Timestamp: ts})
	out := ch
	out.ReadTimestamp = ts
	out.UnreadCount = 0
	return &out, nil
}

func (m *MockBackend) FetchThreadReplies(ctx context.Context, channelID, parentTs string) (*chat.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.threads[channelID+"/"+parentTs]
	if !ok {
		return nil, chat.ErrNotFound
	}
	c := msg.Clone()
	return &c, nil
}

func (m *MockBackend) CreateIMChannel(ctx context.Context, user chat.User) (*chat.Channel, error) {
	return &chat.Channel{ID: "D" + user.ID, Name: user.Name, Type: chat.ChannelTypeIM}, nil
}

func (m *MockBackend) UpdateSelfPresence(ctx context.Context, presence chat.Presence, durationMinutes int) (chat.Presence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presence = presence
	return presence, nil
}

func (m *MockBackend) SubscribePresence(ctx context.Context, users []chat.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range users {
		m.subscribed = append(m.subscribed, u.ID)
	}
	return nil
}

func (m *MockBackend) GetUserPreferences(ctx context.Context) (*chat.UserPreferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prefs == nil {
		return &chat.UserPreferences{}, nil
	}
	return &chat.UserPreferences{MutedChannels: append([]string(nil), m.prefs.MutedChannels...)}, nil
}

func (m *MockBackend) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return nil
	}
	m.destroyed = true
	m.connected = false
	close(m.events)
	return nil
}

func (m *MockBackend) Events() <-chan Event {
	return m.events
}

// LocalMarkerMock is a MockBackend that keeps read markers unchanged, like
// backends that store markers locally.
type LocalMarkerMock struct {
	*MockBackend
}

func (LocalMarkerMock) NormalizeReadMarker(ts string) string {
	return ts
}

// Test helpers

func (m *MockBackend) SimulateEvent(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return
	}
	emit(m.events, ev)
}

func (m *MockBackend) SetCurrentUser(u chat.CurrentUser) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentUser = &u
}

func (m *MockBackend) SetConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

func (m *MockBackend) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
}

// SetUsers sets the full directory and makes each user resolvable by id.
func (m *MockBackend) SetUsers(users ...chat.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = make(map[string]chat.User, len(users))
	for _, u := range users {
		m.users[u.ID] = u
		m.directory[u.ID] = u
	}
}

func (m *MockBackend) SetUsersError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usersErr = err
}

// AddDirectoryUser makes u resolvable by FetchUserInfo only.
func (m *MockBackend) AddDirectoryUser(u chat.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.directory[u.ID] = u
}

func (m *MockBackend) SetUserInfoError(userID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userInfoErr[userID] = err
}

func (m *MockBackend) SetChannels(channels ...chat.Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append([]chat.Channel(nil), channels...)
}

func (m *MockBackend) SetChannelsError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channelsErr = err
}

func (m *MockBackend) SetChannelInfo(ch chat.Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channelInfo[ch.ID] = ch
}

func (m *MockBackend) SetChannelInfoError(channelID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infoErr[channelID] = err
}

func (m *MockBackend) SetHistory(channelID string, patch chat.MessagePatch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[channelID] = patch
}

func (m *MockBackend) SetThread(channelID string, parent chat.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[channelID+"/"+parent.Timestamp] = parent
}

func (m *MockBackend) SetPreferences(p chat.UserPreferences) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs = &p
}

func (m *MockBackend) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

func (m *MockBackend) SetMarkError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markErr = err
}

func (m *MockBackend) GetSentMessages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]SentMessage, len(m.sent))
	copy(result, m.sent)
	return result
}

func (m *MockBackend) GetMarks() []Mark {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]Mark, len(m.marks))
	copy(result, m.marks)
	return result
}

// GetUserInfoRequests returns the ids passed to FetchUserInfo, sorted.
func (m *MockBackend) GetUserInfoRequests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := append([]string(nil), m.userInfoReqs...)
	sort.Strings(result)
	return result
}

func (m *MockBackend) GetChannelInfoRequests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := append([]string(nil), m.infoReqs...)
	sort.Strings(result)
	return result
}

func (m *MockBackend) FetchUsersCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usersReqs
}

func (m *MockBackend) FetchChannelsCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channelsReqs
}

func (m *MockBackend) GetSubscribed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.subscribed...)
}

func (m *MockBackend) GetPresence() chat.Presence {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.presence
}

func (m *MockBackend) WasDestroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}
