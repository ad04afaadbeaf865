// Package store persists the durable part of backend state: users, channels,
// the current user and the last selected channel, plus backend tokens.
package store

import (
	"sync"

	"github.com/chatsync/chatsync/internal/chat"
)

// Store is the durable cache behind each backend's state. Missing entries
// are returned as zero values, not errors.
type Store interface {
	Users(p chat.Provider) (map[string]chat.User, error)
	UpdateUsers(p chat.Provider, users map[string]chat.User) error
	Channels(p chat.Provider) ([]chat.Channel, error)
	UpdateChannels(p chat.Provider, channels []chat.Channel) error
	CurrentUser(p chat.Provider) (*chat.CurrentUser, error)
	// UpdateCurrentUser with nil removes the stored identity
	UpdateCurrentUser(p chat.Provider, u *chat.CurrentUser) error
	LastChannelID(p chat.Provider) (string, error)
	UpdateLastChannelID(p chat.Provider, id string) error
	// Clear drops everything stored for p
	Clear(p chat.Provider) error
}

// TokenStore holds backend credentials. Get returns "" for unknown keys.
type TokenStore interface {
	Get(key string) (string, error)
	Set(key, token string) error
	Delete(key string) error
}

// TokenKey builds the token key for a backend, scoped by team for
// multi-team backends.
func TokenKey(p chat.Provider, teamID string) string {
	if teamID == "" || !p.MultiTeam() {
		return string(p)
	}
	return string(p) + ":" + teamID
}

// Nop is a Store that remembers nothing.
type Nop struct{}

func (Nop) Users(chat.Provider) (map[string]chat.User, error) { return nil, nil }
func (Nop) UpdateUsers(chat.Provider, map[string]chat.User) error { return nil }
func (Nop) Channels(chat.Provider) ([]chat.Channel, error) { return nil, nil }
func (Nop) UpdateChannels(chat.Provider, []chat.Channel) error { return nil }
func (Nop) CurrentUser(chat.Provider) (*chat.CurrentUser, error) { return nil, nil }
func (Nop) UpdateCurrentUser(chat.Provider, *chat.CurrentUser) error { return nil }
func (Nop) LastChannelID(chat.Provider) (string, error) { return "", nil }
func (Nop) UpdateLastChannelID(chat.Provider, string) error { return nil }
func (Nop) Clear(chat.Provider) error { return nil }

type memoryEntry struct {
	users       map[string]chat.User
	channels    []chat.Channel
	currentUser *chat.CurrentUser
	lastChannel string
}

// Memory is an in-process Store and TokenStore.
type Memory struct {
	mu      sync.Mutex
	entries map[chat.Provider]*memoryEntry
	tokens  map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[chat.Provider]*memoryEntry),
		tokens:  make(map[string]string),
	}
}

// entry must be called with m.mu held.
func (m *Memory) entry(p chat.Provider) *memoryEntry {
	e, ok := m.entries[p]
	if !ok {
		e = &memoryEntry{}
		m.entries[p] = e
	}
	return e
}

func (m *Memory) Users(p chat.Provider) (map[string]chat.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[p]
	if !ok || e.users == nil {
		return nil, nil
	}
	out := make(map[string]chat.User, len(e.users))
	for id, u := range e.users {
		out[id] = u
	}
	return out, nil
}

func (m *Memory) UpdateUsers(p chat.Provider, users map[string]chat.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[string]chat.User, len(users))
	for id, u := range users {
		cp[id] = u
	}
	m.entry(p).users = cp
	return nil
}

func (m *Memory) Channels(p chat.Provider) ([]chat.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[p]
	if !ok {
		return nil, nil
	}
	return append([]chat.Channel(nil), e.channels...), nil
}

func (m *Memory) UpdateChannels(p chat.Provider, channels []chat.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry(p).channels = append([]chat.Channel(nil), channels...)
	return nil
}

func (m *Memory) CurrentUser(p chat.Provider) (*chat.CurrentUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[p]
	if !ok || e.currentUser == nil {
		return nil, nil
	}
	u := *e.currentUser
	u.Teams = append([]chat.Team(nil), e.currentUser.Teams...)
	return &u, nil
}

func (m *Memory) UpdateCurrentUser(p chat.Provider, u *chat.CurrentUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u == nil {
		m.entry(p).currentUser = nil
		return nil
	}
	cp := *u
	cp.Teams = append([]chat.Team(nil), u.Teams...)
	m.entry(p).currentUser = &cp
	return nil
}

func (m *Memory) LastChannelID(p chat.Provider) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[p]; ok {
		return e.lastChannel, nil
	}
	return "", nil
}

func (m *Memory) UpdateLastChannelID(p chat.Provider, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry(p).lastChannel = id
	return nil
}

func (m *Memory) Clear(p chat.Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, p)
	return nil
}

func (m *Memory) Get(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[key], nil
}

func (m *Memory) Set(key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[key] = token
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, key)
	return nil
}
