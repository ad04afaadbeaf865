package state

import (
	"sort"
	"sync"
	"time"

	"github.com/chatsync/chatsync/internal/chat"
)

type lookupStatus int

const (
	lookupPending lookupStatus = iota
	lookupUnresolvable
)

// State holds everything known about one backend. All mutations are
// read-modify-write under a single mutex and never perform I/O, so two
// operations on the same backend cannot interleave their halves.
type State struct {
	provider chat.Provider

	mu            sync.Mutex
	currentUser   *chat.CurrentUser
	users         map[string]chat.User
	channels      []chat.Channel
	messages      map[string]map[string]chat.Message
	prefs         chat.UserPreferences
	lastChannelID string
	fetchedAt     time.Time
	lookups       map[string]lookupStatus
}

func New(provider chat.Provider) *State {
	return &State{
		provider: provider,
		users:    make(map[string]chat.User),
		messages: make(map[string]map[string]chat.Message),
		lookups:  make(map[string]lookupStatus),
	}
}

func (s *State) Provider() chat.Provider {
	return s.provider
}

// Reset drops all state, as on credential removal.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentUser = nil
	s.users = make(map[string]chat.User)
	s.channels = nil
	s.messages = make(map[string]map[string]chat.Message)
	s.prefs = chat.UserPreferences{}
	s.lastChannelID = ""
	s.fetchedAt = time.Time{}
	s.lookups = make(map[string]lookupStatus)
}

func (s *State) CurrentUser() *chat.CurrentUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneCurrentUser(s.currentUser)
}

func (s *State) SetCurrentUser(u *chat.CurrentUser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentUser = cloneCurrentUser(u)
}

func (s *State) Preferences() chat.UserPreferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return chat.UserPreferences{MutedChannels: append([]string(nil), s.prefs.MutedChannels...)}
}

func (s *State) SetPreferences(p chat.UserPreferences) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs = chat.UserPreferences{MutedChannels: append([]string(nil), p.MutedChannels...)}
}

func (s *State) FetchedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchedAt
}

func (s *State) MarkFetched(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchedAt = t
}

func (s *State) LastChannelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastChannelID
}

func (s *State) SetLastChannelID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastChannelID = id
}

// Users

func (s *State) HasUsers() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users) > 0
}

func (s *State) Users() map[string]chat.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]chat.User, len(s.users))
	for id, u := range s.users {
		out[id] = u
	}
	return out
}

func (s *State) User(id string) (chat.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u, ok
}

// SetUsers replaces the user table with a full directory fetch. Earlier
// unresolvable lookups are forgotten since the directory is authoritative.
func (s *State) SetUsers(users map[string]chat.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = make(map[string]chat.User, len(users))
	for id, u := range users {
		s.users[id] = u
	}
	s.lookups = make(map[string]lookupStatus)
}

// MergeUsers upserts users and returns how many entries changed.
func (s *State) MergeUsers(users []chat.User) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for _, u := range users {
		if u.ID == "" {
			continue
		}
		if existing, ok := s.users[u.ID]; ok && existing == u {
			continue
		}
		s.users[u.ID] = u
		delete(s.lookups, u.ID)
		changed++
	}
	return changed
}

// UpdatePresence sets a known user's presence, reporting whether it changed.
func (s *State) UpdatePresence(userID string, presence chat.Presence) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok || u.Presence == presence {
		return false
	}
	u.Presence = presence
	s.users[userID] = u
	return true
}

// ClaimMissingUsers returns the author ids referenced by the channel's
// messages that are neither known nor already looked up, and marks them as
// pending so concurrent callers do not fetch them twice.
func (s *State) ClaimMissingUsers(channelID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	var missing []string
	for _, msg := range s.messages[channelID] {
		for _, id := range msg.AuthorIDs() {
			if seen[id] {
				continue
			}
			seen[id] = true
			if _, known := s.users[id]; known {
				continue
			}
			if _, tried := s.lookups[id]; tried {
				continue
			}
			s.lookups[id] = lookupPending
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	return missing
}

// ClaimUsers marks the given ids as pending, returning those that were
// neither known nor already looked up.
func (s *State) ClaimUsers(ids []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []string
	for _, id := range ids {
		if _, known := s.users[id]; known {
			continue
		}
		if _, tried := s.lookups[id]; tried {
			continue
		}
		s.lookups[id] = lookupPending
		claimed = append(claimed, id)
	}
	return claimed
}

// ResolveLookups records the outcome of user lookups. Found users are
// merged, not-found ids are remembered as unresolvable, and failed ids are
// released so a later appearance may retry.
func (s *State) ResolveLookups(found []chat.User, notFound, failed []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for _, u := range found {
		delete(s.lookups, u.ID)
		if existing, ok := s.users[u.ID]; ok && existing == u {
			continue
		}
		s.users[u.ID] = u
		changed++
	}
	for _, id := range notFound {
		s.lookups[id] = lookupUnresolvable
	}
	for _, id := range failed {
		delete(s.lookups, id)
	}
	return changed
}

// Unresolvable reports whether id was looked up and not found.
func (s *State) Unresolvable(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.lookups[id]
	return ok && status == lookupUnresolvable
}

func cloneCurrentUser(u *chat.CurrentUser) *chat.CurrentUser {
	if u == nil {
		return nil
	}
	out := *u
	out.Teams = append([]chat.Team(nil), u.Teams...)
	return &out
}
