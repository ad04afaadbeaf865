package state

import (
	"github.com/chatsync/chatsync/internal/chat"
)

func (s *State) Channels() []chat.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Channel(nil), s.channels...)
}

func (s *State) Channel(id string) (chat.Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.channelIndex(id)
	if i < 0 {
		return chat.Channel{}, false
	}
	return s.channels[i], true
}

// SetChannels replaces the channel list. Read markers already known locally
// are kept for channels the backend returns without one.
func (s *State) SetChannels(channels []chat.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]chat.Channel, 0, len(channels))
	for _, ch := range channels {
		if ch.ReadTimestamp == "" {
			if i := s.channelIndex(ch.ID); i >= 0 {
				ch.ReadTimestamp = s.channels[i].ReadTimestamp
			}
		}
		next = append(next, ch)
	}
	s.channels = next
}

// UpdateChannel adds ch or merges it into the existing entry with the same
// id. Empty descriptive fields keep their previous values; the unread count
// is always taken from ch. It reports whether anything changed.
func (s *State) UpdateChannel(ch chat.Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.channelIndex(ch.ID)
	if i < 0 {
		s.channels = append(s.channels, ch)
		return true
	}
	merged := s.channels[i]
	if ch.Name != "" {
		merged.Name = ch.Name
	}
	if ch.Type != "" {
		merged.Type = ch.Type
	}
	if ch.ReadTimestamp != "" {
		merged.ReadTimestamp = ch.ReadTimestamp
	}
	if ch.CategoryName != "" {
		merged.CategoryName = ch.CategoryName
	}
	merged.UnreadCount = ch.UnreadCount
	if merged == s.channels[i] {
		return false
	}
	s.channels[i] = merged
	return true
}

// UpdateUnreadCounts applies fetched unread counts and read markers, and
// returns the ids of channels whose unread value actually changed.
func (s *State) UpdateUnreadCounts(fetched []chat.Channel) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed []string
	for _, ch := range fetched {
		i := s.channelIndex(ch.ID)
		if i < 0 {
			continue
		}
		if s.channels[i].UnreadCount == ch.UnreadCount {
			continue
		}
		s.channels[i].UnreadCount = ch.UnreadCount
		if ch.ReadTimestamp != "" {
			s.channels[i].ReadTimestamp = ch.ReadTimestamp
		}
		changed = append(changed, ch.ID)
	}
	return changed
}

// UnreadCount derives the unread count for ch: zero when muted or when no
// current user is known, the backend-reported count when present, and
// otherwise the number of messages newer than the read marker written by
// someone else.
func (s *State) UnreadCount(ch chat.Channel) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentUser == nil {
		return 0
	}
	if s.prefs.IsMuted(ch.ID) {
		return 0
	}
	if ch.UnreadCount > 0 {
		return ch.UnreadCount
	}
	if ch.ReadTimestamp == "" {
		return 0
	}

	count := 0
	for ts, msg := range s.messages[ch.ID] {
		if msg.UserID == s.currentUser.ID {
			continue
		}
		if chat.CompareTimestamps(ts, ch.ReadTimestamp) > 0 {
			count++
		}
	}
	return count
}

func (s *State) channelIndex(id string) int {
	for i := range s.channels {
		if s.channels[i].ID == id {
			return i
		}
	}
	return -1
}
