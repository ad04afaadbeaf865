package state

import (
	"github.com/chatsync/chatsync/internal/chat"
)

// PatchResult summarizes one ApplyPatch call.
type PatchResult struct {
	Upserted int
	Removed  int
}

// Changed reports whether the patch altered the table.
func (r PatchResult) Changed() bool {
	return r.Upserted > 0 || r.Removed > 0
}

// Messages returns a copy of the channel's message table.
func (s *State) Messages(channelID string) map[string]chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	table := s.messages[channelID]
	out := make(map[string]chat.Message, len(table))
	for ts, m := range table {
		out[ts] = m.Clone()
	}
	return out
}

func (s *State) Message(channelID, ts string) (chat.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[channelID][ts]
	if !ok {
		return chat.Message{}, false
	}
	return m.Clone(), true
}

// ApplyPatch merges patch into the channel's message table. A message at an
// existing timestamp replaces it in place; a nil entry removes it.
func (s *State) ApplyPatch(channelID string, patch chat.MessagePatch) PatchResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res PatchResult
	table := s.messages[channelID]
	for ts, msg := range patch {
		if msg == nil {
			if _, ok := table[ts]; ok {
				delete(table, ts)
				res.Removed++
			}
			continue
		}
		if table == nil {
			table = make(map[string]chat.Message)
			s.messages[channelID] = table
		}
		stored := msg.Clone()
		stored.Timestamp = ts
		table[ts] = stored
		res.Upserted++
	}
	return res
}

// LatestTimestamp returns the newest loaded message timestamp in the channel.
func (s *State) LatestTimestamp(channelID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	timestamps := make([]string, 0, len(s.messages[channelID]))
	for ts := range s.messages[channelID] {
		timestamps = append(timestamps, ts)
	}
	return chat.LatestTimestamp(timestamps)
}

// AddReaction records userID reacting with name on the message at ts. It is
// a no-op when the message is not loaded or the user already reacted.
func (s *State) AddReaction(channelID, ts, userID, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[channelID][ts]
	if !ok {
		return false
	}
	for i, r := range msg.Reactions {
		if r.Name != name {
			continue
		}
		for _, id := range r.UserIDs {
			if id == userID {
				return false
			}
		}
		r.UserIDs = append(append([]string(nil), r.UserIDs...), userID)
		r.Count = len(r.UserIDs)
		reactions := append([]chat.Reaction(nil), msg.Reactions...)
		reactions[i] = r
		msg.Reactions = reactions
		s.messages[channelID][ts] = msg
		return true
	}
	msg.Reactions = append(append([]chat.Reaction(nil), msg.Reactions...), chat.Reaction{
		Name:    name,
		Count:   1,
		UserIDs: []string{userID},
	})
	s.messages[channelID][ts] = msg
	return true
}

// RemoveReaction drops userID from the named reaction, pruning reactions
// whose count reaches zero.
func (s *State) RemoveReaction(channelID, ts, userID, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[channelID][ts]
	if !ok {
		return false
	}
	changed := false
	reactions := make([]chat.Reaction, 0, len(msg.Reactions))
	for _, r := range msg.Reactions {
		if r.Name == name {
			kept := make([]string, 0, len(r.UserIDs))
			for _, id := range r.UserIDs {
				if id == userID {
					changed = true
					continue
				}
				kept = append(kept, id)
			}
			r.UserIDs = kept
			r.Count = len(kept)
			if r.Count == 0 {
				continue
			}
		}
		reactions = append(reactions, r)
	}
	if !changed {
		return false
	}
	msg.Reactions = reactions
	s.messages[channelID][ts] = msg
	return true
}

// UpsertReply inserts or replaces reply in the parent's reply map. It is a
// no-op when the parent message is not loaded.
func (s *State) UpsertReply(channelID, parentTs string, reply chat.Reply) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.messages[channelID][parentTs]
	if !ok {
		return false
	}
	replies := make(map[string]chat.Reply, len(parent.Replies)+1)
	for ts, r := range parent.Replies {
		replies[ts] = r
	}
	replies[reply.Timestamp] = reply
	parent.Replies = replies
	s.messages[channelID][parentTs] = parent
	return true
}

// MergeThread folds a fetched thread into the stored parent. An unknown
// parent is stored as fetched.
func (s *State) MergeThread(channelID string, parent chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	table := s.messages[channelID]
	if table == nil {
		table = make(map[string]chat.Message)
		s.messages[channelID] = table
	}
	existing, ok := table[parent.Timestamp]
	if !ok {
		table[parent.Timestamp] = parent.Clone()
		return
	}
	replies := make(map[string]chat.Reply, len(existing.Replies)+len(parent.Replies))
	for ts, r := range existing.Replies {
		replies[ts] = r
	}
	for ts, r := range parent.Clone().Replies {
		replies[ts] = r
	}
	existing.Replies = replies
	table[parent.Timestamp] = existing
}
