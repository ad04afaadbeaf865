package chat

import (
	"sort"
)

// Provider identifies one chat backend integration.
type Provider string

const (
	ProviderSlack   Provider = "slack"
	ProviderDiscord Provider = "discord"
	ProviderRelay   Provider = "relay"
)

// Providers lists every backend kind in display order.
var Providers = []Provider{ProviderSlack, ProviderDiscord, ProviderRelay}

// Valid reports whether p is one of the known backend kinds.
func (p Provider) Valid() bool {
	switch p {
	case ProviderSlack, ProviderDiscord, ProviderRelay:
		return true
	}
	return false
}

// MultiTeam reports whether the backend keys credentials per team.
func (p Provider) MultiTeam() bool {
	return p == ProviderSlack
}

type Presence string

const (
	PresenceUnknown      Presence = "unknown"
	PresenceAvailable    Presence = "available"
	PresenceIdle         Presence = "idle"
	PresenceDoNotDisturb Presence = "doNotDisturb"
	PresenceInvisible    Presence = "invisible"
	PresenceOffline      Presence = "offline"
)

type User struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	FullName      string   `json:"fullName"`
	Email         string   `json:"email,omitempty"`
	ImageURL      string   `json:"imageUrl,omitempty"`
	SmallImageURL string   `json:"smallImageUrl,omitempty"`
	Presence      Presence `json:"presence"`
	IsBot         bool     `json:"isBot,omitempty"`
	IsDeleted     bool     `json:"isDeleted,omitempty"`
	RoleName      string   `json:"roleName,omitempty"`
}

type ChannelType string

const (
	ChannelTypeChannel ChannelType = "channel"
	ChannelTypeGroup   ChannelType = "group"
	ChannelTypeIM      ChannelType = "im"
)

// Channel is a conversation known to one backend.
// UnreadCount is the backend-reported value; zero means nothing was reported
// and the count is derived from loaded messages instead.
type Channel struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Type          ChannelType `json:"type"`
	ReadTimestamp string      `json:"readTimestamp,omitempty"`
	UnreadCount   int         `json:"unreadCount,omitempty"`
	CategoryName  string      `json:"categoryName,omitempty"`
}

type File struct {
	Name      string `json:"name"`
	Permalink string `json:"permalink"`
}

type Reaction struct {
	Name    string   `json:"name"`
	Count   int      `json:"count"`
	UserIDs []string `json:"userIds"`
}

type Reply struct {
	UserID    string `json:"userId"`
	Timestamp string `json:"timestamp"`
	Text      string `json:"text,omitempty"`
	File      *File  `json:"file,omitempty"`
}

type Message struct {
	Timestamp string           `json:"timestamp"`
	UserID    string           `json:"userId"`
	Text      string           `json:"text"`
	Content   string           `json:"content,omitempty"`
	IsEdited  bool             `json:"isEdited,omitempty"`
	File      *File            `json:"file,omitempty"`
	Reactions []Reaction       `json:"reactions,omitempty"`
	Replies   map[string]Reply `json:"replies,omitempty"`
}

// MessagePatch maps timestamps to new message values. A nil value is a
// tombstone: the message at that timestamp is removed.
type MessagePatch map[string]*Message

// Tombstone returns a patch deleting the messages at the given timestamps.
func Tombstone(timestamps ...string) MessagePatch {
	patch := make(MessagePatch, len(timestamps))
	for _, ts := range timestamps {
		patch[ts] = nil
	}
	return patch
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	out := m
	if m.File != nil {
		f := *m.File
		out.File = &f
	}
	if m.Reactions != nil {
		out.Reactions = make([]Reaction, len(m.Reactions))
		for i, r := range m.Reactions {
			r.UserIDs = append([]string(nil), r.UserIDs...)
			out.Reactions[i] = r
		}
	}
	if m.Replies != nil {
		out.Replies = make(map[string]Reply, len(m.Replies))
		for ts, r := range m.Replies {
			if r.File != nil {
				f := *r.File
				r.File = &f
			}
			out.Replies[ts] = r
		}
	}
	return out
}

// SortedReplies returns the replies ordered by timestamp.
func (m Message) SortedReplies() []Reply {
	out := make([]Reply, 0, len(m.Replies))
	for _, r := range m.Replies {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return CompareTimestamps(out[i].Timestamp, out[j].Timestamp) < 0
	})
	return out
}

// AuthorIDs returns the message author and every reply author.
func (m Message) AuthorIDs() []string {
	ids := []string{}
	if m.UserID != "" {
		ids = append(ids, m.UserID)
	}
	for _, r := range m.Replies {
		if r.UserID != "" {
			ids = append(ids, r.UserID)
		}
	}
	return ids
}

type Team struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CurrentUser is the authenticated identity on one backend. Its absence
// means the backend is not authenticated.
type CurrentUser struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Teams         []Team   `json:"teams"`
	CurrentTeamID string   `json:"currentTeamId"`
	Provider      Provider `json:"provider"`
}

// CurrentTeam returns the selected team, if it is in Teams.
func (u CurrentUser) CurrentTeam() (Team, bool) {
	for _, t := range u.Teams {
		if t.ID == u.CurrentTeamID {
			return t, true
		}
	}
	return Team{}, false
}

type UserPreferences struct {
	MutedChannels []string `json:"mutedChannels,omitempty"`
}

// IsMuted reports whether channelID is in the muted list.
func (p UserPreferences) IsMuted(channelID string) bool {
	for _, id := range p.MutedChannels {
		if id == channelID {
			return true
		}
	}
	return false
}
