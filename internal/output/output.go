package output

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chatsync/chatsync/internal/chat"
)

// Formatter renders state snapshots as console lines.
type Formatter struct {
	maxLen int
}

func NewFormatter(maxLen int) *Formatter {
	if maxLen <= 0 {
		maxLen = 400
	}
	return &Formatter{maxLen: maxLen}
}

// Messages renders the newest limit messages of a channel, oldest first.
func (f *Formatter) Messages(messages map[string]chat.Message, users map[string]chat.User, limit int) []string {
	timestamps := make([]string, 0, len(messages))
	for ts := range messages {
		timestamps = append(timestamps, ts)
	}
	sort.Slice(timestamps, func(i, j int) bool {
		return chat.CompareTimestamps(timestamps[i], timestamps[j]) < 0
	})
	if limit > 0 && len(timestamps) > limit {
		timestamps = timestamps[len(timestamps)-limit:]
	}

	lines := make([]string, 0, len(timestamps))
	for _, ts := range timestamps {
		lines = append(lines, f.Message(messages[ts], users))
	}
	return lines
}

// Message renders one message as "[ts] author: text" followed by edit,
// reply and reaction markers.
func (f *Formatter) Message(m chat.Message, users map[string]chat.User) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", m.Timestamp, displayName(m.UserID, users), f.Truncate(body(m), f.maxLen))
	if m.IsEdited {
		b.WriteString(" (edited)")
	}
	if n := len(m.Replies); n > 0 {
		fmt.Fprintf(&b, " {%d %s}", n, plural(n, "reply", "replies"))
	}
	for _, r := range m.Reactions {
		fmt.Fprintf(&b, " :%s: %d", strings.Trim(r.Name, ":"), r.Count)
	}
	return b.String()
}

// Replies renders a thread's replies in timestamp order, indented.
func (f *Formatter) Replies(m chat.Message, users map[string]chat.User) []string {
	replies := m.SortedReplies()
	lines := make([]string, 0, len(replies))
	for _, r := range replies {
		lines = append(lines, fmt.Sprintf("  [%s] %s: %s", r.Timestamp, displayName(r.UserID, users), f.Truncate(r.Text, f.maxLen)))
	}
	return lines
}

func (f *Formatter) Truncate(content string, maxLen int) string {
	if len(content) <= maxLen {
		return content
	}
	return content[:maxLen-3] + "..."
}

func body(m chat.Message) string {
	text := m.Text
	if text == "" {
		text = m.Content
	}
	if m.File != nil {
		if text != "" {
			text += " "
		}
		text += fmt.Sprintf("<%s %s>", m.File.Name, m.File.Permalink)
	}
	return strings.ReplaceAll(text, "\n", " ")
}

func displayName(id string, users map[string]chat.User) string {
	if u, ok := users[id]; ok && u.Name != "" {
		return u.Name
	}
	if id == "" {
		return "?"
	}
	return id
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
