// Package console is a line-oriented terminal surface over the directory:
// it prints a line whenever a backend changes and runs slash commands read
// from its input.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/chatsync/chatsync/internal/chat"
	"github.com/chatsync/chatsync/internal/directory"
	"github.com/chatsync/chatsync/internal/output"
	"github.com/chatsync/chatsync/internal/router"
)

const defaultHistoryLines = 20

const helpText = `Commands:
  /help                          - Show this help
  /providers                     - List enabled backends
  /channels [provider]           - List channels with unread counts
  /select <provider> <channel>   - Select the current channel
  /history [n]                   - Show the last n messages of the current channel
  /send <text>                   - Send to the current channel (plain text does the same)
  /reply <ts> <text>             - Reply in the thread of message ts
  /thread <ts>                   - Show the replies of message ts
  /read                          - Mark the current channel read
  /unread                        - Refresh and show unread counts
  /users [provider]              - List users
  /presence <state> [minutes]    - Set your presence (available, idle, dnd, invisible, offline)
  /dm <user-id>                  - Open a direct conversation and select it
  /teams                         - List teams

Prefix a line with :: to send it verbatim, e.g. ::/shrug`

type Console struct {
	dir    *directory.Directory
	reader io.Reader
	writer io.Writer
	format *output.Formatter
	log    *zap.Logger

	mu       sync.Mutex
	provider chat.Provider
	channel  string
}

func New(dir *directory.Directory, r io.Reader, w io.Writer, log *zap.Logger) *Console {
	if log == nil {
		log = zap.NewNop()
	}
	return &Console{
		dir:    dir,
		reader: r,
		writer: w,
		format: output.NewFormatter(0),
		log:    log,
	}
}

// Run prints change events and executes input lines until ctx is done,
// the input ends, or the directory stops.
func (c *Console) Run(ctx context.Context) error {
	events, cancel := c.dir.Subscribe()
	defer cancel()
	c.restoreSelection()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go c.readLoop(ctx, lines, readErr)

	for {
		select {
		case <-ctx.Done():
			return nil
		case p, ok := <-events:
			if !ok {
				return nil
			}
			c.printUpdate(p)
		case line, ok := <-lines:
			if !ok {
				return <-readErr
			}
			c.Handle(ctx, line)
		}
	}
}

func (c *Console) readLoop(ctx context.Context, lines chan<- string, readErr chan<- error) {
	defer close(lines)
	scanner := bufio.NewScanner(c.reader)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			readErr <- nil
			return
		}
	}
	readErr <- scanner.Err()
}

// restoreSelection selects the last channel of the first backend that
// remembers one.
func (c *Console) restoreSelection() {
	for _, p := range c.dir.Providers() {
		if id := c.dir.LastChannelID(p); id != "" {
			c.setSelection(p, id)
			return
		}
	}
}

func (c *Console) printUpdate(p chat.Provider) {
	if !c.dir.IsEnabled(p) {
		c.println(fmt.Sprintf("%s disabled", p))
		return
	}
	c.println(fmt.Sprintf("%s updated (unread %d)", p, c.dir.UnreadCounts()[p]))
}

// Handle executes one input line.
func (c *Console) Handle(ctx context.Context, line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	route := router.Parse(line)
	if route.Type == router.RouteToChannel {
		c.send(ctx, route.Raw)
		return
	}

	switch route.Command {
	case "help":
		c.println(helpText)
	case "providers":
		c.listProviders()
	case "channels":
		c.listChannels(route.Args)
	case "select":
		c.selectChannel(ctx, route.Args)
	case "history":
		c.history(ctx, route.Args)
	case "send":
		c.send(ctx, route.Args)
	case "reply":
		c.reply(ctx, route.Args)
	case "thread":
		c.thread(ctx, route.Args)
	case "read":
		c.markRead(ctx)
	case "unread":
		c.unread(ctx)
	case "users":
		c.listUsers(route.Args)
	case "presence":
		c.setPresence(ctx, route.Args)
	case "dm":
		c.openIM(ctx, route.Args)
	case "teams":
		c.listTeams()
	default:
		c.println(fmt.Sprintf("Unknown command: %s", route.Command))
	}
}

func (c *Console) listProviders() {
	providers := c.dir.Providers()
	if len(providers) == 0 {
		c.println("No backends enabled")
		return
	}
	unread := c.dir.UnreadCounts()
	for _, p := range providers {
		who := "not signed in"
		if u := c.dir.CurrentUser(p); u != nil {
			who = u.Name
		}
		c.println(fmt.Sprintf("%-8s %s, unread %d", p, who, unread[p]))
	}
}

func (c *Console) listChannels(args string) {
	labels := c.dir.ChannelLabels()
	if args != "" {
		labels = c.dir.ChannelLabels(chat.Provider(strings.ToLower(args)))
	}
	if len(labels) == 0 {
		c.println("No channels")
		return
	}
	for _, l := range labels {
		line := fmt.Sprintf("%-8s %-22s %s", l.Provider, l.Channel.ID, l.Label)
		if l.Unread > 0 {
			line += fmt.Sprintf(" (%d)", l.Unread)
		}
		c.println(line)
	}
}

func (c *Console) selectChannel(ctx context.Context, args string) {
	fields := router.Fields(args, 2)
	if len(fields) != 2 {
		p, id := c.selection()
		current := "none"
		if id != "" {
			current = fmt.Sprintf("%s %s", p, id)
		}
		c.println(fmt.Sprintf("Usage: /select <provider> <channel>\nCurrently selected: %s", current))
		return
	}
	p, id := chat.Provider(strings.ToLower(fields[0])), fields[1]
	if !c.dir.IsEnabled(p) {
		c.println(fmt.Sprintf("Unknown backend: %s", fields[0]))
		return
	}
	ch, ok := c.dir.Channel(p, id)
	if !ok {
		c.println(fmt.Sprintf("Unknown channel: %s", id))
		return
	}
	c.setSelection(p, ch.ID)
	c.dir.SetLastChannel(p, ch.ID)
	if err := c.dir.LoadChannelHistory(ctx, p, ch.ID); err != nil {
		c.log.Warn("load history failed", zap.String("provider", string(p)), zap.String("channel", ch.ID), zap.Error(err))
	}
	c.println(fmt.Sprintf("Selected %s %s", p, nameOf(ch)))
}

func (c *Console) history(ctx context.Context, args string) {
	p, id, ok := c.requireSelection()
	if !ok {
		return
	}
	limit := defaultHistoryLines
	if args != "" {
		n, err := strconv.Atoi(args)
		if err != nil || n <= 0 {
			c.println("Usage: /history [n]")
			return
		}
		limit = n
	}
	if err := c.dir.LoadChannelHistory(ctx, p, id); err != nil {
		c.println(fmt.Sprintf("Error: %v", err))
		return
	}
	lines := c.format.Messages(c.dir.Messages(p, id), c.dir.Users(p), limit)
	if len(lines) == 0 {
		c.println("No messages")
		return
	}
	c.println(strings.Join(lines, "\n"))
}

func (c *Console) send(ctx context.Context, text string) {
	if text == "" {
		c.println("Usage: /send <text>")
		return
	}
	p, id, ok := c.requireSelection()
	if !ok {
		return
	}
	if err := c.dir.SendMessage(ctx, p, text, id, ""); err != nil {
		c.println(fmt.Sprintf("Error: %v", err))
	}
}

func (c *Console) reply(ctx context.Context, args string) {
	fields := router.Fields(args, 2)
	if len(fields) != 2 {
		c.println("Usage: /reply <ts> <text>")
		return
	}
	p, id, ok := c.requireSelection()
	if !ok {
		return
	}
	if err := c.dir.SendMessage(ctx, p, fields[1], id, fields[0]); err != nil {
		c.println(fmt.Sprintf("Error: %v", err))
	}
}

func (c *Console) thread(ctx context.Context, args string) {
	if args == "" {
		c.println("Usage: /thread <ts>")
		return
	}
	p, id, ok := c.requireSelection()
	if !ok {
		return
	}
	if err := c.dir.FetchThreadReplies(ctx, p, id, args); err != nil {
		c.println(fmt.Sprintf("Error: %v", err))
		return
	}
	parent, found := c.dir.Messages(p, id)[args]
	if !found {
		c.println(fmt.Sprintf("Unknown message: %s", args))
		return
	}
	users := c.dir.Users(p)
	lines := append([]string{c.format.Message(parent, users)}, c.format.Replies(parent, users)...)
	c.println(strings.Join(lines, "\n"))
}

func (c *Console) markRead(ctx context.Context) {
	p, id, ok := c.requireSelection()
	if !ok {
		return
	}
	if err := c.dir.UpdateReadMarker(ctx, p, id); err != nil {
		c.println(fmt.Sprintf("Error: %v", err))
		return
	}
	c.println(fmt.Sprintf("Marked %s read", id))
}

func (c *Console) unread(ctx context.Context) {
	providers := c.dir.Providers()
	for _, p := range providers {
		c.dir.FetchUnreadCounts(ctx, p)
	}
	total := 0
	for _, l := range c.dir.ChannelLabels(providers...) {
		if l.Unread == 0 {
			continue
		}
		total += l.Unread
		c.println(fmt.Sprintf("%-8s %s (%d)", l.Provider, l.Label, l.Unread))
	}
	c.println(fmt.Sprintf("Total unread: %d", total))
}

func (c *Console) listUsers(args string) {
	p := chat.Provider(strings.ToLower(args))
	if p == "" {
		var id string
		p, id = c.selection()
		if id == "" {
			c.println("Usage: /users <provider>")
			return
		}
	}
	users := c.dir.Users(p)
	if len(users) == 0 {
		c.println("No users")
		return
	}
	ids := make([]string, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		u := users[id]
		if u.IsDeleted {
			continue
		}
		c.println(fmt.Sprintf("%-22s %-20s %s", u.ID, u.Name, u.Presence))
	}
}

var presenceNames = map[string]chat.Presence{
	"available": chat.PresenceAvailable,
	"idle":      chat.PresenceIdle,
	"away":      chat.PresenceIdle,
	"dnd":       chat.PresenceDoNotDisturb,
	"invisible": chat.PresenceInvisible,
	"offline":   chat.PresenceOffline,
}

func (c *Console) setPresence(ctx context.Context, args string) {
	fields := router.Fields(args, 0)
	if len(fields) == 0 || len(fields) > 2 {
		c.println("Usage: /presence <state> [minutes]")
		return
	}
	presence, ok := presenceNames[strings.ToLower(fields[0])]
	if !ok {
		c.println(fmt.Sprintf("Unknown presence: %s", fields[0]))
		return
	}
	minutes := 0
	if len(fields) == 2 {
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 0 {
			c.println("Usage: /presence <state> [minutes]")
			return
		}
		minutes = n
	}
	p, _, ok := c.requireSelection()
	if !ok {
		return
	}
	got, err := c.dir.UpdateSelfPresence(ctx, p, presence, minutes)
	if err != nil {
		c.println(fmt.Sprintf("Error: %v", err))
		return
	}
	c.println(fmt.Sprintf("Presence on %s: %s", p, got))
}

func (c *Console) openIM(ctx context.Context, args string) {
	if args == "" {
		c.println("Usage: /dm <user-id>")
		return
	}
	p, _, ok := c.requireSelection()
	if !ok {
		return
	}
	ch, err := c.dir.CreateIMChannel(ctx, p, args)
	if err != nil {
		c.println(fmt.Sprintf("Error: %v", err))
		return
	}
	if ch == nil {
		return
	}
	c.setSelection(p, ch.ID)
	c.dir.SetLastChannel(p, ch.ID)
	c.println(fmt.Sprintf("Selected %s %s", p, nameOf(*ch)))
}

func (c *Console) listTeams() {
	teams := c.dir.Teams()
	if len(teams) == 0 {
		c.println("No teams")
		return
	}
	for _, t := range teams {
		marker := " "
		if t.Current {
			marker = "*"
		}
		c.println(fmt.Sprintf("%s %-8s %-12s %s", marker, t.Provider, t.Team.ID, t.Team.Name))
	}
}

func (c *Console) requireSelection() (chat.Provider, string, bool) {
	p, id := c.selection()
	if id == "" || !c.dir.IsEnabled(p) {
		c.println("No channel selected. Use /select <provider> <channel>")
		return "", "", false
	}
	return p, id, true
}

func (c *Console) selection() (chat.Provider, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.provider, c.channel
}

func (c *Console) setSelection(p chat.Provider, channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.provider = p
	c.channel = channelID
}

func (c *Console) println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintln(c.writer, s); err != nil {
		c.log.Debug("console write failed", zap.Error(err))
	}
}

func nameOf(ch chat.Channel) string {
	if ch.Name != "" {
		return ch.Name
	}
	return ch.ID
}
